// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"testing"
	"time"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

func TestFineGrainedLock(t *testing.T) {
	l := NewFineGrainedLock()
	a, b := core.KeyFromName("a"), core.KeyFromName("b")

	l.LockKey(a)
	if l.TryLockKey(a) {
		t.Fatalf("locked twice")
	}
	if !l.TryLockKey(b) {
		t.Fatalf("other keys should be independent")
	}
	l.UnlockKey(b)

	got := make(chan bool)
	go func() {
		l.LockKey(a)
		got <- true
		l.UnlockKey(a)
	}()

	select {
	case <-got:
		t.Fatalf("second locker didn't wait")
	case <-time.After(50 * time.Millisecond):
	}
	l.UnlockKey(a)
	<-got
}

func TestUnlockNotLocked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewFineGrainedLock().UnlockKey(core.Key{})
}
