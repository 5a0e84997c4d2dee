// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"testing"
	"time"
)

func TestRetrierSucceeds(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxSleep: 5 * time.Millisecond}
	var tries int
	err := r.Do(context.Background(), func(i int) bool {
		if i != tries {
			t.Errorf("task got iteration %d, expected %d", i, tries)
		}
		tries++
		return tries == 4
	})
	if err != nil || tries != 4 {
		t.Fatalf("expected success after 4 tries, got %v after %d", err, tries)
	}
}

func TestRetrierExhausted(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxNumRetries: 3}
	var tries int
	if err := r.Do(context.Background(), func(int) bool { tries++; return false }); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if tries != 3 {
		t.Fatalf("expected 3 tries, got %d", tries)
	}
}

func TestRetrierCanceled(t *testing.T) {
	r := Retrier{MinSleep: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	var tries int
	err := r.Do(ctx, func(int) bool {
		tries++
		cancel()
		return false
	})
	if err != context.Canceled || tries != 1 {
		t.Fatalf("expected cancellation after one try, got %v after %d", err, tries)
	}
}
