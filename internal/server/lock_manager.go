// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// LockManager provides exclusive access to a given record. Every operation
// that reads headers and then acts on them holds the record's lock so that
// concurrent writers of the same key don't interleave.
type LockManager interface {
	// LockKey acquires a lock of exclusive access to a given record.
	LockKey(core.Key)

	// TryLockKey acquires the lock if nobody holds it and reports whether
	// it did.
	TryLockKey(core.Key) bool

	// UnlockKey releases the lock on a given record.
	UnlockKey(core.Key)
}

// FineGrainedLock implements LockManager.
type FineGrainedLock struct {
	// Protects cond and keys.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// Holds lock state for records. If present, the record is locked.
	keys map[core.Key]bool
}

// NewFineGrainedLock creates a new FineGrainedLock.
func NewFineGrainedLock() LockManager {
	f := new(FineGrainedLock)
	f.cond.L = &f.lock
	f.keys = make(map[core.Key]bool)
	return f
}

// LockKey locks a record.
func (f *FineGrainedLock) LockKey(key core.Key) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.keys[key] {
		f.cond.Wait()
	}
	f.keys[key] = true
}

// TryLockKey locks a record if it isn't locked.
func (f *FineGrainedLock) TryLockKey(key core.Key) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.keys[key] {
		return false
	}
	f.keys[key] = true
	return true
}

// UnlockKey unlocks a record.
func (f *FineGrainedLock) UnlockKey(key core.Key) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.keys[key] {
		panic("wasn't locked!")
	}
	delete(f.keys, key)
	f.cond.Broadcast()
}
