// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"sync"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// Monitor limits how many bytes the senders of one send request hold in
// memory, waiting to be acknowledged by the destination groups.
//
// The limit starts at core.MinimalBatchSize. Each time a limit's worth of
// bytes is acknowledged it is doubled if that took less than
// core.BatchTimeout, and halved otherwise, never below the minimum.
type Monitor struct {
	mu   sync.Mutex
	cond *sync.Cond

	batchSize uint64
	pending   uint64
	processed uint64

	restart bool
	start   time.Time

	// maxBatch caps batchSize if nonzero.
	maxBatch uint64
	now      func() time.Time
}

// NewMonitor returns a Monitor whose limit can't grow past a quarter of the
// memory that is free right now.
func NewMonitor() *Monitor {
	var max uint64
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("monitor: failed to get memory stats, not capping batch size: %s", err)
	} else if max = mem.ActualFree / 4; max < core.MinimalBatchSize {
		max = core.MinimalBatchSize
	}
	return newMonitor(max, time.Now)
}

func newMonitor(maxBatch uint64, now func() time.Time) *Monitor {
	m := &Monitor{
		batchSize: core.MinimalBatchSize,
		restart:   true,
		maxBatch:  maxBatch,
		now:       now,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Monitor) full() bool {
	return m.pending >= m.batchSize
}

// AddBytes waits until there is room in the current batch and then adds 'n'
// pending bytes. A single call may overshoot the limit.
func (m *Monitor) AddBytes(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.full() {
		m.cond.Wait()
	}
	m.pending += n

	if m.restart {
		m.start = m.now()
		m.restart = false
	}
}

// RemoveBytes releases 'n' bytes previously added with AddBytes.
func (m *Monitor) RemoveBytes(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed += n
	if m.processed >= m.batchSize {
		m.processed -= m.batchSize

		if m.now().Sub(m.start) < core.BatchTimeout {
			m.batchSize *= 2
			if m.maxBatch != 0 && m.batchSize > m.maxBatch {
				m.batchSize = m.maxBatch
			}
		} else {
			m.batchSize /= 2
			if m.batchSize < core.MinimalBatchSize {
				m.batchSize = core.MinimalBatchSize
			}
		}
		m.restart = true
		log.V(2).Infof("monitor: batch size is now %d", m.batchSize)
	}

	if n > m.pending {
		log.Errorf("monitor: removing %d bytes but only %d are pending", n, m.pending)
		n = m.pending
	}
	m.pending -= n

	// WaitCompletion waits on the same cond, so wake everyone.
	if !m.full() {
		m.cond.Broadcast()
	}
}

// WaitCompletion waits until no bytes are pending.
func (m *Monitor) WaitCompletion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending > 0 {
		m.cond.Wait()
	}
}

// BatchSize returns the current limit.
func (m *Monitor) BatchSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSize
}

// Pending returns how many bytes are waiting to be acknowledged.
func (m *Monitor) Pending() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}
