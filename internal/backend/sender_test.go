// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"bytes"
	"context"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

type sessionWrite struct {
	groups  []core.GroupID
	ioflags core.IOFlags
	offset  uint64
	size    int
}

// memSession writes to in-process backends, one per group. A group can be
// made to always answer with a given status.
type memSession struct {
	lock   sync.Mutex
	groups map[core.GroupID]*Backend
	fail   map[core.GroupID]core.Error
	writes []sessionWrite
}

func newMemSession() *memSession {
	return &memSession{groups: make(map[core.GroupID]*Backend), fail: make(map[core.GroupID]core.Error)}
}

func (m *memSession) Write(ctx context.Context, groups []core.GroupID, timeout time.Duration, req *core.WriteRequest) []GroupResult {
	m.lock.Lock()
	m.writes = append(m.writes, sessionWrite{
		groups:  append([]core.GroupID(nil), groups...),
		ioflags: req.IOFlags,
		offset:  req.DataOffset,
		size:    len(req.Data),
	})
	m.lock.Unlock()

	var results []GroupResult
	for _, g := range groups {
		m.lock.Lock()
		status, failed := m.fail[g]
		b := m.groups[g]
		m.lock.Unlock()

		if !failed {
			if b == nil {
				status = core.ErrNoRoute
			} else {
				_, status = b.Write(req)
			}
		}
		results = append(results, GroupResult{Group: g, Status: status})
	}
	return results
}

func (m *memSession) getWrites() []sessionWrite {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]sessionWrite(nil), m.writes...)
}

// sendSetup returns a source backend and 'n' destination groups numbered
// from 1.
func sendSetup(t *testing.T, n int) (*Backend, *memSession, func()) {
	s := newMemSession()
	src, srcStore := newTestBackend(t, s)
	closers := []func() error{srcStore.Close}
	for i := 1; i <= n; i++ {
		dst, dstStore := newTestBackend(t, nil)
		s.groups[core.GroupID(i)] = dst
		closers = append(closers, dstStore.Close)
	}
	return src, s, func() {
		for _, c := range closers {
			c()
		}
	}
}

// checkCopy checks that 'dst' has the same record as 'src'.
func checkCopy(t *testing.T, src, dst *Backend, key core.Key) {
	sresp, sdata, err := readRecord(t, src, key)
	if err != core.NoError {
		t.Fatalf("%s: failed to read source: %s", key.Short(), err)
	}
	dresp, ddata, err := readRecord(t, dst, key)
	if err != core.NoError {
		t.Fatalf("%s: failed to read copy: %s", key.Short(), err)
	}
	if !bytes.Equal(sdata, ddata) || !bytes.Equal(sresp.JSON, dresp.JSON) {
		t.Fatalf("%s: copy differs: %d/%d bytes of data, json %q/%q", key.Short(),
			len(sdata), len(ddata), sresp.JSON, dresp.JSON)
	}
	if sresp.DataTimestamp != dresp.DataTimestamp || sresp.JSONTimestamp != dresp.JSONTimestamp ||
		sresp.JSONCapacity != dresp.JSONCapacity || sresp.UserFlags != dresp.UserFlags {
		t.Fatalf("%s: copy headers differ: %+v vs %+v", key.Short(), sresp, dresp)
	}
}

func statusByKey(r *memReplier) map[core.Key]core.Error {
	r.lock.Lock()
	defer r.lock.Unlock()
	m := make(map[core.Key]core.Error)
	for _, resp := range r.iters {
		m[resp.Key] = resp.Status
	}
	return m
}

func checkCounters(t *testing.T, r *memReplier, total uint64) {
	var seen []int
	for _, resp := range r.iters {
		if resp.TotalKeys != total {
			t.Errorf("reply for %s has total %d, expected %d", resp.Key.Short(), resp.TotalKeys, total)
		}
		seen = append(seen, int(resp.IteratedKeys))
	}
	sort.Ints(seen)
	for i, n := range seen {
		if n != i+1 {
			t.Fatalf("iterated counters aren't 1..%d: %v", len(seen), seen)
		}
	}
}

func TestServerSendSmall(t *testing.T) {
	src, s, done := sendSetup(t, 2)
	defer done()

	writeRecord(t, src, testKey(1), ts(10), []byte(`{"a":1}`), 32, []byte("one"))
	writeRecord(t, src, testKey(2), ts(20), nil, 0, []byte("two"))
	writeRecord(t, src, testKey(3), ts(30), []byte("{}"), 2, nil)

	r := &memReplier{}
	keys := []core.Key{testKey(1), testKey(2), testKey(3), testKey(4)}
	err := src.ServerSend(BG, &core.ServerSendRequest{Keys: keys, Send: core.SendOptions{Groups: []core.GroupID{1, 2}}}, r)
	if err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}

	if len(r.iters) != 4 {
		t.Fatalf("expected 4 replies, got %d", len(r.iters))
	}
	checkCounters(t, r, 4)
	statuses := statusByKey(r)
	for _, n := range []byte{1, 2, 3} {
		if statuses[testKey(n)] != core.NoError {
			t.Errorf("send of %d failed: %s", n, statuses[testKey(n)])
		}
		for _, g := range []core.GroupID{1, 2} {
			checkCopy(t, src, s.groups[g], testKey(n))
		}
	}
	if statuses[testKey(4)] != core.ErrNotFound {
		t.Errorf("expected ErrNotFound for a missing key, got %s", statuses[testKey(4)])
	}

	// Every small record is one write to both groups.
	for _, w := range s.getWrites() {
		if w.ioflags != core.IOFlagPrepare|core.IOFlagCommit|core.IOFlagCASTimestamp || len(w.groups) != 2 {
			t.Errorf("unexpected write: %+v", w)
		}
	}
}

// A copy that is newer than what we send is left alone.
func TestServerSendCAS(t *testing.T) {
	src, s, done := sendSetup(t, 1)
	defer done()

	writeRecord(t, src, testKey(1), ts(10), nil, 0, []byte("old"))
	writeRecord(t, s.groups[1], testKey(1), ts(20), nil, 0, []byte("new"))

	r := &memReplier{}
	err := src.ServerSend(BG, &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: core.SendOptions{Groups: []core.GroupID{1}}}, r)
	if err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}
	if st := statusByKey(r)[testKey(1)]; st != core.ErrBadTimestamp {
		t.Fatalf("expected ErrBadTimestamp, got %s", st)
	}
	if _, data, _ := readRecord(t, s.groups[1], testKey(1)); string(data) != "new" {
		t.Fatalf("newer copy was overwritten: %q", data)
	}
}

func TestSmallSenderRetry(t *testing.T) {
	src, s, done := sendSetup(t, 3)
	defer done()

	writeRecord(t, src, testKey(1), ts(1), nil, 0, []byte("data"))
	s.fail[1] = core.ErrTimedOut

	opts := core.SendOptions{Groups: []core.GroupID{1, 2, 3}, ChunkRetryCount: 2}
	r := &memReplier{}
	if err := src.ServerSend(BG, &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: opts}, r); err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}
	if st := statusByKey(r)[testKey(1)]; st != core.ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %s", st)
	}

	writes := s.getWrites()
	want := [][]core.GroupID{{1, 2, 3}, {1}, {1}}
	if len(writes) != len(want) {
		t.Fatalf("expected %d writes, got %d", len(want), len(writes))
	}
	for i, w := range writes {
		if !reflect.DeepEqual(w.groups, want[i]) {
			t.Errorf("write %d went to %v, expected %v", i, w.groups, want[i])
		}
	}
	checkCopy(t, src, s.groups[2], testKey(1))

	// A hard error is reported once the timeouts recover.
	s.lock.Lock()
	s.fail = map[core.GroupID]core.Error{3: core.ErrIO}
	s.writes = nil
	s.lock.Unlock()
	r = &memReplier{}
	if err := src.ServerSend(BG, &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: opts}, r); err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}
	if st := statusByKey(r)[testKey(1)]; st != core.ErrIO {
		t.Fatalf("expected ErrIO, got %s", st)
	}
	if n := len(s.getWrites()); n != 1 {
		t.Fatalf("hard errors shouldn't be retried, got %d writes", n)
	}
}

// A request can turn off retries even when the server retries by default.
func TestSendRetryCount(t *testing.T) {
	cfg := DefaultConfig
	cfg.ChunkRetryCount = 3
	for _, c := range []struct{ in, out int }{{0, 3}, {1, 1}, {core.NoChunkRetries, 0}, {-7, 0}} {
		if got := cfg.fill(core.SendOptions{ChunkRetryCount: c.in}).ChunkRetryCount; got != c.out {
			t.Errorf("retry count %d filled to %d, expected %d", c.in, got, c.out)
		}
	}

	src, s, done := sendSetup(t, 2)
	defer done()
	src.cfg = cfg

	writeRecord(t, src, testKey(1), ts(1), nil, 0, []byte("data"))
	s.fail[1] = core.ErrTimedOut

	opts := core.SendOptions{Groups: []core.GroupID{1, 2}, ChunkRetryCount: core.NoChunkRetries}
	r := &memReplier{}
	if err := src.ServerSend(BG, &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: opts}, r); err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}
	if st := statusByKey(r)[testKey(1)]; st != core.ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %s", st)
	}
	if n := len(s.getWrites()); n != 1 {
		t.Fatalf("expected a single write without retries, got %d", n)
	}
}

func TestServerSendLarge(t *testing.T) {
	src, s, done := sendSetup(t, 2)
	defer done()

	data := bytes.Repeat([]byte("0123456789"), 35)
	writeRecord(t, src, testKey(1), ts(5), []byte(`{"big":true}`), 64, data)

	r := &memReplier{}
	opts := core.SendOptions{Groups: []core.GroupID{1, 2}, ChunkSize: 100}
	if err := src.ServerSend(BG, &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: opts}, r); err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}
	if st := statusByKey(r)[testKey(1)]; st != core.NoError {
		t.Fatalf("send failed: %s", st)
	}
	checkCopy(t, src, s.groups[1], testKey(1))
	checkCopy(t, src, s.groups[2], testKey(1))

	cas := core.IOFlagCASTimestamp | core.IOFlagPlainWrite
	want := []sessionWrite{
		{groups: []core.GroupID{1, 2}, ioflags: cas | core.IOFlagPrepare, offset: 0, size: 100},
		{groups: []core.GroupID{1, 2}, ioflags: cas, offset: 100, size: 100},
		{groups: []core.GroupID{1, 2}, ioflags: cas, offset: 200, size: 100},
		{groups: []core.GroupID{1, 2}, ioflags: cas | core.IOFlagCommit, offset: 300, size: 50},
	}
	if writes := s.getWrites(); !reflect.DeepEqual(writes, want) {
		t.Fatalf("unexpected writes:\n%+v\nexpected:\n%+v", writes, want)
	}
}

// Group 1 always times out, group 2 fails for good. Only group 3 gets the
// whole record.
func TestLargeSenderNarrowing(t *testing.T) {
	src, s, done := sendSetup(t, 3)
	defer done()

	data := bytes.Repeat([]byte("x"), 350)
	writeRecord(t, src, testKey(1), ts(5), nil, 0, data)
	s.fail[1] = core.ErrTimedOut
	s.fail[2] = core.ErrIO

	r := &memReplier{}
	opts := core.SendOptions{Groups: []core.GroupID{1, 2, 3}, ChunkSize: 100, ChunkRetryCount: 2}
	if err := src.ServerSend(BG, &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: opts}, r); err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}
	if st := statusByKey(r)[testKey(1)]; st != core.ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %s", st)
	}

	want := [][]core.GroupID{{1, 2, 3}, {1}, {1}, {3}, {3}, {3}}
	writes := s.getWrites()
	if len(writes) != len(want) {
		t.Fatalf("expected %d writes, got %d: %+v", len(want), len(writes), writes)
	}
	for i, w := range writes {
		if !reflect.DeepEqual(w.groups, want[i]) {
			t.Errorf("write %d went to %v, expected %v", i, w.groups, want[i])
		}
	}
	checkCopy(t, src, s.groups[3], testKey(1))
	if _, _, err := readRecord(t, s.groups[2], testKey(1)); err != core.ErrNotFound {
		t.Errorf("group 2 shouldn't have the record: %s", err)
	}
}

// When every group fails the rest of the record isn't read.
func TestLargeSenderAllFailed(t *testing.T) {
	src, s, done := sendSetup(t, 2)
	defer done()

	writeRecord(t, src, testKey(1), ts(5), nil, 0, bytes.Repeat([]byte("x"), 350))
	s.fail[1] = core.ErrIO
	s.fail[2] = core.ErrNoSpace

	r := &memReplier{}
	opts := core.SendOptions{Groups: []core.GroupID{1, 2}, ChunkSize: 100}
	if err := src.ServerSend(BG, &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: opts}, r); err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}
	if st := statusByKey(r)[testKey(1)]; st != core.ErrNoSpace {
		t.Fatalf("expected the last error, got %s", st)
	}
	if n := len(s.getWrites()); n != 1 {
		t.Fatalf("expected one write, got %d", n)
	}
	// The key isn't left locked.
	if !src.Locks().TryLockKey(testKey(1)) {
		t.Fatalf("key is still locked")
	}
	src.Locks().UnlockKey(testKey(1))
}

func TestServerSendNoRoute(t *testing.T) {
	b, store := newTestBackend(t, nil)
	defer store.Close()
	req := &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: core.SendOptions{Groups: []core.GroupID{1}}}
	if err := b.ServerSend(BG, req, &memReplier{}); err != core.ErrNoRoute {
		t.Fatalf("expected ErrNoRoute, got %s", err)
	}
}

func TestServerSendDisconnected(t *testing.T) {
	src, s, done := sendSetup(t, 1)
	defer done()
	writeRecord(t, src, testKey(1), ts(5), nil, 0, []byte("x"))

	r := &memReplier{gone: true}
	req := &core.ServerSendRequest{Keys: []core.Key{testKey(1)}, Send: core.SendOptions{Groups: []core.GroupID{1}}}
	if err := src.ServerSend(BG, req, r); err != core.ErrInterrupted {
		t.Fatalf("expected ErrInterrupted, got %s", err)
	}
	if len(s.getWrites()) != 0 {
		t.Fatalf("nothing should have been written")
	}
}
