// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"testing"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// iterSetup writes three records with timestamps 10, 20 and 30.
func iterSetup(t *testing.T, session Session) (*Backend, func() error) {
	b, store := newTestBackend(t, session)
	writeRecord(t, b, testKey(1), ts(10), []byte(`{"n":1}`), 16, []byte("one"))
	writeRecord(t, b, testKey(2), ts(20), nil, 0, []byte("two"))
	writeRecord(t, b, testKey(3), ts(30), []byte(`{"n":3}`), 16, []byte("three"))
	return b, store.Close
}

func TestIteratorNetwork(t *testing.T) {
	b, done := iterSetup(t, nil)
	defer done()

	r := &memReplier{}
	req := &core.IteratorRequest{ID: 7, Type: core.IterTypeNetwork, Flags: core.IterData | core.IterJSON}
	if err := b.Iterate(BG, req, r); err != core.NoError {
		t.Fatalf("iterate failed: %s", err)
	}

	if len(r.iters) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(r.iters))
	}
	datas := []string{"one", "two", "three"}
	jsons := []string{`{"n":1}`, "", `{"n":3}`}
	for i, resp := range r.iters {
		if resp.ID != 7 || resp.Key != testKey(byte(i+1)) || resp.IteratedKeys != uint64(i+1) || resp.TotalKeys != 3 {
			t.Errorf("reply %d: %+v", i, resp)
		}
		if string(r.iterData[i]) != datas[i] || string(resp.JSON) != jsons[i] {
			t.Errorf("reply %d: data %q json %q", i, r.iterData[i], resp.JSON)
		}
		if resp.ReadDataSize != uint64(len(datas[i])) || resp.ReadJSONSize != uint64(len(jsons[i])) {
			t.Errorf("reply %d: %+v", i, resp)
		}
		if !r.more[i] {
			t.Errorf("iterator replies are never final")
		}
	}

	// Without IterData and IterJSON only the headers are sent.
	r = &memReplier{}
	req.Flags = 0
	if err := b.Iterate(BG, req, r); err != core.NoError {
		t.Fatalf("iterate failed: %s", err)
	}
	for i, resp := range r.iters {
		if resp.ReadDataSize != 0 || resp.JSON != nil || resp.DataSize != uint64(len(datas[i])) {
			t.Errorf("reply %d: %+v", i, resp)
		}
	}
}

func TestIteratorRanges(t *testing.T) {
	b, done := iterSetup(t, nil)
	defer done()

	iterate := func(req *core.IteratorRequest) ([]core.Key, core.Error) {
		r := &memReplier{}
		req.Type = core.IterTypeNetwork
		err := b.Iterate(BG, req, r)
		var keys []core.Key
		for _, resp := range r.iters {
			keys = append(keys, resp.Key)
		}
		return keys, err
	}

	keys, err := iterate(&core.IteratorRequest{
		Flags:     core.IterKeyRange,
		KeyRanges: []core.KeyRange{{Begin: testKey(2), End: testKey(3)}},
	})
	if err != core.NoError || len(keys) != 2 || keys[0] != testKey(2) {
		t.Fatalf("key range: %v %s", keys, err)
	}

	// Ranges are ignored without the flag, and so are all-zero ranges.
	keys, _ = iterate(&core.IteratorRequest{KeyRanges: []core.KeyRange{{Begin: testKey(2), End: testKey(3)}}})
	if len(keys) != 3 {
		t.Fatalf("expected all keys, got %v", keys)
	}
	keys, _ = iterate(&core.IteratorRequest{Flags: core.IterKeyRange, KeyRanges: []core.KeyRange{{}}})
	if len(keys) != 3 {
		t.Fatalf("expected all keys, got %v", keys)
	}

	_, err = iterate(&core.IteratorRequest{
		Flags:     core.IterKeyRange,
		KeyRanges: []core.KeyRange{{Begin: testKey(3), End: testKey(2)}},
	})
	if err != core.ErrRange {
		t.Fatalf("expected ErrRange, got %s", err)
	}

	keys, err = iterate(&core.IteratorRequest{Flags: core.IterTSRange, TimeBegin: ts(15), TimeEnd: ts(30)})
	if err != core.NoError || len(keys) != 2 || keys[0] != testKey(2) {
		t.Fatalf("time range: %v %s", keys, err)
	}
	keys, _ = iterate(&core.IteratorRequest{Flags: core.IterTSRange})
	if len(keys) != 3 {
		t.Fatalf("an empty time range should be ignored, got %v", keys)
	}
	if _, err = iterate(&core.IteratorRequest{Flags: core.IterTSRange, TimeBegin: ts(30), TimeEnd: ts(15)}); err != core.ErrRange {
		t.Fatalf("expected ErrRange, got %s", err)
	}
}

func TestIteratorUnsupported(t *testing.T) {
	b, done := iterSetup(t, nil)
	defer done()

	for i, req := range []*core.IteratorRequest{
		{Type: core.IterTypeNetwork, Action: core.IterActionPause},
		{Type: core.IterTypeNetwork, Action: core.IterActionContinue},
		{Type: core.IterTypeNetwork, Action: core.IterActionCancel},
		{Type: core.IterTypeDisk},
		{Type: core.IterTypeFirst},
		{Type: core.IterTypeLast},
		{Type: core.IterTypeNetwork, Flags: core.IterAll + 1},
	} {
		r := &memReplier{}
		if err := b.Iterate(BG, req, r); err != core.ErrNotSupported {
			t.Errorf("request %d: expected ErrNotSupported, got %s", i, err)
		}
		if len(r.iters) != 0 {
			t.Errorf("request %d: iterated anyway", i)
		}
	}
}

func TestIteratorStops(t *testing.T) {
	b, done := iterSetup(t, nil)
	defer done()

	// A peer that went away fails the iteration.
	r := &memReplier{gone: true}
	if err := b.Iterate(BG, &core.IteratorRequest{Type: core.IterTypeNetwork}, r); err != core.ErrInterrupted {
		t.Fatalf("expected ErrInterrupted, got %s", err)
	}

	// A canceled context stops it quietly after the current record.
	ctx, cancel := context.WithCancel(BG)
	cancel()
	r = &memReplier{}
	if err := b.Iterate(ctx, &core.IteratorRequest{Type: core.IterTypeNetwork}, r); err != core.NoError {
		t.Fatalf("iterate failed: %s", err)
	}
	if len(r.iters) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(r.iters))
	}
}

func TestIteratorMigration(t *testing.T) {
	s := newMemSession()
	dst, dstStore := newTestBackend(t, nil)
	defer dstStore.Close()
	s.groups[2] = dst

	b, done := iterSetup(t, s)
	defer done()
	// Uncommitted records aren't sent.
	if _, err := b.Write(&core.WriteRequest{Key: testKey(4), IOFlags: core.IOFlagPrepare, DataCapacity: 10}); err != core.NoError {
		t.Fatalf("prepare failed: %s", err)
	}

	r := &memReplier{}
	req := &core.IteratorRequest{ID: 3, Type: core.IterTypeMigration, Send: core.SendOptions{Groups: []core.GroupID{2}}}
	if err := b.Iterate(BG, req, r); err != core.NoError {
		t.Fatalf("iterate failed: %s", err)
	}
	if len(r.iters) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(r.iters))
	}
	for _, resp := range r.iters {
		if resp.Status != core.NoError || resp.ID != 3 || resp.TotalKeys != 4 {
			t.Errorf("unexpected reply: %+v", resp)
		}
	}
	for _, n := range []byte{1, 2, 3} {
		checkCopy(t, b, dst, testKey(n))
	}
	if _, _, err := readRecord(t, dst, testKey(4)); err != core.ErrNotFound {
		t.Errorf("uncommitted record was sent: %s", err)
	}
}
