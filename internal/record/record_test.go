// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package record

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// build lays out a record with the given metadata capacity and payload.
func build(meta []byte, capacity uint64, payload []byte) []byte {
	ext := NewExtHeader(core.Timestamp{Sec: 1600000000, Nsec: 7}, 0xabc)
	var mh []byte
	if capacity > 0 {
		mh = MetaHeader{Size: uint64(len(meta)), Capacity: capacity, Timestamp: core.Timestamp{Sec: 5}}.Encode()
		ext.Size = uint32(len(mh))
	}
	var b bytes.Buffer
	b.Write(ext.Encode())
	b.Write(mh)
	seg := make([]byte, capacity)
	copy(seg, meta)
	b.Write(seg)
	b.Write(payload)
	return b.Bytes()
}

func TestExtHeaderEncodeDecode(t *testing.T) {
	h := NewExtHeader(core.Timestamp{Sec: 12, Nsec: 34}, 56)
	h.Size = 78
	b := h.Encode()
	if len(b) != ExtHeaderSize {
		t.Fatalf("encoded size %d != %d", len(b), ExtHeaderSize)
	}
	got, err := DecodeExtHeader(b)
	if err != nil {
		t.Fatalf("failed to decode: %s", err)
	}
	if got != h {
		t.Fatalf("got %+v want %+v", got, h)
	}
	if !extHeaderPadsZero(b) {
		t.Fatalf("padding should be zero")
	}
	if _, err := DecodeExtHeader(b[:10]); err == nil {
		t.Fatalf("short header should fail")
	}
}

// The metadata header is rewritten in place, so its size must not depend on
// its values.
func TestMetaHeaderFixedSize(t *testing.T) {
	small := MetaHeader{}.Encode()
	big := MetaHeader{Size: 1<<64 - 1, Capacity: 1<<64 - 1, Timestamp: core.Timestamp{Sec: 1<<64 - 1, Nsec: 1<<64 - 1}}.Encode()
	if len(small) != len(big) || len(small) != MetaHeaderSize {
		t.Fatalf("meta header size varies: %d %d %d", len(small), len(big), MetaHeaderSize)
	}

	h := MetaHeader{Size: 2, Capacity: 64, Timestamp: core.Timestamp{Sec: 3, Nsec: 4}}
	got, err := DecodeMetaHeader(h.Encode())
	if err != nil || got != h {
		t.Fatalf("decode: %+v %v", got, err)
	}
	if _, err := DecodeMetaHeader([]byte{0xc1}); err == nil {
		t.Fatalf("garbage should fail")
	}
}

func TestDecodeHeaders(t *testing.T) {
	payload := []byte("hello world")
	rec := build([]byte("{}"), 64, payload)
	r := bytes.NewReader(rec)

	h, err := DecodeHeaders(r, 0, uint64(len(rec)), core.RecordExtHdr)
	if err != nil {
		t.Fatalf("failed to decode headers: %s", err)
	}
	if h.Meta.Size != 2 || h.Meta.Capacity != 64 || h.Ext.UserFlags != 0xabc {
		t.Fatalf("bad headers: %+v", h)
	}

	w := PayloadWindow(uint64(len(rec))-h.Size(), h.Meta)
	w.Offset += h.Size()
	if w.Size != uint64(len(payload)) {
		t.Fatalf("payload window %+v", w)
	}
	if !bytes.Equal(rec[w.Offset:w.End()], payload) {
		t.Fatalf("payload window covers %q", rec[w.Offset:w.End()])
	}

	// No ext header flag means nothing to decode.
	h, err = DecodeHeaders(r, 0, 0, 0)
	if err != nil || h.HasMeta() {
		t.Fatalf("expected empty headers: %+v %v", h, err)
	}
}

func TestDecodeHeadersBounds(t *testing.T) {
	rec := build([]byte("{}"), 64, nil)
	r := bytes.NewReader(rec)
	hdrs := uint64(ExtHeaderSize + MetaHeaderSize)

	for _, c := range []struct {
		total uint64
		msg   string
	}{
		{ExtHeaderSize - 1, "ehdr(48)"},
		{hdrs - 1, "json header"},
		{hdrs + 63, "json capacity(64)"},
	} {
		_, err := DecodeHeaders(r, 0, c.total, core.RecordExtHdr)
		if core.FromError(err) != core.ErrRange {
			t.Errorf("total %d: expected ErrRange, got %v", c.total, err)
			continue
		}
		if !strings.Contains(err.Error(), c.msg) {
			t.Errorf("total %d: message %q lacks %q", c.total, err, c.msg)
		}
	}

	if _, err := DecodeHeaders(r, 0, hdrs+64, core.RecordExtHdr); err != nil {
		t.Errorf("exact fit should decode: %s", err)
	}
}

// A capacity that would wrap the sum of the header sizes is still out of
// bounds.
func TestDecodeHeadersCapacityOverflow(t *testing.T) {
	ext := NewExtHeader(core.Timestamp{Sec: 1}, 0)
	mh := MetaHeader{Size: 1 << 40, Capacity: math.MaxUint64}.Encode()
	ext.Size = uint32(len(mh))
	var b bytes.Buffer
	b.Write(ext.Encode())
	b.Write(mh)
	b.Write(make([]byte, 16))
	rec := b.Bytes()

	_, err := DecodeHeaders(bytes.NewReader(rec), 0, uint64(len(rec)), core.RecordExtHdr)
	if core.FromError(err) != core.ErrRange {
		t.Fatalf("expected ErrRange, got %v", err)
	}
	if !strings.Contains(err.Error(), "json capacity") {
		t.Fatalf("message %q doesn't name the capacity", err)
	}
}

func TestSlice(t *testing.T) {
	w := Window{Offset: 100, Size: 1000}

	for _, c := range []struct {
		off, size uint64
		want      Window
		err       bool
	}{
		{0, 0, Window{100, 1000}, false},
		{500, 1000, Window{600, 500}, false},
		{500, 10, Window{600, 10}, false},
		{999, 0, Window{1099, 1}, false},
		{1000, 1, Window{}, true},
		{2000, 0, Window{}, true},
	} {
		got, err := Slice(w, c.off, c.size)
		if c.err {
			if core.FromError(err) != core.ErrTooBig {
				t.Errorf("slice(%d, %d): expected ErrTooBig, got %v", c.off, c.size, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("slice(%d, %d) = %+v, %v; want %+v", c.off, c.size, got, err, c.want)
		}
	}

	// Reading an empty payload from the start is fine.
	if got, err := Slice(Window{}, 0, 10); err != nil || got.Size != 0 {
		t.Errorf("empty slice: %+v %v", got, err)
	}
}

func legacyStamp(ts uint64) []byte {
	b := make([]byte, LegacyStampSize+16)
	dc := b[core.KeySize:]
	binary.LittleEndian.PutUint64(dc[0:8], uint64(core.RecordExtHdr))
	binary.LittleEndian.PutUint64(dc[8:16], 100)
	binary.LittleEndian.PutUint64(dc[16:24], 200)
	copy(b[legacyControlSize:], NewExtHeader(core.Timestamp{Sec: ts}, 0).Encode())
	return b
}

func TestLegacyStamp(t *testing.T) {
	old := uint64(core.LegacyStampCutover - 100)

	b := legacyStamp(old)
	if !CheckLegacyStamp(b) {
		t.Fatalf("legacy stamp not detected")
	}
	if CheckLegacyStamp(b[:LegacyStampSize-1]) {
		t.Fatalf("short buffer can't match")
	}
	if CheckLegacyStamp(legacyStamp(core.LegacyStampCutover + 1)) {
		t.Fatalf("new ext header shouldn't match")
	}

	// Any of the control header checks failing rules out a match.
	bad := legacyStamp(old)
	binary.LittleEndian.PutUint64(bad[core.KeySize+24:], 1)
	if CheckLegacyStamp(bad) {
		t.Fatalf("nonzero position shouldn't match")
	}
	bad = legacyStamp(old)
	binary.LittleEndian.PutUint64(bad[core.KeySize:], uint64(core.RecordCorrupted))
	if CheckLegacyStamp(bad) {
		t.Fatalf("flags out of range shouldn't match")
	}
	bad = legacyStamp(old)
	bad[legacyControlSize+1] = 1
	if CheckLegacyStamp(bad) {
		t.Fatalf("dirty padding shouldn't match")
	}

	r := bytes.NewReader(b)
	w := Window{Size: uint64(len(b))}
	if err := DetectLegacyStamp(r, w, core.Timestamp{Sec: old}); core.FromError(err) != core.ErrCorruptData {
		t.Fatalf("expected ErrCorruptData, got %v", err)
	}
	if err := DetectLegacyStamp(r, w, core.Timestamp{Sec: core.LegacyStampCutover + 1}); err != nil {
		t.Fatalf("new records are never checked: %s", err)
	}
	if err := DetectLegacyStamp(r, Window{Size: LegacyStampSize - 1}, core.Timestamp{}); err != nil {
		t.Fatalf("small payloads are never checked: %s", err)
	}
}
