// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package record

import (
	"encoding/binary"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// The extension header is the first thing in the payload of a record that has
// core.RecordExtHdr set. The on-disk layout looks like (all values are little
// endian):
// ----------------------------------------------------------
// | version (1) | pad (3) | meta header size (4)           |
// ----------------------------------------------------------
// | timestamp sec (8)          | timestamp nsec (8)        |
// ----------------------------------------------------------
// | user flags (8)             | pad (16)                  |
// ----------------------------------------------------------

// ExtHeaderSize is the encoded size of ExtHeader.
const ExtHeaderSize = 48

// ExtVersion1 is the only version we write.
const ExtVersion1 = 1

// ExtHeader is the fixed header in front of every record.
type ExtHeader struct {
	Version uint8
	// Size is the encoded size of the MetaHeader that follows, 0 if the
	// record has no metadata segment.
	Size      uint32
	Timestamp core.Timestamp
	UserFlags uint64
}

// NewExtHeader returns a version 1 header without metadata.
func NewExtHeader(ts core.Timestamp, userFlags uint64) ExtHeader {
	return ExtHeader{Version: ExtVersion1, Timestamp: ts, UserFlags: userFlags}
}

// Encode serializes the header. Padding is always zero.
func (h ExtHeader) Encode() []byte {
	buf := make([]byte, ExtHeaderSize)
	buf[0] = h.Version
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.Timestamp.Sec)
	binary.LittleEndian.PutUint64(buf[16:24], h.Timestamp.Nsec)
	binary.LittleEndian.PutUint64(buf[24:32], h.UserFlags)
	return buf
}

// DecodeExtHeader parses an encoded header. 'b' must hold at least
// ExtHeaderSize bytes.
func DecodeExtHeader(b []byte) (ExtHeader, error) {
	if len(b) < ExtHeaderSize {
		return ExtHeader{}, errorf(core.ErrRange, "invalid ext header: %d < %d bytes", len(b), ExtHeaderSize)
	}
	return ExtHeader{
		Version: b[0],
		Size:    binary.LittleEndian.Uint32(b[4:8]),
		Timestamp: core.Timestamp{
			Sec:  binary.LittleEndian.Uint64(b[8:16]),
			Nsec: binary.LittleEndian.Uint64(b[16:24]),
		},
		UserFlags: binary.LittleEndian.Uint64(b[24:32]),
	}, nil
}

// extHeaderPadsZero reports whether the padding of an encoded header is clear.
func extHeaderPadsZero(b []byte) bool {
	for _, p := range b[1:4] {
		if p != 0 {
			return false
		}
	}
	for _, p := range b[32:48] {
		if p != 0 {
			return false
		}
	}
	return true
}
