// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package record

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// MetaHeader describes the metadata segment of a record.
type MetaHeader struct {
	// Size is how many bytes of the segment are used.
	Size uint64
	// Capacity is how many bytes are reserved for the segment.
	Capacity uint64
	// Timestamp is when the metadata was last modified.
	Timestamp core.Timestamp
}

// metaHeaderWire is the msgpack layout of MetaHeader. It's an array of
// full-width uints so that the encoded size doesn't depend on the values and
// the header can be rewritten in place.
type metaHeaderWire struct {
	_msgpack struct{} `msgpack:",as_array"`

	Size     uint64
	Capacity uint64
	Sec      uint64
	Nsec     uint64
}

// MetaHeaderSize is the encoded size of every MetaHeader.
var MetaHeaderSize = len(MetaHeader{}.Encode())

// Encode serializes the header.
func (h MetaHeader) Encode() []byte {
	b, err := msgpack.Marshal(&metaHeaderWire{
		Size:     h.Size,
		Capacity: h.Capacity,
		Sec:      h.Timestamp.Sec,
		Nsec:     h.Timestamp.Nsec,
	})
	if err != nil {
		// Can't fail for a struct of uints.
		panic(err)
	}
	return b
}

// DecodeMetaHeader parses an encoded header.
func DecodeMetaHeader(b []byte) (MetaHeader, error) {
	var w metaHeaderWire
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return MetaHeader{}, errorf(core.ErrInvalidArgument, "invalid json header: %s", err)
	}
	return MetaHeader{
		Size:      w.Size,
		Capacity:  w.Capacity,
		Timestamp: core.Timestamp{Sec: w.Sec, Nsec: w.Nsec},
	}, nil
}
