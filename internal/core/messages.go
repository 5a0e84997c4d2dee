// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"github.com/westerndigitalcorporation/recstore/pkg/rpc"
)

// This file contains the request and response structs of record operations.
// They cross the RPC layer as-is, so every field except the local buffer
// ownership flags is exported.

// ReadRequest asks for parts of one record.
type ReadRequest struct {
	Key       Key
	IOFlags   IOFlags
	ReadFlags ReadFlags

	// DataOffset and DataSize select a window of the payload. A zero
	// DataSize reads to the end of the payload.
	DataOffset uint64
	DataSize   uint64
}

// ReadResponse describes a record and carries the parts that were read.
type ReadResponse struct {
	Key    Key
	Status Error

	RecordFlags RecordFlags
	UserFlags   uint64

	JSONTimestamp Timestamp
	JSONSize      uint64
	JSONCapacity  uint64
	ReadJSONSize  uint64

	DataTimestamp  Timestamp
	DataSize       uint64
	ReadDataOffset uint64
	ReadDataSize   uint64

	JSON []byte
	Data []byte

	// Local-only flag to indicate whether JSON and Data are exclusively owned.
	exclusive bool
}

// WriteRequest writes all or part of a record.
//
// The JSON and Data segments travel separately from the request. The sizes
// of the metadata and the written payload are the lengths of those segments.
type WriteRequest struct {
	Key     Key
	IOFlags IOFlags

	UserFlags uint64
	Timestamp Timestamp

	JSONTimestamp Timestamp
	JSONCapacity  uint64

	// DataOffset is where in the payload Data goes.
	DataOffset uint64
	// DataCapacity is the payload size reserved by IOFlagPrepare.
	DataCapacity uint64
	// DataCommitSize is the final payload size set by IOFlagCommit.
	DataCommitSize uint64

	JSON []byte
	Data []byte

	// Local-only flag to indicate whether JSON and Data are exclusively owned.
	exclusive bool
}

// LookupRequest asks where a record lives.
type LookupRequest struct {
	Key Key
	// Checksum asks for checksums of the metadata and payload to be computed
	// and returned. The stored record is verified first.
	Checksum bool
}

// LookupResponse is returned by lookups and by writes without
// IOFlagWriteNoFileInfo.
type LookupResponse struct {
	Key    Key
	Status Error

	RecordFlags RecordFlags
	UserFlags   uint64
	Path        string

	JSONTimestamp Timestamp
	JSONOffset    uint64
	JSONSize      uint64
	JSONCapacity  uint64
	JSONChecksum  []byte

	DataTimestamp Timestamp
	DataOffset    uint64
	DataSize      uint64
	DataChecksum  []byte
}

// RemoveRequest removes one record.
type RemoveRequest struct {
	Key     Key
	IOFlags IOFlags
	// Timestamp is compared against the stored one if IOFlagCASTimestamp is
	// set.
	Timestamp Timestamp
}

// BulkReadRequest reads many records. Every record is read whole.
type BulkReadRequest struct {
	Keys      []Key
	IOFlags   IOFlags
	ReadFlags ReadFlags
}

// BulkRemoveRequest removes many records.
type BulkRemoveRequest struct {
	Keys    []Key
	IOFlags IOFlags
	// Timestamps parallels Keys and must be present exactly when
	// IOFlagCASTimestamp is set.
	Timestamps []Timestamp
}

// IsValid checks that timestamps are present iff they will be used.
func (r *BulkRemoveRequest) IsValid() bool {
	if r.IOFlags&IOFlagCASTimestamp != 0 {
		return len(r.Keys) == len(r.Timestamps)
	}
	return len(r.Timestamps) == 0
}

// StatusResponse is the reply to one key of a bulk operation when nothing
// else is returned.
type StatusResponse struct {
	Key    Key
	Status Error
}

// SendOptions control how records are copied to other groups.
type SendOptions struct {
	// Groups to write to.
	Groups []GroupID

	// ChunkSize is the largest piece of a record sent in one write. Records
	// no larger than this are sent with a single write.
	ChunkSize uint64
	// ChunkWriteTimeout and ChunkCommitTimeout are in milliseconds.
	ChunkWriteTimeout  uint64
	ChunkCommitTimeout uint64
	// ChunkRetryCount is how many times a chunk that timed out is re-sent.
	// Zero uses the server's default, NoChunkRetries disables retries.
	ChunkRetryCount int
}

// IteratorRequest starts or controls an iterator.
type IteratorRequest struct {
	ID     uint64
	Action IteratorAction
	Type   IteratorType
	Flags  IteratorFlags

	KeyRanges []KeyRange
	TimeBegin Timestamp
	TimeEnd   Timestamp

	// Send is used by IterTypeMigration.
	Send SendOptions
}

// ServerSendRequest copies a list of records to other groups.
type ServerSendRequest struct {
	Keys []Key
	Send SendOptions
}

// IteratorResponse describes one visited or sent record.
type IteratorResponse struct {
	ID     uint64
	Key    Key
	Status Error

	// IteratedKeys counts responses so far, TotalKeys is how many there can
	// be at most.
	IteratedKeys uint64
	TotalKeys    uint64

	RecordFlags RecordFlags
	UserFlags   uint64

	JSONTimestamp Timestamp
	JSONSize      uint64
	JSONCapacity  uint64
	ReadJSONSize  uint64

	DataTimestamp Timestamp
	DataSize      uint64
	ReadDataSize  uint64
	DataOffset    uint64

	// BlobID identifies the file the record lives in.
	BlobID uint64

	JSON []byte
	Data []byte
}

// The following implement the rpc.BulkData interface. Metadata and payload
// are the two bulk segments, in that order.
func (w *WriteRequest) Get() ([][]byte, bool) {
	segs := [][]byte{w.JSON, w.Data}
	w.JSON, w.Data = nil, nil
	return segs, w.exclusive
}

func (w *WriteRequest) Set(segs [][]byte, e bool) {
	w.JSON, w.Data = segment(segs, 0), segment(segs, 1)
	w.exclusive = e
}

func (r *ReadResponse) Get() ([][]byte, bool) {
	segs := [][]byte{r.JSON, r.Data}
	r.JSON, r.Data = nil, nil
	return segs, r.exclusive
}

func (r *ReadResponse) Set(segs [][]byte, e bool) {
	r.JSON, r.Data = segment(segs, 0), segment(segs, 1)
	r.exclusive = e
}

func segment(segs [][]byte, i int) []byte {
	if i < len(segs) {
		return segs[i]
	}
	return nil
}

var (
	// Assert that these implement rpc.BulkData.
	_ rpc.BulkData = (*WriteRequest)(nil)
	_ rpc.BulkData = (*ReadResponse)(nil)
)
