// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"math/bits"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/record"
)

// Write writes all or part of a record. What is written depends on the
// request's ioflags:
//
//   IOFlagPrepare      reserve room for the whole record and mark it uncommitted
//   IOFlagPlainWrite   write without updating checksums
//   IOFlagCommit       set the final payload size and make the record visible
//   IOFlagUpdateJSON   replace only the metadata of a committed record
//
// Without IOFlagPrepare the record must exist and be uncommitted, unless
// IOFlagUpdateJSON is set, in which case it must exist and be committed.
//
// Unless IOFlagWriteNoFileInfo is set the response describes the record
// after the write. Otherwise it is nil.
func (b *Backend) Write(req *core.WriteRequest) (*core.LookupResponse, core.Error) {
	b.locks.LockKey(req.Key)
	defer b.locks.UnlockKey(req.Key)
	return b.write(req)
}

func (b *Backend) write(req *core.WriteRequest) (*core.LookupResponse, core.Error) {
	key := req.Key
	ioflags := req.IOFlags
	jsonSize := uint64(len(req.JSON))

	log.V(2).Infof("%s: write: start: ioflags: %s, json: {size: %d, capacity: %d}, "+
		"data: {offset: %d, size: %d, capacity: %d, commit_size: %d}",
		key.Short(), ioflags, jsonSize, req.JSONCapacity,
		req.DataOffset, len(req.Data), req.DataCapacity, req.DataCommitSize)

	if ioflags&core.IOFlagAppend != 0 {
		log.Infof("%s: write: append is not supported", key.Short())
		return nil, core.ErrNotSupported
	}

	var disk record.Headers
	var wc blobstore.WriteControl
	exists := false
	if ioflags&core.IOFlagPrepare == 0 || ioflags&core.IOFlagCASTimestamp != 0 {
		var err core.Error
		wc, err = b.store.Read(key)
		switch err {
		case core.NoError:
			exists = true
			if wc.Flags&core.RecordExtHdr != 0 {
				// Unreadable headers are treated as absent, the write replaces them.
				disk, _ = record.DecodeHeaders(wc.File, wc.DataOffset, wc.TotalSize, wc.Flags)
			}
		case core.ErrNotFound:
		default:
			return nil, err
		}
	}

	if ioflags&core.IOFlagCASTimestamp != 0 && exists {
		if disk.Ext.Timestamp.After(req.Timestamp) {
			log.Errorf("%s: write: failed cas: data timestamp is greater than data to be written timestamp: "+
				"disk-ts: %s, data-ts: %s", key.Short(), disk.Ext.Timestamp, req.Timestamp)
			return nil, core.ErrBadTimestamp
		}
		if disk.HasMeta() && disk.Meta.Timestamp.After(req.JSONTimestamp) {
			log.Errorf("%s: write: failed cas: json timestamp is greater than json to be written timestamp: "+
				"disk-ts: %s, json-ts: %s", key.Short(), disk.Meta.Timestamp, req.JSONTimestamp)
			return nil, core.ErrBadTimestamp
		}
	}

	ehdr := record.NewExtHeader(req.Timestamp, req.UserFlags)
	var jhdr record.MetaHeader
	if req.JSONCapacity > 0 || jsonSize > 0 {
		jhdr = record.MetaHeader{Size: jsonSize, Capacity: req.JSONCapacity, Timestamp: req.JSONTimestamp}
	}

	flags := core.RecordExtHdr
	if ioflags&core.IOFlagNoCsum != 0 {
		flags |= core.RecordNoCsum
	}

	if ioflags&core.IOFlagPrepare != 0 {
		size, ok := sum(record.ExtHeaderSize, headerSize(jhdr), req.JSONCapacity, req.DataCapacity)
		if !ok {
			log.Errorf("%s: write: prepare size overflows: json_capacity: %d, data_capacity: %d",
				key.Short(), req.JSONCapacity, req.DataCapacity)
			return nil, core.ErrRange
		}
		if err := b.store.WritePrepare(key, size, flags); err != core.NoError {
			log.Errorf("%s: write: prepare of %d bytes (json_capacity: %d, data_capacity: %d) failed: %s",
				key.Short(), size, req.JSONCapacity, req.DataCapacity, err)
			return nil, err
		}
	} else if exists {
		if ioflags&core.IOFlagUpdateJSON != 0 {
			ehdr.Timestamp = disk.Ext.Timestamp
		}
		if disk.HasMeta() {
			size, ts := jhdr.Size, jhdr.Timestamp
			jhdr = disk.Meta
			if jsonSize > 0 || ioflags&core.IOFlagUpdateJSON != 0 {
				jhdr.Size, jhdr.Timestamp = size, ts
			}
		}
	}

	uncommitted := wc.Flags&core.RecordUncommitted != 0
	if ioflags&core.IOFlagUpdateJSON != 0 {
		if !exists || uncommitted {
			return nil, core.ErrNotFound
		}
	} else if ioflags&core.IOFlagPrepare == 0 {
		if !exists {
			return nil, core.ErrNotFound
		} else if !uncommitted {
			return nil, core.ErrPermission
		}
	}

	var jhdrBytes []byte
	if jhdr.Capacity > 0 {
		jhdrBytes = jhdr.Encode()
	}
	ehdr.Size = uint32(len(jhdrBytes))
	hdrs := uint64(record.ExtHeaderSize) + uint64(ehdr.Size)

	iov := make([]blobstore.IOVec, 0, 5)
	iov = append(iov, blobstore.IOVec{Offset: 0, Data: ehdr.Encode()})
	if len(jhdrBytes) > 0 {
		iov = append(iov, blobstore.IOVec{Offset: record.ExtHeaderSize, Data: jhdrBytes})
	}
	if jsonSize > 0 {
		if jsonSize > jhdr.Capacity {
			log.Errorf("%s: write: json (%d) exceed capacity (%d)", key.Short(), jsonSize, jhdr.Capacity)
			return nil, core.ErrTooBig
		}
		iov = append(iov, blobstore.IOVec{Offset: hdrs, Data: req.JSON})
	}
	if len(req.Data) > 0 {
		off, ok := sum(hdrs, jhdr.Capacity, req.DataOffset)
		if _, fits := sum(off, uint64(len(req.Data))); !ok || !fits {
			log.Errorf("%s: write: data offset %d + size %d is out of range", key.Short(), req.DataOffset, len(req.Data))
			return nil, core.ErrRange
		}
		iov = append(iov, blobstore.IOVec{Offset: off, Data: req.Data})
	}
	var commitSize uint64
	if ioflags&core.IOFlagCommit != 0 {
		var ok bool
		if commitSize, ok = sum(hdrs, jhdr.Capacity, req.DataCommitSize); !ok {
			log.Errorf("%s: write: commit size %d is out of range", key.Short(), req.DataCommitSize)
			return nil, core.ErrRange
		}
	}

	var err core.Error
	switch {
	case ioflags&core.IOFlagPlainWrite != 0:
		err = b.store.PlainWritev(key, iov, flags)
	case ioflags&core.IOFlagUpdateJSON != 0:
		// Keeps the logical size from shrinking below what's on disk.
		iov = append(iov, blobstore.IOVec{Offset: wc.Size})
		err = b.store.Writev(key, iov, flags)
	default:
		err = b.store.Writev(key, iov, flags)
	}
	if err != core.NoError {
		log.Errorf("%s: write: writev failed: %s", key.Short(), err)
		return nil, err
	}

	if ioflags&core.IOFlagCommit != 0 {
		if err = b.store.WriteCommit(key, commitSize, flags); err != core.NoError {
			log.Errorf("%s: write: commit of %d bytes failed: %s", key.Short(), commitSize, err)
			return nil, err
		}
	}

	if wc, err = b.store.Read(key); err != core.NoError {
		log.Errorf("%s: write: failed to read back record: %s", key.Short(), err)
		return nil, err
	}
	if ioflags&core.IOFlagWriteNoFileInfo != 0 {
		return nil, core.NoError
	}

	size, offset := wc.Size, wc.DataOffset
	if size > 0 {
		if size < hdrs {
			log.Errorf("%s: write: record size %d is smaller than its headers %d", key.Short(), size, hdrs)
			return nil, core.ErrInvalidArgument
		}
		size -= hdrs
		offset += hdrs
	}

	resp := &core.LookupResponse{
		Key:           key,
		RecordFlags:   wc.Flags,
		UserFlags:     ehdr.UserFlags,
		Path:          wc.Path,
		JSONTimestamp: jhdr.Timestamp,
		JSONOffset:    offset,
		JSONSize:      jhdr.Size,
		JSONCapacity:  jhdr.Capacity,
		DataTimestamp: ehdr.Timestamp,
		DataOffset:    offset + jhdr.Capacity,
	}
	if size > jhdr.Capacity {
		resp.DataSize = size - jhdr.Capacity
	}

	log.V(1).Infof("%s: write: ioflags: %s, json_size: %d, data_size: %d", key.Short(), ioflags, resp.JSONSize, resp.DataSize)
	return resp, core.NoError
}

// headerSize is the encoded size of 'h', or 0 if the record has no metadata.
func headerSize(h record.MetaHeader) uint64 {
	if h.Capacity == 0 {
		return 0
	}
	return uint64(record.MetaHeaderSize)
}

// sum adds 'vals', reporting false if the total doesn't fit in a uint64.
func sum(vals ...uint64) (uint64, bool) {
	var total, carry uint64
	for _, v := range vals {
		total, carry = bits.Add64(total, v, 0)
		if carry != 0 {
			return 0, false
		}
	}
	return total, true
}
