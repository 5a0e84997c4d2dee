// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"crypto/sha512"
	"io"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// Lookup describes where a record's metadata and payload are on disk.
func (b *Backend) Lookup(req *core.LookupRequest) (*core.LookupResponse, core.Error) {
	key := req.Key
	wc, err := b.readCheck(key)
	if err != core.NoError {
		return nil, err
	}

	hdrs, err := decodeHeaders(&wc)
	if err != core.NoError {
		return nil, err
	}

	jsonOffset := uint64(0)
	if wc.Flags&core.RecordExtHdr != 0 {
		jsonOffset = hdrs.Size()
	}
	dataOffset := jsonOffset + hdrs.Meta.Capacity
	var dataSize uint64
	if wc.Size > dataOffset {
		dataSize = wc.Size - dataOffset
	}

	resp := &core.LookupResponse{
		Key:           key,
		RecordFlags:   wc.Flags,
		UserFlags:     hdrs.Ext.UserFlags,
		Path:          wc.Path,
		JSONTimestamp: hdrs.Meta.Timestamp,
		JSONOffset:    wc.DataOffset + jsonOffset,
		JSONSize:      hdrs.Meta.Size,
		JSONCapacity:  hdrs.Meta.Capacity,
		DataTimestamp: hdrs.Ext.Timestamp,
		DataOffset:    wc.DataOffset + dataOffset,
		DataSize:      dataSize,
	}

	if req.Checksum {
		if resp.JSONChecksum, err = b.rangeChecksum(&wc, jsonOffset, hdrs.Meta.Size); err != core.NoError {
			log.Errorf("%s: lookup: failed to checksum json: %s", key.Short(), err)
			return nil, err
		}
		if resp.DataChecksum, err = b.rangeChecksum(&wc, dataOffset, dataSize); err != core.NoError {
			log.Errorf("%s: lookup: failed to checksum data: %s", key.Short(), err)
			return nil, err
		}
	}

	log.V(2).Infof("%s: lookup: json: %d@%d, data: %d@%d", key.Short(),
		resp.JSONSize, resp.JSONOffset, resp.DataSize, resp.DataOffset)
	return resp, core.NoError
}

// rangeChecksum verifies [off, off+size) of a record and returns its sha512.
// An empty range has no checksum.
func (b *Backend) rangeChecksum(wc *blobstore.WriteControl, off, size uint64) ([]byte, core.Error) {
	if size == 0 {
		return nil, core.NoError
	}
	if err := b.store.VerifyChecksum(wc.Key, off, size); err != core.NoError {
		return nil, err
	}
	h := sha512.New()
	sr := io.NewSectionReader(wc.File, int64(wc.DataOffset+off), int64(size))
	if _, err := io.Copy(h, sr); err != nil {
		return nil, core.ErrIO
	}
	return h.Sum(nil), core.NoError
}
