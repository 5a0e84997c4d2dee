// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/record"
)

// Read reads the parts of a record asked for by 'req'. The metadata is
// returned in the response, the payload as an extent.
func (b *Backend) Read(req *core.ReadRequest) (*core.ReadResponse, Extent, core.Error) {
	b.locks.LockKey(req.Key)
	defer b.locks.UnlockKey(req.Key)
	return b.read(req)
}

func (b *Backend) read(req *core.ReadRequest) (*core.ReadResponse, Extent, core.Error) {
	key := req.Key
	wc, err := b.readCheck(key)
	if err != core.NoError {
		return nil, Extent{}, err
	}

	var hdrs record.Headers
	var recordOffset uint64
	size := wc.Size
	if wc.Flags&core.RecordExtHdr != 0 {
		if hdrs, err = decodeHeaders(&wc); err != core.NoError {
			return nil, Extent{}, err
		}
		if wc.Flags&core.RecordChunkedCsum != 0 {
			if err = b.verify(&wc, req.IOFlags, 0, hdrs.Size()); err != core.NoError {
				log.Errorf("%s: read: headers failed verification: %s", key.Short(), err)
				return nil, Extent{}, err
			}
		}
		recordOffset = hdrs.Size()
		if size < recordOffset {
			log.Errorf("%s: read: invalid record: size(%d) < headers(%d)", key.Short(), size, recordOffset)
			return nil, Extent{}, core.ErrRange
		}
		size -= recordOffset
	}

	window := record.PayloadWindow(size, hdrs.Meta)
	window.Offset += recordOffset
	if wc.Flags&core.RecordExtHdr != 0 {
		if err = checkStamp(&wc, window, hdrs.Ext.Timestamp); err != core.NoError {
			return nil, Extent{}, err
		}
	}

	resp := &core.ReadResponse{
		Key:            key,
		RecordFlags:    wc.Flags,
		UserFlags:      hdrs.Ext.UserFlags,
		JSONTimestamp:  hdrs.Meta.Timestamp,
		JSONSize:       hdrs.Meta.Size,
		JSONCapacity:   hdrs.Meta.Capacity,
		DataTimestamp:  hdrs.Ext.Timestamp,
		DataSize:       window.Size,
		ReadDataOffset: req.DataOffset,
	}

	if req.ReadFlags&core.ReadJSON != 0 && hdrs.Meta.Size > 0 {
		if err = b.verify(&wc, req.IOFlags, recordOffset, hdrs.Meta.Size); err != core.NoError {
			log.Errorf("%s: read: json failed verification: %s", key.Short(), err)
			return nil, Extent{}, err
		}
		json, rerr := Extent{File: wc.File, Offset: wc.DataOffset + recordOffset, Size: hdrs.Meta.Size}.Bytes()
		if rerr != nil {
			log.Errorf("%s: read: failed to read json: %s", key.Short(), rerr)
			return nil, Extent{}, core.ErrIO
		}
		resp.JSON = json
		resp.ReadJSONSize = uint64(len(json))
	}

	var data Extent
	if req.ReadFlags&core.ReadData != 0 {
		sl, serr := record.Slice(window, req.DataOffset, req.DataSize)
		if serr != nil {
			log.Errorf("%s: read: %s", key.Short(), serr)
			return nil, Extent{}, core.FromError(serr)
		}
		if err = b.verify(&wc, req.IOFlags, sl.Offset, sl.Size); err != core.NoError {
			log.Errorf("%s: read: data failed verification: %s", key.Short(), err)
			return nil, Extent{}, err
		}
		data = Extent{File: wc.File, Offset: wc.DataOffset + sl.Offset, Size: sl.Size}
		resp.ReadDataSize = sl.Size
	}

	log.V(2).Infof("%s: read: ioflags: %s, json: %d, data: %d@%d", key.Short(), req.IOFlags,
		resp.ReadJSONSize, resp.ReadDataSize, resp.ReadDataOffset)
	return resp, data, core.NoError
}

// BulkRead reads whole records for every key of 'req' and sends one response
// per key to 'r'. A failed key gets a response with only its status, and
// doesn't stop the others.
func (b *Backend) BulkRead(req *core.BulkReadRequest, r Replier) core.Error {
	for i, key := range req.Keys {
		if r.Disconnected() {
			log.Infof("bulk read: peer went away after %d of %d keys", i, len(req.Keys))
			return core.ErrInterrupted
		}
		more := i+1 < len(req.Keys)

		resp, data, err := b.Read(&core.ReadRequest{Key: key, IOFlags: req.IOFlags, ReadFlags: req.ReadFlags})
		if err != core.NoError {
			resp, data = &core.ReadResponse{Key: key, Status: err}, Extent{}
		}
		if serr := r.SendRead(resp, data, more); serr != nil {
			log.Errorf("%s: bulk read: failed to send reply: %s", key.Short(), serr)
			return core.ErrRPC
		}
	}
	return core.NoError
}
