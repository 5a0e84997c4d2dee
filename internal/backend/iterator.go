// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"errors"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/record"
)

// errStopIteration ends an iteration early without failing it.
var errStopIteration = errors.New("iteration stopped")

// Iterate runs an iterator over the store. Only core.IterActionStart is
// supported, the iterator runs to completion within the call.
func (b *Backend) Iterate(ctx context.Context, req *core.IteratorRequest, r Replier) core.Error {
	log.Infof("iterator: started: id: %d, flags: %s, action: %d, type: %s, key_ranges: %d, groups: %s",
		req.ID, req.Flags, req.Action, req.Type, len(req.KeyRanges), core.GroupsString(req.Send.Groups))

	var err core.Error
	switch req.Action {
	case core.IterActionStart:
		err = b.iteratorStart(ctx, req, r)
	default:
		// Pause, continue and cancel included.
		err = core.ErrNotSupported
	}

	if err != core.NoError {
		log.Errorf("iterator: %d: finished: %s", req.ID, err)
	} else {
		log.Infof("iterator: %d: finished", req.ID)
	}
	return err
}

// iterator is one running iterator.
type iterator struct {
	b     *Backend
	ctx   context.Context
	req   *core.IteratorRequest
	flags core.IteratorFlags
	r     Replier

	// callback is what is done with every visited record.
	callback func(*iteratedRecord) core.Error

	// Used by network iterators.
	counter uint64
	total   uint64
}

func (b *Backend) iteratorStart(ctx context.Context, req *core.IteratorRequest, r Replier) core.Error {
	if req.Flags&^core.IterAll != 0 {
		log.Errorf("iterator: unknown iteration flags: %s", req.Flags)
		return core.ErrNotSupported
	}
	if req.Type <= core.IterTypeFirst || req.Type >= core.IterTypeLast {
		log.Errorf("iterator: unknown iteration type: %d", req.Type)
		return core.ErrNotSupported
	}

	flags, ok := checkKeyRanges(req.Flags, req.KeyRanges)
	if !ok {
		return core.ErrRange
	}
	if flags, ok = checkTimeRange(flags, req.TimeBegin, req.TimeEnd); !ok {
		return core.ErrRange
	}

	it := &iterator{b: b, ctx: ctx, req: req, flags: flags, r: r}

	var job *sendJob
	switch req.Type {
	case core.IterTypeNetwork:
		it.total = b.store.TotalElements()
		it.callback = it.network
	case core.IterTypeMigration:
		if b.session == nil {
			log.Errorf("iterator: no session to other groups")
			return core.ErrNoRoute
		}
		if len(req.Send.Groups) == 0 {
			log.Errorf("iterator: no groups to send to")
			return core.ErrInvalidArgument
		}
		job = b.newSendJob(ctx, r, req.ID, b.store.TotalElements(), req.Send)
		it.callback = it.migration(job)
	default:
		log.Errorf("iterator: type %s is not implemented", req.Type)
		return core.ErrNotSupported
	}

	var ranges []core.KeyRange
	if flags&core.IterKeyRange != 0 {
		ranges = req.KeyRanges
	}

	err := b.store.Iterate(ranges, it.visit)
	if job != nil {
		job.wait()
	}
	if err == errStopIteration {
		log.Infof("iterator: %d: stopped after %d records", req.ID, it.counter)
		return core.NoError
	}
	return core.FromError(err)
}

// checkKeyRanges validates the key ranges of a request and returns its flags
// with core.IterKeyRange set only if the ranges should be used.
func checkKeyRanges(flags core.IteratorFlags, ranges []core.KeyRange) (core.IteratorFlags, bool) {
	if flags&core.IterKeyRange == 0 {
		return flags, true
	}
	flags &^= core.IterKeyRange
	if len(ranges) == 0 {
		return flags, true
	}

	empty := true
	for _, r := range ranges {
		if !r.IsZero() {
			empty = false
			break
		}
	}
	if empty {
		log.Errorf("iterator: all keys in all ranges are 0")
		return flags, true
	}

	for _, r := range ranges {
		if r.Begin.Compare(r.End) > 0 {
			log.Errorf("iterator: key_begin (%s) > key_end (%s)", r.Begin, r.End)
			return flags, false
		}
	}
	for _, r := range ranges {
		log.V(1).Infof("iterator: using key range: %s", r)
	}
	return flags | core.IterKeyRange, true
}

// checkTimeRange is checkKeyRanges for the timestamp range.
func checkTimeRange(flags core.IteratorFlags, begin, end core.Timestamp) (core.IteratorFlags, bool) {
	if flags&core.IterTSRange == 0 {
		return flags, true
	}
	flags &^= core.IterTSRange
	if begin.IsZero() && end.IsZero() {
		log.V(1).Infof("iterator: both times are zero")
		return flags, true
	}
	if begin.Compare(end) > 0 {
		log.Errorf("iterator: time_begin (%s) > time_end (%s)", begin, end)
		return flags, false
	}
	log.V(1).Infof("iterator: using ts range: %s...%s", begin, end)
	return flags | core.IterTSRange, true
}

// visit is called by the store for every record in range.
func (it *iterator) visit(wc blobstore.WriteControl) error {
	info := &iteratedRecord{key: wc.Key, flags: wc.Flags, blobID: wc.BlobID, file: wc.File}

	// The size of uncommitted records isn't meaningful yet.
	size := wc.Size
	if wc.Flags&core.RecordUncommitted != 0 {
		size = 0
	}

	offset := wc.DataOffset
	if wc.Flags&core.RecordExtHdr != 0 {
		if it.flags&core.IterNoMeta == 0 {
			hdrs, err := record.DecodeHeaders(wc.File, wc.DataOffset, wc.TotalSize, wc.Flags)
			if err != nil {
				log.Errorf("%s: iterator: %s", wc.Key.Short(), err)
				return err
			}
			info.ext, info.meta = hdrs.Ext, hdrs.Meta
		}

		hdrsSize := record.ExtHeaderSize + uint64(info.ext.Size)
		offset += hdrsSize
		if size >= hdrsSize {
			size -= hdrsSize
		} else if size > 0 {
			log.Errorf("%s: iterator: has invalid size: %d < %d (ehdr) + %d (ehdr.size)",
				wc.Key.Short(), size, record.ExtHeaderSize, info.ext.Size)
			return core.ErrInvalidArgument.Error()
		}
	}

	if it.flags&core.IterTSRange != 0 {
		ts := info.ext.Timestamp
		if ts.Compare(it.req.TimeBegin) < 0 || ts.Compare(it.req.TimeEnd) > 0 {
			return nil
		}
	}

	if size >= info.meta.Capacity {
		info.dataSize = size - info.meta.Capacity
	} else if size > 0 {
		log.Errorf("%s: iterator: has invalid size(%d) < json capacity(%d)", wc.Key.Short(), size, info.meta.Capacity)
		return core.ErrInvalidArgument.Error()
	}
	info.jsonOffset = offset
	info.dataOffset = offset + info.meta.Capacity

	log.V(2).Infof("%s: iterated: user_flags: %#x, json: {offset: %d, size: %d, capacity: %d, ts: %s}, "+
		"data: {offset: %d, size: %d, ts: %s}", wc.Key.Short(), info.ext.UserFlags, info.jsonOffset,
		info.meta.Size, info.meta.Capacity, info.meta.Timestamp, info.dataOffset, info.dataSize, info.ext.Timestamp)

	if err := it.callback(info); err != core.NoError {
		return err.Error()
	}

	// Flow control.
	if it.ctx.Err() != nil {
		return errStopIteration
	}
	return nil
}

// network streams a record back to the peer.
func (it *iterator) network(info *iteratedRecord) core.Error {
	key := info.key
	if it.r.Disconnected() {
		log.Errorf("iterator: interrupting, peer has been disconnected")
		return core.ErrInterrupted
	}

	var json []byte
	if it.flags&core.IterJSON != 0 && info.meta.Size > 0 {
		var err error
		if json, err = (Extent{File: info.file, Offset: info.jsonOffset, Size: info.meta.Size}).Bytes(); err != nil {
			log.Errorf("%s: iterator: failed to read json: %s", key.Short(), err)
			return core.ErrIO
		}
	}

	var data Extent
	if it.flags&core.IterData != 0 {
		data = Extent{File: info.file, Offset: info.dataOffset, Size: info.dataSize}
	}

	it.counter++
	resp := &core.IteratorResponse{
		ID:            it.req.ID,
		Key:           key,
		IteratedKeys:  it.counter,
		TotalKeys:     it.total,
		RecordFlags:   info.flags,
		UserFlags:     info.ext.UserFlags,
		JSONTimestamp: info.meta.Timestamp,
		JSONSize:      info.meta.Size,
		JSONCapacity:  info.meta.Capacity,
		ReadJSONSize:  uint64(len(json)),
		DataTimestamp: info.ext.Timestamp,
		DataSize:      info.dataSize,
		ReadDataSize:  data.Size,
		DataOffset:    info.dataOffset,
		BlobID:        info.blobID,
		JSON:          json,
	}

	if it.r.Disconnected() {
		log.Errorf("iterator: interrupting, peer has been disconnected")
		return core.ErrInterrupted
	}
	if err := it.r.SendIterator(resp, data, true); err != nil {
		log.Errorf("%s: iterator: failed to send reply: %s", key.Short(), err)
		return core.ErrRPC
	}
	return core.NoError
}

// migration returns a callback that sends every committed record to the
// groups of the request.
func (it *iterator) migration(job *sendJob) func(*iteratedRecord) core.Error {
	return func(info *iteratedRecord) core.Error {
		if info.flags&core.RecordUncommitted != 0 {
			log.V(1).Infof("%s: iterator: skipping uncommitted record", info.key.Short())
			return core.NoError
		}
		it.counter++
		return job.send(info)
	}
}
