// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/record"
)

// Remove removes a record. With core.IOFlagCASTimestamp the record is only
// removed if it isn't newer than the request's timestamp.
func (b *Backend) Remove(req *core.RemoveRequest) core.Error {
	b.locks.LockKey(req.Key)
	defer b.locks.UnlockKey(req.Key)
	return b.remove(req.Key, req.IOFlags, req.Timestamp)
}

func (b *Backend) remove(key core.Key, ioflags core.IOFlags, ts core.Timestamp) core.Error {
	if ioflags&core.IOFlagCASTimestamp != 0 {
		if err := b.removeCAS(key, ioflags, ts); err != core.NoError {
			return err
		}
	}
	if err := b.store.Remove(key); err != core.NoError {
		log.Errorf("%s: remove: %s", key.Short(), err)
		return err
	}
	log.V(1).Infof("%s: remove: ioflags: %s, done", key.Short(), ioflags)
	return core.NoError
}

// removeCAS fails with core.ErrBadTimestamp if the stored record is newer
// than 'ts'. Records whose ext header can't be trusted may be removed.
func (b *Backend) removeCAS(key core.Key, ioflags core.IOFlags, ts core.Timestamp) core.Error {
	wc, err := b.store.Read(key)
	if err != core.NoError {
		log.Errorf("%s: remove: cas: failed to read record: %s", key.Short(), err)
		return err
	}
	if wc.Flags&core.RecordExtHdr == 0 {
		return core.NoError
	}
	if verr := b.verify(&wc, ioflags, 0, record.ExtHeaderSize); verr != core.NoError {
		log.Errorf("%s: remove: cas: ext header failed verification, removing anyway: %s", key.Short(), verr)
		return core.NoError
	}

	buf := make([]byte, record.ExtHeaderSize)
	if _, rerr := wc.File.ReadAt(buf, int64(wc.DataOffset)); rerr != nil {
		log.Errorf("%s: remove: cas: failed to read ext header: %s", key.Short(), rerr)
		return core.ErrIO
	}
	ehdr, derr := record.DecodeExtHeader(buf)
	if derr != nil {
		log.Errorf("%s: remove: cas: %s", key.Short(), derr)
		return core.FromError(derr)
	}
	if ehdr.Timestamp.After(ts) {
		log.Errorf("%s: remove: cas: disk timestamp is newer than the request: disk-ts: %s, request-ts: %s",
			key.Short(), ehdr.Timestamp, ts)
		return core.ErrBadTimestamp
	}
	return core.NoError
}

// BulkRemove removes every key of 'req' and reports one status per key to
// 'r'. A failed key doesn't stop the others.
func (b *Backend) BulkRemove(req *core.BulkRemoveRequest, r Replier) core.Error {
	if !req.IsValid() {
		log.Errorf("bulk remove: invalid request: %d keys, %d timestamps, ioflags: %s",
			len(req.Keys), len(req.Timestamps), req.IOFlags)
		return core.ErrInvalidArgument
	}

	for i, key := range req.Keys {
		var ts core.Timestamp
		if req.IOFlags&core.IOFlagCASTimestamp != 0 {
			ts = req.Timestamps[i]
		}

		b.locks.LockKey(key)
		err := b.remove(key, req.IOFlags, ts)
		b.locks.UnlockKey(key)

		more := i+1 < len(req.Keys)
		if serr := r.SendStatus(&core.StatusResponse{Key: key, Status: err}, more); serr != nil {
			log.Errorf("%s: bulk remove: failed to send reply: %s", key.Short(), serr)
			return core.ErrRPC
		}
	}
	return core.NoError
}
