// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/record"
)

// ServerSend copies the records of 'req' to the groups it names. There is
// exactly one reply per key sent to 'r', whether the copy worked or not.
// ServerSend returns once every record is done.
func (b *Backend) ServerSend(ctx context.Context, req *core.ServerSendRequest, r Replier) core.Error {
	if b.session == nil {
		log.Errorf("server send: no session to other groups")
		return core.ErrNoRoute
	}
	if len(req.Send.Groups) == 0 {
		log.Errorf("server send: no groups to send to")
		return core.ErrInvalidArgument
	}

	job := b.newSendJob(ctx, r, b.cfg.BackendID, uint64(len(req.Keys)), req.Send)
	log.Infof("server send: started: keys: %d, groups: %s, chunk_size: %d, chunk_write_timeout: %d, "+
		"chunk_commit_timeout: %d, chunk_retry_count: %d", len(req.Keys), core.GroupsString(job.opts.Groups),
		job.opts.ChunkSize, job.opts.ChunkWriteTimeout, job.opts.ChunkCommitTimeout, job.opts.ChunkRetryCount)

	err := core.NoError
	for _, key := range req.Keys {
		info, ierr := b.sendable(key)
		if ierr != core.NoError {
			if serr := job.fail(key, ierr); serr != nil {
				log.Errorf("%s: server send: failed to send reply: %s", key.Short(), serr)
				err = core.ErrRPC
				break
			}
			continue
		}
		if err = job.send(info); err != core.NoError {
			break
		}
	}

	job.wait()

	if err != core.NoError {
		log.Errorf("server send: finished: %s", err)
	} else {
		log.Infof("server send: finished")
	}
	return err
}

// sendable checks that the record of 'key' can be sent whole and returns
// where its parts are.
func (b *Backend) sendable(key core.Key) (*iteratedRecord, core.Error) {
	wc, err := b.readCheck(key)
	if err != core.NoError {
		log.Errorf("%s: server send: lookup failed: %s", key.Short(), err)
		return nil, err
	}

	info := &iteratedRecord{key: key, flags: wc.Flags, blobID: wc.BlobID, file: wc.File}
	size := wc.Size
	var hdrsSize uint64
	if wc.Flags&core.RecordExtHdr != 0 {
		hdrs, herr := decodeHeaders(&wc)
		if herr != core.NoError {
			return nil, herr
		}
		info.ext, info.meta = hdrs.Ext, hdrs.Meta
		hdrsSize = hdrs.Size()
		if size >= hdrsSize {
			size -= hdrsSize
		} else if size > 0 {
			log.Errorf("%s: server send: invalid record: size(%d) < ehdr(%d) + json header(%d) = %d",
				key.Short(), wc.Size, record.ExtHeaderSize, hdrs.Ext.Size, hdrsSize)
			return nil, core.ErrRange
		}
	}

	if size >= info.meta.Capacity {
		info.dataSize = size - info.meta.Capacity
	} else if size > 0 {
		log.Errorf("%s: server send: invalid record: size(%d) < headers(%d) + json capacity(%d)",
			key.Short(), wc.Size, hdrsSize, info.meta.Capacity)
		return nil, core.ErrRange
	}

	info.jsonOffset = wc.DataOffset + hdrsSize
	info.dataOffset = info.jsonOffset + info.meta.Capacity

	payload := record.Window{Offset: hdrsSize + info.meta.Capacity, Size: info.dataSize}
	if err = checkStamp(&wc, payload, info.ext.Timestamp); err != core.NoError {
		return nil, err
	}
	if err = b.store.VerifyChecksum(key, 0, payload.End()); err != core.NoError {
		log.Errorf("%s: server send: record failed verification: %s", key.Short(), err)
		return nil, err
	}
	return info, core.NoError
}
