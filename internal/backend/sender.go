// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/record"
)

// iteratedRecord is a record picked for an iterator or a send, with its
// headers decoded. Offsets are in 'file'.
type iteratedRecord struct {
	key    core.Key
	flags  core.RecordFlags
	blobID uint64
	file   io.ReaderAt

	ext  record.ExtHeader
	meta record.MetaHeader

	jsonOffset uint64
	dataOffset uint64
	dataSize   uint64
}

// sendJob is the state shared by all senders of one request.
type sendJob struct {
	// counter is accessed atomically and is first for alignment.
	counter uint64

	ctx     context.Context
	b       *Backend
	r       Replier
	id      uint64
	total   uint64
	opts    core.SendOptions
	monitor *Monitor

	// Small records are written from their own goroutines.
	wg sync.WaitGroup
}

func (b *Backend) newSendJob(ctx context.Context, r Replier, id, total uint64, opts core.SendOptions) *sendJob {
	return &sendJob{
		ctx:     ctx,
		b:       b,
		r:       r,
		id:      id,
		total:   total,
		opts:    b.cfg.fill(opts),
		monitor: NewMonitor(),
	}
}

// send copies one record to the job's groups. Records no larger than a chunk
// are written asynchronously, bigger ones chunk by chunk before returning.
func (j *sendJob) send(info *iteratedRecord) core.Error {
	if j.r.Disconnected() {
		log.Errorf("server send: interrupting, peer has been disconnected")
		return core.ErrInterrupted
	}
	s := newSender(j, info)
	if info.dataSize <= j.opts.ChunkSize {
		s.sendSmall()
	} else {
		s.sendLarge()
	}
	return core.NoError
}

// fail replies for a record that couldn't be sent at all.
func (j *sendJob) fail(key core.Key, status core.Error) error {
	return j.r.SendIterator(&core.IteratorResponse{
		ID:           j.id,
		Key:          key,
		Status:       status,
		IteratedKeys: atomic.AddUint64(&j.counter, 1),
		TotalKeys:    j.total,
	}, Extent{}, true)
}

// wait waits for every sender to finish and every byte to be acknowledged.
func (j *sendJob) wait() {
	j.wg.Wait()
	j.monitor.WaitCompletion()
}

// sender copies one record.
type sender struct {
	job  *sendJob
	info *iteratedRecord

	chunkTimeout  time.Duration
	commitTimeout time.Duration

	json       []byte
	data       []byte
	dataOffset uint64

	quota       uint64
	quotaLocked bool
	keyLocked   bool
}

// toSeconds rounds a timeout in milliseconds up to whole seconds, at least one.
func toSeconds(ms uint64) time.Duration {
	if ms == 0 {
		return time.Second
	}
	return time.Duration((ms-1)/1000+1) * time.Second
}

func newSender(j *sendJob, info *iteratedRecord) *sender {
	s := &sender{job: j, info: info}
	s.chunkTimeout = toSeconds(j.opts.ChunkWriteTimeout)

	// The commit includes the last chunk's write.
	if size := info.dataSize + info.meta.Size; size == 0 {
		s.commitTimeout = time.Second
	} else {
		chunks := (size-1)/j.opts.ChunkSize + 1
		s.commitTimeout = toSeconds(j.opts.ChunkWriteTimeout + j.opts.ChunkCommitTimeout*chunks)
	}

	log.V(2).Infof("%s: server send: size: %d, write_timeout: %s, commit_timeout: %s", info.key.Short(),
		info.dataSize+info.meta.Size, s.chunkTimeout, s.commitTimeout)
	return s
}

func (s *sender) lockKey() {
	if !s.keyLocked {
		s.job.b.locks.LockKey(s.info.key)
		s.keyLocked = true
	}
}

func (s *sender) unlockKey() {
	if s.keyLocked {
		s.job.b.locks.UnlockKey(s.info.key)
		s.keyLocked = false
	}
}

// lockQuota takes room in the monitor for the first chunk read. It is held
// until the whole record is done.
func (s *sender) lockQuota() {
	if s.quotaLocked {
		return
	}
	s.quota = uint64(len(s.json) + len(s.data))
	s.job.monitor.AddBytes(s.quota)
	s.quotaLocked = true
}

func (s *sender) unlockQuota() {
	if s.quotaLocked {
		if s.quota > 0 {
			s.job.monitor.RemoveBytes(s.quota)
		}
		s.quota, s.quotaLocked = 0, false
	}
}

func (s *sender) release() {
	s.unlockQuota()
	s.unlockKey()
}

// remaining is how many bytes are left to write, including the metadata
// that goes with the first chunk.
func (s *sender) remaining() uint64 {
	r := s.info.dataSize - s.dataOffset
	if s.dataOffset == 0 {
		r += s.info.meta.Size
	}
	return r
}

// read reads the next chunk. The key stays locked until the last chunk has
// been read.
func (s *sender) read() core.Error {
	s.lockKey()
	key := s.info.key

	if s.info.meta.Size > 0 && s.dataOffset == 0 {
		s.json = make([]byte, s.info.meta.Size)
		if _, err := s.info.file.ReadAt(s.json, int64(s.info.jsonOffset)); err != nil {
			log.Errorf("%s: server send: failed to read json: %s", key.Short(), err)
			return core.ErrIO
		}
	}

	left := s.info.dataSize - s.dataOffset
	chunk := left
	if chunk > s.job.opts.ChunkSize {
		chunk = s.job.opts.ChunkSize
	}

	// A timed out write may still be holding the previous chunk.
	s.data = make([]byte, chunk)
	if chunk > 0 {
		if _, err := s.info.file.ReadAt(s.data, int64(s.info.dataOffset+s.dataOffset)); err != nil {
			log.Errorf("%s: server send: failed to read data: %s", key.Short(), err)
			return core.ErrIO
		}
	}

	s.lockQuota()

	if left <= s.job.opts.ChunkSize {
		s.unlockKey()
	}
	return core.NoError
}

func (s *sender) request(ioflags core.IOFlags) *core.WriteRequest {
	return &core.WriteRequest{
		Key:           s.info.key,
		IOFlags:       ioflags | core.IOFlagCASTimestamp,
		UserFlags:     s.info.ext.UserFlags,
		Timestamp:     s.info.ext.Timestamp,
		JSONTimestamp: s.info.meta.Timestamp,
	}
}

func (s *sender) respond(status core.Error) {
	info := s.info
	resp := &core.IteratorResponse{
		ID:            s.job.id,
		Key:           info.key,
		Status:        status,
		IteratedKeys:  atomic.AddUint64(&s.job.counter, 1),
		TotalKeys:     s.job.total,
		RecordFlags:   info.flags,
		UserFlags:     info.ext.UserFlags,
		JSONTimestamp: info.meta.Timestamp,
		JSONSize:      info.meta.Size,
		JSONCapacity:  info.meta.Capacity,
		DataTimestamp: info.ext.Timestamp,
		DataSize:      info.dataSize,
		DataOffset:    info.dataOffset,
		BlobID:        info.blobID,
	}
	if err := s.job.r.SendIterator(resp, Extent{}, true); err != nil {
		log.Errorf("%s: server send: failed to send reply: %s", info.key.Short(), err)
	}
}

// sendSmall reads the record and writes it to all groups with one write.
// Groups that time out are retried, the others are final.
func (s *sender) sendSmall() {
	if err := s.read(); err != core.NoError {
		s.respond(err)
		s.release()
		return
	}

	s.job.wg.Add(1)
	go func() {
		defer s.job.wg.Done()
		defer s.release()
		s.writeSmall()
	}()
}

func (s *sender) writeSmall() {
	key := s.info.key
	req := s.request(core.IOFlagPrepare | core.IOFlagCommit)
	req.JSON = s.json
	req.JSONCapacity = s.info.meta.Capacity
	req.Data = s.data
	req.DataCapacity = s.info.dataSize
	req.DataCommitSize = s.info.dataSize

	groups := s.job.opts.Groups
	total := s.job.opts.ChunkRetryCount
	var lastErr core.Error
	for retries := total; ; retries-- {
		results := s.job.b.session.Write(s.job.ctx, groups, s.chunkTimeout, req)
		if s.job.r.Disconnected() {
			log.Errorf("%s: server send: interrupting, peer has been disconnected", key.Short())
			return
		}

		var retry []core.GroupID
		for _, res := range results {
			switch res.Status {
			case core.NoError:
			case core.ErrTimedOut:
				retry = append(retry, res.Group)
			default:
				lastErr = res.Status
			}
		}

		if retries > 0 && len(retry) > 0 {
			log.Infof("%s: server send: small object: retrying write to groups: %s, retry: %d/%d",
				key.Short(), core.GroupsString(retry), total-retries+1, total)
			groups = retry
			continue
		}
		if len(retry) > 0 {
			lastErr = core.ErrTimedOut
		}
		break
	}

	s.respond(lastErr)
}

// sendLarge writes the record chunk by chunk: a prepare, plain writes and a
// commit. A group that fails a chunk is not written to again.
func (s *sender) sendLarge() {
	defer s.release()

	active := make(map[core.GroupID]bool, len(s.job.opts.Groups))
	for _, g := range s.job.opts.Groups {
		active[g] = true
	}

	var lastErr core.Error
	for s.writeChunk(active, &lastErr) {
		s.dataOffset += uint64(len(s.data))
	}
	s.respond(lastErr)
}

// writeChunk reads and writes the next chunk. It returns false when there is
// nothing more to do.
func (s *sender) writeChunk(active map[core.GroupID]bool, lastErr *core.Error) bool {
	key := s.info.key
	if s.job.r.Disconnected() {
		return false
	}
	if s.remaining() == 0 {
		return false
	}
	if err := s.read(); err != core.NoError {
		*lastErr = err
		return false
	}

	groups := sortedGroups(active)
	total := s.job.opts.ChunkRetryCount
	var retry []core.GroupID
	for retries := total; ; retries-- {
		if len(retry) > 0 {
			log.Infof("%s: server send: large object: retrying write to groups: %s, retry: %d/%d",
				key.Short(), core.GroupsString(retry), total-retries, total)
			groups, retry = retry, nil
		}

		req, timeout := s.chunkRequest()
		for _, res := range s.job.b.session.Write(s.job.ctx, groups, timeout, req) {
			switch res.Status {
			case core.NoError:
			case core.ErrTimedOut:
				retry = append(retry, res.Group)
			default:
				*lastErr = res.Status
				delete(active, res.Group)
			}
		}

		if retries <= 0 || len(retry) == 0 {
			break
		}
	}

	if len(retry) > 0 {
		*lastErr = core.ErrTimedOut
		for _, g := range retry {
			delete(active, g)
		}
	}

	// Nothing left to write to.
	return len(active) > 0
}

// chunkRequest builds the write for the chunk just read.
func (s *sender) chunkRequest() (*core.WriteRequest, time.Duration) {
	var req *core.WriteRequest
	timeout := s.chunkTimeout
	switch {
	case s.dataOffset == 0:
		req = s.request(core.IOFlagPrepare | core.IOFlagPlainWrite)
		req.JSON = s.json
		req.JSONCapacity = s.info.meta.Capacity
		req.DataCapacity = s.info.dataSize
	case s.remaining() > s.job.opts.ChunkSize:
		req = s.request(core.IOFlagPlainWrite)
	default:
		req = s.request(core.IOFlagCommit | core.IOFlagPlainWrite)
		req.DataCommitSize = s.info.dataSize
		timeout = s.commitTimeout
	}
	req.Data = s.data
	req.DataOffset = s.dataOffset
	return req, timeout
}

func sortedGroups(set map[core.GroupID]bool) []core.GroupID {
	groups := make([]core.GroupID, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}
