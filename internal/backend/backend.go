// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

/*
Package backend implements record operations on top of a local store: reads,
writes, removes and lookups of single records, their bulk variants, and the
iterators that stream records to a peer or copy them to other groups.

Every operation that reads a record's headers and acts on them holds the
record's key lock for the duration.
*/
package backend

import (
	"io"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/record"
	"github.com/westerndigitalcorporation/recstore/internal/server"
)

var (
	markedCorrupted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_marked_corrupted",
		Help: "reads of records the store has marked corrupted",
	})
	stampCorruption = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_stamp_corruption",
		Help: "records whose payload starts with a legacy header stamp",
	})
)

// Store is the local record store. It is implemented by *blobstore.Blob.
type Store interface {
	Read(key core.Key) (blobstore.WriteControl, core.Error)
	WritePrepare(key core.Key, size uint64, flags core.RecordFlags) core.Error
	PlainWritev(key core.Key, iov []blobstore.IOVec, flags core.RecordFlags) core.Error
	Writev(key core.Key, iov []blobstore.IOVec, flags core.RecordFlags) core.Error
	WriteCommit(key core.Key, size uint64, flags core.RecordFlags) core.Error
	Remove(key core.Key) core.Error
	VerifyChecksum(key core.Key, off, size uint64) core.Error
	Iterate(ranges []core.KeyRange, fn func(blobstore.WriteControl) error) error
	TotalElements() uint64
}

// Extent is a range of bytes in a store file. Replies carry payloads as
// extents so that they are only read when sent.
type Extent struct {
	File   io.ReaderAt
	Offset uint64
	Size   uint64
}

// Bytes reads the extent.
func (e Extent) Bytes() ([]byte, error) {
	if e.Size == 0 {
		return nil, nil
	}
	buf := make([]byte, e.Size)
	if _, err := e.File.ReadAt(buf, int64(e.Offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Replier sends the responses of streaming operations back to the peer that
// asked for them. 'more' is false for the last response. Senders reply from
// their own goroutines, so a Replier must be safe for concurrent use.
type Replier interface {
	SendRead(resp *core.ReadResponse, data Extent, more bool) error
	SendIterator(resp *core.IteratorResponse, data Extent, more bool) error
	SendStatus(resp *core.StatusResponse, more bool) error

	// Disconnected reports whether the peer went away.
	Disconnected() bool
}

// Backend carries out record operations on a Store.
type Backend struct {
	store   Store
	session Session
	cfg     Config
	locks   server.LockManager
}

// New returns a Backend for 'store'. Records are sent to other groups
// through 'session', which may be nil if this node never sends.
func New(store Store, session Session, cfg Config) *Backend {
	return &Backend{store: store, session: session, cfg: cfg, locks: server.NewFineGrainedLock()}
}

// Locks returns the key locks used by the backend, for background jobs that
// want to stay out of the way of requests.
func (b *Backend) Locks() server.LockManager {
	return b.locks
}

// readCheck looks up a committed, not corrupted record.
func (b *Backend) readCheck(key core.Key) (blobstore.WriteControl, core.Error) {
	wc, err := b.store.Read(key)
	if err == core.NoError && wc.Flags&core.RecordCorrupted != 0 {
		markedCorrupted.Inc()
		err = core.ErrCorruptData
	}
	if err == core.NoError && wc.Flags&core.RecordUncommitted != 0 {
		err = core.ErrNotFound
	}
	return wc, err
}

// verify checks the checksums of [off, off+size) of a record unless the
// request asked not to.
func (b *Backend) verify(wc *blobstore.WriteControl, ioflags core.IOFlags, off, size uint64) core.Error {
	if ioflags&core.IOFlagNoCsum != 0 {
		return core.NoError
	}
	return b.store.VerifyChecksum(wc.Key, off, size)
}

// checkStamp runs the legacy stamp guard over a payload window given in
// record offsets.
func checkStamp(wc *blobstore.WriteControl, w record.Window, ts core.Timestamp) core.Error {
	w.Offset += wc.DataOffset
	if err := record.DetectLegacyStamp(wc.File, w, ts); err != nil {
		e := core.FromError(err)
		if e == core.ErrCorruptData {
			stampCorruption.Inc()
		}
		log.Errorf("%s: %s", wc.Key.Short(), err)
		return e
	}
	return core.NoError
}

// decodeHeaders wraps record.DecodeHeaders for a WriteControl.
func decodeHeaders(wc *blobstore.WriteControl) (record.Headers, core.Error) {
	h, err := record.DecodeHeaders(wc.File, wc.DataOffset, wc.TotalSize, wc.Flags)
	if err != nil {
		log.Errorf("%s: %s", wc.Key.Short(), err)
		return h, core.FromError(err)
	}
	return h, core.NoError
}
