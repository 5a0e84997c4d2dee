// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

/*
Package blobstore is the local record store. A store lives in a directory
and has:

  data      the bytes of every record, one extent per record
  index.db  a bolt database mapping each key to its extent, size, flags
            and block checksums
  flock     held while the store is open

The whole index is also kept in memory in a btree so lookups and key
ordered iteration never touch bolt. Extents are allocated at the end of the
data file and never reused. A record that outgrows its extent is moved to a
new one.

A record is either committed or uncommitted (core.RecordUncommitted).
Checksums are only kept for committed records, and only if the record
doesn't have core.RecordNoCsum.
*/
package blobstore

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	log "github.com/golang/glog"
	"github.com/gofrs/flock"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

const (
	dataName  = "data"
	indexName = "index.db"
	flockName = "flock"
)

// ErrLocked is returned by Open if another process has the store open.
var ErrLocked = errors.New("store directory is locked by another process")

// Options configure a Blob.
type Options struct {
	// ID is reported as the blob id of every record.
	ID uint64
	// BlockSize is the amount of data one checksum covers.
	BlockSize uint64
	// NoSync skips fsync of the index after each update.
	NoSync bool
}

// DefaultOptions are sensible for production.
var DefaultOptions = Options{BlockSize: DefaultBlockSize}

// WriteControl describes where the bytes of a record are.
type WriteControl struct {
	Key    core.Key
	BlobID uint64

	// File holds the record's bytes, starting at DataOffset.
	File io.ReaderAt
	// Path is the name of File.
	Path string

	DataOffset uint64
	// Size is the logical size of the record.
	Size uint64
	// TotalSize is how many bytes are allocated to the record.
	TotalSize uint64

	Flags core.RecordFlags
}

// IOVec is a piece of a vectored write, Offset is relative to the start of
// the record.
type IOVec struct {
	Offset uint64
	Data   []byte
}

// Blob is a store in a directory.
type Blob struct {
	opts Options
	dir  string
	path string
	lock *flock.Flock

	// Protects everything below.
	mu     sync.RWMutex
	file   *os.File
	idx    *index
	end    uint64
	closed bool
}

// Open opens or creates the store in 'dir'.
func Open(dir string, opts Options) (*Blob, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(dir, flockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrLocked
	}

	b := &Blob{opts: opts, dir: dir, path: filepath.Join(dir, dataName), lock: lock}
	if b.file, err = os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, os.FileMode(mode)); err != nil {
		lock.Unlock()
		return nil, err
	}
	if b.idx, err = openIndex(filepath.Join(dir, indexName), opts.NoSync); err != nil {
		b.file.Close()
		lock.Unlock()
		return nil, err
	}

	b.end = b.idx.end()
	if fi, err := b.file.Stat(); err == nil && uint64(fi.Size()) > b.end {
		b.end = uint64(fi.Size())
	}
	log.Infof("opened store %s with %d records, %d bytes", dir, b.idx.keydir.Len(), b.end)
	return b, nil
}

// Close closes the store. All later calls return core.ErrStoreClosed.
func (b *Blob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	err := b.idx.close()
	if ferr := b.file.Close(); err == nil {
		err = ferr
	}
	if lerr := b.lock.Unlock(); err == nil {
		err = lerr
	}
	return err
}

// Dir returns the directory of the store.
func (b *Blob) Dir() string {
	return b.dir
}

func (b *Blob) control(key core.Key, e *entry) WriteControl {
	return WriteControl{
		Key:        key,
		BlobID:     b.opts.ID,
		File:       b.file,
		Path:       b.path,
		DataOffset: e.Offset,
		Size:       e.Size,
		TotalSize:  e.Capacity,
		Flags:      e.Flags,
	}
}

// Read looks up a record. Uncommitted records are returned too, callers check
// the flags.
func (b *Blob) Read(key core.Key) (WriteControl, core.Error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return WriteControl{}, core.ErrStoreClosed
	}
	e := b.idx.get(key)
	if e == nil {
		return WriteControl{}, core.ErrNotFound
	}
	return b.control(key, e), core.NoError
}

// allocate reserves 'size' bytes at the end of the data file.
func (b *Blob) allocate(size uint64) (uint64, core.Error) {
	off := b.end
	if size > math.MaxInt64-off {
		log.Errorf("can't allocate %d bytes at %d in %s", size, off, b.path)
		return 0, core.ErrRange
	}
	if size > 0 {
		if err := b.file.Truncate(int64(off + size)); err != nil {
			log.Errorf("failed to grow %s to %d bytes: %s", b.path, off+size, err)
			return 0, core.ErrNoSpace
		}
	}
	b.end = off + size
	return off, core.NoError
}

// relocate moves 'e' to a new extent of 'capacity' bytes, preserving its
// first e.Size bytes.
func (b *Blob) relocate(e *entry, capacity uint64) core.Error {
	off, err := b.allocate(capacity)
	if err != core.NoError {
		return err
	}
	if e.Size > 0 {
		buf := make([]byte, e.Size)
		if _, err := b.file.ReadAt(buf, int64(e.Offset)); err != nil {
			log.Errorf("failed to read %d bytes at %d for relocation: %s", e.Size, e.Offset, err)
			return core.ErrIO
		}
		if _, err := b.file.WriteAt(buf, int64(off)); err != nil {
			log.Errorf("failed to write %d bytes at %d for relocation: %s", e.Size, off, err)
			return core.ErrIO
		}
	}
	e.Offset, e.Capacity = off, capacity
	return core.NoError
}

// storeFlags are the record flags the caller of a write controls.
const storeFlags = core.RecordExtHdr | core.RecordNoCsum

// WritePrepare reserves 'size' bytes for 'key' and marks it uncommitted. A
// record that already has more room keeps it.
func (b *Blob) WritePrepare(key core.Key, size uint64, flags core.RecordFlags) core.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrStoreClosed
	}

	e := b.idx.get(key)
	if e == nil {
		off, err := b.allocate(size)
		if err != core.NoError {
			return err
		}
		e = &entry{Offset: off, Capacity: size}
	} else {
		c := *e
		e = &c
		if e.Capacity < size {
			if err := b.relocate(e, size); err != core.NoError {
				return err
			}
		}
	}

	e.Flags = flags&storeFlags | core.RecordUncommitted
	e.Checksums = nil
	return b.putEntry(key, e)
}

// Writev writes 'iov' to 'key', creating the record if needed, and updates
// its checksums if it is committed.
func (b *Blob) Writev(key core.Key, iov []IOVec, flags core.RecordFlags) core.Error {
	return b.writev(key, iov, flags, true)
}

// PlainWritev writes 'iov' to 'key' without touching checksums.
func (b *Blob) PlainWritev(key core.Key, iov []IOVec, flags core.RecordFlags) core.Error {
	return b.writev(key, iov, flags, false)
}

func (b *Blob) writev(key core.Key, iov []IOVec, flags core.RecordFlags, csum bool) core.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrStoreClosed
	}

	var end uint64
	for _, v := range iov {
		last := v.Offset + uint64(len(v.Data))
		if last < v.Offset || last > math.MaxInt64 {
			log.Errorf("%s: write of %d bytes at %d is out of range", key.Short(), len(v.Data), v.Offset)
			return core.ErrRange
		}
		if last > end {
			end = last
		}
	}

	e := b.idx.get(key)
	if e == nil {
		off, err := b.allocate(end)
		if err != core.NoError {
			return err
		}
		e = &entry{Offset: off, Capacity: end}
	} else {
		c := *e
		e = &c
		if e.Capacity < end {
			if err := b.relocate(e, end); err != core.NoError {
				return err
			}
		}
	}

	for _, v := range iov {
		if len(v.Data) == 0 {
			continue
		}
		if _, err := b.file.WriteAt(v.Data, int64(e.Offset+v.Offset)); err != nil {
			log.Errorf("failed to write %d bytes of %s at %d: %s", len(v.Data), key.Short(), v.Offset, err)
			return core.ErrIO
		}
	}
	if end > e.Size {
		e.Size = end
	}
	e.Flags = e.Flags&^storeFlags | flags&storeFlags

	if csum && e.Flags&core.RecordUncommitted == 0 {
		if err := b.checksum(e); err != core.NoError {
			return err
		}
	}
	return b.putEntry(key, e)
}

// WriteCommit sets the final size of a prepared record and makes it visible.
func (b *Blob) WriteCommit(key core.Key, size uint64, flags core.RecordFlags) core.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrStoreClosed
	}

	e := b.idx.get(key)
	if e == nil {
		return core.ErrNotFound
	}
	if size > e.Capacity {
		log.Errorf("commit of %s: size %d exceeds capacity %d", key.Short(), size, e.Capacity)
		return core.ErrRange
	}
	c := *e
	e = &c
	e.Size = size
	e.Flags = flags&storeFlags | e.Flags&^(storeFlags|core.RecordUncommitted)
	if err := b.checksum(e); err != core.NoError {
		return err
	}
	return b.putEntry(key, e)
}

// checksum recomputes all checksums of a committed record.
func (b *Blob) checksum(e *entry) core.Error {
	e.Flags &^= core.RecordCorrupted | core.RecordChunkedCsum
	e.Checksums = nil
	if e.Flags&core.RecordNoCsum != 0 {
		return core.NoError
	}
	first, last := blockRange(0, e.Size, b.opts.BlockSize)
	sums, err := checksumBlocks(b.file, e.Offset, e.Size, b.opts.BlockSize, first, last)
	if err != nil {
		log.Errorf("failed to compute checksums: %s", err)
		return core.ErrIO
	}
	e.Checksums = sums
	e.Flags |= core.RecordChunkedCsum
	return core.NoError
}

func (b *Blob) putEntry(key core.Key, e *entry) core.Error {
	if err := b.idx.put(key, e); err != nil {
		log.Errorf("failed to update index for %s: %s", key.Short(), err)
		return core.ErrIO
	}
	return core.NoError
}

// Remove forgets a record. Its extent is not reused.
func (b *Blob) Remove(key core.Key) core.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrStoreClosed
	}
	if b.idx.get(key) == nil {
		return core.ErrNotFound
	}
	if err := b.idx.delete(key); err != nil {
		log.Errorf("failed to remove %s from index: %s", key.Short(), err)
		return core.ErrIO
	}
	return core.NoError
}

// VerifyChecksum checks the blocks covering [off, off+size) of a record.
// Records without checksums always verify. A mismatch marks the record
// corrupted and returns core.ErrCorruptData.
func (b *Blob) VerifyChecksum(key core.Key, off, size uint64) core.Error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return core.ErrStoreClosed
	}
	e := b.idx.get(key)
	if e == nil {
		b.mu.RUnlock()
		return core.ErrNotFound
	}
	if e.Flags&core.RecordChunkedCsum == 0 || e.Flags&core.RecordNoCsum != 0 {
		b.mu.RUnlock()
		return core.NoError
	}
	if off >= e.Size {
		b.mu.RUnlock()
		return core.NoError
	}
	if off+size > e.Size {
		size = e.Size - off
	}
	first, last := blockRange(off, size, b.opts.BlockSize)
	bad, err := badBlock(b.file, e.Offset, e.Size, b.opts.BlockSize, first, last, e.Checksums)
	b.mu.RUnlock()

	if err != nil {
		log.Errorf("failed to verify %s: %s", key.Short(), err)
		return core.ErrIO
	}
	if bad < 0 {
		return core.NoError
	}

	log.Errorf("checksum mismatch in block %d of %s, marking it corrupted", bad, key.Short())
	b.markCorrupted(key)
	return core.ErrCorruptData
}

func (b *Blob) markCorrupted(key core.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	e := b.idx.get(key)
	if e == nil {
		return
	}
	c := *e
	c.Flags |= core.RecordCorrupted
	b.putEntry(key, &c)
}

// Iterate calls 'fn' for every record whose key is in one of 'ranges', or for
// every record if there are no ranges, in key order. Uncommitted records are
// included. Iteration works on a snapshot of the index taken at the start and
// stops at the first error returned by 'fn'.
func (b *Blob) Iterate(ranges []core.KeyRange, fn func(WriteControl) error) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return core.ErrStoreClosed.Error()
	}
	items := b.idx.snapshot()
	b.mu.RUnlock()

	for _, it := range items {
		if !inRanges(it.key, ranges) {
			continue
		}
		if err := fn(b.control(it.key, it.e)); err != nil {
			return err
		}
	}
	return nil
}

func inRanges(k core.Key, ranges []core.KeyRange) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.Contains(k) {
			return true
		}
	}
	return false
}

// TotalElements returns the number of records.
func (b *Blob) TotalElements() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	return uint64(b.idx.keydir.Len())
}

// Stats are counters for the status page.
type Stats struct {
	Records     uint64
	Uncommitted uint64
	Corrupted   uint64
	// LiveBytes is the sum of record sizes, FileBytes the size of the data
	// file.
	LiveBytes uint64
	FileBytes uint64
}

// Stats computes Stats.
func (b *Blob) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var s Stats
	if b.closed {
		return s
	}
	for _, it := range b.idx.snapshot() {
		s.Records++
		s.LiveBytes += it.e.Size
		if it.e.Flags&core.RecordUncommitted != 0 {
			s.Uncommitted++
		}
		if it.e.Flags&core.RecordCorrupted != 0 {
			s.Corrupted++
		}
	}
	s.FileBytes = b.end
	return s
}

// BackupIndex writes a compressed copy of the index to 'w'. See RestoreIndex.
func (b *Blob) BackupIndex(w io.Writer) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return core.ErrStoreClosed.Error()
	}
	return b.idx.backup(w)
}
