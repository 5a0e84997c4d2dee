// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package blobstore

import (
	"io"
	"os"

	"github.com/boltdb/bolt"
	"github.com/golang/snappy"
	"github.com/google/btree"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

var (
	mode          = 0600
	entriesBucket = []byte("entries")
)

// entry is what we know about one record. It is kept in memory in the keydir
// and persisted in the index database.
type entry struct {
	_msgpack struct{} `msgpack:",as_array"`

	// Offset of the record's bytes in the data file.
	Offset uint64
	// Size is the logical size of the record.
	Size uint64
	// Capacity is how many bytes starting at Offset belong to the record.
	Capacity uint64
	Flags    core.RecordFlags
	// Checksums of each block of [0, Size), present iff RecordChunkedCsum.
	Checksums []uint32
}

// item is a keydir element.
type item struct {
	key core.Key
	e   *entry
}

// Less implements btree.Item.
func (i *item) Less(than btree.Item) bool {
	return i.key.Less(than.(*item).key)
}

// index is the keydir plus its on-disk copy. Callers serialize access.
type index struct {
	db     *bolt.DB
	keydir *btree.BTree
}

// openIndex opens or creates the index at 'path' and loads it into memory.
func openIndex(path string, noSync bool) (*index, error) {
	db, err := bolt.Open(path, os.FileMode(mode), nil)
	if err != nil {
		return nil, err
	}
	db.NoSync = noSync

	idx := &index{db: db, keydir: btree.New(32)}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			it := &item{e: &entry{}}
			copy(it.key[:], k)
			if err := msgpack.Unmarshal(v, it.e); err != nil {
				return err
			}
			idx.keydir.ReplaceOrInsert(it)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// get returns the entry for 'key' or nil.
func (x *index) get(key core.Key) *entry {
	if it := x.keydir.Get(&item{key: key}); it != nil {
		return it.(*item).e
	}
	return nil
}

// put persists 'e' and makes it the entry for 'key'.
func (x *index) put(key core.Key, e *entry) error {
	v, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	err = x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put(key[:], v)
	})
	if err != nil {
		return err
	}
	x.keydir.ReplaceOrInsert(&item{key: key, e: e})
	return nil
}

// delete forgets 'key'.
func (x *index) delete(key core.Key) error {
	err := x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete(key[:])
	})
	if err != nil {
		return err
	}
	x.keydir.Delete(&item{key: key})
	return nil
}

// end returns the first byte after every allocated extent.
func (x *index) end() (end uint64) {
	x.keydir.Ascend(func(i btree.Item) bool {
		e := i.(*item).e
		if e.Offset+e.Capacity > end {
			end = e.Offset + e.Capacity
		}
		return true
	})
	return
}

// snapshot returns the keys and a copy of the entries in key order.
func (x *index) snapshot() []item {
	out := make([]item, 0, x.keydir.Len())
	x.keydir.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		e := *it.e
		out = append(out, item{key: it.key, e: &e})
		return true
	})
	return out
}

// backup writes a snappy compressed copy of the index database to 'w'.
func (x *index) backup(w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)
	err := x.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(sw)
		return err
	})
	if err != nil {
		return err
	}
	return sw.Close()
}

func (x *index) close() error {
	x.keydir.Clear(false)
	return x.db.Close()
}

// RestoreIndex decompresses a backup taken by Blob.BackupIndex into a new
// index database at 'path'.
func RestoreIndex(r io.Reader, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode))
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, snappy.NewReader(r)); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
