// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"strconv"
	"strings"
)

// IOFlags modify how a read, write or remove is carried out.
type IOFlags uint64

const (
	// IOFlagAppend asks to append to the record. Not supported.
	IOFlagAppend IOFlags = 1 << iota
	// IOFlagPrepare reserves space for a record and marks it uncommitted.
	IOFlagPrepare
	// IOFlagCommit finalizes the record size and makes it visible.
	IOFlagCommit
	// IOFlagPlainWrite writes bytes without updating checksums.
	IOFlagPlainWrite
	// IOFlagNoCsum disables checksum verification on read and tells the
	// store not to keep checksums on write.
	IOFlagNoCsum
	// IOFlagCASTimestamp refuses to replace a record with a newer timestamp.
	IOFlagCASTimestamp
	// IOFlagUpdateJSON rewrites only the metadata of a committed record.
	IOFlagUpdateJSON
	// IOFlagWriteNoFileInfo suppresses the lookup style reply of a write.
	IOFlagWriteNoFileInfo
)

var ioFlagNames = []string{
	"append", "prepare", "commit", "plain_write", "nocsum", "cas_timestamp", "update_json", "write_no_file_info",
}

// String dumps the names of the set flags.
func (f IOFlags) String() string {
	return flagString(uint64(f), ioFlagNames)
}

// ReadFlags select which parts of a record a read returns.
type ReadFlags uint64

const (
	// ReadJSON returns the metadata segment.
	ReadJSON ReadFlags = 1 << iota
	// ReadData returns the payload.
	ReadData

	// ReadAll returns both.
	ReadAll = ReadJSON | ReadData
)

var readFlagNames = []string{"json", "data"}

func (f ReadFlags) String() string {
	return flagString(uint64(f), readFlagNames)
}

// RecordFlags are kept by the store for each record. The values are part of
// the on-disk format of the legacy control header and must not change.
type RecordFlags uint64

const (
	// RecordRemoved marks a removed record.
	RecordRemoved RecordFlags = 1 << iota
	// RecordNoCsum means the store keeps no checksums for this record.
	RecordNoCsum
	// RecordCompress is a legacy bit. Never set by us.
	RecordCompress
	// RecordWriteReturn is a legacy bit. Never set by us.
	RecordWriteReturn
	// RecordAppend is a legacy bit. Never set by us.
	RecordAppend
	// RecordOverwrite is a legacy bit. Never set by us.
	RecordOverwrite
	// RecordExtHdr means the record payload starts with an extension header.
	RecordExtHdr
	// RecordUncommitted means the record was prepared but not committed.
	RecordUncommitted
	// RecordChunkedCsum means the record has per-block checksums.
	RecordChunkedCsum
	// RecordCorrupted means a checksum verification of the record failed.
	RecordCorrupted

	// LegacyRecordFlagsLimit bounds the flags a legacy control header may
	// carry.
	LegacyRecordFlagsLimit = RecordCorrupted
)

var recordFlagNames = []string{
	"removed", "nocsum", "compress", "write_return", "append", "overwrite", "exthdr", "uncommitted", "chunked_csum", "corrupted",
}

func (f RecordFlags) String() string {
	return flagString(uint64(f), recordFlagNames)
}

// IteratorFlags control what an iterator visits and returns.
type IteratorFlags uint64

const (
	// IterData returns record payloads.
	IterData IteratorFlags = 1 << iota
	// IterKeyRange restricts iteration to the request's key ranges.
	IterKeyRange
	// IterNoMeta skips reading record headers. Metadata fields of the
	// responses stay zero.
	IterNoMeta
	// IterTSRange restricts iteration to records whose data timestamp falls
	// into the request's time range.
	IterTSRange
	// IterJSON returns record metadata.
	IterJSON

	// IterAll is every flag we know about.
	IterAll = IterData | IterKeyRange | IterNoMeta | IterTSRange | IterJSON
)

var iterFlagNames = []string{"data", "key_range", "no_meta", "ts_range", "json"}

func (f IteratorFlags) String() string {
	return flagString(uint64(f), iterFlagNames)
}

// IteratorType selects what an iterator does with visited records.
type IteratorType int

const (
	// IterTypeFirst is the lower sentinel, never valid.
	IterTypeFirst IteratorType = iota
	// IterTypeDisk writes the iterated records to a local file. Not supported.
	IterTypeDisk
	// IterTypeNetwork streams the records back to the caller.
	IterTypeNetwork
	// IterTypeMigration sends the records to other groups.
	IterTypeMigration
	// IterTypeLast is the upper sentinel, never valid.
	IterTypeLast
)

func (t IteratorType) String() string {
	switch t {
	case IterTypeDisk:
		return "disk"
	case IterTypeNetwork:
		return "network"
	case IterTypeMigration:
		return "migration"
	}
	return "invalid"
}

// IteratorAction is what the caller asks of an iterator.
type IteratorAction int

const (
	// IterActionStart starts a new iterator.
	IterActionStart IteratorAction = iota
	// IterActionPause pauses a running iterator. Not supported.
	IterActionPause
	// IterActionContinue resumes a paused iterator. Not supported.
	IterActionContinue
	// IterActionCancel stops a running iterator. Not supported.
	IterActionCancel
)

// flagString joins the names of the set bits of 'f' with '|'. Unknown bits are
// printed in hex.
func flagString(f uint64, names []string) string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for i, n := range names {
		if f&(1<<uint(i)) != 0 {
			parts = append(parts, n)
			f &^= 1 << uint(i)
		}
	}
	if f != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(f, 16))
	}
	return strings.Join(parts, "|")
}
