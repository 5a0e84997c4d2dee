// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package record

import (
	"encoding/binary"
	"io"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// Before LegacyStampCutover the server-send path sometimes copied the store's
// own control header and the extension header into the payload of the
// destination record. Such payloads start with:
// ------------------------------------------------------------------
// | key (64) | flags (8) | data size (8) | disk size (8) | pos (8)  |
// ------------------------------------------------------------------
// | ExtHeader (48)                                                 |
// ------------------------------------------------------------------

const legacyControlSize = core.KeySize + 4*8

// LegacyStampSize is how many payload bytes CheckLegacyStamp looks at.
const LegacyStampSize = legacyControlSize + ExtHeaderSize

// CheckLegacyStamp reports whether 'b' looks like a stray control header
// followed by a stray extension header. 'b' shorter than LegacyStampSize
// never matches.
func CheckLegacyStamp(b []byte) bool {
	if len(b) < LegacyStampSize {
		return false
	}

	dc := b[core.KeySize:legacyControlSize]
	flags := binary.LittleEndian.Uint64(dc[0:8])
	dataSize := binary.LittleEndian.Uint64(dc[8:16])
	diskSize := binary.LittleEndian.Uint64(dc[16:24])
	position := binary.LittleEndian.Uint64(dc[24:32])
	if flags == 0 || flags >= uint64(core.LegacyRecordFlagsLimit) ||
		dataSize == 0 || diskSize < dataSize || position != 0 {
		return false
	}

	eh := b[legacyControlSize:LegacyStampSize]
	ext, _ := DecodeExtHeader(eh)
	return ext.Version == ExtVersion1 &&
		ext.Timestamp.Sec <= core.LegacyStampCutover &&
		extHeaderPadsZero(eh)
}

// DetectLegacyStamp checks the payload in 'w' of 'r' for a legacy stamp. Only
// payloads older than the cutover and large enough to hold the stamp are
// looked at. A match returns an error with core.ErrCorruptData.
func DetectLegacyStamp(r io.ReaderAt, w Window, ts core.Timestamp) error {
	if w.Size < LegacyStampSize || ts.Sec > core.LegacyStampCutover {
		return nil
	}
	buf := make([]byte, LegacyStampSize)
	if _, err := r.ReadAt(buf, int64(w.Offset)); err != nil {
		return errorf(core.ErrIO, "failed to read stamp: %s", err)
	}
	if CheckLegacyStamp(buf) {
		return errorf(core.ErrCorruptData, "corrupted stamp: payload starts with a legacy header")
	}
	return nil
}
