// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT
//
// Records are checksummed in fixed size blocks so that a range can be verified
// without reading the whole record.

package blobstore

import (
	"hash/crc32"
	"io"
)

// DefaultBlockSize is the amount of record data one checksum covers.
const DefaultBlockSize = 64 * 1024

var (
	// This is opaque, pre-calculated data used by the hash/crc32 package to speed up CRC calculations.
	crc32Table = crc32.MakeTable(crc32.Castagnoli)
)

// blockRange returns the first and one past the last block touched by
// [off, off+size).
func blockRange(off, size, blockSize uint64) (first, last uint64) {
	if size == 0 {
		return 0, 0
	}
	return off / blockSize, (off+size-1)/blockSize + 1
}

// checksumBlocks computes checksums of blocks [first, last) of the 'size'
// bytes at 'base' in 'r'.
func checksumBlocks(r io.ReaderAt, base, size, blockSize, first, last uint64) ([]uint32, error) {
	out := make([]uint32, 0, last-first)
	buf := make([]byte, blockSize)
	for i := first; i < last; i++ {
		off := i * blockSize
		n := blockSize
		if off+n > size {
			n = size - off
		}
		if _, err := r.ReadAt(buf[:n], int64(base+off)); err != nil {
			return nil, err
		}
		out = append(out, crc32.Checksum(buf[:n], crc32Table))
	}
	return out, nil
}

// badBlock verifies blocks [first, last) against 'sums' and returns the index
// of the first bad block, or -1.
func badBlock(r io.ReaderAt, base, size, blockSize, first, last uint64, sums []uint32) (int64, error) {
	if last > uint64(len(sums)) {
		return int64(len(sums)), nil
	}
	got, err := checksumBlocks(r, base, size, blockSize, first, last)
	if err != nil {
		return -1, err
	}
	for i, c := range got {
		if c != sums[first+uint64(i)] {
			return int64(first) + int64(i), nil
		}
	}
	return -1, nil
}
