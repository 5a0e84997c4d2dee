// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Specialized pools for a few sizes: 10MB (the default chunk of a record
// migration), 4MB and 1MB (smaller buffers).

package rpc

import (
	"sync"
)

const (
	buf10MBSize = 10 << 20
	buf4MBSize  = 4 << 20
	buf1MBSize  = 1 << 20
)

var (
	buf10MBPool = sync.Pool{New: func() interface{} { b := make([]byte, buf10MBSize); return &b }}
	buf4MBPool  = sync.Pool{New: func() interface{} { b := make([]byte, buf4MBSize); return &b }}
	buf1MBPool  = sync.Pool{New: func() interface{} { b := make([]byte, buf1MBSize); return &b }}
)

// GetBuffer returns a []byte with length n and capacity >= n.
// The buffer may not be zeroed!
func GetBuffer(n int) []byte {
	if n <= 128*1024 {
		// Don't bother with pools for small buffers.
		return make([]byte, n)
	} else if n <= buf1MBSize {
		return (*buf1MBPool.Get().(*[]byte))[:n]
	} else if n <= buf4MBSize {
		return (*buf4MBPool.Get().(*[]byte))[:n]
	} else if n <= buf10MBSize {
		return (*buf10MBPool.Get().(*[]byte))[:n]
	}
	// Or large ones.
	return make([]byte, n)
}

// PutBuffer returns a buffer to the pool. It's okay to call this on any buffer
// that isn't going to be used again, whether it came from GetBuffer or not.
// 'exclusive' indicates whether the caller is the exclusive owner of the
// buffer. (If exclusive is false, obviously, the buffer cannot be put in a
// pool.)
func PutBuffer(b []byte, exclusive bool) {
	if !exclusive {
		return
	}
	if cap(b) == buf10MBSize {
		b = b[:cap(b)]
		buf10MBPool.Put(&b)
	} else if cap(b) == buf4MBSize {
		b = b[:cap(b)]
		buf4MBPool.Put(&b)
	} else if cap(b) == buf1MBSize {
		b = b[:cap(b)]
		buf1MBPool.Put(&b)
	}
}

// PutBuffers returns all segments of a BulkData to the pool. It has the
// signature of BulkData.Get so it can be used as PutBuffers(req.Get()).
func PutBuffers(segs [][]byte, exclusive bool) {
	for _, b := range segs {
		PutBuffer(b, exclusive)
	}
}
