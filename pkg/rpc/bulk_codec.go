// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This file is heavily based on gob{Client,Server}Codec in Go's net/rpc package.
//
// bulkGobCodec is an attempt to reduce the amount of data copying when using Go RPC for
// sending large messages. It implements a slight variation on the gob codecs. Messages
// are encoded as follows:
// 1. gob-encoded request (or response) header
// 2. gob-encoded body
// 3. number of bulk segments (32 bit little-endian)
// 4. length of each segment (32 bit little-endian each)
// 5. crc32 of 1 to 4 (little-endian)
// 6. for each non-empty segment: the segment, then its crc32 (little-endian)
//
// To indicate that a message has bulk data, it should implement the BulkData interface
// below. Note that Get() should clear the []byte members so that gob doesn't also try to
// encode them. A given type must either always or never implement BulkData, and must
// always expose the same fields in the same order; anything else changes its encoding
// on the wire.
//
// When using this codec, note that request bodies must be passed as pointers to Send,
// otherwise they can't implement the interface.

package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/rpc"
)

// BulkData is an interface that lets a struct expose some of its fields as
// bulk data segments. A record write for instance carries its metadata and
// its payload as two segments. The data may be exclusively owned by the
// caller or not; the bool value is true if it is.
type BulkData interface {
	Get() ([][]byte, bool) // extract and return bulk segments and exclusive flag
	Set([][]byte, bool)    // put bulk segments back and exclusive flag in the struct
}

// maxSegments bounds the segment count read off the wire.
const maxSegments = 16

var (
	errChecksumMismatch = errors.New("checksum mismatch in rpc")
	errTooManySegments  = errors.New("too many bulk segments in rpc")
	crcTable            = crc32.MakeTable(crc32.Castagnoli)
)

// bulkGobCodec implements both rpc.ClientCodec and rpc.ServerCodec.
type bulkGobCodec struct {
	rwc io.ReadWriteCloser

	// Readers/Writers are wrapped like: gob(crc(bufio(rwc))), so that we can
	// control what gets crc'd.
	decBuf *bufio.Reader
	dec    *gob.Decoder
	encBuf *bufio.Writer
	enc    *gob.Encoder

	wCrc, rCrc uint32
	closed     bool
}

func newBulkGobCodec(conn io.ReadWriteCloser) *bulkGobCodec {
	c := &bulkGobCodec{rwc: conn}
	c.decBuf = bufio.NewReader(conn)
	c.dec = gob.NewDecoder(c)
	c.encBuf = bufio.NewWriter(conn)
	c.enc = gob.NewEncoder(c)
	return c
}

// The codec itself acts as a checksumming writer and reader:
func (c *bulkGobCodec) Write(p []byte) (n int, err error) {
	n, err = c.encBuf.Write(p)
	c.wCrc = crc32.Update(c.wCrc, crcTable, p[:n])
	return
}

func (c *bulkGobCodec) Read(p []byte) (n int, err error) {
	n, err = c.decBuf.Read(p)
	c.rCrc = crc32.Update(c.rCrc, crcTable, p[:n])
	return
}

// Trick gob into thinking that this is a buffered reader (because it is).
func (c *bulkGobCodec) ReadByte() (byte, error) {
	panic("not implemented")
}

func (c *bulkGobCodec) WriteRequest(r *rpc.Request, body interface{}) (err error) {
	if err = c.writeBulk(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *bulkGobCodec) ReadResponseHeader(r *rpc.Response) error {
	// 1. gob-encoded response header
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *bulkGobCodec) ReadResponseBody(body interface{}) (err error) {
	return c.readBulkBody(body)
}

func (c *bulkGobCodec) ReadRequestHeader(r *rpc.Request) error {
	// 1. gob-encoded request header
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *bulkGobCodec) ReadRequestBody(body interface{}) (err error) {
	return c.readBulkBody(body)
}

func (c *bulkGobCodec) WriteResponse(r *rpc.Response, body interface{}) (err error) {
	if err = c.writeBulk(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *bulkGobCodec) Close() error {
	if c.closed {
		// Only call c.rwc.Close once; otherwise the semantics are undefined.
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

func (c *bulkGobCodec) writeBulk(reqOrResp, body interface{}) (err error) {
	var segs [][]byte
	var exclusive bool
	bb, isBulk := body.(BulkData)
	if isBulk {
		segs, exclusive = bb.Get()
		// Put the segments back once they are on the wire, the caller may
		// still want them (a client retrying the call, for one).
		defer bb.Set(segs, exclusive)
	}

	// 1. gob-encoded request (or response) header
	c.wCrc = 0
	if err = c.enc.Encode(reqOrResp); err != nil {
		return
	}
	// 2. gob-encoded body
	if err = c.enc.Encode(body); err != nil {
		return
	}
	// 3. number of bulk segments
	if err = binary.Write(c, binary.LittleEndian, uint32(len(segs))); err != nil {
		return
	}
	// 4. length of each segment
	for _, s := range segs {
		if err = binary.Write(c, binary.LittleEndian, uint32(len(s))); err != nil {
			return
		}
	}
	// 5. crc32 of 1 to 4
	if err = binary.Write(c, binary.LittleEndian, c.wCrc); err != nil {
		return
	}
	for _, s := range segs {
		if len(s) == 0 {
			continue
		}
		// 6. segment and its crc32
		// Note that bufio.Writer will pass this write directly though to c.rwc
		// once it flushes its buffer and has more than one buffer's worth of
		// data to write, so most of the data won't be copied more than once.
		c.wCrc = 0
		if _, err = c.Write(s); err != nil {
			return
		}
		if err = binary.Write(c, binary.LittleEndian, c.wCrc); err != nil {
			return
		}
	}
	return c.encBuf.Flush()
}

func (c *bulkGobCodec) readBulkBody(body interface{}) (err error) {
	var segs [][]byte
	var exclusive bool
	bb, isBulk := body.(BulkData)
	if isBulk {
		// Get preallocated slices from the body, if it has any.
		segs, exclusive = bb.Get()
	}

	// 2. gob-encoded body
	if err = c.dec.Decode(body); err != nil {
		return
	}
	// 3. number of bulk segments
	var nsegs uint32
	if err = binary.Read(c, binary.LittleEndian, &nsegs); err != nil {
		return
	}
	if nsegs > maxSegments {
		return errTooManySegments
	}
	// 4. length of each segment
	lens := make([]uint32, nsegs)
	for i := range lens {
		if err = binary.Read(c, binary.LittleEndian, &lens[i]); err != nil {
			return
		}
	}
	// 5. crc32 of 1 to 4
	haveCrc := c.rCrc
	var wantCrc uint32
	if err = binary.Read(c, binary.LittleEndian, &wantCrc); err != nil {
		return
	}
	if wantCrc != haveCrc {
		return errChecksumMismatch
	}
	if nsegs == 0 {
		return
	}
	if !isBulk {
		return fmt.Errorf("type %T doesn't implement BulkData", body)
	}

	out := make([][]byte, nsegs)
	for i, n := range lens {
		if n == 0 {
			continue
		}
		if i < len(segs) && cap(segs[i]) >= int(n) {
			out[i] = segs[i][:n]
		} else {
			out[i] = GetBuffer(int(n))
			exclusive = true
		}
		// 6. segment and its crc32
		// ReadFull + bufio.Reader will do a direct read from the Reader once the buffer
		// (default 4KB) is exhausted and there's more than one buffer's worth of data to
		// read, so most of the data won't be copied more than once here.
		c.rCrc = 0
		if _, err = io.ReadFull(c, out[i]); err != nil {
			return
		}
		haveCrc = c.rCrc
		if err = binary.Read(c, binary.LittleEndian, &wantCrc); err != nil {
			return
		}
		// Allow zero to mean "don't check this crc", so caller can choose not
		// to compute a crc here.
		if wantCrc != 0 && wantCrc != haveCrc {
			return errChecksumMismatch
		}
	}
	bb.Set(out, exclusive)
	return
}
