// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

/*
Package record knows how a record is laid out inside the bytes the store
keeps for it:

  [ExtHeader][MetaHeader][metadata capacity][payload]

The ExtHeader is only there if the store flags include core.RecordExtHdr,
and the MetaHeader and metadata segment only if ExtHeader.Size is nonzero.
Everything here is layout arithmetic and header (de)serialization, I/O is
done by the callers on the windows we compute.
*/
package record

import (
	"fmt"
	"io"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// Error is a layout or decoding error. It carries the status it should be
// reported with.
type Error struct {
	code core.Error
	msg  string
}

func errorf(code core.Error, format string, args ...interface{}) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *Error) Error() string {
	return e.msg
}

// Code implements core.Coded.
func (e *Error) Code() core.Error {
	return e.code
}

// Headers are the decoded headers of a record.
type Headers struct {
	Ext  ExtHeader
	Meta MetaHeader
}

// Size is how many bytes the headers take, not counting the metadata
// segment.
func (h Headers) Size() uint64 {
	return ExtHeaderSize + uint64(h.Ext.Size)
}

// HasMeta reports whether the record has a metadata header.
func (h Headers) HasMeta() bool {
	return h.Ext.Size != 0
}

// DecodeHeaders reads the headers of the record whose bytes start at 'base'
// in 'r', 'total' bytes long. If 'flags' don't include core.RecordExtHdr the
// zero Headers are returned.
func DecodeHeaders(r io.ReaderAt, base, total uint64, flags core.RecordFlags) (Headers, error) {
	var h Headers
	if flags&core.RecordExtHdr == 0 {
		return h, nil
	}
	if total < ExtHeaderSize {
		return h, errorf(core.ErrRange, "invalid record: total_data_size(%d) < ehdr(%d)", total, ExtHeaderSize)
	}

	buf := make([]byte, ExtHeaderSize)
	if _, err := r.ReadAt(buf, int64(base)); err != nil {
		return h, errorf(core.ErrIO, "failed to read ext header: %s", err)
	}
	ext, err := DecodeExtHeader(buf)
	if err != nil {
		return h, err
	}
	h.Ext = ext

	if min := ExtHeaderSize + uint64(ext.Size); total < min {
		return h, errorf(core.ErrRange, "invalid record: total_data_size(%d) < ehdr(%d) + json header(%d) = %d",
			total, ExtHeaderSize, ext.Size, min)
	}
	if ext.Size == 0 {
		return h, nil
	}

	buf = make([]byte, ext.Size)
	if _, err := r.ReadAt(buf, int64(base+ExtHeaderSize)); err != nil {
		return h, errorf(core.ErrIO, "failed to read json header: %s", err)
	}
	if h.Meta, err = DecodeMetaHeader(buf); err != nil {
		return h, err
	}
	if h.Meta.Size > h.Meta.Capacity {
		return h, errorf(core.ErrRange, "invalid json header: size(%d) > capacity(%d)", h.Meta.Size, h.Meta.Capacity)
	}

	// total >= h.Size() here, so the subtraction can't wrap where a sum with
	// a capacity read from disk could.
	if h.Meta.Capacity > total-h.Size() {
		return h, errorf(core.ErrRange, "invalid record: total_data_size(%d) < ehdr(%d) + json header(%d) + json capacity(%d)",
			total, ExtHeaderSize, ext.Size, h.Meta.Capacity)
	}
	return h, nil
}

// Window is a byte range.
type Window struct {
	Offset uint64
	Size   uint64
}

// End is the first byte after the window.
func (w Window) End() uint64 {
	return w.Offset + w.Size
}

// PayloadWindow returns where the payload is, relative to the end of the
// headers, given the size of everything after the headers. The window is
// empty if 'size' doesn't cover the metadata capacity.
func PayloadWindow(size uint64, meta MetaHeader) Window {
	w := Window{Offset: meta.Capacity}
	if size > meta.Capacity {
		w.Size = size - meta.Capacity
	}
	return w
}

// Slice applies a request's offset and size to 'w'. A zero 'size' means up to
// the end of the window. An offset past the end fails with core.ErrTooBig.
func Slice(w Window, offset, size uint64) (Window, error) {
	if offset != 0 && offset >= w.Size {
		return Window{}, errorf(core.ErrTooBig, "offset too large: %d >= %d", offset, w.Size)
	}
	left := w.Size - offset
	if size == 0 || size > left {
		size = left
	}
	return Window{Offset: w.Offset + offset, Size: size}, nil
}
