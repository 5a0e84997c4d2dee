// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"io"
)

// Error is our own defined error type for sending errors over an RPC layer.
//
// Every Error maps onto a POSIX errno (see Errno) so that status codes
// reported to peers match what a native storage node would return.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Record level errors ------//

	// ErrNotFound is returned when a record is missing or is not yet
	// committed. Maps to ENOENT.
	ErrNotFound

	// ErrPermission is returned when a write would overwrite a committed
	// record without preparing it first. Maps to EPERM.
	ErrPermission

	// ErrBadTimestamp is returned when a compare-and-swap on timestamps
	// fails, i.e. the stored record is newer than the request. Maps to EBADFD.
	ErrBadTimestamp

	// ErrTooBig is returned when a requested offset or size does not fit
	// into the record. Maps to E2BIG.
	ErrTooBig

	// ErrRange is returned when the on-disk layout or a requested range is
	// malformed. Maps to ERANGE.
	ErrRange

	// ErrCorruptData is returned if a checksum is invalid when read, if the
	// record is marked as corrupted, or if a legacy stamp was detected.
	// Maps to EILSEQ.
	ErrCorruptData

	//------ Errors from the store level ------//

	// ErrIO is returned if there is an OS-level IO error. Maps to EIO.
	ErrIO

	// ErrNoSpace is returned when the store can't allocate room for a record.
	// Maps to ENOSPC.
	ErrNoSpace

	// ErrStoreClosed is returned for all store calls after Close has been
	// called. Maps to EBADF.
	ErrStoreClosed

	//------ Request level errors ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg
	// size mismatch, inconsistent bulk request). Maps to EINVAL.
	ErrInvalidArgument

	// ErrNotSupported is returned for operations we deliberately don't do.
	// Maps to ENOTSUP.
	ErrNotSupported

	// ErrTimedOut is returned when a remote group did not answer in time.
	// Maps to ETIMEDOUT.
	ErrTimedOut

	// ErrInterrupted is returned when the peer went away while we were still
	// working for it. Maps to EINTR.
	ErrInterrupted

	//------ Transport errors ------//

	// ErrNetworkConn is returned if we fail to connection to a host.
	// Maps to ENOTCONN.
	ErrNetworkConn

	// ErrRPC is returned when the RPC layer errors during sending/receiving.
	// Maps to ECOMM.
	ErrRPC

	// ErrTooBusy means the server is too busy to do whatever it was asked to
	// do. Maps to EAGAIN.
	ErrTooBusy

	// ErrNoRoute is returned if there is no known address for a group.
	// Maps to ENXIO.
	ErrNoRoute

	// ErrReadOnlyMode is returned for writes and removes while the server is
	// in read-only mode. Maps to EROFS.
	ErrReadOnlyMode

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown

	// ErrCanceled is returned when a request is canceled. Maps to ECANCELED.
	ErrCanceled
)

var description = map[Error]string{
	NoError: "no error",

	// Record level errors.
	ErrNotFound:     "record not found or not committed",
	ErrPermission:   "record is committed and not prepared for rewrite",
	ErrBadTimestamp: "stored record is newer than request",
	ErrTooBig:       "request offset or size is too large",
	ErrRange:        "invalid record layout or range",
	ErrCorruptData:  "record checksum is invalid, data is corrupt",

	// Errors from the store level.
	ErrIO:          "I/O level error",
	ErrNoSpace:     "ran out of space",
	ErrStoreClosed: "operation on store after it has been closed",

	// Request level errors.
	ErrInvalidArgument: "invalid argument",
	ErrNotSupported:    "operation not supported",
	ErrTimedOut:        "timed out",
	ErrInterrupted:     "interrupted, peer disconnected",

	// Transport errors.
	ErrNetworkConn: "network connection error",
	ErrRPC:         "RPC-level error",
	ErrTooBusy:     "too busy",
	ErrNoRoute:     "no address known for group",

	ErrReadOnlyMode: "server is in read-only mode",

	// Meta-error.
	ErrUnknown:  "unknown error!!!! contact a programming professional to diagnose",
	ErrCanceled: "request canceled",
}

// Linux errno values. We keep our own copy instead of using syscall so the
// numbers are the same on every platform we build for.
const (
	ePERM      = 1
	eNOENT     = 2
	eINTR      = 4
	eIO        = 5
	eNXIO      = 6
	e2BIG      = 7
	eBADF      = 9
	eAGAIN     = 11
	eINVAL     = 22
	eNOSPC     = 28
	eROFS      = 30
	eRANGE     = 34
	eBADFD     = 77
	eILSEQ     = 84
	eCOMM      = 70
	eNOTSUP    = 95
	eNOTCONN   = 107
	eTIMEDOUT  = 110
	eCANCELED  = 125
	eNOTRECOVR = 131
)

var errnos = map[Error]int{
	NoError:            0,
	ErrNotFound:        eNOENT,
	ErrPermission:      ePERM,
	ErrBadTimestamp:    eBADFD,
	ErrTooBig:          e2BIG,
	ErrRange:           eRANGE,
	ErrCorruptData:     eILSEQ,
	ErrIO:              eIO,
	ErrNoSpace:         eNOSPC,
	ErrStoreClosed:     eBADF,
	ErrInvalidArgument: eINVAL,
	ErrNotSupported:    eNOTSUP,
	ErrTimedOut:        eTIMEDOUT,
	ErrInterrupted:     eINTR,
	ErrNetworkConn:     eNOTCONN,
	ErrRPC:             eCOMM,
	ErrTooBusy:         eAGAIN,
	ErrNoRoute:         eNXIO,
	ErrReadOnlyMode:    eROFS,
	ErrCanceled:        eCANCELED,
	ErrUnknown:         eNOTRECOVR,
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Errno returns the positive POSIX error number for 'e'. Peers report
// statuses as the negated value.
func (e Error) Errno() int {
	if n, ok := errnos[e]; ok {
		return n
	}
	return eNOTRECOVR
}

// FromErrno returns the Error whose errno is 'n'. Both positive and negative
// numbers are accepted.
func FromErrno(n int) Error {
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return NoError
	}
	for e, v := range errnos {
		if v == n && e != ErrUnknown {
			return e
		}
	}
	return ErrUnknown
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// Coded is implemented by richer error types that know which status they
// should be reported as.
type Coded interface {
	error
	Code() Error
}

// RecError gets the underlying core.Error from an error.
func RecError(err error) (Error, bool) {
	switch e := err.(type) {
	case goError:
		return Error(e), true
	case Coded:
		return e.Code(), true
	}
	return ErrUnknown, false
}

// FromError translates a Go error into a core.Error, mapping the few
// standard library errors we know about and ErrIO for anything else.
func FromError(err error) Error {
	if err == nil {
		return NoError
	}
	if e, ok := RecError(err); ok {
		return e
	}
	switch err {
	case context.DeadlineExceeded:
		return ErrTimedOut
	case context.Canceled:
		return ErrCanceled
	case io.EOF, io.ErrUnexpectedEOF:
		return ErrRange
	}
	return ErrIO
}

// IsRetriableRecError checks if this is 1) core.Error 2) retriable
func IsRetriableRecError(err error) bool {
	if e, ok := RecError(err); ok {
		return IsRetriableError(e)
	}
	return false
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, // Failed to connect to a host, retry connecting it.
		// Reconnect?
		ErrNetworkConn,
		// The group might answer next time.
		ErrTimedOut,
		// Make sense to backoff a little bit and retry.
		ErrTooBusy:
		return true
	}
	return false
}
