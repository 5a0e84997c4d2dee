// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Replies of the record server RPCs. Responses that a storage node streams
// one by one are collected and returned in a single reply.

// WriteReply is the reply of a write.
type WriteReply struct {
	Err Error
	// Info is empty if the write asked for IOFlagWriteNoFileInfo.
	Info LookupResponse
}

// LookupReply is the reply of a lookup.
type LookupReply struct {
	Err  Error
	Info LookupResponse
}

// BulkReadReply holds one response per requested key, in request order.
type BulkReadReply struct {
	Err       Error
	Responses []ReadResponse
}

// StatusReply holds the per-key statuses of a bulk remove.
type StatusReply struct {
	Err      Error
	Statuses []StatusResponse
}

// IteratorReply holds the responses of an iterator or a server send.
type IteratorReply struct {
	Err       Error
	Responses []IteratorResponse
}

// StatRequest asks a record server about itself.
type StatRequest struct {
	// Group is the group the caller expects the server to be in, zero
	// matches any.
	Group GroupID
}

// StatReply describes a record server.
type StatReply struct {
	Err   Error
	Group GroupID

	Records     uint64
	Uncommitted uint64
	Corrupted   uint64
	LiveBytes   uint64
	FileBytes   uint64
}
