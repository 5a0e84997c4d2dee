// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"time"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// GroupResult is what one group answered to a write.
type GroupResult struct {
	Group  core.GroupID
	Status core.Error
}

// Session writes to other groups. It is implemented by the server's RPC
// session and by fakes in tests.
type Session interface {
	// Write sends 'req' to every group of 'groups' and waits up to 'timeout'
	// for their answers. There is one result per group, a group that didn't
	// answer in time gets core.ErrTimedOut.
	Write(ctx context.Context, groups []core.GroupID, timeout time.Duration, req *core.WriteRequest) []GroupResult
}

// Config holds the defaults used when a send request leaves things out.
type Config struct {
	// BackendID is reported as the iterator id of server send replies.
	BackendID uint64

	ChunkSize          uint64
	ChunkWriteTimeout  uint64
	ChunkCommitTimeout uint64
	ChunkRetryCount    int
}

// DefaultConfig matches the defaults of the native storage nodes.
var DefaultConfig = Config{
	ChunkSize:          core.DefaultChunkSize,
	ChunkWriteTimeout:  core.DefaultChunkWriteTimeout,
	ChunkCommitTimeout: core.DefaultChunkCommitTimeout,
	ChunkRetryCount:    core.DefaultChunkRetryCount,
}

// fill returns 'o' with zero settings replaced by the defaults. A negative
// retry count asks for no retries at all.
func (c Config) fill(o core.SendOptions) core.SendOptions {
	if o.ChunkSize == 0 {
		o.ChunkSize = c.ChunkSize
	}
	if o.ChunkWriteTimeout == 0 {
		o.ChunkWriteTimeout = c.ChunkWriteTimeout
	}
	if o.ChunkCommitTimeout == 0 {
		o.ChunkCommitTimeout = c.ChunkCommitTimeout
	}
	switch {
	case o.ChunkRetryCount < 0:
		o.ChunkRetryCount = 0
	case o.ChunkRetryCount == 0:
		o.ChunkRetryCount = c.ChunkRetryCount
	}
	return o
}
