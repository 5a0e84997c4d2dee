// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"
)

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// LegacyStampCutover is the unix time after which records can't carry the
	// broken header stamp any more. Older records written by the server-send
	// path could have a stray control and extension header in front of their
	// payload.
	LegacyStampCutover = 1497960000

	// MinimalBatchSize is the smallest number of bytes the congestion
	// monitor lets be in flight.
	MinimalBatchSize uint64 = 1 << 20

	// BatchTimeout is how fast a batch has to complete for the in-flight
	// limit to grow.
	BatchTimeout = time.Second

	// DefaultChunkSize is used if a send request doesn't set one.
	DefaultChunkSize uint64 = 10 << 20

	// DefaultChunkWriteTimeout and DefaultChunkCommitTimeout are in
	// milliseconds.
	DefaultChunkWriteTimeout  uint64 = 60000
	DefaultChunkCommitTimeout uint64 = 95000

	// DefaultChunkRetryCount is used if a send request doesn't set one.
	DefaultChunkRetryCount = 0
	// NoChunkRetries as a send request's retry count turns retries off
	// whatever the server's default is.
	NoChunkRetries = -1
)
