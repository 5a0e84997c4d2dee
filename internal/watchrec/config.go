// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package watchrec

import (
	"time"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// Config specifies various parameters.
type Config struct {
	// Addresses of the record servers, by group.
	Groups map[core.GroupID]string

	// Records are written to Source and then sent from there to the
	// rest of Groups.
	Source core.GroupID

	// The persistent file for the sqlite table.
	TableFile string

	// The byte size of each record.
	WriteSize int64

	// Records larger than this are sent to replicas in chunks.
	ChunkSize uint64

	// How often to perform writes.
	WriteInterval time.Duration

	// How often to perform reads.
	ReadInterval time.Duration

	// How often to check record lifetime.
	CleanInterval time.Duration

	// For how long a record lives before getting removed.
	Lifetime time.Duration
}

// DefaultConfig includes default configuration parameters.
var DefaultConfig = Config{
	TableFile: "watchrec.db",
	WriteSize: 1 * 1024 * 1024,
	ChunkSize: 256 * 1024,

	// One record a minute adds up to 84 GB per group over 60 days.
	WriteInterval: time.Minute,

	ReadInterval: 20 * time.Second,

	CleanInterval: 5 * time.Minute,

	Lifetime: 1440 * time.Hour,
}
