// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package recordserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/westerndigitalcorporation/recstore/internal/backend"
	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// Config encapsulates parameters for the record server.
type Config struct {
	Addr               string       // Address for service.
	Dir                string       // Directory of the record store.
	Group              core.GroupID // The replica group this server belongs to.
	RejectReqThreshold int          // Pending incoming requests on 'Addr' are rejected after this threshold.
	UseFailure         bool         // Whether to enable the failure service.

	// Peers maps the groups records can be sent to onto the address of the
	// record server that stores them.
	Peers map[core.GroupID]string

	// --- Store ---
	BlockSize uint64 // Bytes covered by one checksum.
	NoSync    bool   // Skip fsync of the index, for tests.

	// --- Sending ---
	// Defaults for send requests that leave chunk settings out.
	backend.Config
	// How long to wait for connecting to a peer.
	DialTimeout time.Duration
	// How many peer connections are cached.
	MaxConns int

	// --- Iteration ---
	// How long an iterator or a server send may run.
	IterateTimeout time.Duration
	// How many bytes of payload one collected reply may carry. A request
	// whose reply would grow past it fails.
	MaxReplyBytes uint64

	// --- Scrubbing ---
	ScrubRate     uint64        // How many bytes per second for data scrubbing, zero disables it.
	ScrubInterval time.Duration // How long to wait between two scrubs of the store.
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("address of the record server can not be empty")
	}
	if c.Dir == "" {
		return fmt.Errorf("store directory can not be empty")
	}
	if c.RejectReqThreshold <= 0 {
		return fmt.Errorf("RejectReqThreshold must be positive")
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("ChunkSize can not be 0")
	}
	if c.MaxReplyBytes == 0 {
		return fmt.Errorf("MaxReplyBytes can not be 0")
	}
	for g, addr := range c.Peers {
		if addr == "" {
			return fmt.Errorf("group %s has no address", g)
		}
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	Addr:               "localhost:4500",
	Dir:                "/var/lib/recstore",
	Group:              1,
	RejectReqThreshold: 1000,

	// Do not enable failure service in production.
	UseFailure: false,

	BlockSize: 64 << 10,

	Config:      backend.DefaultConfig,
	DialTimeout: 5 * time.Second,
	MaxConns:    100,

	IterateTimeout: 24 * time.Hour,
	MaxReplyBytes:  256 << 20,

	// 20 MB/s reads a full 4 TB store in a bit more than two days.
	ScrubRate:     20 * 1000 * 1000,
	ScrubInterval: 24 * time.Hour,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	Addr:               "localhost:4500",
	Group:              1,
	RejectReqThreshold: 100,

	UseFailure: true,

	BlockSize: 4 << 10,
	NoSync:    true,

	Config:      backend.DefaultConfig,
	DialTimeout: time.Second,
	MaxConns:    10,

	IterateTimeout: time.Minute,
	MaxReplyBytes:  64 << 20,

	// Scrubbing is started by hand in tests.
	ScrubRate:     0,
	ScrubInterval: time.Hour,
}

// ParsePeers parses a list of groups and the addresses of their servers, in
// the form "1=host:port,2=host:port".
func ParsePeers(spec string) (map[core.GroupID]string, error) {
	peers := make(map[core.GroupID]string)
	for _, p := range strings.Split(spec, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || kv[1] == "" {
			return nil, fmt.Errorf("bad peer %q, expected group=addr", p)
		}
		g, err := strconv.ParseUint(kv[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad group in peer %q: %s", p, err)
		}
		peers[core.GroupID(g)] = kv[1]
	}
	return peers, nil
}
