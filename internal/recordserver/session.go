// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package recordserver

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/recstore/client/recstore"
	"github.com/westerndigitalcorporation/recstore/internal/backend"
	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// groupWriter writes a record to the server of one group. It is implemented
// by *recstore.Client.
type groupWriter interface {
	Write(ctx context.Context, g core.GroupID, req *core.WriteRequest) (*core.LookupResponse, core.Error)
}

// rpcSession writes to other groups with RecSrvHandler.Write.
type rpcSession struct {
	cli groupWriter
}

// newRPCSession returns a session that reaches the servers in 'peers'. The
// senders retry chunks themselves, so the client doesn't.
func newRPCSession(cfg *Config) (*rpcSession, *recstore.Client) {
	cli := recstore.NewClient(recstore.Options{
		Groups:       cfg.Peers,
		DialTimeout:  cfg.DialTimeout,
		MaxConns:     cfg.MaxConns,
		DisableRetry: true,
		Instance:     "peers",
	})
	return &rpcSession{cli: cli}, cli
}

// Write implements backend.Session. The groups are written in parallel.
func (s *rpcSession) Write(ctx context.Context, groups []core.GroupID, timeout time.Duration, req *core.WriteRequest) []backend.GroupResult {
	results := make([]backend.GroupResult, len(groups))

	var eg errgroup.Group
	for i, g := range groups {
		i, g := i, g
		results[i].Group = g
		eg.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			_, results[i].Status = s.cli.Write(ctx, g, req)
			return nil
		})
	}
	eg.Wait()
	return results
}
