// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package recstore is the client of the record servers. A Client knows the
// address of the server of every group and talks to them over Go RPC.
package recstore

import (
	"context"
	"reflect"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/pkg/retry"
	"github.com/westerndigitalcorporation/recstore/pkg/rpc"
)

var (
	clientOpLatenciesSet = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "recstore_client",
		Name:      "latencies",
	}, []string{"op", "instance"})
	clientOpBytesSet = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "recstore_client",
		Name:      "bytes",
	}, []string{"op", "instance"})
)

// RPC method names of the record server.
const (
	ReadMethod       = "RecSrvHandler.Read"
	BulkReadMethod   = "RecSrvHandler.BulkRead"
	WriteMethod      = "RecSrvHandler.Write"
	LookupMethod     = "RecSrvHandler.Lookup"
	RemoveMethod     = "RecSrvHandler.Remove"
	BulkRemoveMethod = "RecSrvHandler.BulkRemove"
	IterateMethod    = "RecSrvHandler.Iterate"
	ServerSendMethod = "RecSrvHandler.ServerSend"
	StatMethod       = "RecSrvHandler.Stat"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultMaxConns    = 100
)

// Options contains configurations of a client.
type Options struct {
	// Groups maps every group to the address of its record server.
	Groups map[core.GroupID]string

	// DialTimeout bounds connecting to a server, 5s if zero.
	DialTimeout time.Duration
	// RPCTimeout bounds every call. Zero leaves it to the caller's context.
	RPCTimeout time.Duration
	// MaxConns is how many servers to keep connections open to.
	MaxConns int

	// DisableRetry makes every operation a single attempt.
	DisableRetry bool
	// RetryTimeout bounds the retries of one operation, 30s if zero.
	RetryTimeout time.Duration

	// Instance labels the metrics of this client.
	Instance string
}

// Client talks to the record servers of a set of groups. It is safe for
// concurrent use.
type Client struct {
	groups  map[core.GroupID]string
	cc      *rpc.ConnectionCache
	retrier retry.Retrier

	metricRead   prometheus.Observer
	metricWrite  prometheus.Observer
	metricLookup prometheus.Observer
	metricRemove prometheus.Observer
	metricIter   prometheus.Observer
	metricSend   prometheus.Observer

	metricReadBytes  prometheus.Counter
	metricWriteBytes prometheus.Counter
}

// NewClient returns a new Client for the groups in 'options'.
func NewClient(options Options) *Client {
	var retrier retry.Retrier
	if options.DisableRetry {
		retrier = retry.Retrier{MaxNumRetries: 1}
	} else {
		if options.RetryTimeout == 0 {
			options.RetryTimeout = 30 * time.Second
		}
		retrier = retry.Retrier{
			MinSleep: 100 * time.Millisecond,
			MaxSleep: options.RetryTimeout,
			MaxRetry: options.RetryTimeout,
		}
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = defaultDialTimeout
	}
	if options.MaxConns == 0 {
		options.MaxConns = defaultMaxConns
	}
	if options.Instance == "" {
		options.Instance = "default"
	}

	groups := make(map[core.GroupID]string, len(options.Groups))
	for g, addr := range options.Groups {
		groups[g] = addr
	}

	return &Client{
		groups:           groups,
		cc:               rpc.NewConnectionCache(options.DialTimeout, options.RPCTimeout, options.MaxConns),
		retrier:          retrier,
		metricRead:       clientOpLatenciesSet.WithLabelValues("read", options.Instance),
		metricWrite:      clientOpLatenciesSet.WithLabelValues("write", options.Instance),
		metricLookup:     clientOpLatenciesSet.WithLabelValues("lookup", options.Instance),
		metricRemove:     clientOpLatenciesSet.WithLabelValues("remove", options.Instance),
		metricIter:       clientOpLatenciesSet.WithLabelValues("iterate", options.Instance),
		metricSend:       clientOpLatenciesSet.WithLabelValues("server_send", options.Instance),
		metricReadBytes:  clientOpBytesSet.WithLabelValues("read", options.Instance),
		metricWriteBytes: clientOpBytesSet.WithLabelValues("write", options.Instance),
	}
}

// Groups returns the groups this client knows about.
func (c *Client) Groups() []core.GroupID {
	groups := make([]core.GroupID, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	return groups
}

// Close closes all connections.
func (c *Client) Close() {
	c.cc.CloseAll()
}

// call sends one RPC to the server of group 'g', retrying while both the
// transport and the returned status say it's worth it. 'status' extracts the
// status of the operation from the reply.
func (c *Client) call(ctx context.Context, g core.GroupID, method string, req, reply interface{}, status func() core.Error) core.Error {
	addr, ok := c.groups[g]
	if !ok {
		log.Errorf("%s: no address for group %s", method, g)
		return core.ErrNoRoute
	}

	var err core.Error
	c.retrier.Do(ctx, func(seq int) bool {
		if seq > 0 {
			log.Infof("%s to group %s at %s, attempt #%d", method, g, addr, seq)
			// gob leaves fields that are zero on the wire alone.
			r := reflect.ValueOf(reply).Elem()
			r.Set(reflect.Zero(r.Type()))
		}
		if rerr := c.cc.Send(ctx, addr, method, req, reply); rerr != nil {
			log.Errorf("%s RPC error on group %s at %s: %s", method, g, addr, rerr)
			err = SendError(rerr)
		} else {
			err = status()
		}
		return !core.IsRetriableError(err)
	})
	return err
}

// SendError maps the errors of an RPC that didn't return a reply. Statuses
// of the remote operation come back in the reply instead.
func SendError(err error) core.Error {
	switch {
	case err == nil:
		return core.NoError
	case err == context.DeadlineExceeded:
		return core.ErrTimedOut
	case err == context.Canceled:
		return core.ErrCanceled
	case err == rpc.ErrorRPCConnect:
		return core.ErrNetworkConn
	}
	return core.ErrRPC
}

// Read reads (a part of) a record from group 'g'. The payload buffers of the
// response may be handed back with rpc.PutBuffers once the caller is done
// with them.
func (c *Client) Read(ctx context.Context, g core.GroupID, req core.ReadRequest) (*core.ReadResponse, core.Error) {
	st := time.Now()
	defer func() { c.metricRead.Observe(float64(time.Since(st)) / 1e9) }()

	var reply core.ReadResponse
	err := c.call(ctx, g, ReadMethod, req, &reply, func() core.Error { return reply.Status })
	if err != core.NoError {
		return nil, err
	}
	c.metricReadBytes.Add(float64(len(reply.JSON) + len(reply.Data)))
	return &reply, core.NoError
}

// BulkRead reads whole records from group 'g'. There is one response per
// key, failed keys carry their status and no data.
func (c *Client) BulkRead(ctx context.Context, g core.GroupID, req core.BulkReadRequest) ([]core.ReadResponse, core.Error) {
	st := time.Now()
	defer func() { c.metricRead.Observe(float64(time.Since(st)) / 1e9) }()

	var reply core.BulkReadReply
	err := c.call(ctx, g, BulkReadMethod, req, &reply, func() core.Error { return reply.Err })
	return reply.Responses, err
}

// Write writes to a record on group 'g' and returns its new location.
func (c *Client) Write(ctx context.Context, g core.GroupID, req *core.WriteRequest) (*core.LookupResponse, core.Error) {
	st := time.Now()
	defer func() { c.metricWrite.Observe(float64(time.Since(st)) / 1e9) }()

	// The codec takes the segments out of the request while sending it, so
	// concurrent writes of the same request need their own copy.
	r := *req
	var reply core.WriteReply
	err := c.call(ctx, g, WriteMethod, &r, &reply, func() core.Error { return reply.Err })
	if err != core.NoError {
		return nil, err
	}
	c.metricWriteBytes.Add(float64(len(req.JSON) + len(req.Data)))
	return &reply.Info, core.NoError
}

// WriteGroups writes 'req' to every group in 'groups' in parallel. The
// statuses are in the order of 'groups'.
func (c *Client) WriteGroups(ctx context.Context, groups []core.GroupID, req *core.WriteRequest) []core.Error {
	errs := make([]core.Error, len(groups))
	var eg errgroup.Group
	for i, g := range groups {
		i, g := i, g
		eg.Go(func() error {
			_, errs[i] = c.Write(ctx, g, req)
			return nil
		})
	}
	eg.Wait()
	return errs
}

// Lookup returns where a record lives on group 'g'.
func (c *Client) Lookup(ctx context.Context, g core.GroupID, req core.LookupRequest) (*core.LookupResponse, core.Error) {
	st := time.Now()
	defer func() { c.metricLookup.Observe(float64(time.Since(st)) / 1e9) }()

	var reply core.LookupReply
	if err := c.call(ctx, g, LookupMethod, req, &reply, func() core.Error { return reply.Err }); err != core.NoError {
		return nil, err
	}
	return &reply.Info, core.NoError
}

// Remove removes a record from group 'g'.
func (c *Client) Remove(ctx context.Context, g core.GroupID, req core.RemoveRequest) core.Error {
	st := time.Now()
	defer func() { c.metricRemove.Observe(float64(time.Since(st)) / 1e9) }()

	var reply core.Error
	return c.call(ctx, g, RemoveMethod, req, &reply, func() core.Error { return reply })
}

// BulkRemove removes records from group 'g' and returns the per-key
// statuses.
func (c *Client) BulkRemove(ctx context.Context, g core.GroupID, req core.BulkRemoveRequest) ([]core.StatusResponse, core.Error) {
	st := time.Now()
	defer func() { c.metricRemove.Observe(float64(time.Since(st)) / 1e9) }()

	var reply core.StatusReply
	err := c.call(ctx, g, BulkRemoveMethod, req, &reply, func() core.Error { return reply.Err })
	return reply.Statuses, err
}

// Iterate runs an iterator on group 'g' and returns everything it replied.
// Iterators are not retried, they may have sent records already.
func (c *Client) Iterate(ctx context.Context, g core.GroupID, req core.IteratorRequest) ([]core.IteratorResponse, core.Error) {
	st := time.Now()
	defer func() { c.metricIter.Observe(float64(time.Since(st)) / 1e9) }()

	addr, ok := c.groups[g]
	if !ok {
		return nil, core.ErrNoRoute
	}
	var reply core.IteratorReply
	if err := c.cc.Send(ctx, addr, IterateMethod, req, &reply); err != nil {
		log.Errorf("iterate RPC error on group %s at %s: %s", g, addr, err)
		return nil, SendError(err)
	}
	return reply.Responses, reply.Err
}

// ServerSend asks the server of group 'g' to copy records to the groups in
// req.Send.Groups.
func (c *Client) ServerSend(ctx context.Context, g core.GroupID, req core.ServerSendRequest) ([]core.IteratorResponse, core.Error) {
	st := time.Now()
	defer func() { c.metricSend.Observe(float64(time.Since(st)) / 1e9) }()

	var reply core.IteratorReply
	err := c.call(ctx, g, ServerSendMethod, req, &reply, func() core.Error { return reply.Err })
	return reply.Responses, err
}

// Stat returns the counters of the store of group 'g'.
func (c *Client) Stat(ctx context.Context, g core.GroupID) (*core.StatReply, core.Error) {
	var reply core.StatReply
	if err := c.call(ctx, g, StatMethod, core.StatRequest{Group: g}, &reply, func() core.Error { return reply.Err }); err != core.NoError {
		return nil, err
	}
	return &reply, core.NoError
}
