// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrorRPCConnect is returned if we can't connect to the RPC server.
var ErrorRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache creates and caches RPC connections to addresses.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns.
	lock sync.Mutex

	// Holds open connections.
	conns *lru.Cache

	// What timeout to use for dialing.
	dialTimeout time.Duration

	// What timeout to use for calling RPCs. Zero leaves it to the context of
	// each call.
	rpcTimeout time.Duration
}

// NewConnectionCache makes a new ConnectionCache. dialTimeout is the timeout
// used for connecting. maxConns is the size of the cache. If we have more than
// that many connections, we may drop idle connections. If maxConns is zero,
// we never drop idle connections.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// get returns an RPC connection to the given address, or nil if the
// connection could not be made. Once the RPC has completed, the caller MUST
// call "done" to mark that the client is no longer in use and can be closed
// if it's idle.
func (cc *ConnectionCache) get(ctx context.Context, addr string) *refCntClient {
	// See if a connection exists already.
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc
	}

	// If not, create it.  Drop the lock for this.
	cc.lock.Unlock()
	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	rpcc, e := dialHTTPContext(nctx, "tcp", addr)
	if e != nil {
		log.Infof("error connecting to %s: %s", addr, e)
		return nil
	}

	cc.lock.Lock()
	// See if somebody else did this in parallel, if so just return the conn from there.
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		rpcc.Close()
		log.V(1).Infof("established duplicate connection to %s, dropping", addr)
		return rc
	}

	log.Infof("established connection to %s", addr)

	// Initialize "count" to 2 because both the LRU cache and the caller of this
	// function have a reference to this client.
	rc := &refCntClient{count: 2, clt: rpcc}
	cc.conns.Add(addr, rc)
	cc.lock.Unlock()

	return rc
}

// done marks that the client is no longer in use. A non-nil 'err' means the
// connection is suspect, it is then removed from the cache and closed once
// nobody uses it.
func (cc *ConnectionCache) done(addr string, oldConn *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if oldConn.decAndMaybeClose() {
		// It means the connection has already been removed from the cache and
		// nobody is using it.
		return
	}

	if err == nil {
		return
	}

	// Calls can finish in any order, so the cache may already hold a new
	// client for 'addr'. Only remove the one we used.
	if newConn, ok := cc.conns.Get(addr); ok && newConn == oldConn {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	} else {
		log.Errorf("connection to %s lost (%s) (not in cache)", addr, err)
	}
}

// Send calls 'method' on 'addr' and waits for the reply until the context
// is done or the cache's rpc timeout passes.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	if cc.rpcTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cc.rpcTimeout)
		defer cancel()
	}
	err := cc.send(ctx, addr, method, req, reply)

	// ErrShutdown usually means the peer reset a connection we had cached.
	// Reconnect and try once more, within the same deadline.
	if err == rpc.ErrShutdown {
		err = cc.send(ctx, addr, method, req, reply)
	}
	return err
}

func (cc *ConnectionCache) send(ctx context.Context, addr, method string, req, reply interface{}) error {
	rc := cc.get(ctx, addr)
	if rc == nil {
		return ErrorRPCConnect
	}

	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		cc.done(addr, rc, call.Error)
		return call.Error
	case <-ctx.Done():
		// The reply may still arrive, the connection is fine.
		log.Errorf("rpc %q to %s: %s", method, addr, ctx.Err())
		cc.done(addr, rc, nil)
		return ctx.Err()
	}
}

// Remove removes and closes a connection from the cache if a connection to
// "addr" exists.
func (cc *ConnectionCache) Remove(addr string) {
	cc.lock.Lock()
	cc.conns.Remove(addr)
	cc.lock.Unlock()
}

// CloseAll drops all connections from the cache. They are closed as soon as
// no call uses them.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

func onConnEvicted(key lru.Key, val interface{}) {
	log.V(10).Infof("%s has been evicted from connection cache, closing the connection", key)

	// Called from the LRU, which is only used with cc.lock held.
	val.(*refCntClient).decAndMaybeClose()
}

// refCntClient counts the users of a client, the cache being one of them.
type refCntClient struct {
	// Protected by the cache's lock.
	count int

	clt *rpc.Client
}

// decAndMaybeClose drops a reference and closes the client when it was the
// last one. Must be called with the cache's lock held.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
