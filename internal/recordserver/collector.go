// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package recordserver

import (
	"fmt"
	"sync"

	"github.com/westerndigitalcorporation/recstore/internal/backend"
	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// collector is the backend.Replier of RPCs. RPC replies are sent in one
// piece, so it keeps every response until the handler returns.
type collector struct {
	lock sync.Mutex

	reads    []core.ReadResponse
	iters    []core.IteratorResponse
	statuses []core.StatusResponse

	// Payload bytes collected so far and the most we take.
	bytes, max uint64
}

func newCollector(max uint64) *collector {
	return &collector{max: max}
}

// load reads the payload of a response, if we have room for it.
func (c *collector) load(data backend.Extent) ([]byte, error) {
	if c.bytes+data.Size > c.max {
		return nil, fmt.Errorf("reply would carry more than %d bytes", c.max)
	}
	b, err := data.Bytes()
	if err != nil {
		return nil, err
	}
	c.bytes += data.Size
	return b, nil
}

func (c *collector) SendRead(resp *core.ReadResponse, data backend.Extent, more bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	b, err := c.load(data)
	if err != nil {
		return err
	}
	r := *resp
	r.Data = b
	c.reads = append(c.reads, r)
	return nil
}

func (c *collector) SendIterator(resp *core.IteratorResponse, data backend.Extent, more bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	b, err := c.load(data)
	if err != nil {
		return err
	}
	r := *resp
	r.Data = b
	c.iters = append(c.iters, r)
	return nil
}

func (c *collector) SendStatus(resp *core.StatusResponse, more bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.statuses = append(c.statuses, *resp)
	return nil
}

// Disconnected is always false, net/rpc doesn't tell handlers about clients
// that went away. Long running handlers are bounded by a context instead.
func (c *collector) Disconnected() bool {
	return false
}
