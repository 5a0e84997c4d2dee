// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beorn7/perks/quantile"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/client/recstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
)

const mb = 1024 * 1024

// eventStats tracks the bytes and latencies of one kind of operation.
//
// Does its own locking.
type eventStats struct {
	start time.Time

	lock  sync.Mutex
	bytes int64
	lat   *quantile.Stream
}

func newStat() *eventStats {
	objectives := map[float64]float64{0.1: 0.05, 0.5: 0.05, 0.9: 0.01, 0.99: 0.001, 0.9999: 0.000001}
	return &eventStats{start: time.Now(), lat: quantile.NewTargeted(objectives)}
}

func (s *eventStats) update(n int64, d time.Duration) {
	s.lock.Lock()
	s.bytes += n
	s.lat.Insert(float64(d) / 1e9)
	s.lock.Unlock()
}

func (s *eventStats) String() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	elapsed := time.Since(s.start).Seconds()
	size := float64(s.bytes) / mb
	str := fmt.Sprintf("processed bytes: %f MB\n", size)
	str += fmt.Sprintf("throughput: %f MB/sec\n", size/elapsed)
	str += fmt.Sprintf("latency distribution:\n")
	for _, q := range []float64{0.1, 0.5, 0.9, 0.99, 0.9999} {
		str += fmt.Sprintf("%g=%.3f ms\n", q*100, s.lat.Query(q)*1000)
	}
	return str
}

type benchConfig struct {
	Group   core.GroupID
	Count   int
	Size    int
	Workers int
}

type benchResult struct {
	writes, reads *eventStats
	errors        int64
}

// runBench writes cfg.Count records of random payloads, reads them back and
// removes them.
func runBench(ctx context.Context, cli *recstore.Client, cfg benchConfig) benchResult {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	res := benchResult{writes: newStat()}
	prefix := fmt.Sprintf("bench-%d-%d", time.Now().UnixNano(), rand.Int63())
	key := func(i int) core.Key { return core.KeyFromName(fmt.Sprintf("%s-%d", prefix, i)) }

	data := make([]byte, cfg.Size)
	rand.Read(data)

	parallel(cfg.Workers, cfg.Count, func(i int) {
		st := time.Now()
		_, err := cli.Write(ctx, cfg.Group, &core.WriteRequest{
			Key:            key(i),
			IOFlags:        core.IOFlagPrepare | core.IOFlagCommit,
			Timestamp:      core.Now(),
			DataCapacity:   uint64(len(data)),
			DataCommitSize: uint64(len(data)),
			Data:           data,
		})
		if err != core.NoError {
			log.Errorf("bench: write %d failed: %s", i, err)
			atomic.AddInt64(&res.errors, 1)
			return
		}
		res.writes.update(int64(len(data)), time.Since(st))
	})

	res.reads = newStat()
	parallel(cfg.Workers, cfg.Count, func(i int) {
		st := time.Now()
		resp, err := cli.Read(ctx, cfg.Group, core.ReadRequest{Key: key(i), ReadFlags: core.ReadAll})
		if err != core.NoError {
			log.Errorf("bench: read %d failed: %s", i, err)
			atomic.AddInt64(&res.errors, 1)
			return
		}
		res.reads.update(int64(len(resp.Data)), time.Since(st))
	})

	keys := make([]core.Key, cfg.Count)
	for i := range keys {
		keys[i] = key(i)
	}
	if _, err := cli.BulkRemove(ctx, cfg.Group, core.BulkRemoveRequest{Keys: keys}); err != core.NoError {
		log.Errorf("bench: failed to clean up: %s", err)
	}
	return res
}

// parallel calls fn for 0..n-1 from 'workers' goroutines.
func parallel(workers, n int, fn func(int)) {
	next := int64(-1)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
}
