// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package recordserver

import (
	"context"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/server"
	"github.com/westerndigitalcorporation/recstore/pkg/tokenbucket"
)

var (
	scrubbedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordserver_scrubbed_bytes",
		Help: "bytes of records verified by the scrubber",
	})
	scrubCorrupt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordserver_scrub_corrupt",
		Help: "records the scrubber found corrupted",
	})
)

// scrubStats describe one pass over the store.
type scrubStats struct {
	Records, OK, Bad, Busy int
	Bytes                  uint64
	Elapsed                time.Duration
}

// scrubber verifies the checksums of every record, throttled to a rate of
// bytes per second.
type scrubber struct {
	store *blobstore.Blob
	locks server.LockManager
	tb    *tokenbucket.TokenBucket
}

func newScrubber(store *blobstore.Blob, locks server.LockManager, rate uint64) *scrubber {
	// We use 0 as capacity, which means we'll wait for the tokens of every
	// record to be refilled before moving on.
	return &scrubber{store: store, locks: locks, tb: tokenbucket.New(float64(rate), 0)}
}

// run scrubs the store every 'interval', until ctx is done.
func (s *scrubber) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		st, err := s.scrub(ctx)
		if err != nil {
			log.Errorf("scrub aborted after %d records: %s", st.Records, err)
			continue
		}
		logStats(st, 0)
	}
}

// scrub makes one pass over the store.
func (s *scrubber) scrub(ctx context.Context) (scrubStats, error) {
	var st scrubStats
	start := time.Now()
	log.Infof("scrub starting")

	err := s.store.Iterate(nil, func(wc blobstore.WriteControl) error {
		// Uncommitted records have no checksums yet.
		if wc.Flags&(core.RecordUncommitted|core.RecordCorrupted) != 0 {
			return nil
		}
		// If we can't lock it someone is reading or writing it, which
		// verifies it anyway.
		if !s.locks.TryLockKey(wc.Key) {
			log.V(5).Infof("%s is busy, won't scrub it this time", wc.Key.Short())
			st.Busy++
			return nil
		}
		err := s.store.VerifyChecksum(wc.Key, 0, wc.Size)
		s.locks.UnlockKey(wc.Key)

		st.Records++
		st.Bytes += wc.Size
		scrubbedBytes.Add(float64(wc.Size))
		switch err {
		case core.NoError, core.ErrNotFound:
			// ErrNotFound: removed since the iteration started.
			st.OK++
		case core.ErrCorruptData:
			st.Bad++
			scrubCorrupt.Inc()
		default:
			return err.Error()
		}
		if st.Records%100 == 0 {
			st.Elapsed = time.Since(start)
			logStats(st, 2)
		}

		// This might sleep so the key is unlocked before.
		return s.tb.Take(ctx, wc.Size)
	})
	st.Elapsed = time.Since(start)
	return st, err
}

func logStats(st scrubStats, level log.Level) {
	bps := st.Bytes / (1 + uint64(st.Elapsed.Seconds()))
	log.V(level).Infof("scrub: %d records, %d ok %d bad %d busy, %d bytes in %s (%d bytes/sec)",
		st.Records, st.OK, st.Bad, st.Busy, st.Bytes, st.Elapsed, bps)
}
