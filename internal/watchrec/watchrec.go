// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package watchrec

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/client/recstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/server"
)

// Per operation stats.
var opm = server.NewOpMetric("watchrec", "op")

// RecWatcher proactively verifies the health of a set of record groups via
// background read/write traffic. Records are written to the source group,
// copied to the other groups with a server-side send, read back from a
// random group and removed once they reach the end of their lifetime.
type RecWatcher struct {
	cfg      Config           // Configuration parameters.
	cli      *recstore.Client // Record client.
	db       *SqliteDB        // The database for storing record keys.
	buf      []byte           // Buffer for reads and writes.
	rnd      *rand.Rand       // Picks the group to read from.
	replicas []core.GroupID   // Groups other than the source.
}

// NewRecWatcher creates a new RecWatcher.
func NewRecWatcher(cfg Config) (*RecWatcher, error) {
	if _, ok := cfg.Groups[cfg.Source]; !ok {
		return nil, fmt.Errorf("source group %s has no address", cfg.Source)
	}
	db, err := NewSqliteDB(cfg.TableFile)
	if err != nil {
		return nil, err
	}
	var replicas []core.GroupID
	for g := range cfg.Groups {
		if g != cfg.Source {
			replicas = append(replicas, g)
		}
	}
	return &RecWatcher{
		cfg:      cfg,
		cli:      recstore.NewClient(recstore.Options{Groups: cfg.Groups, RetryTimeout: 5 * time.Second, Instance: "watchrec"}),
		db:       db,
		buf:      make([]byte, cfg.WriteSize),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		replicas: replicas,
	}, nil
}

// Start runs the RecWatcher until ctx is done.
func (rw *RecWatcher) Start(ctx context.Context) {
	defer rw.close()

	// Clean up records possibly leaked by failures in a previous clean.
	toremove, err := rw.db.GetDeleted()
	if err != nil {
		log.Fatalf("failed to retrieve possibly leaked records: %s", err)
	}
	rw.remove(ctx, toremove)

	writeT := time.NewTicker(rw.cfg.WriteInterval)
	readT := time.NewTicker(rw.cfg.ReadInterval)
	cleanT := time.NewTicker(rw.cfg.CleanInterval)
	defer writeT.Stop()
	defer readT.Stop()
	defer cleanT.Stop()
	for {
		select {
		// Make sure that clean is picked first if it has ticked.
		case <-cleanT.C:
			rw.clean(ctx)
		default:
			select {
			case <-ctx.Done():
				return
			case <-cleanT.C:
				rw.clean(ctx)
			case <-writeT.C:
				rw.write(ctx)
			case <-readT.C:
				rw.read(ctx)
			}
		}
	}
}

func (rw *RecWatcher) close() {
	rw.cli.Close()
	rw.db.Close()
}

// Write a new record to the source and send it to the replicas.
func (rw *RecWatcher) write(ctx context.Context) (key core.Key, err core.Error) {
	op := opm.Start("write")
	defer op.EndWithRecError(&err)

	key = core.KeyFromName(fmt.Sprintf("watchrec-%d-%d", time.Now().UnixNano(), rw.rnd.Int63()))
	fillBytes(key, rw.buf)
	if _, err = rw.cli.Write(ctx, rw.cfg.Source, &core.WriteRequest{
		Key:            key,
		IOFlags:        core.IOFlagPrepare | core.IOFlagCommit,
		Timestamp:      core.Now(),
		DataCapacity:   uint64(len(rw.buf)),
		DataCommitSize: uint64(len(rw.buf)),
		Data:           rw.buf,
	}); err != core.NoError {
		log.Errorf("failed to write record %s: %s", key.Short(), err)
		return
	}

	// Log the key before sending, a failed send still leaves a copy behind.
	if derr := rw.db.Put(key, time.Now()); derr != nil {
		log.Errorf("failed to log record %s to db: %s", key.Short(), derr)
	}

	if len(rw.replicas) > 0 {
		var resps []core.IteratorResponse
		resps, err = rw.cli.ServerSend(ctx, rw.cfg.Source, core.ServerSendRequest{
			Keys: []core.Key{key},
			Send: core.SendOptions{Groups: rw.replicas, ChunkSize: rw.cfg.ChunkSize},
		})
		if err == core.NoError && len(resps) == 1 {
			err = resps[0].Status
		} else if err == core.NoError {
			err = core.ErrRPC
		}
		if err != core.NoError {
			log.Errorf("failed to send record %s to %s: %s", key.Short(), core.GroupsString(rw.replicas), err)
			return
		}
	}

	log.Infof("successfully created record %s", key.Short())
	return
}

// Read and verify a random record created before.
func (rw *RecWatcher) read(ctx context.Context) (err core.Error) {
	key, derr := rw.db.Rand()
	if derr == errNoRecords {
		log.Infof("no previously written records, skip read")
		return core.NoError
	}
	if derr != nil {
		log.Errorf("failed to retrieve record key from db: %s", derr)
		return core.ErrIO
	}

	op := opm.Start("read")
	defer op.EndWithRecError(&err)

	groups := rw.cli.Groups()
	g := groups[rw.rnd.Intn(len(groups))]
	resp, err := rw.cli.Read(ctx, g, core.ReadRequest{Key: key, ReadFlags: core.ReadAll})
	if err != core.NoError {
		log.Errorf("failed to read record %s from group %s: %s", key.Short(), g, err)
		return
	}
	if int64(len(resp.Data)) != rw.cfg.WriteSize {
		log.Errorf("wrong size of record %s in group %s: expected %d and got %d", key.Short(), g, rw.cfg.WriteSize, len(resp.Data))
		return core.ErrCorruptData
	}
	if !verifyBytes(key, resp.Data) {
		log.Errorf("mismatched data in record %s of group %s, data corruption?", key.Short(), g)
		return core.ErrCorruptData
	}

	log.Infof("successfully verified record %s from group %s", key.Short(), g)
	return
}

// Remove records that have reached the end of their lifetime.
func (rw *RecWatcher) clean(ctx context.Context) {
	keys, err := rw.db.DeleteIfExpires(rw.cfg.Lifetime)
	if err != nil {
		log.Errorf("failed to get expired records: %s", err)
		return
	}
	rw.remove(ctx, keys)
}

// Remove the given records from every group and then from the db. Records
// that are already gone count as removed.
func (rw *RecWatcher) remove(ctx context.Context, keys []core.Key) {
	var removed []core.Key
	for _, key := range keys {
		op := opm.Start("clean")
		ok := true
		for _, g := range rw.cli.Groups() {
			if err := rw.cli.Remove(ctx, g, core.RemoveRequest{Key: key}); err != core.NoError && err != core.ErrNotFound {
				log.Errorf("failed to remove record %s from group %s: %s", key.Short(), g, err)
				ok = false
			}
		}
		if ok {
			removed = append(removed, key)
			log.Infof("successfully removed expired record %s", key.Short())
		} else {
			op.Failed()
		}
		op.End()
	}

	if err := rw.db.ConfirmDeletion(removed); err != nil {
		log.Errorf("failed to remove records from the db: %s", err)
	}
}

//====== Helpers ======//

// fillBytes fills 'buf' with deterministic bytes. The first byte is computed
// from 'computeBase' and each following byte equals the previous one plus one.
func fillBytes(key core.Key, buf []byte) {
	base := computeBase(key)
	for i := range buf {
		buf[i] = base
		base++
	}
}

// verifyBytes verifies bytes in 'buf' is computed from 'fillBytes'.
func verifyBytes(key core.Key, buf []byte) bool {
	base := computeBase(key)
	for _, b := range buf {
		if b != base {
			return false
		}
		base++
	}
	return true
}

// A deterministic mapping from a key to a byte.
func computeBase(key core.Key) byte {
	var x byte
	for _, b := range key {
		x ^= b
	}
	return x
}
