// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package recordserver

import (
	"context"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/backend"
	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/server"
	"github.com/westerndigitalcorporation/recstore/pkg/rpc"
)

// RecSrvHandler handles all client requests.
type RecSrvHandler struct {
	// When failure service is enabled, what errors failed operations should return.
	opFailure *server.OpFailure

	cfg     *Config
	backend *backend.Backend
	store   *blobstore.Blob

	// The semaphore which is used to limit the number of pending requests.
	pendingSem server.Semaphore

	// Per-RPC info.
	opm *server.OpMetric

	ro *roMode
}

// newRecSrvHandler creates a new RecSrvHandler. Failures are registered with
// 'fs' if the config asks for them.
func newRecSrvHandler(cfg *Config, b *backend.Backend, store *blobstore.Blob, fs *server.FailureService, opm *server.OpMetric) *RecSrvHandler {
	h := &RecSrvHandler{
		cfg:        cfg,
		backend:    b,
		store:      store,
		pendingSem: server.NewSemaphore(cfg.RejectReqThreshold),
		opm:        opm,
		ro:         &roMode{},
	}
	if cfg.UseFailure {
		h.opFailure = server.NewOpFailure()
		if err := fs.Register("rec_service_failure", h.opFailure.Handler); err != nil {
			log.Errorf("failed to register failure service: %s", err)
		}
	}
	return h
}

// roMode implements server.ROHandler. Writes are refused in read-only mode.
type roMode struct {
	v int32
}

func (m *roMode) ReadOnlyMode() bool {
	return atomic.LoadInt32(&m.v) != 0
}

func (m *roMode) SetReadOnlyMode(ro bool) {
	var v int32
	if ro {
		v = 1
	}
	atomic.StoreInt32(&m.v, v)
}

// admit runs the checks every request goes through. The request may only
// proceed if it returns NoError, and must then call h.pendingSem.Release.
func (h *RecSrvHandler) admit(op string, write bool) core.Error {
	// Check failure service.
	if err := h.getFailure(op); err != core.NoError {
		log.Errorf("%s: failure service override, returning %s", op, err)
		return err
	}
	if write && h.ro.ReadOnlyMode() {
		log.Errorf("%s: read-only mode, rejecting req", op)
		return core.ErrReadOnlyMode
	}
	// Check pending request limit.
	if !h.pendingSem.TryAcquire() {
		log.Errorf("%s: too busy, rejecting req", op)
		return core.ErrTooBusy
	}
	return core.NoError
}

// Read reads a record or a part of it.
func (h *RecSrvHandler) Read(req core.ReadRequest, reply *core.ReadResponse) error {
	op := h.opm.Start("Read")
	defer op.EndWithRecError(&reply.Status)

	if err := h.admit("Read", false); err != core.NoError {
		*reply = core.ReadResponse{Key: req.Key, Status: err}
		return nil
	}
	defer h.pendingSem.Release()

	resp, data, err := h.backend.Read(&req)
	if err != core.NoError {
		*reply = core.ReadResponse{Key: req.Key, Status: err}
		log.Infof("Read: key %s reply %s", req.Key.Short(), err)
		return nil
	}
	b, rerr := data.Bytes()
	if rerr != nil {
		log.Errorf("Read: key %s: failed to read payload: %s", req.Key.Short(), rerr)
		*reply = core.ReadResponse{Key: req.Key, Status: core.ErrIO}
		return nil
	}
	*reply = *resp
	reply.Data = b

	log.V(1).Infof("Read: req %+v reply json %d data %d", req, len(reply.JSON), len(b))
	return nil
}

// BulkRead reads whole records.
func (h *RecSrvHandler) BulkRead(req core.BulkReadRequest, reply *core.BulkReadReply) error {
	op := h.opm.Start("BulkRead")
	defer op.EndWithRecError(&reply.Err)

	if reply.Err = h.admit("BulkRead", false); reply.Err != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	c := newCollector(h.cfg.MaxReplyBytes)
	reply.Err = h.backend.BulkRead(&req, c)
	reply.Responses = c.reads

	log.Infof("BulkRead: %d keys, %d replies, reply %s", len(req.Keys), len(reply.Responses), reply.Err)
	return nil
}

// Write writes a record. The metadata and payload arrive as bulk segments.
func (h *RecSrvHandler) Write(req core.WriteRequest, reply *core.WriteReply) error {
	op := h.opm.Start("Write")
	defer op.EndWithRecError(&reply.Err)
	defer func() { rpc.PutBuffers(req.Get()) }()

	if reply.Err = h.admit("Write", true); reply.Err != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	lenJSON, lenData := len(req.JSON), len(req.Data)
	info, err := h.backend.Write(&req)
	reply.Err = err
	if info != nil {
		reply.Info = *info
	}

	log.Infof("Write: key %s flags %s json %d data %d at %d, reply %s",
		req.Key.Short(), req.IOFlags, lenJSON, lenData, req.DataOffset, reply.Err)
	return nil
}

// Lookup returns where a record is and, if asked, its checksums.
func (h *RecSrvHandler) Lookup(req core.LookupRequest, reply *core.LookupReply) error {
	op := h.opm.Start("Lookup")
	defer op.EndWithRecError(&reply.Err)

	if reply.Err = h.admit("Lookup", false); reply.Err != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	info, err := h.backend.Lookup(&req)
	reply.Err = err
	if info != nil {
		reply.Info = *info
	}

	log.V(1).Infof("Lookup: req %+v reply %s", req, reply.Err)
	return nil
}

// Remove removes a record.
func (h *RecSrvHandler) Remove(req core.RemoveRequest, reply *core.Error) error {
	op := h.opm.Start("Remove")
	defer op.EndWithRecError(reply)

	if *reply = h.admit("Remove", true); *reply != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	*reply = h.backend.Remove(&req)

	log.Infof("Remove: key %s flags %s reply %s", req.Key.Short(), req.IOFlags, *reply)
	return nil
}

// BulkRemove removes many records.
func (h *RecSrvHandler) BulkRemove(req core.BulkRemoveRequest, reply *core.StatusReply) error {
	op := h.opm.Start("BulkRemove")
	defer op.EndWithRecError(&reply.Err)

	if reply.Err = h.admit("BulkRemove", true); reply.Err != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	c := newCollector(h.cfg.MaxReplyBytes)
	reply.Err = h.backend.BulkRemove(&req, c)
	reply.Statuses = c.statuses

	log.Infof("BulkRemove: %d keys, reply %s", len(req.Keys), reply.Err)
	return nil
}

// Iterate runs an iterator to completion.
func (h *RecSrvHandler) Iterate(req core.IteratorRequest, reply *core.IteratorReply) error {
	op := h.opm.Start("Iterate")
	defer op.EndWithRecError(&reply.Err)

	if reply.Err = h.admit("Iterate", false); reply.Err != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.IterateTimeout)
	defer cancel()

	c := newCollector(h.cfg.MaxReplyBytes)
	reply.Err = h.backend.Iterate(ctx, &req, c)
	reply.Responses = c.iters

	log.Infof("Iterate: id %d type %d flags %s, %d replies, reply %s", req.ID, req.Type, req.Flags, len(reply.Responses), reply.Err)
	return nil
}

// ServerSend copies records to other groups.
func (h *RecSrvHandler) ServerSend(req core.ServerSendRequest, reply *core.IteratorReply) error {
	op := h.opm.Start("ServerSend")
	defer op.EndWithRecError(&reply.Err)

	if reply.Err = h.admit("ServerSend", false); reply.Err != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.IterateTimeout)
	defer cancel()

	c := newCollector(h.cfg.MaxReplyBytes)
	reply.Err = h.backend.ServerSend(ctx, &req, c)
	reply.Responses = c.iters

	log.Infof("ServerSend: %d keys to %s, reply %s", len(req.Keys), core.GroupsString(req.Send.Groups), reply.Err)
	return nil
}

// Stat returns counters of the store.
func (h *RecSrvHandler) Stat(req core.StatRequest, reply *core.StatReply) error {
	if req.Group != 0 && req.Group != h.cfg.Group {
		log.Errorf("Stat: asked for group %s, we are %s", req.Group, h.cfg.Group)
		reply.Err = core.ErrInvalidArgument
		return nil
	}
	st := h.store.Stats()
	*reply = core.StatReply{
		Group:       h.cfg.Group,
		Records:     st.Records,
		Uncommitted: st.Uncommitted,
		Corrupted:   st.Corrupted,
		LiveBytes:   st.LiveBytes,
		FileBytes:   st.FileBytes,
	}
	return nil
}

func (h *RecSrvHandler) rpcStats() map[string]string {
	return h.opm.Strings(
		"Read",
		"BulkRead",
		"Write",
		"Lookup",
		"Remove",
		"BulkRemove",
		"Iterate",
		"ServerSend",
	)
}

// Return the error registered with the given operation 'op', if any.
func (h *RecSrvHandler) getFailure(op string) core.Error {
	if h.opFailure == nil {
		return core.NoError
	}
	return h.opFailure.Get(op)
}
