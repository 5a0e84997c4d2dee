// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

/*
Package recordserver serves the record operations of a local store over RPC.
Records are sent to the other groups of a server send or migration request
through the same RPC service on the servers of those groups.
*/
package recordserver

import (
	"context"
	"net"
	"net/http"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/client/recstore"
	"github.com/westerndigitalcorporation/recstore/internal/backend"
	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/server"
	"github.com/westerndigitalcorporation/recstore/pkg/rpc"
)

// BackupPath serves a compressed copy of the store index, see
// blobstore.RestoreIndex.
const BackupPath = "/backup_index"

// Metrics are registered once per process, servers in the same process share
// them.
var opm = server.NewOpMetric("recordserver_rpc", "rpc")

// Server is the RPC server of a record store.
type Server struct {
	// Configuration parameters.
	cfg *Config

	// The actual data storage.
	store   *blobstore.Blob
	backend *backend.Backend

	// Client of the servers of other groups.
	peers *recstore.Client

	// Service handler.
	handler *RecSrvHandler

	failures *server.FailureService
	mux      *http.ServeMux

	// Background work stops when ctx is done.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer opens the store in cfg.Dir and creates a Server for it. The
// server does not listen for or serve requests until Start() is called on it.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := blobstore.Open(cfg.Dir, blobstore.Options{
		ID:        uint64(cfg.Group),
		BlockSize: cfg.BlockSize,
		NoSync:    cfg.NoSync,
	})
	if err != nil {
		return nil, err
	}

	// Timeouts of peer writes are set by the senders.
	session, peers := newRPCSession(cfg)
	b := backend.New(store, session, cfg.Config)

	s := &Server{
		cfg:      cfg,
		store:    store,
		backend:  b,
		peers:    peers,
		failures: server.NewFailureService(),
		mux:      http.NewServeMux(),
	}
	s.handler = newRecSrvHandler(cfg, b, store, s.failures, opm)

	rs := rpc.NewServer()
	if err := rs.RegisterName("RecSrvHandler", s.handler); err != nil {
		store.Close()
		return nil, err
	}
	rs.Handle(s.mux)

	// Set up status page.
	s.mux.HandleFunc("/", s.statusHandler)
	s.mux.HandleFunc("/readonly", func(w http.ResponseWriter, r *http.Request) {
		server.ReadOnlyHandler(w, r, s.handler.ro)
	})
	s.mux.Handle(server.FailurePath, s.failures)
	s.mux.HandleFunc(BackupPath, s.backupHandler)
	server.RegisterDebugHandlers(s.mux)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start serves requests on 'l' and starts the scrubber. It returns when the
// listener fails.
func (s *Server) Start(l net.Listener) error {
	if s.cfg.ScrubRate > 0 {
		go newScrubber(s.store, s.backend.Locks(), s.cfg.ScrubRate).run(s.ctx, s.cfg.ScrubInterval)
	}

	log.Infof("record server for group %s listening on address %s", s.cfg.Group, l.Addr())
	return http.Serve(l, s.mux)
}

func (s *Server) backupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.store.BackupIndex(w); err != nil {
		// The body may be partly written already, the client sees a broken
		// snappy stream.
		log.Errorf("failed to back up the index: %s", err)
	}
}

// ListenAndServe listens on cfg.Addr and serves requests forever.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Start(l)
}

// Close stops background work and closes the store. The listener passed to
// Start should be closed first.
func (s *Server) Close() error {
	s.cancel()
	s.peers.Close()
	return s.store.Close()
}
