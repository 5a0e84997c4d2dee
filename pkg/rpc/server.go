// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/rpc"

	log "github.com/golang/glog"
)

const (
	// BulkRPCPath is where a Server is reached on an http mux.
	BulkRPCPath     = "/_goRPC_bulk_crc_"
	connectedStatus = "200 Connected to Go RPC" // rpc.connected is not exported
)

// Server serves RPC services over HTTP CONNECT using the bulk codec. Every
// Server has its own set of services, so more than one can live in a process.
type Server struct {
	srv *rpc.Server
}

// NewServer returns a Server without services.
func NewServer() *Server {
	return &Server{srv: rpc.NewServer()}
}

// RegisterName wraps rpc.Server.RegisterName.
func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.srv.RegisterName(name, rcvr)
}

// Handle registers the server on 'mux' at BulkRPCPath.
func (s *Server) Handle(mux *http.ServeMux) {
	mux.Handle(BulkRPCPath, s)
}

// ServeHTTP implements http.Handler. It takes over the connection and serves
// RPCs on it until the client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Based on go 1.7.5 net/rpc/server.go, replacing ServeConn with ServeCodec.
	if req.Method != "CONNECT" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		io.WriteString(w, "405 must CONNECT\n")
		return
	}
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		log.Errorf("rpc hijacking %s: %s", req.RemoteAddr, err)
		return
	}
	io.WriteString(conn, "HTTP/1.0 "+connectedStatus+"\n\n")
	s.srv.ServeCodec(newBulkGobCodec(conn))
}

// dialHTTPContext is like rpc.DialHTTP but with a context and using the bulk codec.
func dialHTTPContext(ctx context.Context, network, address string) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	io.WriteString(conn, "CONNECT "+BulkRPCPath+" HTTP/1.0\n\n")

	// Require successful HTTP response
	// before switching to RPC protocol.
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err == nil && resp.Status == connectedStatus {
		return rpc.NewClientWithCodec(newBulkGobCodec(conn)), nil
	}
	if err == nil {
		err = errors.New("unexpected HTTP response: " + resp.Status)
	}
	conn.Close()
	return nil, &net.OpError{
		Op:   "dial-http",
		Net:  network + " " + address,
		Addr: nil,
		Err:  err,
	}
}
