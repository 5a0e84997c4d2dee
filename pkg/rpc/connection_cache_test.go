// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

// freeAddr mirrors testutil.FreeAddr; testutil can't be imported here
// because it depends on core, which depends on rpc.
func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to find a unused port: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

type echoService struct {
	delay time.Duration
}

func (e *echoService) Echo(req TestMsg, reply *TestMsg) error {
	time.Sleep(e.delay)
	*reply = req
	reply.Field++
	return nil
}

func startEchoServer(t *testing.T, delay time.Duration) string {
	s := NewServer()
	if err := s.RegisterName("Echo", &echoService{delay: delay}); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	s.Handle(mux)

	addr := freeAddr(t)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	go http.Serve(l, mux)
	return addr
}

func TestConnectionCacheSend(t *testing.T) {
	addr := startEchoServer(t, 0)
	cc := NewConnectionCache(time.Second, 0, 10)
	defer cc.CloseAll()

	for i := 0; i < 3; i++ {
		req := &TestMsg{Field: i, Meta: []byte("meta"), Data: bytes.Repeat([]byte{byte(i)}, 200<<10)}
		var reply TestMsg
		if err := cc.Send(context.Background(), addr, "Echo.Echo", req, &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Field != i+1 || string(reply.Meta) != "meta" || !bytes.Equal(reply.Data, req.Data) {
			t.Fatalf("bad reply %d: field %d meta %q len %d", i, reply.Field, reply.Meta, len(reply.Data))
		}
	}
	if cc.conns.Len() != 1 {
		t.Fatalf("expected one cached connection, have %d", cc.conns.Len())
	}
}

func TestConnectionCacheTimeout(t *testing.T) {
	addr := startEchoServer(t, 500*time.Millisecond)
	cc := NewConnectionCache(time.Second, 50*time.Millisecond, 10)
	defer cc.CloseAll()

	var reply TestMsg
	if err := cc.Send(context.Background(), addr, "Echo.Echo", &TestMsg{}, &reply); err != context.DeadlineExceeded {
		t.Fatalf("expected a timeout, got %v", err)
	}
}

func TestConnectionCacheNoServer(t *testing.T) {
	cc := NewConnectionCache(100*time.Millisecond, 0, 10)
	addr := freeAddr(t)
	var reply TestMsg
	if err := cc.Send(context.Background(), addr, "Echo.Echo", &TestMsg{}, &reply); err != ErrorRPCConnect {
		t.Fatalf("expected ErrorRPCConnect, got %v", err)
	}
}
