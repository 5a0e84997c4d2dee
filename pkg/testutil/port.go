// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"net"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// FreeAddr returns a local address whose port nobody else is using.
func FreeAddr() string {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		log.Fatalf("Failed to find a unused port: %v", err)
	}
	// Close the listener so the port can be taken by a server.
	defer l.Close()
	return l.Addr().String()
}

// GroupAddrs picks a free address for the server of every group.
func GroupAddrs(groups ...core.GroupID) map[core.GroupID]string {
	addrs := make(map[core.GroupID]string, len(groups))
	for _, g := range groups {
		addrs[g] = FreeAddr()
	}
	return addrs
}
