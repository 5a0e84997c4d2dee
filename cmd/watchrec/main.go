// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/recordserver"
	"github.com/westerndigitalcorporation/recstore/internal/watchrec"
)

func main() {
	// Parse the flags.
	cfg := watchrec.DefaultConfig
	peers := flag.String("peers", "", "record servers to watch, as group=addr,...")
	source := flag.Uint("source", 1, "group records are written to")
	flag.StringVar(&cfg.TableFile, "table_file", cfg.TableFile, "persistent file backing the db")
	flag.DurationVar(&cfg.Lifetime, "lifetime", cfg.Lifetime, "record lifetime")
	flag.Int64Var(&cfg.WriteSize, "size", cfg.WriteSize, "record size")
	flag.Uint64Var(&cfg.ChunkSize, "chunk", cfg.ChunkSize, "chunk size of sends to other groups")
	flag.DurationVar(&cfg.WriteInterval, "write_interval", cfg.WriteInterval, "write interval")
	flag.DurationVar(&cfg.ReadInterval, "read_interval", cfg.ReadInterval, "read interval")
	flag.DurationVar(&cfg.CleanInterval, "clean_interval", cfg.CleanInterval, "clean interval")
	flag.Parse()

	groups, err := recordserver.ParsePeers(*peers)
	if err != nil {
		log.Fatalf("failed to parse peers: %s", err)
	}
	cfg.Groups = groups
	cfg.Source = core.GroupID(*source)

	// Create and start a RecWatcher.
	rw, err := watchrec.NewRecWatcher(cfg)
	if err != nil {
		log.Fatalf("failed to create watcher: %s", err)
	}
	rw.Start(context.Background())
}
