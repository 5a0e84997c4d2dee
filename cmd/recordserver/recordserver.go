// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/recordserver"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'recordserver.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via the command-line flag '-recordserverCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-peers="2=host:4500,3=host:4501"'.

*/

var (
	// Default configuration. This is the default configuration for production.
	cfg = recordserver.DefaultProdConfig

	// Config file name.
	rsFile = flag.String("recordserverCfg", "", "configuration file for recordserver")

	// Record server config parameters.
	addr       = flag.String("addr", "", "service address")
	dir        = flag.String("dir", "", "directory of the record store")
	group      = flag.Uint("group", 0, "the group this server belongs to")
	peers      = flag.String("peers", "", "groups records can be sent to, as group=addr,...")
	useFailure = flag.Bool("useFailure", false, "whether to enable the failure service")
	scrubRate  = flag.Uint64("scrubRate", 0, "bytes per second for data scrubbing")
	noScrub    = flag.Bool("noScrub", false, "disable data scrubbing")
)

// Initialize config parameters. It first tries to read from the configuration
// file and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	// Read from configuration file.
	if "" != *rsFile {
		f, err := os.Open(*rsFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Override values from command-line flags. Only flags with values other
	// than their defaults are applied.
	if "" != *addr {
		cfg.Addr = *addr
	}
	if "" != *dir {
		cfg.Dir = *dir
	}
	if *group != 0 {
		cfg.Group = core.GroupID(*group)
	}
	if "" != *peers {
		p, err := recordserver.ParsePeers(*peers)
		if err != nil {
			log.Fatalf("failed to parse peers: %s", err)
		}
		cfg.Peers = p
	}
	if *useFailure {
		cfg.UseFailure = *useFailure
	}
	if *scrubRate != 0 {
		cfg.ScrubRate = *scrubRate
	}
	if *noScrub {
		cfg.ScrubRate = 0
	}
	// The stat id of the backend is the group unless set otherwise.
	if cfg.BackendID == 0 {
		cfg.BackendID = uint64(cfg.Group)
	}
}

func main() {
	server, err := recordserver.NewServer(&cfg)
	if err != nil {
		log.Fatalf("couldn't create recordserver: %s", err)
	}
	defer server.Close()

	log.Infof("starting recordserver...")
	if e := server.ListenAndServe(); nil != e {
		log.Fatalf("couldn't start recordserver: %s", e)
	}
}
