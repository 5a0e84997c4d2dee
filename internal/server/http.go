// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"net/http"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QuitHandler will shut down a process. Should be used for testing only.
func QuitHandler(w http.ResponseWriter, r *http.Request) {
	log.Fatalf("Received a quit request, kill the process.")
}

// RegisterDebugHandlers adds the handlers every server has to 'mux': /metrics
// for prometheus and /_quit.
func RegisterDebugHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/_quit", QuitHandler)
}
