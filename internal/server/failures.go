// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	log "github.com/golang/glog"
)

// FailurePath is where servers mount their FailureService.
const FailurePath = "/__failure__"

// FailureService holds the failure injection configuration of a server. It
// is a JSON object, each top-level key belongs to a handler that interprets
// its value. A GET returns the whole configuration. A POST replaces it, keys
// missing from the posted object are reset and their handlers called with nil:
//
//	curl http://localhost:4500/__failure__ -XPOST -d '{"rec_service_failure": {"Write": 110}}'
//
// posting "{}" clears every failure.
type FailureService struct {
	lock     sync.Mutex
	configs  map[string]json.RawMessage
	handlers map[string]func(json.RawMessage) error
}

// NewFailureService returns a FailureService without handlers.
func NewFailureService() *FailureService {
	return &FailureService{
		configs:  make(map[string]json.RawMessage),
		handlers: make(map[string]func(json.RawMessage) error),
	}
}

// Register associates 'handler' with 'key'. A key can only be registered once.
func (f *FailureService) Register(key string, handler func(json.RawMessage) error) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	f.handlers[key] = handler
	f.configs[key] = nil
	return nil
}

// apply sets the configuration to 'updates'.
func (f *FailureService) apply(updates map[string]json.RawMessage) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	for key := range updates {
		if _, ok := f.handlers[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}
	for key, cur := range f.configs {
		upd := updates[key]
		if upd != nil || cur != nil {
			if err := f.handlers[key](upd); err != nil {
				return err
			}
		}
		f.configs[key] = upd
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (f *FailureService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		f.lock.Lock()
		b, err := json.Marshal(f.configs)
		f.lock.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	case "POST":
		var updates map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := f.apply(updates); err != nil {
			log.Errorf("failure service: rejected update: %s", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	default:
		http.Error(w, fmt.Sprintf("unsupported method %s", r.Method), http.StatusMethodNotAllowed)
	}
}
