// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"reflect"
	"sync"
	"testing"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

// GenericMock helps write mock objects. It's embedded in a struct that
// defines type-safe wrappers, and is safe to call from many goroutines.
type GenericMock struct {
	tb    testing.TB
	lock  sync.Mutex
	calls []mockCall
}

// NewGenericMock creates a new GenericMock. Errors are reported with 'tb'.
func NewGenericMock(tb testing.TB) *GenericMock {
	return &GenericMock{tb: tb}
}

// AddCall registers a single call to be mocked. Arguments must match exactly
// (according to reflect.DeepEqual).
func (m *GenericMock) AddCall(method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, mockCall{method: method, args: args, result: result})
}

// GetResult returns the result of the first unused call that matches. It
// fails the test if none does.
func (m *GenericMock) GetResult(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, call := range m.calls {
		if !call.used && call.method == method && reflect.DeepEqual(call.args, args) {
			m.calls[i].used = true
			return call.result
		}
	}
	m.tb.Errorf("no calls for method %q args %#v", method, args)
	return nil
}

// GetStatus is GetResult for methods that return a core.Error. A call
// without a registered result gets core.ErrInvalidArgument.
func (m *GenericMock) GetStatus(method string, args ...interface{}) core.Error {
	if st, ok := m.GetResult(method, args...).(core.Error); ok {
		return st
	}
	return core.ErrInvalidArgument
}

// NoMoreCalls fails the test if some registered call was not used.
func (m *GenericMock) NoMoreCalls() {
	m.tb.Helper()
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, call := range m.calls {
		if !call.used {
			m.tb.Fatalf("unused call: %s%v", call.method, call.args)
		}
	}
}

type mockCall struct {
	method string
	args   []interface{}
	result interface{}
	used   bool
}
