// Copyright 2024 The Dispatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatchtest provides small recording Handler and Filter
// implementations for exercising a dispatch.Dispatcher in tests, without
// every test needing to hand-write a closure-based Filter each time.
package dispatchtest

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/dispatchcore/dispatch"
)

// RecordingHandler is a dispatch.Handler that appends its Name to a shared
// *Log and writes Name to the response body, then returns Err.
type RecordingHandler struct {
	Name string
	Log  *Log
	Err  error
}

func (h *RecordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	h.Log.record(h.Name)
	fmt.Fprint(w, h.Name)
	return h.Err
}

// RecordingFilter is a dispatch.Filter that appends "<Name>:before" then,
// unless ShortCircuit is set, calls next and appends "<Name>:after".
type RecordingFilter struct {
	Name         string
	Log          *Log
	ShortCircuit bool
	Err          error
}

func (f *RecordingFilter) ServeHTTP(w http.ResponseWriter, r *http.Request, next dispatch.Handler) error {
	f.Log.record(f.Name + ":before")
	if f.Err != nil {
		return f.Err
	}
	if f.ShortCircuit {
		return nil
	}
	err := next.ServeHTTP(w, r)
	f.Log.record(f.Name + ":after")
	return err
}

// Log is a concurrency-safe ordered record of invocation names, used by
// tests to assert chain-walk order.
type Log struct {
	mu      sync.Mutex
	entries []string
}

func (l *Log) record(name string) {
	l.mu.Lock()
	l.entries = append(l.entries, name)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded invocation order.
func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset clears the log for reuse across subtests.
func (l *Log) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
