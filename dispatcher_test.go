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

package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(Config{EnsureDefaultHandler: true}, Log())
}

// testRecorder is a minimal concurrency-safe invocation log used by
// testHandler and testFilter below. Kept local to this package's internal
// tests (rather than using the dispatchtest package) since dispatchtest
// itself imports this package.
type testRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *testRecorder) record(name string) {
	r.mu.Lock()
	r.entries = append(r.entries, name)
	r.mu.Unlock()
}

func (r *testRecorder) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

type testHandler struct {
	name string
	rec  *testRecorder
}

func (h *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	h.rec.record(h.name)
	fmt.Fprint(w, h.name)
	return nil
}

type testFilter struct {
	name string
	rec  *testRecorder
}

func (f *testFilter) ServeHTTP(w http.ResponseWriter, r *http.Request, next Handler) error {
	f.rec.record(f.name + ":before")
	if err := next.ServeHTTP(w, r); err != nil {
		return err
	}
	f.rec.record(f.name + ":after")
	return nil
}

func TestDispatcherBasicPathDispatch(t *testing.T) {
	d := newTestDispatcher(t)
	rec := &testRecorder{}
	h := &testHandler{name: "greet", rec: rec}
	if _, err := d.AddHandler("greet", SourceEmbedded, h, nil); err != nil {
		t.Fatal(err)
	}
	d.AddMapping(Mapping{HandlerName: "greet", Specs: []PathSpec{MustParsePathSpec("/greet")}, Source: SourceEmbedded})

	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/greet", nil)
	if err := d.Dispatch(DispatchRequest, "/greet", "", w, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if w.Body.String() != "greet" {
		t.Errorf("body = %q, want %q", w.Body.String(), "greet")
	}
}

func TestDispatcherFilterChainOrder(t *testing.T) {
	d := newTestDispatcher(t)
	rec := &testRecorder{}
	h := &testHandler{name: "target", rec: rec}
	if _, err := d.AddHandler("target", SourceEmbedded, h, nil); err != nil {
		t.Fatal(err)
	}
	d.AddMapping(Mapping{HandlerName: "target", Specs: []PathSpec{MustParsePathSpec("/api/*")}, Source: SourceEmbedded})

	outer := &testFilter{name: "outer", rec: rec}
	inner := &testFilter{name: "inner", rec: rec}
	if _, err := d.AddFilter("outer", SourceEmbedded, outer, true, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddFilter("inner", SourceEmbedded, inner, true, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.AddFilterMapping(FilterMapping{FilterName: "outer", Specs: []PathSpec{MustParsePathSpec("/api/*")}}, MappingAppend); err != nil {
		t.Fatal(err)
	}
	if err := d.AddFilterMapping(FilterMapping{FilterName: "inner", Specs: []PathSpec{MustParsePathSpec("/api/*")}}, MappingAppend); err != nil {
		t.Fatal(err)
	}

	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	if err := d.Dispatch(DispatchRequest, "/api/thing", "", w, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := []string{"outer:before", "inner:before", "target", "inner:after", "outer:after"}
	got := rec.Entries()
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDispatcherNotFoundWithoutDefault(t *testing.T) {
	d := NewDispatcher(Config{}, Log())
	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/nope", nil)
	if err := d.Dispatch(DispatchRequest, "/nope", "", w, r); err != ErrNotFound {
		t.Errorf("Dispatch = %v, want ErrNotFound", err)
	}
}

func TestDispatcherEnsureDefaultHandlerServes404(t *testing.T) {
	d := newTestDispatcher(t)
	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	if err := d.Dispatch(DispatchRequest, "/anything", "", w, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDispatcherConflictingMappingsError(t *testing.T) {
	d := newTestDispatcher(t)
	recA, recB := &testRecorder{}, &testRecorder{}
	d.AddHandler("a", SourceEmbedded, &testHandler{name: "a", rec: recA}, nil)
	d.AddHandler("b", SourceEmbedded, &testHandler{name: "b", rec: recB}, nil)
	d.AddMapping(Mapping{HandlerName: "a", Specs: []PathSpec{MustParsePathSpec("/x")}, Source: SourceEmbedded})
	d.AddMapping(Mapping{HandlerName: "b", Specs: []PathSpec{MustParsePathSpec("/x")}, Source: SourceEmbedded})

	err := d.Rebuild()
	if err == nil {
		t.Fatal("expected a ConfigurationError for conflicting mappings")
	}
	if _, ok := err.(ConfigurationError); !ok {
		t.Errorf("err = %T, want ConfigurationError", err)
	}
}

func TestDispatcherDuplicateMappingsAllowedWhenConfigured(t *testing.T) {
	d := NewDispatcher(Config{AllowDuplicateMappings: true}, Log())
	recA, recB := &testRecorder{}, &testRecorder{}
	d.AddHandler("a", SourceEmbedded, &testHandler{name: "a", rec: recA}, nil)
	d.AddHandler("b", SourceEmbedded, &testHandler{name: "b", rec: recB}, nil)
	d.AddMapping(Mapping{HandlerName: "a", Specs: []PathSpec{MustParsePathSpec("/x")}, Source: SourceEmbedded})
	d.AddMapping(Mapping{HandlerName: "b", Specs: []PathSpec{MustParsePathSpec("/x")}, Source: SourceEmbedded})

	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if err := d.Dispatch(DispatchRequest, "/x", "", w, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if w.Body.String() != "b" {
		t.Errorf("body = %q, want %q (the later registration should win)", w.Body.String(), "b")
	}
}

func TestDispatcherResolveMappingsSkipsDisabledHandler(t *testing.T) {
	d := NewDispatcher(Config{}, Log())
	rec := &testRecorder{}
	if _, err := d.AddHandler("a", SourceEmbedded, &testHandler{name: "a", rec: rec}, nil); err != nil {
		t.Fatal(err)
	}
	if hd := d.registry.Handler("a"); hd != nil {
		hd.Enabled = false
	}
	d.AddMapping(Mapping{HandlerName: "a", Specs: []PathSpec{MustParsePathSpec("/x")}, Source: SourceEmbedded})

	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if err := d.Dispatch(DispatchRequest, "/x", "", w, r); err != ErrNotFound {
		t.Errorf("Dispatch = %v, want ErrNotFound (disabled handler's mapping must not be installed)", err)
	}
}

func TestDispatcherResolveMappingsKeepsFirstOfTwoDefaults(t *testing.T) {
	d := newTestDispatcher(t)
	recA, recB := &testRecorder{}, &testRecorder{}
	d.AddHandler("a", SourceEmbedded, &testHandler{name: "a", rec: recA}, nil)
	d.AddHandler("b", SourceEmbedded, &testHandler{name: "b", rec: recB}, nil)
	d.AddMapping(Mapping{HandlerName: "a", Specs: []PathSpec{MustParsePathSpec("/x")}, Source: SourceEmbedded, FromDefaultDescriptor: true})
	d.AddMapping(Mapping{HandlerName: "b", Specs: []PathSpec{MustParsePathSpec("/x")}, Source: SourceEmbedded, FromDefaultDescriptor: true})

	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v (two default-sourced claims on the same spec must not conflict)", err)
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if err := d.Dispatch(DispatchRequest, "/x", "", w, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if w.Body.String() != "a" {
		t.Errorf("body = %q, want %q (the first default-sourced mapping should win)", w.Body.String(), "a")
	}
}

func TestDispatcherByNameDispatch(t *testing.T) {
	d := newTestDispatcher(t)
	rec := &testRecorder{}
	h := &testHandler{name: "named", rec: rec}
	d.AddHandler("named", SourceEmbedded, h, nil)
	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/irrelevant", nil)
	if err := d.Dispatch(DispatchForward, "", "named", w, r); err != nil {
		t.Fatalf("Dispatch by name: %v", err)
	}
	if w.Body.String() != "named" {
		t.Errorf("body = %q, want %q", w.Body.String(), "named")
	}
}

func TestDispatcherStartStopLifecyclePurgesAPIState(t *testing.T) {
	d := newTestDispatcher(t)
	rec := &testRecorder{}
	d.AddHandler("base", SourceEmbedded, &testHandler{name: "base", rec: rec}, nil)
	d.AddMapping(Mapping{HandlerName: "base", Specs: []PathSpec{MustParsePathSpec("/base")}, Source: SourceEmbedded})

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := d.AddHandler("runtime", SourceAPI, &testHandler{name: "runtime", rec: rec}, nil); err != nil {
		t.Fatal(err)
	}
	d.AddMapping(Mapping{HandlerName: "runtime", Specs: []PathSpec{MustParsePathSpec("/runtime")}, Source: SourceAPI})
	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if d.registry.Handler("runtime") == nil {
		t.Fatal("runtime handler should be registered before Stop")
	}

	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.registry.Handler("runtime") != nil {
		t.Error("API-sourced handler should be purged on Stop")
	}
	if d.registry.Handler("base") == nil {
		t.Error("embedded handler should survive Stop")
	}
}
