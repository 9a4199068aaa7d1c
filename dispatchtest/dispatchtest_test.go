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

package dispatchtest_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dispatchcore/dispatch"
	"github.com/dispatchcore/dispatch/dispatchtest"
)

func TestRecordingHandlerAndFilterOrder(t *testing.T) {
	log := &dispatchtest.Log{}
	d := dispatch.NewDispatcher(dispatch.Config{}, dispatch.Log())

	target := &dispatchtest.RecordingHandler{Name: "target", Log: log}
	if _, err := d.AddHandler("target", dispatch.SourceEmbedded, target, nil); err != nil {
		t.Fatal(err)
	}
	d.AddMapping(dispatch.Mapping{
		HandlerName: "target",
		Specs:       []dispatch.PathSpec{dispatch.MustParsePathSpec("/greet")},
		Source:      dispatch.SourceEmbedded,
	})

	wrap := &dispatchtest.RecordingFilter{Name: "wrap", Log: log}
	if _, err := d.AddFilter("wrap", dispatch.SourceEmbedded, wrap, true, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.AddFilterMapping(dispatch.FilterMapping{
		FilterName: "wrap",
		Specs:      []dispatch.PathSpec{dispatch.MustParsePathSpec("/greet")},
	}, dispatch.MappingAppend); err != nil {
		t.Fatal(err)
	}

	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/greet", nil)
	if err := d.Dispatch(dispatch.DispatchRequest, "/greet", "", w, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := []string{"wrap:before", "target", "wrap:after"}
	got := log.Entries()
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRecordingFilterShortCircuit(t *testing.T) {
	log := &dispatchtest.Log{}
	d := dispatch.NewDispatcher(dispatch.Config{}, dispatch.Log())

	target := &dispatchtest.RecordingHandler{Name: "target", Log: log}
	d.AddHandler("target", dispatch.SourceEmbedded, target, nil)
	d.AddMapping(dispatch.Mapping{
		HandlerName: "target",
		Specs:       []dispatch.PathSpec{dispatch.MustParsePathSpec("/blocked")},
		Source:      dispatch.SourceEmbedded,
	})
	gate := &dispatchtest.RecordingFilter{Name: "gate", Log: log, ShortCircuit: true}
	d.AddFilter("gate", dispatch.SourceEmbedded, gate, true, nil)
	d.AddFilterMapping(dispatch.FilterMapping{
		FilterName: "gate",
		Specs:      []dispatch.PathSpec{dispatch.MustParsePathSpec("/blocked")},
	}, dispatch.MappingAppend)

	if err := d.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/blocked", nil)
	if err := d.Dispatch(dispatch.DispatchRequest, "/blocked", "", w, r); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := log.Entries(); len(got) != 1 || got[0] != "gate:before" {
		t.Errorf("entries = %v, want [gate:before] (target must not run)", got)
	}
}
