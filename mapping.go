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

// Mapping binds one or more PathSpecs to a handler name. FromDefaultDescriptor
// marks mappings injected as catch-all fallbacks, used only to break
// conflicts at rebuild time.
type Mapping struct {
	HandlerName          string
	Specs                []PathSpec
	Source                SourceOrigin
	FromDefaultDescriptor bool
}

// MappingTable is the ordered collection of (PathSpec -> handler) entries
// built by Rebuild. It answers bestMatch queries by keeping one slot each
// for ROOT and DEFAULT, a map for EXACT, and short lists for PREFIX and
// SUFFIX entries, which are scanned in full on every query.
type MappingTable struct {
	root    *mappingEntry // at most one: the ROOT PathSpec ("")
	exact   map[string]*mappingEntry
	prefix  []*mappingEntry // unsorted; longest-prefix-wins resolved at query time
	suffix  []*mappingEntry
	deflt   *mappingEntry
}

type mappingEntry struct {
	spec    PathSpec
	handler *HandlerDescriptor
}

// newMappingTable returns an empty table.
func newMappingTable() *MappingTable {
	return &MappingTable{exact: make(map[string]*mappingEntry)}
}

// add inserts spec -> handler. Callers (Rebuild) are responsible for having
// already resolved any conflicts for this exact PathSpec; add itself does
// not check for duplicates within a single group+key, last write wins.
func (t *MappingTable) add(spec PathSpec, handler *HandlerDescriptor) {
	e := &mappingEntry{spec: spec, handler: handler}
	switch spec.Group() {
	case PathGroupRoot:
		t.root = e
	case PathGroupExact:
		t.exact[spec.Declaration()] = e
	case PathGroupPrefix:
		for i, old := range t.prefix {
			if old.spec.Declaration() == spec.Declaration() {
				t.prefix[i] = e
				return
			}
		}
		t.prefix = append(t.prefix, e)
	case PathGroupSuffix:
		for i, old := range t.suffix {
			if old.spec.Declaration() == spec.Declaration() {
				t.suffix[i] = e
				return
			}
		}
		t.suffix = append(t.suffix, e)
	case PathGroupDefault:
		t.deflt = e
	}
}

// BestMatch returns the PathSpec and HandlerDescriptor with the highest
// specificity score matching path. path must begin with "/".
func (t *MappingTable) BestMatch(path string) (PathSpec, *HandlerDescriptor, bool) {
	var best *mappingEntry

	consider := func(e *mappingEntry) {
		if e == nil {
			return
		}
		if !e.spec.Matches(path) {
			return
		}
		if best == nil || e.spec.higherPriorityThan(best.spec) {
			best = e
		}
	}

	if path == "/" {
		consider(t.root)
	}
	consider(t.exact[path])
	for _, e := range t.prefix {
		consider(e)
	}
	for _, e := range t.suffix {
		consider(e)
	}
	if best == nil {
		consider(t.deflt)
	}

	if best == nil {
		return PathSpec{}, nil, false
	}
	return best.spec, best.handler, true
}

// pathSpecs returns every PathSpec currently present in the table, for
// diagnostics and the admin API's mapping dump.
func (t *MappingTable) pathSpecs() []PathSpec {
	var out []PathSpec
	if t.root != nil {
		out = append(out, t.root.spec)
	}
	for _, e := range t.exact {
		out = append(out, e.spec)
	}
	for _, e := range t.prefix {
		out = append(out, e.spec)
	}
	for _, e := range t.suffix {
		out = append(out, e.spec)
	}
	if t.deflt != nil {
		out = append(out, t.deflt.spec)
	}
	return out
}
