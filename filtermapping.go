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

import "fmt"

// nameMatch is one entry of a FilterMapping's target-name list: either the
// wildcard "*" or an exact handler name.
type nameMatch = string

const wildcardName = "*"

// FilterMapping binds a filter name to the requests it should intercept:
// some combination of a PathSpec list, a target-name list, and a
// dispatch-type bitmask. At least one of Specs or Names must be non-empty.
type FilterMapping struct {
	FilterName string
	Specs      []PathSpec
	Names      []nameMatch
	Dispatches DispatchType // 0 means "use DispatchRequest"
	Source     SourceOrigin

	// predicate, if set, is an additional (optional, CEL-backed) condition
	// ANDed onto the path/name/dispatch-type match; see celpredicate.go. A
	// FilterMapping with no predicate matches whenever the path/name/
	// dispatch-type condition alone matches.
	predicate *compiledPredicate
}

func (m FilterMapping) dispatchMask() DispatchType {
	if m.Dispatches == 0 {
		return DispatchRequest
	}
	return m.Dispatches
}

func (m FilterMapping) appliesTo(d DispatchType) bool {
	return m.dispatchMask()&d != 0
}

func (m FilterMapping) hasName(name string) bool {
	for _, n := range m.Names {
		if n == name || n == wildcardName {
			return true
		}
	}
	return false
}

// validate reports a configuration error if the mapping has neither a Specs
// list nor a Names list.
func (m FilterMapping) validate() error {
	if len(m.Specs) == 0 && len(m.Names) == 0 {
		return fmt.Errorf("dispatch: filter mapping for %q has neither path specs nor target names", m.FilterName)
	}
	return nil
}

// FilterMappingList is the ordered master list of FilterMappings, maintained
// so that three zones stay contiguous in this order: programmatic prepends,
// descriptor-declared mappings, programmatic appends. matchBeforeIndex and
// matchAfterIndex are the last
// index of the prepend zone and the first index of the append zone,
// respectively; -1 denotes an empty prepend zone and len(entries) denotes an
// empty append zone.
type FilterMappingList struct {
	entries         []FilterMapping
	matchBeforeIndex int // -1 if prepend zone empty
	matchAfterIndex  int // == len(entries) if append zone empty
}

// NewFilterMappingList returns an empty list.
func NewFilterMappingList() *FilterMappingList {
	return &FilterMappingList{matchBeforeIndex: -1, matchAfterIndex: 0}
}

// Append adds m per the append rule: a programmatic (API) append
// goes to the very end, after the append zone grows to include it;
// everything else (EMBEDDED, DESCRIPTOR) is inserted immediately before the
// current append zone, i.e. right after the descriptor-declared filters
// inserted so far.
func (l *FilterMappingList) Append(m FilterMapping) {
	if m.Source == SourceAPI {
		// The literal end of the list is always within the current
		// append zone (matchAfterIndex <= len(entries) is invariant),
		// so no boundary adjustment is needed: m lands inside the zone
		// simply by being placed after it.
		l.entries = append(l.entries, m)
		return
	}
	l.insertAt(l.matchAfterIndex, m)
	l.matchAfterIndex++
}

// Prepend adds m per the prepend rule: a programmatic (API) prepend
// goes just after the current prepend zone (growing it, and shifting the
// declared and append zones right by one); everything else goes to
// position 0, shifting both indexes right by one.
func (l *FilterMappingList) Prepend(m FilterMapping) {
	if m.Source == SourceAPI {
		l.insertAt(l.matchBeforeIndex+1, m)
		l.matchBeforeIndex++
		l.matchAfterIndex++
		return
	}
	l.insertAt(0, m)
	l.matchBeforeIndex++
	l.matchAfterIndex++
}

func (l *FilterMappingList) insertAt(i int, m FilterMapping) {
	l.entries = append(l.entries, FilterMapping{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = m
}

// Entries returns the master list in order. The returned slice must not be
// mutated by the caller.
func (l *FilterMappingList) Entries() []FilterMapping {
	return l.entries
}

// Zones returns the three partitions, for diagnostics and tests.
func (l *FilterMappingList) Zones() (prepend, declared, appendZone []FilterMapping) {
	before := l.matchBeforeIndex + 1
	after := l.matchAfterIndex
	return l.entries[:before], l.entries[before:after], l.entries[after:]
}
