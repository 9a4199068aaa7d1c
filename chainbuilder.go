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

import "net/http"

// Chain is the ordered, built list of filters that apply to one
// (path-or-name, dispatchType) resolution, terminated by the resolved
// handler. The same FilterDescriptor may appear more than once if it was
// mapped more than once — each appearance is one step of the walk.
type Chain struct {
	filters []*FilterDescriptor
	handler *HandlerDescriptor
}

// Empty reports whether the chain has no filters, in which case the
// dispatcher may invoke the target directly.
func (c *Chain) Empty() bool {
	return c == nil || len(c.filters) == 0
}

// Walk builds the linked-closure invocation for the chain: each Filter's
// ServeHTTP is handed a continuation that invokes the next filter, and the
// terminal continuation invokes the handler. This composes directly from Go
// closures and needs no separate cursor state.
//
// invoke is called once per filter step with the FilterDescriptor about to
// run and the next link in the chain; it is responsible for the
// async-supported discipline (flipping the request's
// async-permitted flag around non-async-supporting filters) and for
// actually calling the filter.
func (c *Chain) Walk(invoke func(fd *FilterDescriptor, w http.ResponseWriter, r *http.Request, next Handler) error) Handler {
	var next Handler = emptyHandler
	if c != nil && c.handler != nil {
		next = HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			h, err := c.handler.Target()
			if err != nil {
				return err
			}
			return h.ServeHTTP(w, r)
		})
	}
	if c == nil {
		return next
	}
	for i := len(c.filters) - 1; i >= 0; i-- {
		fd := c.filters[i]
		cur := next
		next = HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			return invoke(fd, w, r, cur)
		})
	}
	return next
}

// ChainBuilder computes the ordered filter list for a resolved target and
// dispatch type.
type ChainBuilder struct {
	idx *derivedIndexes
}

func newChainBuilder(idx *derivedIndexes) *ChainBuilder {
	return &ChainBuilder{idx: idx}
}

// Build returns the Chain for path (may be empty string if the dispatch was
// by name), targetName, and dispatchType. The order is: path filters
// matching path & dispatchType (master order), then name filters for
// targetName & dispatchType (master order), then name filters for "*" &
// dispatchType (master order).
func (b *ChainBuilder) Build(path string, target *HandlerDescriptor, dispatchType DispatchType) *Chain {
	var filters []*FilterDescriptor

	if path != "" {
		for _, fm := range b.idx.pathFilters {
			if !fm.appliesTo(dispatchType) {
				continue
			}
			if !matchesAnySpec(fm.Specs, path) {
				continue
			}
			if fm.predicate != nil && !fm.predicate.evaluate(path, target) {
				continue
			}
			if fd := b.idx.nameToFilter[fm.FilterName]; fd != nil {
				filters = append(filters, fd)
			}
		}
	}

	if target != nil {
		for _, fm := range b.idx.nameFilters[target.Name] {
			if !fm.appliesTo(dispatchType) {
				continue
			}
			if fm.predicate != nil && !fm.predicate.evaluate(path, target) {
				continue
			}
			if fd := b.idx.nameToFilter[fm.FilterName]; fd != nil {
				filters = append(filters, fd)
			}
		}
		for _, fm := range b.idx.nameFilters[wildcardName] {
			if !fm.appliesTo(dispatchType) {
				continue
			}
			if fm.predicate != nil && !fm.predicate.evaluate(path, target) {
				continue
			}
			if fd := b.idx.nameToFilter[fm.FilterName]; fd != nil {
				filters = append(filters, fd)
			}
		}
	}

	if len(filters) == 0 {
		return nil
	}
	return &Chain{filters: filters, handler: target}
}

func matchesAnySpec(specs []PathSpec, path string) bool {
	for _, s := range specs {
		if s.Matches(path) {
			return true
		}
	}
	return false
}
