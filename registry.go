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
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry is the name-indexed store of HandlerDescriptors and
// FilterDescriptors. It is owned exclusively by one Dispatcher; descriptors
// hold no back-reference to their Dispatcher beyond what is needed to look
// themselves back up (a non-owning "parent handle"), never shared ownership.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*HandlerDescriptor
	filters  map[string]*FilterDescriptor
	// registration order, for initialization-hint tie-breaking
	handlerOrder []string
	filterOrder  []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]*HandlerDescriptor),
		filters:  make(map[string]*FilterDescriptor),
	}
}

// NewHandlerDescriptor returns a new, unregistered HandlerDescriptor with
// source bound to the given origin and a generated InstanceID. The caller
// must set Name (and Target-producing state) and then call RegisterHandler.
func (r *Registry) NewHandlerDescriptor(source SourceOrigin) *HandlerDescriptor {
	return &HandlerDescriptor{
		InstanceID: newInstanceID(),
		Source:     source,
		Enabled:    true,
	}
}

// NewFilterDescriptor returns a new, unregistered FilterDescriptor.
func (r *Registry) NewFilterDescriptor(source SourceOrigin) *FilterDescriptor {
	return &FilterDescriptor{
		InstanceID: newInstanceID(),
		Source:     source,
		Enabled:    true,
	}
}

// RegisterHandler adds d to the registry under d.Name. Registration is
// idempotent by name: registering the same name again replaces the prior
// descriptor (its registration-order position is preserved) rather than
// duplicating it.
func (r *Registry) RegisterHandler(d *HandlerDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("dispatch: handler descriptor has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[d.Name]; !exists {
		r.handlerOrder = append(r.handlerOrder, d.Name)
	}
	r.handlers[d.Name] = d
	return nil
}

// RegisterFilter adds d to the registry under d.Name, with the same
// replace-in-place idempotency as RegisterHandler.
func (r *Registry) RegisterFilter(d *FilterDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("dispatch: filter descriptor has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.filters[d.Name]; !exists {
		r.filterOrder = append(r.filterOrder, d.Name)
	}
	r.filters[d.Name] = d
	return nil
}

// Handler returns the named handler descriptor, or nil if none is
// registered under that name.
func (r *Registry) Handler(name string) *HandlerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Filter returns the named filter descriptor, or nil if none is registered
// under that name.
func (r *Registry) Filter(name string) *FilterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filters[name]
}

// snapshotHandlers returns a defensive copy of the name->descriptor map, for
// rebuild to iterate over without holding the registry lock.
func (r *Registry) snapshotHandlers() map[string]*HandlerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*HandlerDescriptor, len(r.handlers))
	for k, v := range r.handlers {
		out[k] = v
	}
	return out
}

func (r *Registry) snapshotFilters() map[string]*FilterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*FilterDescriptor, len(r.filters))
	for k, v := range r.filters {
		out[k] = v
	}
	return out
}

// purgeNonEmbedded removes every handler and filter whose source is not
// SourceEmbedded, so a subsequent start begins from the programmatic
// baseline again. Mappings are not held here; Dispatcher.Stop purges those.
func (r *Registry) purgeNonEmbedded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.handlers {
		if d.Source != SourceEmbedded {
			delete(r.handlers, name)
		}
	}
	r.handlerOrder = filterOrder(r.handlerOrder, r.handlers)
	for name, d := range r.filters {
		if d.Source != SourceEmbedded {
			delete(r.filters, name)
		}
	}
	r.filterOrder = filterFilterOrder(r.filterOrder, r.filters)
}

func filterOrder(order []string, present map[string]*HandlerDescriptor) []string {
	out := order[:0:0]
	for _, name := range order {
		if _, ok := present[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func filterFilterOrder(order []string, present map[string]*FilterDescriptor) []string {
	out := order[:0:0]
	for _, name := range order {
		if _, ok := present[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// startHandlers starts every enabled handler in ascending initialization-hint
// order (unset hints ordered last, ties broken by registration order).
// Failures are accumulated, not fatal to
// sibling handlers, and returned joined into one error (see
// LifecycleFailure.ErrOrNil) once all have been attempted.
func (r *Registry) startHandlers(log *zap.Logger) error {
	r.mu.RLock()
	ordered := orderedHandlerNames(r.handlerOrder, r.handlers)
	r.mu.RUnlock()

	var lf LifecycleFailure
	for _, name := range ordered {
		d := r.Handler(name)
		if d == nil || !d.Enabled {
			continue
		}
		if _, err := d.Target(); err != nil {
			lf.add(fmt.Errorf("starting handler %q: %w", name, err))
			log.Error("handler failed to start", zap.String("handler", name), zap.Error(err))
			continue
		}
		d.setAvailable(true)
		d.started = true
		log.Debug("handler started", zap.String("handler", name), zap.String("instance_id", d.InstanceID))
	}
	return lf.ErrOrNil()
}

// stopHandlers stops every started handler in the reverse of start order.
func (r *Registry) stopHandlers(log *zap.Logger) error {
	r.mu.RLock()
	ordered := orderedHandlerNames(r.handlerOrder, r.handlers)
	r.mu.RUnlock()

	var lf LifecycleFailure
	for i := len(ordered) - 1; i >= 0; i-- {
		d := r.Handler(ordered[i])
		if d == nil || !d.started {
			continue
		}
		d.setAvailable(false)
		if stopper, ok := d.instance.(interface{ Stop() error }); ok {
			if err := stopper.Stop(); err != nil {
				lf.add(fmt.Errorf("stopping handler %q: %w", d.Name, err))
				log.Error("handler failed to stop", zap.String("handler", d.Name), zap.Error(err))
			}
		}
		d.started = false
	}
	return lf.ErrOrNil()
}

// startFilters starts every enabled filter; filters have no documented
// initialization-order dependency on each other, so they start in
// registration order.
func (r *Registry) startFilters(log *zap.Logger) error {
	r.mu.RLock()
	ordered := append([]string(nil), r.filterOrder...)
	r.mu.RUnlock()

	var lf LifecycleFailure
	for _, name := range ordered {
		d := r.Filter(name)
		if d == nil || !d.Enabled {
			continue
		}
		if _, err := d.Target(); err != nil {
			lf.add(fmt.Errorf("starting filter %q: %w", name, err))
			log.Error("filter failed to start", zap.String("filter", name), zap.Error(err))
			continue
		}
		d.setAvailable(true)
		d.started = true
		log.Debug("filter started", zap.String("filter", name), zap.String("instance_id", d.InstanceID))
	}
	return lf.ErrOrNil()
}

func (r *Registry) stopFilters(log *zap.Logger) error {
	r.mu.RLock()
	ordered := append([]string(nil), r.filterOrder...)
	r.mu.RUnlock()

	var lf LifecycleFailure
	for i := len(ordered) - 1; i >= 0; i-- {
		d := r.Filter(ordered[i])
		if d == nil || !d.started {
			continue
		}
		d.setAvailable(false)
		if stopper, ok := d.instance.(interface{ Stop() error }); ok {
			if err := stopper.Stop(); err != nil {
				lf.add(fmt.Errorf("stopping filter %q: %w", d.Name, err))
				log.Error("filter failed to stop", zap.String("filter", d.Name), zap.Error(err))
			}
		}
		d.started = false
	}
	return lf.ErrOrNil()
}

// orderedHandlerNames sorts registered names ascending by InitOrder hint,
// unset hints last, ties broken by original registration order.
func orderedHandlerNames(registrationOrder []string, handlers map[string]*HandlerDescriptor) []string {
	type entry struct {
		name string
		hint *int
		pos  int
	}
	entries := make([]entry, 0, len(registrationOrder))
	for pos, name := range registrationOrder {
		d, ok := handlers[name]
		if !ok {
			continue
		}
		entries = append(entries, entry{name: name, hint: d.InitOrder, pos: pos})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.hint == nil && b.hint == nil:
			return a.pos < b.pos
		case a.hint == nil:
			return false
		case b.hint == nil:
			return true
		case *a.hint != *b.hint:
			return *a.hint < *b.hint
		default:
			return a.pos < b.pos
		}
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}
