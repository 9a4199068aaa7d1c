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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds the tunables that shape how a Dispatcher builds and caches
// chains. The zero value is usable: caching on, 4096 entries per dispatch
// type, no duplicate mappings tolerated, and no built-in 404 fallback (set
// EnsureDefaultHandler to install one in the DEFAULT group).
type Config struct {
	MaxCacheEntries        int
	CacheDisabled          bool
	AllowDuplicateMappings bool
	EnsureDefaultHandler   bool
}

// MappingPosition selects where a programmatic FilterMapping is inserted
// relative to the filter mapping list's zones.
type MappingPosition int

const (
	MappingAppend MappingPosition = iota
	MappingPrepend
)

// Dispatcher is the servlet-style request router: it owns a Registry of
// handlers and filters, the master Mapping and FilterMapping lists, and the
// derived, cached indexes that answer Dispatch calls. Mutation (adding
// handlers, filters, mappings) is serialized by mu; reads during Dispatch
// take an atomic snapshot of the derived indexes and never block on mu, per
// the concurrency model described in the design notes.
type Dispatcher struct {
	mu     sync.Mutex // serializes all configuration mutation and Rebuild
	log    *zap.Logger
	config Config

	registry       *Registry
	mappings       []Mapping
	filterMappings *FilterMappingList

	cache   *ChainCache
	idx     atomic.Pointer[derivedIndexes]
	metrics *Metrics

	started bool
}

// derivedIndexes is the immutable snapshot Rebuild publishes: everything
// Dispatch needs to resolve a target and build its chain, computed once per
// Rebuild and read without locking thereafter.
type derivedIndexes struct {
	table         *MappingTable
	pathFilters   []FilterMapping
	nameFilters   map[string][]FilterMapping
	nameToFilter  map[string]*FilterDescriptor
	nameToHandler map[string]*HandlerDescriptor
	builder       *ChainBuilder
}

// NewDispatcher returns an idle Dispatcher. Call Start after registering the
// embedded baseline of handlers, filters, and mappings.
func NewDispatcher(config Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = Log()
	}
	if config.MaxCacheEntries <= 0 {
		config.MaxCacheEntries = defaultMaxCacheEntries
	}
	d := &Dispatcher{
		log:            log.Named("dispatch"),
		config:         config,
		registry:       NewRegistry(),
		filterMappings: NewFilterMappingList(),
	}
	d.cache = NewChainCache(config.MaxCacheEntries, !config.CacheDisabled, d.log)
	d.cache.onLookup = func(dt DispatchType, hit bool) { d.metrics.observeCacheLookup(dt, hit) }
	d.idx.Store(&derivedIndexes{
		table:         newMappingTable(),
		nameFilters:   map[string][]FilterMapping{},
		nameToFilter:  map[string]*FilterDescriptor{},
		nameToHandler: map[string]*HandlerDescriptor{},
	})
	return d
}

// AddHandler registers a handler instance under name and returns its
// descriptor. Safe to call before or after Start; a post-start call (source
// should then be SourceAPI) must be followed by Rebuild to take effect.
func (d *Dispatcher) AddHandler(name string, source SourceOrigin, instance Handler, initOrder *int) (*HandlerDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hd := d.registry.NewHandlerDescriptor(source)
	hd.Name = name
	hd.InitOrder = initOrder
	hd.instance = instance
	if err := d.registry.RegisterHandler(hd); err != nil {
		return nil, err
	}
	return hd, nil
}

// AddHandlerFactory is like AddHandler but instantiates the handler lazily
// on first use, per the descriptor's factory-based construction model.
func (d *Dispatcher) AddHandlerFactory(name string, source SourceOrigin, factory func() (Handler, error), initOrder *int) (*HandlerDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hd := d.registry.NewHandlerDescriptor(source)
	hd.Name = name
	hd.InitOrder = initOrder
	hd.factory = factory
	if err := d.registry.RegisterHandler(hd); err != nil {
		return nil, err
	}
	return hd, nil
}

// AddFilter registers a filter instance under name.
func (d *Dispatcher) AddFilter(name string, source SourceOrigin, instance Filter, supportsAsync bool, initOrder *int) (*FilterDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd := d.registry.NewFilterDescriptor(source)
	fd.Name = name
	fd.SupportsAsync = supportsAsync
	fd.InitOrder = initOrder
	fd.instance = instance
	if err := d.registry.RegisterFilter(fd); err != nil {
		return nil, err
	}
	return fd, nil
}

// AddFilterFactory is like AddFilter but instantiates the filter lazily on
// first use.
func (d *Dispatcher) AddFilterFactory(name string, source SourceOrigin, factory func() (Filter, error), supportsAsync bool, initOrder *int) (*FilterDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd := d.registry.NewFilterDescriptor(source)
	fd.Name = name
	fd.SupportsAsync = supportsAsync
	fd.InitOrder = initOrder
	fd.factory = factory
	if err := d.registry.RegisterFilter(fd); err != nil {
		return nil, err
	}
	return fd, nil
}

// AddMapping appends a Mapping to the master list. Conflicts are resolved at
// Rebuild time, not here, so registration order alone never fails.
func (d *Dispatcher) AddMapping(m Mapping) {
	d.mu.Lock()
	d.mappings = append(d.mappings, m)
	d.mu.Unlock()
}

// AddFilterMapping inserts fm with FilterMappingList.Prepend or Append,
// chosen by pos; those methods pick the zone from fm.Source.
func (d *Dispatcher) AddFilterMapping(fm FilterMapping, pos MappingPosition) error {
	if err := fm.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if pos == MappingPrepend {
		d.filterMappings.Prepend(fm)
	} else {
		d.filterMappings.Append(fm)
	}
	return nil
}

// Rebuild recomputes the derived indexes from the current registry,
// mapping list, and filter-mapping list, resolves PathSpec conflicts per
// , and atomically publishes the new snapshot. The chain cache is
// invalidated unconditionally: a stale chain built against the old indexes
// must never survive a Rebuild. Must be called with mu held by the caller
// is NOT required — Rebuild takes mu itself, since it may be invoked
// directly by the admin API outside AddHandler/AddMapping's own lock scope.
func (d *Dispatcher) Rebuild() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rebuildLocked()
}

func (d *Dispatcher) rebuildLocked() error {
	started := time.Now()
	var previousTable *MappingTable
	if prev := d.idx.Load(); prev != nil {
		previousTable = prev.table
	}

	handlers := d.registry.snapshotHandlers()
	filters := d.registry.snapshotFilters()

	table := newMappingTable()
	if err := d.resolveMappings(table, handlers); err != nil {
		return newConfigurationError(err)
	}
	if d.config.EnsureDefaultHandler {
		if _, _, ok := table.exactDefault(); !ok {
			d.ensureBuiltinDefault(table, handlers)
		}
	}

	nameToFilter := make(map[string]*FilterDescriptor, len(filters))
	for name, fd := range filters {
		nameToFilter[name] = fd
	}
	nameToHandler := make(map[string]*HandlerDescriptor, len(handlers))
	for name, hd := range handlers {
		nameToHandler[name] = hd
	}

	var pathFilters []FilterMapping
	nameFilters := make(map[string][]FilterMapping)
	for _, fm := range d.filterMappings.Entries() {
		if _, ok := nameToFilter[fm.FilterName]; !ok {
			return newConfigurationError(fmt.Errorf("dispatch: filter mapping references unregistered filter %q", fm.FilterName))
		}
		if len(fm.Specs) > 0 {
			pathFilters = append(pathFilters, fm)
		}
		for _, n := range fm.Names {
			nameFilters[n] = append(nameFilters[n], fm)
		}
	}

	idx := &derivedIndexes{
		table:         table,
		pathFilters:   pathFilters,
		nameFilters:   nameFilters,
		nameToFilter:  nameToFilter,
		nameToHandler: nameToHandler,
	}
	idx.builder = newChainBuilder(idx)
	d.idx.Store(idx)
	d.cache.Invalidate()
	d.metrics.observeRebuild()
	d.log.Debug("dispatcher rebuilt", zap.Int("mappings", len(d.mappings)), zap.Int("filter_mappings", len(d.filterMappings.Entries())))
	d.rebuildDiagnostics(previousTable, table, started)
	return nil
}

// resolveMappings applies  conflict rules while building table: two
// mappings claiming the identical PathSpec conflict unless one of them is
// FromDefaultDescriptor, in which case the non-default one wins and the
// default-sourced one is simply dropped. A real conflict between two
// non-default mappings is a ConfigurationError unless
// AllowDuplicateMappings is set, in which case the most recently registered
// mapping wins and the shadowed one is logged and dropped.
func (d *Dispatcher) resolveMappings(table *MappingTable, handlers map[string]*HandlerDescriptor) error {
	type claim struct {
		handlerName string
		fromDefault bool
	}
	claims := make(map[string]claim)

	for _, m := range d.mappings {
		hd, ok := handlers[m.HandlerName]
		if !ok {
			return fmt.Errorf("mapping references unregistered handler %q", m.HandlerName)
		}
		if !hd.Enabled {
			continue
		}
		for _, spec := range m.Specs {
			key := spec.Group().String() + "|" + spec.Declaration()
			prior, exists := claims[key]
			switch {
			case !exists:
				claims[key] = claim{handlerName: m.HandlerName, fromDefault: m.FromDefaultDescriptor}
				table.add(spec, hd)
			case prior.fromDefault && !m.FromDefaultDescriptor:
				claims[key] = claim{handlerName: m.HandlerName, fromDefault: false}
				table.add(spec, hd)
			case !prior.fromDefault && m.FromDefaultDescriptor:
				// the default-sourced mapping yields; table keeps the
				// earlier, real mapping.
			case prior.fromDefault && m.FromDefaultDescriptor:
				// both claims are default-sourced; keep the first.
			case d.config.AllowDuplicateMappings:
				claims[key] = claim{handlerName: m.HandlerName, fromDefault: m.FromDefaultDescriptor}
				table.add(spec, hd)
				d.log.Warn("mapping shadowed by later registration",
					zap.String("path_spec", spec.Declaration()),
					zap.String("shadowed_handler", prior.handlerName),
					zap.String("active_handler", m.HandlerName))
			default:
				return fmt.Errorf("conflicting mappings for path spec %q: %q and %q", spec.Declaration(), prior.handlerName, m.HandlerName)
			}
		}
	}
	return nil
}

// exactDefault reports whether the DEFAULT group slot is already occupied,
// distinct from BestMatch("/") which may also return a ROOT match.
func (t *MappingTable) exactDefault() (PathSpec, *HandlerDescriptor, bool) {
	if t.deflt == nil {
		return PathSpec{}, nil, false
	}
	return t.deflt.spec, t.deflt.handler, true
}

const builtinDefaultHandlerName = "dispatch.builtin-default"

// ensureBuiltinDefault wires a 404-responding Handler into the DEFAULT slot
// when nothing else claims it, so BestMatch always resolves to something
// rather than returning ErrNotFound for arbitrary unmapped paths.
func (d *Dispatcher) ensureBuiltinDefault(table *MappingTable, handlers map[string]*HandlerDescriptor) {
	hd, ok := handlers[builtinDefaultHandlerName]
	if !ok {
		hd = &HandlerDescriptor{
			InstanceID: newInstanceID(),
			Name:       builtinDefaultHandlerName,
			Source:     SourceEmbedded,
			Enabled:    true,
			instance:   HandlerFunc(builtinNotFound),
			available:  true,
		}
	}
	table.add(MustParsePathSpec("/"), hd)
}

func builtinNotFound(w http.ResponseWriter, r *http.Request) error {
	http.Error(w, "404 page not found", http.StatusNotFound)
	return nil
}

// Start runs the startup lifecycle of : Rebuild, then start every
// registered filter, then every registered handler, in that order, so
// filters are available before the handlers they may guard begin serving.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatch: dispatcher already started")
	}
	if err := d.rebuildLocked(); err != nil {
		return err
	}
	if err := d.registry.startFilters(d.log); err != nil {
		return err
	}
	if err := d.registry.startHandlers(d.log); err != nil {
		return err
	}
	d.started = true
	d.log.Info("dispatcher started")
	return nil
}

// Stop runs the shutdown lifecycle: stop handlers, then filters (the
// reverse of Start's dependency order), then purge every non-EMBEDDED
// handler, filter, and mapping so a subsequent Start begins from the
// programmatic baseline again.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	var lf LifecycleFailure
	lf.add(d.registry.stopHandlers(d.log))
	lf.add(d.registry.stopFilters(d.log))
	d.registry.purgeNonEmbedded()
	d.mappings = embeddedMappingsOnly(d.mappings)
	d.filterMappings = embeddedFilterMappingsOnly(d.filterMappings)
	d.started = false
	d.cache.Invalidate()
	d.log.Info("dispatcher stopped")
	return lf.ErrOrNil()
}

func embeddedMappingsOnly(in []Mapping) []Mapping {
	out := in[:0:0]
	for _, m := range in {
		if m.Source == SourceEmbedded {
			out = append(out, m)
		}
	}
	return out
}

func embeddedFilterMappingsOnly(in *FilterMappingList) *FilterMappingList {
	out := NewFilterMappingList()
	for _, fm := range in.Entries() {
		if fm.Source == SourceEmbedded {
			out.Append(fm)
		}
	}
	return out
}

// requestState threads the per-dispatch bookkeeping of  through
// request context: which dispatch type is active, the path or name used to
// resolve the current target, and whether async is currently permitted.
// Each Dispatch attaches a fresh requestState to its own copy of the
// request, so the caller's state is never overwritten.
type requestState struct {
	dispatchType   DispatchType
	mappingPath    string
	mappingName    string
	asyncPermitted bool
}

type requestStateKey struct{}

func withRequestState(r *http.Request, st *requestState) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestStateKey{}, st))
}

func currentRequestState(r *http.Request) *requestState {
	if st, ok := r.Context().Value(requestStateKey{}).(*requestState); ok {
		return st
	}
	return &requestState{dispatchType: DispatchRequest, asyncPermitted: true}
}

// Dispatch resolves a target (by path, or by name if targetName is
// non-empty), builds or reuses its cached Chain, and walks it.
// For every dispatch type the new request state is attached to a copy of r
// that only the chain sees; the caller's r and its context are left as they
// were, so nothing needs restoring when Dispatch returns.
func (d *Dispatcher) Dispatch(dispatchType DispatchType, targetPath, targetName string, w http.ResponseWriter, r *http.Request) error {
	idx := d.idx.Load()

	var (
		handler *HandlerDescriptor
		path    string
	)
	if targetName != "" {
		handler = idx.nameToHandler[targetName]
		if handler == nil {
			d.metrics.observeDispatch(dispatchType, "not_found")
			return ErrNotFound
		}
	} else {
		_, hd, ok := idx.table.BestMatch(targetPath)
		if !ok {
			d.metrics.observeDispatch(dispatchType, "not_found")
			return ErrNotFound
		}
		handler = hd
		path = targetPath
		targetName = hd.Name
	}

	cacheKey := dispatchType.String() + "|" + path + "|" + targetName
	chain := d.cache.Lookup(dispatchType, cacheKey, func() *Chain {
		return idx.builder.Build(path, handler, dispatchType)
	})
	d.metrics.setCacheSize(dispatchType, d.cache.Size(dispatchType))
	if chain == nil {
		// No filter applies: invoke the target directly.
		chain = &Chain{handler: handler}
	}

	prev := currentRequestState(r)
	next := &requestState{
		dispatchType:   dispatchType,
		mappingPath:    targetPath,
		mappingName:    targetName,
		asyncPermitted: prev.asyncPermitted,
	}
	// For INCLUDE, the nested dispatch only ever affects this call's own
	// request object (r is local to Dispatch); the caller's original
	// request, and thus its own mapping attributes, are untouched once
	// Dispatch returns. FORWARD and ERROR are terminal dispatches by
	// convention (the caller does not resume its own processing
	// afterward), so there is nothing further to restore in either case.
	r = withRequestState(r, next)

	entry := chain.Walk(func(fd *FilterDescriptor, w http.ResponseWriter, r *http.Request, cont Handler) error {
		st := currentRequestState(r)
		if !fd.SupportsAsync && st.asyncPermitted {
			restored := *st
			st.asyncPermitted = false
			defer func() { *st = restored }()
		}
		f, err := fd.Target()
		if err != nil {
			return newHandlerFailure(fd.Name, dispatchType, err)
		}
		if err := f.ServeHTTP(w, r, cont); err != nil {
			return newHandlerFailure(fd.Name, dispatchType, err)
		}
		return nil
	})

	if err := entry.ServeHTTP(w, r); err != nil {
		d.metrics.observeDispatch(dispatchType, "error")
		var hf HandlerFailure
		if isHandlerFailure(err, &hf) {
			return hf
		}
		return newHandlerFailure(targetName, dispatchType, err)
	}
	d.metrics.observeDispatch(dispatchType, "ok")
	return nil
}

// MappingView is a read-only snapshot of one active PathSpec -> handler
// binding, for diagnostics and the admin API.
type MappingView struct {
	Pattern     string
	Group       string
	HandlerName string
}

// Mappings returns the currently active mapping table, for the admin API's
// GET /mappings endpoint and for tests.
func (d *Dispatcher) Mappings() []MappingView {
	idx := d.idx.Load()
	specs := idx.table.pathSpecs()
	out := make([]MappingView, 0, len(specs))
	for _, spec := range specs {
		_, hd, ok := idx.table.BestMatch(matchableDeclaration(spec))
		name := ""
		if ok {
			name = hd.Name
		}
		out = append(out, MappingView{Pattern: spec.Declaration(), Group: spec.Group().String(), HandlerName: name})
	}
	return out
}

// matchableDeclaration returns a concrete path that spec is guaranteed to
// match, used only to recover the bound handler for diagnostics; PREFIX and
// SUFFIX spec declarations are patterns, not literal paths, so they cannot
// be passed to BestMatch directly.
func matchableDeclaration(spec PathSpec) string {
	switch spec.Group() {
	case PathGroupRoot, PathGroupDefault:
		return "/"
	case PathGroupPrefix:
		return spec.prefix
	case PathGroupSuffix:
		return "/x" + spec.suffix
	default:
		return spec.Declaration()
	}
}

// CacheSize returns the chain cache's current entry count for dispatchType.
func (d *Dispatcher) CacheSize(dispatchType DispatchType) int {
	return d.cache.Size(dispatchType)
}

// RegistryHandle exposes the Dispatcher's Registry for callers (such as the
// descriptor loader and admin API) that need direct lookups beyond the
// Dispatch entry point.
func (d *Dispatcher) RegistryHandle() *Registry {
	return d.registry
}

func isHandlerFailure(err error, out *HandlerFailure) bool {
	if hf, ok := err.(HandlerFailure); ok {
		*out = hf
		return true
	}
	return false
}
