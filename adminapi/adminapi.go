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

// Package adminapi exposes a Dispatcher's mapping table, filter mappings,
// and lifecycle over HTTP, in the style of the ambient admin API this
// module's request-dispatch core was modeled on: one small JSON API,
// structured errors, and a dedicated logger namespace.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dispatchcore/dispatch"
)

// Handler is an admin endpoint handler that may fail; errors are reported
// uniformly as APIError by Server's top-level ServeHTTP.
type Handler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request) error
}

// HandlerFunc is a convenience type like http.HandlerFunc.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ServeHTTP implements Handler.
func (f HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) error { return f(w, r) }

// APIError is the structured error every admin handler returns for
// consistent logging and client responses. If Message is unset,
// Err.Error() is serialized in its place.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
	Message    string `json:"error"`
}

func (e APIError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e APIError) Unwrap() error { return e.Err }

// FilterFactories maps a type name to a filter constructor, the Filter
// counterpart of dispatch.HandlerFactories.
type FilterFactories map[string]func() (dispatch.Filter, error)

// Server wraps a *dispatch.Dispatcher with an HTTP admin surface: read
// endpoints for the mapping table and cache sizes, write endpoints for
// handlers/filters/mappings/filter-mappings, and a rate-limited rebuild
// trigger so a flood of API writes can't turn into a flood of expensive
// rebuilds.
type Server struct {
	disp          *dispatch.Dispatcher
	log           *zap.Logger
	rebuildLimit  *rate.Limiter
	factories     dispatch.HandlerFactories
	filterFactories FilterFactories
	router        chi.Router
}

// NewServer returns a Server routed with chi, rate-limiting POST /rebuild to
// rebuildRPS requests per second (burst 1).
func NewServer(disp *dispatch.Dispatcher, log *zap.Logger, factories dispatch.HandlerFactories, filterFactories FilterFactories, rebuildRPS float64) *Server {
	if log == nil {
		log = dispatch.Log()
	}
	if rebuildRPS <= 0 {
		rebuildRPS = 1
	}
	s := &Server{
		disp:            disp,
		log:             log.Named("admin.api"),
		rebuildLimit:    rate.NewLimiter(rate.Limit(rebuildRPS), 1),
		factories:       factories,
		filterFactories: filterFactories,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequest)
	r.Method(http.MethodGet, "/mappings", wrap(s.getMappings))
	r.Method(http.MethodGet, "/cache/{dispatchType}", wrap(s.getCacheSize))
	r.Method(http.MethodPost, "/handlers", wrap(s.postHandler))
	r.Method(http.MethodPost, "/filters", wrap(s.postFilter))
	r.Method(http.MethodPost, "/mappings", wrap(s.postMapping))
	r.Method(http.MethodPost, "/filter-mappings", wrap(s.postFilterMapping))
	r.Method(http.MethodPost, "/rebuild", wrap(s.postRebuild))
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// wrap adapts a Handler to http.Handler, serializing any returned APIError
// (or wrapping any other error as a 500) as a JSON body.
func wrap(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h.ServeHTTP(w, r)
		if err == nil {
			return
		}
		apiErr, ok := err.(APIError)
		if !ok {
			apiErr = APIError{HTTPStatus: http.StatusInternalServerError, Err: err}
		}
		if apiErr.HTTPStatus == 0 {
			apiErr.HTTPStatus = http.StatusInternalServerError
		}
		if apiErr.Message == "" && apiErr.Err != nil {
			apiErr.Message = apiErr.Err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(apiErr.HTTPStatus)
		_ = json.NewEncoder(w).Encode(apiErr)
	})
}

func (s *Server) getMappings(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, s.disp.Mappings())
}

func (s *Server) getCacheSize(w http.ResponseWriter, r *http.Request) error {
	dt, err := parseDispatchType(chi.URLParam(r, "dispatchType"))
	if err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	return writeJSON(w, map[string]int{"entries": s.disp.CacheSize(dt)})
}

type handlerRequest struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	InitOrder *int   `json:"init_order,omitempty"`
}

func (s *Server) postHandler(w http.ResponseWriter, r *http.Request) error {
	var req handlerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	factory, ok := s.factories[req.Type]
	if !ok {
		return APIError{HTTPStatus: http.StatusBadRequest, Message: "unknown handler type " + req.Type}
	}
	if _, err := s.disp.AddHandlerFactory(req.Name, dispatch.SourceAPI, factory, req.InitOrder); err != nil {
		return APIError{HTTPStatus: http.StatusInternalServerError, Err: err}
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

type filterRequest struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	SupportsAsync bool   `json:"supports_async"`
	InitOrder     *int   `json:"init_order,omitempty"`
}

func (s *Server) postFilter(w http.ResponseWriter, r *http.Request) error {
	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	factory, ok := s.filterFactories[req.Type]
	if !ok {
		return APIError{HTTPStatus: http.StatusBadRequest, Message: "unknown filter type " + req.Type}
	}
	if _, err := s.disp.AddFilterFactory(req.Name, dispatch.SourceAPI, factory, req.SupportsAsync, req.InitOrder); err != nil {
		return APIError{HTTPStatus: http.StatusInternalServerError, Err: err}
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

type mappingRequest struct {
	Handler  string   `json:"handler"`
	Patterns []string `json:"patterns"`
}

func (s *Server) postMapping(w http.ResponseWriter, r *http.Request) error {
	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	specs := make([]dispatch.PathSpec, 0, len(req.Patterns))
	for _, p := range req.Patterns {
		spec, err := dispatch.ParsePathSpec(p)
		if err != nil {
			return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
		}
		specs = append(specs, spec)
	}
	s.disp.AddMapping(dispatch.Mapping{HandlerName: req.Handler, Specs: specs, Source: dispatch.SourceAPI})
	w.WriteHeader(http.StatusCreated)
	return nil
}

type filterMappingRequest struct {
	Filter     string   `json:"filter"`
	Patterns   []string `json:"patterns,omitempty"`
	Names      []string `json:"names,omitempty"`
	Dispatches []string `json:"dispatches,omitempty"`
	Prepend    bool     `json:"prepend,omitempty"`
}

func (s *Server) postFilterMapping(w http.ResponseWriter, r *http.Request) error {
	var req filterMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	specs := make([]dispatch.PathSpec, 0, len(req.Patterns))
	for _, p := range req.Patterns {
		spec, err := dispatch.ParsePathSpec(p)
		if err != nil {
			return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
		}
		specs = append(specs, spec)
	}
	var mask dispatch.DispatchType
	for _, n := range req.Dispatches {
		dt, err := parseDispatchType(n)
		if err != nil {
			return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
		}
		mask |= dt
	}
	fm := dispatch.FilterMapping{
		FilterName: req.Filter,
		Specs:      specs,
		Names:      req.Names,
		Dispatches: mask,
		Source:     dispatch.SourceAPI,
	}
	pos := dispatch.MappingAppend
	if req.Prepend {
		pos = dispatch.MappingPrepend
	}
	if err := s.disp.AddFilterMapping(fm, pos); err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (s *Server) postRebuild(w http.ResponseWriter, r *http.Request) error {
	if !s.rebuildLimit.Allow() {
		return APIError{HTTPStatus: http.StatusTooManyRequests, Message: "rebuild rate limit exceeded"}
	}
	if err := s.disp.Rebuild(); err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func parseDispatchType(s string) (dispatch.DispatchType, error) {
	switch s {
	case "REQUEST":
		return dispatch.DispatchRequest, nil
	case "FORWARD":
		return dispatch.DispatchForward, nil
	case "INCLUDE":
		return dispatch.DispatchInclude, nil
	case "ERROR":
		return dispatch.DispatchError, nil
	case "ASYNC":
		return dispatch.DispatchAsync, nil
	default:
		return 0, APIError{HTTPStatus: http.StatusBadRequest, Message: "unknown dispatch type " + s}
	}
}
