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
	"errors"
	"fmt"
	weakrand "math/rand"
	"path"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// ConfigurationError is raised synchronously by Rebuild when the master
// lists are inconsistent: a FilterMapping references a missing filter, a
// Mapping references a missing handler, or the PathSpec conflict rules of
//  cannot resolve a single active handler for some PathSpec.
type ConfigurationError struct {
	ID    string // generated; for correlating this error across logs
	Trace string // captured call stack, for tracing back to the offending registration
	Err   error
}

func newConfigurationError(err error) ConfigurationError {
	const idLen = 9
	return ConfigurationError{
		ID:    randString(idLen),
		Trace: trace(),
		Err:   err,
	}
}

func (e ConfigurationError) Error() string {
	var s string
	if e.ID != "" {
		s += fmt.Sprintf("{id=%s}", e.ID)
	}
	if e.Trace != "" {
		s += " " + e.Trace
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return strings.TrimSpace(s)
}

// Unwrap returns the underlying error value.
func (e ConfigurationError) Unwrap() error { return e.Err }

// ErrNotFound is the sentinel returned (never wrapped as a ConfigurationError)
// when no handler resolves for a request. This is a protocol
// outcome, not an exceptional one; callers choose whether to delegate
// downstream or answer with the built-in 404 handler.
var ErrNotFound = errors.New("dispatch: no handler resolved for target")

// LifecycleFailure aggregates the errors raised while starting or stopping
// multiple handlers or filters. Individual failures are collected so that
// teardown of unrelated components still runs; the aggregate is returned
// once the whole lifecycle step completes.
type LifecycleFailure struct {
	Errs []error
}

func (e *LifecycleFailure) add(err error) {
	if err != nil {
		e.Errs = append(e.Errs, err)
	}
}

// ErrOrNil returns the constituent failures joined with errors.Join, or nil
// if there are none — the usual shape for returning an accumulator from a
// function.
func (e *LifecycleFailure) ErrOrNil() error {
	if e == nil || len(e.Errs) == 0 {
		return nil
	}
	return errors.Join(e.Errs...)
}

func (e *LifecycleFailure) Error() string {
	return e.ErrOrNil().Error()
}

// randString returns a string of n random lowercase/digit characters. Not
// secure, not uniformly distributed; good enough for disambiguating log
// lines.
func randString(n int) string {
	if n <= 0 {
		return ""
	}
	dict := []byte("abcdefghijkmnopqrstuvwxyz0123456789")
	b := make([]byte, n)
	for i := range b {
		//nolint:gosec
		b[i] = dict[weakrand.Int63()%int64(len(dict))]
	}
	return string(b)
}

func trace() string {
	if pc, file, line, ok := runtime.Caller(2); ok {
		filename := path.Base(file)
		pkgAndFuncName := path.Base(runtime.FuncForPC(pc).Name())
		return fmt.Sprintf("%s (%s:%d)", pkgAndFuncName, filename, line)
	}
	return ""
}

// newInstanceID returns a fresh descriptor instance identifier. Used only
// for log/admin-API correlation; never participates in matching or
// ordering.
func newInstanceID() string {
	return uuid.NewString()
}

// HandlerFailure wraps an error returned by a Filter or Handler during
// Dispatch, identifying which descriptor raised it and the dispatch type.
// Like ConfigurationError it carries a generated ID for correlation (but no
// captured trace), and is raised from the request path rather than from
// Rebuild.
type HandlerFailure struct {
	ID           string
	DescriptorName string
	DispatchType DispatchType
	Err          error
}

func newHandlerFailure(name string, dt DispatchType, err error) HandlerFailure {
	const idLen = 9
	return HandlerFailure{
		ID:             randString(idLen),
		DescriptorName: name,
		DispatchType:   dt,
		Err:            err,
	}
}

func (e HandlerFailure) Error() string {
	return fmt.Sprintf("{id=%s} dispatch %s through %q: %s", e.ID, e.DispatchType, e.DescriptorName, e.Err)
}

func (e HandlerFailure) Unwrap() error { return e.Err }
