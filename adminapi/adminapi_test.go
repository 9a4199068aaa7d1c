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

package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchcore/dispatch"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	disp := dispatch.NewDispatcher(dispatch.Config{EnsureDefaultHandler: true}, dispatch.Log())
	require.NoError(t, disp.Rebuild())
	factories := dispatch.HandlerFactories{
		"echo": func() (dispatch.Handler, error) {
			return dispatch.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
				_, err := w.Write([]byte("echo"))
				return err
			}), nil
		},
	}
	return NewServer(disp, dispatch.Log(), factories, FilterFactories{}, 100)
}

func TestServerPostHandlerThenMappingThenRebuild(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(handlerRequest{Name: "echo", Type: "echo"})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/handlers", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code)

	mbody, _ := json.Marshal(mappingRequest{Handler: "echo", Patterns: []string{"/echo"}})
	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mappings", bytes.NewReader(mbody)))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rebuild", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mappings", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var views []dispatch.MappingView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	found := false
	for _, v := range views {
		if v.HandlerName == "echo" {
			found = true
		}
	}
	assert.True(t, found, "expected the echo handler to appear in /mappings")
}

func TestServerPostHandlerUnknownTypeReturnsBadRequest(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(handlerRequest{Name: "x", Type: "nope"})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/handlers", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Contains(t, apiErr.Message, "nope")
}

func TestServerGetCacheSizeRejectsUnknownDispatchType(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cache/BOGUS", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerRebuildRateLimited(t *testing.T) {
	disp := dispatch.NewDispatcher(dispatch.Config{EnsureDefaultHandler: true}, dispatch.Log())
	require.NoError(t, disp.Rebuild())
	s := NewServer(disp, dispatch.Log(), dispatch.HandlerFactories{}, FilterFactories{}, 0.0001)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rebuild", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rebuild", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
