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

// Package dispatch implements the core of a servlet-style HTTP request
// dispatcher: path resolution over pattern-based mappings, filter chain
// composition from path- and name-based filter mappings, and bounded,
// concurrent filter chain caching.
//
// The package deliberately knows nothing about transport, TLS, sessions,
// or request body handling; it consumes only a path-within-context, a
// dispatch type, a request/response pair, and a way to invoke a named
// handler. Surrounding concerns live in sibling packages (dispatch/adminapi)
// or in the calling program.
package dispatch
