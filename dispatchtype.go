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

// DispatchType identifies why a request is being routed.
type DispatchType int

const (
	DispatchRequest DispatchType = 1 << iota
	DispatchForward
	DispatchInclude
	DispatchError
	DispatchAsync
)

// DispatchAll matches every dispatch type. A FilterMapping that does not
// specify dispatches defaults to DispatchRequest, not DispatchAll.
const DispatchAll = DispatchRequest | DispatchForward | DispatchInclude | DispatchError | DispatchAsync

func (d DispatchType) String() string {
	switch d {
	case DispatchRequest:
		return "REQUEST"
	case DispatchForward:
		return "FORWARD"
	case DispatchInclude:
		return "INCLUDE"
	case DispatchError:
		return "ERROR"
	case DispatchAsync:
		return "ASYNC"
	default:
		return "UNKNOWN"
	}
}

// dispatchTypes lists the five concrete dispatch types, in the fixed order
// ChainCache uses to size its per-type caches.
var dispatchTypes = [5]DispatchType{
	DispatchRequest, DispatchForward, DispatchInclude, DispatchError, DispatchAsync,
}

func dispatchTypeIndex(d DispatchType) int {
	switch d {
	case DispatchRequest:
		return 0
	case DispatchForward:
		return 1
	case DispatchInclude:
		return 2
	case DispatchError:
		return 3
	case DispatchAsync:
		return 4
	default:
		return -1
	}
}
