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
	"strings"
)

// PathGroup classifies a PathSpec into one of the five pattern families
// that the mapping precedence rules are defined over.
type PathGroup int

const (
	// PathGroupRoot matches only the context root itself, declared with
	// the empty-string pattern. It is the rarest and most specific group.
	PathGroupRoot PathGroup = iota
	// PathGroupExact matches exactly one literal path, e.g. "/foo/bar".
	PathGroupExact
	// PathGroupPrefix matches a path and everything beneath it, e.g. "/foo/*".
	PathGroupPrefix
	// PathGroupSuffix matches paths ending in a literal extension, e.g. "*.jsp".
	PathGroupSuffix
	// PathGroupDefault is the sole catch-all pattern, declared as "/".
	PathGroupDefault
)

func (g PathGroup) String() string {
	switch g {
	case PathGroupRoot:
		return "ROOT"
	case PathGroupExact:
		return "EXACT"
	case PathGroupPrefix:
		return "PREFIX"
	case PathGroupSuffix:
		return "SUFFIX"
	case PathGroupDefault:
		return "DEFAULT"
	default:
		return "UNKNOWN"
	}
}

// specificity ranks the five groups for bestMatch comparisons. Higher
// always wins; within PathGroupPrefix, the matched prefix's length breaks
// ties (longer prefix wins), so tier is combined with a per-match length
// at comparison time rather than encoded here.
func (g PathGroup) tier() int {
	switch g {
	case PathGroupRoot, PathGroupExact:
		return 3
	case PathGroupPrefix:
		return 2
	case PathGroupSuffix:
		return 1
	default: // PathGroupDefault
		return 0
	}
}

// PathSpec is an immutable, parsed mapping pattern. See PathGroup for the
// families it can belong to and ParsePathSpec for the classification rules.
type PathSpec struct {
	declaration string
	group       PathGroup
	prefix      string // set for PathGroupPrefix; includes trailing "/"
	suffix      string // set for PathGroupSuffix; includes leading "."
}

// ParsePathSpec classifies pattern into a PathSpec.
//
// Classification follows the Jetty-style PathSpec convention this
// dispatcher's mapping semantics are drawn from: the empty string denotes
// the ROOT group (matches the context root exactly and nothing else); the
// literal pattern "/" denotes the single DEFAULT group; any
// other pattern beginning with "/" and containing no "*" is EXACT; a
// pattern beginning with "/" and ending in "/*" is PREFIX; a pattern
// beginning with "*." is SUFFIX. Anything else is a configuration error.
func ParsePathSpec(pattern string) (PathSpec, error) {
	switch {
	case pattern == "":
		return PathSpec{declaration: pattern, group: PathGroupRoot}, nil
	case pattern == "/":
		return PathSpec{declaration: pattern, group: PathGroupDefault}, nil
	case strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/*") && !strings.Contains(pattern[:len(pattern)-1], "*"):
		return PathSpec{
			declaration: pattern,
			group:       PathGroupPrefix,
			prefix:      pattern[:len(pattern)-1], // keep trailing "/"
		}, nil
	case strings.HasPrefix(pattern, "*.") && !strings.Contains(pattern[1:], "*"):
		return PathSpec{
			declaration: pattern,
			group:       PathGroupSuffix,
			suffix:      pattern[1:], // keep leading "."
		}, nil
	case strings.HasPrefix(pattern, "/") && !strings.Contains(pattern, "*"):
		return PathSpec{declaration: pattern, group: PathGroupExact}, nil
	default:
		return PathSpec{}, fmt.Errorf("dispatch: invalid path pattern %q", pattern)
	}
}

// MustParsePathSpec is like ParsePathSpec but panics on error. Intended for
// use with compile-time-known patterns, such as in tests and built-in
// fallback mappings.
func MustParsePathSpec(pattern string) PathSpec {
	ps, err := ParsePathSpec(pattern)
	if err != nil {
		panic(err)
	}
	return ps
}

// Declaration returns the original pattern string.
func (p PathSpec) Declaration() string { return p.declaration }

// Group returns the PathSpec's classification.
func (p PathSpec) Group() PathGroup { return p.group }

// Matches reports whether path, which must begin with "/", is matched by p.
func (p PathSpec) Matches(path string) bool {
	switch p.group {
	case PathGroupRoot:
		return path == "/"
	case PathGroupDefault:
		return true
	case PathGroupExact:
		return path == p.declaration
	case PathGroupPrefix:
		// "/foo/*" matches "/foo/bar" and "/foo/", and also the
		// prefix without its trailing slash ("/foo"), matching the
		// long-standing servlet convention for prefix mappings.
		if strings.HasPrefix(path, p.prefix) {
			return true
		}
		return path == strings.TrimSuffix(p.prefix, "/")
	case PathGroupSuffix:
		return strings.HasSuffix(path, p.suffix)
	default:
		return false
	}
}

// matchLength returns the portion of path's length that should be used to
// break ties among same-tier matches. Only PathGroupPrefix has more than one
// possible match of differing length for a given path; all other groups
// return a fixed value since at most one PathSpec of that group can ever
// match a given literal path (enforced at rebuild time).
func (p PathSpec) matchLength() int {
	if p.group == PathGroupPrefix {
		return len(p.prefix)
	}
	return len(p.declaration)
}

// higherPriorityThan reports whether p should win over other when both
// match the same path, per the total ordering EXACT/ROOT > PREFIX (longer
// wins) > SUFFIX > DEFAULT.
func (p PathSpec) higherPriorityThan(other PathSpec) bool {
	pt, ot := p.group.tier(), other.group.tier()
	if pt != ot {
		return pt > ot
	}
	return p.matchLength() > other.matchLength()
}
