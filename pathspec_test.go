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

import "testing"

func TestParsePathSpecClassification(t *testing.T) {
	cases := []struct {
		pattern string
		group   PathGroup
		wantErr bool
	}{
		{"", PathGroupRoot, false},
		{"/", PathGroupDefault, false},
		{"/foo/bar", PathGroupExact, false},
		{"/foo/*", PathGroupPrefix, false},
		{"*.jsp", PathGroupSuffix, false},
		{"foo/*", PathGroup(-1), true},
		{"/foo/*.jsp", PathGroup(-1), true},
		{"**", PathGroup(-1), true},
	}
	for _, c := range cases {
		spec, err := ParsePathSpec(c.pattern)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePathSpec(%q): expected error, got none", c.pattern)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePathSpec(%q): unexpected error: %v", c.pattern, err)
		}
		if spec.Group() != c.group {
			t.Errorf("ParsePathSpec(%q).Group() = %v, want %v", c.pattern, spec.Group(), c.group)
		}
	}
}

func TestPathSpecMatches(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"", "/", true},
		{"", "/foo", false},
		{"/", "/anything/at/all", true},
		{"/foo/bar", "/foo/bar", true},
		{"/foo/bar", "/foo/baz", false},
		{"/foo/*", "/foo/bar", true},
		{"/foo/*", "/foo/", true},
		{"/foo/*", "/foo", true},
		{"/foo/*", "/foobar", false},
		{"*.jsp", "/app/view.jsp", true},
		{"*.jsp", "/app/view.html", false},
	}
	for _, c := range cases {
		spec := MustParsePathSpec(c.pattern)
		if got := spec.Matches(c.path); got != c.want {
			t.Errorf("PathSpec(%q).Matches(%q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestPathSpecHigherPriorityThan(t *testing.T) {
	exact := MustParsePathSpec("/foo/bar")
	shortPrefix := MustParsePathSpec("/foo/*")
	longPrefix := MustParsePathSpec("/foo/bar/*")
	suffix := MustParsePathSpec("*.jsp")
	def := MustParsePathSpec("/")

	if !exact.higherPriorityThan(longPrefix) {
		t.Error("EXACT should outrank PREFIX")
	}
	if !longPrefix.higherPriorityThan(shortPrefix) {
		t.Error("longer PREFIX should outrank shorter PREFIX")
	}
	if !shortPrefix.higherPriorityThan(suffix) {
		t.Error("PREFIX should outrank SUFFIX")
	}
	if !suffix.higherPriorityThan(def) {
		t.Error("SUFFIX should outrank DEFAULT")
	}
}
