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
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// HandlerSpec is one [[handlers]] entry of a deployment descriptor: a named
// handler backed by a registered factory, with its initialization-order
// hint and enabled flag.
type HandlerSpec struct {
	Name      string `toml:"name"`
	Type      string `toml:"type"`
	InitOrder *int   `toml:"init_order,omitempty"`
	Enabled   bool   `toml:"enabled"`
}

// MappingSpec is one [[mappings]] entry, binding a handler name to one or
// more PathSpec patterns.
type MappingSpec struct {
	Handler  string   `toml:"handler"`
	Patterns []string `toml:"patterns"`
}

// Descriptor is the parsed form of a TOML deployment descriptor: the
// handler and mapping declarations a Dispatcher loads at startup, layered
// on top of whatever was registered programmatically (SourceEmbedded).
type Descriptor struct {
	Handlers []HandlerSpec `toml:"handlers"`
	Mappings []MappingSpec `toml:"mappings"`
}

// LoadDescriptor parses a TOML deployment descriptor from path.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading descriptor %s: %w", path, err)
	}
	var d Descriptor
	if _, err := toml.Decode(string(data), &d); err != nil {
		return nil, fmt.Errorf("dispatch: parsing descriptor %s: %w", path, err)
	}
	return &d, nil
}

// HandlerFactories maps a descriptor's "type" string to a constructor,
// supplied by the embedding application; the descriptor format never
// carries Go code, only references to factories registered in advance.
type HandlerFactories map[string]func() (Handler, error)

// Apply registers every handler and mapping in d against disp, with
// SourceDescriptor as their origin. Handlers are matched to factories by
// Type; an unknown Type is a configuration error. Rebuild is not called;
// the caller decides when to rebuild (typically once after applying every
// descriptor and overlay).
func (d *Descriptor) Apply(disp *Dispatcher, factories HandlerFactories) error {
	for _, hs := range d.Handlers {
		factory, ok := factories[hs.Type]
		if !ok {
			return fmt.Errorf("dispatch: descriptor handler %q references unknown type %q", hs.Name, hs.Type)
		}
		if _, err := disp.AddHandlerFactory(hs.Name, SourceDescriptor, factory, hs.InitOrder); err != nil {
			return err
		}
		if hd := disp.registry.Handler(hs.Name); hd != nil {
			hd.Enabled = hs.Enabled
		}
	}
	for _, ms := range d.Mappings {
		specs, err := parsePathSpecs(ms.Patterns)
		if err != nil {
			return fmt.Errorf("dispatch: descriptor mapping for %q: %w", ms.Handler, err)
		}
		disp.AddMapping(Mapping{HandlerName: ms.Handler, Specs: specs, Source: SourceDescriptor})
	}
	return nil
}

// FilterOverlaySpec is one entry of a YAML filter overlay: it binds a
// registered filter to the requests it should intercept. Overlays are kept
// in a separate YAML document from the TOML descriptor because
// filter-mapping lists are naturally nested/sequential data that YAML
// expresses more legibly than TOML's array-of-tables.
type FilterOverlaySpec struct {
	Filter     string   `yaml:"filter"`
	Patterns   []string `yaml:"patterns,omitempty"`
	Names      []string `yaml:"names,omitempty"`
	Dispatches []string `yaml:"dispatches,omitempty"`
	Predicate  string   `yaml:"predicate,omitempty"`
	Prepend    bool     `yaml:"prepend,omitempty"`
}

// FilterOverlay is the top-level YAML document: an ordered list of filter
// mappings, applied in file order (so file order becomes registration
// order within the DESCRIPTOR zone).
type FilterOverlay struct {
	Filters []FilterOverlaySpec `yaml:"filters"`
}

// LoadFilterOverlay parses a YAML filter overlay from path.
func LoadFilterOverlay(path string) (*FilterOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading filter overlay %s: %w", path, err)
	}
	var overlay FilterOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("dispatch: parsing filter overlay %s: %w", path, err)
	}
	return &overlay, nil
}

// Apply adds every entry of o to disp as a FilterMapping with
// SourceDescriptor origin, in file order.
func (o *FilterOverlay) Apply(disp *Dispatcher) error {
	for _, spec := range o.Filters {
		specs, err := parsePathSpecs(spec.Patterns)
		if err != nil {
			return fmt.Errorf("dispatch: filter overlay entry for %q: %w", spec.Filter, err)
		}
		dispatches, err := parseDispatchTypes(spec.Dispatches)
		if err != nil {
			return fmt.Errorf("dispatch: filter overlay entry for %q: %w", spec.Filter, err)
		}
		fm := FilterMapping{
			FilterName: spec.Filter,
			Specs:      specs,
			Names:      spec.Names,
			Dispatches: dispatches,
			Source:     SourceDescriptor,
		}
		if spec.Predicate != "" {
			pred, err := compilePredicate(spec.Predicate)
			if err != nil {
				return fmt.Errorf("dispatch: filter overlay entry for %q: %w", spec.Filter, err)
			}
			fm.predicate = pred
		}
		pos := MappingAppend
		if spec.Prepend {
			pos = MappingPrepend
		}
		if err := disp.AddFilterMapping(fm, pos); err != nil {
			return err
		}
	}
	return nil
}

func parsePathSpecs(patterns []string) ([]PathSpec, error) {
	specs := make([]PathSpec, 0, len(patterns))
	for _, p := range patterns {
		spec, err := ParsePathSpec(p)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseDispatchTypes(names []string) (DispatchType, error) {
	if len(names) == 0 {
		return 0, nil
	}
	var mask DispatchType
	for _, n := range names {
		switch strings.ToUpper(strings.TrimSpace(n)) {
		case "REQUEST":
			mask |= DispatchRequest
		case "FORWARD":
			mask |= DispatchForward
		case "INCLUDE":
			mask |= DispatchInclude
		case "ERROR":
			mask |= DispatchError
		case "ASYNC":
			mask |= DispatchAsync
		case "ALL":
			mask |= DispatchAll
		default:
			return 0, fmt.Errorf("unknown dispatch type %q", n)
		}
	}
	return mask, nil
}
