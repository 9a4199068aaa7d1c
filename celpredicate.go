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
	"sync"

	"github.com/google/cel-go/cel"
)

// compiledPredicate is an optional, additional condition a FilterMapping can
// carry beyond PathSpec/name/dispatch-type matching: a CEL expression
// evaluated against the request's path and the resolved target's name. It
// has no equivalent in the base mapping model; it exists purely so
// deployment descriptors can express conditions like
// `target.startsWith("admin.")` without a new Go type per condition.
type compiledPredicate struct {
	source string
	prg    cel.Program
}

var predicateEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("target", cel.StringType),
	)
})

// compilePredicate parses and type-checks expr, returning a reusable
// compiledPredicate. Called once per FilterMapping at descriptor-load time,
// never per-request.
func compilePredicate(expr string) (*compiledPredicate, error) {
	env, err := predicateEnv()
	if err != nil {
		return nil, fmt.Errorf("dispatch: building CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("dispatch: compiling filter predicate %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("dispatch: planning filter predicate %q: %w", expr, err)
	}
	return &compiledPredicate{source: expr, prg: prg}, nil
}

// evaluate reports whether the predicate holds for path and target. A
// runtime evaluation error is treated as non-match rather than propagated,
// since a single misbehaving predicate should drop its own filter out of
// the chain, not fail the whole dispatch.
func (p *compiledPredicate) evaluate(path string, target *HandlerDescriptor) bool {
	if p == nil {
		return true
	}
	name := ""
	if target != nil {
		name = target.Name
	}
	out, _, err := p.prg.Eval(map[string]any{
		"path":   path,
		"target": name,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
