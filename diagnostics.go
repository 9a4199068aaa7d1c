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
	"sort"
	"strings"
	"time"

	"github.com/aryann/difflib"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// renderMappingTable returns a deterministic, line-per-entry textual form of
// a mapping table, with the rendered lines sorted (so by group, then
// declaration) so two renderings of logically equivalent tables diff as
// empty.
func renderMappingTable(specs []PathSpec, resolve func(PathSpec) string) []string {
	lines := make([]string, 0, len(specs))
	for _, s := range specs {
		lines = append(lines, fmt.Sprintf("%-8s %-24s -> %s", s.Group(), s.Declaration(), resolve(s)))
	}
	sort.Strings(lines)
	return lines
}

// rebuildDiagnostics computes a unified-looking diff between the mapping
// table active before a Rebuild and the one just published, and logs it at
// debug level along with how long the rebuild took. This is purely
// observability: it never affects what Rebuild does, only what operators
// can see about what changed.
func (d *Dispatcher) rebuildDiagnostics(before, after *MappingTable, started time.Time) {
	if before == nil || after == nil {
		return
	}
	beforeLines := renderMappingTable(before.pathSpecs(), func(s PathSpec) string {
		_, hd, ok := before.BestMatch(matchableDeclaration(s))
		if !ok {
			return "?"
		}
		return hd.Name
	})
	afterLines := renderMappingTable(after.pathSpecs(), func(s PathSpec) string {
		_, hd, ok := after.BestMatch(matchableDeclaration(s))
		if !ok {
			return "?"
		}
		return hd.Name
	})

	diff := difflib.Diff(beforeLines, afterLines)
	var changed int
	var b strings.Builder
	for _, rec := range diff {
		if rec.Delta == difflib.Common {
			continue
		}
		changed++
		fmt.Fprintln(&b, rec.String())
	}
	if changed == 0 {
		d.log.Debug("rebuild produced no mapping table changes",
			zap.Duration("elapsed", time.Since(started)))
		return
	}
	d.log.Debug("rebuild changed the mapping table",
		zap.String("entries_before", humanize.Comma(int64(len(beforeLines)))),
		zap.String("entries_after", humanize.Comma(int64(len(afterLines)))),
		zap.Int("changed_lines", changed),
		zap.Duration("elapsed", time.Since(started)),
		zap.String("diff", b.String()),
	)
}
