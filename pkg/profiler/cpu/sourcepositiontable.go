// Copyright 2022-2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package cpu

import (
	"sort"

	"github.com/parca-dev/cpuprofile-agent/internal/assert"
	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

// SourcePositionTable maps a PC offset within a code object to the
// 1-based source line it belongs to. Offsets are kept sorted; a lookup
// resolves to the greatest stored offset that is still <= the query.
type SourcePositionTable struct {
	offsets []int
	lines   []int
}

func NewSourcePositionTable() *SourcePositionTable {
	return &SourcePositionTable{}
}

// Set records that pcOffset maps to line. It is a no-op if a lookup for
// pcOffset already resolves to line. It panics if pcOffset is already
// present in the table with a different line: the compiler collaborator
// is expected never to reassign an offset it already emitted.
func (t *SourcePositionTable) Set(pcOffset, line int) {
	assert.Truef(pcOffset >= 0, "SourcePositionTable.Set: negative pc_offset %d", pcOffset)
	assert.Truef(line > 0, "SourcePositionTable.Set: non-positive line %d", line)

	if t.Lookup(pcOffset) == line {
		return
	}

	idx := sort.SearchInts(t.offsets, pcOffset)
	if idx < len(t.offsets) && t.offsets[idx] == pcOffset {
		assert.Truef(false, "SourcePositionTable.Set: pc_offset %d already mapped to line %d, cannot remap to %d", pcOffset, t.lines[idx], line)
	}

	t.offsets = append(t.offsets, 0)
	copy(t.offsets[idx+1:], t.offsets[idx:])
	t.offsets[idx] = pcOffset

	t.lines = append(t.lines, 0)
	copy(t.lines[idx+1:], t.lines[idx:])
	t.lines[idx] = line
}

// Lookup returns the line of the greatest stored offset <= pcOffset, or
// profiler.NoLineNumberInfo if the table is empty or every stored offset
// is greater than pcOffset.
func (t *SourcePositionTable) Lookup(pcOffset int) int {
	if len(t.offsets) == 0 {
		return profiler.NoLineNumberInfo
	}
	// idx is the first offset strictly greater than pcOffset.
	idx := sort.Search(len(t.offsets), func(i int) bool { return t.offsets[i] > pcOffset })
	if idx == 0 {
		return profiler.NoLineNumberInfo
	}
	return t.lines[idx-1]
}
