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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/cpuprofile-agent/pkg/cache"
	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

// codeRange is one [start, start+size) region owned by entry.
type codeRange struct {
	start profiler.Address
	size  uint64
	entry *CodeEntry
}

func (r codeRange) end() profiler.Address {
	return r.start + profiler.Address(r.size)
}

// resolveCacheSize bounds the point-lookup cache CodeMap keeps in front
// of its range search. Hot loops resample the same handful of PCs far
// more often than the code map is mutated, so a small cache absorbs
// most of the FindEntry traffic between AddCode/MoveCode calls.
const resolveCacheSize = 4096

// CodeMap is an address-range map from instruction ranges to the
// CodeEntry that owns them, as described in spec.md section 4.3.
// Ranges never overlap. It is written only by the mutator thread
// (AddCode, MoveCode, Clear) and read via point lookups
// from the sampler path (FindEntry) with no synchronization of its own:
// callers on the sampler path must not run concurrently with a mutator.
type CodeMap struct {
	ranges []codeRange

	resolveCache *cache.LRUCache[profiler.Address, *CodeEntry]
}

// NewCodeMap builds an empty CodeMap with no point-lookup cache.
func NewCodeMap() *CodeMap {
	return &CodeMap{}
}

// NewCachedCodeMap builds an empty CodeMap backed by a bounded LRU
// cache of recent FindEntry results, registered against reg.
func NewCachedCodeMap(reg prometheus.Registerer) *CodeMap {
	return &CodeMap{
		resolveCache: cache.NewLRUCache[profiler.Address, *CodeEntry](reg, resolveCacheSize),
	}
}

// indexOf returns the index of the first range whose start is >= addr.
func (m *CodeMap) indexOf(addr profiler.Address) int {
	return sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].start >= addr })
}

// invalidateCache drops every cached lookup. It is called on every
// mutation: a cached "not found" or a cached hit against a range that
// just moved would otherwise misattribute later samples.
func (m *CodeMap) invalidateCache() {
	if m.resolveCache != nil {
		m.resolveCache.Purge()
	}
}

// AddCode installs entry as the owner of [addr, addr+size), first
// deleting any existing range that overlaps it (spec.md section 4.3:
// overlap-delete-then-insert).
func (m *CodeMap) AddCode(addr profiler.Address, entry *CodeEntry, size uint64) {
	newRange := codeRange{start: addr, size: size, entry: entry}
	m.deleteAllCoveredCode(addr, newRange.end())

	idx := m.indexOf(addr)
	m.ranges = append(m.ranges, codeRange{})
	copy(m.ranges[idx+1:], m.ranges[idx:])
	m.ranges[idx] = newRange

	m.invalidateCache()
}

// deleteAllCoveredCode removes every range that overlaps [start, end),
// including ranges only partially covered, matching the source's
// DeleteAllCoveredCode semantics.
func (m *CodeMap) deleteAllCoveredCode(start, end profiler.Address) {
	from := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].end() > start })
	to := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].start >= end })
	if from >= to {
		return
	}
	m.ranges = append(m.ranges[:from], m.ranges[to:]...)
}

// FindEntry returns the CodeEntry that owns addr, if any.
func (m *CodeMap) FindEntry(addr profiler.Address) (*CodeEntry, bool) {
	if m.resolveCache != nil {
		if entry, ok := m.resolveCache.Get(addr); ok {
			return entry, entry != nil
		}
	}

	entry, ok := m.findEntryUncached(addr)

	if m.resolveCache != nil {
		if ok {
			m.resolveCache.Add(addr, entry)
		} else {
			m.resolveCache.Add(addr, nil)
		}
	}
	return entry, ok
}

func (m *CodeMap) findEntryUncached(addr profiler.Address) (*CodeEntry, bool) {
	idx := m.indexOf(addr + 1)
	if idx == 0 {
		return nil, false
	}
	r := m.ranges[idx-1]
	if addr < r.start || addr >= r.end() {
		return nil, false
	}
	return r.entry, true
}

// MoveCode relocates whatever range starts at from to start at to
// instead, preserving its entry and size. It is a no-op if from == to
// or if no range starts at from.
func (m *CodeMap) MoveCode(from, to profiler.Address) {
	if from == to {
		return
	}
	idx := m.indexOf(from)
	if idx >= len(m.ranges) || m.ranges[idx].start != from {
		return
	}
	r := m.ranges[idx]
	m.ranges = append(m.ranges[:idx], m.ranges[idx+1:]...)
	m.AddCode(to, r.entry, r.size)
}

// Clear removes every range from the map.
func (m *CodeMap) Clear() {
	m.ranges = nil
	m.invalidateCache()
}

// Size reports the number of distinct ranges currently tracked.
func (m *CodeMap) Size() int {
	return len(m.ranges)
}
