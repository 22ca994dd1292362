// Copyright 2022-2024 The Parca Authors
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

package main

import (
	"context"
	"time"

	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
	"github.com/parca-dev/cpuprofile-agent/pkg/profiler/cpu"
)

// syntheticSampler is a stand-in for the out-of-scope signal-driven
// sampler (spec.md's Sampler collaborator). It installs a handful of
// fabricated CodeEntry ranges into codeMap and then hands back
// TickSamples that walk a small, fixed set of synthetic call stacks, so
// --demo can exercise the aggregation engine end to end without a real
// runtime attached.
type syntheticSampler struct {
	stacks [][]profiler.Address
	period time.Duration
	i      int
}

func newSyntheticSampler(codeMap *cpu.CodeMap) *syntheticSampler {
	main := cpu.NewCodeEntry(cpu.TagFunction, "main", cpu.WithResourceName("app.js"), cpu.WithLineNumber(1))
	handle := cpu.NewCodeEntry(cpu.TagFunction, "handleRequest", cpu.WithResourceName("app.js"), cpu.WithLineNumber(12))
	parse := cpu.NewCodeEntry(cpu.TagFunction, "parseBody", cpu.WithResourceName("app.js"), cpu.WithLineNumber(40))
	gc := cpu.NewCodeEntry(cpu.TagOther, cpu.GarbageCollectorEntryName)

	codeMap.AddCode(0x1000, main, 0x100)
	codeMap.AddCode(0x2000, handle, 0x100)
	codeMap.AddCode(0x3000, parse, 0x100)
	codeMap.AddCode(0x4000, gc, 0x100)

	return &syntheticSampler{
		stacks: [][]profiler.Address{
			{0x2010, 0x1010},
			{0x3010, 0x2010, 0x1010},
			{0x4010},
			{0x1010},
		},
		period: 20 * time.Millisecond,
	}
}

func (s *syntheticSampler) now() time.Time { return time.Now() }

// next blocks until the next synthetic sample is due, returning false if
// ctx is done first.
func (s *syntheticSampler) next(ctx context.Context) (profiler.TickSample, bool) {
	timer := time.NewTimer(s.period)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return profiler.TickSample{}, false
	case <-timer.C:
	}

	stack := s.stacks[s.i%len(s.stacks)]
	s.i++

	return profiler.TickSample{
		PC:          stack[0],
		HasPC:       true,
		Stack:       stack[1:],
		State:       profiler.StateJS,
		Timestamp:   time.Now(),
		UpdateStats: true,
	}, true
}
