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
	"context"

	"github.com/go-kit/log"

	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

// ProfileGenerator turns raw TickSamples into resolved call paths and
// broadcasts them to every recording session, implementing spec.md
// section 4.8. It owns no session state of its own beyond the CodeMap
// used to resolve addresses; sessions live in the CpuProfilesCollection
// it is handed.
type ProfileGenerator struct {
	codeMap *CodeMap
	synth   *SyntheticEntries

	// browserMode enables the VM-state fallback: when a sample carries
	// zero resolvable frames, attribute it to a synthetic entry chosen
	// from the sampled StateTag rather than dropping it, matching a
	// browser-embedded profiler's expectation that every sample counts
	// toward something visible in the flame chart.
	browserMode bool

	metrics *Metrics
	logger  log.Logger
}

// GeneratorOption configures a ProfileGenerator at construction.
type GeneratorOption func(*ProfileGenerator)

func WithBrowserMode(enabled bool) GeneratorOption {
	return func(g *ProfileGenerator) { g.browserMode = enabled }
}

func WithGeneratorLogger(logger log.Logger) GeneratorOption {
	return func(g *ProfileGenerator) { g.logger = logger }
}

func NewProfileGenerator(codeMap *CodeMap, synth *SyntheticEntries, m *Metrics, opts ...GeneratorOption) *ProfileGenerator {
	g := &ProfileGenerator{
		codeMap: codeMap,
		synth:   synth,
		metrics: m,
		logger:  log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EntryForVMState maps a sampled VM state to the synthetic entry
// attributed to samples with no resolvable frame in browser mode.
func (g *ProfileGenerator) EntryForVMState(state profiler.StateTag) *CodeEntry {
	return g.synth.EntryForState(state)
}

// RecordTickSample resolves sample against the CodeMap and broadcasts
// the resulting call path to every session currently recording in
// profiles. It never returns an error for a sample it cannot resolve;
// resolution failures degrade to an empty or fallback path rather than
// aborting.
func (g *ProfileGenerator) RecordTickSample(ctx context.Context, profiles *CpuProfilesCollection, sample profiler.TickSample) error {
	if g.metrics != nil {
		g.metrics.samplesReceived.Inc()
	}

	path := make([]*CodeEntry, 0, len(sample.Stack)+3)
	srcLine := profiler.NoLineNumberInfo
	srcLineNotFound := true

	if sample.HasPC {
		if sample.HasExternalCallback && sample.State == profiler.StateExternal {
			// The PC can point inside the callback's own code while state
			// is EXTERNAL; trust ExternalCallbackEntry instead so a native
			// callback never appears to call itself.
			entry, _ := g.codeMap.FindEntry(sample.ExternalCallbackEntry)
			path = append(path, entry)
		} else {
			pcEntry, ok := g.codeMap.FindEntry(sample.PC)
			if !ok && !sample.HasExternalCallback {
				// PC fell outside any known range (e.g. mid stack-frame
				// setup); fall back to whatever the top-of-stack value
				// resolves to (frameless invocation).
				pcEntry, ok = g.codeMap.FindEntry(sample.TOS)
			}
			if ok {
				pcOffset := int(sample.PC - pcEntry.InstructionStart())
				srcLine = pcEntry.GetSourceLine(pcOffset)
				if srcLine == profiler.NoLineNumberInfo {
					srcLine = pcEntry.LineNumber()
				}
				srcLineNotFound = false
				path = append(path, pcEntry)

				if pcEntry.BuiltinID() == BuiltinFunctionPrototypeApply || pcEntry.BuiltinID() == BuiltinFunctionPrototypeCall {
					// The top frame is either the calling JS function or an
					// internal frame; the real caller cannot be trusted at
					// this trampoline, so it is recorded as unresolved.
					if !sample.HasExternalCallback {
						path = append(path, g.synth.Unresolved)
					}
				}
			}
		}

		for _, addr := range sample.Stack {
			entry, ok := g.codeMap.FindEntry(addr)
			if ok {
				pcOffset := int(addr - entry.InstructionStart())
				if inline, ok := entry.InlineStack(pcOffset); ok {
					for i := len(inline) - 1; i >= 0; i-- {
						path = append(path, inline[i])
					}
				}
				if srcLineNotFound {
					srcLine = entry.GetSourceLine(pcOffset)
					if srcLine == profiler.NoLineNumberInfo {
						srcLine = entry.LineNumber()
					}
					srcLineNotFound = false
				}
			}
			path = append(path, entry)
		}
	}

	if g.browserMode {
		noSymbolizedEntries := true
		for _, entry := range path {
			if entry != nil {
				noSymbolizedEntries = false
				break
			}
		}
		if noSymbolizedEntries {
			path = append(path, g.EntryForVMState(sample.State))
		}
	}

	if err := profiles.AddPathToCurrentProfiles(ctx, sample.Timestamp, path, srcLine, sample.UpdateStats); err != nil {
		return err
	}

	if g.metrics != nil {
		g.metrics.samplesResolved.Inc()
	}
	return nil
}
