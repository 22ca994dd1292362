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

// Package profiler holds the types shared between the sampler, the
// code-event listener, and the aggregation engine in pkg/profiler/cpu:
// the sentinel values, the wire shape of one observed sample, and the
// seams onto the external collaborators (sampler, trace sink) this
// module receives from but does not itself implement.
package profiler

import "time"

// Address identifies an instruction start within generated code.
type Address uint64

// Sentinel values shared by every component that attributes samples to
// source lines, scripts, or deoptimizations.
const (
	// NoLineNumberInfo marks "no source line known" for a source position.
	NoLineNumberInfo = 0
	// NoScriptID marks a CodeEntry that is not backed by a script.
	NoScriptID = -1
	// NoDeoptimizationID marks a CodeEntry with no pending deopt annotation.
	NoDeoptimizationID = -1
)

// StateTag is the VM state the sampler observed at the moment the sample
// was captured. It drives the "browser mode" fallback attribution in the
// generator when no stack frame could be symbolized.
type StateTag int

const (
	StateJS StateTag = iota
	StateGC
	StateParser
	StateCompiler
	StateBytecodeCompiler
	StateOther
	StateExternal
	StateIdle
)

func (s StateTag) String() string {
	switch s {
	case StateJS:
		return "JS"
	case StateGC:
		return "GC"
	case StateParser:
		return "PARSER"
	case StateCompiler:
		return "COMPILER"
	case StateBytecodeCompiler:
		return "BYTECODE_COMPILER"
	case StateOther:
		return "OTHER"
	case StateExternal:
		return "EXTERNAL"
	case StateIdle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}

// TickSample is one raw observation delivered by the signal-driven
// sampler. PC and ExternalCallbackEntry are only meaningful when their
// accompanying "Has*" flag is set; a sample can carry neither, meaning
// the sampler caught the VM strictly between frames.
type TickSample struct {
	PC    Address
	HasPC bool

	TOS Address

	ExternalCallbackEntry Address
	HasExternalCallback   bool

	State StateTag

	Timestamp time.Time
	Stack     []Address

	// UpdateStats is false for samples taken purely to force a session to
	// emit a chunk (e.g. CpuProfilesCollection.StartProfiling's "already
	// recording" path), and true for ordinary ticks.
	UpdateStats bool
}

// FunctionMetadata is what the (out of scope) compiler collaborator
// supplies about a JS-level function when a CodeEntry is created for it.
// It stands in for reading fields off a SharedFunctionInfo directly.
type FunctionMetadata struct {
	ScriptID                  int
	StartPosition             int
	DisableOptimizationReason string
}

// Sampler is the out-of-scope external collaborator that drives
// ProfileGenerator.RecordTickSample. It is declared here so wiring code
// can depend on an interface rather than a concrete sampler.
type Sampler interface {
	// Ticks streams TickSamples until the returned channel is closed.
	Ticks() <-chan TickSample
}
