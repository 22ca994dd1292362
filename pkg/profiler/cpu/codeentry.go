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
	"fmt"

	"github.com/parca-dev/cpuprofile-agent/internal/assert"
	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

// Tag classifies what kind of code object a CodeEntry describes.
type Tag int

const (
	TagFunction Tag = iota
	TagBuiltin
	TagCallback
	TagStub
	TagRegExp
	TagScript
	TagOther
)

// BuiltinID identifies a well-known VM builtin. Only a handful of
// builtins matter to attribution (see ProfileGenerator); everything
// else is NoBuiltin.
type BuiltinID int

const NoBuiltin BuiltinID = -1

const (
	BuiltinFunctionPrototypeApply BuiltinID = iota + 1
	BuiltinFunctionPrototypeCall
)

// Well-known literal names for the four process-wide synthetic entries
// and the tree root, and the sentinel bailout reason meaning "no
// bailout" (spec.md section 6).
const (
	ProgramEntryName          = "(program)"
	IdleEntryName             = "(idle)"
	GarbageCollectorEntryName = "(garbage collector)"
	UnresolvedFunctionName    = "(unresolved function)"
	RootEntryName             = "(root)"

	NoBailoutReason = "no reason"
)

// DeoptFrame is one frame of a deopt's inlined-frame stack: the script
// and byte offset an inlined call site sat at.
type DeoptFrame struct {
	ScriptID int
	Position int
}

// DeoptInfo is the result of CodeEntry.DeoptInfo: the reason the
// optimized code was thrown away and the inline stack active at the
// deopt point.
type DeoptInfo struct {
	Reason string
	Stack  []DeoptFrame
}

// CodeEntry is a symbolic descriptor of one code object: a function, a
// builtin, a stub, or a synthetic entry such as "(program)". It is
// logically immutable with respect to identity once installed in a
// CodeMap; its deopt-info fields are transient, single-consumption
// annotations set by the code-event listener and cleared by
// ProfileNode.CollectDeoptInfo.
type CodeEntry struct {
	tag Tag

	namePrefix   string
	name         string
	resourceName string

	lineNumber   int
	columnNumber int

	scriptID int
	position int

	builtinID BuiltinID

	instructionStart profiler.Address

	positions *SourcePositionTable

	inlineStacks map[int][]*CodeEntry
	deoptFrames  map[int][]DeoptFrame

	bailoutReason string
	deoptReason   string
	deoptID       int
}

// CodeEntryOption configures the attributes of a CodeEntry that are
// often absent: name prefix, resource name, line/column, script
// position, and instruction start.
type CodeEntryOption func(*CodeEntry)

func WithNamePrefix(prefix string) CodeEntryOption {
	return func(e *CodeEntry) { e.namePrefix = prefix }
}

func WithResourceName(resourceName string) CodeEntryOption {
	return func(e *CodeEntry) { e.resourceName = resourceName }
}

func WithLineNumber(line int) CodeEntryOption {
	return func(e *CodeEntry) { e.lineNumber = line }
}

func WithColumnNumber(column int) CodeEntryOption {
	return func(e *CodeEntry) { e.columnNumber = column }
}

func WithScriptPosition(scriptID, position int) CodeEntryOption {
	return func(e *CodeEntry) {
		e.scriptID = scriptID
		e.position = position
	}
}

func WithInstructionStart(addr profiler.Address) CodeEntryOption {
	return func(e *CodeEntry) { e.instructionStart = addr }
}

// NewCodeEntry constructs a CodeEntry. Without WithScriptPosition, the
// entry has no script id (profiler.NoScriptID) and participates in
// identity comparisons via (namePrefix, name, resourceName, lineNumber).
func NewCodeEntry(tag Tag, name string, opts ...CodeEntryOption) *CodeEntry {
	e := &CodeEntry{
		tag:       tag,
		name:      name,
		scriptID:  profiler.NoScriptID,
		builtinID: NoBuiltin,
		deoptID:   profiler.NoDeoptimizationID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *CodeEntry) Tag() Tag                          { return e.tag }
func (e *CodeEntry) NamePrefix() string                { return e.namePrefix }
func (e *CodeEntry) Name() string                      { return e.name }
func (e *CodeEntry) ResourceName() string               { return e.resourceName }
func (e *CodeEntry) LineNumber() int                    { return e.lineNumber }
func (e *CodeEntry) ColumnNumber() int                  { return e.columnNumber }
func (e *CodeEntry) ScriptID() int                      { return e.scriptID }
func (e *CodeEntry) Position() int                      { return e.position }
func (e *CodeEntry) BuiltinID() BuiltinID               { return e.builtinID }
func (e *CodeEntry) InstructionStart() profiler.Address { return e.instructionStart }
func (e *CodeEntry) BailoutReason() string              { return e.bailoutReason }

// SetBuiltinID marks this entry as the given builtin and retags it.
func (e *CodeEntry) SetBuiltinID(id BuiltinID) {
	e.tag = TagBuiltin
	e.builtinID = id
}

// SetBailoutReason records why this entry's code was deoptimized and
// cannot be re-optimized, as reported by the code_disable_opt listener
// event. It is the entry's persistent optimization state, distinct from
// the transient per-sample deopt info collected by DeoptInfo.
func (e *CodeEntry) SetBailoutReason(reason string) { e.bailoutReason = reason }

// FillFromMetadata copies script id, start position, and bailout reason
// off the (out of scope) compiler collaborator's function metadata, the
// Go-native replacement for reading a SharedFunctionInfo directly.
func (e *CodeEntry) FillFromMetadata(meta profiler.FunctionMetadata) {
	e.scriptID = meta.ScriptID
	e.position = meta.StartPosition
	e.bailoutReason = meta.DisableOptimizationReason
}

// AddInlineStack records the ordered sequence of inlined CodeEntries
// active at pcOffset. The engine owns the stack's entries.
func (e *CodeEntry) AddInlineStack(pcOffset int, stack []*CodeEntry) {
	if e.inlineStacks == nil {
		e.inlineStacks = make(map[int][]*CodeEntry)
	}
	e.inlineStacks[pcOffset] = stack
}

// InlineStack returns the inline stack recorded for pcOffset, or
// (nil, false) if none was recorded.
func (e *CodeEntry) InlineStack(pcOffset int) ([]*CodeEntry, bool) {
	stack, ok := e.inlineStacks[pcOffset]
	return stack, ok
}

// AddDeoptInlinedFrames records the inlined-frame stack active for a
// given deopt id, so that a later CollectDeoptInfo can attach the full
// stack rather than a single synthesized frame.
func (e *CodeEntry) AddDeoptInlinedFrames(deoptID int, frames []DeoptFrame) {
	if e.deoptFrames == nil {
		e.deoptFrames = make(map[int][]DeoptFrame)
	}
	e.deoptFrames[deoptID] = frames
}

// SetDeoptReason records the reason the runtime deoptimized this code
// object.
func (e *CodeEntry) SetDeoptReason(reason string) { e.deoptReason = reason }

// SetDeoptID marks this entry as carrying a pending deopt annotation for
// the given id. profiler.NoDeoptimizationID clears the annotation.
func (e *CodeEntry) SetDeoptID(id int) { e.deoptID = id }

// ClearDeoptInfo drops the pending deopt annotation; it is called once
// the annotation has been consumed by CollectDeoptInfo.
func (e *CodeEntry) ClearDeoptInfo() {
	e.deoptID = profiler.NoDeoptimizationID
	e.deoptReason = ""
}

// HasDeoptInfo reports whether this entry currently carries a pending
// deopt annotation.
func (e *CodeEntry) HasDeoptInfo() bool {
	return e.deoptID != profiler.NoDeoptimizationID
}

// DeoptInfo returns the deopt record for the entry's current deopt id.
// Precondition: HasDeoptInfo().
func (e *CodeEntry) DeoptInfo() DeoptInfo {
	assert.Truef(e.HasDeoptInfo(), "CodeEntry.DeoptInfo called without a pending deopt annotation")

	info := DeoptInfo{Reason: e.deoptReason}
	if frames, ok := e.deoptFrames[e.deoptID]; ok {
		info.Stack = frames
		return info
	}

	position := e.position
	if position < 0 {
		position = 0
	}
	info.Stack = []DeoptFrame{{ScriptID: e.scriptID, Position: position}}
	return info
}

// GetSourceLine resolves the source line for pcOffset via the entry's
// SourcePositionTable, if any.
func (e *CodeEntry) GetSourceLine(pcOffset int) int {
	if e.positions == nil {
		return profiler.NoLineNumberInfo
	}
	return e.positions.Lookup(pcOffset)
}

// SetSourcePositionTable installs the SourcePositionTable the compiler
// collaborator produced for this code object.
func (e *CodeEntry) SetSourcePositionTable(t *SourcePositionTable) {
	e.positions = t
}

// SameFunctionAs implements the identity rule from spec.md section 3:
// two entries denote the same function when they share a script
// position, or, for scriptless entries, when name prefix, name,
// resource name, and line number all match.
func (e *CodeEntry) SameFunctionAs(other *CodeEntry) bool {
	if e == other {
		return true
	}
	if other == nil {
		return false
	}
	if e.scriptID != profiler.NoScriptID {
		return e.scriptID == other.scriptID && e.position == other.position
	}
	return other.scriptID == profiler.NoScriptID &&
		e.namePrefix == other.namePrefix &&
		e.name == other.name &&
		e.resourceName == other.resourceName &&
		e.lineNumber == other.lineNumber
}

// Hash agrees with SameFunctionAs: it produces the same value for any
// pair of entries SameFunctionAs reports equal.
func (e *CodeEntry) Hash() uint32 {
	if e.scriptID != profiler.NoScriptID {
		return fnv32(fmt.Sprintf("s:%d:%d", e.scriptID, e.position))
	}
	return fnv32(fmt.Sprintf("f:%s\x00%s\x00%s\x00%d", e.namePrefix, e.name, e.resourceName, e.lineNumber))
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// SyntheticEntries bundles the process-wide well-known entries as an
// explicit value threaded through construction, replacing the source's
// lazily-initialized global singletons (spec.md section 9's design
// note): Program, Idle, GC, Unresolved, and the tree's Root.
type SyntheticEntries struct {
	Program    *CodeEntry
	Idle       *CodeEntry
	GC         *CodeEntry
	Unresolved *CodeEntry
	Root       *CodeEntry
}

// NewSyntheticEntries builds a fresh set of well-known entries.
func NewSyntheticEntries() *SyntheticEntries {
	return &SyntheticEntries{
		Program:    NewCodeEntry(TagFunction, ProgramEntryName),
		Idle:       NewCodeEntry(TagFunction, IdleEntryName),
		GC:         NewCodeEntry(TagBuiltin, GarbageCollectorEntryName),
		Unresolved: NewCodeEntry(TagFunction, UnresolvedFunctionName),
		Root:       NewCodeEntry(TagFunction, RootEntryName),
	}
}

// EntryForState maps a sampled VM state to the synthetic entry the
// browser-mode fallback should attribute an unsymbolized sample to
// (spec.md section 4.8 step 4).
func (s *SyntheticEntries) EntryForState(state profiler.StateTag) *CodeEntry {
	switch state {
	case profiler.StateGC:
		return s.GC
	case profiler.StateIdle:
		return s.Idle
	case profiler.StateJS, profiler.StateParser, profiler.StateCompiler,
		profiler.StateBytecodeCompiler, profiler.StateOther, profiler.StateExternal:
		return s.Program
	default:
		return s.Program
	}
}
