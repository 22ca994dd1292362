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

package cpu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

func TestNewCodeEntryDefaults(t *testing.T) {
	e := NewCodeEntry(TagFunction, "foo")
	require.Equal(t, "foo", e.Name())
	require.Equal(t, profiler.NoScriptID, e.ScriptID())
	require.Equal(t, NoBuiltin, e.BuiltinID())
	require.False(t, e.HasDeoptInfo())
}

func TestSameFunctionAsByScriptPosition(t *testing.T) {
	a := NewCodeEntry(TagFunction, "foo", WithScriptPosition(1, 10))
	b := NewCodeEntry(TagFunction, "bar", WithScriptPosition(1, 10))
	c := NewCodeEntry(TagFunction, "foo", WithScriptPosition(1, 11))

	require.True(t, a.SameFunctionAs(b))
	require.False(t, a.SameFunctionAs(c))
	require.Equal(t, a.Hash(), b.Hash())
}

func TestSameFunctionAsByNameTuple(t *testing.T) {
	a := NewCodeEntry(TagFunction, "foo", WithResourceName("a.js"), WithLineNumber(3))
	b := NewCodeEntry(TagFunction, "foo", WithResourceName("a.js"), WithLineNumber(3))
	c := NewCodeEntry(TagFunction, "foo", WithResourceName("a.js"), WithLineNumber(4))

	require.True(t, a.SameFunctionAs(b))
	require.False(t, a.SameFunctionAs(c))
	require.Equal(t, a.Hash(), b.Hash())
}

func TestSameFunctionAsNilAndSelf(t *testing.T) {
	a := NewCodeEntry(TagFunction, "foo")
	require.True(t, a.SameFunctionAs(a))
	require.False(t, a.SameFunctionAs(nil))
}

func TestDeoptInfoPanicsWithoutPendingAnnotation(t *testing.T) {
	e := NewCodeEntry(TagFunction, "foo")
	require.Panics(t, func() { e.DeoptInfo() })
}

func TestDeoptInfoDefaultsToSyntheticFrame(t *testing.T) {
	e := NewCodeEntry(TagFunction, "foo", WithScriptPosition(7, 42))
	e.SetDeoptID(1)
	e.SetDeoptReason("insufficient type feedback")

	info := e.DeoptInfo()
	require.Equal(t, "insufficient type feedback", info.Reason)
	require.Equal(t, []DeoptFrame{{ScriptID: 7, Position: 42}}, info.Stack)

	e.ClearDeoptInfo()
	require.False(t, e.HasDeoptInfo())
}

func TestDeoptInfoPrefersRecordedInlinedFrames(t *testing.T) {
	e := NewCodeEntry(TagFunction, "foo")
	e.AddDeoptInlinedFrames(2, []DeoptFrame{{ScriptID: 1, Position: 5}, {ScriptID: 1, Position: 9}})
	e.SetDeoptID(2)
	e.SetDeoptReason("bad type")

	info := e.DeoptInfo()
	require.Len(t, info.Stack, 2)
}

func TestGetSourceLineWithoutTable(t *testing.T) {
	e := NewCodeEntry(TagFunction, "foo")
	require.Equal(t, profiler.NoLineNumberInfo, e.GetSourceLine(10))
}

func TestGetSourceLineWithTable(t *testing.T) {
	e := NewCodeEntry(TagFunction, "foo")
	tbl := NewSourcePositionTable()
	tbl.Set(0, 1)
	tbl.Set(10, 2)
	e.SetSourcePositionTable(tbl)

	require.Equal(t, 1, e.GetSourceLine(5))
	require.Equal(t, 2, e.GetSourceLine(20))
}

func TestInlineStack(t *testing.T) {
	e := NewCodeEntry(TagFunction, "outer")
	inlined := []*CodeEntry{NewCodeEntry(TagFunction, "inner")}
	e.AddInlineStack(4, inlined)

	stack, ok := e.InlineStack(4)
	require.True(t, ok)
	require.Equal(t, inlined, stack)

	_, ok = e.InlineStack(5)
	require.False(t, ok)
}

func TestSetBuiltinIDRetagsEntry(t *testing.T) {
	e := NewCodeEntry(TagFunction, "apply")
	e.SetBuiltinID(BuiltinFunctionPrototypeApply)
	require.Equal(t, TagBuiltin, e.Tag())
	require.Equal(t, BuiltinFunctionPrototypeApply, e.BuiltinID())
}

func TestSetBailoutReasonIsPersistentAcrossDeoptCollection(t *testing.T) {
	e := NewCodeEntry(TagFunction, "foo")
	require.Equal(t, "", e.BailoutReason())

	e.SetBailoutReason("too big")
	require.Equal(t, "too big", e.BailoutReason())

	e.SetDeoptID(1)
	e.SetDeoptReason("bad type")
	e.ClearDeoptInfo()
	require.Equal(t, "too big", e.BailoutReason())
}

func TestFillFromMetadata(t *testing.T) {
	e := NewCodeEntry(TagFunction, "foo")
	e.FillFromMetadata(profiler.FunctionMetadata{
		ScriptID:                  3,
		StartPosition:             12,
		DisableOptimizationReason: "too big",
	})
	require.Equal(t, 3, e.ScriptID())
	require.Equal(t, 12, e.Position())
	require.Equal(t, "too big", e.BailoutReason())
}

func TestSyntheticEntriesEntryForState(t *testing.T) {
	s := NewSyntheticEntries()

	require.Same(t, s.GC, s.EntryForState(profiler.StateGC))
	require.Same(t, s.Idle, s.EntryForState(profiler.StateIdle))
	require.Same(t, s.Program, s.EntryForState(profiler.StateJS))
	require.Same(t, s.Program, s.EntryForState(profiler.StateExternal))
}
