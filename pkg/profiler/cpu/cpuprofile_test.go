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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

type spySink struct {
	profilesStarted []string
	chunks          []profiler.Chunk
}

func (s *spySink) EmitProfile(sessionID string, startTimeMicros int64) {
	s.profilesStarted = append(s.profilesStarted, sessionID)
}

func (s *spySink) EmitProfileChunk(sessionID string, chunk profiler.Chunk) {
	s.chunks = append(s.chunks, chunk)
}

func TestNewCpuProfileEmitsProfileImmediately(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	start := time.Unix(1000, 0)

	p := NewCpuProfile("s1", "main", start, true, synth, sink, nil, nil)

	require.Equal(t, []string{"s1"}, sink.profilesStarted)
	require.Equal(t, "main", p.Title())
	require.Equal(t, start, p.StartTime())
}

func TestCpuProfileAddPathAccumulatesSamplesWhenRecording(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	p := NewCpuProfile("s1", "main", time.Unix(1000, 0), true, synth, sink, nil, nil)

	foo := NewCodeEntry(TagFunction, "foo")
	p.AddPath(time.Unix(1000, 1000), []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)

	require.Len(t, p.samples, 1)
	require.Len(t, p.timestamps, 1)
}

func TestCpuProfileAddPathSkipsSampleWhenNotRecording(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	p := NewCpuProfile("s1", "main", time.Unix(1000, 0), false, synth, sink, nil, nil)

	foo := NewCodeEntry(TagFunction, "foo")
	p.AddPath(time.Unix(1000, 1000), []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)

	require.Empty(t, p.samples)
}

func TestCpuProfileAddPathIgnoresSampleWhenUpdateStatsFalse(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	p := NewCpuProfile("s1", "main", time.Unix(1000, 0), true, synth, sink, nil, nil)

	foo := NewCodeEntry(TagFunction, "foo")
	p.AddPath(time.Unix(1000, 1000), []*CodeEntry{foo}, profiler.NoLineNumberInfo, false)

	require.Empty(t, p.samples)
}

func TestCpuProfileStreamPendingTraceEventsNoopWhenEmpty(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	p := NewCpuProfile("s1", "main", time.Unix(1000, 0), true, synth, sink, nil, nil)

	p.StreamPendingTraceEvents()
	require.Empty(t, sink.chunks)
}

func TestCpuProfileStreamPendingTraceEventsCarriesNodesAndSamples(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	start := time.Unix(1000, 0)
	p := NewCpuProfile("s1", "main", start, true, synth, sink, nil, nil)

	foo := NewCodeEntry(TagFunction, "foo")
	p.AddPath(start.Add(10*time.Millisecond), []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)
	p.StreamPendingTraceEvents()

	require.Len(t, sink.chunks, 1)
	chunk := sink.chunks[0]
	require.Len(t, chunk.Nodes, 1)
	require.Len(t, chunk.Samples, 1)
	require.Equal(t, int64(10*time.Millisecond/time.Microsecond), chunk.TimeDeltas[0])
	require.Nil(t, chunk.EndTimeMicros)
}

func TestCpuProfileStreamPendingTraceEventsDoesNotResendAlreadyStreamed(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	start := time.Unix(1000, 0)
	p := NewCpuProfile("s1", "main", start, true, synth, sink, nil, nil)

	foo := NewCodeEntry(TagFunction, "foo")
	p.AddPath(start, []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)
	p.StreamPendingTraceEvents()
	require.Len(t, sink.chunks, 1)

	p.AddPath(start.Add(time.Millisecond), []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)
	p.StreamPendingTraceEvents()
	require.Len(t, sink.chunks, 2)
	require.Empty(t, sink.chunks[1].Nodes)
	require.Len(t, sink.chunks[1].Samples, 1)
}

func TestCpuProfileAddPathAutoFlushesOnSampleThreshold(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	start := time.Unix(1000, 0)
	p := NewCpuProfile("s1", "main", start, true, synth, sink, nil, nil)

	foo := NewCodeEntry(TagFunction, "foo")
	for i := 0; i < defaultSamplesFlushCount; i++ {
		p.AddPath(start.Add(time.Duration(i)*time.Millisecond), []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)
	}

	require.Len(t, sink.chunks, 1)
}

func TestCpuProfileWithSamplesFlushCountOverridesDefault(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	start := time.Unix(1000, 0)
	p := NewCpuProfile("s1", "main", start, true, synth, sink, nil, nil, WithSamplesFlushCount(2))

	foo := NewCodeEntry(TagFunction, "foo")
	p.AddPath(start, []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)
	require.Empty(t, sink.chunks)

	p.AddPath(start.Add(time.Millisecond), []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)
	require.Len(t, sink.chunks, 1)
}

func TestCpuProfileWithNodesFlushCountOverridesDefault(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	start := time.Unix(1000, 0)
	p := NewCpuProfile("s1", "main", start, true, synth, sink, nil, nil, WithNodesFlushCount(1))

	foo := NewCodeEntry(TagFunction, "foo")
	p.AddPath(start, []*CodeEntry{foo}, profiler.NoLineNumberInfo, true)

	require.Len(t, sink.chunks, 1)
}

func TestCpuProfileFinishProfileEmitsTerminalChunk(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	start := time.Unix(1000, 0)
	p := NewCpuProfile("s1", "main", start, true, synth, sink, nil, nil)

	end := start.Add(time.Second)
	p.FinishProfile(end)

	require.Equal(t, end, p.EndTime())
	last := sink.chunks[len(sink.chunks)-1]
	require.NotNil(t, last.EndTimeMicros)
	require.Equal(t, end.UnixMicro(), *last.EndTimeMicros)
	require.Empty(t, last.Nodes)
	require.Empty(t, last.Samples)
}

func TestBuildNodeValueOmitsUnsetFields(t *testing.T) {
	root := newProfileNode(1, nil, NewCodeEntry(TagFunction, RootEntryName))
	wire := buildNodeValue(root)

	require.False(t, wire.CallFrame.HasURL)
	require.False(t, wire.CallFrame.HasLineNumber)
	require.False(t, wire.CallFrame.HasColumnNumber)
	require.False(t, wire.HasParent)
	require.False(t, wire.HasDeoptReason)
}

func TestBuildNodeValueConvertsToZeroBasedLineAndColumn(t *testing.T) {
	entry := NewCodeEntry(TagFunction, "foo", WithResourceName("a.js"), WithLineNumber(5), WithColumnNumber(10))
	parent := newProfileNode(1, nil, NewCodeEntry(TagFunction, RootEntryName))
	node := newProfileNode(2, parent, entry)

	wire := buildNodeValue(node)

	require.True(t, wire.CallFrame.HasURL)
	require.Equal(t, "a.js", wire.CallFrame.URL)
	require.Equal(t, 4, wire.CallFrame.LineNumber)
	require.Equal(t, 9, wire.CallFrame.ColumnNumber)
	require.True(t, wire.HasParent)
	require.Equal(t, uint32(1), wire.ParentID)
}

func TestBuildNodeValueOmitsNoBailoutReason(t *testing.T) {
	entry := NewCodeEntry(TagFunction, "foo")
	entry.SetBailoutReason(NoBailoutReason)

	node := newProfileNode(1, nil, entry)

	wire := buildNodeValue(node)
	require.False(t, wire.HasDeoptReason)
}

func TestBuildNodeValueIncludesRealBailoutReason(t *testing.T) {
	entry := NewCodeEntry(TagFunction, "foo")
	entry.SetBailoutReason("bad type")

	node := newProfileNode(1, nil, entry)

	wire := buildNodeValue(node)
	require.True(t, wire.HasDeoptReason)
	require.Equal(t, "bad type", wire.DeoptReason)
}

func TestBuildNodeValueBailoutReasonIsPersistentNotTiedToDeoptCollection(t *testing.T) {
	entry := NewCodeEntry(TagFunction, "foo")
	entry.SetBailoutReason("bad type")
	entry.SetDeoptID(1)
	entry.SetDeoptReason("different transient reason")

	node := newProfileNode(1, nil, entry)
	node.collectDeoptInfo(entry) // clears the entry's pending deopt info, not its bailout reason

	wire := buildNodeValue(node)
	require.True(t, wire.HasDeoptReason)
	require.Equal(t, "bad type", wire.DeoptReason)
}

func TestCpuProfileFprintIncludesTitleAndSampleCount(t *testing.T) {
	synth := NewSyntheticEntries()
	sink := &spySink{}
	start := time.Unix(1000, 0)

	p := NewCpuProfile("s1", "main", start, true, synth, sink, nil, nil)
	main := NewCodeEntry(TagFunction, "main")
	p.AddPath(start, []*CodeEntry{main}, profiler.NoLineNumberInfo, true)

	var b strings.Builder
	p.Fprint(&b)

	require.Contains(t, b.String(), `profile "main" (1 samples)`)
	require.Contains(t, b.String(), "main")
}
