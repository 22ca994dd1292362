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
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

// Default flush thresholds for StreamPendingTraceEvents, matching
// spec.md section 4.6: a session flushes once it has accumulated 100
// unsent samples or 10 unsent nodes, whichever comes first, rather
// than waiting for FinishProfile. WithSamplesFlushCount/WithNodesFlushCount
// override these per session.
const (
	defaultSamplesFlushCount = 100
	defaultNodesFlushCount   = 10
)

// CpuProfile is one profiling session's accumulated calling-context
// tree together with the sample stream recorded against it (spec.md
// section 4.6). AddPath is called once per tick sample; StreamPendingTraceEvents
// and FinishProfile push the session's state to the outbound TraceSink.
type CpuProfile struct {
	sessionID string
	title     string

	startTime time.Time
	endTime   time.Time

	recordSamples bool
	tree          *ProfileTree

	timestamps          []time.Time
	samples             []*ProfileNode
	streamingNextSample int
	lastStreamedTime    time.Time

	samplesFlushCount int
	nodesFlushCount   int

	sink    profiler.TraceSink
	logger  log.Logger
	metrics *Metrics
}

// CpuProfileOption configures a CpuProfile at construction.
type CpuProfileOption func(*CpuProfile)

// WithSamplesFlushCount overrides how many buffered samples trigger an
// eager StreamPendingTraceEvents flush.
func WithSamplesFlushCount(n int) CpuProfileOption {
	return func(p *CpuProfile) { p.samplesFlushCount = n }
}

// WithNodesFlushCount overrides how many new tree nodes trigger an
// eager StreamPendingTraceEvents flush.
func WithNodesFlushCount(n int) CpuProfileOption {
	return func(p *CpuProfile) { p.nodesFlushCount = n }
}

// NewCpuProfile starts a session: it allocates a tree rooted at synth's
// root entry and immediately emits the session's Profile trace event.
// m may be nil, in which case chunk/node counters are simply not kept.
func NewCpuProfile(sessionID, title string, startTime time.Time, recordSamples bool, synth *SyntheticEntries, sink profiler.TraceSink, logger log.Logger, m *Metrics, opts ...CpuProfileOption) *CpuProfile {
	if sink == nil {
		sink = profiler.NewNoopSink()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	p := &CpuProfile{
		sessionID:         sessionID,
		title:             title,
		startTime:         startTime,
		recordSamples:     recordSamples,
		tree:              NewProfileTree(synth),
		sink:              sink,
		logger:            logger,
		metrics:           m,
		lastStreamedTime:  startTime,
		samplesFlushCount: defaultSamplesFlushCount,
		nodesFlushCount:   defaultNodesFlushCount,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sink.EmitProfile(p.sessionID, startTime.UnixMicro())
	return p
}

func (p *CpuProfile) Title() string        { return p.title }
func (p *CpuProfile) StartTime() time.Time { return p.startTime }
func (p *CpuProfile) EndTime() time.Time   { return p.endTime }
func (p *CpuProfile) Tree() *ProfileTree   { return p.tree }

// Fprint writes a human-readable dump of the session's title, sample
// count, and calling-context tree to w, matching CpuProfile::Print in
// the original.
func (p *CpuProfile) Fprint(w io.Writer) {
	fmt.Fprintf(w, "profile %q (%d samples)\n", p.title, len(p.samples))
	p.tree.Fprint(w)
}

// AddPath resolves one sample into the tree and, if the session records
// samples and the sample counts toward statistics, appends it to the
// pending sample stream. It flushes eagerly once either flush threshold
// is crossed.
func (p *CpuProfile) AddPath(timestamp time.Time, path []*CodeEntry, srcLine int, updateStats bool) *ProfileNode {
	node := p.tree.AddPathFromEnd(path, srcLine, updateStats)

	if p.recordSamples && updateStats {
		p.timestamps = append(p.timestamps, timestamp)
		p.samples = append(p.samples, node)
	}

	if len(p.samples)-p.streamingNextSample >= p.samplesFlushCount ||
		p.tree.PendingCount() >= p.nodesFlushCount {
		p.StreamPendingTraceEvents()
	}

	return node
}

// StreamPendingTraceEvents drains every node created and every sample
// recorded since the last flush and emits them as one ProfileChunk. It
// is a no-op if nothing is pending.
func (p *CpuProfile) StreamPendingTraceEvents() {
	pendingNodes := p.tree.TakePendingNodes()
	nodes := make([]profiler.Node, 0, len(pendingNodes))
	for _, n := range pendingNodes {
		nodes = append(nodes, buildNodeValue(n))
	}

	newSamples := p.samples[p.streamingNextSample:]
	newTimestamps := p.timestamps[p.streamingNextSample:]

	var sampleIDs []uint32
	var deltas []int64
	if len(newSamples) > 0 {
		sampleIDs = make([]uint32, len(newSamples))
		deltas = make([]int64, len(newSamples))
		prev := p.lastStreamedTime
		for i, n := range newSamples {
			sampleIDs[i] = n.ID()
			deltas[i] = newTimestamps[i].Sub(prev).Microseconds()
			prev = newTimestamps[i]
		}
		p.lastStreamedTime = prev
		p.streamingNextSample = len(p.samples)
	}

	if len(nodes) == 0 && len(sampleIDs) == 0 {
		return
	}

	level.Debug(p.logger).Log("msg", "streaming profile chunk", "session_id", p.sessionID, "nodes", len(nodes), "samples", len(sampleIDs))

	if p.metrics != nil {
		p.metrics.chunksStreamed.Inc()
		p.metrics.nodesCreated.Add(float64(len(nodes)))
	}

	p.sink.EmitProfileChunk(p.sessionID, profiler.Chunk{
		Nodes:      nodes,
		Samples:    sampleIDs,
		TimeDeltas: deltas,
	})
}

// FinishProfile flushes anything still pending and emits the terminal
// chunk that carries only the session's end time, per spec.md section 4.6.
func (p *CpuProfile) FinishProfile(endTime time.Time) {
	p.endTime = endTime
	p.StreamPendingTraceEvents()

	micros := endTime.UnixMicro()
	p.sink.EmitProfileChunk(p.sessionID, profiler.Chunk{EndTimeMicros: &micros})
}

// buildNodeValue converts one calling-context tree node into its wire
// shape: 0-based line/column numbers, a URL only when the entry names a
// resource, and a deopt reason only when the entry carries a non-empty
// bailout reason that isn't the "no reason" sentinel.
func buildNodeValue(node *ProfileNode) profiler.Node {
	entry := node.Entry()

	cf := profiler.CallFrame{
		FunctionName: entry.Name(),
		ScriptID:     entry.ScriptID(),
	}
	if entry.ResourceName() != "" {
		cf.URL = entry.ResourceName()
		cf.HasURL = true
	}
	if entry.LineNumber() > 0 {
		cf.LineNumber = entry.LineNumber() - 1
		cf.HasLineNumber = true
	}
	if entry.ColumnNumber() > 0 {
		cf.ColumnNumber = entry.ColumnNumber() - 1
		cf.HasColumnNumber = true
	}

	wire := profiler.Node{
		CallFrame: cf,
		ID:        node.ID(),
	}
	if parent := node.Parent(); parent != nil {
		wire.ParentID = parent.ID()
		wire.HasParent = true
	}
	if reason := entry.BailoutReason(); reason != "" && reason != NoBailoutReason {
		wire.DeoptReason = reason
		wire.HasDeoptReason = true
	}
	return wire
}
