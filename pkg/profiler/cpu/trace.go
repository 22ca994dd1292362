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
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

// wireNode and wireCallFrame mirror profiler.Node/profiler.CallFrame's
// public shape but with the omitempty tags the streamed JSON encoding
// needs; profiler.Node itself carries "Has*" companion flags instead of
// pointers so the aggregation engine has no marshaling concerns.
type wireCallFrame struct {
	FunctionName string `json:"functionName"`
	URL          string `json:"url,omitempty"`
	ScriptID     int    `json:"scriptId"`
	LineNumber   *int   `json:"lineNumber,omitempty"`
	ColumnNumber *int   `json:"columnNumber,omitempty"`
}

type wireNode struct {
	ID          uint32        `json:"id"`
	CallFrame   wireCallFrame `json:"callFrame"`
	ParentID    *uint32       `json:"parent,omitempty"`
	DeoptReason string        `json:"deoptReason,omitempty"`
}

type wireChunk struct {
	Nodes         []wireNode `json:"nodes,omitempty"`
	Samples       []uint32   `json:"samples,omitempty"`
	TimeDeltas    []int64    `json:"timeDeltas,omitempty"`
	EndTimeMicros *int64     `json:"endTime,omitempty"`
}

// OTelTraceSink implements profiler.TraceSink by emitting one span
// event per trace event on a session-scoped span, JSON-encoding the
// chunk payload as a span attribute the way a browser DevTools protocol
// transport would serialize it over the wire.
type OTelTraceSink struct {
	tracer trace.Tracer
	spans  map[string]trace.Span
}

// NewOTelTraceSink builds a TraceSink that records events against
// spans obtained from tracer. Every session gets its own span, started
// on EmitProfile and ended on the FinishProfile-triggered chunk.
func NewOTelTraceSink(tp trace.TracerProvider) *OTelTraceSink {
	return &OTelTraceSink{
		tracer: tp.Tracer("cpuprofile-agent/pkg/profiler/cpu"),
		spans:  make(map[string]trace.Span),
	}
}

func (s *OTelTraceSink) EmitProfile(sessionID string, startTimeMicros int64) {
	_, span := s.tracer.Start(context.Background(), "cpu_profile")
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int64("start_time_micros", startTimeMicros),
	)
	s.spans[sessionID] = span
}

func (s *OTelTraceSink) EmitProfileChunk(sessionID string, chunk profiler.Chunk) {
	span, ok := s.spans[sessionID]
	if !ok {
		return
	}

	payload, err := json.Marshal(toWireChunk(chunk))
	if err != nil {
		span.RecordError(err)
	} else {
		span.AddEvent("profile_chunk", trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("chunk", string(payload)),
		))
	}

	if chunk.EndTimeMicros != nil {
		span.SetAttributes(attribute.Int64("end_time_micros", *chunk.EndTimeMicros))
		span.End()
		delete(s.spans, sessionID)
	}
}

func toWireChunk(chunk profiler.Chunk) wireChunk {
	wc := wireChunk{
		Samples:       chunk.Samples,
		TimeDeltas:    chunk.TimeDeltas,
		EndTimeMicros: chunk.EndTimeMicros,
	}
	for _, n := range chunk.Nodes {
		wn := wireNode{
			ID: n.ID,
			CallFrame: wireCallFrame{
				FunctionName: n.CallFrame.FunctionName,
				ScriptID:     n.CallFrame.ScriptID,
			},
		}
		if n.CallFrame.HasURL {
			wn.CallFrame.URL = n.CallFrame.URL
		}
		if n.CallFrame.HasLineNumber {
			line := n.CallFrame.LineNumber
			wn.CallFrame.LineNumber = &line
		}
		if n.CallFrame.HasColumnNumber {
			col := n.CallFrame.ColumnNumber
			wn.CallFrame.ColumnNumber = &col
		}
		if n.HasParent {
			parent := n.ParentID
			wn.ParentID = &parent
		}
		if n.HasDeoptReason {
			wn.DeoptReason = n.DeoptReason
		}
		wc.Nodes = append(wc.Nodes, wn)
	}
	return wc
}
