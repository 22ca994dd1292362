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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

func TestToWireChunkOmitsUnsetFields(t *testing.T) {
	chunk := profiler.Chunk{
		Nodes: []profiler.Node{{
			ID: 1,
			CallFrame: profiler.CallFrame{
				FunctionName: "foo",
				ScriptID:     profiler.NoScriptID,
			},
		}},
	}

	wc := toWireChunk(chunk)
	payload, err := json.Marshal(wc)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))

	nodes := decoded["nodes"].([]interface{})
	node := nodes[0].(map[string]interface{})
	callFrame := node["callFrame"].(map[string]interface{})
	require.NotContains(t, callFrame, "url")
	require.NotContains(t, callFrame, "lineNumber")
	require.NotContains(t, node, "parent")
	require.NotContains(t, node, "deoptReason")
}

func TestToWireChunkCarriesSetFields(t *testing.T) {
	line := 4
	parent := uint32(1)
	chunk := profiler.Chunk{
		Nodes: []profiler.Node{{
			ID: 2,
			CallFrame: profiler.CallFrame{
				FunctionName:  "foo",
				URL:           "a.js",
				HasURL:        true,
				LineNumber:    line,
				HasLineNumber: true,
			},
			ParentID:       parent,
			HasParent:      true,
			DeoptReason:    "bad type",
			HasDeoptReason: true,
		}},
		Samples:    []uint32{2},
		TimeDeltas: []int64{100},
	}

	wc := toWireChunk(chunk)
	require.Len(t, wc.Nodes, 1)
	require.Equal(t, "a.js", wc.Nodes[0].CallFrame.URL)
	require.NotNil(t, wc.Nodes[0].CallFrame.LineNumber)
	require.Equal(t, 4, *wc.Nodes[0].CallFrame.LineNumber)
	require.NotNil(t, wc.Nodes[0].ParentID)
	require.Equal(t, uint32(1), *wc.Nodes[0].ParentID)
	require.Equal(t, "bad type", wc.Nodes[0].DeoptReason)
}

func TestOTelTraceSinkIgnoresChunkForUnknownSession(t *testing.T) {
	sink := NewOTelTraceSink(trace.NewNoopTracerProvider())
	require.NotPanics(t, func() {
		sink.EmitProfileChunk("missing", profiler.Chunk{})
	})
}

func TestOTelTraceSinkEndsSpanOnTerminalChunk(t *testing.T) {
	sink := NewOTelTraceSink(trace.NewNoopTracerProvider())
	sink.EmitProfile("s1", 0)
	require.Contains(t, sink.spans, "s1")

	end := int64(1000)
	sink.EmitProfileChunk("s1", profiler.Chunk{EndTimeMicros: &end})
	require.NotContains(t, sink.spans, "s1")
}
