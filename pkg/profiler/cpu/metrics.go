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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters this package's engine exposes. It is
// constructed once per process and threaded into the ProfileGenerator
// and CpuProfilesCollection that need it.
type Metrics struct {
	samplesReceived prometheus.Counter
	samplesResolved prometheus.Counter

	profilesStarted  prometheus.Counter
	profilesStopped  prometheus.Counter
	profilesRejected prometheus.Counter

	nodesCreated    prometheus.Counter
	chunksStreamed  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samplesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cpuprofile_samples_received_total",
			Help: "Total number of tick samples handed to the profile generator.",
		}),
		samplesResolved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cpuprofile_samples_resolved_total",
			Help: "Total number of tick samples successfully broadcast to at least a call path.",
		}),
		profilesStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cpuprofile_sessions_started_total",
			Help: "Total number of profiling sessions started.",
		}),
		profilesStopped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cpuprofile_sessions_stopped_total",
			Help: "Total number of profiling sessions stopped.",
		}),
		profilesRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cpuprofile_sessions_rejected_total",
			Help: "Total number of StartProfiling calls rejected because the collection was at capacity.",
		}),
		nodesCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cpuprofile_tree_nodes_created_total",
			Help: "Total number of calling-context tree nodes created across all sessions.",
		}),
		chunksStreamed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cpuprofile_chunks_streamed_total",
			Help: "Total number of ProfileChunk trace events emitted.",
		}),
	}
	return m
}
