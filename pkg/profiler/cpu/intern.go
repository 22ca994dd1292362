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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stringInterner deduplicates the name/resource-name/name-prefix strings
// CodeEntry carries, the way the source's `const char*` name pointers
// are shared across CodeEntries for the same function. It is
// mutator-thread only, matching CodeMap's ownership discipline.
type stringInterner struct {
	mtx     sync.RWMutex
	strings map[string]string

	hits   prometheus.Counter
	misses prometheus.Counter
}

func newStringInterner(reg prometheus.Registerer) *stringInterner {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cpuprofile_interner_requests_total",
		Help: "Total number of string interning requests.",
	}, []string{"result"})

	return &stringInterner{
		strings: make(map[string]string),
		hits:    requests.WithLabelValues("hit"),
		misses:  requests.WithLabelValues("miss"),
	}
}

// Intern returns the canonical copy of s, storing s as the canonical
// copy the first time it is seen.
func (i *stringInterner) Intern(s string) string {
	if s == "" {
		return ""
	}

	i.mtx.RLock()
	canonical, ok := i.strings[s]
	i.mtx.RUnlock()
	if ok {
		i.hits.Inc()
		return canonical
	}

	i.mtx.Lock()
	defer i.mtx.Unlock()
	if canonical, ok := i.strings[s]; ok {
		i.hits.Inc()
		return canonical
	}
	i.strings[s] = s
	i.misses.Inc()
	return s
}
