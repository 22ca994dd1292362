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
	"time"

	"github.com/go-kit/log"
	"golang.org/x/sync/semaphore"

	"github.com/parca-dev/cpuprofile-agent/internal/assert"
	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

// kMaxSimultaneousProfiles bounds how many titled sessions can be
// recording at once, matching the source's kMaxSimultaneousProfiles.
const kMaxSimultaneousProfiles = 100

// CpuProfilesCollection owns every in-flight and finished CpuProfile
// for the process. Mutating methods (StartProfiling, StopProfiling,
// RemoveProfile, AddPathToCurrentProfiles) run under a binary semaphore
// so that a sample delivered concurrently with a StartProfiling/StopProfiling
// call from a control goroutine never observes a torn currentProfiles
// slice (spec.md section 5's concurrency model).
type CpuProfilesCollection struct {
	sem *semaphore.Weighted

	currentProfiles  []*CpuProfile
	finishedProfiles []*CpuProfile

	maxSimultaneousProfiles int
	samplesFlushCount       int
	nodesFlushCount         int

	synth   *SyntheticEntries
	sink    profiler.TraceSink
	logger  log.Logger
	metrics *Metrics
}

// CollectionOption configures a CpuProfilesCollection at construction.
type CollectionOption func(*CpuProfilesCollection)

func WithMaxSimultaneousProfiles(n int) CollectionOption {
	return func(c *CpuProfilesCollection) { c.maxSimultaneousProfiles = n }
}

func WithTraceSink(sink profiler.TraceSink) CollectionOption {
	return func(c *CpuProfilesCollection) { c.sink = sink }
}

func WithCollectionLogger(logger log.Logger) CollectionOption {
	return func(c *CpuProfilesCollection) { c.logger = logger }
}

func WithCollectionMetrics(m *Metrics) CollectionOption {
	return func(c *CpuProfilesCollection) { c.metrics = m }
}

// WithSessionSamplesFlushCount sets the samples-flush threshold every
// session started by this collection is given.
func WithSessionSamplesFlushCount(n int) CollectionOption {
	return func(c *CpuProfilesCollection) { c.samplesFlushCount = n }
}

// WithSessionNodesFlushCount sets the nodes-flush threshold every
// session started by this collection is given.
func WithSessionNodesFlushCount(n int) CollectionOption {
	return func(c *CpuProfilesCollection) { c.nodesFlushCount = n }
}

func NewCpuProfilesCollection(synth *SyntheticEntries, opts ...CollectionOption) *CpuProfilesCollection {
	c := &CpuProfilesCollection{
		sem:                     semaphore.NewWeighted(1),
		maxSimultaneousProfiles: kMaxSimultaneousProfiles,
		samplesFlushCount:       defaultSamplesFlushCount,
		nodesFlushCount:         defaultNodesFlushCount,
		synth:                   synth,
		sink:                    profiler.NewNoopSink(),
		logger:                  log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartProfiling begins a new titled recording session, or, if a
// session with that title is already recording, returns true without
// creating a duplicate (spec.md section 4.7: starting an already-running
// title is idempotent). It returns false when the collection is already
// at capacity, checked before the duplicate-title case, so a title that
// happens to match an already-running session is still rejected once
// the collection is full.
func (c *CpuProfilesCollection) StartProfiling(ctx context.Context, title string, recordSamples bool, startTime time.Time) (bool, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer c.sem.Release(1)

	if len(c.currentProfiles) >= c.maxSimultaneousProfiles {
		if c.metrics != nil {
			c.metrics.profilesRejected.Inc()
		}
		return false, nil
	}

	for _, p := range c.currentProfiles {
		if p.Title() == title {
			return true, nil
		}
	}

	if c.metrics != nil {
		c.metrics.profilesStarted.Inc()
	}

	sessionID := title
	profile := NewCpuProfile(sessionID, title, startTime, recordSamples, c.synth, c.sink, c.logger, c.metrics,
		WithSamplesFlushCount(c.samplesFlushCount), WithNodesFlushCount(c.nodesFlushCount))
	c.currentProfiles = append(c.currentProfiles, profile)
	return true, nil
}

// StopProfiling ends the most recently started session matching title
// and moves it to finishedProfiles, returning it. An empty title
// matches whichever session was started last. It returns nil if no
// matching session is currently recording.
func (c *CpuProfilesCollection) StopProfiling(ctx context.Context, title string, endTime time.Time) (*CpuProfile, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	for i := len(c.currentProfiles) - 1; i >= 0; i-- {
		p := c.currentProfiles[i]
		if title != "" && p.Title() != title {
			continue
		}
		c.currentProfiles = append(c.currentProfiles[:i], c.currentProfiles[i+1:]...)
		p.FinishProfile(endTime)
		c.finishedProfiles = append(c.finishedProfiles, p)
		if c.metrics != nil {
			c.metrics.profilesStopped.Inc()
		}
		return p, nil
	}
	return nil, nil
}

// IsLastProfile reports whether title names the sole currently
// recording session. It is unlocked: callers must only invoke it from
// the mutator goroutine that also calls StartProfiling/StopProfiling,
// matching the source's mutator-thread-only contract.
func (c *CpuProfilesCollection) IsLastProfile(title string) bool {
	if len(c.currentProfiles) != 1 {
		return false
	}
	return title == "" || c.currentProfiles[0].Title() == title
}

// RemoveProfile drops profile from finishedProfiles. Precondition:
// profile is present.
func (c *CpuProfilesCollection) RemoveProfile(profile *CpuProfile) {
	_ = c.sem.Acquire(context.Background(), 1)
	defer c.sem.Release(1)

	for i, p := range c.finishedProfiles {
		if p == profile {
			c.finishedProfiles = append(c.finishedProfiles[:i], c.finishedProfiles[i+1:]...)
			return
		}
	}
	assert.Truef(false, "RemoveProfile: profile %q is not a finished profile of this collection", profile.Title())
}

// FinishedProfiles returns every session that has been stopped but not
// yet removed.
func (c *CpuProfilesCollection) FinishedProfiles() []*CpuProfile {
	return c.finishedProfiles
}

// AddPathToCurrentProfiles resolves one sample against every currently
// recording session, under the same semaphore StartProfiling and
// StopProfiling use, so a session cannot be started or stopped mid-broadcast.
func (c *CpuProfilesCollection) AddPathToCurrentProfiles(ctx context.Context, timestamp time.Time, path []*CodeEntry, srcLine int, updateStats bool) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	for _, p := range c.currentProfiles {
		p.AddPath(timestamp, path, srcLine, updateStats)
	}
	return nil
}
