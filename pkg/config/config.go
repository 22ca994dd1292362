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

package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

// Defaults applied by Load when the corresponding field is left at its
// YAML zero value.
const (
	DefaultMaxSimultaneousProfiles = 100
	DefaultSamplesFlushCount       = 100
	DefaultNodesFlushCount         = 10
)

// Config holds the session-level configuration for the aggregation
// engine: how many concurrent profiling sessions it will admit, how
// eagerly a session streams pending trace events, and whether unresolved
// samples fall back to VM-state attribution.
type Config struct {
	MaxSimultaneousProfiles int  `yaml:"max_simultaneous_profiles,omitempty"`
	SamplesFlushCount       int  `yaml:"samples_flush_count,omitempty"`
	NodesFlushCount         int  `yaml:"nodes_flush_count,omitempty"`
	BrowserMode             bool `yaml:"browser_mode,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Config, applying defaults to any
// of the flush-tuning fields left unset.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	if cfg.MaxSimultaneousProfiles == 0 {
		cfg.MaxSimultaneousProfiles = DefaultMaxSimultaneousProfiles
	}
	if cfg.SamplesFlushCount == 0 {
		cfg.SamplesFlushCount = DefaultSamplesFlushCount
	}
	if cfg.NodesFlushCount == 0 {
		cfg.NodesFlushCount = DefaultNodesFlushCount
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
