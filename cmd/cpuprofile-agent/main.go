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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/alecthomas/kong"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/cpuprofile-agent/pkg/config"
	"github.com/parca-dev/cpuprofile-agent/pkg/profiler/cpu"
)

var (
	version string
	commit  string
	date    string
)

type flags struct {
	LogLevel    string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	HTTPAddress string `kong:"help='Address to bind the metrics/debug HTTP server to.',default=':7071'"`
	ConfigPath  string `kong:"help='Path to the session-tuning config file. Leave empty to use defaults.',default=''"`

	MaxSimultaneousProfiles int  `kong:"help='Override for the maximum number of concurrently recording sessions.',default='0'"`
	SamplesFlushCount       int  `kong:"help='Override for how many buffered samples trigger a chunk flush.',default='0'"`
	NodesFlushCount         int  `kong:"help='Override for how many new tree nodes trigger a chunk flush.',default='0'"`
	BrowserMode             bool `kong:"help='Attribute unresolved samples to a VM-state pseudo frame instead of dropping them.'"`

	TraceExporter string `kong:"enum='stdout,none',help='Where profile trace events are emitted.',default='none'"`

	Demo bool `kong:"help='Drive the engine with a synthetic tick-sample generator instead of waiting for a real sampler. Useful for local smoke-testing.'"`
	Dump bool `kong:"help='On shutdown, print the demo calling-context tree to stderr. Only meaningful with --demo.'"`
}

func main() {
	flgs := flags{}
	kong.Parse(&flgs, kong.Vars{
		"version": version,
	})

	logger := newLogger(flgs.LogLevel)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("CPU Profile Agent", "roman", "yellow", true)
	intro.Print()

	level.Debug(logger).Log("msg", "cpuprofile-agent initialized", "version", version, "commit", commit, "date", date)

	if err := run(logger, reg, flgs); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var opt level.Option
	switch lvl {
	case "error":
		opt = level.AllowError()
	case "warn":
		opt = level.AllowWarn()
	case "debug":
		opt = level.AllowDebug()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(logger, opt)
}

func run(logger log.Logger, reg *prometheus.Registry, flgs flags) error {
	cfg := &config.Config{}
	if flgs.ConfigPath != "" {
		loaded, err := config.LoadFile(flgs.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg = loaded
	} else {
		cfg.MaxSimultaneousProfiles = config.DefaultMaxSimultaneousProfiles
		cfg.SamplesFlushCount = config.DefaultSamplesFlushCount
		cfg.NodesFlushCount = config.DefaultNodesFlushCount
	}
	if flgs.MaxSimultaneousProfiles > 0 {
		cfg.MaxSimultaneousProfiles = flgs.MaxSimultaneousProfiles
	}
	if flgs.SamplesFlushCount > 0 {
		cfg.SamplesFlushCount = flgs.SamplesFlushCount
	}
	if flgs.NodesFlushCount > 0 {
		cfg.NodesFlushCount = flgs.NodesFlushCount
	}
	if flgs.BrowserMode {
		cfg.BrowserMode = true
	}
	level.Debug(logger).Log("msg", "resolved config", "config", cfg.String())

	tracerProvider, shutdownTracing, err := newTracerProvider(flgs.TraceExporter)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	sink := cpu.NewOTelTraceSink(tracerProvider)

	metrics := cpu.NewMetrics(reg)
	synth := cpu.NewSyntheticEntries()
	codeMap := cpu.NewCachedCodeMap(reg)
	collection := cpu.NewCpuProfilesCollection(synth,
		cpu.WithMaxSimultaneousProfiles(cfg.MaxSimultaneousProfiles),
		cpu.WithTraceSink(sink),
		cpu.WithCollectionLogger(log.With(logger, "component", "cpuprofile-collection")),
		cpu.WithCollectionMetrics(metrics),
		cpu.WithSessionSamplesFlushCount(cfg.SamplesFlushCount),
		cpu.WithSessionNodesFlushCount(cfg.NodesFlushCount),
	)
	generator := cpu.NewProfileGenerator(codeMap, synth, metrics,
		cpu.WithBrowserMode(cfg.BrowserMode),
		cpu.WithGeneratorLogger(log.With(logger, "component", "cpuprofile-generator")),
	)

	var g okrun.Group

	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	g.Add(okrun.SignalHandler(ctx, os.Interrupt))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: flgs.HTTPAddress, Handler: mux}
	g.Add(func() error {
		level.Info(logger).Log("msg", "starting HTTP server", "address", flgs.HTTPAddress)
		return httpServer.ListenAndServe()
	}, func(error) {
		_ = httpServer.Close()
	})

	if flgs.Demo {
		sampler := newSyntheticSampler(codeMap)
		sampleCtx, cancelSample := context.WithCancel(ctx)
		if _, err := collection.StartProfiling(sampleCtx, "demo", true, sampler.now()); err != nil {
			cancelSample()
			return fmt.Errorf("failed to start demo profiling session: %w", err)
		}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting: synthetic sample feed")
			defer level.Debug(logger).Log("msg", "stopped: synthetic sample feed")
			for {
				sample, ok := sampler.next(sampleCtx)
				if !ok {
					return nil
				}
				if err := generator.RecordTickSample(sampleCtx, collection, sample); err != nil {
					level.Warn(logger).Log("msg", "failed to record synthetic sample", "err", err)
				}
			}
		}, func(error) {
			cancelSample()
			if flgs.Dump {
				profile, err := collection.StopProfiling(context.Background(), "demo", sampler.now())
				if err != nil {
					level.Warn(logger).Log("msg", "failed to stop demo profiling session for dump", "err", err)
				} else {
					profile.Fprint(os.Stderr)
				}
			}
		})
	}

	g.Add(func() error {
		<-ctx.Done()
		return shutdownTracing(context.Background())
	}, func(error) {})

	level.Info(logger).Log("msg", "starting...", "http_address", flgs.HTTPAddress)
	return g.Run()
}

// newTracerProvider builds the OpenTelemetry TracerProvider that backs
// the trace sink. "none" installs a no-op provider so EmitProfile /
// EmitProfileChunk calls cost nothing beyond a map lookup.
func newTracerProvider(exporter string) (trace.TracerProvider, func(context.Context) error, error) {
	if exporter != "stdout" {
		return trace.NewNoopTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	return tp, tp.Shutdown, nil
}
