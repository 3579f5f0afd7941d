// Package config provides configuration loading and management for the
// task agent.
package config

import "time"

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// Config represents the agent's config file.
type Config struct {
	Version string       `yaml:"version"`
	Listen  string       `yaml:"listen"`
	Working WorkingConfig `yaml:"working"`
	Tools   ToolsConfig   `yaml:"tools"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// WorkingConfig locates the on-disk working area: status records and
// artifacts live under Dir, one subdirectory per metric.
type WorkingConfig struct {
	Dir string `yaml:"dir"`
	// MapDir is the shared pid-keyed symbol map location read by the
	// sampler.
	MapDir string `yaml:"map_dir"`
}

// ToolsConfig names the external instrumentation and rendering tools.
// All are opaque executables identified by path and exit code.
type ToolsConfig struct {
	Perf       string `yaml:"perf"`
	Collapse   string `yaml:"collapse"`
	Flamegraph string `yaml:"flamegraph"`
	Heatmap    string `yaml:"heatmap"`
	Jstack     string `yaml:"jstack"`
	// CollapseJstack folds thread-dump output instead of profiler
	// script output.
	CollapseJstack string `yaml:"collapse_jstack"`
	// AgentDir holds per-variant JVM attach agent builds.
	AgentDir string `yaml:"agent_dir"`
	// TracingDir is the kernel tracing mount used for tracepoint
	// prerequisite checks.
	TracingDir string `yaml:"tracing_dir"`
}

// SessionConfig bounds profiling sessions. The protocol itself never
// caps duration or concurrency; the bounds live here so operators can
// choose them instead of the agent guessing a default. Zero disables a
// bound.
type SessionConfig struct {
	DefaultSeconds   int           `yaml:"default_seconds"`
	MaxSeconds       int           `yaml:"max_seconds"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	RenderTimeout    time.Duration `yaml:"render_timeout"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}
