package config

import "time"

// Default locations follow the conventional PCP layout the tooling
// around this agent expects.
const (
	DefaultListen     = "127.0.0.1:9854"
	DefaultWorkingDir = "/var/log/pcp/vector"
	DefaultMapDir     = "/tmp"
	DefaultToolsDir   = "/var/lib/pcp/pmdas/vector"
	DefaultTracingDir = "/sys/kernel/debug/tracing"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: SchemaVersion,
		Listen:  DefaultListen,
		Working: WorkingConfig{
			Dir:    DefaultWorkingDir,
			MapDir: DefaultMapDir,
		},
		Tools: ToolsConfig{
			Perf:           "perf",
			Collapse:       DefaultToolsDir + "/stackcollapse-perf.pl",
			Flamegraph:     DefaultToolsDir + "/flamegraph.pl",
			Heatmap:        DefaultToolsDir + "/heatmap.pl",
			Jstack:         "jstack",
			CollapseJstack: DefaultToolsDir + "/stackcollapse-jstack.pl",
			AgentDir:       DefaultToolsDir + "/perf-map-agent",
			TracingDir:     DefaultTracingDir,
		},
		Session: SessionConfig{
			DefaultSeconds:   60,
			MaxSeconds:       600,
			MaxConcurrent:    8,
			PollInterval:     time.Second,
			ProgressInterval: 5 * time.Second,
			RenderTimeout:    2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}
