package task

import (
	"sort"

	"github.com/jalmeida85/vector-pmda/internal/flamegraph"
)

// Sampler selects the instrumentation mechanism for a profile.
type Sampler int

const (
	// SamplerPerf records with the system profiler.
	SamplerPerf Sampler = iota
	// SamplerJstack collects periodic JVM thread dumps.
	SamplerJstack
)

// Profile describes one task metric: what to record and how to render
// it. Record holds the profiler arguments before scope, output and
// duration are appended.
type Profile struct {
	Name    string
	Title   string
	Sampler Sampler
	Record  []string
	// Tracepoint names a kernel tracepoint (relative to the tracing
	// events directory) the profile cannot run without. Empty when no
	// specific tracepoint is required.
	Tracepoint string
	Source     flamegraph.Source
	Mode       flamegraph.Mode
	// TakesDuration marks profiles whose store argument selects the
	// sampling window. Others ignore the argument.
	TakesDuration bool
}

// registry holds every task metric this agent serves. Each client can
// have one task of each metric in flight at a time; multiple clients
// can run the same metric concurrently.
var registry = map[string]Profile{
	"cpuflamegraph": {
		Name:          "cpuflamegraph",
		Title:         "CPU Flame Graph",
		Record:        []string{"-F", "49", "-g"},
		TakesDuration: true,
	},
	"pnamecpuflamegraph": {
		Name:          "pnamecpuflamegraph",
		Title:         "Package Name CPU Flame Graph",
		Record:        []string{"-F", "49"},
		TakesDuration: true,
	},
	"uninlinedcpuflamegraph": {
		Name:          "uninlinedcpuflamegraph",
		Title:         "Uninlined CPU Flame Graph",
		Record:        []string{"-F", "49", "-g", "--call-graph", "dwarf"},
		TakesDuration: true,
	},
	"pagefaultflamegraph": {
		Name:          "pagefaultflamegraph",
		Title:         "Page Fault Flame Graph",
		Record:        []string{"-e", "page-faults", "-g"},
		TakesDuration: true,
	},
	"diskioflamegraph": {
		Name:          "diskioflamegraph",
		Title:         "Disk I/O Flame Graph",
		Record:        []string{"-e", "block:block_rq_issue", "-g"},
		Tracepoint:    "block/block_rq_issue",
		TakesDuration: true,
	},
	"ipcflamegraph": {
		// Needs PMC access; the profiler itself reports when cycles
		// and instructions cannot be counted.
		Name:          "ipcflamegraph",
		Title:         "IPC Flame Graph",
		Record:        []string{"-e", "cycles,instructions", "-g"},
		TakesDuration: true,
	},
	"cswflamegraph": {
		Name:          "cswflamegraph",
		Title:         "Context Switch Flame Graph",
		Record:        []string{"-e", "sched:sched_switch", "-g"},
		Tracepoint:    "sched/sched_switch",
		TakesDuration: true,
	},
	"offcpuflamegraph": {
		Name:          "offcpuflamegraph",
		Title:         "Off-CPU Time Flame Graph",
		Record:        []string{"-e", "sched:sched_switch", "-e", "sched:sched_stat_sleep", "-g"},
		Tracepoint:    "sched/sched_switch",
		TakesDuration: true,
	},
	"offwakeflamegraph": {
		Name:          "offwakeflamegraph",
		Title:         "Off-Wake Time Flame Graph",
		Record:        []string{"-e", "sched:sched_switch", "-e", "sched:sched_wakeup", "-g"},
		Tracepoint:    "sched/sched_wakeup",
		TakesDuration: true,
	},
	"disklatencyheatmap": {
		Name:       "disklatencyheatmap",
		Title:      "Disk Latency Heat Map",
		Record:     []string{"-e", "block:block_rq_issue", "-e", "block:block_rq_complete"},
		Tracepoint: "block/block_rq_issue",
		Mode:       flamegraph.ModeHeatmap,
	},
	"jstackflamegraph": {
		Name:    "jstackflamegraph",
		Title:   "Java Stack Flame Graph",
		Sampler: SamplerJstack,
		Source:  flamegraph.SourceJstack,
	},
}

// Lookup returns the profile registered under a metric name.
func Lookup(metric string) (Profile, bool) {
	p, ok := registry[metric]
	return p, ok
}

// MetricNames returns all registered metric names, sorted.
func MetricNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
