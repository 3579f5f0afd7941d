// Package worker runs one profiling session from admission to its
// terminal status record. The dispatcher spawns Launch on its own
// goroutine; everything after that point reports through the status
// store, never through a return value.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/jalmeida85/vector-pmda/internal/flamegraph"
	"github.com/jalmeida85/vector-pmda/internal/namespace"
	"github.com/jalmeida85/vector-pmda/internal/status"
	"github.com/jalmeida85/vector-pmda/internal/sys/proc"
	"github.com/jalmeida85/vector-pmda/internal/task"
)

// ContainerResolver turns a container name into a host-side scope.
type ContainerResolver interface {
	ResolveContainer(ctx context.Context, name string) (*namespace.ContainerScope, error)
}

// SymbolReconciler refreshes pid-keyed symbol maps before rendering.
type SymbolReconciler interface {
	ReconcileScope(ctx context.Context, restrict []int)
}

// Renderer turns raw sampler output into the final artifact.
type Renderer interface {
	Render(ctx context.Context, req flamegraph.Request) error
}

// Config holds the session-independent pieces of a worker.
type Config struct {
	// WorkingDir is the artifact root, one subdirectory per metric.
	WorkingDir string
	// Perf and Jstack name the sampler executables.
	Perf   string
	Jstack string
	// TracingDir is the kernel tracing mount checked for tracepoint
	// prerequisites.
	TracingDir string
	// PollInterval paces the jstack sampler loop.
	PollInterval time.Duration
	// ProgressInterval paces status record updates during sampling.
	ProgressInterval time.Duration
}

// Worker runs profiling sessions. One Worker serves all sessions; the
// per-session state lives on the stack of Launch.
type Worker struct {
	cfg      Config
	store    *status.Store
	resolver ContainerResolver
	symbols  SymbolReconciler
	renderer Renderer
	logger   zerolog.Logger

	// runCmd and lookPath are injectable for tests.
	runCmd   func(ctx context.Context, cmd *exec.Cmd) error
	lookPath func(file string) (string, error)
}

// New creates a worker.
func New(cfg Config, store *status.Store, resolver ContainerResolver, symbols SymbolReconciler, renderer Renderer, logger zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ProgressInterval < cfg.PollInterval {
		cfg.ProgressInterval = 5 * cfg.PollInterval
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		symbols:  symbols,
		renderer: renderer,
		logger:   logger.With().Str("component", "worker").Logger(),
		runCmd:   runCommand,
		lookPath: exec.LookPath,
	}
}

// session is the per-run state threaded through the phases.
type session struct {
	id      string
	req     task.Request
	profile task.Profile
	scope   *namespace.ContainerScope
	logger  zerolog.Logger

	samplerPath string
	rawPath     string
	foldedPath  string
	outPath     string

	// samplerUsage holds the profiler child's own rusage when the run
	// produced one. Nil means only daemon-wide counters are available.
	samplerUsage *syscall.Rusage
}

// Launch runs one admitted session to its terminal status. It
// satisfies task.LaunchFunc and never panics the daemon: every failure
// becomes an ERROR record for the client to fetch.
func (w *Worker) Launch(req task.Request) {
	profile, ok := task.Lookup(req.Metric)
	if !ok {
		// The dispatcher validated the metric; reaching here is a bug.
		w.logger.Error().Str("metric", req.Metric).Msg("launched unknown metric")
		w.fail(req, "internal error")
		return
	}

	id := uuid.NewString()
	s := &session{
		id:      id,
		req:     req,
		profile: profile,
		logger: w.logger.With().
			Str("session", id[:8]).
			Str("metric", req.Metric).
			Int("ctx", req.Context).
			Logger(),
	}
	s.logger.Info().Int("seconds", req.Seconds).Str("container", req.Container).Msg("session starting")

	ctx := context.Background()
	start := time.Now()
	phases := []struct {
		name string
		run  func(ctx context.Context, s *session) error
	}{
		{"init", w.initPhase},
		{"acquire", w.acquirePhase},
		{"sample", w.samplePhase},
		{"postprocess", w.postprocessPhase},
	}
	for _, phase := range phases {
		if err := phase.run(ctx, s); err != nil {
			s.logger.Warn().Err(err).Str("phase", phase.name).Msg("session failed")
			w.fail(req, err.Error())
			w.cleanup(s)
			return
		}
	}
	w.cleanup(s)

	// Counters are the second-to-last write; the bare DONE sentinel is
	// always the final one, so one-shot detection sees nothing after it.
	w.recordResourceUsage(s, time.Since(start))
	if err := w.store.Set(req.Metric, req.Context, status.StatusDone); err != nil {
		s.logger.Error().Err(err).Msg("writing terminal status")
	}
}

// initPhase checks the sampler binary and any required tracepoint
// before anything is admitted to run.
func (w *Worker) initPhase(_ context.Context, s *session) error {
	sampler := w.cfg.Perf
	if s.profile.Sampler == task.SamplerJstack {
		sampler = w.cfg.Jstack
	}
	path, err := w.lookPath(sampler)
	if err != nil {
		return fmt.Errorf("%s not found on this host", sampler)
	}
	s.samplerPath = path

	if tp := s.profile.Tracepoint; tp != "" {
		eventDir := filepath.Join(w.cfg.TracingDir, "events", tp)
		if _, err := os.Stat(eventDir); err != nil {
			return fmt.Errorf("tracepoint %s not available (kernel %s, tracing mount %s)",
				tp, proc.KernelVersion(), w.cfg.TracingDir)
		}
	}

	metricDir := filepath.Join(w.cfg.WorkingDir, s.req.Metric)
	if err := os.MkdirAll(metricDir, 0o755); err != nil {
		return fmt.Errorf("cannot create working directory: %v", err)
	}
	base := fmt.Sprintf("%s.%d", s.req.Metric, s.req.Context)
	s.rawPath = filepath.Join(metricDir, base+"."+s.id+".raw")
	s.foldedPath = filepath.Join(metricDir, base+"."+s.id+".folded")
	s.outPath = filepath.Join(metricDir, base+".svg")
	return nil
}

// acquirePhase resolves the container scope, if one is set for the
// requesting client context.
func (w *Worker) acquirePhase(ctx context.Context, s *session) error {
	if s.req.Container == "" {
		return nil
	}
	scope, err := w.resolver.ResolveContainer(ctx, s.req.Container)
	if err != nil {
		return fmt.Errorf("container %s: %v", s.req.Container, err)
	}
	s.scope = scope
	s.logger.Info().
		Str("cgroup", scope.CgroupPath).
		Int("tasks", len(scope.TaskIDs)).
		Msg("container scope resolved")
	return nil
}

func (w *Worker) samplePhase(ctx context.Context, s *session) error {
	if s.profile.Sampler == task.SamplerJstack {
		return w.sampleJstack(ctx, s)
	}
	return w.samplePerf(ctx, s)
}

// samplePerf runs one system profiler recording for the session
// window, updating the status record with progress while it runs.
func (w *Worker) samplePerf(ctx context.Context, s *session) error {
	args := []string{"record"}
	args = append(args, s.profile.Record...)
	args = append(args, "-a")
	if s.scope != nil {
		args = append(args, "--cgroup="+s.scope.CgroupPath)
	}
	args = append(args, "-o", s.rawPath, "--", "sleep", strconv.Itoa(s.req.Seconds))

	cmd := exec.Command(s.samplerPath, args...) //nolint:gosec
	done := make(chan error, 1)
	go func() { done <- w.runCmd(ctx, cmd) }()

	progress := time.NewTicker(w.cfg.ProgressInterval)
	defer progress.Stop()
	start := time.Now()
	for {
		select {
		case err := <-done:
			s.captureSamplerUsage(cmd)
			if err != nil {
				return samplerError(err)
			}
			return nil
		case <-progress.C:
			elapsed := int(time.Since(start).Seconds())
			if elapsed > s.req.Seconds {
				elapsed = s.req.Seconds
			}
			w.setProgress(s, fmt.Sprintf("running, %d/%d seconds", elapsed, s.req.Seconds))
		case <-ctx.Done():
			// runCommand kills the child on cancellation; wait it out.
			<-done
			return fmt.Errorf("sampling interrupted")
		}
	}
}

// sampleJstack appends periodic JVM thread dumps to the raw file for
// the session window.
func (w *Worker) sampleJstack(ctx context.Context, s *session) error {
	pids, err := w.javaPids(s)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return fmt.Errorf("no running JVM found to dump")
	}

	raw, err := os.OpenFile(s.rawPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("cannot create dump file: %v", err)
	}
	defer raw.Close() //nolint:errcheck

	deadline := time.Now().Add(time.Duration(s.req.Seconds) * time.Second)
	tick := time.NewTicker(w.cfg.PollInterval)
	defer tick.Stop()
	lastProgress := time.Now()
	for time.Now().Before(deadline) {
		for _, pid := range pids {
			cmd := exec.Command(s.samplerPath, strconv.Itoa(pid)) //nolint:gosec
			cmd.Stdout = raw
			if err := w.runCmd(ctx, cmd); err != nil {
				// A JVM may exit mid-session; keep dumping the rest.
				s.logger.Debug().Int("pid", pid).Err(err).Msg("thread dump failed")
			}
			fmt.Fprintln(raw)
		}
		if time.Since(lastProgress) >= w.cfg.ProgressInterval {
			remaining := int(time.Until(deadline).Seconds())
			w.setProgress(s, fmt.Sprintf("running, %d/%d seconds", s.req.Seconds-remaining, s.req.Seconds))
			lastProgress = time.Now()
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return fmt.Errorf("sampling interrupted")
		}
	}
	return nil
}

// postprocessPhase refreshes symbol maps for the sampled scope and
// renders the artifact.
func (w *Worker) postprocessPhase(ctx context.Context, s *session) error {
	w.setProgress(s, "processing samples")

	var restrict []int
	if s.scope != nil {
		restrict = s.scope.TaskIDs
	}
	w.symbols.ReconcileScope(ctx, restrict)

	req := flamegraph.Request{
		Source:     s.profile.Source,
		Mode:       s.profile.Mode,
		RawPath:    s.rawPath,
		FoldedPath: s.foldedPath,
		OutPath:    s.outPath,
		Title:      s.profile.Title,
	}
	if err := w.renderer.Render(ctx, req); err != nil {
		return fmt.Errorf("rendering failed: %v", err)
	}
	return nil
}

// javaPids lists host pids of JVMs in the session scope.
func (w *Worker) javaPids(s *session) ([]int, error) {
	if s.scope != nil {
		var pids []int
		for _, pid := range s.scope.TaskIDs {
			if comm, err := proc.Comm(pid); err == nil && comm == "java" {
				pids = append(pids, pid)
			}
		}
		return pids, nil
	}
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("cannot list processes: %v", err)
	}
	var pids []int
	for _, p := range procs {
		if name, err := p.Name(); err == nil && name == "java" {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}

// fail writes the terminal ERROR record. The reason travels to the
// client verbatim, so it must be a single line.
func (w *Worker) fail(req task.Request, reason string) {
	reason = strings.ReplaceAll(reason, "\n", " ")
	value := fmt.Sprintf("%s %s", status.StatusError, reason)
	if err := w.store.Set(req.Metric, req.Context, value); err != nil {
		w.logger.Error().Err(err).Str("metric", req.Metric).Msg("writing error status")
	}
}

func (w *Worker) setProgress(s *session, value string) {
	if err := w.store.Set(s.req.Metric, s.req.Context, value); err != nil {
		s.logger.Warn().Err(err).Msg("writing progress status")
	}
}

// cleanup removes per-session intermediates, leaving only the
// artifact. The render pipeline derives its extracted event stream
// path from the raw file, so that suffix is covered here too.
func (w *Worker) cleanup(s *session) {
	if s.rawPath == "" {
		// Failed before the working paths were laid out.
		return
	}
	for _, path := range []string{s.rawPath, s.rawPath + ".stacks", s.foldedPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Debug().Err(err).Str("path", path).Msg("removing intermediate")
		}
	}
}

// captureSamplerUsage keeps the profiler child's rusage once it has
// exited, so completion counters are per-session rather than mixed
// with concurrent sessions' children.
func (s *session) captureSamplerUsage(cmd *exec.Cmd) {
	if cmd.ProcessState == nil {
		return
	}
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
		s.samplerUsage = ru
	}
}

// recordResourceUsage publishes what the session cost, both as a
// status update and in the log. Without a per-child rusage the daemon's
// aggregate child counters are reported and labeled as such.
func (w *Worker) recordResourceUsage(s *session, elapsed time.Duration) {
	scope := "sampler"
	ru := s.samplerUsage
	if ru == nil {
		var all unix.Rusage
		if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &all); err != nil {
			return
		}
		scope = "process-wide"
		ru = &syscall.Rusage{
			Minflt: all.Minflt,
			Majflt: all.Majflt,
			Utime:  syscall.Timeval(all.Utime),
			Stime:  syscall.Timeval(all.Stime),
			Maxrss: all.Maxrss,
		}
	}
	w.setProgress(s, fmt.Sprintf("done, %s faults %d/%d utime %dms stime %dms",
		scope, ru.Minflt, ru.Majflt, ru.Utime.Nano()/1e6, ru.Stime.Nano()/1e6))
	s.logger.Info().
		Dur("elapsed", elapsed).
		Str("scope", scope).
		Int64("utime_ms", ru.Utime.Nano()/1e6).
		Int64("stime_ms", ru.Stime.Nano()/1e6).
		Int64("minflt", ru.Minflt).
		Int64("majflt", ru.Majflt).
		Int64("maxrss_kb", ru.Maxrss).
		Msg("session complete")
}

// samplerError shapes a profiler failure into actionable client text.
func samplerError(err error) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("profiler exited with status %d, check perf_event_paranoid and CAP_PERFMON (kernel %s)",
			exitErr.ExitCode(), proc.KernelVersion())
	}
	return fmt.Errorf("profiler failed: %v", err)
}

func runCommand(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}
