// Package symbolmap produces per-process symbol map files for managed
// runtimes, so that sampled stacks from JIT-compiled code resolve to
// readable names. Maps live at the pid-keyed path the privileged
// sampler reads (/tmp/perf-<pid>.map by convention). When genuine
// resolution is unavailable the package substitutes a sentinel map and
// the session degrades instead of failing.
package symbolmap

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jalmeida85/vector-pmda/internal/sys/proc"
)

// Kind identifies a recognized managed runtime.
type Kind int

const (
	// KindJava is the compiled-bytecode runtime, symbolized by
	// attaching a perf-map agent to the JVM.
	KindJava Kind = iota
	// KindNode is the dynamically-compiled-script runtime, symbolized
	// by compacting the live map V8 writes under --perf-basic-prof.
	KindNode
)

func (k Kind) String() string {
	switch k {
	case KindJava:
		return "java"
	case KindNode:
		return "node"
	default:
		return "unknown"
	}
}

// Target is one process to reconcile. Immutable once resolved for a
// session; targets are re-resolved every session because the process
// may have exited or restarted.
type Target struct {
	HostPID int
	// NSPID is the pid inside the process's own PID namespace. Equal
	// to HostPID for non-containerized targets.
	NSPID int
	Kind  Kind
	// UID/GID own the target process. Attach mechanisms reject
	// connections from a mismatched user, so agent invocations run
	// under these credentials.
	UID int
	GID int
}

// Containerized reports whether the target lives behind a PID
// namespace boundary.
func (t Target) Containerized() bool {
	return t.HostPID != t.NSPID
}

// Config configures the reconciler.
type Config struct {
	// MapDir is where the sampler expects pid-keyed maps.
	MapDir string
	// AgentDir holds the per-variant JVM attach agent builds.
	AgentDir string
	// AttachTimeout bounds one agent invocation.
	AttachTimeout time.Duration
	// ScanParallelism bounds concurrent per-process reconciliations.
	ScanParallelism int
}

// DefaultConfig returns the conventional locations.
func DefaultConfig(agentDir string) Config {
	return Config{
		MapDir:          "/tmp",
		AgentDir:        agentDir,
		AttachTimeout:   30 * time.Second,
		ScanParallelism: 4,
	}
}

// Reconciler generates symbol maps for recognized-runtime processes.
type Reconciler struct {
	cfg    Config
	logger zerolog.Logger

	// runCmd executes an external command under a context. Injectable
	// for tests.
	runCmd func(ctx context.Context, cmd *exec.Cmd) error
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.AttachTimeout == 0 {
		cfg.AttachTimeout = 30 * time.Second
	}
	if cfg.ScanParallelism <= 0 {
		cfg.ScanParallelism = 4
	}
	return &Reconciler{
		cfg:    cfg,
		logger: logger.With().Str("component", "symbolmap").Logger(),
		runCmd: runAttachCommand,
	}
}

// MapPath returns the host-visible map path for a pid.
func (r *Reconciler) MapPath(hostPID int) string {
	return filepath.Join(r.cfg.MapDir, fmt.Sprintf("perf-%d.map", hostPID))
}

// Reconcile produces the symbol map for one target. It never returns a
// hard failure for a degraded condition: a missing agent or disabled
// symbol logging yields a sentinel map and a nil error. The returned
// error only reports conditions where not even a sentinel could be
// written.
func (r *Reconciler) Reconcile(ctx context.Context, target Target) error {
	log := r.logger.With().
		Int("pid", target.HostPID).
		Str("kind", target.Kind.String()).
		Bool("containerized", target.Containerized()).
		Logger()

	var err error
	switch target.Kind {
	case KindJava:
		err = r.reconcileJava(ctx, target)
	case KindNode:
		err = r.reconcileNode(ctx, target)
	default:
		err = fmt.Errorf("unrecognized runtime kind %d", target.Kind)
	}

	if err != nil {
		// Degrade: a readable sentinel keeps the render pipeline
		// working even when real symbols are unavailable.
		log.Warn().Err(err).Msg("symbol map reconciliation degraded to sentinel")
		return r.writeSentinel(target.HostPID, err.Error())
	}

	log.Debug().Msg("symbol map reconciled")
	return nil
}

// ReconcileScope reconciles every recognized-runtime process in scope.
// A non-nil pid restriction limits work to those pids; otherwise all
// host processes matching a runtime kind by name are reconciled.
// Individual failures are absorbed (sentinel + warning) and never
// propagate; the session proceeds regardless.
func (r *Reconciler) ReconcileScope(ctx context.Context, restrict []int) {
	targets := r.discover(restrict)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ScanParallelism)
	for _, target := range targets {
		g.Go(func() error {
			if err := r.Reconcile(ctx, target); err != nil {
				r.logger.Warn().Err(err).Int("pid", target.HostPID).
					Msg("symbol map unavailable")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// discover enumerates candidate targets, matching runtime kind by
// process name.
func (r *Reconciler) discover(restrict []int) []Target {
	pids := restrict
	if pids == nil {
		all, err := proc.ListPids()
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to list processes")
			return nil
		}
		pids = all
	}

	var targets []Target
	for _, pid := range pids {
		kind, ok := kindForPid(pid)
		if !ok {
			continue
		}

		nspid, err := proc.NamespacePID(pid)
		if err != nil {
			// Raced with process exit.
			continue
		}
		uid, gid, err := proc.OwnerUID(pid)
		if err != nil {
			continue
		}

		targets = append(targets, Target{
			HostPID: pid,
			NSPID:   nspid,
			Kind:    kind,
			UID:     uid,
			GID:     gid,
		})
	}
	return targets
}

// kindForPid matches a process to a runtime kind by its command name.
func kindForPid(pid int) (Kind, bool) {
	comm, err := proc.Comm(pid)
	if err != nil {
		return 0, false
	}
	switch comm {
	case "java":
		return KindJava, true
	case "node", "nodejs":
		return KindNode, true
	}
	return 0, false
}

// run executes cmd with the attach timeout applied.
func (r *Reconciler) run(ctx context.Context, cmd *exec.Cmd) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AttachTimeout)
	defer cancel()

	err := r.runCmd(ctx, cmd)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("command timed out after %s", r.cfg.AttachTimeout)
	}
	return err
}

// runAttachCommand starts cmd and waits for it, killing it when the
// context ends. Start happens in the calling goroutine so the cancel
// path always sees the live process.
func runAttachCommand(ctx context.Context, cmd *exec.Cmd) error {
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

// nsenterArgs builds the argument list to execute argv inside the
// target's mount and pid namespaces.
func nsenterArgs(hostPID int, argv []string) []string {
	args := []string{"-t", strconv.Itoa(hostPID), "-m", "-p", "--"}
	return append(args, argv...)
}
