// Package namespace translates container identities and host pids into
// the handles profiling needs: a perf_event cgroup to scope system-wide
// instrumentation, the container's task-id set, and in-namespace pids
// for processes living behind a PID namespace boundary.
package namespace

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jalmeida85/vector-pmda/internal/retry"
	"github.com/jalmeida85/vector-pmda/internal/sys/proc"
)

// ErrContainerNotFound is returned when the container engine has no
// such container, the container is not running, or its cgroup path does
// not exist (e.g. the perf_event controller is not mounted).
var ErrContainerNotFound = errors.New("container not found")

// Controller is the cgroup controller used to scope instrumentation.
const Controller = "perf_event"

// ContainerScope describes a resolved container target.
type ContainerScope struct {
	Name string
	// InitPID is the host pid of the container's init process.
	InitPID int
	// CgroupPath is the container's path relative to the controller
	// root, as perf's --cgroup option expects it.
	CgroupPath string
	// CgroupFS is the absolute cgroup filesystem directory.
	CgroupFS string
	// TaskIDs are the host pids of all tasks in the cgroup.
	TaskIDs []int
}

// InitPIDFunc looks up the host pid of a container's init process.
// Injectable so tests do not need a running container engine.
type InitPIDFunc func(ctx context.Context, name string) (int, error)

// Resolver resolves container names and host pids.
type Resolver struct {
	logger     zerolog.Logger
	cgroupRoot string
	initPID    InitPIDFunc
	retryCfg   retry.Config
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithCgroupRoot overrides the cgroup filesystem mount point.
func WithCgroupRoot(root string) Option {
	return func(r *Resolver) { r.cgroupRoot = root }
}

// WithInitPIDFunc overrides the container engine lookup.
func WithInitPIDFunc(fn InitPIDFunc) Option {
	return func(r *Resolver) { r.initPID = fn }
}

// NewResolver creates a resolver backed by the docker CLI and the
// host cgroup filesystem.
func NewResolver(logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		logger:     logger.With().Str("component", "namespace_resolver").Logger(),
		cgroupRoot: "/sys/fs/cgroup",
		retryCfg:   retry.DefaultConfig(),
	}
	r.initPID = r.dockerInitPID
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveContainer looks up a container by name and returns its cgroup
// handle and task-id set. Targets are re-resolved per session; a
// container may have restarted since the last request.
func (r *Resolver) ResolveContainer(ctx context.Context, name string) (*ContainerScope, error) {
	initPID, err := r.initPID(ctx, name)
	if err != nil {
		return nil, err
	}

	cgroupPath, err := proc.CgroupPath(initPID, Controller)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContainerNotFound, name, err)
	}

	cgroupFS := filepath.Join(r.cgroupRoot, Controller, cgroupPath)
	if _, err := os.Stat(cgroupFS); err != nil {
		// Unified hierarchy mounts controllers at the cgroup root.
		cgroupFS = filepath.Join(r.cgroupRoot, cgroupPath)
		if _, err := os.Stat(cgroupFS); err != nil {
			return nil, fmt.Errorf("%w: %s: no %s cgroup at %s", ErrContainerNotFound, name, Controller, cgroupPath)
		}
	}

	taskIDs, err := readCgroupProcs(cgroupFS)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for container %s: %w", name, err)
	}

	r.logger.Debug().
		Str("container", name).
		Int("init_pid", initPID).
		Str("cgroup", cgroupPath).
		Int("tasks", len(taskIDs)).
		Msg("resolved container scope")

	return &ContainerScope{
		Name:       name,
		InitPID:    initPID,
		CgroupPath: strings.TrimPrefix(cgroupPath, "/"),
		CgroupFS:   cgroupFS,
		TaskIDs:    taskIDs,
	}, nil
}

// ResolveNamespacePID translates a host pid to the pid the process sees
// inside its own PID namespace. The value equals the input when the
// process is not nested.
func (r *Resolver) ResolveNamespacePID(hostPID int) (int, error) {
	return proc.NamespacePID(hostPID)
}

// dockerInitPID shells out to the container engine for the init pid.
// Engine hiccups during container startup are retried; a definitive
// "no such container" is not.
func (r *Resolver) dockerInitPID(ctx context.Context, name string) (int, error) {
	var pid int

	err := retry.Do(ctx, r.retryCfg, func() error {
		//nolint:gosec // G204: name is an opaque engine identifier, not shell-interpreted.
		cmd := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.State.Pid}}", name)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if strings.Contains(stderr.String(), "No such") {
				return fmt.Errorf("%w: %s", ErrContainerNotFound, name)
			}
			return fmt.Errorf("docker inspect failed: %v: %s", err, strings.TrimSpace(stderr.String()))
		}

		parsed, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
		if err != nil {
			return fmt.Errorf("unexpected docker inspect output: %q", stdout.String())
		}
		if parsed <= 0 {
			// Exists but not running.
			return fmt.Errorf("%w: %s is not running", ErrContainerNotFound, name)
		}
		pid = parsed
		return nil
	}, func(err error) bool {
		return !errors.Is(err, ErrContainerNotFound)
	})

	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrContainerNotFound, name, err)
	}
	return pid, nil
}

// readCgroupProcs parses the pid list from a cgroup directory.
func readCgroupProcs(cgroupFS string) ([]int, error) {
	//nolint:gosec // G304: path verified against the cgroup filesystem.
	f, err := os.Open(filepath.Join(cgroupFS, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	var pids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}
