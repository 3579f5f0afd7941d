package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jalmeida85/vector-pmda/internal/flamegraph"
	"github.com/jalmeida85/vector-pmda/internal/namespace"
	"github.com/jalmeida85/vector-pmda/internal/status"
	"github.com/jalmeida85/vector-pmda/internal/sys/proc"
	"github.com/jalmeida85/vector-pmda/internal/task"
	"github.com/jalmeida85/vector-pmda/internal/testutil"
)

type fakeResolver struct {
	scope *namespace.ContainerScope
	err   error
}

func (f *fakeResolver) ResolveContainer(context.Context, string) (*namespace.ContainerScope, error) {
	return f.scope, f.err
}

type fakeSymbols struct {
	mu       sync.Mutex
	called   bool
	restrict []int
}

func (f *fakeSymbols) ReconcileScope(_ context.Context, restrict []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.restrict = restrict
}

type fakeRenderer struct {
	mu       sync.Mutex
	requests []flamegraph.Request
	err      error
	// onRender can materialize the files a real render run leaves.
	onRender func(req flamegraph.Request)
}

func (f *fakeRenderer) Render(_ context.Context, req flamegraph.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.onRender != nil {
		f.onRender(req)
	}
	return f.err
}

type fixture struct {
	worker   *Worker
	store    *status.Store
	resolver *fakeResolver
	symbols  *fakeSymbols
	renderer *fakeRenderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    status.NewStore(t.TempDir(), testutil.Logger(t)),
		resolver: &fakeResolver{},
		symbols:  &fakeSymbols{},
		renderer: &fakeRenderer{},
	}
	cfg := Config{
		WorkingDir:       t.TempDir(),
		Perf:             "perf",
		Jstack:           "jstack",
		TracingDir:       t.TempDir(),
		PollInterval:     10 * time.Millisecond,
		ProgressInterval: time.Hour,
	}
	f.worker = New(cfg, f.store, f.resolver, f.symbols, f.renderer, testutil.Logger(t))
	f.worker.lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	f.worker.runCmd = func(context.Context, *exec.Cmd) error { return nil }
	return f
}

func (f *fixture) fetchStatus(t *testing.T, metric string, ctx int) string {
	t.Helper()
	value, ok := f.store.Get(metric, ctx)
	require.True(t, ok, "expected a status record for %s.%d", metric, ctx)
	return value
}

func TestLaunchCompletesWithDone(t *testing.T) {
	f := newFixture(t)
	f.renderer.onRender = func(req flamegraph.Request) {
		// What a real render run leaves behind alongside the artifact.
		for _, path := range []string{req.RawPath, req.RawPath + ".stacks", req.FoldedPath, req.OutPath} {
			require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		}
	}

	f.worker.Launch(task.Request{Metric: "cpuflamegraph", Context: 7, Seconds: 1})

	assert.Equal(t, status.StatusDone, f.fetchStatus(t, "cpuflamegraph", 7))
	assert.True(t, f.symbols.called)
	assert.Nil(t, f.symbols.restrict, "whole-host session reconciles without restriction")

	require.Len(t, f.renderer.requests, 1)
	req := f.renderer.requests[0]
	assert.Equal(t, "CPU Flame Graph", req.Title)
	assert.Equal(t, filepath.Join(f.worker.cfg.WorkingDir, "cpuflamegraph", "cpuflamegraph.7.svg"), req.OutPath)

	// Intermediates are cleaned up; the artifact survives.
	assert.NoFileExists(t, req.RawPath)
	assert.NoFileExists(t, req.RawPath+".stacks")
	assert.NoFileExists(t, req.FoldedPath)
	assert.FileExists(t, req.OutPath)
}

func TestLaunchRecordsSamplerArgs(t *testing.T) {
	f := newFixture(t)
	var args []string
	f.worker.runCmd = func(_ context.Context, cmd *exec.Cmd) error {
		args = cmd.Args
		return nil
	}

	f.worker.Launch(task.Request{Metric: "cpuflamegraph", Context: 1, Seconds: 30})

	require.NotEmpty(t, args)
	assert.Equal(t, "/usr/bin/perf", args[0])
	assert.Contains(t, args, "record")
	assert.Contains(t, args, "-F")
	assert.Contains(t, args, "-a")
	assert.NotContains(t, args, "--cgroup=")
	assert.Equal(t, "30", args[len(args)-1])
	assert.Equal(t, "sleep", args[len(args)-2])
}

func TestLaunchMissingSampler(t *testing.T) {
	f := newFixture(t)
	f.worker.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }

	f.worker.Launch(task.Request{Metric: "cpuflamegraph", Context: 7, Seconds: 1})

	value := f.fetchStatus(t, "cpuflamegraph", 7)
	assert.Contains(t, value, "ERROR")
	assert.Contains(t, value, "perf not found")
	assert.Empty(t, f.renderer.requests)
}

func TestLaunchMissingTracepoint(t *testing.T) {
	f := newFixture(t)

	// diskioflamegraph requires block/block_rq_issue under the tracing
	// mount, which the empty temp dir does not have.
	f.worker.Launch(task.Request{Metric: "diskioflamegraph", Context: 2, Seconds: 1})

	value := f.fetchStatus(t, "diskioflamegraph", 2)
	assert.Contains(t, value, "ERROR")
	assert.Contains(t, value, "tracepoint block/block_rq_issue")
}

func TestLaunchTracepointPresent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.worker.cfg.TracingDir, "events", "block", "block_rq_issue"), 0o755))

	f.worker.Launch(task.Request{Metric: "diskioflamegraph", Context: 2, Seconds: 1})

	assert.Equal(t, status.StatusDone, f.fetchStatus(t, "diskioflamegraph", 2))
}

func TestLaunchContainerScope(t *testing.T) {
	f := newFixture(t)
	f.resolver.scope = &namespace.ContainerScope{
		Name:       "webapp",
		InitPID:    4242,
		CgroupPath: "docker/abc123",
		TaskIDs:    []int{4242, 4250},
	}
	var args []string
	f.worker.runCmd = func(_ context.Context, cmd *exec.Cmd) error {
		args = cmd.Args
		return nil
	}

	f.worker.Launch(task.Request{Metric: "cpuflamegraph", Context: 7, Seconds: 1, Container: "webapp"})

	assert.Equal(t, status.StatusDone, f.fetchStatus(t, "cpuflamegraph", 7))
	assert.Contains(t, args, "--cgroup=docker/abc123")
	assert.Equal(t, []int{4242, 4250}, f.symbols.restrict)
}

func TestLaunchContainerNotFound(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = namespace.ErrContainerNotFound

	f.worker.Launch(task.Request{Metric: "cpuflamegraph", Context: 7, Seconds: 1, Container: "gone"})

	value := f.fetchStatus(t, "cpuflamegraph", 7)
	assert.Contains(t, value, "ERROR")
	assert.Contains(t, value, "container gone")
	assert.Empty(t, f.renderer.requests)
}

func TestLaunchSamplerFailure(t *testing.T) {
	f := newFixture(t)
	f.worker.runCmd = func(context.Context, *exec.Cmd) error {
		return fmt.Errorf("exec format error")
	}

	f.worker.Launch(task.Request{Metric: "cpuflamegraph", Context: 7, Seconds: 1})

	value := f.fetchStatus(t, "cpuflamegraph", 7)
	assert.Contains(t, value, "ERROR")
	assert.Contains(t, value, "profiler failed")
}

func TestLaunchRenderFailure(t *testing.T) {
	f := newFixture(t)
	f.renderer.err = fmt.Errorf("collapse exited with status 2")

	f.worker.Launch(task.Request{Metric: "cpuflamegraph", Context: 7, Seconds: 1})

	value := f.fetchStatus(t, "cpuflamegraph", 7)
	assert.Contains(t, value, "ERROR")
	assert.Contains(t, value, "rendering failed")
}

func TestLaunchErrorIsSingleLine(t *testing.T) {
	f := newFixture(t)
	f.renderer.err = fmt.Errorf("stage failed:\nstderr line one\nstderr line two")

	f.worker.Launch(task.Request{Metric: "cpuflamegraph", Context: 7, Seconds: 1})

	value := f.fetchStatus(t, "cpuflamegraph", 7)
	assert.NotContains(t, value, "\n")
}

func TestCompletionCountersScopedToSampler(t *testing.T) {
	f := newFixture(t)
	s := &session{
		req:    task.Request{Metric: "cpuflamegraph", Context: 3},
		logger: testutil.Logger(t),
		samplerUsage: &syscall.Rusage{
			Minflt: 12,
			Majflt: 4,
			Utime:  syscall.Timeval{Sec: 1, Usec: 500000},
			Stime:  syscall.Timeval{Usec: 250000},
		},
	}

	f.worker.recordResourceUsage(s, time.Second)

	value := f.fetchStatus(t, "cpuflamegraph", 3)
	assert.Contains(t, value, "sampler faults 12/4")
	assert.Contains(t, value, "utime 1500ms stime 250ms")
}

func TestCompletionCountersFallBackToProcessWide(t *testing.T) {
	f := newFixture(t)
	s := &session{
		req:    task.Request{Metric: "cpuflamegraph", Context: 3},
		logger: testutil.Logger(t),
	}

	f.worker.recordResourceUsage(s, time.Second)

	assert.Contains(t, f.fetchStatus(t, "cpuflamegraph", 3), "process-wide")
}

func TestJstackSessionDumpsScopedJVMs(t *testing.T) {
	f := newFixture(t)

	// Fake /proc with one java task and one that is not.
	procRoot := t.TempDir()
	oldRoot := proc.Root
	proc.Root = procRoot
	t.Cleanup(func() { proc.Root = oldRoot })
	for pid, comm := range map[int]string{101: "java", 102: "nginx"} {
		dir := filepath.Join(procRoot, strconv.Itoa(pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	}

	f.resolver.scope = &namespace.ContainerScope{Name: "jvmbox", TaskIDs: []int{101, 102}}
	var mu sync.Mutex
	var dumped []string
	f.worker.runCmd = func(_ context.Context, cmd *exec.Cmd) error {
		mu.Lock()
		defer mu.Unlock()
		dumped = append(dumped, cmd.Args[len(cmd.Args)-1])
		fmt.Fprintln(cmd.Stdout, `"main" #1 prio=5 tid=0x1 runnable`)
		return nil
	}

	f.worker.Launch(task.Request{Metric: "jstackflamegraph", Context: 3, Seconds: 1, Container: "jvmbox"})

	assert.Equal(t, status.StatusDone, f.fetchStatus(t, "jstackflamegraph", 3))
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, dumped)
	for _, pid := range dumped {
		assert.Equal(t, "101", pid, "only the JVM task is dumped")
	}
	require.Len(t, f.renderer.requests, 1)
	assert.Equal(t, flamegraph.SourceJstack, f.renderer.requests[0].Source)
}

func TestStorePollFetchRoundTrip(t *testing.T) {
	f := newFixture(t)
	d := task.NewDispatcher(f.store, f.worker.Launch, task.Options{DefaultSeconds: 1}, nil, testutil.Logger(t))

	require.NoError(t, d.Store("cpuflamegraph", 7, "1"))

	// Poll like a client until the terminal status arrives.
	deadline := time.Now().Add(5 * time.Second)
	var value string
	for {
		var err error
		value, err = d.Fetch("cpuflamegraph", 7)
		require.NoError(t, err)
		if value == "DONE cpuflamegraph/cpuflamegraph.7.svg" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never completed, last status %q", value)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Terminal delivery was one-shot.
	value, err := d.Fetch("cpuflamegraph", 7)
	require.NoError(t, err)
	assert.Equal(t, status.StatusIdle, value)

	// The key is free for the next session.
	require.NoError(t, d.Store("cpuflamegraph", 7, "1"))
}

func TestJstackNoJVM(t *testing.T) {
	f := newFixture(t)
	f.resolver.scope = &namespace.ContainerScope{Name: "empty", TaskIDs: []int{}}

	f.worker.Launch(task.Request{Metric: "jstackflamegraph", Context: 3, Seconds: 1, Container: "empty"})

	value := f.fetchStatus(t, "jstackflamegraph", 3)
	assert.Contains(t, value, "ERROR")
	assert.Contains(t, value, "no running JVM")
}
