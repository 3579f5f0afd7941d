// Package flamegraph drives the external postprocessing pipeline that
// turns raw sample output into a rendered image artifact. Every stage
// is an opaque external executable judged only by its exit code; the
// intermediate exchange format is line-oriented folded stacks.
package flamegraph

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Mode selects the visual transform.
type Mode int

const (
	// ModeFlamegraph renders folded stacks as a flame graph.
	ModeFlamegraph Mode = iota
	// ModeHeatmap renders a latency trace as a heat map.
	ModeHeatmap
)

// Source identifies the raw sample producer, which determines how the
// samples are extracted and collapsed.
type Source int

const (
	// SourcePerf is binary perf.data output; extraction goes through
	// perf script.
	SourcePerf Source = iota
	// SourceJstack is concatenated thread-dump text, collapsed by the
	// jstack-specific folder.
	SourceJstack
)

// Config names the external tools.
type Config struct {
	Perf           string
	Collapse       string
	CollapseJstack string
	Flamegraph     string
	Heatmap        string
	Timeout        time.Duration
}

// Request describes one render run.
type Request struct {
	Source Source
	Mode   Mode
	// RawPath is the sampler output (perf.data or thread dumps).
	RawPath string
	// FoldedPath receives the intermediate folded-stack file.
	FoldedPath string
	// OutPath receives the rendered image.
	OutPath string
	Title   string
}

// Pipeline runs the postprocess stages.
type Pipeline struct {
	cfg    Config
	logger zerolog.Logger

	// runCmd executes a prepared command. Injectable for tests.
	runCmd func(cmd *exec.Cmd) error
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.With().Str("component", "flamegraph").Logger(),
		runCmd: runNiced,
	}
}

// Render runs extraction, collapse and rendering. Any stage failing or
// timing out fails the whole render; there is no partial artifact.
func (p *Pipeline) Render(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	// Extract a text event stream from binary sampler output.
	stacksPath := req.RawPath
	if req.Source == SourcePerf {
		stacksPath = req.RawPath + ".stacks"
		if err := p.stage(ctx, stacksPath, p.cfg.Perf, "script", "-i", req.RawPath); err != nil {
			return fmt.Errorf("sample extraction failed: %w", err)
		}
	}

	if req.Mode == ModeHeatmap {
		if err := p.stage(ctx, req.OutPath, p.cfg.Heatmap, stacksPath); err != nil {
			return fmt.Errorf("heat map rendering failed: %w", err)
		}
		return nil
	}

	collapse := p.cfg.Collapse
	if req.Source == SourceJstack {
		collapse = p.cfg.CollapseJstack
	}
	if err := p.stage(ctx, req.FoldedPath, collapse, stacksPath); err != nil {
		return fmt.Errorf("stack collapse failed: %w", err)
	}

	args := []string{}
	if req.Title != "" {
		args = append(args, "--title", req.Title)
	}
	args = append(args, req.FoldedPath)
	if err := p.stage(ctx, req.OutPath, p.cfg.Flamegraph, args...); err != nil {
		return fmt.Errorf("flame graph rendering failed: %w", err)
	}

	p.logger.Debug().Str("out", req.OutPath).Msg("artifact rendered")
	return nil
}

// stage runs one tool with stdout redirected to outPath.
func (p *Pipeline) stage(ctx context.Context, outPath, tool string, args ...string) error {
	//nolint:gosec // G204: tool paths come from operator config, args from the session.
	cmd := exec.CommandContext(ctx, tool, args...)

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outPath, err)
	}
	defer out.Close() // nolint:errcheck
	cmd.Stdout = out

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := p.runCmd(cmd); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out", tool)
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 200 {
			detail = detail[:200]
		}
		if detail != "" {
			return fmt.Errorf("%s: %v: %s", tool, err, detail)
		}
		return fmt.Errorf("%s: %w", tool, err)
	}
	return nil
}

// runNiced starts the command and drops its scheduling priority, so
// postprocessing interferes as little as possible with the workload
// that was just profiled.
func runNiced(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	if cmd.Process != nil {
		// Failure to renice is not worth failing the render.
		_ = unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, 19)
	}
	return cmd.Wait()
}
