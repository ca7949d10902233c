// Package engine invokes the code-generation engine as a supervised
// subprocess: prompt on stdin, line-delimited JSON transcript on stdout.
// The wall-clock budget and the step budget run as independent cancellation
// sources racing against the same process.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"buildforge/internal/budget"
	"buildforge/internal/genstream"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/internal/supervisor"

	"go.uber.org/zap"
)

// Engine output is bounded independently of the step budget; a runaway
// process cannot exhaust worker memory through verbosity alone.
const maxTranscriptBytes = 64 * 1024 * 1024

// Request describes one generation run.
type Request struct {
	Prompt         string
	PriorContext   string // file tree summary for update builds
	WorkDir        string
	Budget         budget.Budget
	IsInitialBuild bool
}

// Output is what a completed (or terminated) generation run produced.
type Output struct {
	Result       string
	StepsUsed    int
	Model        string
	TokensIn     int
	TokensOut    int
	FilesWritten []string
	Transcript   string
	Duration     time.Duration
}

// Engine wraps the configured generation CLI.
type Engine struct {
	cmd  string
	args []string
}

func New(cmd string, args []string) *Engine {
	return &Engine{cmd: cmd, args: args}
}

// Generate runs the engine in req.WorkDir under both budgets. On success the
// explicit file manifest has been applied to the working directory; files the
// process wrote directly (its own side effects) are already on disk and are
// kept; an explicit manifest write is the only thing allowed to replace one.
func (e *Engine) Generate(ctx context.Context, req Request) (*Output, error) {
	counter := genstream.NewStepCounter(req.Budget.MaxSteps)

	stdin := req.Prompt
	if req.PriorContext != "" {
		stdin = req.PriorContext + "\n\n" + req.Prompt
	}

	start := time.Now()
	res, runErr := supervisor.Run(ctx, supervisor.Spec{
		Command:        e.cmd,
		Args:           e.args,
		Dir:            req.WorkDir,
		Stdin:          stdin,
		Timeout:        req.Budget.MaxBuildTime,
		MaxOutputBytes: maxTranscriptBytes,
		OnStdoutChunk:  counter.Write,
	})

	model, tokensIn, tokensOut := counter.Usage()
	out := &Output{
		StepsUsed: counter.Steps(),
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Duration:  time.Since(start),
	}
	if res != nil {
		out.Transcript = res.Stdout
	}
	out.Result, _ = counter.Result()

	m := metrics.Get()
	m.GenerationSteps.Observe(float64(out.StepsUsed))
	m.GenerationSeconds.Observe(out.Duration.Seconds())

	if runErr != nil {
		logging.L().Warn("generation run failed",
			zap.Int("steps_used", out.StepsUsed),
			zap.Duration("duration", out.Duration),
			zap.Error(runErr))
		return out, runErr
	}

	written, err := applyManifest(req.WorkDir, counter.Files())
	if err != nil {
		return out, fmt.Errorf("failed to apply file manifest: %w", err)
	}
	out.FilesWritten = written

	logging.L().Info("generation completed",
		zap.Int("steps_used", out.StepsUsed),
		zap.Int("manifest_files", len(written)),
		zap.String("model", out.Model),
		zap.Duration("duration", out.Duration))
	return out, nil
}

// applyManifest writes the engine's explicit file-write entries into the
// working directory. Paths are confined to the working directory; entries
// escaping it are rejected rather than skipped.
func applyManifest(workDir string, files []genstream.FileEntry) ([]string, error) {
	written := make([]string, 0, len(files))
	for _, f := range files {
		rel := filepath.Clean(f.Path)
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return written, fmt.Errorf("manifest path %q escapes working directory", f.Path)
		}
		dst := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return written, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		written = append(written, rel)
	}
	return written, nil
}
