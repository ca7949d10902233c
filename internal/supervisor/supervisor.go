// Package supervisor runs external commands under hard resource bounds:
// a wall-clock timeout, an output byte cap, and process-tree termination.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"

	"go.uber.org/zap"
)

// Budget and process failures. Callers match with errors.Is.
var (
	ErrTimeoutExceeded   = errors.New("TIMEOUT_EXCEEDED: process exceeded wall-clock budget")
	ErrOutputCapExceeded = errors.New("OUTPUT_CAP_EXCEEDED: process output exceeded byte cap")
	ErrNonZeroExit       = errors.New("NON_ZERO_EXIT: process exited with failure")
)

// DefaultGracePeriod is how long a terminated process gets between the stop
// signal and the forced kill of its process group.
const DefaultGracePeriod = 2 * time.Second

// Spec describes one supervised run.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Stdin   string

	// Timeout bounds wall-clock time; zero means no timeout.
	Timeout time.Duration

	// MaxOutputBytes caps combined stdout and stderr accumulation; zero
	// means no cap.
	MaxOutputBytes int64

	// OnStdoutChunk, when set, receives every stdout chunk as it arrives.
	// Returning a non-nil error terminates the process and fails the run
	// with that error. This is how the step-budget parser cancels a run.
	OnStdoutChunk func(chunk []byte) error

	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
}

// Result is the outcome of a supervised run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// processTerminator stops a whole process tree: a graceful stop signal first,
// then a forced kill after the grace period unless the process exited.
// Implemented per OS (process-group signals on POSIX).
type processTerminator interface {
	terminate(grace time.Duration, exited <-chan struct{})
}

// killer serializes termination. Both budget watchers (timer and step
// counter) feed it; only the first cause wins and termination runs once.
type killer struct {
	once   sync.Once
	mu     sync.Mutex
	cause  error
	term   processTerminator
	exited chan struct{}
	grace  time.Duration
}

func (k *killer) kill(cause error) {
	k.once.Do(func() {
		k.mu.Lock()
		k.cause = cause
		k.mu.Unlock()
		go k.term.terminate(k.grace, k.exited)
	})
}

func (k *killer) killCause() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cause
}

// Run executes the command described by spec and blocks until it exits or a
// budget terminates it. The returned Result always carries whatever output
// was captured, including on failure.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	setProcessGroup(cmd)

	grace := spec.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	k := &killer{
		term:   newTerminator(cmd),
		exited: make(chan struct{}),
		grace:  grace,
	}

	var (
		stdout  strings.Builder
		stderr  strings.Builder
		outMu   sync.Mutex
		written int64
	)

	// accumulate appends a chunk under the shared byte cap. Cap breaches
	// terminate the process; the breaching chunk is truncated, never
	// partially dropped elsewhere.
	accumulate := func(buf *strings.Builder, chunk []byte) {
		outMu.Lock()
		defer outMu.Unlock()
		if spec.MaxOutputBytes > 0 {
			remaining := spec.MaxOutputBytes - written
			if remaining <= 0 {
				k.kill(ErrOutputCapExceeded)
				return
			}
			if int64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
				defer k.kill(ErrOutputCapExceeded)
			}
		}
		buf.Write(chunk)
		written += int64(len(chunk))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stdoutPipe.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				accumulate(&stdout, chunk)
				if spec.OnStdoutChunk != nil {
					if cbErr := spec.OnStdoutChunk(chunk); cbErr != nil {
						k.kill(cbErr)
					}
				}
			}
			if rerr != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stderrPipe.Read(buf)
			if n > 0 {
				accumulate(&stderr, buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()

	// Wall-clock budget and caller cancellation are independent kill
	// sources racing against the process.
	var timer *time.Timer
	if spec.Timeout > 0 {
		timer = time.AfterFunc(spec.Timeout, func() {
			metrics.Get().TimeoutHits.Inc()
			k.kill(ErrTimeoutExceeded)
		})
	}
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			k.kill(ctx.Err())
		case <-ctxDone:
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(k.exited)
	close(ctxDone)
	if timer != nil {
		timer.Stop()
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if cause := k.killCause(); cause != nil {
		if errors.Is(cause, ErrOutputCapExceeded) {
			metrics.Get().OutputCapHits.Inc()
		}
		logging.L().Warn("supervised process terminated",
			zap.String("command", spec.Command),
			zap.Error(cause),
			zap.Duration("ran_for", result.Duration))
		return result, cause
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("%w: %s exited with code %d: %s",
				ErrNonZeroExit, spec.Command, exitErr.ExitCode(), tail(result.Stderr, 512))
		}
		return result, fmt.Errorf("process wait failed: %w", waitErr)
	}

	return result, nil
}

// tail returns the last n bytes of s, for error messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
