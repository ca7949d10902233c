//go:build unix

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonZeroExit))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunStdin(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: "cat",
		Stdin:   "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	_, err := Run(context.Background(), Spec{
		Command:     "sh",
		Args:        []string{"-c", "sleep 30"},
		Timeout:     200 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeoutExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunTimeoutKillsChildProcesses(t *testing.T) {
	// The parent spawns a child; killing the process group must take both.
	start := time.Now()
	_, err := Run(context.Background(), Spec{
		Command:     "sh",
		Args:        []string{"-c", "sleep 30 & wait"},
		Timeout:     200 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeoutExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunOutputCap(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command:        "sh",
		Args:           []string{"-c", "yes | head -c 1000000; sleep 30"},
		MaxOutputBytes: 1024,
		GracePeriod:    100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutputCapExceeded))
	assert.LessOrEqual(t, int64(len(res.Stdout)+len(res.Stderr)), int64(1024))
}

func TestRunStdoutCallbackTerminates(t *testing.T) {
	cause := errors.New("stop now")
	_, err := Run(context.Background(), Spec{
		Command:     "sh",
		Args:        []string{"-c", "echo trigger; sleep 30"},
		GracePeriod: 100 * time.Millisecond,
		OnStdoutChunk: func(chunk []byte) error {
			return cause
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, Spec{
		Command:     "sh",
		Args:        []string{"-c", "sleep 30"},
		GracePeriod: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunResultCarriesPartialOutputOnFailure(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command:     "sh",
		Args:        []string{"-c", "echo partial; sleep 30"},
		Timeout:     300 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, res.Stdout, "partial")
}
