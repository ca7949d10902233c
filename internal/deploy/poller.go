package deploy

import (
	"context"
	"time"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/pkg/models"

	"go.uber.org/zap"
)

// PollPolicy bounds the status-polling fallback.
type PollPolicy struct {
	FirstDelay time.Duration
	Interval   time.Duration
	MaxChecks  int
}

// PollUntilTerminal is the fallback confirmation path for asynchronous
// deployments. It waits out the first delay (webhooks usually land in that
// window), then polls the provider at a fixed interval until the deployment
// reaches a terminal state or the check budget runs out. Every observed
// state goes through the same transition guard as the webhook path, so a
// webhook landing mid-poll simply makes the remaining polls no-ops.
func (r *Reconciler) PollUntilTerminal(ctx context.Context, client PaaSClient, deploymentID, providerID string, policy PollPolicy) {
	log := logging.L().With(
		zap.String("deployment_id", deploymentID),
		zap.String("provider_id", providerID))

	select {
	case <-ctx.Done():
		return
	case <-time.After(policy.FirstDelay):
	}

	for check := 1; check <= policy.MaxChecks; check++ {
		if terminal, err := r.IsTerminal(ctx, deploymentID); err == nil && terminal {
			log.Debug("deployment settled before poll", zap.Int("checks_used", check-1))
			return
		}

		metrics.Get().PollAttemptsTotal.Inc()
		status, err := client.GetDeployment(ctx, providerID)
		if err != nil {
			log.Warn("deployment status poll failed", zap.Int("check", check), zap.Error(err))
		} else {
			state := mapProviderState(status.State)
			if state != "" {
				url := status.URL
				if url != "" && state == models.DeployStateReady {
					url = "https://" + url
				}
				applied, err := r.ApplyTransition(ctx, deploymentID, state, url, status.ErrorMessage, "poll")
				if err != nil {
					log.Warn("failed to apply polled state", zap.Error(err))
				}
				if applied && models.IsTerminalDeployState(state) {
					log.Info("deployment settled by poll",
						zap.String("state", state), zap.Int("checks_used", check))
					return
				}
				if models.IsTerminalDeployState(state) {
					// Another path already wrote the terminal state.
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.Interval):
		}
	}

	// Check budget exhausted without confirmation. The state stays as last
	// observed, treated as unknown: a late webhook can still settle it, and
	// the build's own outcome does not depend on confirmation.
	metrics.Get().PollExhaustionTotal.Inc()
	log.Warn("deployment unconfirmed after polling budget", zap.Int("max_checks", policy.MaxChecks))
}

// WaitTerminal blocks until the deployment record reaches a terminal state
// or the context expires, re-reading the stored state at a short cadence.
// Used by the orchestrator to turn the asynchronous backend into a
// synchronous answer for the build result.
func (r *Reconciler) WaitTerminal(ctx context.Context, deploymentID string, checkEvery time.Duration) (*models.DeploymentRecord, error) {
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		rec, err := r.Get(ctx, deploymentID)
		if err != nil {
			return nil, err
		}
		if models.IsTerminalDeployState(rec.State) {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}
