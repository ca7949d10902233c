// Package deploy routes finished builds to a deployment backend and
// reconciles asynchronous deployment state from webhook and polling paths.
package deploy

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"buildforge/internal/logging"
	"buildforge/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Router selects a backend per project and drives a deployment to a
// terminal state.
type Router struct {
	reconciler *Reconciler
	edge       EdgeClient
	paas       PaaSClient
	policy     PollPolicy
}

func NewRouter(reconciler *Reconciler, edge EdgeClient, paas PaaSClient, policy PollPolicy) *Router {
	return &Router{reconciler: reconciler, edge: edge, paas: paas, policy: policy}
}

// Outcome is the settled result of one deployment.
type Outcome struct {
	DeploymentID string
	URL          string
	State        string
	ErrorMessage string
	Duration     time.Duration
}

// Deploy publishes a built version through the project's backend and blocks
// until the deployment settles. The edge backend answers synchronously; the
// PaaS backend settles through webhook-or-poll reconciliation.
func (rt *Router) Deploy(ctx context.Context, project *models.Project, versionID, outputDir string) (*Outcome, error) {
	start := time.Now()
	rec := &models.DeploymentRecord{
		ID:            uuid.NewString(),
		VersionID:     versionID,
		ProjectID:     project.ID,
		Backend:       project.DeployTarget,
		State:         models.DeployStateQueued,
		CorrelationID: uuid.NewString(),
	}
	if err := rt.reconciler.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create deployment record: %w", err)
	}

	log := logging.L().With(
		zap.String("deployment_id", rec.ID),
		zap.String("version_id", versionID),
		zap.String("backend", rec.Backend))
	log.Info("deployment started")

	var final *models.DeploymentRecord
	var err error
	switch project.DeployTarget {
	case "paas":
		final, err = rt.deployPaaS(ctx, project, rec, outputDir)
	default:
		final, err = rt.deployEdge(ctx, project, rec, versionID, outputDir)
	}
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		DeploymentID: final.ID,
		URL:          final.URL,
		State:        final.State,
		ErrorMessage: final.ErrorMessage,
		Duration:     time.Since(start),
	}
	log.Info("deployment settled",
		zap.String("state", out.State),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func (rt *Router) deployEdge(ctx context.Context, project *models.Project, rec *models.DeploymentRecord, versionID, outputDir string) (*models.DeploymentRecord, error) {
	if _, err := rt.reconciler.ApplyTransition(ctx, rec.ID, models.DeployStateBuilding, "", "", "edge"); err != nil {
		return nil, err
	}

	req, err := collectAssets(outputDir, project.ID, versionID)
	if err != nil {
		_, _ = rt.reconciler.ApplyTransition(ctx, rec.ID, models.DeployStateError, "", err.Error(), "edge")
		return rt.reconciler.Get(ctx, rec.ID)
	}

	url, err := rt.edge.Push(ctx, req)
	if err != nil {
		_, _ = rt.reconciler.ApplyTransition(ctx, rec.ID, models.DeployStateError, "", err.Error(), "edge")
		return rt.reconciler.Get(ctx, rec.ID)
	}

	if _, err := rt.reconciler.ApplyTransition(ctx, rec.ID, models.DeployStateReady, url, "", "edge"); err != nil {
		return nil, err
	}
	return rt.reconciler.Get(ctx, rec.ID)
}

func (rt *Router) deployPaaS(ctx context.Context, project *models.Project, rec *models.DeploymentRecord, outputDir string) (*models.DeploymentRecord, error) {
	req, err := buildPaaSRequest(project, outputDir)
	if err != nil {
		_, _ = rt.reconciler.ApplyTransition(ctx, rec.ID, models.DeployStateError, "", err.Error(), "paas")
		return rt.reconciler.Get(ctx, rec.ID)
	}

	providerID, err := rt.paas.CreateDeployment(ctx, req)
	if err != nil {
		_, _ = rt.reconciler.ApplyTransition(ctx, rec.ID, models.DeployStateError, "", err.Error(), "paas")
		return rt.reconciler.Get(ctx, rec.ID)
	}

	if err := rt.reconciler.db.WithContext(ctx).
		Model(&models.DeploymentRecord{}).
		Where("id = ?", rec.ID).
		Update("provider_id", providerID).Error; err != nil {
		return nil, fmt.Errorf("failed to record provider id: %w", err)
	}

	go rt.reconciler.PollUntilTerminal(context.WithoutCancel(ctx), rt.paas, rec.ID, providerID, rt.policy)

	deadline := rt.policy.FirstDelay + time.Duration(rt.policy.MaxChecks+1)*rt.policy.Interval
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cadence := rt.policy.Interval / 2
	if cadence <= 0 || cadence > 2*time.Second {
		cadence = 2 * time.Second
	}

	// An unconfirmed deployment is not a build failure: WaitTerminal hands
	// back the last stored state when the wait budget expires.
	final, err := rt.reconciler.WaitTerminal(waitCtx, rec.ID, cadence)
	if err != nil && final == nil {
		return nil, err
	}
	return final, nil
}

func buildPaaSRequest(project *models.Project, outputDir string) (*PaaSDeployRequest, error) {
	assets, err := collectAssets(outputDir, project.ID, "")
	if err != nil {
		return nil, err
	}
	files := make([]PaaSFile, 0, len(assets.Assets))
	for _, a := range assets.Assets {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to decode asset %s: %w", a.Path, err)
		}
		files = append(files, PaaSFile{Path: a.Path, Content: string(content)})
	}
	return &PaaSDeployRequest{
		Name:  fmt.Sprintf("project-%d", project.ID),
		Files: files,
	}, nil
}
