package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// webhookPayload is the provider's deployment event. The provider keys
// deliveries by its own deployment id; we resolve it back to ours.
type webhookPayload struct {
	Type    string `json:"type"`
	Payload struct {
		Deployment struct {
			ID           string `json:"id"`
			State        string `json:"readyState"`
			URL          string `json:"url"`
			ErrorMessage string `json:"errorMessage,omitempty"`
		} `json:"deployment"`
	} `json:"payload"`
}

// ProcessWebhook handles one raw webhook delivery. Duplicates are detected
// before any state mutation, so provider retries and redelivery storms
// collapse into a single applied transition.
func (r *Reconciler) ProcessWebhook(ctx context.Context, body []byte) error {
	var wp webhookPayload
	if err := json.Unmarshal(body, &wp); err != nil {
		return fmt.Errorf("malformed webhook payload: %w", err)
	}
	providerID := wp.Payload.Deployment.ID
	if providerID == "" {
		return fmt.Errorf("webhook payload carried no deployment id")
	}

	rec, err := r.getByProviderID(ctx, providerID)
	if err != nil {
		return fmt.Errorf("unknown deployment for provider id %s: %w", providerID, err)
	}

	if r.markDuplicate(ctx, rec.ID, body) {
		metrics.Get().WebhookDuplicates.Inc()
		logging.L().Debug("duplicate webhook delivery ignored",
			zap.String("deployment_id", rec.ID),
			zap.String("provider_id", providerID))
		return nil
	}

	state := mapProviderState(wp.Payload.Deployment.State)
	if state == "" {
		logging.L().Warn("webhook with unrecognized state ignored",
			zap.String("deployment_id", rec.ID),
			zap.String("provider_state", wp.Payload.Deployment.State))
		return nil
	}

	url := wp.Payload.Deployment.URL
	if url != "" && state == models.DeployStateReady {
		url = "https://" + url
	}
	_, err = r.ApplyTransition(ctx, rec.ID, state, url, wp.Payload.Deployment.ErrorMessage, "webhook")
	return err
}

func (r *Reconciler) getByProviderID(ctx context.Context, providerID string) (*deploymentRef, error) {
	var rec deploymentRef
	err := r.db.WithContext(ctx).
		Table("deployments").
		Select("id").
		Where("provider_id = ?", providerID).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type deploymentRef struct {
	ID string
}

// WebhookHandler is the HTTP entry point for provider callbacks. Always
// answers 200 for payloads we could parse far enough to route; the provider
// retries non-2xx responses and retries of a processed delivery are dropped
// by dedup anyway.
func (r *Reconciler) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if err := r.ProcessWebhook(c.Request.Context(), body); err != nil {
			logging.L().Warn("webhook processing failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"received": true, "processed": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "processed": true})
	}
}
