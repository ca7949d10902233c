package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/pkg/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookDedupTTL = 24 * time.Hour

// Reconciler owns deployment state. The webhook path and the polling path
// both converge through ApplyTransition, the single "apply state if
// forward-transition and not-yet-terminal" operation; whichever path writes
// a terminal state first wins and the other's write becomes a no-op.
type Reconciler struct {
	db    *gorm.DB
	redis *redis.Client

	// In-process dedup fallback when redis is absent (tests, single node).
	seenMu sync.Mutex
	seen   map[string]struct{}
}

func NewReconciler(db *gorm.DB, rdb *redis.Client) *Reconciler {
	return &Reconciler{db: db, redis: rdb, seen: make(map[string]struct{})}
}

// ApplyTransition applies a state update for one deployment if it is a
// forward transition from the currently stored state. The stored state is
// re-checked inside the transaction immediately before writing, so a
// delayed poller can never clobber a webhook-applied terminal state.
// Invalid transitions are logged as anomalies and dropped; the system
// favors liveness over strict rejection.
func (r *Reconciler) ApplyTransition(ctx context.Context, deploymentID, newState, url, errMsg, source string) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.DeploymentRecord
		if err := tx.First(&rec, "id = ?", deploymentID).Error; err != nil {
			return fmt.Errorf("deployment %s not found: %w", deploymentID, err)
		}

		if models.IsTerminalDeployState(rec.State) {
			// Already settled; late updates are expected and harmless.
			return nil
		}
		if !isForward(rec.State, newState) {
			metrics.Get().DeployAnomalies.Inc()
			logging.L().Warn("invalid deployment transition dropped",
				zap.String("deployment_id", deploymentID),
				zap.String("from", rec.State),
				zap.String("to", newState),
				zap.String("source", source))
			return nil
		}

		updates := map[string]any{"state": newState}
		if url != "" {
			updates["url"] = url
		}
		if errMsg != "" {
			updates["error_message"] = errMsg
		}
		if err := tx.Model(&rec).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update deployment %s: %w", deploymentID, err)
		}

		metrics.Get().DeployTransitions.WithLabelValues(rec.State, newState, source).Inc()
		applied = true
		return nil
	})
	return applied, err
}

// IsTerminal reports whether the stored state for a deployment is terminal.
func (r *Reconciler) IsTerminal(ctx context.Context, deploymentID string) (bool, error) {
	var rec models.DeploymentRecord
	if err := r.db.WithContext(ctx).Select("state").First(&rec, "id = ?", deploymentID).Error; err != nil {
		return false, err
	}
	return models.IsTerminalDeployState(rec.State), nil
}

// Get loads a deployment record.
func (r *Reconciler) Get(ctx context.Context, deploymentID string) (*models.DeploymentRecord, error) {
	var rec models.DeploymentRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", deploymentID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// markDuplicate records a webhook delivery and reports whether it was seen
// before. Keyed by a hash of the deployment id and the raw payload bytes, so
// replays are detected before any state mutation.
func (r *Reconciler) markDuplicate(ctx context.Context, deploymentID string, payload []byte) bool {
	sum := sha256.Sum256(append([]byte(deploymentID+"\x00"), payload...))
	key := "deploy:webhook:" + hex.EncodeToString(sum[:])

	if r.redis != nil {
		ok, err := r.redis.SetNX(ctx, key, 1, webhookDedupTTL).Result()
		if err == nil {
			return !ok
		}
		logging.L().Warn("webhook dedup store unavailable, using in-process fallback", zap.Error(err))
	}

	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, dup := r.seen[key]; dup {
		return true
	}
	r.seen[key] = struct{}{}
	return false
}
