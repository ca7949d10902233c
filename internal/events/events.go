// Package events publishes pipeline lifecycle events over Redis pub/sub for
// downstream consumers (dashboards, notification fanout).
package events

import (
	"context"
	"encoding/json"
	"time"

	"buildforge/internal/logging"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const Channel = "buildforge:events"

// Event types emitted by the pipeline.
const (
	TypeBuildStarted        = "build_started"
	TypeBuildCompleted      = "build_completed"
	TypeBuildFailed         = "build_failed"
	TypeErrorRecoveryQueued = "error_recovery_queued"
	TypeErrorRecovered      = "error_recovered"
	TypeErrorEscalated      = "error_escalated"
	TypeSecurityAlert       = "security_alert"
)

// Event is one published lifecycle record. CorrelationID ties together every
// event of a single build attempt.
type Event struct {
	Type          string         `json:"type"`
	ProjectID     uint           `json:"project_id"`
	UserID        uint           `json:"user_id,omitempty"`
	VersionID     string         `json:"version_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// Publisher sends events; a nil Redis client turns it into a no-op, which
// keeps tests and single-binary dev setups free of a broker requirement.
type Publisher struct {
	redis *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{redis: rdb}
}

// Publish emits one event. Delivery is best effort: a publish failure is
// logged and swallowed, never failing the build that produced it.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.redis == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		logging.L().Error("failed to marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := p.redis.Publish(ctx, Channel, payload).Err(); err != nil {
		logging.L().Warn("failed to publish event",
			zap.String("type", ev.Type),
			zap.String("correlation_id", ev.CorrelationID),
			zap.Error(err))
	}
}
