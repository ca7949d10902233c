package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"buildforge/internal/events"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/pkg/models"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TaskTypeRecover is the queue task for asynchronous, deeper recovery.
const TaskTypeRecover = "error:recover"

// RecoveryQueue is the dedicated asynq queue for deferred recovery work,
// kept separate from build execution so a recovery backlog never starves
// builds.
const RecoveryQueue = "recovery"

const (
	recoveryMaxRetries = 5
	recoveryTimeout    = 5 * time.Minute
)

// Routing outcomes persisted on the error occurrence.
const (
	RoutedQuickFix      = "quick_fix"
	RoutedRecoveryQueue = "recovery_queue"
	RoutedSecurity      = "security"
	RoutedHuman         = "human"
	RoutedDropped       = "dropped"
)

// Service receives failures from every pipeline stage, rate limits,
// classifies, and routes them.
type Service struct {
	db         *gorm.DB
	classifier *Classifier
	limiter    *WindowStore
	queue      *asynq.Client
	publisher  *events.Publisher
}

func NewService(db *gorm.DB, classifier *Classifier, limiter *WindowStore, queue *asynq.Client, publisher *events.Publisher) *Service {
	return &Service{
		db:         db,
		classifier: classifier,
		limiter:    limiter,
		queue:      queue,
		publisher:  publisher,
	}
}

// Report is the single entry point for a pipeline failure. It returns the
// routing decision; the caller decides whether a quick fix warrants a
// rebuild attempt.
//
// Rate limits run before any classification work, security checks included:
// a project over its cap gets nothing classified at all.
func (s *Service) Report(ctx context.Context, ec ErrorContext, correlationID string) (Classification, string) {
	if ok, scope := s.limiter.Allow(fmt.Sprintf("project:%d", ec.ProjectID)); !ok {
		metrics.Get().RateLimitDrops.WithLabelValues(scope).Inc()
		logging.L().Warn("error report dropped by rate limit",
			zap.Uint("project_id", ec.ProjectID),
			zap.String("scope", scope))
		s.persist(ctx, ec, Classification{}, RoutedDropped)
		return Classification{Category: CategoryNonRecoverable, Reason: "rate limited"}, RoutedDropped
	}

	cl := s.classifier.Classify(ctx, ec)

	var routed string
	switch {
	case cl.Category == CategorySecurityRisk:
		routed = RoutedSecurity
		metrics.Get().EscalationsTotal.WithLabelValues("security").Inc()
		s.publisher.Publish(ctx, events.Event{
			Type:          events.TypeSecurityAlert,
			ProjectID:     ec.ProjectID,
			VersionID:     ec.VersionID,
			CorrelationID: correlationID,
			Data:          map[string]any{"stage": ec.Stage, "reason": cl.Reason},
		})
		logging.L().Error("security risk escalated",
			zap.Uint("project_id", ec.ProjectID),
			zap.String("version_id", ec.VersionID),
			zap.String("reason", cl.Reason))

	case cl.Category == CategoryNonRecoverable:
		routed = RoutedHuman
		metrics.Get().EscalationsTotal.WithLabelValues("human").Inc()
		s.publisher.Publish(ctx, events.Event{
			Type:          events.TypeErrorEscalated,
			ProjectID:     ec.ProjectID,
			VersionID:     ec.VersionID,
			CorrelationID: correlationID,
			Data:          map[string]any{"stage": ec.Stage, "reason": cl.Reason},
		})

	case cl.Category == CategoryRecoverablePattern && cl.Confidence >= highConfidence:
		routed = RoutedQuickFix

	default:
		routed = RoutedRecoveryQueue
		if err := s.enqueue(ctx, ec, cl, correlationID); err != nil {
			logging.L().Error("failed to enqueue recovery task", zap.Error(err))
			routed = RoutedHuman
			metrics.Get().EscalationsTotal.WithLabelValues("human").Inc()
		} else {
			s.publisher.Publish(ctx, events.Event{
				Type:          events.TypeErrorRecoveryQueued,
				ProjectID:     ec.ProjectID,
				VersionID:     ec.VersionID,
				CorrelationID: correlationID,
				Data:          map[string]any{"stage": ec.Stage, "category": cl.Category},
			})
		}
	}

	s.persist(ctx, ec, cl, routed)
	return cl, routed
}

func (s *Service) persist(ctx context.Context, ec ErrorContext, cl Classification, routed string) {
	occ := models.ErrorOccurrence{
		ProjectID:  ec.ProjectID,
		VersionID:  ec.VersionID,
		Stage:      ec.Stage,
		Message:    ec.Message,
		Category:   cl.Category,
		Confidence: cl.Confidence,
		Strategy:   cl.Strategy,
		Routed:     routed,
	}
	if err := s.db.WithContext(ctx).Create(&occ).Error; err != nil {
		logging.L().Error("failed to persist error occurrence", zap.Error(err))
	}
}

// recoverPayload is the queue payload for one deferred recovery attempt.
type recoverPayload struct {
	Context        ErrorContext   `json:"context"`
	Classification Classification `json:"classification"`
	CorrelationID  string         `json:"correlation_id"`
}

func (s *Service) enqueue(ctx context.Context, ec ErrorContext, cl Classification, correlationID string) error {
	if s.queue == nil {
		return fmt.Errorf("recovery queue not configured")
	}
	payload, err := json.Marshal(recoverPayload{Context: ec, Classification: cl, CorrelationID: correlationID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeRecover, payload)
	_, err = s.queue.EnqueueContext(ctx, task,
		asynq.Queue(RecoveryQueue),
		asynq.MaxRetry(recoveryMaxRetries),
		asynq.Timeout(recoveryTimeout))
	if err != nil {
		return err
	}
	metrics.Get().RecoveryQueueDepth.Inc()
	return nil
}

// Repairer performs the deeper recovery attempt for a queued error.
type Repairer interface {
	Repair(ctx context.Context, ec ErrorContext, cl Classification) error
}

// NopRepairer acknowledges queued errors without repairing them. Stands in
// until an AI-assisted repairer is wired; the occurrence trail and events
// still flow.
type NopRepairer struct{}

func (NopRepairer) Repair(ctx context.Context, ec ErrorContext, cl Classification) error {
	logging.L().Info("recovery task acknowledged without repair",
		zap.Uint("project_id", ec.ProjectID),
		zap.String("category", cl.Category))
	return nil
}

// Worker consumes the recovery queue. Retries with exponential backoff are
// asynq's default policy; a handler error after the retry budget lands the
// task in the archive for human review.
type Worker struct {
	repairer  Repairer
	publisher *events.Publisher
}

func NewWorker(repairer Repairer, publisher *events.Publisher) *Worker {
	return &Worker{repairer: repairer, publisher: publisher}
}

func (w *Worker) HandleRecoverTask(ctx context.Context, t *asynq.Task) error {
	var p recoverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("malformed recovery payload: %v: %w", err, asynq.SkipRetry)
	}

	log := logging.L().With(
		zap.Uint("project_id", p.Context.ProjectID),
		zap.String("version_id", p.Context.VersionID),
		zap.String("category", p.Classification.Category))

	if err := w.repairer.Repair(ctx, p.Context, p.Classification); err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried >= maxRetry {
			metrics.Get().RecoveryQueueDepth.Dec()
			metrics.Get().EscalationsTotal.WithLabelValues("human").Inc()
			w.publisher.Publish(ctx, events.Event{
				Type:          events.TypeErrorEscalated,
				ProjectID:     p.Context.ProjectID,
				VersionID:     p.Context.VersionID,
				CorrelationID: p.CorrelationID,
				Data:          map[string]any{"reason": "recovery retries exhausted"},
			})
			log.Error("recovery retries exhausted", zap.Error(err))
		} else {
			log.Warn("recovery attempt failed, will retry", zap.Int("attempt", retried+1), zap.Error(err))
		}
		return err
	}

	metrics.Get().RecoveryQueueDepth.Dec()
	w.publisher.Publish(ctx, events.Event{
		Type:          events.TypeErrorRecovered,
		ProjectID:     p.Context.ProjectID,
		VersionID:     p.Context.VersionID,
		CorrelationID: p.CorrelationID,
	})
	log.Info("error recovered")
	return nil
}
