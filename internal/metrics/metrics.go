// Package metrics provides Prometheus metrics for the build pipeline.
// Exports build, generation, deployment, and recovery metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for the worker
type Metrics struct {
	// Build lifecycle
	BuildsTotal        *prometheus.CounterVec // labels: framework, outcome
	BuildPhaseDuration *prometheus.HistogramVec
	BuildsInFlight     prometheus.Gauge

	// Code generation
	GenerationSteps   prometheus.Histogram
	StepLimitHits     prometheus.Counter
	TimeoutHits       prometheus.Counter
	OutputCapHits     prometheus.Counter
	GenerationSeconds prometheus.Histogram

	// Artifacts
	ArtifactBytes        prometheus.Histogram
	ArtifactUploadsTotal *prometheus.CounterVec // labels: tier, outcome
	ArtifactSkippedTotal prometheus.Counter

	// Deployment reconciliation
	DeployTransitions   *prometheus.CounterVec // labels: from, to, source
	DeployAnomalies     prometheus.Counter
	WebhookDuplicates   prometheus.Counter
	PollAttemptsTotal   prometheus.Counter
	PollExhaustionTotal prometheus.Counter

	// Error classification and recovery
	ClassificationsTotal *prometheus.CounterVec // labels: category
	RateLimitDrops       *prometheus.CounterVec // labels: scope
	QuickFixesTotal      *prometheus.CounterVec // labels: strategy, outcome
	RecoveryQueueDepth   prometheus.Gauge
	EscalationsTotal     *prometheus.CounterVec // labels: target
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			BuildsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "buildforge_builds_total",
				Help: "Total builds processed, by framework and outcome",
			}, []string{"framework", "outcome"}),

			BuildPhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "buildforge_build_phase_duration_seconds",
				Help:    "Duration of each build phase",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			}, []string{"phase"}),

			BuildsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "buildforge_builds_in_flight",
				Help: "Builds currently executing on this worker",
			}),

			GenerationSteps: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "buildforge_generation_steps",
				Help:    "Tool invocation steps consumed per generation run",
				Buckets: []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
			}),

			StepLimitHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "buildforge_step_limit_hits_total",
				Help: "Generation runs terminated by the step budget",
			}),

			TimeoutHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "buildforge_timeout_hits_total",
				Help: "Supervised processes terminated by the wall-clock budget",
			}),

			OutputCapHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "buildforge_output_cap_hits_total",
				Help: "Supervised processes terminated by the output byte cap",
			}),

			GenerationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "buildforge_generation_duration_seconds",
				Help:    "Wall-clock duration of the generation phase",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			}),

			ArtifactBytes: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "buildforge_artifact_bytes",
				Help:    "Packaged artifact size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			}),

			ArtifactUploadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "buildforge_artifact_uploads_total",
				Help: "Artifact uploads by retention tier and outcome",
			}, []string{"tier", "outcome"}),

			ArtifactSkippedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "buildforge_artifact_skipped_total",
				Help: "Artifacts skipped because the packaged size exceeded the ceiling",
			}),

			DeployTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "buildforge_deploy_transitions_total",
				Help: "Deployment state transitions applied, by edge and source",
			}, []string{"from", "to", "source"}),

			DeployAnomalies: promauto.NewCounter(prometheus.CounterOpts{
				Name: "buildforge_deploy_anomalies_total",
				Help: "Deployment updates rejected as invalid transitions",
			}),

			WebhookDuplicates: promauto.NewCounter(prometheus.CounterOpts{
				Name: "buildforge_webhook_duplicates_total",
				Help: "Webhook deliveries dropped as replays",
			}),

			PollAttemptsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "buildforge_deploy_poll_attempts_total",
				Help: "Deployment status poll attempts",
			}),

			PollExhaustionTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "buildforge_deploy_poll_exhaustion_total",
				Help: "Pollers that stopped after the attempt cap without a terminal state",
			}),

			ClassificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "buildforge_error_classifications_total",
				Help: "Error classifications by resolved category",
			}, []string{"category"}),

			RateLimitDrops: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "buildforge_error_rate_limit_drops_total",
				Help: "Errors dropped before classification by rate limiting",
			}, []string{"scope"}),

			QuickFixesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "buildforge_quick_fixes_total",
				Help: "Deterministic quick fix attempts by strategy and outcome",
			}, []string{"strategy", "outcome"}),

			RecoveryQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "buildforge_recovery_queue_depth",
				Help: "Errors awaiting asynchronous recovery",
			}),

			EscalationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "buildforge_escalations_total",
				Help: "Errors escalated, by target (security, human)",
			}, []string{"target"}),
		}
	})
	return instance
}
