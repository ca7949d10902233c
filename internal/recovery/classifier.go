// Package recovery classifies build failures and routes them: security
// escalation, deterministic quick fixes, an asynchronous recovery queue, or
// human hands.
package recovery

import (
	"context"
	"strings"
	"time"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"

	"go.uber.org/zap"
)

// Categories a failure can resolve to.
const (
	CategoryRecoverablePattern = "recoverable_pattern"
	CategoryRecoverableAI      = "recoverable_ai"
	CategoryNonRecoverable     = "non_recoverable"
	CategorySecurityRisk       = "security_risk"
)

// Quick-fix strategies for high-confidence pattern matches.
const (
	StrategyRetry               = "retry"
	StrategyHealJSON            = "heal_malformed_json"
	StrategyResolveDepConflict  = "resolve_dependency_conflict"
	StrategyInsertBundlerPlugin = "insert_bundler_plugin"
	StrategyAIRepair            = "ai_repair"
)

const highConfidence = 0.9

// ErrorContext is an immutable description of one failure occurrence.
type ErrorContext struct {
	ProjectID uint
	VersionID string
	Stage     string // generating, installing, auditing, building, deploying, persisting
	Message   string
	Output    string // trailing process output, when available
}

// Classification is the resolved category plus routing hints.
type Classification struct {
	Category   string
	Confidence float64
	Strategy   string
	Reason     string
}

// ExternalClassifier is the deeper (typically AI-backed) classification call
// used when no local pattern matches.
type ExternalClassifier interface {
	Classify(ctx context.Context, ec ErrorContext) (*Classification, error)
}

// Classifier resolves an error context to a category. Classification is a
// pure function of the context apart from the external call.
type Classifier struct {
	external        ExternalClassifier
	externalTimeout time.Duration
}

func NewClassifier(external ExternalClassifier) *Classifier {
	return &Classifier{external: external, externalTimeout: 10 * time.Second}
}

var securityPatterns = []string{
	"critical vulnerabilit",
	"security_vulnerability",
	"malicious",
	"eval(atob(",
	"child_process.exec",
	"rm -rf /",
	"credential",
	"secret leaked",
}

var timeoutPatterns = []string{
	"timeout_exceeded",
	"etimedout",
	"econnreset",
	"socket hang up",
	"network timeout",
	"deadline exceeded",
}

// literalPatterns are high-confidence matches with a known deterministic fix.
var literalPatterns = []struct {
	needle   string
	strategy string
	reason   string
}{
	{"unexpected token", StrategyHealJSON, "malformed JSON in generated file"},
	{"unexpected end of json", StrategyHealJSON, "truncated JSON in generated file"},
	{"json.parse", StrategyHealJSON, "malformed JSON in generated file"},
	{"eresolve", StrategyResolveDepConflict, "peer dependency conflict"},
	{"peer dep", StrategyResolveDepConflict, "peer dependency conflict"},
	{"conflicting peer dependency", StrategyResolveDepConflict, "peer dependency conflict"},
	{"cannot find plugin", StrategyInsertBundlerPlugin, "missing bundler plugin"},
	{"plugin is not installed", StrategyInsertBundlerPlugin, "missing bundler plugin"},
	{"failed to load plugin", StrategyInsertBundlerPlugin, "missing bundler plugin"},
}

// heuristicPatterns are medium-confidence generic compile/type failures that
// go to AI-assisted recovery rather than a deterministic fix.
var heuristicPatterns = []string{
	"syntaxerror",
	"typeerror",
	"referenceerror",
	"cannot find module",
	"type error",
	"compilation failed",
	"build failed",
	"module not found",
}

// Classify resolves the category for one error context. Order matters:
// security first, then known timeouts, then literal patterns, then
// heuristics, and only then the external call. If the external call fails
// or times out, the result fails closed to non-recoverable.
func (c *Classifier) Classify(ctx context.Context, ec ErrorContext) Classification {
	haystack := strings.ToLower(ec.Message + "\n" + ec.Output)

	for _, p := range securityPatterns {
		if strings.Contains(haystack, p) {
			return c.record(Classification{
				Category:   CategorySecurityRisk,
				Confidence: 1.0,
				Reason:     "matched security pattern: " + p,
			})
		}
	}

	for _, p := range timeoutPatterns {
		if strings.Contains(haystack, p) {
			return c.record(Classification{
				Category:   CategoryRecoverablePattern,
				Confidence: 0.95,
				Strategy:   StrategyRetry,
				Reason:     "matched timeout pattern: " + p,
			})
		}
	}

	for _, p := range literalPatterns {
		if strings.Contains(haystack, p.needle) {
			return c.record(Classification{
				Category:   CategoryRecoverablePattern,
				Confidence: 0.95,
				Strategy:   p.strategy,
				Reason:     p.reason,
			})
		}
	}

	for _, p := range heuristicPatterns {
		if strings.Contains(haystack, p) {
			return c.record(Classification{
				Category:   CategoryRecoverableAI,
				Confidence: 0.6,
				Strategy:   StrategyAIRepair,
				Reason:     "matched heuristic pattern: " + p,
			})
		}
	}

	if c.external == nil {
		return c.record(Classification{
			Category:   CategoryNonRecoverable,
			Confidence: 0.5,
			Reason:     "no pattern matched and no external classifier configured",
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, c.externalTimeout)
	defer cancel()
	result, err := c.external.Classify(callCtx, ec)
	if err != nil {
		// Fail closed. An unclassifiable error must never be treated as
		// safe to auto-fix; a timed-out call counts as a failed call.
		logging.L().Warn("external classification failed, defaulting to non-recoverable",
			zap.Uint("project_id", ec.ProjectID),
			zap.String("version_id", ec.VersionID),
			zap.Error(err))
		return c.record(Classification{
			Category:   CategoryNonRecoverable,
			Confidence: 0.5,
			Reason:     "external classification failed: " + err.Error(),
		})
	}
	return c.record(*result)
}

func (c *Classifier) record(cl Classification) Classification {
	metrics.Get().ClassificationsTotal.WithLabelValues(cl.Category).Inc()
	return cl
}
