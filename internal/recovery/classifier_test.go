package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExternal struct {
	result *Classification
	err    error
	block  bool
	called bool
}

func (s *stubExternal) Classify(ctx context.Context, ec ErrorContext) (*Classification, error) {
	s.called = true
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.result, s.err
}

func TestClassifySecurityFirst(t *testing.T) {
	c := NewClassifier(nil)

	// A message matching both security and timeout patterns resolves to
	// security; order is priority.
	cl := c.Classify(context.Background(), ErrorContext{
		Message: "install found critical vulnerability, then ETIMEDOUT",
	})
	assert.Equal(t, CategorySecurityRisk, cl.Category)
	assert.Equal(t, 1.0, cl.Confidence)
}

func TestClassifyTimeoutPatterns(t *testing.T) {
	c := NewClassifier(nil)

	for _, msg := range []string{
		"request failed: ETIMEDOUT",
		"socket hang up during fetch",
		"npm ERR! network timeout at registry",
	} {
		cl := c.Classify(context.Background(), ErrorContext{Message: msg})
		assert.Equal(t, CategoryRecoverablePattern, cl.Category, msg)
		assert.Equal(t, StrategyRetry, cl.Strategy, msg)
	}
}

func TestClassifyLiteralPatterns(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		message  string
		strategy string
	}{
		{"SyntaxError: Unexpected token } in JSON at position 421", StrategyHealJSON},
		{"npm ERR! code ERESOLVE could not resolve", StrategyResolveDepConflict},
		{"Error: Cannot find plugin '@vitejs/plugin-react'", StrategyInsertBundlerPlugin},
	}
	for _, tt := range tests {
		cl := c.Classify(context.Background(), ErrorContext{Message: tt.message})
		assert.Equal(t, CategoryRecoverablePattern, cl.Category, tt.message)
		assert.Equal(t, tt.strategy, cl.Strategy, tt.message)
		assert.GreaterOrEqual(t, cl.Confidence, highConfidence, tt.message)
	}
}

func TestClassifyHeuristicPatterns(t *testing.T) {
	c := NewClassifier(nil)

	cl := c.Classify(context.Background(), ErrorContext{
		Message: "TypeError: undefined is not a function",
	})
	assert.Equal(t, CategoryRecoverableAI, cl.Category)
	assert.Equal(t, StrategyAIRepair, cl.Strategy)
	assert.Less(t, cl.Confidence, highConfidence)
}

func TestClassifyExternalFallback(t *testing.T) {
	ext := &stubExternal{result: &Classification{
		Category:   CategoryRecoverableAI,
		Confidence: 0.7,
		Strategy:   StrategyAIRepair,
	}}
	c := NewClassifier(ext)

	cl := c.Classify(context.Background(), ErrorContext{Message: "something entirely novel"})
	assert.True(t, ext.called)
	assert.Equal(t, CategoryRecoverableAI, cl.Category)
}

func TestClassifyExternalNotCalledWhenPatternMatches(t *testing.T) {
	ext := &stubExternal{result: &Classification{Category: CategoryRecoverableAI}}
	c := NewClassifier(ext)

	c.Classify(context.Background(), ErrorContext{Message: "ERESOLVE conflict"})
	assert.False(t, ext.called)
}

func TestClassifyExternalErrorFailsClosed(t *testing.T) {
	ext := &stubExternal{err: errors.New("classifier service down")}
	c := NewClassifier(ext)

	cl := c.Classify(context.Background(), ErrorContext{Message: "something entirely novel"})
	assert.Equal(t, CategoryNonRecoverable, cl.Category)
}

func TestClassifyExternalTimeoutFailsClosed(t *testing.T) {
	ext := &stubExternal{block: true}
	c := NewClassifier(ext)
	c.externalTimeout = 20 * time.Millisecond

	start := time.Now()
	cl := c.Classify(context.Background(), ErrorContext{Message: "something entirely novel"})
	require.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, CategoryNonRecoverable, cl.Category)
}

func TestClassifyNoExternalConfigured(t *testing.T) {
	c := NewClassifier(nil)
	cl := c.Classify(context.Background(), ErrorContext{Message: "something entirely novel"})
	assert.Equal(t, CategoryNonRecoverable, cl.Category)
}

func TestClassifyReadsProcessOutput(t *testing.T) {
	c := NewClassifier(nil)

	// Patterns in trailing output count even when the message is generic.
	cl := c.Classify(context.Background(), ErrorContext{
		Message: "NON_ZERO_EXIT: npm exited with code 1",
		Output:  "npm ERR! code ERESOLVE\nnpm ERR! Conflicting peer dependency react@18",
	})
	assert.Equal(t, CategoryRecoverablePattern, cl.Category)
	assert.Equal(t, StrategyResolveDepConflict, cl.Strategy)
}
