package deploy

import (
	"context"
	"sync"
	"testing"
	"time"

	"buildforge/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPaaS serves a fixed sequence of statuses, then repeats the last.
type scriptedPaaS struct {
	mu     sync.Mutex
	states []string
	calls  int
}

func (s *scriptedPaaS) CreateDeployment(ctx context.Context, req *PaaSDeployRequest) (string, error) {
	return "prov-1", nil
}

func (s *scriptedPaaS) GetDeployment(ctx context.Context, providerID string) (*PaaSStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.states) {
		idx = len(s.states) - 1
	}
	s.calls++
	return &PaaSStatus{ProviderID: providerID, State: s.states[idx], URL: "app.example"}, nil
}

func (s *scriptedPaaS) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastPolicy(maxChecks int) PollPolicy {
	return PollPolicy{
		FirstDelay: 10 * time.Millisecond,
		Interval:   10 * time.Millisecond,
		MaxChecks:  maxChecks,
	}
}

func TestPollerSettlesDeployment(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateQueued)

	client := &scriptedPaaS{states: []string{"BUILDING", "BUILDING", "READY"}}
	r.PollUntilTerminal(context.Background(), client, "d1", "prov-1", fastPolicy(10))

	rec, err := r.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeployStateReady, rec.State)
	assert.Equal(t, "https://app.example", rec.URL)
	assert.Equal(t, 3, client.callCount())
}

func TestPollerStopsWhenWebhookAlreadySettled(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateReady)

	client := &scriptedPaaS{states: []string{"BUILDING"}}
	r.PollUntilTerminal(context.Background(), client, "d1", "prov-1", fastPolicy(10))

	// Terminal pre-check fired before any provider call.
	assert.Equal(t, 0, client.callCount())
}

func TestPollerExhaustionLeavesStateUnsettled(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateQueued)

	client := &scriptedPaaS{states: []string{"BUILDING"}}
	r.PollUntilTerminal(context.Background(), client, "d1", "prov-1", fastPolicy(3))

	assert.Equal(t, 3, client.callCount())

	// Exhaustion is "unknown", not a failure: the stored state is whatever
	// was last observed, still open to a late webhook.
	rec, err := r.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeployStateBuilding, rec.State)
	assert.False(t, models.IsTerminalDeployState(rec.State))
}

func TestPollerRespectsContextCancellation(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateQueued)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedPaaS{states: []string{"BUILDING"}}
	r.PollUntilTerminal(ctx, client, "d1", "prov-1", fastPolicy(10))
	assert.Equal(t, 0, client.callCount())
}

func TestWaitTerminal(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateBuilding)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = r.ApplyTransition(context.Background(), "d1", models.DeployStateReady, "https://app.example", "", "webhook")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := r.WaitTerminal(ctx, "d1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.DeployStateReady, rec.State)
}

func TestWaitTerminalTimeoutReturnsLastState(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateBuilding)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec, err := r.WaitTerminal(ctx, "d1", 10*time.Millisecond)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.DeployStateBuilding, rec.State)
}
