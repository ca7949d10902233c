package deploy

import (
	"context"
	"fmt"
	"testing"

	"buildforge/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.DeploymentRecord{}))
	return db
}

func seedDeployment(t *testing.T, db *gorm.DB, id, state string) {
	t.Helper()
	require.NoError(t, db.Create(&models.DeploymentRecord{
		ID:        id,
		VersionID: "v-" + id,
		ProjectID: 1,
		Backend:   "paas",
		State:     state,
	}).Error)
}

func TestApplyTransitionForward(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateQueued)

	applied, err := r.ApplyTransition(context.Background(), "d1", models.DeployStateBuilding, "", "", "webhook")
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := r.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeployStateBuilding, rec.State)
}

func TestApplyTransitionBackwardDropped(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateBuilding)

	applied, err := r.ApplyTransition(context.Background(), "d1", models.DeployStateQueued, "", "", "poll")
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := r.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeployStateBuilding, rec.State)
}

func TestApplyTransitionTerminalWins(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateBuilding)

	// Webhook writes the terminal state first.
	applied, err := r.ApplyTransition(context.Background(), "d1", models.DeployStateReady, "https://app.example", "", "webhook")
	require.NoError(t, err)
	assert.True(t, applied)

	// The delayed poller's write becomes a no-op, even for a different
	// terminal state.
	applied, err = r.ApplyTransition(context.Background(), "d1", models.DeployStateError, "", "late failure report", "poll")
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := r.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeployStateReady, rec.State)
	assert.Equal(t, "https://app.example", rec.URL)
	assert.Empty(t, rec.ErrorMessage)
}

func TestApplyTransitionSameStateNoOp(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateBuilding)

	// Poller observing the state the webhook already stored is accepted,
	// not an anomaly.
	applied, err := r.ApplyTransition(context.Background(), "d1", models.DeployStateBuilding, "", "", "poll")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplyTransitionUnknownDeployment(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)

	_, err := r.ApplyTransition(context.Background(), "missing", models.DeployStateReady, "", "", "webhook")
	assert.Error(t, err)
}

func TestMarkDuplicate(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	payload := []byte(`{"type":"deployment.succeeded"}`)

	assert.False(t, r.markDuplicate(context.Background(), "d1", payload))
	assert.True(t, r.markDuplicate(context.Background(), "d1", payload))

	// Same payload for a different deployment is not a replay.
	assert.False(t, r.markDuplicate(context.Background(), "d2", payload))
	// Different payload for the same deployment is not a replay either.
	assert.False(t, r.markDuplicate(context.Background(), "d1", []byte(`{"type":"deployment.ready"}`)))
}

func TestProcessWebhookAppliesState(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateBuilding)
	require.NoError(t, db.Model(&models.DeploymentRecord{}).
		Where("id = ?", "d1").Update("provider_id", "prov-1").Error)

	body := []byte(`{"type":"deployment.succeeded","payload":{"deployment":{"id":"prov-1","readyState":"READY","url":"app.example"}}}`)
	require.NoError(t, r.ProcessWebhook(context.Background(), body))

	rec, err := r.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeployStateReady, rec.State)
	assert.Equal(t, "https://app.example", rec.URL)
}

func TestProcessWebhookDuplicateDelivery(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	seedDeployment(t, db, "d1", models.DeployStateQueued)
	require.NoError(t, db.Model(&models.DeploymentRecord{}).
		Where("id = ?", "d1").Update("provider_id", "prov-1").Error)

	body := []byte(`{"type":"deployment.building","payload":{"deployment":{"id":"prov-1","readyState":"BUILDING"}}}`)
	require.NoError(t, r.ProcessWebhook(context.Background(), body))
	require.NoError(t, r.ProcessWebhook(context.Background(), body))

	rec, err := r.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeployStateBuilding, rec.State)
}

func TestProcessWebhookMalformed(t *testing.T) {
	r := NewReconciler(testDB(t), nil)
	assert.Error(t, r.ProcessWebhook(context.Background(), []byte("not json")))
	assert.Error(t, r.ProcessWebhook(context.Background(), []byte(`{"payload":{"deployment":{}}}`)))
}

func TestMapProviderState(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"QUEUED", models.DeployStateQueued},
		{"INITIALIZING", models.DeployStateInitializing},
		{"BUILDING", models.DeployStateBuilding},
		{"READY", models.DeployStateReady},
		{"ERROR", models.DeployStateError},
		{"CANCELED", models.DeployStateCanceled},
		{"SOMETHING_NEW", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("state %q", tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, mapProviderState(tt.in))
		})
	}
}
