package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"buildforge/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEdge struct {
	url  string
	err  error
	last *EdgePushRequest
}

func (e *fakeEdge) Push(ctx context.Context, req *EdgePushRequest) (string, error) {
	e.last = req
	return e.url, e.err
}

func buildOutput(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "_edge"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_edge", "handler.js"), []byte("export default () => {}"), 0o644))
	return dir
}

func TestRouterEdgeDeploySucceeds(t *testing.T) {
	db := testDB(t)
	edge := &fakeEdge{url: "https://p1.edge.example"}
	rt := NewRouter(NewReconciler(db, nil), edge, nil, fastPolicy(3))

	project := &models.Project{ID: 1, DeployTarget: "edge"}
	outcome, err := rt.Deploy(context.Background(), project, "v-1", buildOutput(t))
	require.NoError(t, err)

	assert.Equal(t, models.DeployStateReady, outcome.State)
	assert.Equal(t, "https://p1.edge.example", outcome.URL)

	// The edge function bundle rode separately from the static assets.
	require.NotNil(t, edge.last)
	assert.NotEmpty(t, edge.last.FunctionBundle)
	require.Len(t, edge.last.Assets, 1)
	assert.Equal(t, "index.html", edge.last.Assets[0].Path)

	var rec models.DeploymentRecord
	require.NoError(t, db.First(&rec, "id = ?", outcome.DeploymentID).Error)
	assert.Equal(t, models.DeployStateReady, rec.State)
	assert.Equal(t, "edge", rec.Backend)
	assert.Equal(t, "v-1", rec.VersionID)
}

func TestRouterEdgeDeployFailureIsTerminal(t *testing.T) {
	db := testDB(t)
	edge := &fakeEdge{err: fmt.Errorf("edge push rejected with status 502")}
	rt := NewRouter(NewReconciler(db, nil), edge, nil, fastPolicy(3))

	project := &models.Project{ID: 1, DeployTarget: "edge"}
	outcome, err := rt.Deploy(context.Background(), project, "v-1", buildOutput(t))
	require.NoError(t, err)

	assert.Equal(t, models.DeployStateError, outcome.State)
	assert.Contains(t, outcome.ErrorMessage, "502")
}

func TestRouterPaaSDeploySettledByPoller(t *testing.T) {
	db := testDB(t)
	paas := &scriptedPaaS{states: []string{"BUILDING", "READY"}}
	rt := NewRouter(NewReconciler(db, nil), nil, paas, fastPolicy(10))

	project := &models.Project{ID: 1, DeployTarget: "paas"}
	outcome, err := rt.Deploy(context.Background(), project, "v-1", buildOutput(t))
	require.NoError(t, err)

	assert.Equal(t, models.DeployStateReady, outcome.State)
	assert.Equal(t, "https://app.example", outcome.URL)

	var rec models.DeploymentRecord
	require.NoError(t, db.First(&rec, "id = ?", outcome.DeploymentID).Error)
	assert.Equal(t, "prov-1", rec.ProviderID)
}
