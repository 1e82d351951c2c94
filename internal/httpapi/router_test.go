package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/recipeforge/recipeforge/internal/config"
	"github.com/recipeforge/recipeforge/internal/executor"
	"github.com/recipeforge/recipeforge/internal/httpapi"
	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/stretchr/testify/require"
)

type fakeSpawner struct{}

func (fakeSpawner) Spawn(_ context.Context, req contracts.SpawnRequest) (*contracts.SpawnResult, error) {
	return &contracts.SpawnResult{Output: "ok: " + req.Prompt}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	store := session.NewFileStore(0)
	t.Cleanup(func() { _ = store.Close() })
	eng := executor.New(store, fakeSpawner{}, contracts.CommunityMentionResolver{}, nil, nil)
	cfg := &config.Config{Version: "test"}
	router := httpapi.NewRouter(cfg, &httpapi.Handlers{Engine: eng})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, t.TempDir()
}

func writeRecipe(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "greet.yaml")
	doc := `
name: greet
version: "1.0.0"
steps:
  - id: step1
    kind: agent
    agent: writer
    prompt: "say hi"
    output: step1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "healthy", health["status"])

	resp2, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var version map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&version))
	require.Equal(t, "test", version["version"])
}

func TestValidateEndpoint(t *testing.T) {
	srv, dir := newTestServer(t)
	recipePath := writeRecipe(t, dir)

	body, _ := json.Marshal(map[string]string{"recipe_path": recipePath})
	resp, err := http.Post(srv.URL+"/api/v1/recipes/validate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, true, out["valid"])
}

func TestExecuteEndpointRunsRecipeToCompletion(t *testing.T) {
	srv, dir := newTestServer(t)
	recipePath := writeRecipe(t, dir)

	body, _ := json.Marshal(map[string]interface{}{
		"recipe_path":  recipePath,
		"project_path": dir,
	})
	resp, err := http.Post(srv.URL+"/api/v1/recipes/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "completed", out["status"])
	require.NotEmpty(t, out["session_id"])
}

func TestExecuteEndpointRejectsUnknownRecipePath(t *testing.T) {
	srv, dir := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"recipe_path":  filepath.Join(dir, "missing.yaml"),
		"project_path": dir,
	})
	resp, err := http.Post(srv.URL+"/api/v1/recipes/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
