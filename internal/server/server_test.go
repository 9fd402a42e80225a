package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/pmframework/internal/app"
	"github.com/dativo-io/pmframework/internal/config"
	"github.com/dativo-io/pmframework/internal/memory"
	"github.com/dativo-io/pmframework/internal/memory/inmem"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set(config.KeyDataDir, t.TempDir())
	v.Set(config.KeyFallbackChain, []string{"memory"})
	v.Set(config.KeyBatchPollInterval, "20ms")
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, app.WithBackends(inmem.New("")))
	require.NoError(t, err)
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Cleanup(cctx)
	})
	return a
}

func newTestHandler(t *testing.T, opts ...Option) (http.Handler, *app.App) {
	t.Helper()
	a := newTestApp(t)
	return NewServer(a, opts...).Routes(), a
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t, WithAPIKeys([]string{"secret"}))

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, true, out["trigger_worker"])
}

func TestAuth(t *testing.T) {
	h, _ := newTestHandler(t, WithAPIKeys([]string{"secret"}))

	rec := do(t, h, http.MethodGet, "/v1/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/metrics", nil, "X-PMF-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/metrics", nil, "X-PMF-Key", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/metrics", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_CallerRecordedOnHookMemory(t *testing.T) {
	h, a := newTestHandler(t, WithAPIKeys([]string{"first", "second"}))

	rec := do(t, h, http.MethodPost, "/v1/hooks/error_resolution", map[string]any{
		"project": "acme",
		"params":  map[string]any{"error_type": "oom", "resolution": "bump memory", "resolved": true},
	}, "X-PMF-Key", "second")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	items, err := a.Memory.SearchMemories(context.Background(), "acme", memory.Query{Text: "oom"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "key-2", items[0].MetaString("caller"))
}

func TestHook_StatusCodes(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/hooks/error_resolution", map[string]any{
		"project": "acme",
		"params":  map[string]any{"error_type": "timeout", "resolution": "raise limit", "resolved": true},
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decodeBody(t, rec)
	assert.NotEmpty(t, out["memory_id"])

	rec = do(t, h, http.MethodPost, "/v1/hooks/workflow_complete", map[string]any{
		"project": "acme",
		"params":  map[string]any{"workflow_type": "deploy", "success": true},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["queued"])

	rec = do(t, h, http.MethodPost, "/v1/hooks/pattern_detected", map[string]any{
		"project": "acme",
		"params":  map[string]any{"pattern_type": "retry storm", "occurrences": 3},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/hooks/nope", map[string]any{"project": "acme"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/hooks/workflow_complete", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/hooks/workflow_complete", bytes.NewBufferString("{"))
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestHook_DisabledSkips(t *testing.T) {
	h, a := newTestHandler(t)
	a.Hooks.SetEnabled(false)

	rec := do(t, h, http.MethodPost, "/v1/hooks/issue_resolved", map[string]any{
		"project": "acme",
		"params":  map[string]any{"issue_id": "PM-1"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", decodeBody(t, rec)["skip_reason"])
}

func TestMemories_AddAndSearch(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/memories", map[string]any{
		"project":  "acme",
		"content":  "Use blue green deploys for the api",
		"category": "project",
		"tags":     []string{"deploy"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "memory", decodeBody(t, rec)["backend"])

	rec = do(t, h, http.MethodGet, "/v1/memories/search?project=acme&q=deploys&tag=deploy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.EqualValues(t, 1, out["count"])

	rec = do(t, h, http.MethodGet, "/v1/memories/search?project=other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["count"])
}

func TestMemories_Validation(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing project", map[string]any{"content": "x"}},
		{"blank content", map[string]any{"project": "acme", "content": "  "}},
		{"bad category", map[string]any{"project": "acme", "content": "x", "category": "gossip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/memories", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := do(t, h, http.MethodGet, "/v1/memories/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/memories/search?project=acme&limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecall(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/v1/recall?project=acme", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/recall?project=acme&operation=deploy&service=api&top=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["success"])
	recs, ok := out["recommendations"].([]any)
	require.True(t, ok)
	assert.Len(t, recs, 1)

	rec = do(t, h, http.MethodGet, "/v1/recall?project=acme&operation=deploy&top=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/workflows", map[string]any{
		"project": "acme", "command": "release", "steps": []string{"build", "ship"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = do(t, h, http.MethodGet, "/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wfs, _ := decodeBody(t, rec)["workflows"].([]any)
	assert.Len(t, wfs, 1)

	rec = do(t, h, http.MethodPost, "/v1/workflows/"+id+"/steps", map[string]any{"step": "build", "agent": "engineer", "success": true})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/workflows/"+id+"/steps", map[string]any{"agent": "engineer"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/workflows/wf_missing/steps", map[string]any{"step": "build"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/workflows/"+id+"/complete", map[string]any{"success": true})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/workflows/"+id+"/complete", map[string]any{"success": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandoff(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/v1/handoffs", map[string]any{
		"project": "acme", "from_agent": "architect", "to_agent": "engineer", "task": "implement cache",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody(t, rec)
	assert.NotEmpty(t, out["id"])

	rec = do(t, h, http.MethodPost, "/v1/handoffs", map[string]any{"project": "acme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	h, _ := newTestHandler(t)
	_ = do(t, h, http.MethodPost, "/v1/hooks/knowledge_capture", map[string]any{
		"project": "acme", "params": map[string]any{"topic": "cache ttl", "content": "30s is enough"},
	})

	rec := do(t, h, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	for _, k := range []string{"memory", "trigger", "hooks", "policy"} {
		assert.Contains(t, out, k)
	}
}
