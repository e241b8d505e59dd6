package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/item-flow/internal/flow"
	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/internal/store"
)

func newTestEnv(t *testing.T) *flowEnv {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	return &flowEnv{
		Store:  st,
		Engine: flow.NewEngine(flow.EngineConfig{}),
	}
}

func TestServe_Healthz(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(context.Background(), env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServe_CancelUnknownRun(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(context.Background(), env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/items/A-1/cancel", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var result flow.CancelResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, flow.CancelNotFound, result.Status)
	assert.False(t, result.OK)
}

func TestServe_RunStatusUnknown(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(context.Background(), env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/A-1/run", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_RunStatusLive(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(context.Background(), env)

	run, err := env.Engine.Registry().BeginRun("A-1", "tester")
	require.NoError(t, err)
	defer run.Complete()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/A-1/run", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var state model.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "A-1", state.ItemID)
	assert.Equal(t, model.RunStatusRunning, state.Status)
}

func TestServe_EnrichUnknownItemWithoutRecord(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(context.Background(), env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/items/A-1/enrich", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_PendingNotificationsEmpty(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(context.Background(), env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications/pending", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCancelStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, cancelStatusCode(flow.CancelRequested))
	assert.Equal(t, http.StatusOK, cancelStatusCode(flow.CancelAlreadyCancelled))
	assert.Equal(t, http.StatusBadRequest, cancelStatusCode(flow.CancelInvalidID))
	assert.Equal(t, http.StatusNotFound, cancelStatusCode(flow.CancelNotFound))
	assert.Equal(t, http.StatusInternalServerError, cancelStatusCode(flow.CancelAbortFailed))
	assert.Equal(t, http.StatusConflict, cancelStatusCode(flow.CancelAlreadyFinished))
	assert.Equal(t, http.StatusConflict, cancelStatusCode(flow.CancelAlreadyAborted))
}
