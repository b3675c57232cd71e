package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esdata/orchestrator/internal/model"
	"github.com/esdata/orchestrator/internal/store"
)

func newServeStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedServeBatch(t *testing.T, st *store.SQLiteStore) *model.Batch {
	t.Helper()
	batch := &model.Batch{
		BatchID:  "Sep25_01",
		Period:   "Sep25",
		Sequence: 1,
		OpenedAt: time.Now().UTC(),
	}
	created, err := st.CreateBatch(context.Background(), batch, []model.Task{{
		Collector:   "inm24",
		Website:     "Inm24",
		City:        "Mad",
		Operation:   "Ven",
		Product:     "Dep",
		Locator:     "https://example.com/mad",
		Ordinal:     1,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}})
	require.NoError(t, err)
	return created
}

func TestRouter_Healthz(t *testing.T) {
	r := buildRouter(newServeStore(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_StatusIdle(t *testing.T) {
	r := buildRouter(newServeStore(t))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "idle", body["status"])
}

func TestRouter_StatusOpenBatch(t *testing.T) {
	st := newServeStore(t)
	batch := seedServeBatch(t, st)
	r := buildRouter(st)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Batch struct {
			BatchID string `json:"batch_id"`
		} `json:"batch"`
		Counts map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, batch.BatchID, body.Batch.BatchID)
	assert.Equal(t, 1, body.Counts["pending"])
}

func TestRouter_BatchTasks(t *testing.T) {
	st := newServeStore(t)
	batch := seedServeBatch(t, st)
	r := buildRouter(st)

	req := httptest.NewRequest(http.MethodGet, "/api/batches/"+batch.BatchID+"/tasks", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var tasks []model.Task
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "inm24", tasks[0].Collector)
}

func TestRouter_BatchTasksNotFound(t *testing.T) {
	r := buildRouter(newServeStore(t))

	req := httptest.NewRequest(http.MethodGet, "/api/batches/Nope99_01/tasks", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
