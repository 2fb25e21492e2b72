package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/internal/adapters/httpapi"
	"searchsync/internal/app"
	"searchsync/internal/config"
	"searchsync/internal/entityclient"
	"searchsync/internal/logger"
	"searchsync/internal/metrics"
	"searchsync/internal/searchindex"
)

func testApp(t *testing.T) *app.App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "searchsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("index_groups:\n  entities:\n    public: ent_pub\n    private: ent_priv\n"), 0o600))
	a, err := app.New(config.Config{
		ConfigFile: path,
		HTTPAddr:   "127.0.0.1:0",
		Workers:    2,
	}, logger.Nop(), metrics.New(), app.WithSearch(searchindex.NewMemory()), app.WithEntities(entityclient.NewMemory()))
	require.NoError(t, err)
	return a
}

func TestRunFailsWithoutConfig(t *testing.T) {
	t.Setenv("SEARCHSYNC_ENTITY_API_URL", "")
	var stderr bytes.Buffer
	code := run(context.Background(), &bytes.Buffer{}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "ENTITY_API_URL")
}

func TestMuxRoutes(t *testing.T) {
	a := testApp(t)
	worker := httpapi.NewWorker(a.Reindex, httpapi.WorkerOptions{})
	mux := newMux(a, worker)

	for path, want := range map[string]int{"/metrics": http.StatusOK, "/healthz": http.StatusOK, "/nope": http.StatusNotFound} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reindex/X1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	a := testApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
