package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/internal/app"
	"searchsync/internal/config"
	"searchsync/internal/entityclient"
	"searchsync/internal/ledger"
	"searchsync/internal/logger"
	"searchsync/internal/metrics"
	"searchsync/internal/reindex"
	"searchsync/internal/searchindex"
	"searchsync/pkg/domain"
)

type fixture struct {
	app    *app.App
	src    *entityclient.Memory
	search *searchindex.Memory
}

func newFixture(t *testing.T, ceiling int) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "searchsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("index_groups:\n  entities:\n    public: ent_pub\n    private: ent_priv\n"), 0o600))

	src := entityclient.NewMemory()
	src.Put(domain.Document{"uuid": "D1", "entity_type": "Donor", "data_access_level": "public", "last_modified_timestamp": 100})
	src.Put(domain.Document{"uuid": "X1", "entity_type": "Dataset", "status": "Published", "last_modified_timestamp": 120})
	src.Put(domain.Document{"uuid": "X2", "entity_type": "Dataset", "status": "QA", "created_timestamp": 130})
	src.Link("D1", "X1")
	src.Link("X1", "X2")
	search := searchindex.NewMemory()

	a, err := app.New(config.Config{
		ConfigFile:     path,
		Workers:        2,
		CatchUpCeiling: ceiling,
		HealthTimeout:  time.Second,
		SweepPageSize:  100,
	}, logger.Nop(), metrics.New(),
		app.WithSearch(search), app.WithEntities(src), app.WithLedger(ledger.NewMemory()))
	require.NoError(t, err)
	rep, err := a.Reindex.TranslateAll(context.Background(), reindex.AllOptions{})
	require.NoError(t, err)
	require.True(t, rep.OK(), rep.Failed)

	prev := buildApp
	buildApp = func(context.Context, io.Writer) (*app.App, error) { return a, nil }
	t.Cleanup(func() { buildApp = prev })
	return &fixture{app: a, src: src, search: search}
}

func (f *fixture) touch(t *testing.T, id string, ts int64) {
	t.Helper()
	doc, err := f.src.GetDocument(context.Background(), id)
	require.NoError(t, err)
	doc["last_modified_timestamp"] = ts
	f.src.Put(doc)
	_, err = f.app.Reindex.Translate(context.Background(), id, reindex.RunOptions{})
	require.NoError(t, err)
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := cli(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRebuildLifecycle(t *testing.T) {
	f := newFixture(t, 100)

	code, out, errOut := runCLI("create", "--token", "admin")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "created")
	assert.Contains(t, out, "ent_priv -> ent_priv_fill")
	assert.Contains(t, out, "next: run `rebuild catch-up")

	f.touch(t, "X2", 200)
	code, out, errOut = runCLI("catch-up", "--token", "admin")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "caught up at step 1")
	doc, ok := f.search.Get("ent_priv_fill", "X2")
	require.True(t, ok)
	assert.EqualValues(t, 200, doc["last_modified_timestamp"])

	code, out, errOut = runCLI("go-live", "--token", "admin")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "is live")
	assert.Contains(t, out, "ent_pub_flush_")

	code, out, _ = runCLI("status")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"go_live"`)
	assert.Contains(t, out, `"done": true`)

	code, out, _ = runCLI("go-live", "--token", "admin")
	assert.Equal(t, exitPrecondition, code)
	assert.Contains(t, out, "already live")
}

func TestCreateRefusesExistingDestination(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.search.CreateIndex(context.Background(), "ent_pub_fill", nil))

	code, out, _ := runCLI("create", "--token", "admin")
	assert.Equal(t, exitPrecondition, code)
	assert.Contains(t, out, "next: delete ent_pub_fill")
	assert.NotContains(t, f.search.Indices(), "ent_priv_fill")
}

func TestCatchUpRefusesTooManyChanges(t *testing.T) {
	f := newFixture(t, 1)
	code, _, errOut := runCLI("create", "--token", "admin")
	require.Equal(t, exitOK, code, errOut)

	f.touch(t, "X1", 200)
	f.touch(t, "X2", 210)
	code, out, _ := runCLI("catch-up", "--token", "admin")
	assert.Equal(t, exitTooMuch, code)
	assert.Contains(t, out, "exceed the ceiling of 1")

	rec, err := f.app.Ledger.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rec, 1)
}

func TestTokenFromEnvironment(t *testing.T) {
	newFixture(t, 100)
	t.Setenv(tokenEnv, "admin")
	code, _, errOut := runCLI("create")
	assert.Equal(t, exitOK, code, errOut)
}

func TestUsageErrors(t *testing.T) {
	newFixture(t, 100)
	t.Setenv(tokenEnv, "")
	for name, args := range map[string][]string{
		"no command":      nil,
		"unknown command": {"explode"},
		"unknown flag":    {"create", "--nope"},
		"missing token":   {"create"},
		"extra argument":  {"status", "extra"},
	} {
		t.Run(name, func(t *testing.T) {
			code, _, _ := runCLI(args...)
			assert.Equal(t, exitUsage, code)
		})
	}
}

func TestStatusWithoutRecords(t *testing.T) {
	newFixture(t, 100)
	code, out, _ := runCLI("status")
	assert.Equal(t, exitPrecondition, code)
	assert.Contains(t, out, "status refused")
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errFailedIDs))
	assert.Equal(t, exitPrecondition, exitCode(&domain.PreconditionError{Reason: "x"}))
	assert.Equal(t, exitTooMuch, exitCode(&domain.TooMuchToCatchUpError{Candidates: 2, Ceiling: 1}))
	assert.Equal(t, exitFailure, exitCode(&domain.SwapStepError{Step: "clone", Index: "i"}))
}
