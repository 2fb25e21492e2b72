package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/internal/config"
	"searchsync/internal/entityclient"
	"searchsync/internal/ledger"
	"searchsync/internal/logger"
	"searchsync/internal/metrics"
	"searchsync/internal/searchindex"
)

const groupsYAML = `
index_groups:
  entities:
    public: ent_pub
    private: ent_priv
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "searchsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(groupsYAML), 0o600))
	return config.Config{
		EntityAPIURL:   "http://entity.local",
		SearchURLs:     []string{"http://127.0.0.1:9200"},
		ConfigFile:     path,
		Workers:        2,
		HTTPTimeout:    time.Second,
		CatchUpCeiling: 10,
		HealthTimeout:  time.Second,
		SweepPageSize:  100,
		Ledger:         config.LedgerConfig{Driver: "fs", FSRoot: filepath.Join(dir, "ops")},
	}
}

func TestNewWiresDefaults(t *testing.T) {
	a, err := New(testConfig(t), logger.Nop(), metrics.New())
	require.NoError(t, err)
	assert.IsType(t, &searchindex.Elastic{}, a.Search)
	assert.IsType(t, &entityclient.Client{}, a.Entities)
	assert.Equal(t, []string{"entities"}, a.Registry.GroupNames())
	require.NotNil(t, a.Reindex)

	m, err := a.Rebuild(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, ledger.DriverFilesystem, a.Ledger.Driver())
	require.NoError(t, a.Close())
}

func TestNewHonoursOverrides(t *testing.T) {
	search := searchindex.NewMemory()
	src := entityclient.NewMemory()
	store := ledger.NewMemory()
	a, err := New(testConfig(t), nil, nil, WithSearch(search), WithEntities(src), WithLedger(store))
	require.NoError(t, err)
	assert.Same(t, search, a.Search)
	assert.Same(t, src, a.Entities)

	_, err = a.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Same(t, store, a.Ledger)
}

func TestNewFailsOnStructuralErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, nil, nil)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.SearchURLs = nil
	_, err = New(cfg, nil, nil)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.EntityAPIURL = ""
	_, err = New(cfg, nil, nil, WithSearch(searchindex.NewMemory()))
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Ledger.Driver = "tape"
	a, err := New(cfg, nil, nil)
	require.NoError(t, err)
	_, err = a.Rebuild(context.Background())
	require.Error(t, err)
}
