// Package app wires the searchsync components from configuration. Both the
// HTTP service and the rebuild CLI build on it.
package app

import (
	"context"

	"github.com/pkg/errors"

	"searchsync/internal/config"
	"searchsync/internal/entityclient"
	"searchsync/internal/ledger"
	"searchsync/internal/logger"
	"searchsync/internal/metrics"
	"searchsync/internal/rebuild"
	"searchsync/internal/registry"
	"searchsync/internal/reindex"
	"searchsync/internal/searchindex"
)

// App holds the wired components shared by every entrypoint.
type App struct {
	Config   config.Config
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Registry *registry.Registry
	Search   searchindex.Client
	Entities reindex.Source
	Ledger   ledger.Store
	Reindex  *reindex.Orchestrator
}

// Option overrides a component, mostly for tests.
type Option func(*App)

// WithSearch replaces the Elasticsearch client.
func WithSearch(c searchindex.Client) Option { return func(a *App) { a.Search = c } }

// WithEntities replaces the entity service client.
func WithEntities(src reindex.Source) Option { return func(a *App) { a.Entities = src } }

// WithLedger replaces the configured operation record store.
func WithLedger(s ledger.Store) Option { return func(a *App) { a.Ledger = s } }

// New builds the registry, clients and orchestrator. Structural failures
// (unreadable config files, missing urls) are returned before anything runs.
func New(cfg config.Config, lg *logger.Logger, m *metrics.Metrics, opts ...Option) (*App, error) {
	if lg == nil {
		lg = logger.Nop()
	}
	a := &App{Config: cfg, Logger: lg, Metrics: m}
	for _, opt := range opts {
		opt(a)
	}

	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "load index groups")
	}
	a.Registry = reg

	if a.Search == nil {
		es, err := searchindex.NewElastic(searchindex.ElasticConfig{
			URLs:     cfg.SearchURLs,
			Username: cfg.SearchUsername,
			Password: cfg.SearchPassword,
			Logger:   lg.Component("searchindex"),
		})
		if err != nil {
			return nil, err
		}
		a.Search = es
	}
	if a.Entities == nil {
		ec, err := entityclient.New(cfg.EntityAPIURL,
			entityclient.WithTimeout(cfg.HTTPTimeout),
			entityclient.WithLogger(lg.Component("entityclient")),
		)
		if err != nil {
			return nil, err
		}
		a.Entities = ec
	}
	a.Reindex = reindex.New(a.Entities, reg, a.Search, lg, m, reindex.Config{
		Workers:       cfg.Workers,
		SweepPageSize: cfg.SweepPageSize,
	})
	return a, nil
}

// Rebuild opens the configured ledger (unless one was injected) and returns a
// rebuild machine over it.
func (a *App) Rebuild(ctx context.Context) (*rebuild.Machine, error) {
	if a.Ledger == nil {
		store, err := ledger.Open(ctx, a.Config.Ledger)
		if err != nil {
			return nil, errors.Wrap(err, "open ledger")
		}
		a.Ledger = store
	}
	return rebuild.New(a.Registry, a.Search, a.Reindex, a.Ledger, a.Logger, a.Metrics, rebuild.Config{
		CatchUpCeiling: a.Config.CatchUpCeiling,
		HealthTimeout:  a.Config.HealthTimeout,
	}), nil
}

// Close releases the ledger.
func (a *App) Close() error {
	if a.Ledger == nil {
		return nil
	}
	return a.Ledger.Close()
}
