// Command searchsync runs the reindex service: HTTP entrypoints that keep the
// search indices in step with the entity service, plus Prometheus metrics.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"searchsync/internal/adapters/httpapi"
	"searchsync/internal/app"
	"searchsync/internal/config"
	"searchsync/internal/logger"
	"searchsync/internal/metrics"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	exitFunc(run(ctx, os.Stdout, os.Stderr))
}

func run(ctx context.Context, stdout, stderr io.Writer) int {
	cfg, err := config.FromEnv()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		_, _ = io.WriteString(stderr, "searchsync: "+err.Error()+"\n")
		return 1
	}
	lg := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: stdout})
	logger.InstallGlobal(lg)

	mainLog := lg.Component("main")
	a, err := app.New(cfg, lg, metrics.New())
	if err != nil {
		mainLog.Error().Err(err).Msg("startup failed")
		return 1
	}
	if err := serve(ctx, a); err != nil {
		mainLog.Error().Err(err).Msg("server stopped")
		return 1
	}
	return 0
}

func newMux(a *app.App, jobs httpapi.Scheduler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.Handle("/", httpapi.NewHandler(jobs, a.Registry, nil, a.Logger.Component("httpapi")))
	return mux
}

func serve(ctx context.Context, a *app.App) error {
	worker := httpapi.NewWorker(a.Reindex, httpapi.WorkerOptions{
		Concurrency: 2,
		Logger:      a.Logger.Component("jobs"),
		Metrics:     a.Metrics,
	})
	worker.Start()

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           newMux(a, worker),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.Logger.LogServerStart(a.Config.HTTPAddr, a.Registry.GroupNames())

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		_ = worker.Stop(context.Background())
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	a.Logger.LogServerShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return worker.Stop(shutdownCtx)
}
