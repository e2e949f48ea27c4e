// Command eventcore serves the event data value engine over HTTP.
package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventcore/internal/adapters/archive"
	"eventcore/internal/adapters/httpapi"
	"eventcore/internal/blob"
	"eventcore/internal/config"
	"eventcore/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var exitFunc = os.Exit

const readHeaderTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "eventcore: %v\n", err)
		exitFunc(1)
	}
}

func run(ctx context.Context, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	app, err := buildApp(ctx, cfg, logger, prometheus.DefaultRegisterer, stderr)
	if err != nil {
		return err
	}
	defer app.Close()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", cfg.HTTPAddr, "storage", cfg.StorageDriver, "blob", cfg.BlobDriver)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type app struct {
	service *core.Service
	handler http.Handler
	closers []io.Closer
}

// Close releases the store and blob backends in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, traceOut io.Writer) (*app, error) {
	var dict core.DataElementDictionary
	if len(cfg.DataElements) > 0 {
		dict = core.NewStaticDictionary(cfg.DataElements...)
	}
	engine := core.NewDefaultRulesEngine(dict)

	opts := []core.ServiceOption{core.WithLogger(logger)}
	var metricsHandler http.Handler
	switch cfg.Metrics {
	case config.MetricsPrometheus:
		recorder, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, core.WithMetricsRecorder(recorder))
		if gatherer, ok := reg.(prometheus.Gatherer); ok {
			metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		} else {
			metricsHandler = promhttp.Handler()
		}
	case config.MetricsExpvar:
		opts = append(opts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")))
		metricsHandler = expvar.Handler()
	}
	if cfg.TraceJSON {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(traceOut)))
	}

	a := &app{}
	store, storeCloser, err := core.OpenPersistentStore(cfg.Storage(), engine, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, storeCloser)
	a.service = core.NewService(store, opts...)

	blobStore, err := blob.Open(ctx, cfg.Blob())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	if closer, ok := blobStore.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}
	exporter := archive.NewExporter(a.service, blobStore,
		archive.WithLogger(logger),
		archive.WithURLExpiry(cfg.ArchiveURLLifetime),
	)

	a.handler = httpapi.NewRouter(httpapi.Config{
		Service: a.service,
		Archive: exporter,
		Metrics: metricsHandler,
		APIKeys: cfg.APIKeyMap(),
		Logger:  logger,
	})
	return a, nil
}
