// Command engine is the entrypoint for the workflow execution engine
// described in spec.md: it wires config, telemetry, outbound clients, the
// live-update Hub, the Execution Dispatcher, and the inbound HTTP/WS
// surface together and serves them, the same cobra root-command shape the
// teacher's cmd/cobra_cli.go uses for alex's own CLI entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"alex/internal/assetsvc"
	"alex/internal/bootstrap"
	"alex/internal/dispatch"
	"alex/internal/hub"
	"alex/internal/httpapi"
	"alex/internal/httpclient"
	"alex/internal/integrations"
	"alex/internal/logging"
	"alex/internal/persist"
	"alex/internal/telemetry"
	"alex/internal/worker/creds"
	"alex/internal/worker/handlers"
	"alex/internal/worker/interp"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Workflow execution engine: trigger/resume/cancel/ws over worker graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	return root
}

func run(ctx context.Context) error {
	logger := logging.NewComponentLogger("engine")

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return fmt.Errorf("engine: load config: %w", err)
	}
	if cfg.WaitTokenSecret == "" {
		return errors.New("engine: ALEX_WORKER_WAIT_TOKEN_SECRET must be set")
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		Exporter:       telemetry.Exporter(cfg.Telemetry.Exporter),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		ZipkinEndpoint: cfg.Telemetry.ZipkinEndpoint,
	})
	if err != nil {
		return fmt.Errorf("engine: init telemetry: %w", err)
	}

	// The worker-defined endpoint a task executes is an arbitrary
	// third-party URL, so it gets the plain client. The credentials,
	// integrations, assets and persist collaborators are each talked to
	// repeatedly, so each gets its own circuit-breaker-guarded client.
	httpClient := httpclient.New(cfg.HTTPClientTimeout, logger)
	credsClient := httpclient.NewWithCircuitBreaker(cfg.HTTPClientTimeout, logger, "creds")
	integrationsClient := httpclient.NewWithCircuitBreaker(cfg.HTTPClientTimeout, logger, "integrations")
	assetsClient := httpclient.NewWithCircuitBreaker(cfg.HTTPClientTimeout, logger, "assetsvc")
	persistClient := httpclient.NewWithCircuitBreaker(cfg.HTTPClientTimeout, logger, "persist")

	persistSvc := persist.New(persistClient, cfg.PersistHost, cfg.UserHost, logger)

	invocationDeps := interp.Deps{
		Handlers: handlers.Deps{
			HTTPClient:   httpClient,
			Credentials:  creds.New(credsClient, logger),
			Integrations: integrations.New(integrationsClient, cfg.IntegrationsHost, logger),
			Logger:       logger,
		},
		Assets:    assetsvc.New(assetsClient, cfg.AssetsHost, logger),
		LogSink:   persistSvc,
		Persist:   persistSvc,
		Telemetry: tel,
		Logger:    logger,
	}

	h := hub.New(logger, hub.WithTelemetry(tel))
	cancelHub := hub.StartBackground(ctx, h, logger)
	defer cancelHub()
	invocationDeps.Publisher = h

	signer := dispatch.NewTokenSigner(cfg.WaitTokenSecret)
	dispatcher := dispatch.New(signer, logger)

	router := httpapi.NewRouter(httpapi.Deps{
		Dispatcher:     dispatcher,
		Signer:         signer,
		Persist:        invocationDeps.Persist,
		Users:          persistSvc,
		InvocationDeps: invocationDeps,
		Hub:            h,
		Logger:         logger,
	}, httpapi.Config{AllowedOrigins: cfg.AllowedOrigins})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", telemetry.MetricsHandler())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("engine: listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("engine: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("engine: serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine: graceful shutdown failed: %v", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine: telemetry shutdown failed: %v", err)
	}
	return nil
}
