package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reelflow/auth"
	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/config"
	"github.com/petal-labs/reelflow/dispatch"
	"github.com/petal-labs/reelflow/logging"
	reelotel "github.com/petal-labs/reelflow/otel"
	"github.com/petal-labs/reelflow/pipeline"
	"github.com/petal-labs/reelflow/server"
	"github.com/petal-labs/reelflow/store"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline HTTP server",
		RunE:  runServe,
	}

	addConfigFlags(cmd)
	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().String("log-format", "text", "Log format: text or json")
	cmd.Flags().Bool("dry-run", false, "Record jobs in memory instead of sending them to workers")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	logger, logCloser, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return exitError(exitConfig, "configuring logging: %v", err)
	}
	defer func() {
		_ = logCloser.Close()
	}()
	logger.Info("configuration loaded", "source", describeConfig(cfgPath), "driver", cfg.Database.Driver)

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := reelotel.Setup(ctx, reelotel.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Headers:     reelotel.ParseHeaders(cfg.Telemetry.Headers),
	})
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	lock, err := acquireLock(cfg.Database)
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() {
			_ = lock.Unlock()
		}()
	}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	metrics, err := reelotel.NewMetricsHandler(telemetry.Meter)
	if err != nil {
		return exitError(exitRuntime, "initializing event metrics: %v", err)
	}
	eb := bus.NewMemBus(bus.MemBusConfig{
		Handlers: []bus.EventHandler{metrics},
		Logger:   logger,
	})

	dispatcher, err := newDispatcher(cfg, st, telemetry, logger, dryRun)
	if err != nil {
		return err
	}

	ctrl, err := pipeline.NewController(pipeline.Config{
		Store:      st,
		Dispatcher: dispatcher,
		Bus:        eb,
		Logger:     logger,
		Tracer:     telemetry.Tracer,
	})
	if err != nil {
		return exitError(exitRuntime, "creating controller: %v", err)
	}

	if cfg.Stalls.Enabled {
		reporter, err := pipeline.NewStallReporter(pipeline.StallReporterConfig{
			Store:     st,
			Bus:       eb,
			Schedule:  cfg.Stalls.Schedule,
			Threshold: cfg.Stalls.Threshold,
			Logger:    logger,
		})
		if err != nil {
			return exitError(exitConfig, "creating stall reporter: %v", err)
		}
		reporter.Start()
		defer func() {
			_ = reporter.Stop(context.Background())
		}()
	}

	verifier := auth.NewVerifier(auth.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	})
	if !verifier.Enabled() {
		logger.Warn("auth.jwt_secret is not set; operator and observer routes are unauthenticated")
	}
	if cfg.Callbacks.Secret == "" {
		logger.Warn("callbacks.secret is not set; worker callbacks are unauthenticated")
	}

	apiServer := server.NewServer(server.ServerConfig{
		Controller:     ctrl,
		Store:          st,
		Bus:            eb,
		Verifier:       verifier,
		CallbackSecret: cfg.Callbacks.Secret,
		CORSOrigin:     cfg.Server.CORSOrigin,
		MaxBody:        cfg.Server.MaxBody,
		Logger:         logger,
	})

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "reelflow listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		// Observers hold open streams; closing the bus ends them.
		_ = eb.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// newDispatcher builds the worker dispatcher. A dry run keeps jobs in
// memory; otherwise jobs are posted to the configured worker endpoints and
// every attempt is recorded in the dispatch log.
func newDispatcher(cfg *config.Config, st store.Store, telemetry *reelotel.Telemetry, logger *slog.Logger, dryRun bool) (dispatch.Dispatcher, error) {
	if dryRun {
		logger.Warn("dry run: jobs are recorded in memory and never sent")
		return dispatch.NewMemoryDispatcher(), nil
	}

	observer, err := reelotel.NewDispatchObserver(telemetry.Meter, telemetry.Tracer)
	if err != nil {
		return nil, exitError(exitRuntime, "initializing dispatch observability: %v", err)
	}
	endpoints := cfg.Workers.Endpoints()
	for _, kind := range dispatch.Kinds {
		if _, ok := endpoints[kind]; !ok {
			logger.Warn("worker endpoint not configured", "job", kind)
		}
	}
	return dispatch.NewHTTPDispatcher(dispatch.HTTPDispatcherConfig{
		Endpoints:       endpoints,
		CallbackBaseURL: cfg.Callbacks.BaseURL,
		Token:           cfg.Workers.Token,
		Timeout:         cfg.Workers.Timeout,
		Recorder:        st,
		Observer:        observer,
		Logger:          logger,
	}), nil
}
