package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osvaldoandrade/validq/pkg/app"
	"github.com/osvaldoandrade/validq/pkg/config"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(os.Getenv("VALIDQ_CONFIG_PATH")); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.LoadConfigOptional(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			application.Logger.Error("shutdown", "err", err)
		}
	}()
	app.SetupMappings(application)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           application.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		application.Logger.Info("validq listening",
			slog.String("addr", srv.Addr),
			slog.String("env", cfg.Env),
			slog.String("persistence", cfg.Persistence.Type),
			slog.Bool("sweeper", !cfg.SweeperDisabled),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	application.Logger.Info("shutting down", "grace", shutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		application.Logger.Warn("http shutdown", "err", err)
	}
	if application.TracingShutdown != nil {
		if err := application.TracingShutdown(shutdownCtx); err != nil {
			application.Logger.Warn("trace flush", "err", err)
		}
	}
	return nil
}
