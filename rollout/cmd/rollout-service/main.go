package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/memorymonster/platform/rollout/internal/config"
	"github.com/memorymonster/platform/rollout/internal/httpserver"
	"github.com/memorymonster/platform/rollout/internal/logging"
	"github.com/memorymonster/platform/rollout/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("rollout-service: %v", err)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rollout-service",
		Short:         "Review, roll out and roll back cleanup strategy updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), tickCmd())
	return root
}

// setup loads configuration and the logger shared by every subcommand.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger.With(zap.String("env", cfg.Env)), nil
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the phase scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if err := a.migrate(ctx); err != nil {
					return err
				}
			}

			if cfg.SchedulerEnabled {
				c, err := a.scheduler.Start(ctx, cfg.SchedulerSpec, time.Minute)
				if err != nil {
					return err
				}
				defer c.Stop()
				logger.Info("scheduler started", zap.String("spec", cfg.SchedulerSpec), zap.Bool("auto_rollback", cfg.AutoRollbackOnSignal))
			}

			server := httpserver.New(httpserver.Deps{
				Store:     a.store,
				Gate:      a.gate,
				Rollouts:  a.rollouts,
				Rollbacks: a.rollbacks,
				Ledger:    a.ledger,
				Verifier:  a.verifier,
				Gatherer:  a.registry,
				Logger:    logger,
			})
			httpServer := &http.Server{
				Addr:              cfg.Addr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("rollout service listening", zap.String("addr", cfg.Addr))
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			return waitForShutdown(cancel, httpServer, errCh, cfg.ShutdownTimeout, logger)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the database schema before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.migrate(cmd.Context())
		},
	}
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Evaluate every running rollout plan once and print the decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.scheduler.Tick(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func (a *app) migrate(ctx context.Context) error {
	if a.db == nil {
		a.logger.Warn("no database configured; nothing to migrate")
		return nil
	}
	if err := store.Migrate(ctx, a.db); err != nil {
		return err
	}
	a.logger.Info("schema applied")
	return nil
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, errCh <-chan error, timeout time.Duration, logger *zap.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var serveErr error
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case serveErr = <-errCh:
		logger.Error("http server error", zap.Error(serveErr))
	}

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return serveErr
}
