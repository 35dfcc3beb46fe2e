// Package main provides the point-of-dispensing terminal entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/api"
	"github.com/drfirst/go-pod/internal/config"
	"github.com/drfirst/go-pod/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pod/internal/observability/tracing"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "pod",
		Short:         "Local-first pharmacy point-of-dispensing terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file (default "+config.DefaultFile+" when present)")

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(syncCmd(&configFile))
	rootCmd.AddCommand(topicsCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func load(configFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the terminal API and run auto-sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(*configFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tp, err := tracing.Init(ctx, cfg.Tracing(api.ServiceName, api.Version))
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			a.workflow.Start()
			if cfg.SyncAuto {
				if cfg.BackendToken == "" {
					logger.Warn("auto-sync enabled without BACKEND_TOKEN; scheduled runs will be skipped")
				}
				a.scheduler.Start()
			}

			server := &http.Server{
				Addr: ":" + cfg.Port,
				Handler: api.NewRouter(api.RouterConfig{
					DeviceID:   cfg.DeviceID,
					BackendURL: cfg.BackendURL,
					Workflow:   a.workflow,
					Scheduler:  a.scheduler,
					Store:      a.store,
					Metrics:    a.metrics,
					Logger:     logger,
				}),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 2 * time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting terminal API",
					zap.String("port", cfg.Port),
					zap.Bool("auto_sync", cfg.SyncAuto),
					zap.Duration("sync_interval", cfg.SyncInterval))
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					logger.Error("server error", zap.Error(err))
				}
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", zap.Error(err))
			}
			if cfg.SyncAuto {
				a.scheduler.Stop()
			}
			a.workflow.Stop()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
			logger.Info("terminal stopped")
			return nil
		},
	}
}

func syncCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(*configFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.orch.RunFullSync(ctx, cfg.Credentials())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if res := rep.Result(); res != "ok" {
				return fmt.Errorf("sync finished: %s", res)
			}
			return nil
		},
	}
}

func topicsCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "Create the outbound Redpanda topics if missing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(*configFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := admin.EnsureTopics(ctx); err != nil {
				return err
			}
			topics, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}
