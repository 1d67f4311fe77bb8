// Package main runs the buhdi node daemon: the skill runtime, its command
// API, and the background control-plane sync loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/KrizPB/buhdi-node-sub000/internal/api"
	"github.com/KrizPB/buhdi-node-sub000/internal/audit"
	"github.com/KrizPB/buhdi-node-sub000/internal/cache"
	"github.com/KrizPB/buhdi-node-sub000/internal/config"
	"github.com/KrizPB/buhdi-node-sub000/internal/metrics"
	"github.com/KrizPB/buhdi-node-sub000/internal/node"
	"github.com/KrizPB/buhdi-node-sub000/internal/report"
	"github.com/KrizPB/buhdi-node-sub000/internal/schedule"
	"github.com/KrizPB/buhdi-node-sub000/internal/signing"
	"github.com/KrizPB/buhdi-node-sub000/internal/store"
	"github.com/KrizPB/buhdi-node-sub000/internal/vault"
)

const version = "0.3.0"

// shutdownTimeout bounds the drain of in-flight requests and skill stops
// once a termination signal arrives.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "buhdi-node",
		Short:         "Personal skill node: sandboxed WASM skills with verified deploys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "buhdi-node %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default buhdi.yaml in . or /etc/buhdi)")
	return cmd
}

// serve assembles the node from configuration and blocks until a signal or
// a fatal listener error. Components shut down in reverse of their start
// order: API first so no new deploys land, then the running skills.
func serve(cfg *config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	level, err := cfg.Trust.ParsedLevel()
	if err != nil {
		return err
	}
	dataDir, err := filepath.Abs(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("resolving data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(filepath.Join(dataDir, "plugins"), logger)
	if err != nil {
		return err
	}
	verifier := signing.NewVerifier(cfg.Trust.KeyURL, filepath.Join(dataDir, "trust.key"),
		signing.WithLogger(logger),
		signing.WithBypassAllowed(cfg.Trust.AllowBypass),
	)

	secret, err := vault.LoadMachineSecret(filepath.Join(dataDir, "node.secret"))
	if err != nil {
		return err
	}
	vlt, err := vault.Open(filepath.Join(dataDir, "vault.db"), secret, vault.WithLogger(logger))
	if err != nil {
		return err
	}
	defer vlt.Close()

	exch, err := newExchange(ctx, cfg.Exchange)
	if err != nil {
		return err
	}
	defer exch.Close()

	reporter := report.New(cfg.Control.ReportURL, report.WithLogger(logger))
	defer reporter.Close()

	auditOpts := []audit.Option{audit.WithLogger(logger)}
	if cfg.Control.ReportURL != "" {
		auditOpts = append(auditOpts, audit.WithUploader(reporter.UploadAudit))
	}
	auditLog := audit.NewLogger(filepath.Join(dataDir, "plugins", "audit.log"), auditOpts...)
	auditLog.StartSync(ctx)
	defer auditLog.Close()

	sched := schedule.New(schedule.WithLogger(logger))
	sched.Start()
	defer sched.Stop()

	mgr := node.NewManager(st, verifier,
		node.WithTrustLevel(level),
		node.WithLogger(logger),
		node.WithAudit(auditLog),
		node.WithVault(vlt),
		node.WithExchange(exch),
		node.WithReporter(reporter),
		node.WithMetrics(metrics.Node()),
		node.WithScheduler(sched),
		node.WithQuotas(cfg.Quotas.MaxSkills, cfg.Quotas.MaxDiskMB),
		node.WithHealthWindow(cfg.Quotas.HealthWindow),
		node.WithLogBuffer(node.NewLogBuffer(cfg.Quotas.LogLines)),
	)
	defer mgr.Close()

	if err := mgr.Recover(ctx); err != nil {
		return err
	}
	mgr.ForwardEvents(ctx)

	if cfg.Control.UpdateURL != "" {
		checker := node.NewUpdateChecker(mgr, cfg.Control.UpdateURL,
			node.WithCheckInterval(cfg.Control.CheckInterval))
		go checker.Run(ctx)
	}

	if cfg.Sideload.Enabled {
		dir := cfg.Sideload.Dir
		if dir == "" {
			dir = filepath.Join(dataDir, "dropin")
		}
		sideloader := node.NewSideloader(mgr, dir, logger)
		go func() {
			if err := sideloader.Run(ctx); err != nil {
				logger.Error("sideload watcher stopped", "error", err)
			}
		}()
	}

	apiSrv := api.NewServer(mgr,
		api.WithLogger(logger),
		api.WithAuthSecret(cfg.Server.AuthSecret),
		api.WithDeployRateLimit(cfg.Server.DeployPerMinute),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("command API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("command API: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	mgr.StopAll(shutCtx)
	logger.Info("node stopped")
	return nil
}

func newExchange(ctx context.Context, cfg config.Exchange) (cache.Exchange, error) {
	switch cfg.Backend {
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return cache.DialRedis(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	default:
		return cache.NewMemory(), nil
	}
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", cfg.Format)
	}
}
