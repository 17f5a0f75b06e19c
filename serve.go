package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/JinY0ung-Shin/PortKnox/internal/config"
	"github.com/JinY0ung-Shin/PortKnox/internal/crypto"
	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/events"
	"github.com/JinY0ung-Shin/PortKnox/internal/handlers"
	"github.com/JinY0ung-Shin/PortKnox/internal/logging"
	"github.com/JinY0ung-Shin/PortKnox/internal/monitor"
	"github.com/JinY0ung-Shin/PortKnox/internal/notify"
	"github.com/JinY0ung-Shin/PortKnox/internal/scheduler"
	"github.com/JinY0ung-Shin/PortKnox/internal/seed"
	"github.com/JinY0ung-Shin/PortKnox/internal/sshtunnel"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the health check scheduler and the tunnel manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Cfg

	logs := logging.New(cfg.LogPath, cfg.LogLevel)
	defer logs.Close()
	log := logs.Logger

	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("database init failed", "error", err)
		return err
	}
	defer store.Close()

	if n, err := store.MigrateLegacyTunnels(cfg.DataPath); err != nil {
		log.Warn("legacy tunnel import failed", "error", err)
	} else if n > 0 {
		log.Info("imported legacy tunnel descriptors", "count", n)
	}

	hub := events.NewHub()
	notifier := newNotifier(cfg, log.Named("notify"))

	checker := monitor.NewChecker()
	engine := monitor.NewEngine(store, checker, notifier, monitor.Options{
		Threshold:   cfg.FailureThreshold,
		BatchSize:   cfg.BatchSize,
		CleanupDays: cfg.CleanupDays,
		Logger:      log.Named("monitor"),
		Events:      hub,
	})
	sched := scheduler.New(engine, scheduler.Options{
		SweepSchedule:   cfg.SweepSchedule,
		CleanupSchedule: cfg.CleanupSchedule,
		Logger:          log.Named("scheduler"),
	})

	tunnels := sshtunnel.NewManager(sshtunnel.Options{
		Dialer:         &sshtunnel.SSHDialer{KnownHostsPath: cfg.KnownHostsPath},
		Persister:      store,
		Sealer:         crypto.NewKeyring(store),
		Events:         hub,
		Logger:         log.Named("tunnel"),
		GatewayTimeout: cfg.GatewayTimeout,
	})
	defer tunnels.StopAll()

	if _, err := tunnels.Restore(ctx); err != nil {
		log.Warn("tunnel restore failed", "error", err)
	}
	if cfg.KnownHostsPath == "" {
		log.Warn("TUNNEL_KNOWN_HOSTS not set, gateway host keys are not verified")
	}

	defaults := monitor.Defaults{Interval: cfg.DefaultCheckInterval, Timeout: cfg.DefaultTimeout}
	if cfg.SeedFile != "" {
		applySeed(ctx, cfg.SeedFile, &seed.Seeder{
			Monitors: store,
			Tunnels:  tunnels,
			Defaults: defaults,
			Log:      log.Named("seed"),
		}, log)
	}

	if err := sched.Start(); err != nil {
		log.Error("scheduler start failed", "error", err)
		return err
	}
	defer sched.Stop()

	api := &handlers.API{
		Store:     store,
		Engine:    engine,
		Prober:    checker,
		Tunnels:   tunnels,
		Scheduler: sched,
		Hub:       hub,
		Logs:      logs,
		Defaults:  defaults,
		Log:       log.Named("api"),
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.ListenAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.Error("server error", "error", serveErr)
	}

	// Sweeps and relays end before the store is closed.
	sched.Stop()
	tunnels.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	log.Info("server stopped")
	return serveErr
}

func newNotifier(cfg config.Settings, log hclog.Logger) notify.Notifier {
	if !cfg.SMTPConfigured() {
		log.Warn("SMTP_USER or SMTP_PASSWORD not set, alarms are recorded but not mailed")
		return notify.Nop{Log: log}
	}
	return notify.NewSMTP(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Secure:   cfg.SMTPSecure,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, log)
}

func applySeed(ctx context.Context, path string, s *seed.Seeder, log hclog.Logger) {
	f, err := seed.Load(path)
	if err != nil {
		log.Warn("seed file ignored", "path", path, "error", err)
		return
	}
	if _, err := s.Apply(ctx, f); err != nil {
		log.Warn("seed applied with errors", "error", err)
	}
}
