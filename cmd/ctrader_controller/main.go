package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/api"
	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/controller"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/events"
	"github.com/dgnsrekt/ctrader_agent/internal/netutil"
	"github.com/dgnsrekt/ctrader_agent/internal/notify"
	"github.com/dgnsrekt/ctrader_agent/internal/runner"
	"github.com/dgnsrekt/ctrader_agent/internal/session"
	"github.com/dgnsrekt/ctrader_agent/internal/snapshot"
	"github.com/dgnsrekt/ctrader_agent/internal/storage"
	"github.com/dgnsrekt/ctrader_agent/internal/store"
	"github.com/dgnsrekt/ctrader_agent/internal/worker"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.LoadController()
	if err != nil {
		slog.Error("failed to load controller config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("ctrader_controller config loaded",
		"bind_addr", cfg.BindAddr,
		"base_url", cfg.BaseURL,
		"profiles_dir", cfg.ProfilesDir,
		"shared_cdp_url", cfg.SharedCDPURL,
		"operation_budget", cfg.OperationBudget,
		"worker_concurrency", cfg.WorkerConcurrency,
		"port_auto_fallback", cfg.PortAutoFallback,
		"log_level", cfg.LogLevel,
		"snapshot_dir", cfg.SnapshotDir,
		"store_enabled", cfg.DatabaseURL != "",
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		slog.Error("failed to load selector catalog", "file", cfg.SelectorsFile, "error", err)
		os.Exit(1)
	}

	snapStore, err := snapshot.NewStore(cfg.SnapshotDir)
	if err != nil {
		slog.Error("failed to create snapshot store", "dir", cfg.SnapshotDir, "error", err)
		os.Exit(1)
	}

	broker := events.NewBroker()
	sessions, err := session.New(cdpcontrol.NewDriver(cfg.DriverConfig()), session.Config{
		ProfilesRoot: cfg.ProfilesDir,
		BaseURL:      cfg.BaseURL,
		URLMatch:     cfg.URLMatch,
		Catalog:      catalog,
	},
		session.WithFailureHook(controller.SnapshotHook(snapStore)),
		session.WithStateObserver(func(identity string, from, to session.State) {
			broker.PublishState(identity, from.String(), to.String())
		}),
	)
	if err != nil {
		slog.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}
	defer sessions.CloseAll()

	opts := controller.Options{
		Pool: worker.New[dispatch.Outcome](worker.Config{
			Concurrency: cfg.WorkerConcurrency,
			Budget:      cfg.OperationBudget,
			MinInterval: cfg.IdentityMinInterval,
		}),
		Journal:   storage.NewJournal(cfg.JournalDir, 256, cfg.JournalMaxSizeMB),
		Webhook:   notify.NewWebhook(&http.Client{Timeout: 10 * time.Second}, cfg.OutcomeWebhook),
		Snapshots: snapStore,
		Events:    broker,
		Robot: runner.New(runner.Config{
			RobotPath: cfg.UIRobotPath,
			Folder:    cfg.AutomationFolder,
			Timeout:   cfg.RunnerTimeout,
		}),
	}
	if cfg.DatabaseURL != "" {
		records, pool, err := store.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open metadata store", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		opts.Records = records
	}

	svc := controller.NewService(sessions, opts)
	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, api.WithEventStream(events.SSEHandler(broker)))}

	go func() {
		slog.Info("ctrader_controller listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ctrader_controller server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("ctrader_controller shutdown failed", "error", err)
	}
	if err := svc.Close(ctx); err != nil {
		slog.Warn("workers did not drain before shutdown", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
