package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/draftsync/internal/api"
	"github.com/rendis/draftsync/internal/draft"
	"github.com/rendis/draftsync/internal/logging"
	"github.com/rendis/draftsync/internal/netmon"
	"github.com/rendis/draftsync/internal/onboarding"
	"github.com/rendis/draftsync/internal/privacy"
	"github.com/rendis/draftsync/internal/queue"
	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/internal/sync"
	"github.com/rendis/draftsync/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "draftsync:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx := logging.WithSessionID(context.Background(), sessionID)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	monitor := netmon.NewMonitor(&netmon.HTTPProber{URL: cfg.ProbeURL}, st,
		sessionID, netmon.Config{}, logger)

	client, err := api.NewHTTPClient(api.Config{
		BaseURL:   cfg.APIBaseURL,
		AuthToken: cfg.AuthToken,
	})
	if err != nil {
		return fmt.Errorf("build api client: %w", err)
	}

	q := queue.NewOperationQueue(st, monitor, sessionID, queue.Config{}, logger)

	registry := queue.NewRegistry()
	sync.RegisterOperationFactories(registry, client)
	restored, skipped, err := registry.Rebuild(ctx, st, q, sessionID, logger)
	if err != nil {
		return fmt.Errorf("rebuild queue: %w", err)
	}
	logger.InfoContext(ctx, "queue rebuilt",
		slog.Int("restored", restored), slog.Int("skipped", skipped))

	validator, err := validation.NewStepValidator()
	if err != nil {
		return fmt.Errorf("build step validator: %w", err)
	}

	state, err := onboarding.NewStateStore(ctx, st, validator,
		onboarding.NewStatusFSM(st), sessionID, logger)
	if err != nil {
		return fmt.Errorf("load onboarding state: %w", err)
	}

	draftCfg := draft.Config{
		AutoSaveEnabled:  cfg.AutoSave,
		AutoSaveInterval: time.Duration(cfg.AutoSaveSecs) * time.Second,
	}
	if cfg.PIIPassphrase != "" {
		cipher, err := privacy.NewFieldCipher(privacy.Config{
			Passphrase: cfg.PIIPassphrase,
			Salt:       []byte("draftsync:" + sessionID),
		})
		if err != nil {
			return fmt.Errorf("build field cipher: %w", err)
		}
		draftCfg.Cipher = cipher
	}
	drafts := draft.NewManager(st, state, sessionID, draftCfg, logger)

	coordinator := sync.NewCoordinator(state, drafts, q, client, client.Projection(),
		monitor, st, sessionID, sync.Config{
			SyncOnStepCompletion: cfg.SyncOnCompletion,
			ClearDraftOnSync:     cfg.ClearDraftOnSync,
		}, logger)

	scheduler := sync.NewScheduler(logger)
	if err := sync.RegisterMaintenanceJobs(scheduler, coordinator); err != nil {
		return fmt.Errorf("register maintenance jobs: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := monitor.Start(runCtx); err != nil {
		return fmt.Errorf("start network monitor: %w", err)
	}
	if err := q.Start(runCtx); err != nil {
		return fmt.Errorf("start operation queue: %w", err)
	}
	if err := scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if cfg.AutoSave {
		// The UI re-targets the loop on step navigation; at boot the
		// resumed step is the one worth protecting.
		if err := drafts.StartAutoSave(runCtx, state.CurrentStep()); err != nil {
			logger.Warn("start auto-save", slog.String("error", err.Error()))
		}
	}

	logger.InfoContext(ctx, "draftsync started",
		slog.String("db_path", cfg.DBPath),
		slog.String("api_base_url", cfg.APIBaseURL))

	<-runCtx.Done()
	logger.InfoContext(ctx, "shutting down")

	if err := scheduler.Stop(); err != nil {
		logger.Warn("stop scheduler", slog.String("error", err.Error()))
	}
	if err := q.Stop(); err != nil {
		logger.Warn("stop operation queue", slog.String("error", err.Error()))
	}
	drafts.StopAll()
	if err := monitor.Stop(); err != nil {
		logger.Warn("stop network monitor", slog.String("error", err.Error()))
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
