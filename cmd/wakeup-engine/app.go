package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/config"
	"github.com/hochfrequenz/wakeup-engine/internal/dispatch"
	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/history"
	"github.com/hochfrequenz/wakeup-engine/internal/logging"
	"github.com/hochfrequenz/wakeup-engine/internal/notify"
	"github.com/hochfrequenz/wakeup-engine/internal/pinger"
	"github.com/hochfrequenz/wakeup-engine/internal/progress"
	"github.com/hochfrequenz/wakeup-engine/internal/registry"
	"github.com/hochfrequenz/wakeup-engine/internal/scheduler"
	"github.com/hochfrequenz/wakeup-engine/internal/taskstore"
	"github.com/hochfrequenz/wakeup-engine/internal/verify"
)

// app holds the wired components shared by every command
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *taskstore.Store
	history   *history.Store
	registry  *registry.FileRegistry
	pinger    *pinger.Client
	notifier  notify.Notifier
	bus       *progress.Bus
	engine    *dispatch.Engine
	scheduler *scheduler.Scheduler
	service   *taskstore.Service
	verifier  *verify.Runner
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(config.ExpandPath(configPath))
	}
	return config.LoadWithLocalFallback("")
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	backend, err := a.historyBackend(ctx)
	if err != nil {
		return err
	}
	a.history = history.NewStore(backend,
		history.WithLimits(cfg.Wakeup.HistoryLimit, cfg.Wakeup.BatchHistoryLimit),
		history.WithLogger(a.logger))

	a.registry, err = registry.NewFileRegistry(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	timeout, err := cfg.GatewayTimeout()
	if err != nil {
		return err
	}
	a.pinger = pinger.New(cfg.Gateway.BaseURL,
		pinger.WithHTTPClient(&http.Client{Timeout: timeout}),
		pinger.WithAttempts(cfg.Gateway.Attempts),
		pinger.WithAppName(cfg.Gateway.AppName),
		pinger.WithLogger(a.logger))

	notifiers := []notify.Notifier{
		notify.NewLogNotifier(a.logger),
		notify.NewDesktopNotifier(cfg.Notifications.Desktop),
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	a.notifier = notify.NewMultiNotifier(notifiers...)
	a.bus = progress.NewBus(a.logger)

	engineOpts := []dispatch.Option{
		dispatch.WithReadiness(a.pinger),
		dispatch.WithNotifier(a.notifier),
		dispatch.WithLogger(a.logger),
		dispatch.WithDefaultPrompt(cfg.Wakeup.DefaultPrompt),
	}
	if cfg.Wakeup.MaxConcurrency > 0 {
		engineOpts = append(engineOpts, dispatch.WithConcurrency(cfg.Wakeup.MaxConcurrency))
	}

	tick, err := cfg.TickInterval()
	if err != nil {
		return err
	}
	// The scheduler and the service reference each other; the marker
	// resolves the service lazily.
	marker := scheduler.RunMarkerFunc(func(ctx context.Context, id string, at int64) error {
		return a.service.MarkRun(ctx, id, at)
	})
	a.scheduler = scheduler.New(scheduler.FirerFunc(a.fire),
		scheduler.WithRunMarker(marker),
		scheduler.WithLogger(a.logger),
		scheduler.WithTickInterval(tick))

	a.service = taskstore.NewService(a.store, a.scheduler,
		taskstore.WithRegistry(a.registry),
		taskstore.WithNotifier(a.notifier),
		taskstore.WithLogger(a.logger))

	a.engine = dispatch.NewEngine(a.pinger, a.registry, a.history,
		append(engineOpts, dispatch.WithTokenFallback(a.service))...)

	verifyOpts := []verify.Option{
		verify.WithReadiness(a.pinger),
		verify.WithPublisher(a.bus),
		verify.WithNotifier(a.notifier),
		verify.WithLogger(a.logger),
		verify.WithDefaultPrompt(cfg.Wakeup.DefaultPrompt),
	}
	if cfg.Wakeup.MaxConcurrency > 0 {
		verifyOpts = append(verifyOpts, verify.WithConcurrency(cfg.Wakeup.MaxConcurrency))
	}
	a.verifier = verify.NewRunner(a.pinger, a.registry, a.history, verifyOpts...)

	return a.service.Sync(ctx)
}

func (a *app) historyBackend(ctx context.Context) (history.Backend, error) {
	switch a.cfg.History.Backend {
	case config.BackendRedis:
		b, err := history.NewRedisBackend(ctx, a.cfg.History.RedisAddr, a.cfg.History.RedisDB, a.cfg.History.RedisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return b, nil
	case config.BackendMemory:
		return history.NewMemoryBackend(), nil
	default:
		b, err := history.NewSQLiteBackend(a.store.DB())
		if err != nil {
			return nil, fmt.Errorf("preparing history tables: %w", err)
		}
		return b, nil
	}
}

// fire runs one due task through the dispatch engine
func (a *app) fire(ctx context.Context, f scheduler.Firing) error {
	accounts := f.AccountIDs
	if len(accounts) == 0 {
		accounts = f.Task.Schedule.SelectedAccounts
	}
	_, err := a.engine.Run(ctx, dispatch.Request{
		AccountIDs:      accounts,
		Models:          f.Task.Schedule.SelectedModels,
		Prompt:          f.Task.Schedule.CustomPrompt,
		MaxOutputTokens: f.Task.Schedule.MaxOutputTokens,
		TriggerType:     domain.TriggerAuto,
		TriggerSource:   f.Source,
		TaskName:        f.Task.Name,
	})
	if errors.Is(err, dispatch.ErrNoTargets) {
		a.logger.Warn("task has nothing to ping", zap.String("task_id", f.Task.ID))
		return nil
	}
	return err
}

// watchRegistry reconciles tasks whenever the registry file changes
func (a *app) watchRegistry(ctx context.Context) (*registry.Watcher, error) {
	w, err := registry.NewWatcher(a.registry, func(ctx context.Context) {
		report, err := a.service.Reconcile(ctx)
		if err != nil {
			a.logger.Warn("reconcile after registry change failed", zap.Error(err))
			return
		}
		if len(report.Changed) > 0 {
			a.logger.Info("tasks reconciled", zap.Strings("changed", report.Changed))
		}
	}, a.logger)
	if err != nil {
		return nil, err
	}
	w.Start(ctx)
	return w, nil
}

// flush retries writes that failed during the session
func (a *app) flush(ctx context.Context) {
	if err := a.engine.Flush(ctx); err != nil {
		a.logger.Warn("pending history not written", zap.Error(err))
	}
	if err := a.verifier.Flush(ctx); err != nil {
		a.logger.Warn("pending verification batches not written", zap.Error(err))
	}
}

func (a *app) Close() {
	if a.history != nil {
		a.history.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Sync()
}
