package taskstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/notify"
)

// SchedulerSync receives the full task list and the global enabled flag
// after every mutation
type SchedulerSync interface {
	SyncState(ctx context.Context, enabled bool, tasks []domain.WakeupTask) error
}

// Registry lists the accounts and models tasks may target
type Registry interface {
	Accounts(ctx context.Context) ([]domain.Account, error)
	Models(ctx context.Context) ([]domain.Model, error)
}

// Service owns the task list and keeps the external scheduler in sync
type Service struct {
	store    *Store
	sync     SchedulerSync
	registry Registry
	ids      domain.IDGenerator
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

// WithRegistry makes saves and reconciliation check selections against r
func WithRegistry(r Registry) Option { return func(s *Service) { s.registry = r } }

// WithIDGenerator overrides the task id generator
func WithIDGenerator(g domain.IDGenerator) Option { return func(s *Service) { s.ids = g } }

// WithNotifier sets where reconciliation notices go
func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the time source
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a task service. sync may be nil when no scheduler runs.
func NewService(store *Store, syncer SchedulerSync, opts ...Option) *Service {
	s := &Service{
		store:    store,
		sync:     syncer,
		notifier: notify.NoopNotifier{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = &domain.UUIDGenerator{Now: s.now}
	}
	s.logger = s.logger.Named("tasks")
	return s
}

// Tasks returns the saved tasks, newest first
func (s *Service) Tasks(ctx context.Context) ([]domain.WakeupTask, error) {
	return s.store.ListTasks(ctx)
}

// Task returns one task
func (s *Service) Task(ctx context.Context, id string) (*domain.WakeupTask, error) {
	return s.store.GetTask(ctx, id)
}

// WakeupEnabled returns the global enabled flag
func (s *Service) WakeupEnabled(ctx context.Context) (bool, error) {
	return s.store.WakeupEnabled(ctx)
}

// SaveTask validates the form and creates or updates the task
func (s *Service) SaveTask(ctx context.Context, form TaskForm) (*domain.WakeupTask, error) {
	form.Name = strings.TrimSpace(form.Name)
	if err := s.filterSelections(ctx, &form); err != nil {
		return nil, err
	}
	if err := form.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task := domain.WakeupTask{
		ID:       form.ID,
		Name:     form.Name,
		Enabled:  form.Enabled,
		Schedule: form.Schedule(),
	}
	if task.ID == "" {
		task.ID = s.ids.NewID()
		task.CreatedAt = s.now().UnixMilli()
	} else {
		existing, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.CreatedAt = existing.CreatedAt
		task.LastRunAt = existing.LastRunAt
	}

	if err := s.store.UpsertTask(ctx, &task); err != nil {
		return nil, fmt.Errorf("saving task: %w", err)
	}
	s.logger.Info("task saved",
		zap.String("task_id", task.ID),
		zap.String("trigger", string(task.Schedule.TriggerKind())),
		zap.Bool("enabled", task.Enabled))
	return &task, s.syncLocked(ctx)
}

// filterSelections drops ids the registry does not know.
// An unreachable or empty registry leaves the form untouched.
func (s *Service) filterSelections(ctx context.Context, form *TaskForm) error {
	if s.registry == nil {
		return nil
	}
	accountIDs, modelIDs, err := s.registryIDs(ctx)
	if err != nil {
		return err
	}
	form.SelectedAccounts = keepKnown(form.SelectedAccounts, accountIDs)
	form.SelectedModels = keepKnown(form.SelectedModels, modelIDs)
	return nil
}

func keepKnown(selected, known []string) []string {
	if len(known) == 0 {
		return selected
	}
	valid := make(map[string]bool, len(known))
	for _, id := range known {
		valid[id] = true
	}
	var out []string
	for _, id := range selected {
		if valid[strings.TrimSpace(id)] {
			out = append(out, strings.TrimSpace(id))
		}
	}
	return out
}

// DeleteTask removes a task
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", zap.String("task_id", id))
	return s.syncLocked(ctx)
}

// SetTaskEnabled enables or disables one task
func (s *Service) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetTaskEnabled(ctx, id, enabled); err != nil {
		return err
	}
	return s.syncLocked(ctx)
}

// SetWakeupEnabled flips the global enabled flag
func (s *Service) SetWakeupEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetWakeupEnabled(ctx, enabled); err != nil {
		return err
	}
	s.logger.Info("wakeup toggled", zap.Bool("enabled", enabled))
	return s.syncLocked(ctx)
}

// MarkRun records a task's latest run time
func (s *Service) MarkRun(ctx context.Context, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.MarkRun(ctx, id, at); err != nil {
		return err
	}
	return s.syncLocked(ctx)
}

// Sync pushes the current state to the scheduler without mutating anything
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

func (s *Service) syncLocked(ctx context.Context) error {
	if s.sync == nil {
		return nil
	}
	enabled, err := s.store.WakeupEnabled(ctx)
	if err != nil {
		return err
	}
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	if err := s.sync.SyncState(ctx, enabled, tasks); err != nil {
		return fmt.Errorf("syncing scheduler: %w", err)
	}
	return nil
}

// FallbackMaxOutputTokens returns the token limit of the first enabled task,
// used when a manual run does not set one
func (s *Service) FallbackMaxOutputTokens(ctx context.Context) int {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		s.logger.Warn("loading tasks for token fallback", zap.Error(err))
		return 0
	}
	for _, task := range tasks {
		if task.Enabled {
			return task.Schedule.MaxOutputTokens
		}
	}
	return 0
}

// Reconcile drops selections the registry no longer lists and persists
// the result. Tasks that fell back to the first registry entry produce a
// warning notice.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	if s.registry == nil {
		return ReconcileReport{}, nil
	}
	accountIDs, modelIDs, err := s.registryIDs(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	updated, report := Reconcile(tasks, accountIDs, modelIDs)
	if len(report.Changed) == 0 {
		return report, nil
	}
	if err := s.store.ReplaceTasks(ctx, updated); err != nil {
		return report, fmt.Errorf("saving reconciled tasks: %w", err)
	}
	s.logger.Info("tasks reconciled", zap.Strings("changed", report.Changed))
	if len(report.Retargeted) > 0 {
		_ = s.notifier.Send(notify.Notification{
			Title:   "Wakeup tasks retargeted",
			Message: fmt.Sprintf("%s lost every selection and now use the first available entry", strings.Join(report.Retargeted, ", ")),
			Tone:    notify.ToneWarning,
		})
	}
	return report, s.syncLocked(ctx)
}

func (s *Service) registryIDs(ctx context.Context) (accountIDs, modelIDs []string, err error) {
	accounts, err := s.registry.Accounts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing accounts: %w", err)
	}
	models, err := s.registry.Models(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing models: %w", err)
	}
	for _, a := range accounts {
		accountIDs = append(accountIDs, a.ID)
	}
	for _, m := range models {
		modelIDs = append(modelIDs, m.ID)
	}
	return accountIDs, modelIDs, nil
}

// ImportLegacy turns a standalone schedule document into a task when the
// task list is still empty. It returns nil when nothing was imported.
func (s *Service) ImportLegacy(ctx context.Context, data []byte) (*domain.WakeupTask, error) {
	cfg, enabled, err := DecodeLegacySchedule(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		return nil, nil
	}
	task := domain.WakeupTask{
		ID:        s.ids.NewID(),
		Name:      LegacyTaskName,
		Enabled:   enabled,
		CreatedAt: s.now().UnixMilli(),
		Schedule:  cfg,
	}
	if err := s.store.UpsertTask(ctx, &task); err != nil {
		return nil, err
	}
	s.logger.Info("legacy schedule imported", zap.String("task_id", task.ID))
	return &task, s.syncLocked(ctx)
}
