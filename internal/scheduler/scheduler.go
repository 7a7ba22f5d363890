// Package scheduler fires wakeup tasks when their triggers come due.
package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/schedule"
)

// Firing is one due execution of a task
type Firing struct {
	Task   domain.WakeupTask
	Source domain.TriggerSource
	// AccountIDs narrows the run to these accounts. Empty means every
	// account the task selects.
	AccountIDs []string

	deferred bool
}

// Firer executes a due task
type Firer interface {
	Fire(ctx context.Context, f Firing) error
}

// FirerFunc adapts a function to Firer
type FirerFunc func(ctx context.Context, f Firing) error

// Fire calls fn
func (fn FirerFunc) Fire(ctx context.Context, f Firing) error { return fn(ctx, f) }

// RunMarker records when a task last ran
type RunMarker interface {
	MarkRun(ctx context.Context, id string, at int64) error
}

// RunMarkerFunc adapts a function to RunMarker
type RunMarkerFunc func(ctx context.Context, id string, at int64) error

// MarkRun calls fn
func (fn RunMarkerFunc) MarkRun(ctx context.Context, id string, at int64) error { return fn(ctx, id, at) }

// deferral is a quota reset that arrived outside its task's window
type deferral struct {
	since    time.Time
	accounts []string
}

// Scheduler holds the latest task snapshot and fires due tasks
type Scheduler struct {
	firer  Firer
	marker RunMarker
	logger *zap.Logger
	now    func() time.Time
	tick   time.Duration

	mu       sync.RWMutex
	enabled  bool
	tasks    []domain.WakeupTask
	running  map[string]bool
	lastRun  map[string]time.Time
	deferred map[string]deferral
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithRunMarker sets where completed runs are recorded
func WithRunMarker(m RunMarker) Option { return func(s *Scheduler) { s.marker = m } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides the time source
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithTickInterval sets how often due tasks are checked
func WithTickInterval(d time.Duration) Option { return func(s *Scheduler) { s.tick = d } }

// New creates a scheduler. Nothing fires until SyncState enables it.
func New(firer Firer, opts ...Option) *Scheduler {
	s := &Scheduler{
		firer:    firer,
		logger:   zap.NewNop(),
		now:      time.Now,
		tick:     30 * time.Second,
		running:  make(map[string]bool),
		lastRun:  make(map[string]time.Time),
		deferred: make(map[string]deferral),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// SyncState replaces the task snapshot and the global enabled flag
func (s *Scheduler) SyncState(_ context.Context, enabled bool, tasks []domain.WakeupTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.tasks = slices.Clone(tasks)

	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}
	for id := range s.deferred {
		if !known[id] {
			delete(s.deferred, id)
		}
	}
	s.logger.Debug("state synced", zap.Bool("enabled", enabled), zap.Int("tasks", len(tasks)))
	return nil
}

// Enabled reports the global wakeup flag of the last sync
func (s *Scheduler) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Tasks returns the last synced snapshot
func (s *Scheduler) Tasks() []domain.WakeupTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tasks)
}

// reference is the instant after which the next run of t is searched,
// expressed in loc so wall-clock triggers resolve in the caller's zone
func (s *Scheduler) reference(t domain.WakeupTask, loc *time.Location) time.Time {
	ref := max(t.LastRunAt, t.CreatedAt)
	local := s.lastRun[t.ID]
	if ms := local.UnixMilli(); !local.IsZero() && ms > ref {
		ref = ms
	}
	return domain.FromMillis(ref).In(loc)
}

// DueTasks returns the firings that are due at now. A task is due when
// the first run strictly after its last run (or creation) is not later
// than now. Running tasks are skipped.
func (s *Scheduler) DueTasks(now time.Time) []Firing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return nil
	}

	var due []Firing
	for _, t := range s.tasks {
		if !t.Enabled || s.running[t.ID] {
			continue
		}
		switch trig := t.Schedule.Trigger.(type) {
		case domain.ScheduledTrigger, domain.CrontabTrigger:
			next := schedule.FirstRunAfter(trig, s.reference(t, now.Location()))
			if !next.IsZero() && !next.After(now) {
				due = append(due, Firing{Task: t, Source: domain.SourceFor(trig.Kind())})
			}
		case domain.QuotaResetTrigger:
			d, ok := s.deferred[t.ID]
			if !ok {
				continue
			}
			next := schedule.FirstRunAfter(trig, d.since.In(now.Location()))
			if !next.IsZero() && !next.After(now) {
				due = append(due, Firing{Task: t, Source: domain.SourceQuotaReset, AccountIDs: slices.Clone(d.accounts), deferred: true})
			}
		}
	}
	return due
}

// Tick fires every due task and returns how many were started
func (s *Scheduler) Tick(ctx context.Context) int {
	due := s.DueTasks(s.now())
	started := 0
	for _, f := range due {
		if s.start(ctx, f) {
			started++
		}
	}
	return started
}

// NotifyQuotaReset fires every enabled quota-reset task that targets
// accountID. Tasks with a time window only fire inside it; resets outside
// the window wait for the task's next fallback time.
func (s *Scheduler) NotifyQuotaReset(ctx context.Context, accountID string) int {
	now := s.now()

	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return 0
	}
	var fire []Firing
	for _, t := range s.tasks {
		trig, ok := t.Schedule.Trigger.(domain.QuotaResetTrigger)
		if !ok || !t.Enabled || !t.TargetsAccount(accountID) {
			continue
		}
		if trig.Window != nil && !schedule.InWindow(now, trig.Window.Start, trig.Window.End) {
			d, exists := s.deferred[t.ID]
			if !exists {
				d.since = now
			}
			if !slices.Contains(d.accounts, accountID) {
				d.accounts = append(d.accounts, accountID)
			}
			s.deferred[t.ID] = d
			s.logger.Info("quota reset outside window, deferring",
				zap.String("task", t.Name), zap.String("account", accountID))
			continue
		}
		fire = append(fire, Firing{Task: t, Source: domain.SourceQuotaReset, AccountIDs: []string{accountID}})
	}
	s.mu.Unlock()

	started := 0
	for _, f := range fire {
		if s.start(ctx, f) {
			started++
		}
	}
	return started
}

// MarkRunning marks a task as in flight. It reports false when the task
// is already running.
func (s *Scheduler) MarkRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

// MarkComplete clears the running flag and records the run time
func (s *Scheduler) MarkComplete(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.lastRun[id] = at
}

func (s *Scheduler) clearDeferral(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deferred, id)
}

// Running reports whether a task is in flight
func (s *Scheduler) Running(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[id]
}

func (s *Scheduler) start(ctx context.Context, f Firing) bool {
	if !s.MarkRunning(f.Task.ID) {
		return false
	}
	firedAt := s.now()
	s.logger.Info("firing task",
		zap.String("task", f.Task.Name),
		zap.String("source", string(f.Source)),
		zap.Strings("accounts", f.AccountIDs))

	if f.deferred {
		s.clearDeferral(f.Task.ID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx := context.WithoutCancel(ctx)
		if err := s.firer.Fire(runCtx, f); err != nil {
			s.logger.Error("task run failed", zap.String("task", f.Task.Name), zap.Error(err))
		}
		s.MarkComplete(f.Task.ID, firedAt)
		if s.marker != nil {
			if err := s.marker.MarkRun(runCtx, f.Task.ID, firedAt.UnixMilli()); err != nil {
				s.logger.Warn("recording last run failed", zap.String("task", f.Task.Name), zap.Error(err))
			}
		}
	}()
	return true
}

// Wait blocks until every started run has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Start runs the tick loop until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends the tick loop. Runs already started are not interrupted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
