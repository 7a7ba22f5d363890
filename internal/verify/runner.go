// Package verify runs one-shot account health checks and keeps their
// history.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/notify"
	"github.com/hochfrequenz/wakeup-engine/internal/pinger"
	"github.com/hochfrequenz/wakeup-engine/internal/progress"
	"github.com/hochfrequenz/wakeup-engine/internal/wakeuperr"
)

var (
	// ErrNoAccounts is returned when the selection is empty
	ErrNoAccounts = errors.New("no accounts selected")
	// ErrNoUsableAccounts is returned when no selected account is known
	ErrNoUsableAccounts = errors.New("no usable accounts found")
	// ErrNoModel is returned when the run names no model
	ErrNoModel = errors.New("no model selected")
)

// BatchIDPrefix starts every verification batch id
const BatchIDPrefix = "verify_"

// Pinger sends a single ping
type Pinger interface {
	Ping(ctx context.Context, req pinger.Request) (*pinger.Response, error)
}

// Readiness prepares the runtime before a batch starts
type Readiness interface {
	EnsureReady(ctx context.Context) error
}

// AccountLister lists known accounts
type AccountLister interface {
	Accounts(ctx context.Context) ([]domain.Account, error)
}

// Store persists batches and per-account state
type Store interface {
	SaveBatch(ctx context.Context, batch domain.VerificationBatch) error
	LoadBatches(ctx context.Context) ([]domain.VerificationBatch, error)
	DeleteBatches(ctx context.Context, ids []string) (int, error)
	UpsertStates(ctx context.Context, items []domain.VerificationItem) error
	LoadStates(ctx context.Context) (map[string]domain.VerificationItem, error)
}

// Publisher receives progress events
type Publisher interface {
	Publish(ev progress.Event)
}

// Request describes one verification batch
type Request struct {
	AccountIDs      []string `json:"accountIds"`
	Model           string   `json:"model"`
	Prompt          string   `json:"prompt"`
	MaxOutputTokens int      `json:"maxOutputTokens"`
}

// Runner executes verification batches
type Runner struct {
	pinger    Pinger
	readiness Readiness
	accounts  AccountLister
	store     Store
	events    Publisher
	notifier  notify.Notifier
	logger    *zap.Logger
	now       func() time.Time

	concurrency  int
	persistTries uint
	persistDelay time.Duration
	prompt       string

	mu      sync.Mutex
	pending []domain.VerificationBatch
}

// Option configures a Runner
type Option func(*Runner)

// WithReadiness sets the runtime readiness check
func WithReadiness(r Readiness) Option { return func(rn *Runner) { rn.readiness = r } }

// WithPublisher sets where progress events go
func WithPublisher(p Publisher) Option { return func(rn *Runner) { rn.events = p } }

// WithNotifier sets where notices go
func WithNotifier(n notify.Notifier) Option { return func(rn *Runner) { rn.notifier = n } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(rn *Runner) { rn.logger = l } }

// WithClock overrides the time source
func WithClock(now func() time.Time) Option { return func(rn *Runner) { rn.now = now } }

// WithConcurrency caps in-flight pings; 0 means unbounded
func WithConcurrency(n int) Option { return func(rn *Runner) { rn.concurrency = n } }

// WithPersistRetry sets how often and how quickly batch writes are retried
func WithPersistRetry(tries uint, initial time.Duration) Option {
	return func(rn *Runner) {
		rn.persistTries = tries
		rn.persistDelay = initial
	}
}

// WithDefaultPrompt overrides the prompt used when a batch has none
func WithDefaultPrompt(p string) Option { return func(rn *Runner) { rn.prompt = p } }

// NewRunner creates a verification runner
func NewRunner(p Pinger, accounts AccountLister, store Store, opts ...Option) *Runner {
	r := &Runner{
		pinger:       p,
		accounts:     accounts,
		store:        store,
		notifier:     notify.NoopNotifier{},
		logger:       zap.NewNop(),
		now:          time.Now,
		persistTries: 3,
		persistDelay: 200 * time.Millisecond,
		prompt:       "hi",
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("verify")
	return r
}

// Run verifies every selected account against one model. It returns once
// every item settled and the batch was handed to the store. Pings keep
// running when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, req Request) (*domain.VerificationBatch, error) {
	ids := dedupe(req.AccountIDs)
	if len(ids) == 0 {
		return nil, ErrNoAccounts
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, ErrNoModel
	}

	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}

	known, err := r.accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	byID := make(map[string]domain.Account, len(known))
	for _, a := range known {
		byID[a.ID] = a
	}
	var selected []domain.Account
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			selected = append(selected, a)
		}
	}
	if len(selected) == 0 {
		return nil, ErrNoUsableAccounts
	}

	ctx = context.WithoutCancel(ctx)
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = r.prompt
	}
	started := r.now()
	batch := &domain.VerificationBatch{
		BatchID:    fmt.Sprintf("%s%d", BatchIDPrefix, started.UnixMilli()),
		VerifiedAt: started.UnixMilli(),
		Model:      model,
		Prompt:     prompt,
		Total:      len(selected),
	}
	r.logger.Info("verification batch started",
		zap.String("batch_id", batch.BatchID),
		zap.String("model", model),
		zap.Int("accounts", len(selected)))

	var (
		mu      sync.Mutex
		settled []domain.VerificationItem
	)
	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for _, account := range selected {
		g.Go(func() error {
			item := r.verifyOne(ctx, account, model, prompt, req.MaxOutputTokens)
			if err := r.store.UpsertStates(ctx, []domain.VerificationItem{item}); err != nil {
				r.logger.Warn("saving verification state failed", zap.String("account", account.Email), zap.Error(err))
			}

			mu.Lock()
			defer mu.Unlock()
			settled = append(settled, item)
			ev := r.progressEvent(batch.BatchID, batch.Total, settled)
			ev.Item = &item
			r.publish(ev)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(settled, func(i, j int) bool { return settled[i].Email < settled[j].Email })
	batch.Records = settled
	batch.Recount()
	r.publish(r.progressEvent(batch.BatchID, batch.Total, batch.Records))

	r.persist(ctx, *batch)
	r.announce(batch)
	return batch, nil
}

func (r *Runner) ensureReady(ctx context.Context) error {
	if r.readiness == nil {
		return nil
	}
	err := r.readiness.EnsureReady(ctx)
	if err == nil {
		return nil
	}
	rn := wakeuperr.AsRuntimeNotReady(err)
	n := notify.Notification{Title: "Verification not started", Message: rn.Error(), Tone: notify.ToneError}
	if rn.PathMissing {
		n.Tone = notify.ToneWarning
		n.Message = fmt.Sprintf("%s is not installed at the configured path", rn.App)
	}
	r.send(n)
	r.logger.Warn("runtime not ready", zap.Bool("path_missing", rn.PathMissing), zap.Error(err))
	return rn
}

func (r *Runner) verifyOne(ctx context.Context, account domain.Account, model, prompt string, maxTokens int) domain.VerificationItem {
	started := time.Now()
	resp, err := r.pinger.Ping(ctx, pinger.Request{
		AccountID:       account.ID,
		Model:           model,
		Prompt:          prompt,
		MaxOutputTokens: maxTokens,
	})
	item := domain.VerificationItem{
		AccountID:    account.ID,
		Email:        account.Email,
		LastVerifyAt: r.now().UnixMilli(),
		LastModel:    model,
		DurationMs:   time.Since(started).Milliseconds(),
	}
	if err != nil {
		out := wakeuperr.VerificationOutcome(err)
		item.Status = out.Status
		item.LastErrorCode = out.ErrorCode
		item.LastMessage = out.Message
		item.ValidationURL = out.ValidationURL
		item.TrajectoryID = out.TrajectoryID
		r.logger.Warn("verification failed",
			zap.String("account", account.Email),
			zap.String("model", model),
			zap.String("status", string(item.Status)),
			zap.Error(err))
		return item
	}
	item.Status = domain.StatusSuccess
	item.LastMessage = resp.Reply
	if resp.DurationMs != nil {
		item.DurationMs = *resp.DurationMs
	}
	r.logger.Info("verification succeeded",
		zap.String("account", account.Email),
		zap.String("model", model),
		zap.Int64("duration", item.DurationMs))
	return item
}

func (r *Runner) progressEvent(batchID string, total int, items []domain.VerificationItem) progress.Event {
	s, v, f := domain.CountStatuses(items)
	return progress.Event{
		BatchID:                   batchID,
		Total:                     total,
		Completed:                 len(items),
		SuccessCount:              s,
		VerificationRequiredCount: v,
		FailedCount:               f,
		Running:                   len(items) < total,
	}
}

func (r *Runner) publish(ev progress.Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

// persist saves the batch, keeping it in memory when the store stays down
func (r *Runner) persist(ctx context.Context, batch domain.VerificationBatch) {
	if err := r.save(ctx, batch); err != nil {
		r.logger.Error("saving verification batch failed, keeping it in memory",
			zap.String("batch_id", batch.BatchID), zap.Error(err))
		r.mu.Lock()
		r.pending = append(r.pending, batch)
		r.mu.Unlock()
		r.send(notify.Notification{
			Title:   "Verification history not saved",
			Message: fmt.Sprintf("batch %s is kept in memory until storage recovers", batch.BatchID),
			Tone:    notify.ToneWarning,
		})
	}
}

func (r *Runner) save(ctx context.Context, batch domain.VerificationBatch) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.persistDelay
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.store.SaveBatch(ctx, batch)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.persistTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Warn("retrying batch save", zap.Error(err), zap.Duration("backoff", d))
		}))
	return err
}

// Flush retries saving batches that could not be persisted
func (r *Runner) Flush(ctx context.Context) error {
	r.mu.Lock()
	batches := r.pending
	r.pending = nil
	r.mu.Unlock()

	var failed []domain.VerificationBatch
	var firstErr error
	for _, b := range batches {
		if err := r.save(ctx, b); err != nil {
			failed = append(failed, b)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
	}
	return firstErr
}

func (r *Runner) announce(batch *domain.VerificationBatch) {
	n := notify.Notification{
		Title: "Verification finished",
		Message: fmt.Sprintf("%d ok, %d need verification, %d failed",
			batch.SuccessCount, batch.VerificationRequiredCount, batch.FailedCount),
		Tone:    notify.ToneSuccess,
		Subject: batch.BatchID,
	}
	switch {
	case batch.SuccessCount == 0:
		n.Tone = notify.ToneError
	case batch.VerificationRequiredCount > 0 || batch.FailedCount > 0:
		n.Tone = notify.ToneWarning
	}
	for _, item := range batch.Records {
		if item.ValidationURL != "" {
			n.Link = item.ValidationURL
			break
		}
	}
	r.send(n)
}

func (r *Runner) send(n notify.Notification) {
	if err := r.notifier.Send(n); err != nil {
		r.logger.Debug("sending notice failed", zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
