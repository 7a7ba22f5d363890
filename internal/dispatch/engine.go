// Package dispatch fans wakeup pings out over accounts and models and
// records every outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/notify"
	"github.com/hochfrequenz/wakeup-engine/internal/pinger"
	"github.com/hochfrequenz/wakeup-engine/internal/wakeuperr"
)

// ErrNoTargets is returned when no known account or no model is selected
var ErrNoTargets = errors.New("no accounts or models to ping")

// DefaultPrompt is sent when a run has no prompt of its own
const DefaultPrompt = "hi"

// maxPending bounds the records held in memory while persistence fails
const maxPending = 1000

// Pinger sends a single ping
type Pinger interface {
	Ping(ctx context.Context, req pinger.Request) (*pinger.Response, error)
}

// AccountLister resolves account ids to accounts
type AccountLister interface {
	Accounts(ctx context.Context) ([]domain.Account, error)
}

// HistoryWriter persists a batch of records in one call
type HistoryWriter interface {
	AppendRecords(ctx context.Context, records []domain.HistoryRecord) error
}

// Readiness prepares the runtime before any ping is sent
type Readiness interface {
	EnsureReady(ctx context.Context) error
}

// TokenFallback supplies the output token limit when a run sets none
type TokenFallback interface {
	FallbackMaxOutputTokens(ctx context.Context) int
}

// Request describes one dispatch
type Request struct {
	AccountIDs      []string
	Models          []string
	Prompt          string
	MaxOutputTokens int
	TriggerType     domain.TriggerType
	TriggerSource   domain.TriggerSource
	TaskName        string
}

// Result is the outcome of a dispatch
type Result struct {
	Records   []domain.HistoryRecord `json:"records"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
	Persisted bool                   `json:"persisted"`
}

// Engine runs dispatches
type Engine struct {
	pinger   Pinger
	accounts AccountLister
	history  HistoryWriter
	tokens   TokenFallback
	ready    Readiness
	ids      domain.IDGenerator
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time

	concurrency  int
	persistTries uint
	persistDelay time.Duration
	prompt       string

	mu      sync.Mutex
	pending []domain.HistoryRecord
}

// Option configures an Engine
type Option func(*Engine)

// WithTokenFallback sets the source of the default output token limit
func WithTokenFallback(t TokenFallback) Option { return func(e *Engine) { e.tokens = t } }

// WithReadiness gates every run on a runtime readiness check
func WithReadiness(r Readiness) Option { return func(e *Engine) { e.ready = r } }

// WithIDGenerator overrides the record id generator
func WithIDGenerator(g domain.IDGenerator) Option { return func(e *Engine) { e.ids = g } }

// WithNotifier sets where run summaries go
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the time source
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithConcurrency caps in-flight pings; 0 means unbounded
func WithConcurrency(n int) Option { return func(e *Engine) { e.concurrency = n } }

// WithPersistRetry sets how often and how quickly history writes are retried
func WithPersistRetry(tries uint, initial time.Duration) Option {
	return func(e *Engine) {
		e.persistTries = tries
		e.persistDelay = initial
	}
}

// WithDefaultPrompt overrides the prompt used when a run has none
func WithDefaultPrompt(p string) Option { return func(e *Engine) { e.prompt = p } }

// NewEngine creates a dispatch engine
func NewEngine(p Pinger, accounts AccountLister, history HistoryWriter, opts ...Option) *Engine {
	e := &Engine{
		pinger:       p,
		accounts:     accounts,
		history:      history,
		notifier:     notify.NoopNotifier{},
		logger:       zap.NewNop(),
		now:          time.Now,
		persistTries: 3,
		persistDelay: 200 * time.Millisecond,
		prompt:       DefaultPrompt,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ids == nil {
		e.ids = &domain.UUIDGenerator{Now: e.now}
	}
	e.logger = e.logger.Named("dispatch")
	return e
}

type target struct {
	account domain.Account
	model   string
}

// Run pings every (account, model) pair concurrently and persists all
// records together. Individual ping failures never fail the run. A runtime
// that is not ready fails the run with a *wakeuperr.RuntimeNotReadyError
// before any ping is sent. In-flight pings are not cancelled when ctx is.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	targets, err := e.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.ensureReady(ctx, req); err != nil {
		return nil, err
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = e.prompt
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 && e.tokens != nil {
		maxTokens = e.tokens.FallbackMaxOutputTokens(ctx)
	}
	if maxTokens < 0 {
		maxTokens = 0
	}

	type outcome struct {
		success  bool
		message  string
		duration int64
	}
	outcomes := make([]outcome, len(targets))

	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, tg := range targets {
		g.Go(func() error {
			started := time.Now()
			resp, err := e.pinger.Ping(ctx, pinger.Request{
				AccountID:       tg.account.ID,
				Model:           tg.model,
				Prompt:          prompt,
				MaxOutputTokens: maxTokens,
			})
			duration := time.Since(started).Milliseconds()
			if err != nil {
				e.logger.Warn("ping failed",
					zap.String("account", tg.account.Email),
					zap.String("model", tg.model),
					zap.Int64("duration", duration),
					zap.Error(err))
				outcomes[i] = outcome{message: err.Error(), duration: duration}
				return nil
			}
			if resp.DurationMs != nil {
				duration = *resp.DurationMs
			}
			e.logger.Info("ping succeeded",
				zap.String("account", tg.account.Email),
				zap.String("model", tg.model),
				zap.Int64("duration", duration))
			outcomes[i] = outcome{success: true, message: FormatSuccess(tg.model, resp, duration), duration: duration}
			return nil
		})
	}
	_ = g.Wait()

	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = domain.TriggerManual
	}
	source := req.TriggerSource
	if source == "" {
		source = domain.SourceManual
	}
	timestamp := e.now().UnixMilli()

	result := &Result{Records: make([]domain.HistoryRecord, len(targets))}
	for i, tg := range targets {
		o := outcomes[i]
		result.Records[i] = domain.HistoryRecord{
			ID:            e.ids.NewID(),
			Timestamp:     timestamp,
			TriggerType:   triggerType,
			TriggerSource: source,
			TaskName:      req.TaskName,
			AccountEmail:  tg.account.Email,
			ModelID:       tg.model,
			Prompt:        prompt,
			Success:       o.success,
			Message:       o.message,
			Duration:      o.duration,
		}
		if o.success {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	result.Persisted = e.persist(ctx, result.Records)
	e.announce(req, result)
	return result, nil
}

func (e *Engine) ensureReady(ctx context.Context, req Request) error {
	if e.ready == nil {
		return nil
	}
	err := e.ready.EnsureReady(ctx)
	if err == nil {
		return nil
	}
	rn := wakeuperr.AsRuntimeNotReady(err)
	n := notify.Notification{Subject: req.TaskName, Title: "Wakeup not started", Message: rn.Error(), Tone: notify.ToneError}
	if rn.PathMissing {
		n.Tone = notify.ToneWarning
		n.Message = fmt.Sprintf("%s is not installed at the configured path", rn.App)
	}
	if err := e.notifier.Send(n); err != nil {
		e.logger.Debug("sending notice failed", zap.Error(err))
	}
	e.logger.Warn("runtime not ready", zap.Bool("path_missing", rn.PathMissing), zap.Error(err))
	return rn
}

func (e *Engine) resolveTargets(ctx context.Context, req Request) ([]target, error) {
	var models []string
	for _, m := range req.Models {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	if len(req.AccountIDs) == 0 || len(models) == 0 {
		return nil, ErrNoTargets
	}

	known, err := e.accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	byID := make(map[string]domain.Account, len(known))
	for _, a := range known {
		byID[a.ID] = a
	}
	seen := make(map[string]bool, len(req.AccountIDs))
	var accounts []domain.Account
	for _, id := range req.AccountIDs {
		id = strings.TrimSpace(id)
		a, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		accounts = append(accounts, a)
	}
	if len(accounts) == 0 {
		return nil, ErrNoTargets
	}

	targets := make([]target, 0, len(accounts)*len(models))
	for _, a := range accounts {
		for _, m := range models {
			targets = append(targets, target{account: a, model: m})
		}
	}
	return targets, nil
}

// persist writes held-back records first, then records. On failure every
// record stays in memory for a later Flush.
func (e *Engine) persist(ctx context.Context, records []domain.HistoryRecord) bool {
	e.mu.Lock()
	batch := append(e.pending, records...)
	e.pending = nil
	e.mu.Unlock()

	if err := e.write(ctx, batch); err != nil {
		e.logger.Error("persisting history failed, keeping records in memory",
			zap.Int("records", len(batch)), zap.Error(err))
		e.hold(batch)
		return false
	}
	return true
}

func (e *Engine) write(ctx context.Context, records []domain.HistoryRecord) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.persistDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.history.AppendRecords(ctx, records)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(e.persistTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			e.logger.Warn("retrying history write", zap.Error(err), zap.Duration("backoff", d))
		}))
	return err
}

func (e *Engine) hold(records []domain.HistoryRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(records, e.pending...)
	if len(e.pending) > maxPending {
		e.pending = e.pending[len(e.pending)-maxPending:]
	}
}

// Pending returns the records that could not be persisted yet
func (e *Engine) Pending() []domain.HistoryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.HistoryRecord(nil), e.pending...)
}

// Flush retries persisting held-back records
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := e.write(ctx, batch); err != nil {
		e.hold(batch)
		return err
	}
	return nil
}

func (e *Engine) announce(req Request, result *Result) {
	n := notify.Notification{Subject: req.TaskName}
	switch {
	case result.Failed == 0:
		n.Tone = notify.ToneSuccess
		n.Title = "Wakeup completed"
		n.Message = fmt.Sprintf("%d pings succeeded", result.Succeeded)
	case result.Succeeded == 0:
		n.Tone = notify.ToneError
		n.Title = "Wakeup failed"
		n.Message = fmt.Sprintf("all %d pings failed", result.Failed)
	default:
		n.Tone = notify.ToneWarning
		n.Title = "Wakeup partially failed"
		n.Message = fmt.Sprintf("%d succeeded, %d failed", result.Succeeded, result.Failed)
	}
	if !result.Persisted {
		n.Message += "; history is kept in memory until storage recovers"
	}
	if err := e.notifier.Send(n); err != nil {
		e.logger.Debug("sending notice failed", zap.Error(err))
	}
}
