package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/progress"
	"github.com/hochfrequenz/wakeup-engine/internal/verify"
)

// Tabs of the dashboard
const (
	TabLive = iota
	TabAccounts
	tabCount
)

var filterCycle = []verify.Filter{
	verify.FilterAll,
	verify.FilterSuccess,
	verify.FilterVerificationRequired,
	verify.FilterFailed,
}

// Model is the verification dashboard
type Model struct {
	// Data
	events   <-chan progress.Event
	running  bool
	live     *progress.LiveView
	accounts []domain.VerificationItem
	result   *domain.VerificationBatch
	err      error
	started  time.Time
	finished time.Time

	// UI state
	width       int
	height      int
	activeTab   int
	filter      int
	selectedRow int
	scroll      int
	now         func() time.Time
}

// ModelConfig holds initial data for the dashboard
type ModelConfig struct {
	// Events is a progress subscription. The dashboard follows the first
	// batch it sees on it.
	Events <-chan progress.Event
	// Running marks a batch in flight. Its result arrives as a
	// BatchDoneMsg. Without it only the accounts tab is shown.
	Running bool
	// Accounts is the last known state of every account
	Accounts []domain.VerificationItem
}

// NewModel creates a new dashboard model
func NewModel(cfg ModelConfig) Model {
	m := Model{
		events:   cfg.Events,
		running:  cfg.Running,
		accounts: cfg.Accounts,
		now:      time.Now,
	}
	if !cfg.Running {
		m.activeTab = TabAccounts
	}
	return m
}

// Init starts the clock and the event pump
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tickCmd()}
	if m.events != nil {
		cmds = append(cmds, waitForEvent(m.events))
	}
	return tea.Batch(cmds...)
}

// Result returns the finished batch, if any
func (m Model) Result() (*domain.VerificationBatch, error) {
	return m.result, m.err
}

// TickMsg refreshes the elapsed time
type TickMsg time.Time

// EventMsg carries one progress event
type EventMsg progress.Event

// BatchDoneMsg carries the outcome of the running batch
type BatchDoneMsg struct {
	Batch *domain.VerificationBatch
	Err   error
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForEvent(ch <-chan progress.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return EventMsg(ev)
	}
}
