package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/progress"
)

const maxVisibleRows = 15

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "tab":
			if m.running {
				m.activeTab = (m.activeTab + 1) % tabCount
				m.selectedRow = 0
				m.scroll = 0
			}
		case "f":
			m.filter = (m.filter + 1) % len(filterCycle)
			m.selectedRow = 0
			m.scroll = 0
		case "j", "down":
			if m.selectedRow < len(m.rows())-1 {
				m.selectedRow++
			}
			if m.selectedRow >= m.scroll+maxVisibleRows {
				m.scroll = m.selectedRow - maxVisibleRows + 1
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
			if m.selectedRow < m.scroll {
				m.scroll = m.selectedRow
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		if m.finished.IsZero() {
			return m, tickCmd()
		}

	case EventMsg:
		ev := progress.Event(msg)
		if m.live == nil {
			m.live = progress.NewLiveView(ev.BatchID)
			m.started = m.now()
		}
		m.live.Apply(ev)
		if m.live.Done() {
			m.markFinished()
		}
		return m, waitForEvent(m.events)

	case BatchDoneMsg:
		m.result = msg.Batch
		m.err = msg.Err
		m.markFinished()
		if msg.Batch != nil {
			m.accounts = mergeAccounts(m.accounts, msg.Batch.Records)
		}
	}

	return m, nil
}

func (m *Model) markFinished() {
	if m.finished.IsZero() {
		m.finished = m.now()
	}
}

// rows returns the items of the active tab after filtering
func (m Model) rows() []domain.VerificationItem {
	var items []domain.VerificationItem
	switch {
	case m.activeTab == TabAccounts:
		items = m.accounts
	case m.live != nil:
		_, items = m.live.Snapshot()
	case m.result != nil:
		items = m.result.Records
	}
	return filterCycle[m.filter].Apply(items)
}

// mergeAccounts overlays fresh results onto the known account states
func mergeAccounts(known, fresh []domain.VerificationItem) []domain.VerificationItem {
	byID := make(map[string]int, len(known))
	out := append([]domain.VerificationItem(nil), known...)
	for i, item := range out {
		byID[item.AccountID] = i
	}
	for _, item := range fresh {
		if i, ok := byID[item.AccountID]; ok {
			out[i] = item
			continue
		}
		out = append(out, item)
	}
	return out
}
