package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))
)

// View renders the dashboard
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Wakeup Verification"))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n\n")

	if m.activeTab == TabLive {
		b.WriteString(m.renderSummary())
		b.WriteString("\n")
	}
	b.WriteString(sectionStyle.Render(m.renderRows()))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(failedStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Live", "Accounts"}
	out := make([]string, 0, len(tabs))
	for i, name := range tabs {
		if i == TabLive && !m.running {
			continue
		}
		if i == m.activeTab {
			out = append(out, tabActiveStyle.Render(name))
		} else {
			out = append(out, tabInactiveStyle.Render(name))
		}
	}
	return strings.Join(out, "  ")
}

func (m Model) renderSummary() string {
	if m.live == nil {
		if m.result != nil || m.err != nil {
			return dimmedStyle.Render("No progress received")
		}
		return dimmedStyle.Render("Preparing runtime...")
	}
	ev, _ := m.live.Snapshot()
	bar := progressBar(ev.Completed, ev.Total, 30)
	state := "running"
	if !ev.Running {
		state = "done"
	}
	return fmt.Sprintf("%s %d/%d %s  %s  %s  %s  %s",
		bar, ev.Completed, ev.Total, state,
		successStyle.Render(fmt.Sprintf("ok %d", ev.SuccessCount)),
		warningStyle.Render(fmt.Sprintf("verify %d", ev.VerificationRequiredCount)),
		failedStyle.Render(fmt.Sprintf("failed %d", ev.FailedCount)),
		dimmedStyle.Render(m.elapsed().Truncate(time.Second).String()))
}

func (m Model) elapsed() time.Duration {
	if m.started.IsZero() {
		return 0
	}
	if !m.finished.IsZero() {
		return m.finished.Sub(m.started)
	}
	return m.now().Sub(m.started)
}

func progressBar(done, total, width int) string {
	if total <= 0 {
		return "[" + strings.Repeat(" ", width) + "]"
	}
	filled := min(done*width/total, width)
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

func (m Model) renderRows() string {
	rows := m.rows()
	if len(rows) == 0 {
		return dimmedStyle.Render("No accounts")
	}
	var b strings.Builder
	end := min(m.scroll+maxVisibleRows, len(rows))
	for i := m.scroll; i < end; i++ {
		line := formatItem(rows[i])
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		if i < end-1 {
			b.WriteString("\n")
		}
	}
	if end < len(rows) {
		b.WriteString("\n")
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("... %d more", len(rows)-end)))
	}
	return b.String()
}

func formatItem(item domain.VerificationItem) string {
	detail := item.LastMessage
	if item.ValidationURL != "" {
		detail = item.ValidationURL
	}
	detail, _, _ = strings.Cut(detail, "\n")
	if len(detail) > 60 {
		detail = detail[:57] + "..."
	}
	return fmt.Sprintf("%-32s %s %s", item.Email, statusLabel(item.Status), dimmedStyle.Render(detail))
}

func statusLabel(s domain.VerificationStatus) string {
	label := fmt.Sprintf("%-22s", s)
	switch s {
	case domain.StatusSuccess:
		return successStyle.Render(label)
	case domain.StatusVerificationRequired:
		return warningStyle.Render(label)
	case domain.StatusFailed, domain.StatusAuthExpired:
		return failedStyle.Render(label)
	default:
		return dimmedStyle.Render(label)
	}
}

func (m Model) renderStatusBar() string {
	help := fmt.Sprintf(" filter: %s | f filter | j/k move | q quit", filterCycle[m.filter])
	if m.running {
		help += " | tab switch"
	}
	return statusBarStyle.Render(help)
}
