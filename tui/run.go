package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// Program is the part of *tea.Program that RunBatch drives
type Program interface {
	Run() (tea.Model, error)
	Send(msg tea.Msg)
}

// RunBatch starts run before showing the dashboard, so quitting early never
// keeps the batch from starting. It waits for the batch even after the
// dashboard exits. A dashboard failure is returned after the batch settles.
func RunBatch(p Program, run func() (*domain.VerificationBatch, error)) (*domain.VerificationBatch, error) {
	type outcome struct {
		batch *domain.VerificationBatch
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		batch, err := run()
		done <- outcome{batch, err}
		p.Send(BatchDoneMsg{Batch: batch, Err: err})
	}()

	_, uiErr := p.Run()
	res := <-done
	if res.err != nil {
		return nil, res.err
	}
	return res.batch, uiErr
}
