// Package notify delivers user-facing notices about wakeup runs.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Tone is the severity of a notice
type Tone int

const (
	ToneInfo Tone = iota
	ToneSuccess
	ToneWarning
	ToneError
)

func (t Tone) String() string {
	switch t {
	case ToneSuccess:
		return "success"
	case ToneWarning:
		return "warning"
	case ToneError:
		return "error"
	default:
		return "info"
	}
}

// Notification is a notice to be shown to the user
type Notification struct {
	Title   string
	Message string
	Tone    Tone
	Subject string // Optional task name or account email
	Link    string // Optional validation URL
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// LogNotifier writes notices to a zap logger
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier backed by logger
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notice")}
}

func (l *LogNotifier) Send(n Notification) error {
	fields := []zap.Field{zap.String("tone", n.Tone.String()), zap.String("message", n.Message)}
	if n.Subject != "" {
		fields = append(fields, zap.String("subject", n.Subject))
	}
	if n.Link != "" {
		fields = append(fields, zap.String("link", n.Link))
	}
	switch n.Tone {
	case ToneError:
		l.logger.Error(n.Title, fields...)
	case ToneWarning:
		l.logger.Warn(n.Title, fields...)
	default:
		l.logger.Info(n.Title, fields...)
	}
	return nil
}

// Recorder keeps every notice it receives
type Recorder struct {
	mu      sync.Mutex
	notices []Notification
}

func (r *Recorder) Send(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

// Notices returns a copy of the recorded notices
func (r *Recorder) Notices() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notices...)
}
