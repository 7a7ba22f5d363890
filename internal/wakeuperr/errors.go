package wakeuperr

import (
	"errors"
	"strings"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// PathNotFoundPrefix marks a readiness failure caused by a missing runtime
const PathNotFoundPrefix = "APP_PATH_NOT_FOUND:"

// PingError is a ping failure as reported by the gateway.
// Error returns the raw string so callers that only log it lose nothing.
type PingError struct {
	Classification
}

// NewPingError wraps a raw gateway error string
func NewPingError(raw string) *PingError {
	return &PingError{Classification: Classify(raw)}
}

func (e *PingError) Error() string { return e.Raw }

// FromError classifies any error, unwrapping a PingError when present
func FromError(err error) Classification {
	if err == nil {
		return Classification{}
	}
	var pe *PingError
	if errors.As(err, &pe) {
		return pe.Classification
	}
	return Classify(err.Error())
}

// RuntimeNotReadyError reports that the local runtime cannot serve pings
type RuntimeNotReadyError struct {
	App         string
	PathMissing bool
	Message     string
}

func (e *RuntimeNotReadyError) Error() string {
	if e.PathMissing {
		return "runtime path not found for " + e.App
	}
	if e.Message != "" {
		return "runtime not ready: " + e.Message
	}
	return "runtime not ready"
}

// ParseRuntimeError converts a raw readiness failure into a RuntimeNotReadyError
func ParseRuntimeError(raw string) *RuntimeNotReadyError {
	if app, ok := strings.CutPrefix(raw, PathNotFoundPrefix); ok {
		return &RuntimeNotReadyError{App: strings.TrimSpace(app), PathMissing: true}
	}
	return &RuntimeNotReadyError{Message: raw}
}

// AsRuntimeNotReady returns err as a RuntimeNotReadyError, parsing its text
// when the readiness check returned some other error type
func AsRuntimeNotReady(err error) *RuntimeNotReadyError {
	if err == nil {
		return nil
	}
	var rn *RuntimeNotReadyError
	if errors.As(err, &rn) {
		return rn
	}
	return ParseRuntimeError(err.Error())
}

// IsPathMissing reports whether err is a readiness failure caused by a
// missing runtime path
func IsPathMissing(err error) bool {
	var rn *RuntimeNotReadyError
	if errors.As(err, &rn) {
		return rn.PathMissing
	}
	return err != nil && strings.HasPrefix(err.Error(), PathNotFoundPrefix)
}

// Outcome is the verification verdict derived from a ping failure
type Outcome struct {
	Status        domain.VerificationStatus
	ErrorCode     *int64
	ValidationURL string
	TrajectoryID  string
	Message       string
}

func code(n int64) *int64 { return &n }

// VerificationOutcome classifies a failed verification ping.
// Structured 403s require verification, other structured errors fail, and
// plain text is matched for authorization and 403 markers.
func VerificationOutcome(err error) Outcome {
	c := FromError(err)
	if c.Structured {
		out := Outcome{
			Status:        domain.StatusFailed,
			ErrorCode:     c.Payload.ErrorCode,
			ValidationURL: c.Payload.ValidationURL,
			TrajectoryID:  c.Payload.TrajectoryID,
			Message:       c.Text(),
		}
		if c.Payload.Kind == KindVerificationRequired || (c.Payload.ErrorCode != nil && *c.Payload.ErrorCode == 403) {
			out.Status = domain.StatusVerificationRequired
		}
		return out
	}
	lower := strings.ToLower(c.Raw)
	switch {
	case strings.Contains(lower, "authorization expired"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "unauthenticated"):
		return Outcome{Status: domain.StatusAuthExpired, ErrorCode: code(401), Message: c.Raw}
	case strings.Contains(lower, "403"):
		return Outcome{Status: domain.StatusVerificationRequired, ErrorCode: code(403), Message: c.Raw}
	default:
		return Outcome{Status: domain.StatusFailed, Message: c.Raw}
	}
}
