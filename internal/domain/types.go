package domain

import "strings"

// TriggerKind identifies which trigger variant drives a schedule
type TriggerKind string

const (
	TriggerScheduled  TriggerKind = "scheduled"
	TriggerCrontab    TriggerKind = "crontab"
	TriggerQuotaReset TriggerKind = "quota_reset"
)

// Valid reports whether k is one of the known trigger kinds
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerScheduled, TriggerCrontab, TriggerQuotaReset:
		return true
	}
	return false
}

// RepeatMode selects the recurrence of a scheduled trigger
type RepeatMode string

const (
	RepeatDaily    RepeatMode = "daily"
	RepeatWeekly   RepeatMode = "weekly"
	RepeatInterval RepeatMode = "interval"
)

// TriggerType tells whether a ping was started by a person or by the scheduler
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerAuto   TriggerType = "auto"
)

// TriggerSource names the concrete origin of a ping
type TriggerSource string

const (
	SourceScheduled  TriggerSource = "scheduled"
	SourceCrontab    TriggerSource = "crontab"
	SourceQuotaReset TriggerSource = "quota_reset"
	SourceManual     TriggerSource = "manual"
)

// SourceFor maps a trigger kind to the source recorded in history
func SourceFor(kind TriggerKind) TriggerSource {
	switch kind {
	case TriggerCrontab:
		return SourceCrontab
	case TriggerQuotaReset:
		return SourceQuotaReset
	default:
		return SourceScheduled
	}
}

// VerificationStatus is the per-account outcome of a verification ping
type VerificationStatus string

const (
	StatusIdle                 VerificationStatus = "idle"
	StatusRunning              VerificationStatus = "running"
	StatusSuccess              VerificationStatus = "success"
	StatusVerificationRequired VerificationStatus = "verification_required"
	StatusAuthExpired          VerificationStatus = "auth_expired"
	StatusFailed               VerificationStatus = "failed"
)

// Settled reports whether the status is a final verdict
func (s VerificationStatus) Settled() bool {
	switch s {
	case StatusSuccess, StatusVerificationRequired, StatusAuthExpired, StatusFailed:
		return true
	}
	return false
}

// NormalizeStatus maps an arbitrary status string into the closed set,
// ignoring case and surrounding space. Empty input means the account was
// never verified; anything unknown is a failure.
func NormalizeStatus(raw string) VerificationStatus {
	switch s := VerificationStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return StatusIdle
	case StatusIdle, StatusRunning, StatusSuccess, StatusVerificationRequired, StatusAuthExpired, StatusFailed:
		return s
	default:
		return StatusFailed
	}
}
