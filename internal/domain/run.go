package domain

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HistoryRecord is the outcome of one (account, model) ping
type HistoryRecord struct {
	ID            string        `json:"id"`
	Timestamp     int64         `json:"timestamp"`
	TriggerType   TriggerType   `json:"triggerType"`
	TriggerSource TriggerSource `json:"triggerSource"`
	TaskName      string        `json:"taskName,omitempty"`
	AccountEmail  string        `json:"accountEmail"`
	ModelID       string        `json:"modelId"`
	Prompt        string        `json:"prompt,omitempty"`
	Success       bool          `json:"success"`
	Message       string        `json:"message,omitempty"`
	Duration      int64         `json:"duration,omitempty"`
}

// VerificationItem is one account's verification outcome
type VerificationItem struct {
	AccountID     string             `json:"accountId"`
	Email         string             `json:"email"`
	Status        VerificationStatus `json:"status"`
	LastVerifyAt  int64              `json:"lastVerifyAt,omitempty"`
	LastModel     string             `json:"lastModel,omitempty"`
	LastMessage   string             `json:"lastMessage,omitempty"`
	LastErrorCode *int64             `json:"lastErrorCode,omitempty"`
	ValidationURL string             `json:"validationUrl,omitempty"`
	TrajectoryID  string             `json:"trajectoryId,omitempty"`
	DurationMs    int64              `json:"durationMs,omitempty"`
}

// VerificationBatch groups the results of one verification run
type VerificationBatch struct {
	BatchID                   string             `json:"batchId"`
	VerifiedAt                int64              `json:"verifiedAt"`
	Model                     string             `json:"model"`
	Prompt                    string             `json:"prompt,omitempty"`
	Total                     int                `json:"total"`
	Completed                 int                `json:"completed"`
	SuccessCount              int                `json:"successCount"`
	VerificationRequiredCount int                `json:"verificationRequiredCount"`
	FailedCount               int                `json:"failedCount"`
	Records                   []VerificationItem `json:"records"`
}

// Recount recomputes the aggregate counters from the records
func (b *VerificationBatch) Recount() {
	b.Total = len(b.Records)
	b.Completed = 0
	for _, r := range b.Records {
		if r.Status.Settled() {
			b.Completed++
		}
	}
	b.SuccessCount, b.VerificationRequiredCount, b.FailedCount = CountStatuses(b.Records)
}

// CountStatuses buckets settled items into success, verification-required
// and failed. Auth-expired accounts count as failed; idle and running
// items are not counted.
func CountStatuses(items []VerificationItem) (success, verificationRequired, failed int) {
	for _, item := range items {
		switch item.Status {
		case StatusSuccess:
			success++
		case StatusVerificationRequired:
			verificationRequired++
		case StatusAuthExpired, StatusFailed:
			failed++
		}
	}
	return success, verificationRequired, failed
}

// Account is an entry of the account registry
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Model is an entry of the model registry
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// IDGenerator produces unique identifiers for tasks and history records
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates random UUIDs. When the random source fails it
// falls back to "<unixms>-<counter>".
type UUIDGenerator struct {
	Now     func() time.Time
	counter atomic.Uint64
}

func (g *UUIDGenerator) NewID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return strconv.FormatInt(now().UnixMilli(), 10) + "-" + strconv.FormatUint(g.counter.Add(1)-1, 10)
}

// Millis converts t to unix milliseconds; the zero time maps to 0
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a local time; 0 maps to the zero time
func FromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
