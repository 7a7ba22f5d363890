package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/dispatch"
	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/schedule"
	"github.com/hochfrequenz/wakeup-engine/internal/taskstore"
	"github.com/hochfrequenz/wakeup-engine/internal/verify"
	"github.com/hochfrequenz/wakeup-engine/internal/wakeuperr"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 50
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Code  string `json:"code,omitempty"`
	App   string `json:"app,omitempty"`
}

// EnabledRequest toggles a task or the global wakeup flag
type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// PreviewResponse lists upcoming run instants
type PreviewResponse struct {
	TaskID string      `json:"taskId"`
	Runs   []time.Time `json:"runs"`
}

// TestWakeupRequest starts a manual dispatch
type TestWakeupRequest struct {
	AccountIDs      []string `json:"accountIds"`
	Models          []string `json:"models"`
	Prompt          string   `json:"prompt"`
	MaxOutputTokens int      `json:"maxOutputTokens"`
}

// QuotaResetRequest reports that an account's quota was reset
type QuotaResetRequest struct {
	AccountID string `json:"accountId"`
}

// QuotaResetResponse tells how many tasks were fired
type QuotaResetResponse struct {
	Fired int `json:"fired"`
}

// DeleteBatchesRequest names batches to delete
type DeleteBatchesRequest struct {
	BatchIDs []string `json:"batchIds"`
}

// DeleteBatchesResponse reports how many batches existed
type DeleteBatchesResponse struct {
	Deleted int `json:"deleted"`
}

// BatchDetailResponse is one batch with its records filtered
type BatchDetailResponse struct {
	domain.VerificationBatch
	Filter verify.Filter `json:"filter"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.deps.Tasks.Tasks(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if tasks == nil {
			tasks = []domain.WakeupTask{}
		}
		writeJSON(w, tasks)
	}
}

func (s *Server) saveTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var form taskstore.TaskForm
		if err := decodeBody(r, &form); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		task, err := s.deps.Tasks.SaveTask(r.Context(), form)
		var verr *taskstore.ValidationError
		switch {
		case errors.As(err, &verr):
			writeErrorBody(w, http.StatusUnprocessableEntity, ErrorResponse{Error: verr.Message, Field: verr.Field})
			return
		case errors.Is(err, taskstore.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
			return
		case err != nil && task == nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		case err != nil:
			// Saved, but the scheduler did not take the new state.
			s.logger.Warn("scheduler sync failed after save", zap.Error(err))
		}
		writeJSON(w, task)
	}
}

func (s *Server) deleteTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Tasks.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) toggleTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnabledRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		id := r.PathValue("id")
		err := s.deps.Tasks.SetTaskEnabled(r.Context(), id, req.Enabled)
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		task, err := s.deps.Tasks.Task(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, task)
	}
}

func (s *Server) previewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := defaultPreviewCount
		if raw := r.URL.Query().Get("count"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "count must be a positive integer")
				return
			}
			count = min(n, maxPreviewCount)
		}

		task, err := s.deps.Tasks.Task(r.Context(), r.PathValue("id"))
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		runs := schedule.Preview(task.Schedule.Trigger, s.now(), count)
		if runs == nil {
			runs = []time.Time{}
		}
		writeJSON(w, PreviewResponse{TaskID: task.ID, Runs: runs})
	}
}

func (s *Server) getEnabledHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabled, err := s.deps.Tasks.WakeupEnabled(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, EnabledRequest{Enabled: enabled})
	}
}

func (s *Server) setEnabledHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnabledRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := s.deps.Tasks.SetWakeupEnabled(r.Context(), req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, req)
	}
}

func (s *Server) testWakeupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TestWakeupRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		result, err := s.deps.Dispatch.Run(r.Context(), dispatch.Request{
			AccountIDs:      req.AccountIDs,
			Models:          req.Models,
			Prompt:          req.Prompt,
			MaxOutputTokens: req.MaxOutputTokens,
			TriggerType:     domain.TriggerManual,
			TriggerSource:   domain.SourceManual,
		})
		switch {
		case err == nil:
			writeJSON(w, result)
		case errors.Is(err, dispatch.ErrNoTargets):
			writeError(w, http.StatusBadRequest, err.Error())
		case writeNotReady(w, err):
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

// writeNotReady answers a runtime readiness failure: 412 with the app name
// when its path is missing, 503 otherwise. It reports false for other errors.
func writeNotReady(w http.ResponseWriter, err error) bool {
	var notReady *wakeuperr.RuntimeNotReadyError
	if !errors.As(err, &notReady) {
		return false
	}
	if notReady.PathMissing {
		writeErrorBody(w, http.StatusPreconditionFailed, ErrorResponse{
			Error: err.Error(),
			Code:  strings.TrimSuffix(wakeuperr.PathNotFoundPrefix, ":"),
			App:   notReady.App,
		})
		return true
	}
	writeError(w, http.StatusServiceUnavailable, err.Error())
	return true
}

func (s *Server) quotaResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Quota == nil {
			writeError(w, http.StatusServiceUnavailable, "scheduler not available")
			return
		}
		var req QuotaResetRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		accountID := strings.TrimSpace(req.AccountID)
		if accountID == "" {
			writeErrorBody(w, http.StatusBadRequest, ErrorResponse{Error: "account id required", Field: "accountId"})
			return
		}
		writeJSON(w, QuotaResetResponse{Fired: s.deps.Quota.NotifyQuotaReset(r.Context(), accountID)})
	}
}

func (s *Server) listHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := s.deps.History.LoadRecords(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(records) {
				records = records[:n]
			}
		}
		if records == nil {
			records = []domain.HistoryRecord{}
		}
		writeJSON(w, records)
	}
}

func (s *Server) clearHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.History.ClearRecords(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) listBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batches, err := s.deps.Verify.History(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if batches == nil {
			batches = []domain.VerificationBatch{}
		}
		writeJSON(w, batches)
	}
}

func (s *Server) getBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := verify.Filter(r.URL.Query().Get("filter"))
		if filter == "" {
			filter = verify.FilterAll
		}
		batches, err := s.deps.Verify.History(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		id := r.PathValue("id")
		for _, b := range batches {
			if b.BatchID != id {
				continue
			}
			b.Records = filter.Apply(b.Records)
			writeJSON(w, BatchDetailResponse{VerificationBatch: b, Filter: filter})
			return
		}
		writeError(w, http.StatusNotFound, "batch not found")
	}
}

func (s *Server) deleteBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DeleteBatchesRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		n, err := s.deps.Verify.DeleteHistory(r.Context(), req.BatchIDs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, DeleteBatchesResponse{Deleted: n})
	}
}

func (s *Server) runVerificationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verify.Request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		batch, err := s.deps.Verify.Run(r.Context(), req)
		switch {
		case err == nil:
			writeJSON(w, batch)
		case errors.Is(err, verify.ErrNoAccounts), errors.Is(err, verify.ErrNoUsableAccounts), errors.Is(err, verify.ErrNoModel):
			writeError(w, http.StatusBadRequest, err.Error())
		case writeNotReady(w, err):
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func (s *Server) verificationStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := s.deps.Verify.DisplayState(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if items == nil {
			items = []domain.VerificationItem{}
		}
		writeJSON(w, items)
	}
}
