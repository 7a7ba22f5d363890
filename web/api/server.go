package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/dispatch"
	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/progress"
	"github.com/hochfrequenz/wakeup-engine/internal/taskstore"
	"github.com/hochfrequenz/wakeup-engine/internal/verify"
)

// TaskService manages wakeup tasks
type TaskService interface {
	Tasks(ctx context.Context) ([]domain.WakeupTask, error)
	Task(ctx context.Context, id string) (*domain.WakeupTask, error)
	SaveTask(ctx context.Context, form taskstore.TaskForm) (*domain.WakeupTask, error)
	DeleteTask(ctx context.Context, id string) error
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error
	WakeupEnabled(ctx context.Context) (bool, error)
	SetWakeupEnabled(ctx context.Context, enabled bool) error
}

// Dispatcher runs manual wakeup pings
type Dispatcher interface {
	Run(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// HistoryStore reads and clears ping history
type HistoryStore interface {
	LoadRecords(ctx context.Context) ([]domain.HistoryRecord, error)
	ClearRecords(ctx context.Context) error
}

// Verifier runs verification batches and serves their history
type Verifier interface {
	Run(ctx context.Context, req verify.Request) (*domain.VerificationBatch, error)
	History(ctx context.Context) ([]domain.VerificationBatch, error)
	DeleteHistory(ctx context.Context, ids []string) (int, error)
	DisplayState(ctx context.Context) ([]domain.VerificationItem, error)
}

// QuotaResetNotifier accepts quota reset signals
type QuotaResetNotifier interface {
	NotifyQuotaReset(ctx context.Context, accountID string) int
}

// Deps are the collaborators the API serves
type Deps struct {
	Tasks    TaskService
	Dispatch Dispatcher
	History  HistoryStore
	Verify   Verifier
	Quota    QuotaResetNotifier
	Progress *progress.Bus
}

// Server is the HTTP API server
type Server struct {
	deps   Deps
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
	logger *zap.Logger
	now    func() time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		logger: logger.Named("api"),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/tasks", s.listTasksHandler())
	s.mux.HandleFunc("POST /api/tasks", s.saveTaskHandler())
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTaskHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/toggle", s.toggleTaskHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/preview", s.previewHandler())

	s.mux.HandleFunc("GET /api/wakeup/enabled", s.getEnabledHandler())
	s.mux.HandleFunc("POST /api/wakeup/enabled", s.setEnabledHandler())
	s.mux.HandleFunc("POST /api/wakeup/test", s.testWakeupHandler())
	s.mux.HandleFunc("POST /api/wakeup/quota-reset", s.quotaResetHandler())

	s.mux.HandleFunc("GET /api/history", s.listHistoryHandler())
	s.mux.HandleFunc("DELETE /api/history", s.clearHistoryHandler())

	s.mux.HandleFunc("GET /api/verification/batches", s.listBatchesHandler())
	s.mux.HandleFunc("GET /api/verification/batches/{id}", s.getBatchHandler())
	s.mux.HandleFunc("POST /api/verification/batches/delete", s.deleteBatchesHandler())
	s.mux.HandleFunc("POST /api/verification/run", s.runVerificationHandler())
	s.mux.HandleFunc("GET /api/verification/state", s.verificationStateHandler())

	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)
	if s.deps.Progress != nil {
		go s.forwardProgress(ctx)
	}

	srv := &http.Server{Addr: s.addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("listening", zap.String("addr", s.addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// forwardProgress relays verification progress to SSE clients
func (s *Server) forwardProgress(ctx context.Context) {
	events, cancel := s.deps.Progress.Subscribe("", 0)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Broadcast(SSEEvent{Type: EventVerificationProgress, BatchID: ev.BatchID, Data: ev})
		}
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeErrorBody(w, code, ErrorResponse{Error: message})
}

func writeErrorBody(w http.ResponseWriter, code int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
