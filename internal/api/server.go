package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/batch"
	"stock-reconciler/internal/config"
	"stock-reconciler/internal/models"
	"stock-reconciler/internal/store"
	"stock-reconciler/internal/telemetry"
	"stock-reconciler/internal/watchdog"
)

// Store is the slice of the persistence layer the API serves from.
type Store interface {
	ActiveBatch(ctx context.Context) (models.Batch, bool, error)
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	StepResultsForBatch(ctx context.Context, batchID string) ([]models.StepResult, error)
	CreateTask(ctx context.Context, siteID, taskType, priority string, payload map[string]any) (models.SyncTask, error)
	FailTask(ctx context.Context, id, errorMessage string) error
	ListTasks(ctx context.Context, limit int) ([]models.SyncTask, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)
	CancelTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string) (models.SyncTask, error)
	DeleteTask(ctx context.Context, id string) error
}

// Ticker advances the batch state machine by one step.
type Ticker interface {
	Tick(ctx context.Context) (batch.TickResult, error)
}

// Sweeper scans open batches for staleness and force-fails the stuck ones.
type Sweeper interface {
	Analyze(ctx context.Context) ([]watchdog.Finding, error)
	Apply(ctx context.Context) (batchesFailed, stepsFailed int, err error)
}

// TaskQueue hands created tasks to the worker fleet.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID, priority string, runAt time.Time) error
	Remove(ctx context.Context, taskID string) error
}

// Limiter gates the mutating endpoints.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the orchestration API.
type Server struct {
	cfg      config.Config
	store    Store
	stepper  Ticker
	watchdog Sweeper
	queue    TaskQueue
	limiter  Limiter
	log      *logrus.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st Store, stepper Ticker, wd Sweeper, q TaskQueue, limiter Limiter, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		stepper:  stepper,
		watchdog: wd,
		queue:    q,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/batches/tick", s.handleTick)
	r.Get("/batches/current", s.handleCurrentBatch)
	r.Get("/batches/{id}", s.handleGetBatch)

	r.Get("/cleanup", s.handleCleanupAnalyze)
	r.Post("/cleanup", s.handleCleanupApply)

	r.Get("/tasks", s.handleListTasks)
	r.Post("/tasks", s.handleCreateTask)
	r.Patch("/tasks", s.handleUpdateTask)
	r.Delete("/tasks/{id}", s.handleDeleteTask)
	return r
}

// handleTick advances the active batch by exactly one step, creating a new
// batch when none is in flight. Concurrent ticks are safe; the loser of a
// status race reports no advancement.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "tick") {
		return
	}

	result, err := s.stepper.Tick(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			writeJSON(w, http.StatusConflict, map[string]any{"advanced": false, "note": "another process holds this step"})
			return
		}
		s.log.WithError(err).Error("tick failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCurrentBatch(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.store.ActiveBatch(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	steps, err := s.store.StepResultsForBatch(r.Context(), b.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "batch": b, "steps": steps})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "batch not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	steps, err := s.store.StepResultsForBatch(r.Context(), b.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": b, "steps": steps})
}

// handleCleanupAnalyze reports which open batches look stuck or expired
// without touching them.
func (s *Server) handleCleanupAnalyze(w http.ResponseWriter, r *http.Request) {
	findings, err := s.watchdog.Analyze(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if findings == nil {
		findings = []watchdog.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

func (s *Server) handleCleanupApply(w http.ResponseWriter, r *http.Request) {
	batchesFailed, stepsFailed, err := s.watchdog.Apply(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batches_failed": batchesFailed,
		"steps_failed":   stepsFailed,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts, err := s.store.CountTasksByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []models.SyncTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "counts": counts})
}

type createTaskRequest struct {
	SiteID   string         `json:"site_id"`
	Type     string         `json:"task_type"`
	Priority string         `json:"priority"`
	Payload  map[string]any `json:"payload"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "tasks") {
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SiteID == "" {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.cfg.SiteByID(req.SiteID); !ok {
		http.Error(w, "unknown site_id", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case models.TaskFull, models.TaskIncremental, models.TaskSkuBatch:
	default:
		http.Error(w, fmt.Sprintf("task_type must be one of %s, %s, %s", models.TaskFull, models.TaskIncremental, models.TaskSkuBatch), http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = "default"
	}
	if !s.validPriority(req.Priority) {
		http.Error(w, "unknown priority", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	task, err := s.store.CreateTask(r.Context(), req.SiteID, req.Type, req.Priority, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), task.ID, task.Priority, task.CreatedAt); err != nil {
		// Without a queue entry nothing would ever pick the pending row up;
		// fail it so the caller can see and retry it.
		s.failUnqueued(r.Context(), task.ID, err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

type updateTaskRequest struct {
	TaskID string `json:"taskId"`
	Action string `json:"action"`
}

// handleUpdateTask covers cancel and retry, the only two mutations a caller
// may request on an existing task.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		http.Error(w, "taskId is required", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "cancel":
		if err := s.store.CancelTask(r.Context(), req.TaskID); err != nil {
			s.taskMutationError(w, err, "task is not cancellable")
			return
		}
		// A queued entry may or may not still exist; Remove tolerates both.
		_ = s.queue.Remove(r.Context(), req.TaskID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case "retry":
		task, err := s.store.RetryTask(r.Context(), req.TaskID)
		if err != nil {
			s.taskMutationError(w, err, "only failed tasks can be retried")
			return
		}
		if err := s.queue.Enqueue(r.Context(), task.ID, task.Priority, task.CreatedAt); err != nil {
			// RetryTask already flipped the row back to pending; close it
			// again rather than leave it orphaned without a queue entry.
			s.failUnqueued(r.Context(), task.ID, err)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		http.Error(w, "action must be cancel or retry", http.StatusBadRequest)
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		s.taskMutationError(w, err, "only finished tasks can be deleted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// failUnqueued records an enqueue failure on a pending task row. A conflict
// means a worker somehow got to the task anyway, which is fine.
func (s *Server) failUnqueued(ctx context.Context, taskID string, enqueueErr error) {
	s.log.WithError(enqueueErr).WithField("task_id", taskID).Error("enqueue failed")
	if err := s.store.FailTask(ctx, taskID, "enqueue failed: "+enqueueErr.Error()); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		s.log.WithError(err).WithField("task_id", taskID).Error("record task failure")
	}
}

func (s *Server) taskMutationError(w http.ResponseWriter, err error, conflictMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case errors.Is(err, store.ErrStatusConflict):
		http.Error(w, conflictMsg, http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, limiterKey string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), limiterKey)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) validPriority(priority string) bool {
	for _, p := range s.cfg.PriorityQueues {
		if p == priority {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
