package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/models"
	"stock-reconciler/internal/store"
	"stock-reconciler/internal/telemetry"
)

// ErrTaskCancelled is returned by a handler when it observes a cooperative
// cancel at a progress checkpoint.
var ErrTaskCancelled = errors.New("task cancelled")

// TaskStore is the slice of persistence the processor needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (models.SyncTask, error)
	TransitionTask(ctx context.Context, id, from, to string) error
	FailTask(ctx context.Context, id, errorMessage string) error
	UpdateTaskProgress(ctx context.Context, id string, pct int, message string) error
	CountTasksProcessing(ctx context.Context) (int, error)
}

// TaskQueue is the dispatch transport.
type TaskQueue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	Dequeue(ctx context.Context) (string, error)
	Ack(ctx context.Context, taskID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Handler executes one sync task. Checkpoint must be called at progress
// milestones; it persists progress and surfaces cooperative cancellation.
type Handler func(ctx context.Context, task models.SyncTask, checkpoint Checkpoint) error

// Checkpoint persists task progress and returns ErrTaskCancelled when the
// task row has been cancelled underneath the handler.
type Checkpoint func(ctx context.Context, pct int, message string) error

// Processor drives the on-demand sync worker loop. The concurrency cap is
// enforced by counting rows currently processing in the store, not by an
// in-process semaphore, so it holds across worker processes.
type Processor struct {
	cfg      config.Config
	queue    TaskQueue
	store    TaskStore
	handlers map[string]Handler
	log      *logrus.Logger
}

func NewProcessor(cfg config.Config, q TaskQueue, st TaskStore, log *logrus.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), 100)
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		if processing, err := p.store.CountTasksProcessing(ctx); err != nil || processing >= p.cfg.MaxConcurrentTasks {
			if err != nil {
				p.log.WithError(err).Warn("count processing tasks")
			}
			p.sleep(ctx)
			continue
		}

		taskID, err := p.queue.Dequeue(ctx)
		if err != nil || taskID == "" {
			p.sleep(ctx)
			continue
		}

		p.dispatch(ctx, taskID)
	}
}

// dispatch claims and runs one task synchronously. Running in the poll loop
// keeps the persisted processing count authoritative: a slot is occupied
// exactly while a row is in processing.
func (p *Processor) dispatch(ctx context.Context, taskID string) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.log.WithError(err).WithField("task_id", taskID).Warn("dequeued unknown task")
		_ = p.queue.Ack(ctx, taskID)
		return
	}
	if task.Status != models.TaskPending {
		// Cancelled (or otherwise moved on) while queued.
		_ = p.queue.Ack(ctx, taskID)
		return
	}

	if err := p.store.TransitionTask(ctx, taskID, models.TaskPending, models.TaskProcessing); err != nil {
		// Another worker claimed it first.
		_ = p.queue.Ack(ctx, taskID)
		return
	}
	_ = p.queue.Ack(ctx, taskID)

	log := p.log.WithFields(logrus.Fields{"task_id": task.ID, "type": task.Type, "site": task.SiteID})
	log.Info("task started")
	telemetry.TasksInFlight.Inc()
	defer telemetry.TasksInFlight.Dec()

	err = p.runTask(ctx, task)
	switch {
	case err == nil:
		if err := p.store.TransitionTask(ctx, task.ID, models.TaskProcessing, models.TaskCompleted); err == nil {
			_ = p.store.UpdateTaskProgress(ctx, task.ID, 100, "done")
		}
		telemetry.TaskSuccess.Inc()
		log.Info("task completed")
	case errors.Is(err, ErrTaskCancelled):
		// The row is already cancelled; nothing left to record.
		log.Info("task cancelled")
	default:
		if failErr := p.store.FailTask(ctx, task.ID, err.Error()); failErr != nil && !errors.Is(failErr, store.ErrStatusConflict) {
			log.WithError(failErr).Error("record task failure")
		}
		telemetry.TaskFailures.Inc()
		log.WithError(err).Warn("task failed")
	}
}

func (p *Processor) runTask(ctx context.Context, task models.SyncTask) error {
	handler, ok := p.handlers[task.Type]
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", task.Type)
	}
	checkpoint := func(ctx context.Context, pct int, message string) error {
		current, err := p.store.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status == models.TaskCancelled {
			return ErrTaskCancelled
		}
		return p.store.UpdateTaskProgress(ctx, task.ID, pct, message)
	}
	return handler(ctx, task, checkpoint)
}

func (p *Processor) sleep(ctx context.Context) {
	timer := time.NewTimer(p.cfg.WorkerPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
