package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/logging"
	"stock-reconciler/internal/models"
	"stock-reconciler/internal/store"
)

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.SyncTask
}

func newMemTaskStore(tasks ...models.SyncTask) *memTaskStore {
	m := &memTaskStore{tasks: map[string]*models.SyncTask{}}
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
	}
	return m
}

func (m *memTaskStore) GetTask(_ context.Context, id string) (models.SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.SyncTask{}, store.ErrNotFound
	}
	return *t, nil
}

func (m *memTaskStore) TransitionTask(_ context.Context, id, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return store.ErrStatusConflict
	}
	t.Status = to
	return nil
}

func (m *memTaskStore) FailTask(_ context.Context, id, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || (t.Status != models.TaskPending && t.Status != models.TaskProcessing) {
		return store.ErrStatusConflict
	}
	t.Status = models.TaskFailed
	t.ErrorMessage = &errorMessage
	return nil
}

func (m *memTaskStore) UpdateTaskProgress(_ context.Context, id string, pct int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.ProgressPct = pct
	t.ProgressMessage = message
	return nil
}

func (m *memTaskStore) CountTasksProcessing(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == models.TaskProcessing {
			n++
		}
	}
	return n, nil
}

func (m *memTaskStore) cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id].Status = models.TaskCancelled
}

func (m *memTaskStore) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].Status
}

func testProcessor(st TaskStore) *Processor {
	cfg := config.Config{MaxConcurrentTasks: 3, WorkerPollInterval: time.Millisecond}
	return NewProcessor(cfg, nil, st, logging.New("error"))
}

func TestDispatchCompletesTask(t *testing.T) {
	st := newMemTaskStore(models.SyncTask{ID: "t1", Type: "full", Status: models.TaskPending})
	p := testProcessor(st)

	var ran bool
	p.RegisterHandler("full", func(ctx context.Context, task models.SyncTask, checkpoint Checkpoint) error {
		ran = true
		return checkpoint(ctx, 50, "halfway")
	})
	p.queue = noopQueue{}

	p.dispatch(context.Background(), "t1")
	if !ran {
		t.Fatalf("handler did not run")
	}
	if got := st.status("t1"); got != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	task, _ := st.GetTask(context.Background(), "t1")
	if task.ProgressPct != 100 || task.ProgressMessage != "done" {
		t.Fatalf("progress = %d %q", task.ProgressPct, task.ProgressMessage)
	}
}

func TestDispatchRecordsFailure(t *testing.T) {
	st := newMemTaskStore(models.SyncTask{ID: "t1", Type: "full", Status: models.TaskPending})
	p := testProcessor(st)
	p.queue = noopQueue{}
	p.RegisterHandler("full", func(context.Context, models.SyncTask, Checkpoint) error {
		return errors.New("storefront unreachable")
	})

	p.dispatch(context.Background(), "t1")
	if got := st.status("t1"); got != models.TaskFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	task, _ := st.GetTask(context.Background(), "t1")
	if task.ErrorMessage == nil || *task.ErrorMessage != "storefront unreachable" {
		t.Fatalf("error message = %v", task.ErrorMessage)
	}
}

func TestDispatchSkipsCancelledTask(t *testing.T) {
	st := newMemTaskStore(models.SyncTask{ID: "t1", Type: "full", Status: models.TaskCancelled})
	p := testProcessor(st)
	p.queue = noopQueue{}
	p.RegisterHandler("full", func(context.Context, models.SyncTask, Checkpoint) error {
		t.Fatalf("handler must not run for a cancelled task")
		return nil
	})

	p.dispatch(context.Background(), "t1")
	if got := st.status("t1"); got != models.TaskCancelled {
		t.Fatalf("status = %s, want cancelled untouched", got)
	}
}

func TestCheckpointSurfacesCancellation(t *testing.T) {
	st := newMemTaskStore(models.SyncTask{ID: "t1", Type: "full", Status: models.TaskPending})
	p := testProcessor(st)
	p.queue = noopQueue{}

	p.RegisterHandler("full", func(ctx context.Context, task models.SyncTask, checkpoint Checkpoint) error {
		// Cancelled mid-flight, observed at the next checkpoint.
		st.cancel(task.ID)
		if err := checkpoint(ctx, 40, "page 2"); err != nil {
			return err
		}
		t.Fatalf("checkpoint should have surfaced cancellation")
		return nil
	})

	p.dispatch(context.Background(), "t1")
	if got := st.status("t1"); got != models.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
}

func TestDispatchUnknownHandlerFailsTask(t *testing.T) {
	st := newMemTaskStore(models.SyncTask{ID: "t1", Type: "mystery", Status: models.TaskPending})
	p := testProcessor(st)
	p.queue = noopQueue{}

	p.dispatch(context.Background(), "t1")
	if got := st.status("t1"); got != models.TaskFailed {
		t.Fatalf("status = %s, want failed", got)
	}
}

type noopQueue struct{}

func (noopQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) { return 0, nil }
func (noopQueue) Dequeue(context.Context) (string, error)                         { return "", nil }
func (noopQueue) Ack(context.Context, string) error                               { return nil }
func (noopQueue) ReadyDepth(context.Context) (int64, error)                       { return 0, nil }
