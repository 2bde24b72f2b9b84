package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/logging"
	"stock-reconciler/internal/models"
	"stock-reconciler/internal/store"
)

// fakeStore is an in-memory Store for the task endpoints. The batch readers
// are stubs; batch handlers get their coverage in the batch package.
type fakeStore struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*models.SyncTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*models.SyncTask{}}
}

func (f *fakeStore) ActiveBatch(_ context.Context) (models.Batch, bool, error) {
	return models.Batch{}, false, nil
}

func (f *fakeStore) GetBatch(_ context.Context, _ string) (models.Batch, error) {
	return models.Batch{}, store.ErrNotFound
}

func (f *fakeStore) StepResultsForBatch(_ context.Context, _ string) ([]models.StepResult, error) {
	return nil, nil
}

func (f *fakeStore) CreateTask(_ context.Context, siteID, taskType, priority string, payload map[string]any) (models.SyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &models.SyncTask{
		ID:        "task-" + strconv.Itoa(f.seq),
		SiteID:    siteID,
		Type:      taskType,
		Status:    models.TaskPending,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	f.tasks[t.ID] = t
	return *t, nil
}

func (f *fakeStore) FailTask(_ context.Context, id, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || (t.Status != models.TaskPending && t.Status != models.TaskProcessing) {
		return store.ErrStatusConflict
	}
	t.Status = models.TaskFailed
	t.ErrorMessage = &errorMessage
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context, _ int) ([]models.SyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SyncTask
	for _, t := range f.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeStore) CountTasksByStatus(_ context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int{}
	for _, t := range f.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (f *fakeStore) CancelTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != models.TaskPending && t.Status != models.TaskProcessing {
		return store.ErrStatusConflict
	}
	t.Status = models.TaskCancelled
	return nil
}

func (f *fakeStore) RetryTask(_ context.Context, id string) (models.SyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return models.SyncTask{}, store.ErrNotFound
	}
	if t.Status != models.TaskFailed {
		return models.SyncTask{}, store.ErrStatusConflict
	}
	t.Status = models.TaskPending
	t.RetryCount++
	t.ErrorMessage = nil
	return *t, nil
}

func (f *fakeStore) DeleteTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if !models.TaskTerminal(t.Status) {
		return store.ErrStatusConflict
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) task(t *testing.T, id string) models.SyncTask {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return *task
}

type fakeQueue struct {
	enqueueErr error
	enqueued   []string
	removed    []string
}

func (f *fakeQueue) Enqueue(_ context.Context, taskID, _ string, _ time.Time) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, taskID)
	return nil
}

func (f *fakeQueue) Remove(_ context.Context, taskID string) error {
	f.removed = append(f.removed, taskID)
	return nil
}

func testServer(st Store, q TaskQueue) *Server {
	cfg := config.Config{
		Sites:          []config.Site{{ID: "site-a", Name: "Site A"}},
		PriorityQueues: []string{"high", "default", "low"},
	}
	return New(cfg, st, nil, nil, q, nil, logging.New("error"))
}

func postJSON(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateTaskEnqueues(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := testServer(st, q).Router()

	rr := postJSON(t, router, "/tasks", `{"site_id":"site-a","task_type":"incremental","priority":"high"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var task models.SyncTask
	if err := json.NewDecoder(rr.Body).Decode(&task); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != task.ID {
		t.Fatalf("enqueued = %v, want [%s]", q.enqueued, task.ID)
	}
	if got := st.task(t, task.ID); got.Status != models.TaskPending {
		t.Fatalf("task status = %s, want pending", got.Status)
	}
}

func TestCreateTaskRejectsUnknownSite(t *testing.T) {
	router := testServer(newFakeStore(), &fakeQueue{}).Router()

	rr := postJSON(t, router, "/tasks", `{"site_id":"nope","task_type":"full"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateTaskFailsRowWhenEnqueueFails(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{enqueueErr: context.DeadlineExceeded}
	router := testServer(st, q).Router()

	rr := postJSON(t, router, "/tasks", `{"site_id":"site-a","task_type":"full"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	// The pending row must not be left behind with no queue entry: nothing
	// would ever pick it up.
	task := st.task(t, "task-1")
	if task.Status != models.TaskFailed {
		t.Fatalf("task status = %s, want failed", task.Status)
	}
	if task.ErrorMessage == nil || !strings.Contains(*task.ErrorMessage, "enqueue failed") {
		t.Fatalf("error message = %v", task.ErrorMessage)
	}
}

func TestRetryFailsRowWhenEnqueueFails(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := testServer(st, q).Router()

	created, _ := st.CreateTask(context.Background(), "site-a", models.TaskFull, "default", nil)
	msg := "storefront down"
	_ = st.FailTask(context.Background(), created.ID, msg)

	q.enqueueErr = context.DeadlineExceeded
	req := httptest.NewRequest(http.MethodPatch, "/tasks", strings.NewReader(`{"taskId":"`+created.ID+`","action":"retry"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	task := st.task(t, created.ID)
	if task.Status != models.TaskFailed {
		t.Fatalf("task status = %s, want failed after enqueue failure", task.Status)
	}
	if task.ErrorMessage == nil || !strings.Contains(*task.ErrorMessage, "enqueue failed") {
		t.Fatalf("error message = %v", task.ErrorMessage)
	}
}

func TestCancelTaskRemovesQueueEntry(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := testServer(st, q).Router()

	created, _ := st.CreateTask(context.Background(), "site-a", models.TaskFull, "default", nil)

	req := httptest.NewRequest(http.MethodPatch, "/tasks", strings.NewReader(`{"taskId":"`+created.ID+`","action":"cancel"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if st.task(t, created.ID).Status != models.TaskCancelled {
		t.Fatalf("task not cancelled")
	}
	if len(q.removed) != 1 || q.removed[0] != created.ID {
		t.Fatalf("removed = %v, want [%s]", q.removed, created.ID)
	}
}
