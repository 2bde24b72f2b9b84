package watchdog

import (
	"context"
	"testing"
	"time"

	"stock-reconciler/internal/logging"
	"stock-reconciler/internal/models"
	"stock-reconciler/internal/store"
)

type fakeStore struct {
	batches []models.Batch
	steps   map[string][]models.StepResult

	batchTransitions []string
	stepTransitions  []string
	conflictOn       map[string]bool
}

func (f *fakeStore) ListOpenBatches(_ context.Context) ([]models.Batch, error) {
	return f.batches, nil
}

func (f *fakeStore) StepResultsForBatch(_ context.Context, batchID string) ([]models.StepResult, error) {
	return f.steps[batchID], nil
}

func (f *fakeStore) TransitionBatch(_ context.Context, id, from, to string, _ store.BatchUpdates) error {
	if f.conflictOn[id] {
		return store.ErrStatusConflict
	}
	f.batchTransitions = append(f.batchTransitions, id+":"+from+"->"+to)
	return nil
}

func (f *fakeStore) TransitionStep(_ context.Context, id, from, to string, _ store.StepUpdates) error {
	if f.conflictOn[id] {
		return store.ErrStatusConflict
	}
	f.stepTransitions = append(f.stepTransitions, id+":"+from+"->"+to)
	return nil
}

func newWatchdog(st *fakeStore, now time.Time) *Watchdog {
	w := New(st, Thresholds{StuckBatch: 15 * time.Minute, StuckStep: 10 * time.Minute}, logging.New("error"))
	w.now = func() time.Time { return now }
	return w
}

func pendingStep(id string, index int) models.StepResult {
	return models.StepResult{ID: id, StepIndex: index, Status: models.StepPending}
}

func TestAnalyzeNeverRanBatch(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		batches: []models.Batch{{
			ID:        "b1",
			Status:    models.BatchPending,
			CreatedAt: now.Add(-20 * time.Minute),
			ExpiresAt: now.Add(100 * time.Minute),
		}},
		steps: map[string][]models.StepResult{
			"b1": {pendingStep("s0", 0), pendingStep("s1", 1)},
		},
	}

	findings, err := newWatchdog(st, now).Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	if findings[0].Reason != ReasonNeverRan {
		t.Fatalf("reason = %q, want %q", findings[0].Reason, ReasonNeverRan)
	}
}

func TestAnalyzeYoungBatchUntouched(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		batches: []models.Batch{{
			ID:        "b1",
			Status:    models.BatchPending,
			CreatedAt: now.Add(-1 * time.Minute),
			ExpiresAt: now.Add(119 * time.Minute),
		}},
		steps: map[string][]models.StepResult{"b1": {pendingStep("s0", 0)}},
	}

	findings, err := newWatchdog(st, now).Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected no findings, got %+v", findings)
	}
}

func TestAnalyzeExpiredBeatsOtherReasons(t *testing.T) {
	now := time.Now()
	started := now.Add(-30 * time.Minute)
	st := &fakeStore{
		batches: []models.Batch{{
			ID:        "b1",
			Status:    models.BatchSyncing,
			CreatedAt: now.Add(-3 * time.Hour),
			ExpiresAt: now.Add(-1 * time.Hour),
		}},
		steps: map[string][]models.StepResult{
			"b1": {{ID: "s1", StepIndex: 1, Status: models.StepRunning, StartedAt: &started}},
		},
	}

	findings, err := newWatchdog(st, now).Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(findings) != 1 || findings[0].Reason != ReasonExpired {
		t.Fatalf("expected single expired finding, got %+v", findings)
	}
	if findings[0].StepID != "s1" || findings[0].StepIndex != 1 {
		t.Fatalf("expired finding should carry the running step, got %+v", findings[0])
	}
}

func TestApplyExpiredBatchClosesRunningStep(t *testing.T) {
	now := time.Now()
	started := now.Add(-30 * time.Minute)
	st := &fakeStore{
		batches: []models.Batch{{
			ID:        "b1",
			Status:    models.BatchSyncing,
			CreatedAt: now.Add(-3 * time.Hour),
			ExpiresAt: now.Add(-1 * time.Hour),
		}},
		steps: map[string][]models.StepResult{
			"b1": {
				{ID: "s0", StepIndex: 0, Status: models.StepCompleted},
				{ID: "s1", StepIndex: 1, Status: models.StepRunning, StartedAt: &started},
			},
		},
	}

	batchesFailed, stepsFailed, err := newWatchdog(st, now).Apply(context.Background())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if batchesFailed != 1 || stepsFailed != 1 {
		t.Fatalf("counts = (%d, %d), want (1, 1)", batchesFailed, stepsFailed)
	}
	if len(st.stepTransitions) != 1 || st.stepTransitions[0] != "s1:running->failed" {
		t.Fatalf("step transitions = %v", st.stepTransitions)
	}
}

func TestAnalyzeStepTimeout(t *testing.T) {
	now := time.Now()
	started := now.Add(-11 * time.Minute)
	st := &fakeStore{
		batches: []models.Batch{{
			ID:        "b1",
			Status:    models.BatchSyncing,
			CreatedAt: now.Add(-30 * time.Minute),
			ExpiresAt: now.Add(90 * time.Minute),
		}},
		steps: map[string][]models.StepResult{
			"b1": {
				{ID: "s0", StepIndex: 0, Status: models.StepCompleted},
				{ID: "s1", StepIndex: 1, Status: models.StepRunning, StartedAt: &started},
			},
		},
	}

	findings, err := newWatchdog(st, now).Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	f := findings[0]
	if f.Reason != ReasonStepTimeout || f.StepID != "s1" || f.StepIndex != 1 {
		t.Fatalf("unexpected finding %+v", f)
	}
}

func TestApplyForceFailsBatchAndStep(t *testing.T) {
	now := time.Now()
	started := now.Add(-11 * time.Minute)
	st := &fakeStore{
		batches: []models.Batch{{
			ID:        "b1",
			Status:    models.BatchSyncing,
			CreatedAt: now.Add(-30 * time.Minute),
			ExpiresAt: now.Add(90 * time.Minute),
		}},
		steps: map[string][]models.StepResult{
			"b1": {{ID: "s1", StepIndex: 1, Status: models.StepRunning, StartedAt: &started}},
		},
	}

	batchesFailed, stepsFailed, err := newWatchdog(st, now).Apply(context.Background())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if batchesFailed != 1 || stepsFailed != 1 {
		t.Fatalf("counts = (%d, %d), want (1, 1)", batchesFailed, stepsFailed)
	}
	if len(st.batchTransitions) != 1 || st.batchTransitions[0] != "b1:syncing->failed" {
		t.Fatalf("batch transitions = %v", st.batchTransitions)
	}
	if len(st.stepTransitions) != 1 || st.stepTransitions[0] != "s1:running->failed" {
		t.Fatalf("step transitions = %v", st.stepTransitions)
	}
}

func TestApplyToleratesStatusConflict(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		batches: []models.Batch{{
			ID:        "b1",
			Status:    models.BatchPending,
			CreatedAt: now.Add(-20 * time.Minute),
			ExpiresAt: now.Add(100 * time.Minute),
		}},
		steps:      map[string][]models.StepResult{"b1": {pendingStep("s0", 0)}},
		conflictOn: map[string]bool{"b1": true},
	}

	batchesFailed, stepsFailed, err := newWatchdog(st, now).Apply(context.Background())
	if err != nil {
		t.Fatalf("apply should swallow CAS conflicts, got %v", err)
	}
	if batchesFailed != 0 || stepsFailed != 0 {
		t.Fatalf("counts = (%d, %d), want (0, 0)", batchesFailed, stepsFailed)
	}
}
