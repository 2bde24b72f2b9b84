package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/models"
	"stock-reconciler/internal/store"
	"stock-reconciler/internal/telemetry"
)

// Store is the slice of persistence the watchdog needs.
type Store interface {
	ListOpenBatches(ctx context.Context) ([]models.Batch, error)
	StepResultsForBatch(ctx context.Context, batchID string) ([]models.StepResult, error)
	TransitionBatch(ctx context.Context, id, from, to string, upd store.BatchUpdates) error
	TransitionStep(ctx context.Context, id, from, to string, upd store.StepUpdates) error
}

// Thresholds are elapsed-time heuristics tuned to the external API's
// observed latency. They are configuration, not invariants.
type Thresholds struct {
	StuckBatch time.Duration // batch age with nothing ever started
	StuckStep  time.Duration // step running time
}

// Force-failure reasons surfaced verbatim to operators.
const (
	ReasonExpired     = "batch expired"
	ReasonNeverRan    = "stuck before first step"
	ReasonStepTimeout = "step timeout"
)

// Finding describes one stuck batch the scan identified.
type Finding struct {
	BatchID     string `json:"batch_id"`
	BatchStatus string `json:"batch_status"`
	Reason      string `json:"reason"`
	StepID      string `json:"step_id,omitempty"`
	StepIndex   int    `json:"step_index,omitempty"`
}

// Watchdog scans in-flight batches for staleness and force-fails the stuck
// ones. It runs independently of the stepper; the monotonic status
// transitions make concurrent operation safe.
type Watchdog struct {
	store      Store
	thresholds Thresholds
	now        func() time.Time
	log        *logrus.Logger
}

// New builds a watchdog with the given thresholds.
func New(st Store, thresholds Thresholds, log *logrus.Logger) *Watchdog {
	return &Watchdog{store: st, thresholds: thresholds, now: time.Now, log: log}
}

// Analyze performs a dry-run scan: it reports what Apply would force-fail
// without mutating anything.
func (w *Watchdog) Analyze(ctx context.Context) ([]Finding, error) {
	batches, err := w.store.ListOpenBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open batches: %w", err)
	}

	now := w.now()
	var findings []Finding
	for _, b := range batches {
		f, ok, err := w.judge(ctx, b, now)
		if err != nil {
			return nil, err
		}
		if ok {
			findings = append(findings, f)
		}
	}
	return findings, nil
}

// Apply force-fails every stuck batch found by the scan and returns counts
// of batches and steps transitioned.
func (w *Watchdog) Apply(ctx context.Context) (batchesFailed, stepsFailed int, err error) {
	findings, err := w.Analyze(ctx)
	if err != nil {
		return 0, 0, err
	}

	done := w.now().UTC()
	for _, f := range findings {
		if f.StepID != "" {
			reason := f.Reason
			stepErr := w.store.TransitionStep(ctx, f.StepID, models.StepRunning, models.StepFailed, store.StepUpdates{
				CompletedAt:  &done,
				ErrorMessage: &reason,
			})
			if stepErr == nil {
				stepsFailed++
			} else if !errors.Is(stepErr, store.ErrStatusConflict) {
				return batchesFailed, stepsFailed, stepErr
			}
		}

		reason := f.Reason
		batchErr := w.store.TransitionBatch(ctx, f.BatchID, f.BatchStatus, models.BatchFailed, store.BatchUpdates{
			CompletedAt:  &done,
			ErrorMessage: &reason,
		})
		if batchErr == nil {
			batchesFailed++
			telemetry.WatchdogForced.Inc()
			w.log.WithFields(logrus.Fields{"batch_id": f.BatchID, "reason": f.Reason}).Warn("batch force-failed")
		} else if !errors.Is(batchErr, store.ErrStatusConflict) {
			return batchesFailed, stepsFailed, batchErr
		}
		// A CAS conflict means the batch moved on (or the stepper finished
		// it) between scan and apply; that batch is no longer stuck.
	}
	return batchesFailed, stepsFailed, nil
}

// judge decides whether one open batch is stuck.
func (w *Watchdog) judge(ctx context.Context, b models.Batch, now time.Time) (Finding, bool, error) {
	steps, err := w.store.StepResultsForBatch(ctx, b.ID)
	if err != nil {
		return Finding{}, false, fmt.Errorf("list steps for batch %s: %w", b.ID, err)
	}

	if now.After(b.ExpiresAt) {
		f := Finding{BatchID: b.ID, BatchStatus: b.Status, Reason: ReasonExpired}
		// An expired batch may still carry a running step; force-failing the
		// batch alone would leave that step row open forever.
		for _, s := range steps {
			if s.Status == models.StepRunning {
				f.StepID = s.ID
				f.StepIndex = s.StepIndex
				break
			}
		}
		return f, true, nil
	}

	allPending := true
	for _, s := range steps {
		if s.Status != models.StepPending {
			allPending = false
		}
		if s.Status == models.StepRunning && s.StartedAt != nil && now.Sub(*s.StartedAt) > w.thresholds.StuckStep {
			return Finding{
				BatchID:     b.ID,
				BatchStatus: b.Status,
				Reason:      ReasonStepTimeout,
				StepID:      s.ID,
				StepIndex:   s.StepIndex,
			}, true, nil
		}
	}

	if allPending && now.Sub(b.CreatedAt) > w.thresholds.StuckBatch {
		return Finding{BatchID: b.ID, BatchStatus: b.Status, Reason: ReasonNeverRan}, true, nil
	}
	return Finding{}, false, nil
}
