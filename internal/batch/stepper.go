package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/erp"
	"stock-reconciler/internal/models"
	"stock-reconciler/internal/store"
	"stock-reconciler/internal/telemetry"
)

// BatchStore is the slice of the persistence layer the stepper needs. The
// stepper carries no in-memory batch state; everything it decides is derived
// from these rows, so any tick can resume after a process restart.
type BatchStore interface {
	ActiveBatch(ctx context.Context) (models.Batch, bool, error)
	CreateBatch(ctx context.Context, siteIDs []string, ttl time.Duration) (models.Batch, error)
	TransitionBatch(ctx context.Context, id, from, to string, upd store.BatchUpdates) error
	GetStepResult(ctx context.Context, batchID string, stepIndex int) (models.StepResult, bool, error)
	CreateStepResult(ctx context.Context, batchID string, stepIndex int, siteID string) (models.StepResult, error)
	TransitionStep(ctx context.Context, id, from, to string, upd store.StepUpdates) error
	CreateCache(ctx context.Context, batchID string, records []models.InventoryRecord, aliases map[string]models.SkuAlias, ttl time.Duration) (models.InventoryCache, error)
	GetCache(ctx context.Context, id string) (models.InventoryCache, error)
	CacheForBatch(ctx context.Context, batchID string) (models.InventoryCache, error)
}

// SnapshotFetcher pulls the full ERP view for step 0.
type SnapshotFetcher interface {
	FetchInventorySnapshot(ctx context.Context, pageSize int) ([]models.InventoryRecord, error)
	FetchAliasMap(ctx context.Context, pageSize int) (map[string]models.SkuAlias, error)
	ResolveWarehouseNames(ctx context.Context, ids []string) (map[string]string, error)
}

// SiteClient is the storefront surface a sync step needs.
type SiteClient interface {
	SiteID() string
	ListProducts(ctx context.Context, pageSize int) ([]models.StorefrontProduct, error)
	SetStockStatus(ctx context.Context, product models.StorefrontProduct, status string) error
}

// Archiver persists a copy of the frozen snapshot outside Postgres. Archive
// failures never fail the fetch step.
type Archiver interface {
	Archive(ctx context.Context, batchID string, cache models.InventoryCache) error
}

// Stepper advances the batch state machine by at most one step per Tick.
// It is stateless between invocations and safe to run from multiple
// processes: every transition is a compare-and-set against the store.
type Stepper struct {
	cfg      config.Config
	store    BatchStore
	erp      SnapshotFetcher
	sites    map[string]SiteClient
	archiver Archiver
	log      *logrus.Logger
}

// NewStepper wires the stepper. sites must cover every id in cfg.Sites;
// archiver may be nil.
func NewStepper(cfg config.Config, st BatchStore, fetcher SnapshotFetcher, sites map[string]SiteClient, archiver Archiver, log *logrus.Logger) *Stepper {
	return &Stepper{cfg: cfg, store: st, erp: fetcher, sites: sites, archiver: archiver, log: log}
}

// TickResult reports what a single tick did.
type TickResult struct {
	BatchID  string `json:"batch_id,omitempty"`
	Step     int    `json:"step,omitempty"`
	Advanced bool   `json:"advanced"`
	Status   string `json:"status,omitempty"`
	Note     string `json:"note,omitempty"`
}

// ErrCacheMissing signals the current_step>0-without-cache invariant
// violation. It is reported, never healed.
var ErrCacheMissing = errors.New("batch has advanced past fetch but carries no cache reference")

// Tick loads (or creates) the active batch, executes exactly the next
// unexecuted step, persists the result, and returns. A tick that finds the
// current step already running defers to the watchdog instead of
// re-dispatching.
func (s *Stepper) Tick(ctx context.Context) (TickResult, error) {
	b, ok, err := s.store.ActiveBatch(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("load active batch: %w", err)
	}
	if !ok {
		if len(s.cfg.Sites) == 0 {
			return TickResult{Note: "no storefronts configured"}, nil
		}
		b, err = s.store.CreateBatch(ctx, s.cfg.SiteIDs(), s.cfg.BatchTTL)
		if err != nil {
			return TickResult{}, fmt.Errorf("create batch: %w", err)
		}
		s.log.WithFields(logrus.Fields{"batch_id": b.ID, "sites": len(b.SiteIDs)}).Info("batch created")
	}

	if b.CurrentStep == 0 {
		return s.runFetchStep(ctx, b)
	}
	return s.runSiteStep(ctx, b)
}

// runFetchStep executes step 0: pull the ERP snapshot and freeze it.
func (s *Stepper) runFetchStep(ctx context.Context, b models.Batch) (TickResult, error) {
	if b.Status == models.BatchPending {
		now := time.Now().UTC()
		err := s.store.TransitionBatch(ctx, b.ID, models.BatchPending, models.BatchFetching, store.BatchUpdates{StartedAt: &now})
		if errors.Is(err, store.ErrStatusConflict) {
			// Another tick claimed the batch between our read and write.
			return TickResult{BatchID: b.ID, Note: "batch claimed by concurrent tick"}, nil
		}
		if err != nil {
			return TickResult{}, err
		}
		b.Status = models.BatchFetching
	}

	if existing, found, err := s.store.GetStepResult(ctx, b.ID, 0); err != nil {
		return TickResult{}, fmt.Errorf("load fetch step result: %w", err)
	} else if found {
		switch existing.Status {
		case models.StepCompleted:
			// Fetch finished but the batch pointer was not advanced (crash
			// between the two writes). Recover the frozen cache and advance.
			return s.advanceFetch(ctx, b)
		case models.StepFailed:
			return TickResult{BatchID: b.ID, Step: 0, Note: "fetch step already failed"}, nil
		default:
			// Running (or pending) from a prior tick; staleness is the
			// watchdog's judgement to make, not ours.
			return TickResult{BatchID: b.ID, Step: 0, Note: "fetch step already dispatched, status " + existing.Status}, nil
		}
	}

	step, err := s.store.CreateStepResult(ctx, b.ID, 0, "erp")
	if err != nil {
		return TickResult{BatchID: b.ID, Step: 0, Note: "fetch step created concurrently"}, nil
	}
	now := time.Now().UTC()
	if err := s.store.TransitionStep(ctx, step.ID, models.StepPending, models.StepRunning, store.StepUpdates{StartedAt: &now}); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return TickResult{BatchID: b.ID, Step: 0, Note: "fetch step claimed by concurrent tick"}, nil
		}
		return TickResult{}, err
	}

	log := s.log.WithFields(logrus.Fields{"batch_id": b.ID, "step": 0})
	log.Info("fetching erp snapshot")

	records, aliases, fetchErr := s.fetchSnapshot(ctx)
	if fetchErr != nil {
		telemetry.StepsFailed.Inc()
		telemetry.BatchesFailed.Inc()
		msg := fmt.Sprintf("erp fetch failed (%s): %v", erp.Classify(fetchErr), fetchErr)
		s.failStep(ctx, step.ID, msg)
		s.failBatch(ctx, b.ID, models.BatchFetching, msg)
		log.WithField("class", string(erp.Classify(fetchErr))).Error(msg)
		return TickResult{BatchID: b.ID, Step: 0, Advanced: false, Status: models.BatchFailed, Note: msg}, nil
	}

	cache, err := s.store.CreateCache(ctx, b.ID, records, aliases, s.cfg.CacheTTL)
	if err != nil {
		msg := fmt.Sprintf("freeze snapshot: %v", err)
		s.failStep(ctx, step.ID, msg)
		s.failBatch(ctx, b.ID, models.BatchFetching, msg)
		return TickResult{BatchID: b.ID, Step: 0, Status: models.BatchFailed, Note: msg}, nil
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, b.ID, cache); err != nil {
			log.WithError(err).Warn("snapshot archive failed")
		}
	}

	done := time.Now().UTC()
	counters := models.StepCounters{Checked: len(records)}
	if err := s.store.TransitionStep(ctx, step.ID, models.StepRunning, models.StepCompleted, store.StepUpdates{
		CompletedAt: &done,
		Counters:    &counters,
	}); err != nil {
		return TickResult{}, err
	}

	nextStep := 1
	to := models.BatchSyncing
	upd := store.BatchUpdates{CurrentStep: &nextStep, CacheID: &cache.ID}
	if len(b.SiteIDs) == 0 {
		to = models.BatchCompleted
		upd.CompletedAt = &done
	}
	if err := s.store.TransitionBatch(ctx, b.ID, models.BatchFetching, to, upd); err != nil {
		return TickResult{}, err
	}

	telemetry.StepsExecuted.Inc()
	log.WithFields(logrus.Fields{"records": len(records), "aliases": len(aliases), "cache_id": cache.ID}).Info("erp snapshot frozen")
	return TickResult{BatchID: b.ID, Step: 0, Advanced: true, Status: to}, nil
}

// runSiteStep executes step k (1..N): reconcile one storefront against the
// frozen snapshot.
func (s *Stepper) runSiteStep(ctx context.Context, b models.Batch) (TickResult, error) {
	k := b.CurrentStep
	if b.CacheID == nil {
		msg := ErrCacheMissing.Error()
		s.failBatch(ctx, b.ID, b.Status, msg)
		s.log.WithField("batch_id", b.ID).Error(msg)
		return TickResult{BatchID: b.ID, Step: k, Status: models.BatchFailed, Note: msg}, ErrCacheMissing
	}
	if k < 1 || k > len(b.SiteIDs) {
		return TickResult{}, fmt.Errorf("batch %s: step %d out of range for %d sites", b.ID, k, len(b.SiteIDs))
	}
	siteID := b.SiteIDs[k-1]

	existing, found, err := s.store.GetStepResult(ctx, b.ID, k)
	if err != nil {
		return TickResult{}, fmt.Errorf("load step result: %w", err)
	}
	switch {
	case found && existing.Status == models.StepRunning:
		return TickResult{BatchID: b.ID, Step: k, Note: "step running from a prior tick, deferring to watchdog"}, nil
	case found && existing.Status == models.StepCompleted:
		// Step finished but the batch pointer was not advanced (crash
		// between writes). Resume by advancing only.
		return s.advance(ctx, b, k)
	case found && existing.Status == models.StepFailed:
		return TickResult{BatchID: b.ID, Step: k, Note: "step already failed"}, nil
	}

	step := existing
	if !found {
		step, err = s.store.CreateStepResult(ctx, b.ID, k, siteID)
		if err != nil {
			return TickResult{BatchID: b.ID, Step: k, Note: "step created concurrently"}, nil
		}
	}
	now := time.Now().UTC()
	if err := s.store.TransitionStep(ctx, step.ID, models.StepPending, models.StepRunning, store.StepUpdates{StartedAt: &now}); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return TickResult{BatchID: b.ID, Step: k, Note: "step claimed by concurrent tick"}, nil
		}
		return TickResult{}, err
	}

	client, ok := s.sites[siteID]
	if !ok {
		msg := fmt.Sprintf("storefront %s not configured", siteID)
		s.failStep(ctx, step.ID, msg)
		s.failBatch(ctx, b.ID, models.BatchSyncing, msg)
		return TickResult{BatchID: b.ID, Step: k, Status: models.BatchFailed, Note: msg}, nil
	}

	cache, err := s.store.GetCache(ctx, *b.CacheID)
	if err != nil {
		msg := fmt.Sprintf("load snapshot %s: %v", *b.CacheID, err)
		s.failStep(ctx, step.ID, msg)
		s.failBatch(ctx, b.ID, models.BatchSyncing, msg)
		return TickResult{BatchID: b.ID, Step: k, Status: models.BatchFailed, Note: msg}, nil
	}

	log := s.log.WithFields(logrus.Fields{"batch_id": b.ID, "step": k, "site": siteID})
	log.Info("syncing storefront")

	counters, detail, stepErr := RunSiteSync(ctx, client, cache, s.cfg.StorefrontPageSize, log)
	done := time.Now().UTC()
	if stepErr != nil {
		telemetry.StepsFailed.Inc()
		telemetry.BatchesFailed.Inc()
		msg := stepErr.Error()
		s.failStep(ctx, step.ID, msg)
		s.failBatch(ctx, b.ID, models.BatchSyncing, msg)
		log.Error(msg)
		return TickResult{BatchID: b.ID, Step: k, Status: models.BatchFailed, Note: msg}, nil
	}

	if err := s.store.TransitionStep(ctx, step.ID, models.StepRunning, models.StepCompleted, store.StepUpdates{
		CompletedAt: &done,
		Counters:    &counters,
		Detail:      detail,
	}); err != nil {
		return TickResult{}, err
	}
	telemetry.StepsExecuted.Inc()
	log.WithFields(logrus.Fields{
		"checked":       counters.Checked,
		"to_instock":    counters.SyncedInStock,
		"to_outofstock": counters.SyncedOutOfStock,
		"skipped":       counters.Skipped,
		"failed":        counters.Failed,
	}).Info("storefront synced")

	return s.advance(ctx, b, k)
}

// advance moves the batch pointer past a completed step k.
func (s *Stepper) advance(ctx context.Context, b models.Batch, k int) (TickResult, error) {
	if k+1 > len(b.SiteIDs) {
		done := time.Now().UTC()
		next := k + 1
		if err := s.store.TransitionBatch(ctx, b.ID, models.BatchSyncing, models.BatchCompleted, store.BatchUpdates{
			CurrentStep: &next,
			CompletedAt: &done,
		}); err != nil {
			return TickResult{}, err
		}
		telemetry.BatchesCompleted.Inc()
		s.log.WithField("batch_id", b.ID).Info("batch completed")
		return TickResult{BatchID: b.ID, Step: k, Advanced: true, Status: models.BatchCompleted}, nil
	}

	next := k + 1
	if err := s.store.TransitionBatch(ctx, b.ID, models.BatchSyncing, models.BatchSyncing, store.BatchUpdates{CurrentStep: &next}); err != nil {
		return TickResult{}, err
	}
	return TickResult{BatchID: b.ID, Step: k, Advanced: true, Status: models.BatchSyncing}, nil
}

// advanceFetch moves the batch pointer past an already-completed fetch step.
// The cache row was written before the step completed, so it is recovered by
// batch id rather than re-fetched.
func (s *Stepper) advanceFetch(ctx context.Context, b models.Batch) (TickResult, error) {
	cache, err := s.store.CacheForBatch(ctx, b.ID)
	if err != nil {
		msg := fmt.Sprintf("recover snapshot for batch: %v", err)
		s.failBatch(ctx, b.ID, b.Status, msg)
		s.log.WithField("batch_id", b.ID).Error(msg)
		return TickResult{BatchID: b.ID, Step: 0, Status: models.BatchFailed, Note: msg}, nil
	}

	done := time.Now().UTC()
	nextStep := 1
	to := models.BatchSyncing
	upd := store.BatchUpdates{CurrentStep: &nextStep, CacheID: &cache.ID}
	if len(b.SiteIDs) == 0 {
		to = models.BatchCompleted
		upd.CompletedAt = &done
	}
	if err := s.store.TransitionBatch(ctx, b.ID, models.BatchFetching, to, upd); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return TickResult{BatchID: b.ID, Step: 0, Note: "batch advanced by concurrent tick"}, nil
		}
		return TickResult{}, err
	}
	s.log.WithFields(logrus.Fields{"batch_id": b.ID, "cache_id": cache.ID}).Info("resumed past completed fetch step")
	return TickResult{BatchID: b.ID, Step: 0, Advanced: true, Status: to}, nil
}

func (s *Stepper) fetchSnapshot(ctx context.Context) ([]models.InventoryRecord, map[string]models.SkuAlias, error) {
	records, err := s.erp.FetchInventorySnapshot(ctx, s.cfg.ERPPageSize)
	if err != nil {
		return nil, nil, err
	}
	aliases, err := s.erp.FetchAliasMap(ctx, s.cfg.ERPPageSize)
	if err != nil {
		return nil, nil, err
	}

	// Warehouse names are cosmetic; resolution failures leave ids bare.
	ids := uniqueWarehouseIDs(records)
	if len(ids) > 0 {
		if names, err := s.erp.ResolveWarehouseNames(ctx, ids); err != nil {
			s.log.WithError(err).Warn("warehouse name resolution failed")
		} else {
			for i := range records {
				records[i].WarehouseName = names[records[i].WarehouseID]
			}
		}
	}
	return records, aliases, nil
}

func (s *Stepper) failStep(ctx context.Context, stepID, msg string) {
	done := time.Now().UTC()
	if err := s.store.TransitionStep(ctx, stepID, models.StepRunning, models.StepFailed, store.StepUpdates{
		CompletedAt:  &done,
		ErrorMessage: &msg,
	}); err != nil {
		s.log.WithError(err).WithField("step_id", stepID).Error("record step failure")
	}
}

func (s *Stepper) failBatch(ctx context.Context, batchID, from, msg string) {
	done := time.Now().UTC()
	if err := s.store.TransitionBatch(ctx, batchID, from, models.BatchFailed, store.BatchUpdates{
		CompletedAt:  &done,
		ErrorMessage: &msg,
	}); err != nil {
		s.log.WithError(err).WithField("batch_id", batchID).Error("record batch failure")
	}
}

func uniqueWarehouseIDs(records []models.InventoryRecord) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, r := range records {
		if r.WarehouseID == "" {
			continue
		}
		if _, ok := seen[r.WarehouseID]; ok {
			continue
		}
		seen[r.WarehouseID] = struct{}{}
		ids = append(ids, r.WarehouseID)
	}
	return ids
}
