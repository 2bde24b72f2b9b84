package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"stock-reconciler/internal/models"
)

// ErrStatusConflict is returned by the compare-and-set transitions when the
// row is not in the expected current status. Callers treat it as "someone
// else got there first", never as a fault.
var ErrStatusConflict = errors.New("status transition conflict")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- batches ---

// CreateBatch inserts a new pending batch for the given storefronts.
// Batches are never deleted; history is retained for audit.
func (s *Store) CreateBatch(ctx context.Context, siteIDs []string, ttl time.Duration) (models.Batch, error) {
	now := time.Now().UTC()
	b := models.Batch{
		ID:          uuid.New().String(),
		Status:      models.BatchPending,
		SiteIDs:     siteIDs,
		CurrentStep: 0,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (id, status, site_ids, current_step, created_at, expires_at)
		VALUES ($1, $2, $3, 0, $4, $5)
	`, b.ID, b.Status, b.SiteIDs, b.CreatedAt, b.ExpiresAt)
	if err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	return b, nil
}

const batchColumns = `id, status, site_ids, current_step, cache_id, error_message, created_at, started_at, completed_at, expires_at`

func scanBatch(row pgx.Row) (models.Batch, error) {
	var b models.Batch
	var cacheID, errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz
	if err := row.Scan(&b.ID, &b.Status, &b.SiteIDs, &b.CurrentStep, &cacheID, &errMsg,
		&b.CreatedAt, &startedAt, &completedAt, &b.ExpiresAt); err != nil {
		return models.Batch{}, err
	}
	b.CacheID = textPtr(cacheID)
	b.ErrorMessage = textPtr(errMsg)
	b.StartedAt = timePtr(startedAt)
	b.CompletedAt = timePtr(completedAt)
	return b, nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (models.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, ErrNotFound
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

// ActiveBatch returns the most recent batch that is not in a terminal state.
func (s *Store) ActiveBatch(ctx context.Context) (models.Batch, bool, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, models.BatchCompleted, models.BatchFailed))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, false, nil
	}
	if err != nil {
		return models.Batch{}, false, fmt.Errorf("scan active batch: %w", err)
	}
	return b, true, nil
}

// ListOpenBatches returns every batch not in a terminal state, oldest first.
// The watchdog scans this set.
func (s *Store) ListOpenBatches(ctx context.Context) ([]models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at ASC
	`, models.BatchCompleted, models.BatchFailed)
	if err != nil {
		return nil, fmt.Errorf("query open batches: %w", err)
	}
	defer rows.Close()

	var out []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BatchUpdates carries the optional column updates applied alongside a batch
// status transition. Nil fields are left untouched.
type BatchUpdates struct {
	CurrentStep  *int
	CacheID      *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// TransitionBatch atomically moves a batch from one status to another,
// applying the given updates in the same statement. It returns
// ErrStatusConflict when the batch is not currently in the expected status,
// which is how two concurrent ticks are kept from double-dispatching.
func (s *Store) TransitionBatch(ctx context.Context, id, from, to string, upd BatchUpdates) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches
		SET status = $3,
		    current_step = COALESCE($4, current_step),
		    cache_id = COALESCE($5, cache_id),
		    started_at = COALESCE($6, started_at),
		    completed_at = COALESCE($7, completed_at),
		    error_message = COALESCE($8, error_message)
		WHERE id = $1 AND status = $2
	`, id, from, to, upd.CurrentStep, upd.CacheID, upd.StartedAt, upd.CompletedAt, upd.ErrorMessage)
	if err != nil {
		return fmt.Errorf("transition batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// --- step results ---

const stepColumns = `id, batch_id, step_index, site_id, status, started_at, completed_at,
	checked, synced_in_stock, synced_out_of_stock, skipped, failed, detail, error_message`

func scanStep(row pgx.Row) (models.StepResult, error) {
	var r models.StepResult
	var startedAt, completedAt pgtype.Timestamptz
	var detail []byte
	var errMsg pgtype.Text
	if err := row.Scan(&r.ID, &r.BatchID, &r.StepIndex, &r.SiteID, &r.Status, &startedAt, &completedAt,
		&r.Counters.Checked, &r.Counters.SyncedInStock, &r.Counters.SyncedOutOfStock,
		&r.Counters.Skipped, &r.Counters.Failed, &detail, &errMsg); err != nil {
		return models.StepResult{}, err
	}
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.ErrorMessage = textPtr(errMsg)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &r.Detail); err != nil {
			return models.StepResult{}, fmt.Errorf("unmarshal step detail: %w", err)
		}
	}
	return r, nil
}

// CreateStepResult lazily inserts the pending result row for a step. The
// unique (batch_id, step_index) index makes a concurrent duplicate insert
// fail, preserving the one-result-per-step invariant.
func (s *Store) CreateStepResult(ctx context.Context, batchID string, stepIndex int, siteID string) (models.StepResult, error) {
	r := models.StepResult{
		ID:        uuid.New().String(),
		BatchID:   batchID,
		StepIndex: stepIndex,
		SiteID:    siteID,
		Status:    models.StepPending,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_results (id, batch_id, step_index, site_id, status)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.BatchID, r.StepIndex, r.SiteID, r.Status)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("insert step result: %w", err)
	}
	return r, nil
}

// GetStepResult returns the result row for (batch, step_index) when present.
func (s *Store) GetStepResult(ctx context.Context, batchID string, stepIndex int) (models.StepResult, bool, error) {
	r, err := scanStep(s.pool.QueryRow(ctx, `
		SELECT `+stepColumns+` FROM step_results WHERE batch_id = $1 AND step_index = $2
	`, batchID, stepIndex))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StepResult{}, false, nil
	}
	if err != nil {
		return models.StepResult{}, false, fmt.Errorf("scan step result: %w", err)
	}
	return r, true, nil
}

// StepResultsForBatch lists all result rows of a batch in step order.
func (s *Store) StepResultsForBatch(ctx context.Context, batchID string) ([]models.StepResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM step_results WHERE batch_id = $1 ORDER BY step_index ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	var out []models.StepResult
	for rows.Next() {
		r, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StepUpdates carries optional column updates applied with a step transition.
type StepUpdates struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Counters     *models.StepCounters
	Detail       []models.SkuOutcome
	ErrorMessage *string
}

// TransitionStep atomically moves a step result between statuses.
func (s *Store) TransitionStep(ctx context.Context, id, from, to string, upd StepUpdates) error {
	var detail []byte
	if upd.Detail != nil {
		var err error
		detail, err = json.Marshal(upd.Detail)
		if err != nil {
			return fmt.Errorf("marshal step detail: %w", err)
		}
	}
	var checked, inStock, outStock, skipped, failed *int
	if upd.Counters != nil {
		checked = &upd.Counters.Checked
		inStock = &upd.Counters.SyncedInStock
		outStock = &upd.Counters.SyncedOutOfStock
		skipped = &upd.Counters.Skipped
		failed = &upd.Counters.Failed
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_results
		SET status = $3,
		    started_at = COALESCE($4, started_at),
		    completed_at = COALESCE($5, completed_at),
		    checked = COALESCE($6, checked),
		    synced_in_stock = COALESCE($7, synced_in_stock),
		    synced_out_of_stock = COALESCE($8, synced_out_of_stock),
		    skipped = COALESCE($9, skipped),
		    failed = COALESCE($10, failed),
		    detail = COALESCE($11, detail),
		    error_message = COALESCE($12, error_message)
		WHERE id = $1 AND status = $2
	`, id, from, to, upd.StartedAt, upd.CompletedAt, checked, inStock, outStock, skipped, failed, detail, upd.ErrorMessage)
	if err != nil {
		return fmt.Errorf("transition step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// --- inventory caches ---

// CreateCache freezes an ERP snapshot for a batch. The row is immutable
// after this insert.
func (s *Store) CreateCache(ctx context.Context, batchID string, records []models.InventoryRecord, aliases map[string]models.SkuAlias, ttl time.Duration) (models.InventoryCache, error) {
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return models.InventoryCache{}, fmt.Errorf("marshal records: %w", err)
	}
	aliasesJSON, err := json.Marshal(aliases)
	if err != nil {
		return models.InventoryCache{}, fmt.Errorf("marshal aliases: %w", err)
	}

	now := time.Now().UTC()
	c := models.InventoryCache{
		ID:        uuid.New().String(),
		BatchID:   batchID,
		Records:   records,
		Aliases:   aliases,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO inventory_caches (id, batch_id, records, aliases, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.BatchID, recordsJSON, aliasesJSON, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return models.InventoryCache{}, fmt.Errorf("insert inventory cache: %w", err)
	}
	return c, nil
}

// GetCache fetches a frozen snapshot by id.
func (s *Store) GetCache(ctx context.Context, id string) (models.InventoryCache, error) {
	var c models.InventoryCache
	var recordsJSON, aliasesJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, batch_id, records, aliases, created_at, expires_at
		FROM inventory_caches WHERE id = $1
	`, id).Scan(&c.ID, &c.BatchID, &recordsJSON, &aliasesJSON, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InventoryCache{}, ErrNotFound
	}
	if err != nil {
		return models.InventoryCache{}, fmt.Errorf("scan inventory cache: %w", err)
	}
	if err := json.Unmarshal(recordsJSON, &c.Records); err != nil {
		return models.InventoryCache{}, fmt.Errorf("unmarshal records: %w", err)
	}
	if err := json.Unmarshal(aliasesJSON, &c.Aliases); err != nil {
		return models.InventoryCache{}, fmt.Errorf("unmarshal aliases: %w", err)
	}
	return c, nil
}

// CacheForBatch returns the frozen snapshot created for a batch. Used to
// recover the cache reference when a crash landed between completing the
// fetch step and advancing the batch pointer.
func (s *Store) CacheForBatch(ctx context.Context, batchID string) (models.InventoryCache, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM inventory_caches
		WHERE batch_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, batchID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InventoryCache{}, ErrNotFound
	}
	if err != nil {
		return models.InventoryCache{}, fmt.Errorf("query cache for batch: %w", err)
	}
	return s.GetCache(ctx, id)
}

// LatestCache returns the newest unexpired frozen snapshot, when one exists.
// On-demand incremental syncs reuse it instead of hammering the ERP.
func (s *Store) LatestCache(ctx context.Context) (models.InventoryCache, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM inventory_caches
		WHERE expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InventoryCache{}, false, nil
	}
	if err != nil {
		return models.InventoryCache{}, false, fmt.Errorf("query latest cache: %w", err)
	}
	c, err := s.GetCache(ctx, id)
	if err != nil {
		return models.InventoryCache{}, false, err
	}
	return c, true, nil
}

// --- sync tasks ---

const taskColumns = `id, site_id, task_type, status, priority, retry_count,
	progress_pct, progress_message, payload, error_message, created_at, started_at, completed_at`

func scanTask(row pgx.Row) (models.SyncTask, error) {
	var t models.SyncTask
	var payload []byte
	var progMsg, errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz
	if err := row.Scan(&t.ID, &t.SiteID, &t.Type, &t.Status, &t.Priority, &t.RetryCount,
		&t.ProgressPct, &progMsg, &payload, &errMsg, &t.CreatedAt, &startedAt, &completedAt); err != nil {
		return models.SyncTask{}, err
	}
	if progMsg.Valid {
		t.ProgressMessage = progMsg.String
	}
	t.ErrorMessage = textPtr(errMsg)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return models.SyncTask{}, fmt.Errorf("unmarshal task payload: %w", err)
		}
	}
	return t, nil
}

// CreateTask inserts a pending sync task.
func (s *Store) CreateTask(ctx context.Context, siteID, taskType, priority string, payload map[string]any) (models.SyncTask, error) {
	if priority == "" {
		priority = "default"
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.SyncTask{}, fmt.Errorf("marshal payload: %w", err)
	}

	t := models.SyncTask{
		ID:        uuid.New().String(),
		SiteID:    siteID,
		Type:      taskType,
		Status:    models.TaskPending,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_tasks (id, site_id, task_type, status, priority, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.SiteID, t.Type, t.Status, t.Priority, payloadJSON, t.CreatedAt)
	if err != nil {
		return models.SyncTask{}, fmt.Errorf("insert sync task: %w", err)
	}
	return t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.SyncTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncTask{}, ErrNotFound
	}
	if err != nil {
		return models.SyncTask{}, fmt.Errorf("scan sync task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest first, capped at limit.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]models.SyncTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM sync_tasks ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync tasks: %w", err)
	}
	defer rows.Close()

	var out []models.SyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM sync_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CountTasksProcessing counts rows currently processing. The worker checks
// this before dispatching so the concurrency cap holds across processes.
func (s *Store) CountTasksProcessing(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_tasks WHERE status = $1
	`, models.TaskProcessing).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processing tasks: %w", err)
	}
	return n, nil
}

// TransitionTask atomically moves a task between statuses.
func (s *Store) TransitionTask(ctx context.Context, id, from, to string) error {
	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	if to == models.TaskProcessing {
		startedAt = &now
	}
	if models.TaskTerminal(to) {
		completedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_tasks
		SET status = $3,
		    started_at = COALESCE($4, started_at),
		    completed_at = COALESCE($5, completed_at)
		WHERE id = $1 AND status = $2
	`, id, from, to, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// UpdateTaskProgress records incremental progress on a processing task.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, pct int, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_tasks SET progress_pct = $2, progress_message = $3 WHERE id = $1
	`, id, pct, message)
	return err
}

// FailTask marks a task failed with its error message. Both processing and
// pending rows qualify: a pending task fails when its queue entry cannot be
// written, leaving nothing to ever pick it up.
func (s *Store) FailTask(ctx context.Context, id, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_tasks
		SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.TaskFailed, errorMessage, models.TaskPending, models.TaskProcessing)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// RetryTask re-enqueues a failed task: reset to pending, bump retry_count.
// Retries are explicit only; nothing re-enqueues automatically.
func (s *Store) RetryTask(ctx context.Context, id string) (models.SyncTask, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_tasks
		SET status = $2, retry_count = retry_count + 1, error_message = NULL,
		    progress_pct = 0, progress_message = '', started_at = NULL, completed_at = NULL
		WHERE id = $1 AND status = $3
	`, id, models.TaskPending, models.TaskFailed)
	if err != nil {
		return models.SyncTask{}, fmt.Errorf("retry task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.SyncTask{}, ErrStatusConflict
	}
	return s.GetTask(ctx, id)
}

// CancelTask cooperatively cancels a pending or processing task. An in-flight
// handler notices the cancelled row at its next progress checkpoint.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_tasks
		SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.TaskCancelled, models.TaskPending, models.TaskProcessing)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// DeleteTask removes a terminal task record.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_tasks
		WHERE id = $1 AND status IN ($2, $3, $4)
	`, id, models.TaskCompleted, models.TaskFailed, models.TaskCancelled)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
