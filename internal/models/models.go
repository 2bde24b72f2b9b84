package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus enumerates reconciliation run states persisted in Postgres.
const (
	BatchPending   = "pending"
	BatchFetching  = "fetching"
	BatchSyncing   = "syncing"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// StepStatus enumerates per-storefront step states.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// TaskStatus enumerates on-demand sync task states.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// TaskType enumerates the fixed set of on-demand sync routines.
const (
	TaskFull        = "full"
	TaskIncremental = "incremental"
	TaskSkuBatch    = "sku_batch"
)

// BatchTerminal reports whether a batch status admits no further transitions.
func BatchTerminal(status string) bool {
	return status == BatchCompleted || status == BatchFailed
}

// TaskTerminal reports whether a task status admits no further transitions.
func TaskTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCancelled
}

// Batch is one end-to-end reconciliation run across all configured
// storefronts, sharing one frozen ERP snapshot. Step 0 is the ERP fetch;
// steps 1..N map to SiteIDs[step-1].
type Batch struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	SiteIDs      []string   `json:"site_ids"`
	CurrentStep  int        `json:"current_step"`
	CacheID      *string    `json:"cache_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// StepResult records the outcome of one step of one batch. At most one
// StepResult per (batch, step_index) exists, enforced by a unique index.
type StepResult struct {
	ID           string       `json:"id"`
	BatchID      string       `json:"batch_id"`
	StepIndex    int          `json:"step_index"`
	SiteID       string       `json:"site_id"`
	Status       string       `json:"status"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Counters     StepCounters `json:"counters"`
	Detail       []SkuOutcome `json:"detail,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
}

// StepCounters tallies the per-SKU action log; the four action counters
// always sum to Checked.
type StepCounters struct {
	Checked          int `json:"checked"`
	SyncedInStock    int `json:"synced_to_instock"`
	SyncedOutOfStock int `json:"synced_to_outofstock"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
}

// SkuOutcome is one row of a step's per-SKU action log.
type SkuOutcome struct {
	Sku         string          `json:"sku"`
	NetStock    decimal.Decimal `json:"erp_net_stock"`
	PriorStatus string          `json:"prior_status"`
	Action      string          `json:"action"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// InventoryCache is the frozen ERP snapshot tied 1:1 to a batch. It is never
// mutated after creation and is read by every step of its batch.
type InventoryCache struct {
	ID        string              `json:"id"`
	BatchID   string              `json:"batch_id"`
	Records   []InventoryRecord   `json:"records"`
	Aliases   map[string]SkuAlias `json:"aliases"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// InventoryRecord is one normalized warehouse-ledger row. Quantities are
// decimals because the ERP reports fractional pack quantities.
type InventoryRecord struct {
	Sku           string          `json:"sku"`
	Available     decimal.Decimal `json:"available"`
	Shortfall     decimal.Decimal `json:"shortfall"`
	WarehouseID   string          `json:"warehouse_id"`
	WarehouseName string          `json:"warehouse_name,omitempty"`
}

// NetStock is available minus shortfall, before any alias scaling.
func (r InventoryRecord) NetStock() decimal.Decimal {
	return r.Available.Sub(r.Shortfall)
}

// SkuAlias relates a storefront-facing SKU to the ERP's internal SKU, with a
// quantity multiplier for differing pack sizes.
type SkuAlias struct {
	ErpSku     string          `json:"erp_sku"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// SyncTask is a queued unit of on-demand sync work, independent of batches.
type SyncTask struct {
	ID              string         `json:"id"`
	SiteID          string         `json:"site_id"`
	Type            string         `json:"task_type"`
	Status          string         `json:"status"`
	Priority        string         `json:"priority"`
	RetryCount      int            `json:"retry_count"`
	ProgressPct     int            `json:"progress_percentage"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// StockStatus values understood on the storefront side.
const (
	StockStatusIn  = "instock"
	StockStatusOut = "outofstock"
)

// StorefrontProduct is the slice of a storefront product the reconciler
/// cares about: identity plus current stock state.
type StorefrontProduct struct {
	ID           int64  `json:"id"`
	Sku          string `json:"sku"`
	StockStatus  string `json:"stock_status"`
	ManagesStock bool   `json:"manage_stock"`
}
