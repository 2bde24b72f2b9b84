package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/models"
	"stock-reconciler/internal/recon"
	"stock-reconciler/internal/telemetry"
)

// SiteClient is the storefront surface the on-demand handlers need.
type SiteClient interface {
	SiteID() string
	ListProducts(ctx context.Context, pageSize int) ([]models.StorefrontProduct, error)
	LookupProduct(ctx context.Context, sku string) (models.StorefrontProduct, bool, error)
	SetStockStatus(ctx context.Context, product models.StorefrontProduct, status string) error
}

// Snapshotter pulls live ERP data for full syncs.
type Snapshotter interface {
	FetchInventorySnapshot(ctx context.Context, pageSize int) ([]models.InventoryRecord, error)
	FetchAliasMap(ctx context.Context, pageSize int) (map[string]models.SkuAlias, error)
}

// CacheReader serves the most recent frozen snapshot for incremental work.
type CacheReader interface {
	LatestCache(ctx context.Context) (models.InventoryCache, bool, error)
}

// SyncHandlers implements the fixed set of on-demand sync routines.
type SyncHandlers struct {
	cfg    config.Config
	erp    Snapshotter
	caches CacheReader
	sites  map[string]SiteClient
	log    *logrus.Logger
}

func NewSyncHandlers(cfg config.Config, erp Snapshotter, caches CacheReader, sites map[string]SiteClient, log *logrus.Logger) *SyncHandlers {
	return &SyncHandlers{cfg: cfg, erp: erp, caches: caches, sites: sites, log: log}
}

// Register binds every task type to the processor.
func (h *SyncHandlers) Register(p *Processor) {
	p.RegisterHandler(models.TaskFull, h.HandleFull)
	p.RegisterHandler(models.TaskIncremental, h.HandleIncremental)
	p.RegisterHandler(models.TaskSkuBatch, h.HandleSkuBatch)
}

// HandleFull pulls a fresh ERP snapshot and reconciles every product the
// target storefront tracks against it.
func (h *SyncHandlers) HandleFull(ctx context.Context, task models.SyncTask, checkpoint Checkpoint) error {
	client, err := h.site(task.SiteID)
	if err != nil {
		return err
	}
	if err := checkpoint(ctx, 5, "fetching ERP snapshot"); err != nil {
		return err
	}

	records, err := h.erp.FetchInventorySnapshot(ctx, h.cfg.ERPPageSize)
	if err != nil {
		return fmt.Errorf("erp snapshot: %w", err)
	}
	aliases, err := h.erp.FetchAliasMap(ctx, h.cfg.ERPPageSize)
	if err != nil {
		return fmt.Errorf("erp alias map: %w", err)
	}
	if err := checkpoint(ctx, 25, fmt.Sprintf("snapshot fetched (%d records)", len(records))); err != nil {
		return err
	}

	return h.reconcileAll(ctx, client, indexRecords(records), aliases, 25, checkpoint)
}

// HandleIncremental reconciles the storefront against the most recent frozen
// snapshot instead of pulling the ERP again.
func (h *SyncHandlers) HandleIncremental(ctx context.Context, task models.SyncTask, checkpoint Checkpoint) error {
	client, err := h.site(task.SiteID)
	if err != nil {
		return err
	}

	cache, ok, err := h.caches.LatestCache(ctx)
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if !ok {
		return errors.New("no unexpired snapshot available; run a full sync first")
	}
	if err := checkpoint(ctx, 10, "using snapshot "+cache.ID); err != nil {
		return err
	}

	return h.reconcileAll(ctx, client, indexRecords(cache.Records), cache.Aliases, 10, checkpoint)
}

// HandleSkuBatch reconciles only the SKUs named in the task payload, looking
// each product up individually.
func (h *SyncHandlers) HandleSkuBatch(ctx context.Context, task models.SyncTask, checkpoint Checkpoint) error {
	client, err := h.site(task.SiteID)
	if err != nil {
		return err
	}
	skus := skusFromPayload(task.Payload)
	if len(skus) == 0 {
		return errors.New("sku_batch task has no skus in payload")
	}

	cache, ok, err := h.caches.LatestCache(ctx)
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if !ok {
		return errors.New("no unexpired snapshot available; run a full sync first")
	}

	records := indexRecords(cache.Records)
	for i, sku := range skus {
		product, found, err := client.LookupProduct(ctx, sku)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", sku, err)
		}
		var productPtr *models.StorefrontProduct
		if found {
			productPtr = &product
		}
		if err := h.applyDecision(ctx, client, sku, productPtr, records, cache.Aliases); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"site": client.SiteID(), "sku": sku}).Warn("sku write failed")
		}
		pct := (i + 1) * 100 / len(skus)
		if err := checkpoint(ctx, pct, fmt.Sprintf("%d/%d skus", i+1, len(skus))); err != nil {
			return err
		}
	}
	return nil
}

// reconcileAll runs the per-SKU decision loop over the whole product list,
// checkpointing as it goes. Per-SKU write failures are logged and skipped,
// matching the batch step's continue-on-error policy.
func (h *SyncHandlers) reconcileAll(ctx context.Context, client SiteClient, records map[string]models.InventoryRecord, aliases map[string]models.SkuAlias, basePct int, checkpoint Checkpoint) error {
	products, err := client.ListProducts(ctx, h.cfg.StorefrontPageSize)
	if err != nil {
		return fmt.Errorf("list storefront products: %w", err)
	}

	for i := range products {
		p := products[i]
		if err := h.applyDecision(ctx, client, p.Sku, &p, records, aliases); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"site": client.SiteID(), "sku": p.Sku}).Warn("sku write failed")
		}

		if (i+1)%50 == 0 || i+1 == len(products) {
			pct := basePct + (i+1)*(100-basePct)/len(products)
			if err := checkpoint(ctx, pct, fmt.Sprintf("%d/%d products", i+1, len(products))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *SyncHandlers) applyDecision(ctx context.Context, client SiteClient, sku string, product *models.StorefrontProduct, records map[string]models.InventoryRecord, aliases map[string]models.SkuAlias) error {
	erpRecord, alias := recon.Resolve(sku, records, aliases)
	decision := recon.Decide(erpRecord, alias, product)

	switch decision.Action {
	case recon.ToInStock:
		if err := client.SetStockStatus(ctx, *product, models.StockStatusIn); err != nil {
			return err
		}
		telemetry.SkusWritten.Inc()
	case recon.ToOutOfStock:
		if err := client.SetStockStatus(ctx, *product, models.StockStatusOut); err != nil {
			return err
		}
		telemetry.SkusWritten.Inc()
	default:
		telemetry.SkusSkipped.Inc()
	}
	return nil
}

func (h *SyncHandlers) site(siteID string) (SiteClient, error) {
	client, ok := h.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("storefront %s not configured", siteID)
	}
	return client, nil
}

func indexRecords(records []models.InventoryRecord) map[string]models.InventoryRecord {
	out := make(map[string]models.InventoryRecord, len(records))
	for _, r := range records {
		out[r.Sku] = r
	}
	return out
}

func skusFromPayload(payload map[string]any) []string {
	raw, ok := payload["skus"].([]any)
	if !ok {
		return nil
	}
	var skus []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			skus = append(skus, s)
		}
	}
	return skus
}
