package batch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/models"
	"stock-reconciler/internal/recon"
	"stock-reconciler/internal/telemetry"
)

// RunSiteSync reconciles one storefront against a frozen snapshot. Every SKU
// the storefront tracks gets exactly one action; per-SKU write failures are
// recorded and the remaining SKUs still run. The step itself fails only when
// the storefront cannot produce its product list at all.
func RunSiteSync(ctx context.Context, client SiteClient, cache models.InventoryCache, pageSize int, log *logrus.Entry) (models.StepCounters, []models.SkuOutcome, error) {
	products, err := client.ListProducts(ctx, pageSize)
	if err != nil {
		return models.StepCounters{}, nil, fmt.Errorf("storefront unreachable: %w", err)
	}

	records := make(map[string]models.InventoryRecord, len(cache.Records))
	for _, r := range cache.Records {
		records[r.Sku] = r
	}

	var counters models.StepCounters
	detail := make([]models.SkuOutcome, 0, len(products))

	for _, product := range products {
		counters.Checked++
		p := product
		erpRecord, alias := recon.Resolve(p.Sku, records, cache.Aliases)
		decision := recon.Decide(erpRecord, alias, &p)

		outcome := models.SkuOutcome{
			Sku:         p.Sku,
			NetStock:    decision.NetStock,
			PriorStatus: p.StockStatus,
			Action:      string(decision.Action),
			Reason:      decision.Reason,
		}

		switch decision.Action {
		case recon.Skip:
			counters.Skipped++
			telemetry.SkusSkipped.Inc()
		case recon.ToInStock:
			if err := client.SetStockStatus(ctx, p, models.StockStatusIn); err != nil {
				counters.Failed++
				outcome.Error = err.Error()
				log.WithError(err).WithField("sku", p.Sku).Warn("stock write failed")
			} else {
				counters.SyncedInStock++
				telemetry.SkusWritten.Inc()
			}
		case recon.ToOutOfStock:
			if err := client.SetStockStatus(ctx, p, models.StockStatusOut); err != nil {
				counters.Failed++
				outcome.Error = err.Error()
				log.WithError(err).WithField("sku", p.Sku).Warn("stock write failed")
			} else {
				counters.SyncedOutOfStock++
				telemetry.SkusWritten.Inc()
			}
		}
		detail = append(detail, outcome)
	}

	return counters, detail, nil
}
