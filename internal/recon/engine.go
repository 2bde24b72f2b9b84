package recon

import (
	"github.com/shopspring/decimal"

	"stock-reconciler/internal/models"
)

// Action is the single decision produced for every SKU on a storefront's
// checklist.
type Action string

const (
	ToInStock    Action = "toInStock"
	ToOutOfStock Action = "toOutOfStock"
	Skip         Action = "skip"
)

// Skip reasons recorded for visibility.
const (
	ReasonNotTracked        = "not tracked on this storefront"
	ReasonNoErpData         = "no ERP data"
	ReasonAlreadyConsistent = "already consistent"
)

// Decision carries the action plus the inputs it was derived from, for the
// per-SKU audit log.
type Decision struct {
	Action   Action
	Reason   string
	NetStock decimal.Decimal
}

// Decide maps one SKU's ERP view and storefront view to exactly one action.
// It is total: every input combination yields a decision, never a panic.
//
// The alias multiplier scales the net stock (available minus shortfall), so
// one ERP SKU backing several storefront SKUs at different pack sizes is
// compared in storefront units. Net stock of exactly zero counts as out of
// stock.
func Decide(erpRecord *models.InventoryRecord, alias *models.SkuAlias, product *models.StorefrontProduct) Decision {
	if product == nil {
		return Decision{Action: Skip, Reason: ReasonNotTracked}
	}
	if erpRecord == nil {
		return Decision{Action: Skip, Reason: ReasonNoErpData}
	}

	net := erpRecord.NetStock()
	if alias != nil && !alias.Multiplier.IsZero() {
		net = net.Mul(alias.Multiplier)
	}

	inStock := net.GreaterThan(decimal.Zero)
	switch {
	case inStock && product.StockStatus == models.StockStatusIn:
		return Decision{Action: Skip, Reason: ReasonAlreadyConsistent, NetStock: net}
	case !inStock && product.StockStatus == models.StockStatusOut:
		return Decision{Action: Skip, Reason: ReasonAlreadyConsistent, NetStock: net}
	case inStock:
		return Decision{Action: ToInStock, NetStock: net}
	default:
		return Decision{Action: ToOutOfStock, NetStock: net}
	}
}

// Resolve finds the ERP record backing a storefront SKU, following the alias
// table when present. The returned alias is nil for direct matches.
func Resolve(sku string, records map[string]models.InventoryRecord, aliases map[string]models.SkuAlias) (*models.InventoryRecord, *models.SkuAlias) {
	if alias, ok := aliases[sku]; ok {
		if rec, ok := records[alias.ErpSku]; ok {
			a := alias
			return &rec, &a
		}
		return nil, nil
	}
	if rec, ok := records[sku]; ok {
		return &rec, nil
	}
	return nil, nil
}
