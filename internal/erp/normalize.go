package erp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/models"
)

// Attribute names a SchemaMapping may target. Records arrive keyed by opaque
// field codes (F0000001..); the mapping turns them into these names before
// any other component sees the data.
const (
	attrSku           = "sku"
	attrAvailable     = "available"
	attrShortfall     = "shortfall"
	attrWarehouseID   = "warehouse_id"
	attrStorefrontSku = "storefront_sku"
	attrErpSku        = "erp_sku"
	attrMultiplier    = "multiplier"
)

func normalizeInventory(raw map[string]any, mapping config.SchemaMapping) (models.InventoryRecord, error) {
	named := applyMapping(raw, mapping)

	sku := stringField(named, attrSku)
	if sku == "" {
		return models.InventoryRecord{}, malformedErr("inventory record without sku: %v", raw)
	}

	available, err := decimalField(named, attrAvailable)
	if err != nil {
		return models.InventoryRecord{}, malformedErr("record %s: %v", sku, err)
	}
	shortfall, err := decimalField(named, attrShortfall)
	if err != nil {
		return models.InventoryRecord{}, malformedErr("record %s: %v", sku, err)
	}

	return models.InventoryRecord{
		Sku:         sku,
		Available:   available,
		Shortfall:   shortfall,
		WarehouseID: stringField(named, attrWarehouseID),
	}, nil
}

func normalizeAlias(raw map[string]any, mapping config.SchemaMapping) (string, models.SkuAlias, error) {
	named := applyMapping(raw, mapping)

	storefrontSku := stringField(named, attrStorefrontSku)
	erpSku := stringField(named, attrErpSku)
	if storefrontSku == "" || erpSku == "" {
		return "", models.SkuAlias{}, malformedErr("alias record missing sku fields: %v", raw)
	}

	multiplier, err := decimalField(named, attrMultiplier)
	if err != nil {
		return "", models.SkuAlias{}, malformedErr("alias %s: %v", storefrontSku, err)
	}
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}

	return storefrontSku, models.SkuAlias{ErpSku: erpSku, Multiplier: multiplier}, nil
}

// applyMapping renames mapped field codes; unmapped keys pass through so a
// mapping can be partial during rollout.
func applyMapping(raw map[string]any, mapping config.SchemaMapping) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if name, ok := mapping[k]; ok {
			out[name] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

func decimalField(m map[string]any, key string) (decimal.Decimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), nil
	case string:
		if strings.TrimSpace(t) == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %s: %w", key, err)
		}
		return d, nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %s: %w", key, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("field %s: unsupported type %T", key, v)
	}
}
