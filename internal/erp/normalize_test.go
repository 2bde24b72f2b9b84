package erp

import (
	"testing"

	"stock-reconciler/internal/config"
)

func TestNormalizeAliasDefaultsMultiplier(t *testing.T) {
	mapping := config.SchemaMapping{
		"F0000010": "storefront_sku",
		"F0000011": "erp_sku",
		"F0000012": "multiplier",
	}

	sku, alias, err := normalizeAlias(map[string]any{
		"F0000010": "SHOP-1",
		"F0000011": "ERP-1",
	}, mapping)
	if err != nil {
		t.Fatalf("normalize alias: %v", err)
	}
	if sku != "SHOP-1" || alias.ErpSku != "ERP-1" {
		t.Fatalf("got sku=%s alias=%+v", sku, alias)
	}
	if !alias.Multiplier.Equal(mustDecimal(t, "1")) {
		t.Fatalf("missing multiplier should default to 1, got %s", alias.Multiplier)
	}

	_, _, err = normalizeAlias(map[string]any{"F0000011": "ERP-1"}, mapping)
	if err == nil {
		t.Fatalf("alias without storefront sku should fail")
	}
}

func TestApplyMappingPassesUnmappedKeys(t *testing.T) {
	mapping := config.SchemaMapping{"F0000001": "sku"}
	out := applyMapping(map[string]any{
		"F0000001": "SKU-9",
		"F0000099": "extra",
	}, mapping)
	if out["sku"] != "SKU-9" {
		t.Fatalf("mapped key missing: %v", out)
	}
	if out["F0000099"] != "extra" {
		t.Fatalf("unmapped key should pass through: %v", out)
	}
}

func TestNormalizeInventoryStringQuantities(t *testing.T) {
	mapping := config.SchemaMapping{
		"F0000001": "sku",
		"F0000002": "available",
		"F0000003": "shortfall",
		"F0000004": "warehouse_id",
	}
	rec, err := normalizeInventory(map[string]any{
		"F0000001": "SKU-1",
		"F0000002": "12.5",
		"F0000003": "",
		"F0000004": "WH-1",
	}, mapping)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !rec.NetStock().Equal(mustDecimal(t, "12.5")) {
		t.Fatalf("net = %s, want 12.5", rec.NetStock())
	}
	if rec.WarehouseID != "WH-1" {
		t.Fatalf("warehouse = %s", rec.WarehouseID)
	}
}
