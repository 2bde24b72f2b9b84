package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/logging"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		ERPBaseURL:         baseURL,
		ERPEngineCode:      "engine-1",
		ERPEngineSecret:    "secret-1",
		ERPInventorySchema: "D001Inventory",
		InventoryFields: config.SchemaMapping{
			"F0000001": "sku",
			"F0000002": "available",
			"F0000003": "shortfall",
		},
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestFetchInventorySnapshotPagination(t *testing.T) {
	const total = 5
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ActionName != "LoadBizObjects" || req.SchemaCode != "D001Inventory" {
			t.Fatalf("unexpected request: %+v", req)
		}

		var rows []map[string]any
		for i := req.Filter.FromRow; i < req.Filter.ToRow && i < total; i++ {
			rows = append(rows, map[string]any{
				"F0000001": fmt.Sprintf("SKU-%d", i),
				"F0000002": float64(10 + i),
				"F0000003": "2",
			})
		}
		writeInvokeResponse(w, rows)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), logging.New("error"))
	records, err := client.FetchInventorySnapshot(context.Background(), 2)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}

	if len(records) != total {
		t.Fatalf("got %d records, want %d", len(records), total)
	}
	// Pages of 2 over 5 rows: the third page is short and stops the loop.
	if calls != 3 {
		t.Fatalf("made %d calls, want 3", calls)
	}
	if records[0].Sku != "SKU-0" {
		t.Fatalf("first sku = %s, want SKU-0", records[0].Sku)
	}
	if !records[0].NetStock().Equal(mustDecimal(t, "8")) {
		t.Fatalf("net stock = %s, want 8", records[0].NetStock())
	}
}

func TestFetchInventorySnapshotPageSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if got := req.Filter.ToRow - req.Filter.FromRow; got != pageSizeCap {
			t.Fatalf("page window = %d, want capped at %d", got, pageSizeCap)
		}
		writeInvokeResponse(w, nil)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), logging.New("error"))
	if _, err := client.FetchInventorySnapshot(context.Background(), 10000); err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
}

func TestInvokeErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		class   Class
	}{
		{
			"http 401 is auth",
			func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			ClassAuth,
		},
		{
			"http 503 is transient",
			func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			ClassTransient,
		},
		{
			"http 404 is malformed",
			func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			ClassMalformed,
		},
		{
			"rejected call naming the secret is auth",
			func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"Successful":   false,
					"ErrorMessage": "EngineSecret invalid",
				})
			},
			ClassAuth,
		},
		{
			"rejected call with other message is transient",
			func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"Successful":   false,
					"ErrorMessage": "internal failure",
				})
			},
			ClassTransient,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			client := NewClient(testConfig(srv.URL), logging.New("error"))
			_, err := client.FetchInventorySnapshot(context.Background(), 10)
			if err == nil {
				t.Fatalf("expected error")
			}
			var clientErr *ClientError
			if !errors.As(err, &clientErr) {
				t.Fatalf("error %v is not a ClientError", err)
			}
			if clientErr.Class != tc.class {
				t.Fatalf("class = %s, want %s", clientErr.Class, tc.class)
			}
		})
	}
}

func TestNormalizeInventoryMissingSku(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeInvokeResponse(w, []map[string]any{{"F0000002": 3.0}})
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), logging.New("error"))
	_, err := client.FetchInventorySnapshot(context.Background(), 10)
	if Classify(err) != ClassMalformed {
		t.Fatalf("missing sku should classify as malformed, got %v", err)
	}
}

func writeInvokeResponse(w http.ResponseWriter, rows []map[string]any) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"Successful": true,
		"ReturnData": map[string]any{"BizObjectArray": rows},
	})
}
