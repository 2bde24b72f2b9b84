package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/models"
)

const pageSizeCap = 500

// Client reads the external warehouse ledger through the ERP's single
// object-API endpoint. It never retries; a snapshot is all-or-nothing and
// re-attempting a failed fetch is the batch state machine's call.
type Client struct {
	baseURL     string
	engineCode  string
	secret      string
	invSchema   string
	aliasSchema string
	invFields   config.SchemaMapping
	aliasFields config.SchemaMapping
	pageDelay   time.Duration
	detailDelay time.Duration
	http        *http.Client
	log         *logrus.Logger
}

// NewClient builds an ERP client from configuration.
func NewClient(cfg config.Config, log *logrus.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.ERPBaseURL, "/"),
		engineCode:  cfg.ERPEngineCode,
		secret:      cfg.ERPEngineSecret,
		invSchema:   cfg.ERPInventorySchema,
		aliasSchema: cfg.ERPAliasSchema,
		invFields:   cfg.InventoryFields,
		aliasFields: cfg.AliasFields,
		pageDelay:   cfg.ERPPageDelay,
		detailDelay: cfg.ERPDetailDelay,
		http:        &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

type invokeRequest struct {
	ActionName string       `json:"ActionName"`
	SchemaCode string       `json:"SchemaCode"`
	Filter     invokeFilter `json:"Filter"`
}

type invokeFilter struct {
	FromRow  int              `json:"FromRow"`
	ToRow    int              `json:"ToRow"`
	Matchers []map[string]any `json:"Matchers"`
}

type invokeResponse struct {
	Successful bool   `json:"Successful"`
	ErrMessage string `json:"ErrorMessage"`
	ReturnData struct {
		BizObjectArray []map[string]any `json:"BizObjectArray"`
		BizObject      map[string]any   `json:"BizObject"`
	} `json:"ReturnData"`
}

// FetchInventorySnapshot pulls the full inventory ledger, one page at a
// time, and returns the normalized records. Partial results are discarded
// on any failure.
func (c *Client) FetchInventorySnapshot(ctx context.Context, pageSize int) ([]models.InventoryRecord, error) {
	pageSize = clampPageSize(pageSize)

	var records []models.InventoryRecord
	for from := 0; ; from += pageSize {
		if from > 0 {
			if err := sleepCtx(ctx, c.pageDelay); err != nil {
				return nil, transientErr("page delay interrupted: %w", err)
			}
		}

		rows, err := c.listPage(ctx, c.invSchema, from, from+pageSize)
		if err != nil {
			return nil, err
		}

		for _, raw := range rows {
			rec, err := normalizeInventory(raw, c.invFields)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}

		c.log.WithFields(logrus.Fields{"from": from, "rows": len(rows)}).Debug("erp inventory page")
		if len(rows) < pageSize {
			return records, nil
		}
	}
}

// FetchAliasMap pulls the SKU-alias table, keyed by storefront SKU.
func (c *Client) FetchAliasMap(ctx context.Context, pageSize int) (map[string]models.SkuAlias, error) {
	pageSize = clampPageSize(pageSize)
	if c.aliasSchema == "" {
		return map[string]models.SkuAlias{}, nil
	}

	aliases := map[string]models.SkuAlias{}
	for from := 0; ; from += pageSize {
		if from > 0 {
			if err := sleepCtx(ctx, c.pageDelay); err != nil {
				return nil, transientErr("page delay interrupted: %w", err)
			}
		}

		rows, err := c.listPage(ctx, c.aliasSchema, from, from+pageSize)
		if err != nil {
			return nil, err
		}

		for _, raw := range rows {
			storefrontSku, alias, err := normalizeAlias(raw, c.aliasFields)
			if err != nil {
				return nil, err
			}
			aliases[storefrontSku] = alias
		}

		if len(rows) < pageSize {
			return aliases, nil
		}
	}
}

// ResolveWarehouseNames resolves warehouse display names one object at a
// time; the upstream has no batched lookup, so each call is throttled.
func (c *Client) ResolveWarehouseNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	for i, id := range ids {
		if i > 0 {
			if err := sleepCtx(ctx, c.detailDelay); err != nil {
				return nil, transientErr("detail delay interrupted: %w", err)
			}
		}
		obj, err := c.loadObject(ctx, id)
		if err != nil {
			return nil, err
		}
		if name, ok := obj["Name"].(string); ok {
			names[id] = name
		}
	}
	return names, nil
}

func (c *Client) listPage(ctx context.Context, schemaCode string, fromRow, toRow int) ([]map[string]any, error) {
	resp, err := c.invoke(ctx, invokeRequest{
		ActionName: "LoadBizObjects",
		SchemaCode: schemaCode,
		Filter:     invokeFilter{FromRow: fromRow, ToRow: toRow, Matchers: []map[string]any{}},
	})
	if err != nil {
		return nil, err
	}
	return resp.ReturnData.BizObjectArray, nil
}

func (c *Client) loadObject(ctx context.Context, objectID string) (map[string]any, error) {
	resp, err := c.invoke(ctx, invokeRequest{
		ActionName: "LoadBizObject",
		SchemaCode: c.invSchema,
		Filter:     invokeFilter{Matchers: []map[string]any{{"ObjectId": objectID}}},
	})
	if err != nil {
		return nil, err
	}
	if resp.ReturnData.BizObject == nil {
		return nil, malformedErr("object %s: empty BizObject", objectID)
	}
	return resp.ReturnData.BizObject, nil
}

func (c *Client) invoke(ctx context.Context, reqBody invokeRequest) (*invokeResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, malformedErr("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, transientErr("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("EngineCode", c.engineCode)
	req.Header.Set("EngineSecret", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transientErr("call erp: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientErr("read erp response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, authErr("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, transientErr("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, malformedErr("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed invokeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, malformedErr("decode erp response: %w", err)
	}
	if !parsed.Successful {
		msg := strings.ToLower(parsed.ErrMessage)
		if strings.Contains(msg, "engine") || strings.Contains(msg, "auth") || strings.Contains(msg, "secret") {
			return nil, authErr("erp rejected call: %s", parsed.ErrMessage)
		}
		return nil, transientErr("erp rejected call: %s", parsed.ErrMessage)
	}
	return &parsed, nil
}

func clampPageSize(n int) int {
	if n <= 0 || n > pageSizeCap {
		return pageSizeCap
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
