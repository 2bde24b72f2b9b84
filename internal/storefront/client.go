package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stock-reconciler/internal/config"
	"stock-reconciler/internal/models"
)

// Client talks to one storefront's product REST API. Writes are idempotent:
// setting a stock status that is already set is a no-op on the storefront
// side, so repeating an at-least-once write is safe.
type Client struct {
	site config.Site
	http *http.Client
	log  *logrus.Logger
}

// NewClient builds a client for one configured storefront.
func NewClient(site config.Site, log *logrus.Logger) *Client {
	return &Client{
		site: site,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

// SiteID returns the configured storefront id.
func (c *Client) SiteID() string { return c.site.ID }

// ListProducts pages through every product the storefront tracks, returning
// the reconciler's view of each: sku plus current stock state.
func (c *Client) ListProducts(ctx context.Context, pageSize int) ([]models.StorefrontProduct, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	var out []models.StorefrontProduct
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("per_page", strconv.Itoa(pageSize))
		params.Set("page", strconv.Itoa(page))

		var products []models.StorefrontProduct
		if err := c.get(ctx, "/wp-json/wc/v3/products", params, &products); err != nil {
			return nil, fmt.Errorf("list products page %d: %w", page, err)
		}

		out = append(out, products...)
		if len(products) < pageSize {
			return out, nil
		}
	}
}

// LookupProduct returns zero-or-one product matching the SKU.
func (c *Client) LookupProduct(ctx context.Context, sku string) (models.StorefrontProduct, bool, error) {
	params := url.Values{}
	params.Set("sku", sku)

	var products []models.StorefrontProduct
	if err := c.get(ctx, "/wp-json/wc/v3/products", params, &products); err != nil {
		return models.StorefrontProduct{}, false, fmt.Errorf("lookup sku %s: %w", sku, err)
	}
	if len(products) == 0 {
		return models.StorefrontProduct{}, false, nil
	}
	return products[0], true, nil
}

// SetStockStatus writes the stock status for one product. When the product
// manages stock quantity, a sentinel quantity accompanies the status: 1 for
// in stock, 0 for out of stock.
func (c *Client) SetStockStatus(ctx context.Context, product models.StorefrontProduct, status string) error {
	body := map[string]any{"stock_status": status}
	if product.ManagesStock {
		qty := 0
		if status == models.StockStatusIn {
			qty = 1
		}
		body["stock_quantity"] = qty
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/wp-json/wc/v3/products/%d", strings.TrimRight(c.site.BaseURL, "/"), product.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.site.Key, c.site.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update product %d: %w", product.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("update product %d: status %d: %s", product.ID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, dest any) error {
	endpoint := strings.TrimRight(c.site.BaseURL, "/") + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.site.Key, c.site.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("storefront api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, dest)
}
