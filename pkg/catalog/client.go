package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/item-flow/internal/resilience"
)

// Client searches the product catalog (Shopware store API).
type Client interface {
	SearchProducts(ctx context.Context, query string, limit int) (*SearchResponse, error)
}

// Product is one catalog hit.
type Product struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Number      string   `json:"productNumber"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Price       *float64 `json:"price"`
}

// SearchResponse carries a human-readable summary plus the structured hits.
type SearchResponse struct {
	Text     string
	Products []Product
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL   string
	accessKey string
	http      *http.Client
	retry     resilience.RetryConfig
}

// NewClient creates a catalog client against a store API base URL.
func NewClient(baseURL, accessKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: accessKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: resilience.DefaultRetryConfig(),
	}
	c.retry.OnRetry = resilience.RetryLogger("catalog", "search")
	for _, o := range opts {
		o(c)
	}
	return c
}

type searchRequest struct {
	Search string `json:"search"`
	Limit  int    `json:"limit"`
}

type searchResponse struct {
	Elements []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ProductNumber string `json:"productNumber"`
		Description   string `json:"description"`
		CalculatedPrice struct {
			UnitPrice *float64 `json:"unitPrice"`
		} `json:"calculatedPrice"`
		SeoUrls []struct {
			SeoPathInfo string `json:"seoPathInfo"`
			URL         string `json:"url"`
		} `json:"seoUrls"`
	} `json:"elements"`
}

func (c *httpClient) SearchProducts(ctx context.Context, query string, limit int) (*SearchResponse, error) {
	if query == "" {
		return nil, eris.New("catalog: empty query")
	}
	if limit <= 0 {
		limit = 5
	}

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*SearchResponse, error) {
		return c.search(ctx, query, limit)
	})
}

func (c *httpClient) search(ctx context.Context, query string, limit int) (*SearchResponse, error) {
	body, err := json.Marshal(searchRequest{Search: query, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "catalog: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "catalog: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("sw-access-key", c.accessKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read response")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("catalog: unexpected status %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("catalog: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, eris.Wrap(err, "catalog: unmarshal response")
	}

	out := &SearchResponse{}
	for _, e := range parsed.Elements {
		p := Product{
			ID:          e.ID,
			Name:        e.Name,
			Number:      e.ProductNumber,
			Description: e.Description,
			Price:       e.CalculatedPrice.UnitPrice,
		}
		for _, u := range e.SeoUrls {
			switch {
			case u.URL != "":
				p.URL = u.URL
			case u.SeoPathInfo != "":
				p.URL = c.baseURL + "/" + strings.TrimLeft(u.SeoPathInfo, "/")
			}
			if p.URL != "" {
				break
			}
		}
		out.Products = append(out.Products, p)
	}

	out.Text = renderSummary(out.Products)
	return out, nil
}

func renderSummary(products []Product) string {
	if len(products) == 0 {
		return "Keine Treffer im Katalog."
	}
	var b strings.Builder
	for i, p := range products {
		fmt.Fprintf(&b, "%d. %s (Artikelnummer %s)", i+1, p.Name, p.Number)
		if p.Price != nil {
			fmt.Fprintf(&b, " – %.2f EUR", *p.Price)
		}
		if p.URL != "" {
			fmt.Fprintf(&b, " – %s", p.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}
