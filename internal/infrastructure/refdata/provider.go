package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/metering/backend/internal/domain/billing"
)

const (
	// maxResponseSize limits provider response bodies to prevent memory exhaustion
	maxResponseSize = 2 * 1024 * 1024 // 2MB

	dateFormat = "2006-01-02"
)

// FXProvider fetches the daily average exchange rate for a currency pair.
// The rate is expressed as home-currency units per one unit of currency.
type FXProvider interface {
	FetchRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error)
}

// PriceProvider fetches the model price table effective on a given date.
type PriceProvider interface {
	FetchPrices(ctx context.Context, date time.Time) (billing.ModelPriceTable, error)
}

// ProviderConfig holds the connection settings for an upstream reference
// data endpoint.
type ProviderConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Validate checks the provider configuration
func (c *ProviderConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

// HTTPFXProvider fetches exchange rates from an HTTP endpoint returning
// JSON of the form {"base":"EUR","date":"2026-05-01","rate_to_home":"1.08"}.
type HTTPFXProvider struct {
	config     *ProviderConfig
	httpClient *http.Client
}

// NewHTTPFXProvider creates an FX provider for the given endpoint
func NewHTTPFXProvider(config *ProviderConfig) (*HTTPFXProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &HTTPFXProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type fxRateResponse struct {
	Base       string          `json:"base"`
	Date       string          `json:"date"`
	RateToHome decimal.Decimal `json:"rate_to_home"`
}

// FetchRate retrieves the daily average rate for the currency on the date
func (p *HTTPFXProvider) FetchRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/rates?base=%s&date=%s",
		p.config.BaseURL, url.QueryEscape(currency), date.UTC().Format(dateFormat))

	var resp fxRateResponse
	if err := p.getJSON(ctx, endpoint, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("fetch fx rate for %s: %w", currency, err)
	}
	if resp.RateToHome.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("fx provider returned non-positive rate %s for %s", resp.RateToHome, currency)
	}
	return resp.RateToHome, nil
}

func (p *HTTPFXProvider) getJSON(ctx context.Context, endpoint string, out any) error {
	return getJSON(ctx, p.httpClient, endpoint, out)
}

// HTTPPriceProvider fetches the model price table from an HTTP endpoint
// returning JSON of the form
// {"models":[{"model_id":"m","input_per_ktok":"0.005","output_per_ktok":"0.015"}]}.
type HTTPPriceProvider struct {
	config     *ProviderConfig
	httpClient *http.Client
}

// NewHTTPPriceProvider creates a price provider for the given endpoint
func NewHTTPPriceProvider(config *ProviderConfig) (*HTTPPriceProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &HTTPPriceProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type modelPriceItem struct {
	ModelID       string          `json:"model_id"`
	InputPerKTok  decimal.Decimal `json:"input_per_ktok"`
	OutputPerKTok decimal.Decimal `json:"output_per_ktok"`
}

type priceTableResponse struct {
	Models []modelPriceItem `json:"models"`
}

// FetchPrices retrieves the per-1000-token price table effective on the date
func (p *HTTPPriceProvider) FetchPrices(ctx context.Context, date time.Time) (billing.ModelPriceTable, error) {
	endpoint := fmt.Sprintf("%s/prices?date=%s", p.config.BaseURL, date.UTC().Format(dateFormat))

	var resp priceTableResponse
	if err := getJSON(ctx, p.httpClient, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("fetch model prices: %w", err)
	}
	if len(resp.Models) == 0 {
		return nil, fmt.Errorf("price provider returned empty table")
	}

	table := make(billing.ModelPriceTable, len(resp.Models))
	for _, m := range resp.Models {
		if m.ModelID == "" {
			return nil, fmt.Errorf("price provider returned entry with empty model id")
		}
		table[m.ModelID] = billing.ModelPrice{
			InputPerKTok:  m.InputPerKTok,
			OutputPerKTok: m.OutputPerKTok,
		}
	}
	return table, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
