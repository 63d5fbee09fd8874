package refdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderConfig_Validate(t *testing.T) {
	t.Run("missing base URL", func(t *testing.T) {
		cfg := &ProviderConfig{}
		assert.Error(t, cfg.Validate())
	})

	t.Run("applies default timeout", func(t *testing.T) {
		cfg := &ProviderConfig{BaseURL: "http://localhost:9000"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 10*time.Second, cfg.Timeout)
	})
}

func TestHTTPFXProvider_FetchRate(t *testing.T) {
	date := time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC)

	t.Run("parses rate and passes query params", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "EUR", r.URL.Query().Get("base"))
			assert.Equal(t, "2026-05-14", r.URL.Query().Get("date"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"base":"EUR","date":"2026-05-14","rate_to_home":"1.0835"}`))
		}))
		defer server.Close()

		provider, err := NewHTTPFXProvider(&ProviderConfig{BaseURL: server.URL})
		require.NoError(t, err)

		rate, err := provider.FetchRate(context.Background(), "EUR", date)
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.NewFromFloat(1.0835)), "got %s", rate)
	})

	t.Run("rejects non-positive rate", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"base":"EUR","rate_to_home":"0"}`))
		}))
		defer server.Close()

		provider, err := NewHTTPFXProvider(&ProviderConfig{BaseURL: server.URL})
		require.NoError(t, err)

		_, err = provider.FetchRate(context.Background(), "EUR", date)
		assert.Error(t, err)
	})

	t.Run("surfaces upstream errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate source offline", http.StatusBadGateway)
		}))
		defer server.Close()

		provider, err := NewHTTPFXProvider(&ProviderConfig{BaseURL: server.URL})
		require.NoError(t, err)

		_, err = provider.FetchRate(context.Background(), "GBP", date)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestHTTPPriceProvider_FetchPrices(t *testing.T) {
	date := time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC)

	t.Run("parses price table", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2026-05-14", r.URL.Query().Get("date"))
			_, _ = w.Write([]byte(`{"models":[
				{"model_id":"gpt-4o","input_per_ktok":"0.005","output_per_ktok":"0.015"},
				{"model_id":"gpt-4o-mini","input_per_ktok":"0.00015","output_per_ktok":"0.0006"}
			]}`))
		}))
		defer server.Close()

		provider, err := NewHTTPPriceProvider(&ProviderConfig{BaseURL: server.URL})
		require.NoError(t, err)

		table, err := provider.FetchPrices(context.Background(), date)
		require.NoError(t, err)
		require.Len(t, table, 2)

		cost, ok := table.CostFor("gpt-4o", 2000, 1000)
		require.True(t, ok)
		assert.True(t, cost.Equal(decimal.NewFromFloat(0.025)), "got %s", cost)
	})

	t.Run("rejects empty table", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"models":[]}`))
		}))
		defer server.Close()

		provider, err := NewHTTPPriceProvider(&ProviderConfig{BaseURL: server.URL})
		require.NoError(t, err)

		_, err = provider.FetchPrices(context.Background(), date)
		assert.Error(t, err)
	})

	t.Run("rejects entry with empty model id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"models":[{"model_id":"","input_per_ktok":"0.001","output_per_ktok":"0.002"}]}`))
		}))
		defer server.Close()

		provider, err := NewHTTPPriceProvider(&ProviderConfig{BaseURL: server.URL})
		require.NoError(t, err)

		_, err = provider.FetchPrices(context.Background(), date)
		assert.Error(t, err)
	})
}
