package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// SOL/USD feed — primary source with fallback and TTL cache
// ---------------------------------------------------------------------------

// Config configures the price feed.
type Config struct {
	PrimaryURL  string
	FallbackURL string
	APIKey      string // optional, primary only
	CacheTTL    time.Duration
	Timeout     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PrimaryURL:  "https://lite-api.jup.ag/price/v2",
		FallbackURL: "https://api.coingecko.com/api/v3/simple/price",
		CacheTTL:    60 * time.Second,
		Timeout:     10 * time.Second,
	}
}

// Feed serves the SOL/USD price. The primary source is tried first; on any
// failure the fallback is queried. Results are cached for CacheTTL, which is
// also the rate discipline toward both services.
type Feed struct {
	config     Config
	httpClient *http.Client

	mu       sync.Mutex
	cached   decimal.Decimal
	cachedAt time.Time
}

// NewFeed creates a price feed.
func NewFeed(config Config) *Feed {
	if config.PrimaryURL == "" {
		config.PrimaryURL = "https://lite-api.jup.ag/price/v2"
	}
	if config.FallbackURL == "" {
		config.FallbackURL = "https://api.coingecko.com/api/v3/simple/price"
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 60 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Feed{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// SOLPriceUSD returns the current SOL/USD price.
func (f *Feed) SOLPriceUSD(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	if !f.cached.IsZero() && time.Since(f.cachedAt) < f.config.CacheTTL {
		price := f.cached
		f.mu.Unlock()
		return price, nil
	}
	f.mu.Unlock()

	price, err := f.fetchPrimary(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("pricefeed: primary source failed, trying fallback")
		price, err = f.fetchFallback(ctx)
		if err != nil {
			// Serve whatever we have; a stale price beats no price for display.
			f.mu.Lock()
			defer f.mu.Unlock()
			if !f.cached.IsZero() {
				return f.cached, nil
			}
			return decimal.Zero, fmt.Errorf("pricefeed: all sources failed: %w", err)
		}
	}

	f.mu.Lock()
	f.cached = price
	f.cachedAt = time.Now()
	f.mu.Unlock()

	return price, nil
}

// fetchPrimary queries the Jupiter price API.
func (f *Feed) fetchPrimary(ctx context.Context) (decimal.Decimal, error) {
	endpoint := f.config.PrimaryURL + "?ids=" + string(solana.WSOLMint)

	body, err := f.get(ctx, endpoint, f.config.APIKey)
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Data map[string]struct {
			Price decimal.Decimal `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("parse primary response: %w", err)
	}

	entry, ok := resp.Data[string(solana.WSOLMint)]
	if !ok || !entry.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("primary response missing SOL price")
	}
	return entry.Price, nil
}

// fetchFallback queries the CoinGecko simple-price API.
func (f *Feed) fetchFallback(ctx context.Context) (decimal.Decimal, error) {
	endpoint := f.config.FallbackURL + "?ids=solana&vs_currencies=usd"

	body, err := f.get(ctx, endpoint, "")
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Solana struct {
			USD decimal.Decimal `json:"usd"`
		} `json:"solana"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("parse fallback response: %w", err)
	}

	if !resp.Solana.USD.IsPositive() {
		return decimal.Zero, fmt.Errorf("fallback response missing SOL price")
	}
	return resp.Solana.USD, nil
}

func (f *Feed) get(ctx context.Context, endpoint, apiKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, solana.Transient(fmt.Errorf("price source: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, solana.Transient(fmt.Errorf("price source read: %w", err))
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("price source HTTP %d", resp.StatusCode)
	}
	return body, nil
}
