package raydium

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// Pool Directory — Raydium V3 listing API with TTL cache
// ---------------------------------------------------------------------------

// FetchError means the listing service failed and no cached result exists.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("pool directory fetch: %v", e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ClientConfig configures the directory client.
type ClientConfig struct {
	BaseURL  string
	PageSize int
	MaxPages int
	CacheTTL time.Duration
	Timeout  time.Duration
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:  "https://api-v3.raydium.io",
		PageSize: 100,
		MaxPages: 10,
		CacheTTL: 60 * time.Second,
		Timeout:  15 * time.Second,
	}
}

// Client fetches WSOL-quoted pools from the Raydium V3 listing API.
// Results are cached for CacheTTL; on fetch failure the last cached result is
// served so a flaky listing service never blocks the scheduler.
type Client struct {
	config     ClientConfig
	httpClient *http.Client

	mu        sync.Mutex
	cached    []Pool
	cachedAt  time.Time
	haveCache bool
}

// NewClient creates a pool directory client.
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api-v3.raydium.io"
	}
	if config.PageSize == 0 {
		config.PageSize = 100
	}
	if config.MaxPages == 0 {
		config.MaxPages = 10
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 60 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// ListWSOLPools returns all standard WSOL-quoted pools, deduplicated across
// a liquidity-sorted and a volume-sorted pass.
func (c *Client) ListWSOLPools(ctx context.Context) ([]Pool, error) {
	c.mu.Lock()
	if c.haveCache && time.Since(c.cachedAt) < c.config.CacheTTL {
		pools := c.cached
		c.mu.Unlock()
		return pools, nil
	}
	c.mu.Unlock()

	pools, err := c.fetchAll(ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.haveCache {
			log.Warn().Err(err).Msg("directory: fetch failed, serving stale cache")
			return c.cached, nil
		}
		return nil, &FetchError{Err: err}
	}

	c.mu.Lock()
	c.cached = pools
	c.cachedAt = time.Now()
	c.haveCache = true
	c.mu.Unlock()

	log.Debug().Int("pools", len(pools)).Msg("directory: refreshed pool list")
	return pools, nil
}

// fetchAll merges a liquidity-sorted and a volume-sorted scan. Sorting by
// volume surfaces active small pools the liquidity sort would bury past the
// page cap.
func (c *Client) fetchAll(ctx context.Context) ([]Pool, error) {
	seen := make(map[string]bool)
	var pools []Pool

	for _, sortField := range []string{"liquidity", "volume24h"} {
		fetched, err := c.fetchSorted(ctx, sortField)
		if err != nil {
			// One complete pass is enough to trade on.
			if len(pools) > 0 {
				log.Warn().Err(err).Str("sort", sortField).Msg("directory: partial fetch, using first pass only")
				break
			}
			return nil, err
		}
		for _, p := range fetched {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			pools = append(pools, p)
		}
	}

	return pools, nil
}

func (c *Client) fetchSorted(ctx context.Context, sortField string) ([]Pool, error) {
	var pools []Pool

	for page := 1; page <= c.config.MaxPages; page++ {
		query := url.Values{}
		query.Set("mint1", string(solana.WSOLMint))
		query.Set("poolType", "standard")
		query.Set("poolSortField", sortField)
		query.Set("sortType", "desc")
		query.Set("pageSize", strconv.Itoa(c.config.PageSize))
		query.Set("page", strconv.Itoa(page))

		endpoint := c.config.BaseURL + "/pools/info/mint?" + query.Encode()

		var resp poolPageResponse
		if err := c.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, fmt.Errorf("listing service returned success=false (sort=%s page=%d)", sortField, page)
		}

		for _, raw := range resp.Data.Data {
			pool, ok := normalizePool(raw)
			if !ok {
				continue
			}
			pools = append(pools, pool)
		}

		if !resp.Data.HasNextPage || len(resp.Data.Data) < c.config.PageSize {
			break
		}
	}

	return pools, nil
}

// PoolsByID fetches specific pools by their IDs.
func (c *Client) PoolsByID(ctx context.Context, ids []string) ([]Pool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	endpoint := c.config.BaseURL + "/pools/info/ids?ids=" + url.QueryEscape(strings.Join(ids, ","))

	var resp poolListResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("listing service returned success=false for ids lookup")
	}

	pools := make([]Pool, 0, len(resp.Data))
	for _, raw := range resp.Data {
		if pool, ok := normalizePool(raw); ok {
			pools = append(pools, pool)
		}
	}
	return pools, nil
}

// PoolsByLPMint identifies which pools a set of LP mints belong to. Used by
// the recovery pass to recognize orphaned LP tokens in the wallet.
func (c *Client) PoolsByLPMint(ctx context.Context, lpMints []solana.Pubkey) (map[solana.Pubkey]Pool, error) {
	if len(lpMints) == 0 {
		return nil, nil
	}
	parts := make([]string, len(lpMints))
	for i, m := range lpMints {
		parts[i] = string(m)
	}
	endpoint := c.config.BaseURL + "/pools/info/lps?lps=" + url.QueryEscape(strings.Join(parts, ","))

	var resp poolListResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("listing service returned success=false for lps lookup")
	}

	result := make(map[solana.Pubkey]Pool)
	for _, raw := range resp.Data {
		if pool, ok := normalizePool(raw); ok {
			result[pool.LPMint] = pool
		}
	}
	return result, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return solana.Transient(fmt.Errorf("listing service: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return solana.Transient(fmt.Errorf("listing service read: %w", err))
	}

	if resp.StatusCode == 429 || resp.StatusCode >= 500 {
		return solana.Transient(fmt.Errorf("listing service HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != 200 {
		return solana.Permanent(fmt.Errorf("listing service HTTP %d: %s", resp.StatusCode, string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return solana.Permanent(fmt.Errorf("listing service parse: %w", err))
	}
	return nil
}

// normalizePool converts a wire record so quote is always the WSOL side.
// Pools not on the standard AMM program or without a WSOL side are dropped.
func normalizePool(raw apiPool) (Pool, bool) {
	if solana.Pubkey(raw.ProgramID) != solana.RaydiumAMMV4Program {
		return Pool{}, false
	}

	var base, quote apiMint
	var baseAmount, quoteAmount = raw.MintAmountA, raw.MintAmountB
	switch {
	case solana.Pubkey(raw.MintB.Address) == solana.WSOLMint:
		base, quote = raw.MintA, raw.MintB
	case solana.Pubkey(raw.MintA.Address) == solana.WSOLMint:
		base, quote = raw.MintB, raw.MintA
		baseAmount, quoteAmount = raw.MintAmountB, raw.MintAmountA
	default:
		return Pool{}, false
	}

	var openTime time.Time
	if ts, err := strconv.ParseInt(raw.OpenTime, 10, 64); err == nil && ts > 0 {
		openTime = time.Unix(ts, 0).UTC()
	}

	return Pool{
		ID:            raw.ID,
		ProgramID:     solana.Pubkey(raw.ProgramID),
		LPMint:        solana.Pubkey(raw.LPMint.Address),
		BaseMint:      solana.Pubkey(base.Address),
		QuoteMint:     solana.Pubkey(quote.Address),
		BaseSymbol:    base.Symbol,
		BaseDecimals:  base.Decimals,
		QuoteDecimals: quote.Decimals,
		TVLUSD:        raw.TVL,
		Volume24hUSD:  raw.Day.Volume,
		APR24hPct:     raw.Day.APR,
		BurnPct:       raw.BurnPercent,
		FeeRate:       raw.FeeRate,
		BaseAmount:    baseAmount,
		QuoteAmount:   quoteAmount,
		OpenTime:      openTime,
	}, true
}
