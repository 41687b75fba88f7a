package raydium

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvest-trading/harvest/internal/solana"
)

const (
	ammProgram = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	wsolMint   = "So11111111111111111111111111111111111111112"
)

func testAPIPool(id, baseMint string) map[string]any {
	return map[string]any{
		"id":          id,
		"programId":   ammProgram,
		"mintA":       map[string]any{"address": baseMint, "symbol": "TKN", "decimals": 9},
		"mintB":       map[string]any{"address": wsolMint, "symbol": "WSOL", "decimals": 9},
		"lpMint":      map[string]any{"address": "lp-" + id},
		"tvl":         42000.0,
		"feeRate":     0.0025,
		"burnPercent": 95.0,
		"openTime":    "1700000000",
		"mintAmountA": "1000000",
		"mintAmountB": "250",
		"day":         map[string]any{"volume": 84000.0, "apr": 150.0},
	}
}

func pageResponse(pools []map[string]any, hasNext bool) map[string]any {
	return map[string]any{
		"success": true,
		"data": map[string]any{
			"count":       len(pools),
			"data":        pools,
			"hasNextPage": hasNext,
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{
		BaseURL:  server.URL,
		PageSize: 2,
		MaxPages: 3,
		CacheTTL: time.Hour,
	})
}

func TestListWSOLPools_MergesAndDeduplicates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sort := r.URL.Query().Get("poolSortField")
		switch sort {
		case "liquidity":
			json.NewEncoder(w).Encode(pageResponse([]map[string]any{
				testAPIPool("pool-a", "base-a"),
			}, false))
		case "volume24h":
			// pool-a repeats; pool-b is new.
			json.NewEncoder(w).Encode(pageResponse([]map[string]any{
				testAPIPool("pool-a", "base-a"),
				testAPIPool("pool-b", "base-b"),
			}, false))
		default:
			t.Errorf("unexpected sort field %q", sort)
		}
	})

	pools, err := client.ListWSOLPools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "pool-a", pools[0].ID)
	assert.Equal(t, "pool-b", pools[1].ID)
	assert.Equal(t, solana.Pubkey("base-a"), pools[0].BaseMint)
	assert.Equal(t, solana.WSOLMint, pools[0].QuoteMint)
	assert.Equal(t, 95.0, pools[0].BurnPct)
	assert.Equal(t, 2.0, pools[0].VolumeTVLRatio())
}

func TestListWSOLPools_Pagination(t *testing.T) {
	var pages atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("poolSortField") == "volume24h" {
			json.NewEncoder(w).Encode(pageResponse(nil, false))
			return
		}
		pages.Add(1)
		page := r.URL.Query().Get("page")
		if page == "1" {
			json.NewEncoder(w).Encode(pageResponse([]map[string]any{
				testAPIPool("p1", "b1"), testAPIPool("p2", "b2"),
			}, true))
		} else {
			json.NewEncoder(w).Encode(pageResponse([]map[string]any{
				testAPIPool("p3", "b3"),
			}, false))
		}
	})

	pools, err := client.ListWSOLPools(context.Background())
	require.NoError(t, err)
	assert.Len(t, pools, 3)
	assert.Equal(t, int32(2), pages.Load())
}

func TestListWSOLPools_FiltersNonStandardPrograms(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		clmm := testAPIPool("pool-clmm", "base-c")
		clmm["programId"] = "CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK"
		json.NewEncoder(w).Encode(pageResponse([]map[string]any{
			testAPIPool("pool-std", "base-s"),
			clmm,
		}, false))
	})

	pools, err := client.ListWSOLPools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "pool-std", pools[0].ID)
}

func TestListWSOLPools_NormalizesFlippedSides(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flipped := testAPIPool("pool-f", "ignored")
		flipped["mintA"] = map[string]any{"address": wsolMint, "symbol": "WSOL", "decimals": 9}
		flipped["mintB"] = map[string]any{"address": "base-f", "symbol": "FLIP", "decimals": 6}
		flipped["mintAmountA"] = "250"
		flipped["mintAmountB"] = "1000000"
		json.NewEncoder(w).Encode(pageResponse([]map[string]any{flipped}, false))
	})

	pools, err := client.ListWSOLPools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, solana.Pubkey("base-f"), pools[0].BaseMint)
	assert.Equal(t, uint8(6), pools[0].BaseDecimals)
	assert.Equal(t, "1000000", pools[0].BaseAmount.String())
	assert.Equal(t, "250", pools[0].QuoteAmount.String())
}

func TestListWSOLPools_CacheAndStaleFallback(t *testing.T) {
	var calls atomic.Int32
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(500)
			return
		}
		json.NewEncoder(w).Encode(pageResponse([]map[string]any{testAPIPool("pool-a", "base-a")}, false))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		BaseURL:  server.URL,
		CacheTTL: 50 * time.Millisecond,
	})

	pools, err := client.ListWSOLPools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	firstCalls := calls.Load()

	// Within TTL: served from cache, no new requests.
	_, err = client.ListWSOLPools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstCalls, calls.Load())

	// After TTL with the service down: stale cache is served instead of an error.
	failing.Store(true)
	time.Sleep(60 * time.Millisecond)
	pools, err = client.ListWSOLPools(context.Background())
	require.NoError(t, err)
	assert.Len(t, pools, 1)
}

func TestListWSOLPools_NoCacheFetchError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	})

	_, err := client.ListWSOLPools(context.Background())
	require.Error(t, err)
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestPoolsByLPMint(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.String(), "/pools/info/lps")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    []map[string]any{testAPIPool("pool-a", "base-a")},
		})
	})

	pools, err := client.PoolsByLPMint(context.Background(), []solana.Pubkey{"lp-pool-a"})
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "pool-a", pools["lp-pool-a"].ID)
}
