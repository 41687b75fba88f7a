package executor

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/harvest-trading/harvest/internal/oracle"
	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// Chain-valued executor — valuations from AMM accounts, trades delegated
// ---------------------------------------------------------------------------

// PoolReserveSource reads effective reserves for AMM pools.
// *oracle.ChainValuer implements it.
type PoolReserveSource interface {
	PoolReserves(ctx context.Context, poolIDs []solana.Pubkey) (map[solana.Pubkey]oracle.Reserves, error)
}

// ChainValued overlays on-chain LP valuations on another executor. Trades
// and wallet reads go to the wrapped backend; LPValue and LPValueBatch are
// computed from the pool's own state accounts so exit decisions never depend
// on the backend's price view. When the chain read fails the backend's
// valuation is used instead, so one RPC outage does not blind every position.
type ChainValued struct {
	Executor
	reserves PoolReserveSource
}

// NewChainValued wraps inner with reserve-backed valuations.
func NewChainValued(inner Executor, reserves PoolReserveSource) *ChainValued {
	return &ChainValued{Executor: inner, reserves: reserves}
}

func (c *ChainValued) LPValue(ctx context.Context, poolID string, lpMint solana.Pubkey) (*LPValuation, error) {
	values, err := c.LPValueBatch(ctx, []BatchKey{{PoolID: poolID, LPMint: lpMint}})
	if err != nil {
		return nil, err
	}
	return values[BatchKey{PoolID: poolID, LPMint: lpMint}], nil
}

func (c *ChainValued) LPValueBatch(ctx context.Context, keys []BatchKey) (map[BatchKey]*LPValuation, error) {
	if len(keys) == 0 {
		return map[BatchKey]*LPValuation{}, nil
	}

	poolIDs := make([]solana.Pubkey, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key.PoolID] {
			seen[key.PoolID] = true
			poolIDs = append(poolIDs, solana.Pubkey(key.PoolID))
		}
	}

	reserves, err := c.reserves.PoolReserves(ctx, poolIDs)
	if err != nil {
		log.Warn().Err(err).Msg("executor: reserve read failed, using backend valuation")
		return c.Executor.LPValueBatch(ctx, keys)
	}

	result := make(map[BatchKey]*LPValuation, len(keys))
	var missing []BatchKey
	for _, key := range keys {
		pool, ok := reserves[solana.Pubkey(key.PoolID)]
		if !ok {
			// State account gone; let the backend judge what is left.
			missing = append(missing, key)
			continue
		}
		balance, err := c.Executor.Balance(ctx, key.LPMint)
		if err != nil {
			return nil, err
		}
		value, price := pool.LPValue(balance)
		result[key] = &LPValuation{ValueSOL: value, PriceRatio: price, LPBalanceRaw: balance}
	}

	if len(missing) > 0 {
		rest, err := c.Executor.LPValueBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for key, valuation := range rest {
			result[key] = valuation
		}
	}
	return result, nil
}
