package oracle

import (
	"context"
	"encoding/binary"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// On-chain reserve read — Raydium AMM v4 state accounts
// ---------------------------------------------------------------------------

// Raydium AMM v4 pool state layout: 32 u64 fields, three u128/u64 swap
// counters, then 32-byte pubkeys, with the internal LP-reserve counter after
// the owner key. All integers are little-endian. Offsets are fixed by the
// program; a shorter account is not an AMM v4 pool.
const (
	ammV4AccountSize = 752

	offBaseDecimals     = 32
	offQuoteDecimals    = 40
	offBaseNeedTakePnl  = 192
	offQuoteNeedTakePnl = 200
	offBaseVault        = 336
	offQuoteVault       = 368
	offOpenOrders       = 496
	offLPReserve        = 720

	// SPL token account: the u64 amount sits after mint and owner.
	tokenAccountMinSize = 72
	offTokenAmount      = 64

	// Serum open-orders account: 5-byte magic + flags + market + owner,
	// then the base/quote totals.
	openOrdersMinSize = 109
	offOOBaseTotal    = 85
	offOOQuoteTotal   = 101
)

// AccountReader is the chain access the valuer needs. *solana.LiveRPCClient
// implements it.
type AccountReader interface {
	GetAccountsData(ctx context.Context, accounts []solana.Pubkey) (map[solana.Pubkey][]byte, error)
}

// ChainValuer reads pool reserves straight from the chain in two bulk
// fetches: one for the AMM state accounts, one for every vault and
// open-orders account those reference.
type ChainValuer struct {
	rpc AccountReader
}

// NewChainValuer creates a reserve reader over the given RPC client.
func NewChainValuer(rpc AccountReader) *ChainValuer {
	return &ChainValuer{rpc: rpc}
}

// ammState is the decoded subset of an AMM v4 pool account the valuer needs.
type ammState struct {
	baseVault  solana.Pubkey
	quoteVault solana.Pubkey
	openOrders solana.Pubkey

	baseDecimals  uint8
	quoteDecimals uint8

	baseNeedTakePnl  sdkmath.Int
	quoteNeedTakePnl sdkmath.Int
	lpReserve        sdkmath.Int
}

// PoolReserves returns a consistent reserve snapshot for each pool whose
// state account still exists. Pools missing from the result have been closed
// or drained past recognition; callers decide what that means.
func (v *ChainValuer) PoolReserves(ctx context.Context, poolIDs []solana.Pubkey) (map[solana.Pubkey]Reserves, error) {
	if len(poolIDs) == 0 {
		return map[solana.Pubkey]Reserves{}, nil
	}

	stateData, err := v.rpc.GetAccountsData(ctx, poolIDs)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch pool states: %w", err)
	}

	states := make(map[solana.Pubkey]*ammState, len(stateData))
	var refs []solana.Pubkey
	for _, id := range poolIDs {
		data, ok := stateData[id]
		if !ok {
			log.Warn().Str("pool", string(id)).Msg("oracle: pool state account missing")
			continue
		}
		state, err := decodeAMMState(data)
		if err != nil {
			return nil, fmt.Errorf("oracle: pool %s: %w", id, err)
		}
		states[id] = state
		refs = append(refs, state.baseVault, state.quoteVault, state.openOrders)
	}
	if len(states) == 0 {
		return map[solana.Pubkey]Reserves{}, nil
	}

	refData, err := v.rpc.GetAccountsData(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch vaults: %w", err)
	}

	result := make(map[solana.Pubkey]Reserves, len(states))
	for id, state := range states {
		baseVault, err := tokenAmount(refData[state.baseVault])
		if err != nil {
			return nil, fmt.Errorf("oracle: pool %s base vault: %w", id, err)
		}
		quoteVault, err := tokenAmount(refData[state.quoteVault])
		if err != nil {
			return nil, fmt.Errorf("oracle: pool %s quote vault: %w", id, err)
		}
		// A missing open-orders account contributes nothing to either side.
		ooBase, ooQuote := sdkmath.ZeroInt(), sdkmath.ZeroInt()
		if data, ok := refData[state.openOrders]; ok {
			ooBase, ooQuote, err = openOrdersTotals(data)
			if err != nil {
				return nil, fmt.Errorf("oracle: pool %s open orders: %w", id, err)
			}
		}

		result[id] = Reserves{
			Base:          EffectiveReserve(baseVault, ooBase, state.baseNeedTakePnl),
			Quote:         EffectiveReserve(quoteVault, ooQuote, state.quoteNeedTakePnl),
			BaseDecimals:  state.baseDecimals,
			QuoteDecimals: state.quoteDecimals,
			LPCirculating: state.lpReserve,
		}
	}
	return result, nil
}

func decodeAMMState(data []byte) (*ammState, error) {
	if len(data) < ammV4AccountSize {
		return nil, fmt.Errorf("state account is %d bytes, want %d", len(data), ammV4AccountSize)
	}
	return &ammState{
		baseVault:        pubkeyAt(data, offBaseVault),
		quoteVault:       pubkeyAt(data, offQuoteVault),
		openOrders:       pubkeyAt(data, offOpenOrders),
		baseDecimals:     uint8(binary.LittleEndian.Uint64(data[offBaseDecimals:])),
		quoteDecimals:    uint8(binary.LittleEndian.Uint64(data[offQuoteDecimals:])),
		baseNeedTakePnl:  u64At(data, offBaseNeedTakePnl),
		quoteNeedTakePnl: u64At(data, offQuoteNeedTakePnl),
		lpReserve:        u64At(data, offLPReserve),
	}, nil
}

func tokenAmount(data []byte) (sdkmath.Int, error) {
	if len(data) < tokenAccountMinSize {
		return sdkmath.ZeroInt(), fmt.Errorf("token account is %d bytes, want at least %d", len(data), tokenAccountMinSize)
	}
	return u64At(data, offTokenAmount), nil
}

func openOrdersTotals(data []byte) (base, quote sdkmath.Int, err error) {
	if len(data) < openOrdersMinSize {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(),
			fmt.Errorf("open-orders account is %d bytes, want at least %d", len(data), openOrdersMinSize)
	}
	return u64At(data, offOOBaseTotal), u64At(data, offOOQuoteTotal), nil
}

func pubkeyAt(data []byte, off int) solana.Pubkey {
	return solana.Pubkey(base58.Encode(data[off : off+32]))
}

func u64At(data []byte, off int) sdkmath.Int {
	return sdkmath.NewIntFromUint64(binary.LittleEndian.Uint64(data[off:]))
}
