package raydium

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/solana"
)

// Pool is one WSOL-quoted pool record from the listing service, normalized so
// the quote side is always WSOL and the base side is the risked asset.
// A Pool is immutable once built; it lives for a single scan cycle.
type Pool struct {
	ID            string          `json:"id"`
	ProgramID     solana.Pubkey   `json:"program_id"`
	LPMint        solana.Pubkey   `json:"lp_mint"`
	BaseMint      solana.Pubkey   `json:"base_mint"`
	QuoteMint     solana.Pubkey   `json:"quote_mint"`
	BaseSymbol    string          `json:"base_symbol"`
	BaseDecimals  uint8           `json:"base_decimals"`
	QuoteDecimals uint8           `json:"quote_decimals"`
	TVLUSD        float64         `json:"tvl_usd"`
	Volume24hUSD  float64         `json:"volume_24h_usd"`
	APR24hPct     float64         `json:"apr_24h_pct"`
	BurnPct       float64         `json:"burn_pct"`
	FeeRate       float64         `json:"fee_rate"`
	BaseAmount    decimal.Decimal `json:"base_amount"`  // pool's UI-unit base holdings per the listing service
	QuoteAmount   decimal.Decimal `json:"quote_amount"` // pool's UI-unit quote holdings
	OpenTime      time.Time       `json:"open_time"`
}

// VolumeTVLRatio is daily volume over TVL, the basic activity measure.
func (p Pool) VolumeTVLRatio() float64 {
	if p.TVLUSD <= 0 {
		return 0
	}
	return p.Volume24hUSD / p.TVLUSD
}

// PriceRatio is the listing-service view of quote-per-base. The oracle's
// on-chain reserve read supersedes this once a position is open.
func (p Pool) PriceRatio() decimal.Decimal {
	if p.BaseAmount.IsZero() {
		return decimal.Zero
	}
	return p.QuoteAmount.Div(p.BaseAmount)
}

// ---------------------------------------------------------------------------
// Wire format (Raydium V3 API)
// ---------------------------------------------------------------------------

type apiMint struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type apiPeriodStats struct {
	Volume float64 `json:"volume"`
	APR    float64 `json:"apr"`
}

type apiPool struct {
	ID          string          `json:"id"`
	ProgramID   string          `json:"programId"`
	MintA       apiMint         `json:"mintA"`
	MintB       apiMint         `json:"mintB"`
	LPMint      apiMint         `json:"lpMint"`
	TVL         float64         `json:"tvl"`
	FeeRate     float64         `json:"feeRate"`
	BurnPercent float64         `json:"burnPercent"`
	OpenTime    string          `json:"openTime"` // unix seconds as string
	MintAmountA decimal.Decimal `json:"mintAmountA"`
	MintAmountB decimal.Decimal `json:"mintAmountB"`
	Day         apiPeriodStats  `json:"day"`
}

type poolPageResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Count       int       `json:"count"`
		Data        []apiPool `json:"data"`
		HasNextPage bool      `json:"hasNextPage"`
	} `json:"data"`
}

type poolListResponse struct {
	Success bool      `json:"success"`
	Data    []apiPool `json:"data"`
}
