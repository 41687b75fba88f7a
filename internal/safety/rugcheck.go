package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// Token-safety service client (RugCheck report API)
// ---------------------------------------------------------------------------

// TokenReport is the slice of the token-safety report the screen consumes.
type TokenReport struct {
	Mint            solana.Pubkey
	Score           int      // normalized risk score, higher is worse
	DangerRisks     []string // risk names flagged at danger severity
	WarningRisks    []string
	FreezeAuthority bool
	MintAuthority   bool
	TotalHolders    int
	Top10Pct        float64 // combined share of the ten largest non-pool holders
	MaxSinglePct    float64 // largest single non-pool holder
}

// RugcheckClient fetches token reports from the token-safety service.
type RugcheckClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRugcheckClient creates a token-safety client.
func NewRugcheckClient(baseURL string, timeout time.Duration) *RugcheckClient {
	if baseURL == "" {
		baseURL = "https://api.rugcheck.xyz/v1"
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &RugcheckClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// wire format of /tokens/{mint}/report
type rugcheckResponse struct {
	Score           int  `json:"score"`
	ScoreNormalised *int `json:"score_normalised"`
	Risks           []struct {
		Name        string `json:"name"`
		Level       string `json:"level"` // danger|warn|info
		Description string `json:"description"`
	} `json:"risks"`
	TotalHolders int `json:"totalHolders"`
	TopHolders   []struct {
		Pct     float64 `json:"pct"`
		Address string  `json:"address"`
		Owner   string  `json:"owner"`
		Insider bool    `json:"insider"`
	} `json:"topHolders"`
}

// Report fetches and condenses the token-safety report for a mint.
func (c *RugcheckClient) Report(ctx context.Context, mint solana.Pubkey) (*TokenReport, error) {
	endpoint := fmt.Sprintf("%s/tokens/%s/report", c.baseURL, mint)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, solana.Transient(fmt.Errorf("token-safety service: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, solana.Transient(fmt.Errorf("token-safety read: %w", err))
	}
	if resp.StatusCode == 429 || resp.StatusCode >= 500 {
		return nil, solana.Transient(fmt.Errorf("token-safety HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != 200 {
		return nil, solana.Permanent(fmt.Errorf("token-safety HTTP %d: %s", resp.StatusCode, string(body)))
	}

	var raw rugcheckResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, solana.Permanent(fmt.Errorf("token-safety parse: %w", err))
	}

	report := &TokenReport{
		Mint:         mint,
		Score:        raw.Score,
		TotalHolders: raw.TotalHolders,
	}
	if raw.ScoreNormalised != nil {
		report.Score = *raw.ScoreNormalised
	}

	// Authority flags live in the risk list, not top-level fields.
	for _, risk := range raw.Risks {
		name := strings.ToLower(risk.Name)
		switch strings.ToLower(risk.Level) {
		case "danger":
			report.DangerRisks = append(report.DangerRisks, risk.Name)
		case "warn":
			report.WarningRisks = append(report.WarningRisks, risk.Name)
		}
		if strings.Contains(name, "freeze authority") {
			report.FreezeAuthority = true
		}
		if strings.Contains(name, "mint authority") {
			report.MintAuthority = true
		}
	}

	// Concentration over the largest non-pool wallets. The AMM authority's
	// own holdings are the pool itself, not a whale.
	counted := 0
	for _, h := range raw.TopHolders {
		if solana.Pubkey(h.Owner) == solana.RaydiumLPAuthority {
			continue
		}
		if counted < 10 {
			report.Top10Pct += h.Pct
			counted++
		}
		if h.Pct > report.MaxSinglePct {
			report.MaxSinglePct = h.Pct
		}
	}

	return report, nil
}
