package safety

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvest-trading/harvest/internal/solana"
)

func newRugcheckServer(t *testing.T, payload map[string]any) *RugcheckClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/tokens/test-mint/report")
		json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(server.Close)
	return NewRugcheckClient(server.URL, time.Second)
}

func TestReport_ParsesRisksAndAuthorities(t *testing.T) {
	client := newRugcheckServer(t, map[string]any{
		"score":            1200,
		"score_normalised": 45,
		"totalHolders":     350,
		"risks": []map[string]any{
			{"name": "Freeze Authority still enabled", "level": "danger"},
			{"name": "Low amount of LP Providers", "level": "warn"},
		},
		"topHolders": []map[string]any{
			{"pct": 12.5, "owner": "wallet-1"},
			{"pct": 8.0, "owner": "wallet-2"},
		},
	})

	report, err := client.Report(context.Background(), "test-mint")
	require.NoError(t, err)

	assert.Equal(t, 45, report.Score, "normalized score preferred over raw")
	assert.Equal(t, 350, report.TotalHolders)
	assert.Equal(t, []string{"Freeze Authority still enabled"}, report.DangerRisks)
	assert.Equal(t, []string{"Low amount of LP Providers"}, report.WarningRisks)
	assert.True(t, report.FreezeAuthority)
	assert.False(t, report.MintAuthority)
	assert.InDelta(t, 20.5, report.Top10Pct, 0.01)
	assert.InDelta(t, 12.5, report.MaxSinglePct, 0.01)
}

func TestReport_ExcludesPoolAuthorityFromConcentration(t *testing.T) {
	client := newRugcheckServer(t, map[string]any{
		"score_normalised": 10,
		"topHolders": []map[string]any{
			{"pct": 60.0, "owner": string(solana.RaydiumLPAuthority)},
			{"pct": 5.0, "owner": "wallet-1"},
		},
	})

	report, err := client.Report(context.Background(), "test-mint")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, report.Top10Pct, 0.01)
	assert.InDelta(t, 5.0, report.MaxSinglePct, 0.01)
}

func TestReport_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer server.Close()

	client := NewRugcheckClient(server.URL, time.Second)
	_, err := client.Report(context.Background(), "test-mint")
	require.Error(t, err)
	assert.True(t, solana.IsTransient(err))
}

func TestReport_NotFoundIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer server.Close()

	client := NewRugcheckClient(server.URL, time.Second)
	_, err := client.Report(context.Background(), "test-mint")
	require.Error(t, err)
	assert.False(t, solana.IsTransient(err))
}
