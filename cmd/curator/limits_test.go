package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwjohns/curator/internal/config"
	"github.com/jwjohns/curator/internal/pricing"
)

func TestRenderLimits(t *testing.T) {
	cfg := config.Default()
	cfg.Model = "gpt-4o-mini"
	full := 30000.0
	cfg.Limits.Models = map[string]config.Limit{
		"gpt-4o": {RequestsPerMinute: 500, TokensPerMinute: 30000, InitialTokens: &full},
	}
	prices := pricing.New(map[string]pricing.Price{
		"gpt-4o": {InputCostPerToken: 0.0000025, OutputCostPerToken: 0.00001},
	})

	var buf bytes.Buffer
	require.NoError(t, renderLimits(&buf, cfg, prices, nil))
	out := buf.String()

	assert.Contains(t, out, "gpt-4o-mini")
	assert.Contains(t, out, "30000")
	assert.Contains(t, out, "1 (default)")
	assert.Contains(t, out, "$2.500")
	assert.Contains(t, out, "$10.000")
	assert.NotContains(t, out, "N/A", "gpt-4o-mini is priced through the gpt-4o prefix")

	buf.Reset()
	require.NoError(t, renderLimits(&buf, cfg, prices, []string{"mystery"}))
	assert.Contains(t, buf.String(), "N/A")
	assert.Contains(t, buf.String(), "100000", "unknown models use the default limit")
}

func TestApplyRunFlags(t *testing.T) {
	cfg := config.Default()
	runFlags.model = "claude-3-haiku"
	runFlags.workers = 7
	runFlags.metricsAddr = ":9999"
	t.Cleanup(func() { runFlags.model, runFlags.workers, runFlags.metricsAddr = "", 0, "" })

	require.NoError(t, runCmd.Flags().Set("max-retries", "0"))
	t.Cleanup(func() { runCmd.Flags().Lookup("max-retries").Changed = false })

	applyRunFlags(runCmd, cfg)
	assert.Equal(t, "claude-3-haiku", cfg.Model)
	assert.Equal(t, 7, cfg.Dispatch.Workers)
	assert.Equal(t, 0, cfg.Dispatch.Retries())
	assert.Equal(t, ":9999", cfg.Observability.MetricsAddr)
}
