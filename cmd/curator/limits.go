package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jwjohns/curator/internal/config"
	"github.com/jwjohns/curator/internal/pricing"
)

var limitsCmd = &cobra.Command{
	Use:   "limits [model...]",
	Short: "Show the capacity limits and prices models resolve to",
	Long: `Show the requests-per-minute and tokens-per-minute ceilings, initial capacity
and per-million-token prices that each model resolves to under the current
configuration. Without arguments every model named in the config is listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		prices, err := cfg.Prices()
		if err != nil {
			return err
		}
		return renderLimits(cmd.OutOrStdout(), cfg, prices, args)
	},
}

func init() {
	rootCmd.AddCommand(limitsCmd)
}

func renderLimits(w io.Writer, cfg *config.Root, prices *pricing.Table, models []string) error {
	if len(models) == 0 {
		seen := map[string]struct{}{}
		add := func(m string) {
			if _, ok := seen[m]; m != "" && !ok {
				seen[m] = struct{}{}
				models = append(models, m)
			}
		}
		add(cfg.Model)
		for m := range cfg.Limits.Models {
			add(m)
		}
		sort.Strings(models)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Model", "RPM", "TPM", "Initial Requests", "Initial Tokens", "Input $/1M", "Output $/1M"})

	for _, m := range models {
		p := cfg.PolicyFor(m)
		initReq, initTok := "1 (default)", "0 (default)"
		if p.InitialRequests != nil {
			initReq = fmt.Sprintf("%.0f", *p.InitialRequests)
		}
		if p.InitialTokens != nil {
			initTok = fmt.Sprintf("%.0f", *p.InitialTokens)
		}
		in, out := "N/A", "N/A"
		if price, ok := prices.Lookup(m); ok {
			in = fmt.Sprintf("$%.3f", price.InputPerMillion())
			out = fmt.Sprintf("$%.3f", price.OutputPerMillion())
		}
		t.AppendRow(table.Row{m, p.RequestsPerMinute, p.TokensPerMinute, initReq, initTok, in, out})
	}

	d := cfg.Limits.Default
	t.AppendFooter(table.Row{"default", d.RequestsPerMinute, d.TokensPerMinute, "", "", "", ""})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}
