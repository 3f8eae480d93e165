package main

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/papertrader/internal/strategy"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the available strategies and their parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Model-backed strategies are listed even when no model is configured.
			registry := strategy.NewRegistry(zap.NewNop())
			writeStrategies(cmd, registry.Describe())
			return nil
		},
	}
}

func writeStrategies(cmd *cobra.Command, infos []strategy.Info) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetTitle("STRATEGIES")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "Description", "Parameters"})
	for _, info := range infos {
		params := make([]string, 0, len(info.Parameters))
		for _, p := range info.Parameters {
			params = append(params, fmt.Sprintf("%s=%g [%g, %g]", p.Name, p.Default, p.Min, p.Max))
		}
		t.AppendRow(table.Row{info.Name, info.Description, strings.Join(params, "\n")})
		t.AppendSeparator()
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 50}})
	t.Render()
}
