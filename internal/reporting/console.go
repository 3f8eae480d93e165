package reporting

import (
	"fmt"
	"io"
	"strings"

	"github.com/atlas-desktop/papertrader/internal/montecarlo"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/atlas-desktop/papertrader/pkg/utils"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Console writes human-readable tables.
type Console struct {
	out       io.Writer
	currency  string
	maxTrades int
}

// NewConsole creates a console reporter. maxTrades caps the trade table to
// the most recent fills; 0 hides it.
func NewConsole(out io.Writer, currency string, maxTrades int) *Console {
	if currency == "" {
		currency = "USDT"
	}
	return &Console{out: out, currency: currency, maxTrades: maxTrades}
}

// Write renders the summary, positions, rejections and recent trades.
func (c *Console) Write(s Summary) {
	c.writeSummary(s)
	if len(s.Positions) > 0 {
		c.writePositions(s.Positions)
	}
	if len(s.Rejections) > 0 {
		c.writeRejections(s.Rejections)
	}
	if s.MonteCarlo != nil {
		c.writeMonteCarlo(s.MonteCarlo)
	}
	if c.maxTrades > 0 && len(s.Trades) > 0 {
		c.writeTrades(s.Trades)
	}
}

func (c *Console) newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

func (c *Console) writeSummary(s Summary) {
	r := s.Report
	t := c.newTable(strings.ToUpper(s.Mode) + " RESULTS")

	t.AppendRows([]table.Row{
		{"Session", s.SessionID},
		{"Strategy", s.Strategy},
		{"Period", formatTime(s.Start) + " → " + formatTime(s.End)},
		{"Cycles", s.Cycles},
	})
	t.AppendSeparator()

	sharpe := "n/a"
	if r.SharpeRatio.Valid {
		sharpe = r.SharpeRatio.Decimal.StringFixed(2)
	}
	t.AppendRows([]table.Row{
		{"Initial Capital", utils.FormatMoney(r.InitialCapital, c.currency)},
		{"Final Value", utils.FormatMoney(r.FinalValue, c.currency)},
		{"Total Return", fmt.Sprintf("%s (%s%%)", utils.FormatMoney(r.TotalReturn, c.currency), r.TotalReturnPct.StringFixed(2))},
		{"Max Drawdown", utils.FormatPercent(r.MaxDrawdown)},
		{"Sharpe Ratio", sharpe},
	})
	t.AppendSeparator()

	t.AppendRows([]table.Row{
		{"Trades", r.TradeCount},
		{"Closed Trades", r.ClosedTrades},
		{"Win Rate", utils.FormatPercent(r.WinRate)},
		{"Avg Win", utils.FormatMoney(r.AvgWin, c.currency)},
		{"Avg Loss", utils.FormatMoney(r.AvgLoss, c.currency)},
		{"Fees", utils.FormatMoney(r.TotalFees, c.currency)},
	})

	if s.HaltReason != "" {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Halted", s.HaltReason})
	}
	for _, symbol := range sortedKeys(s.Skipped) {
		t.AppendRow(table.Row{"Skipped " + symbol, s.Skipped[symbol]})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, WidthMax: 60, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Fprintln(c.out)
}

func (c *Console) writePositions(positions []types.Position) {
	t := c.newTable("OPEN POSITIONS")
	t.AppendHeader(table.Row{"Symbol", "Quantity", "Avg Cost", "Last Price", "Value", "Unrealized"})
	for _, p := range positions {
		t.AppendRow(table.Row{
			utils.FormatSymbol(p.Symbol),
			p.Quantity.String(),
			p.AverageCost.StringFixed(4),
			p.LastKnownPrice.StringFixed(4),
			utils.FormatMoney(p.MarketValue(), c.currency),
			utils.FormatMoney(p.UnrealizedPnL(), c.currency),
		})
	}
	t.Render()
	fmt.Fprintln(c.out)
}

func (c *Console) writeRejections(rejections []types.Rejection) {
	t := c.newTable("REJECTED ORDERS")
	t.AppendHeader(table.Row{"Check", "Count"})
	for _, rc := range rejectionCounts(rejections) {
		t.AppendRow(table.Row{string(rc.check), rc.count})
	}
	t.AppendFooter(table.Row{"Total", len(rejections)})
	t.Render()
	fmt.Fprintln(c.out)
}

func (c *Console) writeTrades(trades []types.Trade) {
	if len(trades) > c.maxTrades {
		trades = trades[len(trades)-c.maxTrades:]
	}
	t := c.newTable(fmt.Sprintf("LAST %d TRADES", len(trades)))
	t.AppendHeader(table.Row{"#", "Time", "Symbol", "Side", "Quantity", "Price", "Fee", "Realized P&L", "Reason"})
	for _, tr := range trades {
		t.AppendRow(table.Row{
			tr.Seq,
			formatTime(tr.Timestamp),
			utils.FormatSymbol(tr.Symbol),
			strings.ToUpper(string(tr.Side)),
			tr.Quantity.String(),
			tr.Price.StringFixed(4),
			tr.Fee.StringFixed(4),
			utils.FormatMoney(tr.RealizedPnL, c.currency),
			tr.Reason,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 9, WidthMax: 40},
	})
	t.Render()
	fmt.Fprintln(c.out)
}

func (c *Console) writeMonteCarlo(mc *montecarlo.Result) {
	t := c.newTable(fmt.Sprintf("MONTE CARLO (%d runs over %d closed trades)", mc.Runs, mc.Trades))
	t.AppendHeader(table.Row{"", "p05", "Median", "p95", "Worst"})
	t.AppendRow(table.Row{
		"Final Value",
		fmt.Sprintf("%.2f", mc.FinalValue.Percentiles["p05"]),
		fmt.Sprintf("%.2f", mc.FinalValue.Median),
		fmt.Sprintf("%.2f", mc.FinalValue.Percentiles["p95"]),
		fmt.Sprintf("%.2f", mc.FinalValue.Min),
	})
	t.AppendRow(table.Row{
		"Max Drawdown",
		fmt.Sprintf("%.2f%%", mc.MaxDrawdown.Percentiles["p05"]*100),
		fmt.Sprintf("%.2f%%", mc.MaxDrawdown.Median*100),
		fmt.Sprintf("%.2f%%", mc.MaxDrawdown.Percentiles["p95"]*100),
		fmt.Sprintf("%.2f%%", mc.MaxDrawdown.Max*100),
	})
	t.AppendFooter(table.Row{"P(loss)", fmt.Sprintf("%.1f%%", mc.ProbabilityOfLoss*100), "P(ruin)", fmt.Sprintf("%.1f%%", mc.ProbabilityOfRuin*100), ""})
	t.Render()
	fmt.Fprintln(c.out)
}
