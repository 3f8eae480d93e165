package reporting

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// Sheet names in the exported workbook.
const (
	SheetSummary    = "Summary"
	SheetTrades     = "Trades"
	SheetEquity     = "Equity"
	SheetRejections = "Rejections"
)

type excelStyles struct {
	header   int
	currency int
	percent  int
	number   int
}

// WriteExcelFile writes the summary as an xlsx workbook at path.
func WriteExcelFile(path string, s Summary) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	fx, err := buildWorkbook(s)
	if err != nil {
		return err
	}
	defer fx.Close()
	return fx.SaveAs(path)
}

// WriteExcel streams the workbook to w.
func WriteExcel(w io.Writer, s Summary) error {
	fx, err := buildWorkbook(s)
	if err != nil {
		return err
	}
	defer fx.Close()
	return fx.Write(w)
}

func buildWorkbook(s Summary) (*excelize.File, error) {
	fx := excelize.NewFile()
	if err := fx.SetSheetName(fx.GetSheetName(0), SheetSummary); err != nil {
		fx.Close()
		return nil, err
	}
	for _, name := range []string{SheetTrades, SheetEquity, SheetRejections} {
		if _, err := fx.NewSheet(name); err != nil {
			fx.Close()
			return nil, err
		}
	}

	styles, err := newExcelStyles(fx)
	if err != nil {
		fx.Close()
		return nil, err
	}

	writers := []func(*excelize.File, Summary, excelStyles) error{
		writeSummarySheet,
		writeTradesSheet,
		writeEquitySheet,
		writeRejectionsSheet,
	}
	for _, write := range writers {
		if err := write(fx, s, styles); err != nil {
			fx.Close()
			return nil, err
		}
	}
	return fx, nil
}

func newExcelStyles(fx *excelize.File) (excelStyles, error) {
	var styles excelStyles
	var err error

	styles.header, err = fx.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Family: "Calibri", Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return styles, err
	}
	styles.currency, err = fx.NewStyle(&excelize.Style{NumFmt: 7, Alignment: &excelize.Alignment{Horizontal: "right"}})
	if err != nil {
		return styles, err
	}
	styles.percent, err = fx.NewStyle(&excelize.Style{NumFmt: 10, Alignment: &excelize.Alignment{Horizontal: "right"}})
	if err != nil {
		return styles, err
	}
	styles.number, err = fx.NewStyle(&excelize.Style{NumFmt: 4, Alignment: &excelize.Alignment{Horizontal: "right"}})
	return styles, err
}

func writeHeader(fx *excelize.File, sheet string, headers []string, style int) error {
	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	if err := fx.SetSheetRow(sheet, "A1", &row); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := fx.SetCellStyle(sheet, "A1", last, style); err != nil {
		return err
	}
	return fx.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func setRow(fx *excelize.File, sheet string, row int, values ...interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return fx.SetSheetRow(sheet, cell, &values)
}

func styleColumn(fx *excelize.File, sheet, col string, lastRow, style int) error {
	if lastRow < 2 {
		return nil
	}
	return fx.SetCellStyle(sheet, fmt.Sprintf("%s2", col), fmt.Sprintf("%s%d", col, lastRow), style)
}

func writeSummarySheet(fx *excelize.File, s Summary, st excelStyles) error {
	const sheet = SheetSummary
	if err := writeHeader(fx, sheet, []string{"Metric", "Value"}, st.header); err != nil {
		return err
	}

	r := s.Report
	var sharpe interface{} = "n/a"
	if r.SharpeRatio.Valid {
		sharpe = r.SharpeRatio.Decimal.InexactFloat64()
	}
	rows := []struct {
		label string
		value interface{}
		style int
	}{
		{"Session", s.SessionID, 0},
		{"Mode", s.Mode, 0},
		{"Strategy", s.Strategy, 0},
		{"Start", formatTime(s.Start), 0},
		{"End", formatTime(s.End), 0},
		{"Cycles", s.Cycles, 0},
		{"Initial Capital", r.InitialCapital.InexactFloat64(), st.currency},
		{"Final Value", r.FinalValue.InexactFloat64(), st.currency},
		{"Total Return", r.TotalReturn.InexactFloat64(), st.currency},
		{"Total Return %", r.TotalReturnPct.InexactFloat64(), st.number},
		{"Max Drawdown", r.MaxDrawdown.InexactFloat64(), st.percent},
		{"Sharpe Ratio", sharpe, st.number},
		{"Trades", r.TradeCount, 0},
		{"Closed Trades", r.ClosedTrades, 0},
		{"Win Rate", r.WinRate.InexactFloat64(), st.percent},
		{"Avg Win", r.AvgWin.InexactFloat64(), st.currency},
		{"Avg Loss", r.AvgLoss.InexactFloat64(), st.currency},
		{"Total Fees", r.TotalFees.InexactFloat64(), st.currency},
		{"Rejections", len(s.Rejections), 0},
	}
	if s.HaltReason != "" {
		rows = append(rows, struct {
			label string
			value interface{}
			style int
		}{"Halted", s.HaltReason, 0})
	}

	for i, row := range rows {
		n := i + 2
		if err := setRow(fx, sheet, n, row.label, row.value); err != nil {
			return err
		}
		if row.style != 0 {
			cell := fmt.Sprintf("B%d", n)
			if err := fx.SetCellStyle(sheet, cell, cell, row.style); err != nil {
				return err
			}
		}
	}
	next := len(rows) + 2
	if mc := s.MonteCarlo; mc != nil {
		mcRows := [][]interface{}{
			{"Monte Carlo Runs", mc.Runs},
			{"MC Final Value p05", mc.FinalValue.Percentiles["p05"]},
			{"MC Final Value Median", mc.FinalValue.Median},
			{"MC Max Drawdown p95", mc.MaxDrawdown.Percentiles["p95"]},
			{"MC P(loss)", mc.ProbabilityOfLoss},
		}
		for _, row := range mcRows {
			if err := setRow(fx, sheet, next, row...); err != nil {
				return err
			}
			next++
		}
	}
	for _, symbol := range sortedKeys(s.Skipped) {
		if err := setRow(fx, sheet, next, "Skipped "+symbol, s.Skipped[symbol]); err != nil {
			return err
		}
		next++
	}

	if err := fx.SetColWidth(sheet, "A", "A", 20); err != nil {
		return err
	}
	return fx.SetColWidth(sheet, "B", "B", 30)
}

func writeTradesSheet(fx *excelize.File, s Summary, st excelStyles) error {
	const sheet = SheetTrades
	headers := []string{"Seq", "Time", "Symbol", "Side", "Quantity", "Price", "Fee", "Cash Delta", "Realized P&L", "Reason", "ID"}
	if err := writeHeader(fx, sheet, headers, st.header); err != nil {
		return err
	}
	for i, t := range s.Trades {
		err := setRow(fx, sheet, i+2,
			t.Seq,
			t.Timestamp.UTC(),
			t.Symbol,
			string(t.Side),
			t.Quantity.InexactFloat64(),
			t.Price.InexactFloat64(),
			t.Fee.InexactFloat64(),
			t.CashDelta.InexactFloat64(),
			t.RealizedPnL.InexactFloat64(),
			t.Reason,
			t.ID,
		)
		if err != nil {
			return err
		}
	}
	last := len(s.Trades) + 1
	for _, col := range []string{"G", "H", "I"} {
		if err := styleColumn(fx, sheet, col, last, st.currency); err != nil {
			return err
		}
	}
	if err := fx.SetColWidth(sheet, "B", "B", 18); err != nil {
		return err
	}
	return fx.SetColWidth(sheet, "J", "J", 40)
}

func writeEquitySheet(fx *excelize.File, s Summary, st excelStyles) error {
	const sheet = SheetEquity
	if err := writeHeader(fx, sheet, []string{"Time", "Total Value", "Cash"}, st.header); err != nil {
		return err
	}
	for i, p := range s.EquityCurve {
		if err := setRow(fx, sheet, i+2, p.Timestamp.UTC(), p.TotalValue.InexactFloat64(), p.Cash.InexactFloat64()); err != nil {
			return err
		}
	}
	last := len(s.EquityCurve) + 1
	for _, col := range []string{"B", "C"} {
		if err := styleColumn(fx, sheet, col, last, st.currency); err != nil {
			return err
		}
	}
	return fx.SetColWidth(sheet, "A", "C", 18)
}

func writeRejectionsSheet(fx *excelize.File, s Summary, st excelStyles) error {
	const sheet = SheetRejections
	headers := []string{"Time", "Symbol", "Action", "Check", "Quantity", "Price", "Source", "Reason"}
	if err := writeHeader(fx, sheet, headers, st.header); err != nil {
		return err
	}
	for i, r := range s.Rejections {
		err := setRow(fx, sheet, i+2,
			r.Timestamp.UTC(),
			r.Symbol,
			string(r.Action),
			string(r.Check),
			r.Quantity.InexactFloat64(),
			r.Price.InexactFloat64(),
			r.Source,
			r.Reason,
		)
		if err != nil {
			return err
		}
	}
	return fx.SetColWidth(sheet, "H", "H", 50)
}
