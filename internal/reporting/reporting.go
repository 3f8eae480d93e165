// Package reporting renders session results as console tables, Excel
// workbooks and JSON.
package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/atlas-desktop/papertrader/internal/montecarlo"
	"github.com/atlas-desktop/papertrader/internal/runner"
	"github.com/atlas-desktop/papertrader/pkg/types"
)

// Summary is everything a report needs about one session.
type Summary struct {
	SessionID   string                  `json:"sessionId"`
	Strategy    string                  `json:"strategy"`
	Mode        string                  `json:"mode"`
	Start       time.Time               `json:"start"`
	End         time.Time               `json:"end"`
	Cycles      int                     `json:"cycles"`
	Report      types.PerformanceReport `json:"report"`
	Positions   []types.Position        `json:"positions"`
	Trades      []types.Trade           `json:"trades"`
	Rejections  []types.Rejection       `json:"rejections"`
	EquityCurve []types.EquityPoint     `json:"equityCurve"`
	Skipped     map[string]string       `json:"skipped,omitempty"`
	HaltReason  string                  `json:"haltReason,omitempty"`
	MonteCarlo  *montecarlo.Result      `json:"monteCarlo,omitempty"`
}

// FromBacktest builds a summary from a backtest result.
func FromBacktest(result *runner.Result, strategyName string) Summary {
	return Summary{
		SessionID:   result.SessionID,
		Strategy:    strategyName,
		Mode:        "backtest",
		Start:       result.Start,
		End:         result.End,
		Cycles:      result.Cycles,
		Report:      result.Report,
		Positions:   result.Portfolio.Positions,
		Trades:      result.Trades,
		Rejections:  result.Rejections,
		EquityCurve: result.EquityCurve,
		Skipped:     result.Skipped,
		HaltReason:  result.HaltReason,
	}
}

// FromLive builds a summary from the current state of a live session.
func FromLive(status runner.LiveStatus, snap types.PortfolioSnapshot, report types.PerformanceReport) Summary {
	s := Summary{
		SessionID:   status.SessionID,
		Strategy:    status.Strategy,
		Mode:        "live",
		Cycles:      int(status.Cycle),
		Report:      report,
		Positions:   snap.Positions,
		Trades:      snap.Trades,
		Rejections:  snap.Rejections,
		EquityCurve: snap.EquityCurve,
	}
	if n := len(snap.EquityCurve); n > 0 {
		s.Start = snap.EquityCurve[0].Timestamp
		s.End = snap.EquityCurve[n-1].Timestamp
	}
	if status.Status == types.StatusHalted {
		s.HaltReason = status.Reason
	}
	return s
}

// rejectionCounts tallies rejections per risk check, sorted by check name.
func rejectionCounts(rejections []types.Rejection) []checkCount {
	counts := make(map[types.RiskCheck]int)
	for _, r := range rejections {
		counts[r.Check]++
	}
	out := make([]checkCount, 0, len(counts))
	for check, n := range counts {
		out = append(out, checkCount{check: check, count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].check < out[j].check })
	return out
}

type checkCount struct {
	check types.RiskCheck
	count int
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
