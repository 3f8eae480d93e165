// Package montecarlo resamples the realized P&L of closed trades to show how
// much of a backtest result depends on the particular order and mix of its
// trades.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the simulator.
type Config struct {
	Runs int
	// Seed fixes the random stream. Run i uses Seed+i, so results do not
	// depend on how runs are spread over workers.
	Seed            int64
	Percentiles     []float64
	ParallelWorkers int
	// Bootstrap samples trades with replacement; otherwise each run is a
	// permutation, which keeps the final value fixed and only moves the
	// drawdown.
	Bootstrap bool
	// RuinFraction is the loss, as a fraction of initial capital, counted as
	// ruin.
	RuinFraction float64
}

// DefaultConfig returns 1000 bootstrap runs.
func DefaultConfig() Config {
	return Config{
		Runs:            1000,
		Seed:            1,
		Percentiles:     []float64{0.05, 0.25, 0.50, 0.75, 0.95},
		ParallelWorkers: 4,
		Bootstrap:       true,
		RuinFraction:    0.5,
	}
}

// Distribution summarizes one statistic over all runs. Percentiles are keyed
// like "p05".
type Distribution struct {
	Mean        float64            `json:"mean"`
	Median      float64            `json:"median"`
	StdDev      float64            `json:"stdDev"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// Result is the outcome of a simulation.
type Result struct {
	Runs              int          `json:"runs"`
	Trades            int          `json:"trades"`
	FinalValue        Distribution `json:"finalValue"`
	MaxDrawdown       Distribution `json:"maxDrawdown"`
	ProbabilityOfLoss float64      `json:"probabilityOfLoss"`
	ProbabilityOfRuin float64      `json:"probabilityOfRuin"`
}

// Simulator runs Monte Carlo resampling over trade logs.
type Simulator struct {
	logger *zap.Logger
	config Config
}

// NewSimulator creates a simulator; zero fields take their defaults.
func NewSimulator(logger *zap.Logger, config Config) *Simulator {
	def := DefaultConfig()
	if config.Runs <= 0 {
		config.Runs = def.Runs
	}
	if len(config.Percentiles) == 0 {
		config.Percentiles = def.Percentiles
	}
	if config.ParallelWorkers <= 0 {
		config.ParallelWorkers = def.ParallelWorkers
	}
	if config.RuinFraction <= 0 {
		config.RuinFraction = def.RuinFraction
	}
	return &Simulator{logger: logger, config: config}
}

// ClosedPnL extracts the realized P&L of every SELL in the log.
func ClosedPnL(trades []types.Trade) []float64 {
	var pnl []float64
	for _, t := range trades {
		if t.Side == types.OrderSideSell {
			pnl = append(pnl, t.RealizedPnL.InexactFloat64())
		}
	}
	return pnl
}

// Run resamples the closed trades of a log. It returns nil when there are no
// closed trades.
func (s *Simulator) Run(ctx context.Context, trades []types.Trade, initialCapital decimal.Decimal) (*Result, error) {
	pnl := ClosedPnL(trades)
	if len(pnl) == 0 {
		return nil, nil
	}
	initial := initialCapital.InexactFloat64()
	if initial <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %s", initialCapital)
	}

	s.logger.Info("Starting Monte Carlo simulation",
		zap.Int("runs", s.config.Runs),
		zap.Int("trades", len(pnl)),
	)

	finals := make([]float64, s.config.Runs)
	drawdowns := make([]float64, s.config.Runs)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < s.config.ParallelWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sample := make([]float64, len(pnl))
			for run := range jobs {
				rng := rand.New(rand.NewSource(s.config.Seed + int64(run)))
				s.resample(pnl, sample, rng)
				finals[run], drawdowns[run] = equityPath(sample, initial)
			}
		}()
	}

	var err error
	for run := 0; run < s.config.Runs; run++ {
		if err = ctx.Err(); err != nil {
			break
		}
		jobs <- run
	}
	close(jobs)
	wg.Wait()
	if err != nil {
		return nil, err
	}

	result := &Result{
		Runs:        s.config.Runs,
		Trades:      len(pnl),
		FinalValue:  s.distribution(finals),
		MaxDrawdown: s.distribution(drawdowns),
	}
	var losses, ruins int
	ruinLevel := initial * (1 - s.config.RuinFraction)
	for _, f := range finals {
		if f < initial {
			losses++
		}
		if f <= ruinLevel {
			ruins++
		}
	}
	result.ProbabilityOfLoss = float64(losses) / float64(s.config.Runs)
	result.ProbabilityOfRuin = float64(ruins) / float64(s.config.Runs)

	s.logger.Info("Monte Carlo simulation complete",
		zap.Float64("median_final", result.FinalValue.Median),
		zap.Float64("p95_drawdown", result.MaxDrawdown.Percentiles["p95"]),
		zap.Float64("probability_of_loss", result.ProbabilityOfLoss),
	)
	return result, nil
}

func (s *Simulator) resample(pnl, out []float64, rng *rand.Rand) {
	n := len(pnl)
	if s.config.Bootstrap {
		for i := range out {
			out[i] = pnl[rng.Intn(n)]
		}
		return
	}
	for i, idx := range rng.Perm(n) {
		out[i] = pnl[idx]
	}
}

// equityPath applies the P&L sequence to initial and returns the final value
// and the largest peak-to-trough decline as a fraction of the peak.
func equityPath(pnl []float64, initial float64) (final, maxDrawdown float64) {
	equity, peak := initial, initial
	for _, p := range pnl {
		equity += p
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}
	return equity, maxDrawdown
}

func (s *Simulator) distribution(values []float64) Distribution {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := float64(len(sorted))

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / n
	var variance float64
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}

	d := Distribution{
		Mean:        mean,
		Median:      percentile(sorted, 0.5),
		StdDev:      math.Sqrt(variance / n),
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Percentiles: make(map[string]float64, len(s.config.Percentiles)),
	}
	for _, p := range s.config.Percentiles {
		d.Percentiles[PercentileKey(p)] = percentile(sorted, p)
	}
	return d
}

// PercentileKey formats 0.05 as "p05".
func PercentileKey(p float64) string {
	return fmt.Sprintf("p%02d", int(math.Round(p*100)))
}

// percentile interpolates linearly between the closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
