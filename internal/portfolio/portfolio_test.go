package portfolio_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/papertrader/internal/portfolio"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func limits(maxPos float64) types.RiskLimits {
	return types.RiskLimits{
		MaxPositionSizeFraction: d(maxPos),
		MaxDailyLossFraction:    d(0.05),
		StopLossFraction:        d(0.05),
		TakeProfitFraction:      d(0.10),
	}
}

func newPortfolio(maxPos, fee float64) *portfolio.Portfolio {
	return portfolio.New("s1", decimal.NewFromInt(10000), limits(maxPos), portfolio.Options{
		FeeRate:           d(fee),
		QuantityPrecision: 8,
		Logger:            zap.NewNop(),
	})
}

func buy(symbol string, ts time.Time) types.Signal {
	return types.Signal{Action: types.ActionBuy, Symbol: symbol, Confidence: 0.9, Reason: "test", Timestamp: ts}
}

func sell(symbol string, ts time.Time) types.Signal {
	return types.Signal{Action: types.ActionSell, Symbol: symbol, Confidence: 0.9, Reason: "test", Timestamp: ts}
}

func assertConserved(t *testing.T, p *portfolio.Portfolio) {
	t.Helper()
	s := p.Snapshot()
	sum := s.Cash
	for _, pos := range s.Positions {
		sum = sum.Add(pos.Quantity.Mul(pos.LastKnownPrice))
	}
	assert.True(t, sum.Equal(s.TotalValue), "cash+positions %s != total %s", sum, s.TotalValue)
	assert.False(t, s.Cash.IsNegative(), "cash %s", s.Cash)
}

func TestBuyRespectsPositionFraction(t *testing.T) {
	for _, fee := range []float64{0, 0.001} {
		p := newPortfolio(0.5, fee)
		out, err := p.ApplySignal(buy("X", t0), d(100))
		require.NoError(t, err)
		require.True(t, out.Executed())

		assert.True(t, out.Trade.Quantity.LessThanOrEqual(d(50)), "qty %s", out.Trade.Quantity)
		assert.True(t, p.Cash().GreaterThanOrEqual(d(5000)), "cash %s", p.Cash())

		pos, ok := p.Position("X")
		require.True(t, ok)
		ceiling := d(0.5).Mul(p.TotalValue())
		assert.True(t, pos.MarketValue().LessThanOrEqual(ceiling), "%s > %s", pos.MarketValue(), ceiling)
		assertConserved(t, p)
	}
}

func TestBuyWithoutFeeUsesWholeAllowance(t *testing.T) {
	p := newPortfolio(0.5, 0)
	out, err := p.ApplySignal(buy("X", t0), d(100))
	require.NoError(t, err)
	require.True(t, out.Executed())
	assert.True(t, out.Trade.Quantity.Equal(d(50)))
	assert.True(t, p.Cash().Equal(d(5000)))
}

func TestSecondBuyAtLimitIsRejected(t *testing.T) {
	p := newPortfolio(0.5, 0)
	_, err := p.ApplySignal(buy("X", t0), d(100))
	require.NoError(t, err)

	out, err := p.ApplySignal(buy("X", t0.Add(time.Minute)), d(100))
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, types.CheckPositionSize, out.Rejection.Check)
	assert.Len(t, p.Trades(0), 1)
	assert.Len(t, p.Rejections(0), 1)
}

func TestSuggestedQuantityTooLarge(t *testing.T) {
	p := newPortfolio(0.5, 0)
	sig := buy("X", t0)
	sig.SuggestedQuantity = decimal.NewNullDecimal(d(60))

	before := p.Snapshot()
	out, err := p.ApplySignal(sig, d(100))
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, types.CheckPositionSize, out.Rejection.Check)

	after := p.Snapshot()
	assert.True(t, before.Cash.Equal(after.Cash))
	assert.Empty(t, after.Positions)
}

func TestCashSufficiency(t *testing.T) {
	p := newPortfolio(1, 0.01)
	sig := buy("X", t0)
	sig.SuggestedQuantity = decimal.NewNullDecimal(d(99.5))

	// 99.5 * 100 = 9950 plus 99.5 fee exceeds 10000 cash; the size check
	// passes because the cap is the full portfolio
	out, err := p.ApplySignal(sig, d(100))
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Contains(t, []types.RiskCheck{types.CheckCash, types.CheckPositionSize}, out.Rejection.Check)
	assert.True(t, p.Cash().Equal(decimal.NewFromInt(10000)))
}

func TestNoNegativeCashOverManySignals(t *testing.T) {
	p := newPortfolio(0.3, 0.001)
	prices := []float64{100, 120, 80, 95, 150, 60, 70, 200, 10, 55}
	symbols := []string{"A", "B", "C"}
	ts := t0
	for i, price := range prices {
		for j, sym := range symbols {
			ts = ts.Add(time.Minute)
			sig := buy(sym, ts)
			if (i+j)%3 == 0 {
				sig = sell(sym, ts)
			}
			_, err := p.ApplySignal(sig, d(price+float64(j)))
			require.NoError(t, err)
			assert.False(t, p.Cash().IsNegative())
		}
		p.MarkToMarket(map[string]decimal.Decimal{"A": d(price), "B": d(price + 1), "C": d(price + 2)}, ts)
		assertConserved(t, p)
		require.NoError(t, p.CheckInvariants())
	}
}

func TestTradeConservesValueModuloFee(t *testing.T) {
	p := newPortfolio(0.5, 0.001)
	before := p.TotalValue()
	out, err := p.ApplySignal(buy("X", t0), d(100))
	require.NoError(t, err)
	require.True(t, out.Executed())
	assert.True(t, p.TotalValue().Equal(before.Sub(out.Trade.Fee)))

	before = p.TotalValue()
	out, err = p.ApplySignal(sell("X", t0.Add(time.Minute)), d(100))
	require.NoError(t, err)
	require.True(t, out.Executed())
	assert.True(t, p.TotalValue().Equal(before.Sub(out.Trade.Fee)))
	_, held := p.Position("X")
	assert.False(t, held)
}

func TestWeightedAverageCost(t *testing.T) {
	p := newPortfolio(1, 0)
	_, err := p.ExecuteOrder("X", types.OrderSideBuy, d(10), d(100), t0)
	require.NoError(t, err)
	_, err = p.ExecuteOrder("X", types.OrderSideBuy, d(30), d(120), t0)
	require.NoError(t, err)

	pos, _ := p.Position("X")
	assert.True(t, pos.AverageCost.Equal(d(115)), "avg %s", pos.AverageCost)

	tr, err := p.ExecuteOrder("X", types.OrderSideSell, d(20), d(130), t0)
	require.NoError(t, err)
	assert.True(t, tr.RealizedPnL.Equal(d(300)))
	pos, _ = p.Position("X")
	assert.True(t, pos.AverageCost.Equal(d(115)), "sells keep average cost")
	assert.True(t, pos.Quantity.Equal(d(20)))
}

func TestRealizedPnLIncludesEntryFees(t *testing.T) {
	p := newPortfolio(1, 0.01)
	_, err := p.ExecuteOrder("X", types.OrderSideBuy, d(10), d(100), t0)
	require.NoError(t, err)
	pos, _ := p.Position("X")
	assert.True(t, pos.AverageCost.Equal(d(100)), "fees stay out of average cost")
	assert.True(t, pos.EntryFees.Equal(d(10)))

	// flat price: both fees make it a loss, 4 of entry fee plus 4 of exit fee
	tr, err := p.ExecuteOrder("X", types.OrderSideSell, d(4), d(100), t0)
	require.NoError(t, err)
	assert.True(t, tr.RealizedPnL.Equal(d(-8)), "pnl %s", tr.RealizedPnL)
	pos, _ = p.Position("X")
	assert.True(t, pos.EntryFees.Equal(d(6)))

	// 6 * 10 gain, less 6.6 exit fee and the remaining 6 of entry fee
	tr, err = p.ExecuteOrder("X", types.OrderSideSell, d(6), d(110), t0)
	require.NoError(t, err)
	assert.True(t, tr.RealizedPnL.Equal(d(47.4)), "pnl %s", tr.RealizedPnL)
}

func TestSmallGainLostToFeesIsALoss(t *testing.T) {
	p := newPortfolio(1, 0.01)
	_, err := p.ExecuteOrder("X", types.OrderSideBuy, d(10), d(100), t0)
	require.NoError(t, err)
	tr, err := p.ExecuteOrder("X", types.OrderSideSell, d(10), d(101), t0)
	require.NoError(t, err)
	// 10 gain, less 10.1 exit fee and 10 entry fee
	assert.True(t, tr.RealizedPnL.Equal(d(-10.1)), "pnl %s", tr.RealizedPnL)
}

func TestExecuteOrderErrors(t *testing.T) {
	p := newPortfolio(1, 0)
	_, err := p.ExecuteOrder("X", types.OrderSideSell, d(1), d(100), t0)
	assert.ErrorIs(t, err, portfolio.ErrNoPosition)

	_, err = p.ExecuteOrder("X", types.OrderSideBuy, d(1000), d(100), t0)
	assert.ErrorIs(t, err, portfolio.ErrInsufficientCash)

	_, err = p.ExecuteOrder("X", types.OrderSideBuy, d(0), d(100), t0)
	assert.ErrorIs(t, err, portfolio.ErrInvalidOrder)

	_, err = p.ExecuteOrder("X", types.OrderSideBuy, d(1), d(100), t0)
	require.NoError(t, err)
	_, err = p.ExecuteOrder("X", types.OrderSideSell, d(2), d(100), t0)
	assert.ErrorIs(t, err, portfolio.ErrInvalidOrder)
	assert.True(t, p.Cash().Equal(d(9900)))
}

func TestSellWithoutPositionIsNoop(t *testing.T) {
	p := newPortfolio(0.5, 0)
	out, err := p.ApplySignal(sell("X", t0), d(100))
	require.NoError(t, err)
	assert.False(t, out.Executed())
	assert.Nil(t, out.Rejection)
	assert.Empty(t, p.Rejections(0))
}

func TestMarkToMarketIsIdempotent(t *testing.T) {
	p := newPortfolio(0.5, 0.001)
	_, err := p.ApplySignal(buy("X", t0), d(100))
	require.NoError(t, err)

	prices := map[string]decimal.Decimal{"X": d(104.25), "UNHELD": d(1)}
	a := p.MarkToMarket(prices, t0.Add(time.Minute))
	b := p.MarkToMarket(prices, t0.Add(2*time.Minute))
	assert.True(t, a.TotalValue.Equal(b.TotalValue))
	assert.True(t, a.Cash.Equal(b.Cash))
	assert.Len(t, p.EquityCurve(), 2)

	_, held := p.Position("UNHELD")
	assert.False(t, held)
}

func TestStopLossForcesSell(t *testing.T) {
	p := newPortfolio(0.5, 0)
	_, err := p.ExecuteOrder("X", types.OrderSideBuy, d(10), d(100), t0)
	require.NoError(t, err)

	assert.Empty(t, p.CheckExits(map[string]decimal.Decimal{"X": d(95.01)}, t0))

	exits := p.CheckExits(map[string]decimal.Decimal{"X": d(94.9)}, t0)
	require.Len(t, exits, 1)
	assert.Equal(t, types.ActionSell, exits[0].Action)
	assert.True(t, exits[0].Forced)
	assert.Contains(t, exits[0].Reason, "stop-loss")

	out, err := p.ApplySignal(exits[0], d(94.9))
	require.NoError(t, err)
	require.True(t, out.Executed())
	assert.True(t, out.Trade.Quantity.Equal(d(10)))
	_, held := p.Position("X")
	assert.False(t, held)
}

func TestTakeProfitForcesSell(t *testing.T) {
	p := newPortfolio(0.5, 0)
	_, err := p.ExecuteOrder("X", types.OrderSideBuy, d(10), d(100), t0)
	require.NoError(t, err)

	exits := p.CheckExits(map[string]decimal.Decimal{"X": d(110)}, t0)
	require.Len(t, exits, 1)
	assert.Contains(t, exits[0].Reason, "take-profit")
}

func TestRecordOverride(t *testing.T) {
	p := newPortfolio(0.5, 0)
	forced := types.Signal{Action: types.ActionSell, Symbol: "X", Reason: "stop-loss", Forced: true}
	p.RecordOverride(buy("X", t0), d(94.9), forced)

	rej := p.Rejections(1)
	require.Len(t, rej, 1)
	assert.Equal(t, types.CheckStopTakeProfit, rej[0].Check)
}

func TestDailyLossHaltsBuysUntilNextDay(t *testing.T) {
	p := newPortfolio(0.5, 0)
	_, err := p.ExecuteOrder("X", types.OrderSideBuy, d(50), d(100), t0)
	require.NoError(t, err)

	// 50 * 89 + 5000 = 9450, a 5.5% loss on the day
	p.MarkToMarket(map[string]decimal.Decimal{"X": d(89)}, t0.Add(time.Hour))
	status, reason := p.Status()
	assert.Equal(t, types.StatusHalted, status)
	assert.NotEmpty(t, reason)

	out, err := p.ApplySignal(buy("Y", t0.Add(time.Hour)), d(10))
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, types.CheckDailyLoss, out.Rejection.Check)

	// selling to reduce risk is still allowed
	out, err = p.ApplySignal(sell("X", t0.Add(time.Hour)), d(89))
	require.NoError(t, err)
	assert.True(t, out.Executed())

	p.StartNewDay(t0.Add(24 * time.Hour))
	status, _ = p.Status()
	assert.Equal(t, types.StatusOpen, status)

	out, err = p.ApplySignal(buy("Y", t0.Add(25*time.Hour)), d(10))
	require.NoError(t, err)
	assert.True(t, out.Executed())
}

func TestDailyLossUsesIncomingPrice(t *testing.T) {
	p := newPortfolio(0.5, 0)
	_, err := p.ExecuteOrder("X", types.OrderSideBuy, d(50), d(100), t0)
	require.NoError(t, err)

	// no mark yet: at 80 the day is down 1,000 against a 500 allowance
	out, err := p.ApplySignal(buy("X", t0.Add(time.Hour)), d(80))
	require.NoError(t, err)
	assert.False(t, out.Executed())
	require.NotNil(t, out.Rejection)
	assert.Equal(t, types.CheckDailyLoss, out.Rejection.Check)

	status, _ := p.Status()
	assert.Equal(t, types.StatusHalted, status)
	assert.True(t, p.Cash().Equal(d(5000)))
	pos, _ := p.Position("X")
	assert.True(t, pos.Quantity.Equal(d(50)))
}

func TestPauseRejectsBuysOnly(t *testing.T) {
	p := newPortfolio(0.5, 0)
	_, err := p.ExecuteOrder("X", types.OrderSideBuy, d(10), d(100), t0)
	require.NoError(t, err)

	p.Pause("maintenance")
	status, reason := p.Status()
	assert.Equal(t, types.StatusHalted, status)
	assert.Equal(t, "maintenance", reason)

	out, err := p.ApplySignal(buy("Y", t0), d(10))
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, types.CheckHalted, out.Rejection.Check)

	out, err = p.ApplySignal(sell("X", t0), d(100))
	require.NoError(t, err)
	assert.True(t, out.Executed())

	p.Resume()
	status, _ = p.Status()
	assert.Equal(t, types.StatusOpen, status)
}

func TestInvalidPriceIsRejected(t *testing.T) {
	p := newPortfolio(0.5, 0)
	out, err := p.ApplySignal(buy("X", t0), decimal.Zero)
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, types.CheckInvalidOrder, out.Rejection.Check)
}

func TestSnapshotRestore(t *testing.T) {
	p := newPortfolio(0.5, 0.001)
	_, err := p.ApplySignal(buy("X", t0), d(100))
	require.NoError(t, err)
	p.MarkToMarket(map[string]decimal.Decimal{"X": d(101)}, t0.Add(time.Minute))
	p.Pause("operator")
	snap := p.Snapshot()

	q := newPortfolio(0.5, 0.001)
	require.NoError(t, q.Restore(snap))
	restored := q.Snapshot()
	assert.Equal(t, snap, restored)

	// trade ids continue from the restored sequence
	q.Resume()
	out, err := q.ApplySignal(sell("X", t0.Add(2*time.Minute)), d(101))
	require.NoError(t, err)
	require.True(t, out.Executed())
	assert.Equal(t, int64(2), out.Trade.Seq)
	assert.NotEqual(t, snap.Trades[0].ID, out.Trade.ID)

	other := portfolio.New("other", decimal.NewFromInt(1), limits(0.5), portfolio.Options{})
	assert.Error(t, other.Restore(snap))
}

func TestTradeIDsAreDeterministic(t *testing.T) {
	run := func() []types.Trade {
		p := newPortfolio(0.5, 0.001)
		_, _ = p.ApplySignal(buy("X", t0), d(100))
		_, _ = p.ApplySignal(sell("X", t0.Add(time.Minute)), d(105))
		return p.Trades(0)
	}
	assert.Equal(t, run(), run())
}
