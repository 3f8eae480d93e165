package data

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/atlas-desktop/papertrader/pkg/utils"
	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// bybitPageLimit is the largest page the kline endpoint returns.
const bybitPageLimit = 1000

var bybitIntervals = map[types.Timeframe]string{
	types.Timeframe1m:  "1",
	types.Timeframe5m:  "5",
	types.Timeframe15m: "15",
	types.Timeframe1h:  "60",
	types.Timeframe4h:  "240",
	types.Timeframe1d:  "D",
}

// BybitConfig configures the Bybit market data source.
type BybitConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Category  string // "spot", "linear" or "inverse"
	Retry     utils.RetryConfig
}

// BybitSource reads public klines from the Bybit v5 REST API.
type BybitSource struct {
	logger   *zap.Logger
	client   *bybit_api.Client
	category string
	retry    utils.RetryConfig
}

// NewBybitSource creates a Bybit source. Market data endpoints are public, so
// the key pair may be empty.
func NewBybitSource(logger *zap.Logger, cfg BybitConfig) *BybitSource {
	baseURL := bybit_api.MAINNET
	if cfg.Testnet {
		baseURL = bybit_api.TESTNET
	}
	if cfg.Category == "" {
		cfg.Category = "spot"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = utils.DefaultRetryConfig()
	}
	return &BybitSource{
		logger:   logger,
		client:   bybit_api.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit_api.WithBaseURL(baseURL)),
		category: cfg.Category,
		retry:    cfg.Retry,
	}
}

// HistoricalBars pages backwards from end until start is covered.
func (b *BybitSource) HistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	interval, ok := bybitIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("bybit: unsupported timeframe %q", tf)
	}
	if end.IsZero() {
		end = time.Now()
	}

	var all []types.Bar
	cursor := end
	for {
		page, err := b.klines(ctx, symbol, interval, start, cursor, bybitPageLimit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		oldest := page[0].Timestamp
		if len(page) < bybitPageLimit || !oldest.After(start) {
			break
		}
		cursor = oldest.Add(-time.Millisecond)
	}

	bars := filterByTimeRange(Clean(all), start, end)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s %s from bybit", ErrNoData, symbol, tf)
	}
	return bars, nil
}

// LatestBar returns the current (possibly still forming) bar.
func (b *BybitSource) LatestBar(ctx context.Context, symbol string, tf types.Timeframe) (types.Bar, error) {
	interval, ok := bybitIntervals[tf]
	if !ok {
		return types.Bar{}, fmt.Errorf("bybit: unsupported timeframe %q", tf)
	}
	bars, err := b.klines(ctx, symbol, interval, time.Time{}, time.Time{}, 1)
	if err != nil {
		return types.Bar{}, err
	}
	if len(bars) == 0 {
		return types.Bar{}, fmt.Errorf("%w for %s from bybit", ErrNoData, symbol)
	}
	return bars[len(bars)-1], nil
}

// klines fetches one page sorted oldest first.
func (b *BybitSource) klines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]types.Bar, error) {
	params := map[string]interface{}{
		"category": b.category,
		"symbol":   utils.NormalizeSymbol(symbol),
		"interval": interval,
		"limit":    limit,
	}
	if !start.IsZero() {
		params["start"] = start.UnixMilli()
	}
	if !end.IsZero() {
		params["end"] = end.UnixMilli()
	}

	return utils.Retry(ctx, b.retry, func(ctx context.Context) ([]types.Bar, error) {
		result, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err != nil {
			b.logger.Debug("Kline request failed", zap.String("symbol", symbol), zap.Error(err))
			return nil, fmt.Errorf("failed to get klines: %w", err)
		}
		return ParseKlineResponse(result)
	})
}

// ParseKlineResponse converts a kline ServerResponse into bars sorted oldest
// first. Rows are [startMs, open, high, low, close, volume, turnover].
func ParseKlineResponse(response interface{}) ([]types.Bar, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("invalid response type %T", response)
	}
	if serverResp.RetCode != 0 {
		return nil, fmt.Errorf("API error: %s (code: %d)", serverResp.RetMsg, serverResp.RetCode)
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var klineResult struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &klineResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kline result: %w", err)
	}

	bars := make([]types.Bar, 0, len(klineResult.List))
	for _, row := range klineResult.List {
		if len(row) < 6 {
			continue
		}
		bar, err := parseKlineRow(row)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return Clean(bars), nil
}

func parseKlineRow(row []string) (types.Bar, error) {
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return types.Bar{}, fmt.Errorf("bad kline start time %q: %w", row[0], err)
	}
	var fields [5]decimal.Decimal
	for i := range fields {
		fields[i], err = decimal.NewFromString(row[i+1])
		if err != nil {
			return types.Bar{}, fmt.Errorf("bad kline value %q: %w", row[i+1], err)
		}
	}
	return types.Bar{
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}
