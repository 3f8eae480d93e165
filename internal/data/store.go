// Package data provides market data sources: a JSON file store for
// backtests, a Bybit REST source for live sessions, bar validation and a
// static sentiment source.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/atlas-desktop/papertrader/pkg/utils"
	"go.uber.org/zap"
)

// ErrNoData is returned when a source has no bars for the request.
var ErrNoData = errors.New("no market data")

// Source supplies OHLCV bars. Bars come back in strictly increasing
// timestamp order; gaps are passed through.
type Source interface {
	// HistoricalBars returns bars with start <= timestamp <= end.
	HistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error)
	// LatestBar returns the most recent bar available now.
	LatestBar(ctx context.Context, symbol string, tf types.Timeframe) (types.Bar, error)
}

// Store provides access to historical market data kept as JSON files named
// {SYMBOL}_{timeframe}.json.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Bar
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string          `json:"symbol"`
	StartDate time.Time       `json:"startDate"`
	EndDate   time.Time       `json:"endDate"`
	BarCount  int             `json:"barCount"`
	Timeframe types.Timeframe `json:"timeframe"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.Bar),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

func cacheKey(symbol string, tf types.Timeframe) string {
	return fmt.Sprintf("%s_%s", utils.NormalizeSymbol(symbol), tf)
}

// HistoricalBars loads bars for a symbol within [start, end].
func (s *Store) HistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bars, err := s.load(symbol, tf)
	if err != nil {
		return nil, err
	}
	filtered := filterByTimeRange(bars, start, end)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w for %s %s between %s and %s", ErrNoData, symbol, tf,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return filtered, nil
}

// LatestBar returns the last stored bar.
func (s *Store) LatestBar(ctx context.Context, symbol string, tf types.Timeframe) (types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return types.Bar{}, err
	}
	bars, err := s.load(symbol, tf)
	if err != nil {
		return types.Bar{}, err
	}
	return bars[len(bars)-1], nil
}

func (s *Store) load(symbol string, tf types.Timeframe) ([]types.Bar, error) {
	key := cacheKey(symbol, tf)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dataDir, key+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w for %s %s", ErrNoData, symbol, tf)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data for %s: %w", key, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s %s", ErrNoData, symbol, tf)
	}

	bars = Clean(bars)
	s.cache[key] = bars
	s.logger.Debug("Loaded bars", zap.String("key", key), zap.Int("bars", len(bars)))
	return bars, nil
}

// SaveBars writes bars to disk, replacing any existing file for the symbol.
func (s *Store) SaveBars(symbol string, tf types.Timeframe, bars []types.Bar) error {
	bars = Clean(bars)
	key := cacheKey(symbol, tf)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, key+".json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[key] = bars
	if len(bars) > 0 {
		s.metadata[key] = &SymbolMetadata{
			Symbol:    utils.NormalizeSymbol(symbol),
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
			Timeframe: tf,
		}
	}
	return s.saveMetadata()
}

// Symbols returns every symbol with saved data, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var symbols []string
	for _, m := range s.metadata {
		if !seen[m.Symbol] {
			seen[m.Symbol] = true
			symbols = append(symbols, m.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// DataRange returns the stored range for a symbol and timeframe.
func (s *Store) DataRange(symbol string, tf types.Timeframe) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[cacheKey(symbol, tf)]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w for %s %s", ErrNoData, symbol, tf)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

// filterByTimeRange keeps bars with start <= timestamp <= end. A zero end
// means no upper bound.
func filterByTimeRange(bars []types.Bar, start, end time.Time) []types.Bar {
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(start) })
	hi := len(bars)
	if !end.IsZero() {
		hi = sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(end) })
	}
	if lo >= hi {
		return nil
	}
	out := make([]types.Bar, hi-lo)
	copy(out, bars[lo:hi])
	return out
}

// loadMetadata (must hold lock or be called before the store is shared)
func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

// saveMetadata (must hold lock)
func (s *Store) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0o644)
}
