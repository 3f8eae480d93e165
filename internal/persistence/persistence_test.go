package persistence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/atlas-desktop/papertrader/internal/persistence"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func snapshot(id string) persistence.Snapshot {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return persistence.Snapshot{
		SessionID: id,
		Portfolio: types.PortfolioSnapshot{
			SessionID: id,
			Cash:      decimal.RequireFromString("9500.25"),
			Positions: []types.Position{{
				Symbol:         "BTCUSDT",
				Quantity:       decimal.RequireFromString("0.01"),
				AverageCost:    decimal.NewFromInt(50000),
				LastKnownPrice: decimal.NewFromInt(51000),
			}},
			NextSeq: 2,
			Trades:  []types.Trade{{ID: "t1", Seq: 1, Symbol: "BTCUSDT", Side: types.OrderSideBuy, Timestamp: ts}},
		},
		Watchlist: []string{"BTCUSDT"},
		Cycle:     7,
		SavedAt:   ts,
	}
}

func testStore(t *testing.T, store persistence.Store) {
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrSnapshotNotFound)

	require.NoError(t, store.Save(ctx, snapshot("alpha")))
	got, err := store.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.SessionID)
	assert.Equal(t, int64(7), got.Cycle)
	assert.Equal(t, persistence.SnapshotVersion, got.Version)
	assert.True(t, got.Portfolio.Cash.Equal(decimal.RequireFromString("9500.25")))
	pos, ok := got.Portfolio.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("0.01")))
	assert.Len(t, got.Portfolio.Trades, 1)

	// saving again replaces the snapshot
	next := snapshot("alpha")
	next.Cycle = 8
	require.NoError(t, store.Save(ctx, next))
	got, err = store.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Cycle)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, store.Save(cancelled, snapshot("beta")))
}

func TestFileStore(t *testing.T) {
	store, err := persistence.NewFileStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	testStore(t, store)

	ids, err := store.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, ids)
}

func TestFileStoreSanitizesIDs(t *testing.T) {
	store, err := persistence.NewFileStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, snapshot("../escape")))
	got, err := store.Load(ctx, "../escape")
	require.NoError(t, err)
	assert.Equal(t, "../escape", got.SessionID)
}

func TestFileStoreKeepsSimilarIDsApart(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.NewFileStore(zap.NewNop(), dir)
	require.NoError(t, err)

	ctx := context.Background()
	first := snapshot("a/b")
	first.Cycle = 1
	second := snapshot("a_b")
	second.Cycle = 2
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	got, err := store.Load(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Cycle)
	got, err = store.Load(ctx, "a_b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Cycle)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	ids, err := store.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b", "a_b"}, ids)
}

func TestMemoryStore(t *testing.T) {
	store := persistence.NewMemoryStore()
	testStore(t, store)
	assert.Equal(t, 1, store.Count())
}
