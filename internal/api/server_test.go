package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/papertrader/internal/api"
	"github.com/atlas-desktop/papertrader/internal/runner"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	mu        sync.Mutex
	id        string
	paused    string
	watchlist []string
	trades    []types.Trade
}

func newFakeSession(id string) *fakeSession {
	trades := make([]types.Trade, 5)
	for i := range trades {
		trades[i] = types.Trade{
			ID:       string(rune('a' + i)),
			Seq:      int64(i + 1),
			Symbol:   "BTCUSDT",
			Side:     types.OrderSideBuy,
			Quantity: decimal.NewFromInt(1),
			Price:    decimal.NewFromInt(100),
		}
	}
	return &fakeSession{id: id, watchlist: []string{"BTCUSDT"}, trades: trades}
}

func (f *fakeSession) SessionID() string { return f.id }

func (f *fakeSession) Status() runner.LiveStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := runner.LiveStatus{SessionID: f.id, Status: types.StatusOpen, Running: true, Watchlist: append([]string(nil), f.watchlist...)}
	if f.paused != "" {
		st.Status, st.Reason = types.StatusHalted, f.paused
	}
	return st
}

func (f *fakeSession) Snapshot() types.PortfolioSnapshot {
	return types.PortfolioSnapshot{
		SessionID:  f.id,
		Cash:       decimal.NewFromInt(9500),
		TotalValue: decimal.NewFromInt(10000),
		Positions: []types.Position{{
			Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(5),
			AverageCost: decimal.NewFromInt(100), LastKnownPrice: decimal.NewFromInt(100),
		}},
		Trades:      f.trades,
		Rejections:  []types.Rejection{{Symbol: "BTCUSDT", Check: types.CheckCash}},
		EquityCurve: []types.EquityPoint{{TotalValue: decimal.NewFromInt(10000)}},
	}
}

func (f *fakeSession) Trades(n int) []types.Trade {
	if n > 0 && len(f.trades) > n {
		return f.trades[len(f.trades)-n:]
	}
	return f.trades
}

func (f *fakeSession) Report() types.PerformanceReport {
	return types.PerformanceReport{InitialCapital: decimal.NewFromInt(10000), TradeCount: len(f.trades)}
}

func (f *fakeSession) Pause(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = reason
}

func (f *fakeSession) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = ""
}

func (f *fakeSession) AddSymbol(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchlist = append(f.watchlist, symbol)
	return nil
}

func (f *fakeSession) RemoveSymbol(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.watchlist {
		if s == symbol {
			f.watchlist = append(f.watchlist[:i], f.watchlist[i+1:]...)
			return nil
		}
	}
	return assert.AnError
}

func setupTestServer(t *testing.T) (*api.Server, *fakeSession, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "papertrader_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server := api.NewServer(zap.NewNop(), api.DefaultConfig(), reg)
	session := newFakeSession("demo")
	server.AddSession(session)

	ctx, cancel := context.WithCancel(context.Background())
	go server.Hub().Run(ctx)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return server, session, ts
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, v interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	resp, err := http.Post(url, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := setupTestServer(t)

	var result map[string]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/health", &result))
	assert.Equal(t, "healthy", result["status"])
	assert.Equal(t, float64(1), result["sessions"])
}

func TestSessionEndpoints(t *testing.T) {
	_, _, ts := setupTestServer(t)
	base := ts.URL + "/api/v1/sessions/demo"

	var list struct {
		Sessions []runner.LiveStatus `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/sessions", &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "demo", list.Sessions[0].SessionID)

	var status runner.LiveStatus
	assert.Equal(t, http.StatusOK, getJSON(t, base, &status))
	assert.Equal(t, types.StatusOpen, status.Status)

	var snap types.PortfolioSnapshot
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/portfolio", &snap))
	assert.True(t, snap.Cash.Equal(decimal.NewFromInt(9500)))
	assert.Len(t, snap.Positions, 1)
	assert.Empty(t, snap.Trades, "logs have their own endpoints")

	var equity struct {
		Count int `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/equity", &equity))
	assert.Equal(t, 1, equity.Count)

	var report types.PerformanceReport
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/report", &report))
	assert.Equal(t, 5, report.TradeCount)

	var rejections struct {
		Count int `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/rejections", &rejections))
	assert.Equal(t, 1, rejections.Count)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/sessions/nope/portfolio", nil))
}

func TestTradesLimit(t *testing.T) {
	_, _, ts := setupTestServer(t)
	base := ts.URL + "/api/v1/sessions/demo/trades"

	var all struct {
		Trades []types.Trade `json:"trades"`
		Count  int           `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base, &all))
	assert.Equal(t, 5, all.Count)

	var tail struct {
		Trades []types.Trade `json:"trades"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base+"?limit=2", &tail))
	require.Len(t, tail.Trades, 2)
	assert.Equal(t, int64(4), tail.Trades[0].Seq)

	var errBody map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"?limit=-1", &errBody))
	assert.Contains(t, errBody["error"], "limit")
	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"?limit=abc", nil))
}

func TestPauseResumeAndWatchlist(t *testing.T) {
	_, session, ts := setupTestServer(t)
	base := ts.URL + "/api/v1/sessions/demo"

	var status runner.LiveStatus
	assert.Equal(t, http.StatusOK, postJSON(t, base+"/pause", `{"reason":"news event"}`, &status))
	assert.Equal(t, types.StatusHalted, status.Status)
	assert.Equal(t, "news event", status.Reason)

	assert.Equal(t, http.StatusOK, postJSON(t, base+"/resume", "", &status))
	assert.Equal(t, types.StatusOpen, status.Status)

	assert.Equal(t, http.StatusOK, postJSON(t, base+"/pause", "", &status))
	assert.Equal(t, "paused via api", status.Reason)

	var wl struct {
		Watchlist []string `json:"watchlist"`
	}
	assert.Equal(t, http.StatusOK, postJSON(t, base+"/watchlist", `{"add":["ETHUSDT"],"remove":["BTCUSDT"]}`, &wl))
	assert.Equal(t, []string{"ETHUSDT"}, wl.Watchlist)
	assert.Equal(t, []string{"ETHUSDT"}, session.Status().Watchlist)

	assert.Equal(t, http.StatusBadRequest, postJSON(t, base+"/watchlist", `{"remove":["XRPUSDT"]}`, nil))
	assert.Equal(t, http.StatusBadRequest, postJSON(t, base+"/watchlist", `{}`, nil))
	assert.Equal(t, http.StatusBadRequest, postJSON(t, base+"/watchlist", `{"symbols":["X"]}`, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, base+"/pause", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "papertrader_test_total 1")
}

func TestCORSPreflight(t *testing.T) {
	_, _, ts := setupTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsCycles(t *testing.T) {
	server, _, ts := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: "trades:demo"}))
	require.Eventually(t, func() bool { return server.Hub().SubscriberCount("trades:demo") == 1 },
		time.Second, 10*time.Millisecond)

	server.Hub().PublishCycle(runner.CycleSummary{
		SessionID: "demo",
		Cycle:     3,
		Trades:    []types.Trade{{ID: "t-1", Symbol: "BTCUSDT", Side: types.OrderSideSell}},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, api.MsgTypeTrade, msg.Type)
	assert.Equal(t, "trades:demo", msg.Channel)

	var trade types.Trade
	require.NoError(t, json.Unmarshal(msg.Data, &trade))
	assert.Equal(t, "t-1", trade.ID)

	require.NoError(t, conn.WriteJSON(api.WSMessage{Type: "bogus"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, api.MsgTypeError, msg.Type)
}
