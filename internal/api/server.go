// Package api exposes live sessions over HTTP and WebSocket. Apart from
// pause, resume and watchlist edits every endpoint is read-only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/papertrader/internal/runner"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	defaultTradeLimit = 100
	maxBodyBytes      = 1 << 16
)

// Session is the view of a live runner the server works with.
type Session interface {
	SessionID() string
	Status() runner.LiveStatus
	Snapshot() types.PortfolioSnapshot
	Trades(n int) []types.Trade
	Report() types.PerformanceReport
	Pause(reason string)
	Resume()
	AddSymbol(symbol string) error
	RemoveSymbol(symbol string) error
}

// Config configures the HTTP listener.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	WebSocketPath  string
	AllowedOrigins []string
}

// DefaultConfig listens on localhost:8080.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		WebSocketPath:  "/ws",
		AllowedOrigins: []string{"*"},
	}
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	hub        *Hub
	sessions   map[string]Session
	started    time.Time
}

// NewServer creates the server. gatherer backs /metrics and may be nil.
func NewServer(logger *zap.Logger, config Config, gatherer prometheus.Gatherer) *Server {
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws"
	}
	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		sessions: make(map[string]Session),
		started:  time.Now(),
	}
	s.setupRoutes(gatherer)

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/sessions", s.handleListSessions).Methods(http.MethodGet)
	const session = "/api/v1/sessions/{id}"
	s.router.HandleFunc(session, s.withSession(s.handleGetSession)).Methods(http.MethodGet)
	s.router.HandleFunc(session+"/portfolio", s.withSession(s.handleGetPortfolio)).Methods(http.MethodGet)
	s.router.HandleFunc(session+"/trades", s.withSession(s.handleGetTrades)).Methods(http.MethodGet)
	s.router.HandleFunc(session+"/rejections", s.withSession(s.handleGetRejections)).Methods(http.MethodGet)
	s.router.HandleFunc(session+"/equity", s.withSession(s.handleGetEquity)).Methods(http.MethodGet)
	s.router.HandleFunc(session+"/report", s.withSession(s.handleGetReport)).Methods(http.MethodGet)
	s.router.HandleFunc(session+"/pause", s.withSession(s.handlePause)).Methods(http.MethodPost)
	s.router.HandleFunc(session+"/resume", s.withSession(s.handleResume)).Methods(http.MethodPost)
	s.router.HandleFunc(session+"/watchlist", s.withSession(s.handleWatchlist)).Methods(http.MethodPost)

	s.router.HandleFunc(s.config.WebSocketPath, s.hub.ServeWS)

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// AddSession makes a session visible to the API.
func (s *Server) AddSession(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID()] = session
}

// Hub returns the WebSocket hub, e.g. to publish cycles from a runner.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the hub and serves until Stop. It returns nil after a clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go s.hub.Run(ctx)

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) session(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *Server) withSession(fn func(w http.ResponseWriter, r *http.Request, session Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		session, ok := s.session(id)
		if !ok {
			writeError(w, http.StatusNotFound, "session %q not found", id)
			return
		}
		fn(w, r, session)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"time":     time.Now().Unix(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": n,
		"clients":  s.hub.ClientCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	statuses := make([]runner.LiveStatus, 0, len(s.sessions))
	for _, session := range s.sessions {
		statuses = append(statuses, session.Status())
	}
	s.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].SessionID < statuses[j].SessionID })
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": statuses})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, session Session) {
	writeJSON(w, http.StatusOK, session.Status())
}

// handleGetPortfolio returns the state without the logs, which have their
// own endpoints.
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request, session Session) {
	snap := session.Snapshot()
	snap.Trades, snap.Rejections, snap.EquityCurve = nil, nil, nil
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request, session Session) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades := session.Trades(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades, "count": len(trades)})
}

func (s *Server) handleGetRejections(w http.ResponseWriter, r *http.Request, session Session) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	rejections := session.Snapshot().Rejections
	if len(rejections) > limit {
		rejections = rejections[len(rejections)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rejections": rejections, "count": len(rejections)})
}

func (s *Server) handleGetEquity(w http.ResponseWriter, r *http.Request, session Session) {
	curve := session.Snapshot().EquityCurve
	writeJSON(w, http.StatusOK, map[string]interface{}{"equity": curve, "count": len(curve)})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request, session Session) {
	writeJSON(w, http.StatusOK, session.Report())
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, session Session) {
	var req pauseRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "paused via api"
	}
	session.Pause(req.Reason)
	s.logger.Info("Session paused via API", zap.String("session", session.SessionID()), zap.String("reason", req.Reason))

	status := session.Status()
	s.hub.PublishStatus(status)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, session Session) {
	session.Resume()
	s.logger.Info("Session resumed via API", zap.String("session", session.SessionID()))

	status := session.Status()
	s.hub.PublishStatus(status)
	writeJSON(w, http.StatusOK, status)
}

type watchlistRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// handleWatchlist applies additions before removals. The change takes
// effect at the next cycle.
func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request, session Session) {
	var req watchlistRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		writeError(w, http.StatusBadRequest, "nothing to add or remove")
		return
	}

	for _, symbol := range req.Add {
		if err := session.AddSymbol(symbol); err != nil {
			writeError(w, http.StatusBadRequest, "add %q: %v", symbol, err)
			return
		}
	}
	for _, symbol := range req.Remove {
		if err := session.RemoveSymbol(symbol); err != nil {
			writeError(w, http.StatusBadRequest, "remove %q: %v", symbol, err)
			return
		}
	}

	status := session.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{"watchlist": status.Watchlist})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultTradeLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer, got %q", raw)
		return 0, false
	}
	return limit, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
