package simd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/metrics"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/store"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/stream"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/ticker"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

// TickerLookup resolves stock metadata for the search endpoint.
type TickerLookup interface {
	Lookup(ctx context.Context, symbol string) (ticker.Metadata, error)
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*HTTPServer)

// WithTicker enables /stocks/search.
func WithTicker(t TickerLookup) HTTPOption {
	return func(s *HTTPServer) {
		s.ticker = t
	}
}

// WithMetrics serves the registry at /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) HTTPOption {
	return func(s *HTTPServer) {
		s.upgrader.CheckOrigin = fn
	}
}

type HTTPServer struct {
	mux      *http.ServeMux
	store    *RunStore
	Executor *RunExecutor
	results  store.ResultStore
	ticker   TickerLookup
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewHTTPServer(runs *RunStore, executor *RunExecutor, results store.ResultStore, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{
		mux:      http.NewServeMux(),
		store:    runs,
		Executor: executor,
		results:  results,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.HandleFunc("/v1/runs", s.handleRuns)
	s.mux.HandleFunc("/v1/runs/", s.handleRunByID)
	s.mux.HandleFunc("/v1/simulate/stream", s.handleSimulateStream)
	s.mux.HandleFunc("/ws/simulate", s.handleSimulateWebSocket)
	s.mux.HandleFunc("/v1/results", s.handleListResults)
	s.mux.HandleFunc("/v1/results/", s.handleGetResults)
	s.mux.HandleFunc("/stocks/search", s.handleStockSearch)

	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// handleRuns handles /v1/runs endpoint
func (s *HTTPServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRunByID handles /v1/runs/{id} and related endpoints
func (s *HTTPServer) handleRunByID(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/runs/{id}, /v1/runs/{id}:stop or /v1/runs/{id}/stream
	path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	if strings.HasSuffix(path, ":stop") {
		runID := strings.TrimSuffix(path, ":stop")
		if r.Method == http.MethodPost {
			s.handleStopRun(w, r, runID)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if strings.HasSuffix(path, "/stream") {
		runID := strings.TrimSuffix(path, "/stream")
		if r.Method == http.MethodGet {
			s.handleRunStream(w, r, runID)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method == http.MethodGet {
		s.handleGetRun(w, r, path)
	} else {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreateRun handles POST /v1/runs: the run executes in the
// background and its results are persisted.
func (s *HTTPServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec, err := s.Executor.Start(req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	logger.Info("run created (HTTP)", "run_id", rec.ID)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"run": runToJSON(rec),
	})
}

// handleListRuns handles GET /v1/runs with pagination and filtering
func (s *HTTPServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	status := models.RunStatus(strings.ToLower(r.URL.Query().Get("status")))
	runs := s.store.List(limit, offset, status)

	runsJSON := make([]map[string]any, 0, len(runs))
	for _, rec := range runs {
		runsJSON = append(runsJSON, runToJSON(rec))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs": runsJSON,
		"pagination": map[string]any{
			"limit":  limit,
			"offset": offset,
			"count":  len(runs),
		},
	})
}

// handleGetRun handles GET /v1/runs/{id}
func (s *HTTPServer) handleGetRun(w http.ResponseWriter, _ *http.Request, runID string) {
	rec, ok := s.store.Get(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"run": runToJSON(rec),
	})
}

// handleStopRun handles POST /v1/runs/{id}:stop
func (s *HTTPServer) handleStopRun(w http.ResponseWriter, _ *http.Request, runID string) {
	updated, err := s.Executor.Stop(runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	logger.Info("run cancelled (HTTP)", "run_id", runID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run": runToJSON(updated),
	})
}

// handleRunStream handles GET /v1/runs/{id}/stream (SSE). The subscriber
// receives what the run produces from now on.
func (s *HTTPServer) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	if _, ok := s.store.Get(runID); !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink := stream.NewSSESink(w, r.Context().Done())
	done, detach, err := s.Executor.Subscribe(runID, sink)
	if err != nil {
		// Headers are already out; report in-band.
		_ = sink.Send(r.Context(), stream.Message{Kind: "error", Fields: []stream.Field{{Name: "error", Value: err.Error()}}})
		_ = sink.Close()
		return
	}
	defer detach()

	select {
	case <-done:
	case <-r.Context().Done():
	}
}

// handleSimulateStream handles GET/POST /v1/simulate/stream: the run is
// executed while the caller watches it as Server-Sent Events. Parameters
// come from the query string (GET) or a JSON body (POST).
func (s *HTTPServer) handleSimulateStream(w http.ResponseWriter, r *http.Request) {
	var (
		req models.RunRequest
		err error
	)
	switch r.Method {
	case http.MethodGet:
		req, err = parseRunQuery(r.URL.Query())
	case http.MethodPost:
		if decErr := json.NewDecoder(r.Body).Decode(&req); decErr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: "+decErr.Error())
			return
		}
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Rejections must happen before the event stream is committed.
	res, err := s.Executor.Reserve(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	rec := res.Stream(stream.NewSSESink(w, r.Context().Done()))
	logger.Info("streamed run finished (HTTP)", "run_id", rec.ID, "status", rec.Status)
}

// handleSimulateWebSocket handles /ws/simulate: path points are pushed as
// JSON text frames, then the summary, then a normal closure.
func (s *HTTPServer) handleSimulateWebSocket(w http.ResponseWriter, r *http.Request) {
	req, err := parseRunQuery(r.URL.Query())
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	res, err := s.Executor.Reserve(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		logger.Warn("websocket upgrade failed", "run_id", res.Record().ID, "error", err)
		res.Release()
		return
	}
	rec := res.Stream(stream.NewWebSocketSink(conn))
	logger.Info("streamed run finished (WebSocket)", "run_id", rec.ID, "status", rec.Status)
}

// handleListResults handles GET /v1/results
func (s *HTTPServer) handleListResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	keys, err := s.results.Keys(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleGetResults handles GET /v1/results/{key}?limit=N
func (s *HTTPServer) handleGetResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/v1/results/")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "result key is required")
		return
	}
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	res, err := s.results.Load(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrInvalidKey):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"key":               res.Key,
		"total_simulations": len(res.Order),
		"simulations":       res.Head(limit),
		"summary":           res.Summary,
	})
}

// handleStockSearch handles GET /stocks/search?stock_symbol=X
func (s *HTTPServer) handleStockSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.ticker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stock search is not configured")
		return
	}
	symbol := r.URL.Query().Get("stock_symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "stock_symbol is required")
		return
	}

	md, err := s.ticker.Lookup(r.Context(), symbol)
	if err != nil {
		switch {
		case errors.Is(err, ticker.ErrNotFound):
			s.writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Stock not found"})
		case errors.Is(err, ticker.ErrInvalidSymbol):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ticker.ErrNoAPIKey):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			logger.Error("stock search failed", "symbol", symbol, "error", err)
			s.writeError(w, http.StatusBadGateway, "stock lookup failed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, md)
}

// Helper functions

func (s *HTTPServer) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRunIDMissing):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRunExists), errors.Is(err, ErrRunTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": message,
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
