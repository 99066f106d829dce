// Package server exposes the engine bridge over HTTP: JSON endpoints
// for commands and analyses, SSE and WebSocket streams for live search
// output.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kifulab/usibridge/internal/cachemanager"
	"github.com/kifulab/usibridge/internal/engine"
	"github.com/kifulab/usibridge/internal/history"
	"github.com/kifulab/usibridge/internal/log"
	"github.com/kifulab/usibridge/internal/tracing"
	"github.com/kifulab/usibridge/internal/usi"
)

// Engine is the session surface the API depends on.
type Engine interface {
	Info() engine.EngineInfo
	IsReady() bool
	PendingCommands() int
	SendAndCollect(ctx context.Context, command string, stop engine.StopFunc, hardTimeout, idleTimeout time.Duration) ([]usi.Line, error)
	Analyze(ctx context.Context, req engine.AnalyzeRequest) (usi.AnalysisResult, error)
	StopSearch(token string) error
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Engine is the session to expose (required).
	Engine Engine
	// History stores completed analyses (optional).
	History history.Repository
	// Cache fronts repeated analyses (optional).
	Cache cachemanager.CacheManager[string, usi.AnalysisResult]
	// CacheTTL is how long analysis results stay cached.
	CacheTTL time.Duration
	// Tracer records spans for API operations (optional).
	Tracer trace.Tracer
}

// Handler provides the HTTP endpoints.
type Handler struct {
	eng      Engine
	repo     history.Repository
	cache    cachemanager.CacheManager[string, usi.AnalysisResult]
	cacheTTL time.Duration
	tracer   trace.Tracer
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		eng:      cfg.Engine,
		repo:     cfg.History,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		tracer:   cfg.Tracer,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /engine", h.EngineInfo)
	mux.HandleFunc("POST /command", h.Command)

	mux.HandleFunc("POST /analyze", h.Analyze)
	mux.HandleFunc("GET /analyze/stream", h.AnalyzeStream)
	mux.HandleFunc("GET /analyze/ws", h.AnalyzeWS)
	mux.HandleFunc("POST /search/stop", h.StopSearch)

	mux.HandleFunc("GET /analyses", h.ListAnalyses)
	mux.HandleFunc("GET /analyses/{guid}", h.GetAnalysis)

	return mux
}

// === Request/Response Types ===

// AnalyzeRequest is the request body for POST /analyze.
type AnalyzeRequest struct {
	// Position is an SFEN string; empty means the starting position.
	Position string `json:"position,omitempty"`
	// Moves are applied to the position before searching.
	Moves []string `json:"moves,omitempty"`
	// Waittime is the search budget in milliseconds. Zero requests an
	// unbounded search.
	Waittime *int `json:"waittime,omitempty"`
	Depth    *int `json:"depth,omitempty"`
	Nodes    *int `json:"nodes,omitempty"`
	// SkipCache forces a fresh engine run.
	SkipCache bool `json:"skip_cache,omitempty"`
}

// AnalyzeResponse is the response body for POST /analyze.
type AnalyzeResponse struct {
	Result usi.AnalysisResult `json:"result"`
	Cached bool               `json:"cached"`
	GUID   string             `json:"guid,omitempty"`
}

// CommandRequest is the request body for POST /command.
type CommandRequest struct {
	Command string `json:"command"`
	// StopTokens end collection when a response line starts with one
	// of them.
	StopTokens []string `json:"stop_tokens,omitempty"`
	// TimeoutMs is the hard deadline, default 10s.
	TimeoutMs int `json:"timeout_ms,omitempty"`
	// IdleMs ends collection after silence once output has started.
	IdleMs int `json:"idle_ms,omitempty"`
}

// CommandResponse is the response body for POST /command.
type CommandResponse struct {
	Lines []string `json:"lines"`
}

// StopSearchRequest is the request body for POST /search/stop.
type StopSearchRequest struct {
	Token string `json:"token"`
}

// EngineResponse is the response body for GET /engine.
type EngineResponse struct {
	engine.EngineInfo
	PendingCommands int `json:"pending_commands"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ListAnalysesResponse is the response body for GET /analyses.
type ListAnalysesResponse struct {
	Analyses []*history.Record `json:"analyses"`
	Total    int               `json:"total"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// === Handlers ===

// Health reports liveness; degraded states still answer.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !h.eng.IsReady() {
		status = string(h.eng.Info().State)
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: status})
}

// EngineInfo reports engine identity, state, crash count and queue depth.
func (h *Handler) EngineInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, EngineResponse{
		EngineInfo:      h.eng.Info(),
		PendingCommands: h.eng.PendingCommands(),
	})
}

// Command runs one raw protocol command and returns its response lines.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "command is required")
		return
	}
	// The search lifecycle has dedicated endpoints; raw go/quit here
	// would wedge the queue or kill the process.
	first := strings.Fields(command)[0]
	if first == "go" || first == "quit" {
		h.writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("%q is not allowed through this endpoint", first))
		return
	}

	hard := 10 * time.Second
	if req.TimeoutMs > 0 {
		hard = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	var idle time.Duration
	if req.IdleMs > 0 {
		idle = time.Duration(req.IdleMs) * time.Millisecond
	}
	// Default to the protocol's terminal tokens so a bare isready or
	// usi resolves as soon as its ack arrives.
	stop := engine.StopOnTokens(usi.TokenUSIOK, usi.TokenReadyOK, "bestmove", "checkmate")
	if len(req.StopTokens) > 0 {
		stop = engine.StopOnTokens(req.StopTokens...)
	}

	lines, err := h.eng.SendAndCollect(r.Context(), command, stop, hard, idle)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	raws := make([]string, len(lines))
	for i, l := range lines {
		raws[i] = l.Raw
	}
	h.writeJSON(w, http.StatusOK, CommandResponse{Lines: raws})
}

// Analyze runs a bounded analysis, serving repeats from the cache and
// recording fresh results in the history.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.Waittime != nil && *req.Waittime == 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "unbounded searches must use the streaming endpoints")
		return
	}
	if req.Waittime == nil && req.Depth == nil && req.Nodes == nil {
		defaultWaittime := 1000
		req.Waittime = &defaultWaittime
	}

	ctx, span := h.startSpan(r.Context(), tracing.SpanPrefixAPI+"analyze", req)
	defer span.End()

	key := analysisCacheKey(req)
	fresh := false
	load := func(ctx context.Context, req AnalyzeRequest) (usi.AnalysisResult, error) {
		fresh = true
		result, err := h.eng.Analyze(ctx, engine.AnalyzeRequest{
			Position: req.Position,
			Moves:    req.Moves,
			Waittime: req.Waittime,
			Depth:    req.Depth,
			Nodes:    req.Nodes,
		})
		if err != nil {
			return result, err
		}
		return result, nil
	}

	var result usi.AnalysisResult
	var err error
	if h.cache != nil {
		rt := cachemanager.NewReadThroughCache(h.cache, load, req.SkipCache)
		result, err = rt.Get(ctx, key, req, h.cacheTTL)
	} else {
		result, err = load(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		h.writeEngineError(w, err)
		return
	}
	span.SetAttributes(attribute.Bool(tracing.AttrCacheHit, !fresh))

	guid := ""
	if fresh && h.repo != nil {
		record := &history.Record{
			Position: req.Position,
			Moves:    strings.Join(req.Moves, " "),
			Waittime: req.Waittime,
			Depth:    req.Depth,
			Nodes:    req.Nodes,
			Result:   result,
		}
		if err := h.repo.Save(record); err != nil {
			log.ErrorErr(log.CatServer, "failed to record analysis", err)
		} else {
			guid = record.GUID
		}
	}

	h.writeJSON(w, http.StatusOK, AnalyzeResponse{
		Result: result,
		Cached: !fresh,
		GUID:   guid,
	})
}

// StopSearch cancels the active streaming search by token.
func (h *Handler) StopSearch(w http.ResponseWriter, r *http.Request) {
	var req StopSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "token is required")
		return
	}
	switch err := h.eng.StopSearch(req.Token); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, engine.ErrNoActiveSearch):
		h.writeError(w, http.StatusConflict, "no_active_search", err.Error())
	case errors.Is(err, engine.ErrTokenMismatch):
		h.writeError(w, http.StatusForbidden, "token_mismatch", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "stop_failed", err.Error())
	}
}

// ListAnalyses pages through the recorded analyses, newest first.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		h.writeError(w, http.StatusNotFound, "history_disabled", "analysis history is disabled")
		return
	}
	filter := history.ListFilter{
		Position: r.URL.Query().Get("position"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	records, err := h.repo.List(filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, ListAnalysesResponse{
		Analyses: records,
		Total:    len(records),
	})
}

// GetAnalysis returns one recorded analysis by GUID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		h.writeError(w, http.StatusNotFound, "history_disabled", "analysis history is disabled")
		return
	}
	record, err := h.repo.FindByGUID(r.PathValue("guid"))
	if err != nil {
		var notFound *history.NotFoundError
		if errors.As(err, &notFound) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// === Helpers ===

func (h *Handler) startSpan(ctx context.Context, name string, req AnalyzeRequest) (context.Context, trace.Span) {
	if h.tracer == nil {
		return noop.NewTracerProvider().Tracer("noop").Start(ctx, name)
	}
	ctx, span := h.tracer.Start(ctx, name)
	position := req.Position
	if position == "" {
		position = usi.PositionStartpos
	}
	attrs := []attribute.KeyValue{
		attribute.String(tracing.AttrPosition, position),
		attribute.Int(tracing.AttrQueueDepth, h.eng.PendingCommands()),
	}
	if req.Waittime != nil {
		attrs = append(attrs, attribute.Int(tracing.AttrWaittimeMs, *req.Waittime))
	}
	if req.Depth != nil {
		attrs = append(attrs, attribute.Int(tracing.AttrSearchDepth, *req.Depth))
	}
	if req.Nodes != nil {
		attrs = append(attrs, attribute.Int(tracing.AttrSearchNodes, *req.Nodes))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// analysisCacheKey identifies an analysis by everything that shapes its
// result.
func analysisCacheKey(req AnalyzeRequest) string {
	var b strings.Builder
	if req.Position == "" {
		b.WriteString(usi.PositionStartpos)
	} else {
		b.WriteString(req.Position)
	}
	b.WriteString("|")
	b.WriteString(strings.Join(req.Moves, " "))
	for _, part := range []struct {
		label string
		value *int
	}{
		{"wt", req.Waittime},
		{"d", req.Depth},
		{"n", req.Nodes},
	} {
		b.WriteString("|" + part.label + "=")
		if part.value != nil {
			b.WriteString(strconv.Itoa(*part.value))
		}
	}
	return b.String()
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var timeout *engine.CommandTimeoutError
	switch {
	case errors.As(err, &timeout):
		h.writeError(w, http.StatusGatewayTimeout, "engine_timeout", err.Error())
	case errors.Is(err, engine.ErrEngineFatal):
		h.writeError(w, http.StatusServiceUnavailable, "engine_fatal", err.Error())
	case errors.Is(err, engine.ErrEngineRestarting):
		h.writeError(w, http.StatusServiceUnavailable, "engine_restarting", err.Error())
	case errors.Is(err, engine.ErrSessionClosed):
		h.writeError(w, http.StatusServiceUnavailable, "engine_closed", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatServer, "failed to encode JSON response", "error", err.Error())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// upgrader accepts WebSocket connections for search streaming. The
// bridge is meant to sit on localhost, so origins are not restricted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamRequest builds an engine request from stream query parameters.
// Streaming searches default to unbounded.
func streamRequest(r *http.Request) (engine.AnalyzeRequest, error) {
	q := r.URL.Query()
	req := engine.AnalyzeRequest{
		Position: q.Get("position"),
	}
	if moves := q.Get("moves"); moves != "" {
		req.Moves = strings.Fields(moves)
	}
	for _, p := range []struct {
		name string
		dst  **int
	}{
		{"waittime", &req.Waittime},
		{"depth", &req.Depth},
		{"nodes", &req.Nodes},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, fmt.Errorf("%s must be a non-negative integer", p.name)
		}
		*p.dst = &n
	}
	if req.Waittime == nil && req.Depth == nil && req.Nodes == nil {
		zero := 0
		req.Waittime = &zero
	}
	return req, nil
}
