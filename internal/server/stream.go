package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kifulab/usibridge/internal/engine"
	"github.com/kifulab/usibridge/internal/history"
	"github.com/kifulab/usibridge/internal/log"
	"github.com/kifulab/usibridge/internal/usi"
)

const (
	// streamBuffer bounds how far a slow client may fall behind the
	// engine before lines are dropped.
	streamBuffer = 256
	// heartbeatInterval keeps idle streaming connections alive.
	heartbeatInterval = 15 * time.Second
)

// StreamEvent is one message on a search stream.
type StreamEvent struct {
	Type string `json:"type"`
	// Token identifies the search for POST /search/stop ("start").
	Token string `json:"token,omitempty"`
	// Line is the raw engine line ("info", "bestmove").
	Line string `json:"line,omitempty"`
	// Result is the final summary ("result").
	Result *usi.AnalysisResult `json:"result,omitempty"`
	// Error is set on "error" events.
	Error string `json:"error,omitempty"`
}

// searchOutcome is the terminal state of a streamed search.
type searchOutcome struct {
	result usi.AnalysisResult
	err    error
}

// startStreamSearch launches the analysis and returns its token, the
// live line channel and the completion channel. Lines are dropped
// rather than ever blocking the engine's collection loop.
func (h *Handler) startStreamSearch(r *http.Request, req engine.AnalyzeRequest) (string, <-chan usi.Line, <-chan searchOutcome) {
	token := uuid.NewString()
	req.Token = token

	lines := make(chan usi.Line, streamBuffer)
	req.OnLine = func(l usi.Line) {
		select {
		case lines <- l:
		default:
			log.Warn(log.CatServer, "dropping search line for slow stream consumer", "token", token)
		}
	}

	done := make(chan searchOutcome, 1)
	go func() {
		// The request context would abandon the queue slot the moment
		// the client disconnects; the search deliberately keeps
		// running so a stop can land cleanly.
		result, err := h.eng.Analyze(r.Context(), req)
		done <- searchOutcome{result: result, err: err}
	}()
	return token, lines, done
}

// AnalyzeStream streams search output over SSE. The first event carries
// the cancellation token; a disconnect stops the search.
func (h *Handler) AnalyzeStream(w http.ResponseWriter, r *http.Request) {
	req, err := streamRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	token, lines, done := h.startStreamSearch(r, req)
	h.sseEvent(w, "start", StreamEvent{Type: "start", Token: token})
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// Best effort: the search may already have resolved.
			_ = h.eng.StopSearch(token)
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case line := <-lines:
			h.sseEvent(w, string(line.Kind), StreamEvent{Type: string(line.Kind), Line: line.Raw})
			flusher.Flush()
		case outcome := <-done:
			// Flush lines that were buffered ahead of completion.
			for {
				select {
				case line := <-lines:
					h.sseEvent(w, string(line.Kind), StreamEvent{Type: string(line.Kind), Line: line.Raw})
					continue
				default:
				}
				break
			}
			if outcome.err != nil {
				h.sseEvent(w, "error", StreamEvent{Type: "error", Error: outcome.err.Error()})
			} else {
				h.recordStreamResult(req, outcome.result)
				h.sseEvent(w, "result", StreamEvent{Type: "result", Result: &outcome.result})
			}
			flusher.Flush()
			return
		}
	}
}

func (h *Handler) sseEvent(w http.ResponseWriter, event string, payload StreamEvent) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error(log.CatServer, "failed to marshal stream event", "error", err.Error())
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// wsClientMessage is what a WebSocket client may send mid-search.
type wsClientMessage struct {
	Action string `json:"action"`
}

// AnalyzeWS streams search output over a WebSocket. The client may send
// {"action":"stop"} to end an unbounded search; closing the socket does
// the same.
func (h *Handler) AnalyzeWS(w http.ResponseWriter, r *http.Request) {
	req, err := streamRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatServer, "websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	token, lines, done := h.startStreamSearch(r, req)

	// Reader: watches for stop requests and disconnects. The writer
	// below is the only goroutine writing to the socket.
	stopRequested := make(chan struct{})
	go func() {
		defer close(stopRequested)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Action == "stop" {
				return
			}
		}
	}()

	if err := conn.WriteJSON(StreamEvent{Type: "start", Token: token}); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopRequested:
			_ = h.eng.StopSearch(token)
			// Keep draining until the search resolves.
			stopRequested = nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				_ = h.eng.StopSearch(token)
				return
			}
		case line := <-lines:
			if err := conn.WriteJSON(StreamEvent{Type: string(line.Kind), Line: line.Raw}); err != nil {
				_ = h.eng.StopSearch(token)
				return
			}
		case outcome := <-done:
			for {
				select {
				case line := <-lines:
					if err := conn.WriteJSON(StreamEvent{Type: string(line.Kind), Line: line.Raw}); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			if outcome.err != nil {
				_ = conn.WriteJSON(StreamEvent{Type: "error", Error: outcome.err.Error()})
				return
			}
			h.recordStreamResult(req, outcome.result)
			_ = conn.WriteJSON(StreamEvent{Type: "result", Result: &outcome.result})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// recordStreamResult persists a completed streamed search. Streamed
// results bypass the cache: unbounded searches have no stable budget to
// key on.
func (h *Handler) recordStreamResult(req engine.AnalyzeRequest, result usi.AnalysisResult) {
	if h.repo == nil {
		return
	}
	record := &history.Record{
		Position: req.Position,
		Moves:    strings.Join(req.Moves, " "),
		Waittime: req.Waittime,
		Depth:    req.Depth,
		Nodes:    req.Nodes,
		Result:   result,
	}
	if err := h.repo.Save(record); err != nil {
		log.ErrorErr(log.CatServer, "failed to record streamed analysis", err)
	}
}
