package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kifulab/usibridge/internal/cachemanager"
	"github.com/kifulab/usibridge/internal/engine"
	"github.com/kifulab/usibridge/internal/history"
	"github.com/kifulab/usibridge/internal/usi"
)

// fakeEngine is a scriptable Engine for handler tests.
type fakeEngine struct {
	mu           sync.Mutex
	ready        bool
	state        engine.State
	pending      int
	analyzeCalls int
	lastAnalyze  engine.AnalyzeRequest

	analyzeFn func(ctx context.Context, req engine.AnalyzeRequest) (usi.AnalysisResult, error)
	collectFn func(ctx context.Context, command string) ([]usi.Line, error)
	stopFn    func(token string) error
}

func newFakeEngine() *fakeEngine {
	cp := 25
	best := "7g7f"
	return &fakeEngine{
		ready: true,
		state: engine.StateReady,
		analyzeFn: func(ctx context.Context, req engine.AnalyzeRequest) (usi.AnalysisResult, error) {
			return usi.AnalysisResult{ScoreCP: &cp, PV: "7g7f", BestMove: &best}, nil
		},
		collectFn: func(ctx context.Context, command string) ([]usi.Line, error) {
			return []usi.Line{usi.Classify("readyok")}, nil
		},
		stopFn: func(token string) error { return nil },
	}
}

func (f *fakeEngine) Info() engine.EngineInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.EngineInfo{Name: "FakeEngine", Author: "tests", State: f.state}
}

func (f *fakeEngine) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeEngine) PendingCommands() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeEngine) SendAndCollect(ctx context.Context, command string, stop engine.StopFunc, hard, idle time.Duration) ([]usi.Line, error) {
	return f.collectFn(ctx, command)
}

func (f *fakeEngine) Analyze(ctx context.Context, req engine.AnalyzeRequest) (usi.AnalysisResult, error) {
	f.mu.Lock()
	f.analyzeCalls++
	f.lastAnalyze = req
	f.mu.Unlock()
	return f.analyzeFn(ctx, req)
}

func (f *fakeEngine) StopSearch(token string) error {
	return f.stopFn(token)
}

func newTestHandler(t *testing.T, eng Engine, withHistory bool) *Handler {
	t.Helper()
	cfg := HandlerConfig{
		Engine:   eng,
		Cache:    cachemanager.NewInMemoryCacheManager[string, usi.AnalysisResult]("test", time.Minute, time.Minute),
		CacheTTL: time.Minute,
	}
	if withHistory {
		repo, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		cfg.History = repo
	}
	return NewHandler(cfg)
}

func doJSON(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng, false)

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)

	eng.mu.Lock()
	eng.ready = false
	eng.state = engine.StateRestarting
	eng.mu.Unlock()

	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(engine.StateRestarting), resp.Status)
}

func TestEngineInfo(t *testing.T) {
	eng := newFakeEngine()
	eng.pending = 2
	h := newTestHandler(t, eng, false)

	rec := doJSON(t, h, http.MethodGet, "/engine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp EngineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "FakeEngine", resp.Name)
	require.Equal(t, 2, resp.PendingCommands)
}

func TestCommand_Validation(t *testing.T) {
	h := newTestHandler(t, newFakeEngine(), false)

	tests := []struct {
		name    string
		command string
	}{
		{"empty", ""},
		{"go blocked", "go movetime 1000"},
		{"quit blocked", "quit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/command", CommandRequest{Command: tt.command})
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCommand_ReturnsLines(t *testing.T) {
	h := newTestHandler(t, newFakeEngine(), false)

	rec := doJSON(t, h, http.MethodPost, "/command", CommandRequest{Command: "isready", StopTokens: []string{"readyok"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"readyok"}, resp.Lines)
}

func TestAnalyze_DefaultsToMovetime(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng, false)

	rec := doJSON(t, h, http.MethodPost, "/analyze", AnalyzeRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, eng.lastAnalyze.Waittime)
	require.Equal(t, 1000, *eng.lastAnalyze.Waittime)
}

func TestAnalyze_RejectsUnbounded(t *testing.T) {
	h := newTestHandler(t, newFakeEngine(), false)
	zero := 0
	rec := doJSON(t, h, http.MethodPost, "/analyze", AnalyzeRequest{Waittime: &zero})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyze_SecondCallServedFromCache(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng, false)

	waittime := 500
	body := AnalyzeRequest{Position: "startpos", Waittime: &waittime}

	rec := doJSON(t, h, http.MethodPost, "/analyze", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var first AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.False(t, first.Cached)

	rec = doJSON(t, h, http.MethodPost, "/analyze", body)
	var second AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.True(t, second.Cached)
	require.Equal(t, 1, eng.analyzeCalls)
}

func TestAnalyze_SkipCacheForcesFreshRun(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng, false)

	waittime := 500
	body := AnalyzeRequest{Waittime: &waittime, SkipCache: true}
	doJSON(t, h, http.MethodPost, "/analyze", body)
	doJSON(t, h, http.MethodPost, "/analyze", body)
	require.Equal(t, 2, eng.analyzeCalls)
}

func TestAnalyze_RecordsHistory(t *testing.T) {
	eng := newFakeEngine()
	h := newTestHandler(t, eng, true)

	waittime := 500
	rec := doJSON(t, h, http.MethodPost, "/analyze", AnalyzeRequest{Waittime: &waittime})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.GUID)

	got := doJSON(t, h, http.MethodGet, "/analyses/"+resp.GUID, nil)
	require.Equal(t, http.StatusOK, got.Code)

	list := doJSON(t, h, http.MethodGet, "/analyses", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var listResp ListAnalysesResponse
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listResp))
	require.Equal(t, 1, listResp.Total)
}

func TestAnalyze_EngineErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"timeout", &engine.CommandTimeoutError{Command: "go movetime 500", Timeout: time.Second}, http.StatusGatewayTimeout},
		{"fatal", engine.ErrEngineFatal, http.StatusServiceUnavailable},
		{"restarting", engine.ErrEngineRestarting, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.analyzeFn = func(ctx context.Context, req engine.AnalyzeRequest) (usi.AnalysisResult, error) {
				return usi.AnalysisResult{}, tt.err
			}
			h := newTestHandler(t, eng, false)
			waittime := 500
			rec := doJSON(t, h, http.MethodPost, "/analyze", AnalyzeRequest{Waittime: &waittime, SkipCache: true})
			require.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestStopSearch_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"ok", nil, http.StatusNoContent},
		{"no active search", engine.ErrNoActiveSearch, http.StatusConflict},
		{"token mismatch", engine.ErrTokenMismatch, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.stopFn = func(token string) error { return tt.err }
			h := newTestHandler(t, eng, false)
			rec := doJSON(t, h, http.MethodPost, "/search/stop", StopSearchRequest{Token: "tok"})
			require.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestListAnalyses_DisabledHistory(t *testing.T) {
	h := newTestHandler(t, newFakeEngine(), false)
	rec := doJSON(t, h, http.MethodGet, "/analyses", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// streamingFake drives OnLine with scripted search output.
func streamingFake() *fakeEngine {
	eng := newFakeEngine()
	eng.analyzeFn = func(ctx context.Context, req engine.AnalyzeRequest) (usi.AnalysisResult, error) {
		lines := []usi.Line{
			usi.Classify("info depth 5 score cp 12 pv 2g2f"),
			usi.Classify("info depth 9 score cp 30 pv 7g7f 3c3d"),
			usi.Classify("bestmove 7g7f"),
		}
		for _, l := range lines {
			if req.OnLine != nil {
				req.OnLine(l)
			}
		}
		return usi.Summarize(lines), nil
	}
	return eng
}

func TestAnalyzeStream_SSE(t *testing.T) {
	h := newTestHandler(t, streamingFake(), false)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/analyze/stream?waittime=500")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	var sawToken, sawResult bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") {
			var ev StreamEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			if ev.Type == "start" {
				require.NotEmpty(t, ev.Token)
				sawToken = true
			}
			if ev.Type == "result" {
				require.NotNil(t, ev.Result)
				require.Equal(t, "7g7f", *ev.Result.BestMove)
				sawResult = true
			}
		}
	}
	require.True(t, sawToken, "stream should announce its token first")
	require.True(t, sawResult, "stream should end with a result event")
	require.Equal(t, "start", events[0])
	require.Contains(t, events, "info")
}

func TestAnalyzeWS(t *testing.T) {
	h := newTestHandler(t, streamingFake(), false)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/analyze/ws?waittime=500"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var sawInfo bool
	for {
		var ev StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("connection closed before result: %v", err)
		}
		switch ev.Type {
		case "start":
			require.NotEmpty(t, ev.Token)
		case "info":
			sawInfo = true
		case "result":
			require.True(t, sawInfo)
			require.NotNil(t, ev.Result)
			require.Equal(t, "7g7f", *ev.Result.BestMove)
			return
		case "error":
			t.Fatalf("unexpected error event: %s", ev.Error)
		}
	}
}

func TestStreamRequest_DefaultsToUnbounded(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/analyze/stream?position=startpos", nil)
	parsed, err := streamRequest(req)
	require.NoError(t, err)
	require.NotNil(t, parsed.Waittime)
	require.Zero(t, *parsed.Waittime)
}

func TestStreamRequest_RejectsBadNumbers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/analyze/stream?depth=banana", nil)
	_, err := streamRequest(req)
	require.Error(t, err)
}
