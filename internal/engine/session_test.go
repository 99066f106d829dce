package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kifulab/usibridge/internal/usi"
)

// fakeEngine is a shell stand-in for a USI engine. "go infinite"
// produces output only until stopped; "die" simulates a crash.
const fakeEngine = `
while read line; do
  case "$line" in
    usi)
      echo "id name FakeEngine"
      echo "id author usibridge"
      echo "usiok"
      ;;
    isready) echo "readyok" ;;
    setoption*) ;;
    position*) ;;
    "go infinite") echo "info depth 1 score cp 5 pv 2g2f" ;;
    go*)
      echo "info depth 8 score cp 21 pv 2g2f 8c8d"
      echo "info depth 10 score cp 25 pv 7g7f 3c3d"
      echo "bestmove 7g7f ponder 3c3d"
      ;;
    stop) echo "bestmove 2g2f" ;;
    listopts)
      echo "opt USI_Hash"
      echo "opt USI_Ponder"
      echo ""
      ;;
    die) exit 7 ;;
    quit) exit 0 ;;
  esac
done
`

func startSession(t *testing.T, mutate func(*SessionConfig)) *Session {
	t.Helper()
	cfg := SessionConfig{
		Path:             "sh",
		Args:             []string{"-c", fakeEngine},
		CrashWindow:      time.Minute,
		RestartBudget:    3,
		BackoffUnit:      10 * time.Millisecond,
		GracePeriod:      500 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestSession_HandshakeCapturesIdentity(t *testing.T) {
	s := startSession(t, nil)
	info := s.Info()
	require.Equal(t, "FakeEngine", info.Name)
	require.Equal(t, "usibridge", info.Author)
	require.Equal(t, StateReady, info.State)
	require.True(t, s.IsReady())
}

func TestSession_AnalyzeBounded(t *testing.T) {
	s := startSession(t, nil)
	waittime := 500
	res, err := s.Analyze(context.Background(), AnalyzeRequest{
		Waittime: &waittime,
	})
	require.NoError(t, err)
	require.False(t, res.Mate)
	require.NotNil(t, res.ScoreCP)
	require.Equal(t, 25, *res.ScoreCP)
	require.Equal(t, "7g7f 3c3d", res.PV)
	require.NotNil(t, res.BestMove)
	require.Equal(t, "7g7f", *res.BestMove)
	require.NotNil(t, res.Ponder)
	require.Equal(t, "3c3d", *res.Ponder)
}

func TestSession_AnalyzeStreamsLines(t *testing.T) {
	s := startSession(t, nil)
	waittime := 500
	var seen []usi.LineKind
	_, err := s.Analyze(context.Background(), AnalyzeRequest{
		Waittime: &waittime,
		OnLine: func(l usi.Line) {
			seen = append(seen, l.Kind)
		},
	})
	require.NoError(t, err)
	require.Equal(t, []usi.LineKind{usi.KindInfo, usi.KindInfo, usi.KindBestMove}, seen)
}

// An unbounded search that goes quiet is stopped automatically: after
// the idle interval the session sends a single "stop" and the engine's
// bestmove resolves the call.
func TestSession_UnboundedSearchIdleStop(t *testing.T) {
	s := startSession(t, func(c *SessionConfig) {
		c.SearchIdle = 100 * time.Millisecond
	})
	waittime := 0
	start := time.Now()
	res, err := s.Analyze(context.Background(), AnalyzeRequest{
		Waittime: &waittime,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.NotNil(t, res.BestMove)
	require.Equal(t, "2g2f", *res.BestMove)
}

func TestSession_StopSearch(t *testing.T) {
	s := startSession(t, func(c *SessionConfig) {
		// Long idle so the test's explicit stop wins.
		c.SearchIdle = 30 * time.Second
	})

	require.ErrorIs(t, s.StopSearch("anything"), ErrNoActiveSearch)

	token := uuid.NewString()
	waittime := 0
	type outcome struct {
		res usi.AnalysisResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Analyze(context.Background(), AnalyzeRequest{
			Waittime: &waittime,
			Token:    token,
		})
		done <- outcome{res, err}
	}()

	// The search is active once the token check starts failing with a
	// mismatch instead of "no active search".
	require.Eventually(t, func() bool {
		return s.StopSearch("wrong-token") == ErrTokenMismatch
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.StopSearch(token))
	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.NotNil(t, out.res.BestMove)
		require.Equal(t, "2g2f", *out.res.BestMove)
	case <-time.After(5 * time.Second):
		t.Fatal("search did not resolve after stop")
	}

	require.ErrorIs(t, s.StopSearch(token), ErrNoActiveSearch)
}

// A blank line after collected content ends a collection that has no
// terminal marker of its own.
func TestSession_SendAndCollectBlankStop(t *testing.T) {
	s := startSession(t, nil)
	lines, err := s.SendAndCollect(context.Background(), "listopts", nil, 2*time.Second, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, "opt USI_Hash", lines[0].Raw)
	require.Equal(t, "opt USI_Ponder", lines[1].Raw)
}

func TestSession_SendAndCollectStopFunc(t *testing.T) {
	s := startSession(t, nil)
	lines, err := s.SendAndCollect(context.Background(), "isready", StopOnTokens(usi.TokenReadyOK), 2*time.Second, 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, usi.KindReadyOK, lines[0].Kind)
}

func TestSession_SendAndCollectHardTimeout(t *testing.T) {
	s := startSession(t, nil)
	_, err := s.SendAndCollect(context.Background(), "noop", nil, 100*time.Millisecond, 0)
	var timeout *CommandTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, "noop", timeout.Command)
}

// A crash mid-command fails that command locally; the session recovers
// and serves later commands after the automatic handshake.
func TestSession_CrashFailsInFlightThenRecovers(t *testing.T) {
	s := startSession(t, nil)
	_, err := s.SendAndCollect(context.Background(), "die", nil, 5*time.Second, 0)
	require.Error(t, err)

	require.Eventually(t, s.IsReady, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.Info().Crashes)

	waittime := 200
	res, errAnalyze := s.Analyze(context.Background(), AnalyzeRequest{Waittime: &waittime})
	require.NoError(t, errAnalyze)
	require.NotNil(t, res.BestMove)
}

// Crashing past the budget inside the window turns the session fatal
// and every later command fails fast.
func TestSession_FatalAfterBudgetExhausted(t *testing.T) {
	s := startSession(t, nil)
	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.SendAndCollect(ctx, "die", nil, time.Second, 0)
		cancel()
		if i < 3 {
			require.Eventually(t, s.IsReady, 5*time.Second, 10*time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		return s.State() == StateFatal
	}, 5*time.Second, 10*time.Millisecond)

	err := s.SendVoid(context.Background(), "isready")
	require.ErrorIs(t, err, ErrEngineFatal)
}

func TestSession_CommandsAreSerialized(t *testing.T) {
	s := startSession(t, func(c *SessionConfig) {
		c.SearchIdle = 30 * time.Second
	})

	token := uuid.NewString()
	waittime := 0
	searchDone := make(chan error, 1)
	go func() {
		_, err := s.Analyze(context.Background(), AnalyzeRequest{Waittime: &waittime, Token: token})
		searchDone <- err
	}()
	require.Eventually(t, func() bool {
		return s.StopSearch("probe") == ErrTokenMismatch
	}, 2*time.Second, 10*time.Millisecond)

	// Queued behind the running search; must not start before it ends.
	collectDone := make(chan error, 1)
	go func() {
		_, err := s.SendAndCollect(context.Background(), "listopts", nil, 5*time.Second, 0)
		collectDone <- err
	}()

	select {
	case <-collectDone:
		t.Fatal("queued command ran while a search held the queue")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, s.StopSearch(token))
	require.NoError(t, <-searchDone)
	require.NoError(t, <-collectDone)
}

func TestSession_ShutdownRejectsFurtherWork(t *testing.T) {
	s := startSession(t, nil)
	require.NoError(t, s.Shutdown(context.Background()))
	err := s.SendVoid(context.Background(), "isready")
	require.Error(t, err)
}
