package engine

import (
	"context"
	"os/exec"
	"time"

	"github.com/kifulab/usibridge/internal/usi"
)

// State describes the externally visible condition of the engine.
type State string

const (
	// StateNotReady means the process has not completed its initial
	// handshake yet.
	StateNotReady State = "not_ready"
	// StateReady means the engine accepts commands.
	StateReady State = "ready"
	// StateRestarting means the process exited unexpectedly and a
	// restart is in progress.
	StateRestarting State = "restarting"
	// StateFatal means the restart budget was exhausted and the
	// session is permanently down.
	StateFatal State = "fatal"
)

// CommandFactoryFunc builds the engine process command. Tests inject
// factories that run shell scripts instead of a real engine binary.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// HandshakeFunc re-establishes the protocol handshake after a restart.
type HandshakeFunc func(ctx context.Context) error

// EngineInfo carries the identity the engine reported during the
// handshake.
type EngineInfo struct {
	Name    string `json:"name"`
	Author  string `json:"author"`
	State   State  `json:"state"`
	Crashes int    `json:"crashes"`
}

// AnalyzeRequest describes a single position analysis.
type AnalyzeRequest struct {
	// Position is an SFEN string, or empty for the starting position.
	Position string
	// Moves are applied to Position before searching.
	Moves []string
	// Waittime is the search budget in milliseconds. Zero means an
	// unbounded search that runs until stopped.
	Waittime *int
	Depth    *int
	Nodes    *int
	// Token, when non-empty, registers the search for out-of-band
	// cancellation via StopSearch.
	Token string
	// OnLine, when non-nil, is invoked for every search info and
	// bestmove line as it arrives.
	OnLine func(line usi.Line)
}

// Defaults for supervisor and session tuning knobs.
const (
	DefaultCrashWindow      = 3 * time.Minute
	DefaultRestartBudget    = 3
	DefaultBackoffUnit      = time.Second
	DefaultGracePeriod      = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSearchIdle       = 10 * time.Second
	DefaultSearchGrace      = 30 * time.Second
	DefaultSearchTimeout    = 5 * time.Minute
)
