package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoActiveSearch is returned by StopSearch when no streaming
	// search is currently registered.
	ErrNoActiveSearch = errors.New("no active search")

	// ErrTokenMismatch is returned by StopSearch when the supplied
	// token does not match the active search.
	ErrTokenMismatch = errors.New("search token mismatch")

	// ErrEngineFatal indicates the supervisor exhausted its restart
	// budget and gave up on the engine process.
	ErrEngineFatal = errors.New("engine is in a fatal state")

	// ErrEngineRestarting indicates a command was interrupted because
	// the engine process exited and is being restarted.
	ErrEngineRestarting = errors.New("engine process restarting")

	// ErrSessionClosed indicates the session has been shut down.
	ErrSessionClosed = errors.New("engine session closed")

	// ErrProcessNotRunning indicates a write was attempted while no
	// engine process is attached.
	ErrProcessNotRunning = errors.New("engine process not running")
)

// CommandTimeoutError reports that the engine produced no terminal
// response for a command within its deadline.
type CommandTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("engine command %q timed out after %s", e.Command, e.Timeout)
}
