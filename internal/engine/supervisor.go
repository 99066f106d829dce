// Package engine runs a USI shogi engine as a supervised subprocess and
// exposes a serialized command session on top of it.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/kifulab/usibridge/internal/log"
	"github.com/kifulab/usibridge/internal/pubsub"
	"github.com/kifulab/usibridge/internal/usi"
)

// stdoutBufferSize bounds a single engine output line. Long PVs on deep
// searches can exceed the bufio default.
const stdoutBufferSize = 1024 * 1024

// stderrTailSize is how many trailing stderr lines are retained for
// crash diagnostics.
const stderrTailSize = 50

// SupervisorConfig tunes the process lifecycle.
type SupervisorConfig struct {
	// Path and Args launch the engine binary.
	Path string
	Args []string

	// CrashWindow is the rolling interval over which crashes are
	// counted against RestartBudget.
	CrashWindow time.Duration
	// RestartBudget is the number of restarts allowed inside
	// CrashWindow before the supervisor gives up.
	RestartBudget int
	// BackoffUnit scales the pre-restart delay: crash number N in the
	// window waits N*BackoffUnit before respawning.
	BackoffUnit time.Duration
	// GracePeriod is how long Shutdown waits after "quit" before
	// killing the process.
	GracePeriod time.Duration

	// CommandFactory overrides process creation. Nil uses exec.CommandContext.
	CommandFactory CommandFactoryFunc
	// Handshake re-initializes the protocol after a respawn. A
	// handshake failure counts as another crash.
	Handshake HandshakeFunc
	// Events receives lifecycle notifications.
	Events *pubsub.Broker[string]
}

func (c *SupervisorConfig) applyDefaults() {
	if c.CrashWindow <= 0 {
		c.CrashWindow = DefaultCrashWindow
	}
	if c.RestartBudget <= 0 {
		c.RestartBudget = DefaultRestartBudget
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = DefaultBackoffUnit
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.CommandFactory == nil {
		c.CommandFactory = func(ctx context.Context, name string, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, name, args...)
		}
	}
}

// Supervisor owns the engine process. It republishes every stdout line
// on a single channel that survives restarts, detects unexpected exits
// and respawns the process within the crash budget.
type Supervisor struct {
	cfg    SupervisorConfig
	events *pubsub.Broker[string]
	lines  chan usi.Line

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	exited     chan struct{}
	stopping   bool
	restarting bool
	fatal      bool
	crashes    []time.Time
	stderrTail []string
}

// NewSupervisor validates the config and prepares a supervisor. The
// process is not spawned until Start.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("engine path is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("events broker is required")
	}
	cfg.applyDefaults()
	return &Supervisor{
		cfg:    cfg,
		events: cfg.Events,
		lines:  make(chan usi.Line, 256),
	}, nil
}

// Start spawns the engine process. A spawn failure here is returned
// directly and does not enter crash handling.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.spawn(); err != nil {
		return fmt.Errorf("spawning engine %s: %w", s.cfg.Path, err)
	}
	return nil
}

// Lines returns the classified stdout stream. The channel is shared
// across process generations and is never closed by a restart.
func (s *Supervisor) Lines() <-chan usi.Line {
	return s.lines
}

// State reports the supervisor's view of the process.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.fatal:
		return StateFatal
	case s.restarting:
		return StateRestarting
	case s.cmd != nil:
		return StateReady
	default:
		return StateNotReady
	}
}

// CrashCount reports how many crashes are currently inside the rolling
// window.
func (s *Supervisor) CrashCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneCrashesLocked(time.Now()))
}

// StderrTail returns the retained trailing stderr lines.
func (s *Supervisor) StderrTail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := make([]string, len(s.stderrTail))
	copy(tail, s.stderrTail)
	return tail
}

// WriteCommand writes one protocol line to the engine's stdin.
func (s *Supervisor) WriteCommand(command string) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return ErrProcessNotRunning
	}
	log.Debug(log.CatEngine, "writing engine command", "command", command)
	if _, err := fmt.Fprintf(stdin, "%s\n", command); err != nil {
		return fmt.Errorf("writing %q to engine: %w", command, err)
	}
	return nil
}

// Shutdown asks the engine to quit and kills it after the grace period.
// Crash handling is suppressed for the resulting exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	cmd := s.cmd
	stdin := s.stdin
	exited := s.exited
	s.mu.Unlock()
	if s.cancel != nil {
		defer s.cancel()
	}
	if cmd == nil {
		return nil
	}

	if stdin != nil {
		// Best effort: a wedged engine is killed below anyway.
		fmt.Fprintf(stdin, "%s\n", usi.CommandQuit)
	}

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}
	log.Warn(log.CatEngine, "engine did not quit within grace period, killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing engine process: %w", err)
	}
	<-exited
	return nil
}

// spawn launches a new process generation and wires its pipes.
func (s *Supervisor) spawn() error {
	cmd := s.cfg.CommandFactory(s.ctx, s.cfg.Path, s.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.exited = exited
	s.mu.Unlock()

	log.Info(log.CatEngine, "engine process started", "path", s.cfg.Path, "pid", cmd.Process.Pid)
	go s.pumpStdout(stdout)
	go s.pumpStderr(stderr)
	go s.watch(cmd, exited)
	return nil
}

// pumpStdout classifies every stdout line and forwards it. Blank lines
// are forwarded too: collectors use them as end-of-response markers.
func (s *Supervisor) pumpStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), stdoutBufferSize)
	for scanner.Scan() {
		line := usi.Classify(scanner.Text())
		if line.Raw != "" {
			log.Debug(log.CatEngine, "engine output", "line", line.Raw)
		}
		select {
		case s.lines <- line:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		text := scanner.Text()
		log.Debug(log.CatEngine, "engine stderr", "line", text)
		s.mu.Lock()
		s.stderrTail = append(s.stderrTail, text)
		if len(s.stderrTail) > stderrTailSize {
			s.stderrTail = s.stderrTail[len(s.stderrTail)-stderrTailSize:]
		}
		s.mu.Unlock()
	}
}

// watch waits for the process to exit and routes unexpected exits into
// crash handling. Intentional shutdowns and detached generations are
// ignored.
func (s *Supervisor) watch(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	s.mu.Lock()
	if s.stopping || s.cmd != cmd {
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			s.events.Publish(pubsub.EventEngineStopped, "engine exited after shutdown request")
		}
		return
	}
	s.cmd = nil
	s.stdin = nil
	if s.restarting {
		// A generation died while the restart loop is already
		// running. The loop's own handshake failure picks it up.
		s.mu.Unlock()
		return
	}
	s.restarting = true
	s.mu.Unlock()

	log.Warn(log.CatEngine, "engine process exited unexpectedly", "error", fmt.Sprint(err))
	go s.recover()
}

// recover drives the restart loop. Each iteration records one crash
// event against the window; a failed respawn or handshake re-enters the
// loop as a fresh crash.
func (s *Supervisor) recover() {
	s.events.Publish(pubsub.EventEngineDown, "engine process exited")

	for {
		s.mu.Lock()
		now := time.Now()
		s.crashes = append(s.pruneCrashesLocked(now), now)
		count := len(s.crashes)
		if count > s.cfg.RestartBudget {
			s.fatal = true
			s.restarting = false
			s.mu.Unlock()
			log.Error(log.CatEngine, "engine crash budget exhausted", "crashes", count, "window", s.cfg.CrashWindow)
			s.events.Publish(pubsub.EventEngineFatal, "crash budget exhausted")
			return
		}
		s.mu.Unlock()

		backoff := time.Duration(count) * s.cfg.BackoffUnit
		log.Info(log.CatEngine, "restarting engine", "crash", count, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}

		if err := s.spawn(); err != nil {
			log.Warn(log.CatEngine, "engine respawn failed", "error", err.Error())
			continue
		}
		if s.cfg.Handshake != nil {
			if err := s.cfg.Handshake(s.ctx); err != nil {
				log.Warn(log.CatEngine, "post-restart handshake failed", "error", err.Error())
				s.detachAndKill()
				continue
			}
		}

		s.mu.Lock()
		if s.cmd == nil {
			// The new generation already died; its watch saw the
			// restart flag and left the exit to this loop. The
			// respawn itself still counts as a restart.
			s.mu.Unlock()
			s.events.Publish(pubsub.EventEngineRestarted, "engine restarted")
			s.events.Publish(pubsub.EventEngineDown, "engine process exited")
			continue
		}
		s.restarting = false
		s.mu.Unlock()
		s.events.Publish(pubsub.EventEngineRestarted, "engine restarted")
		return
	}
}

// detachAndKill removes the current generation from supervision before
// killing it, so its exit does not trigger another recover loop.
func (s *Supervisor) detachAndKill() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	cmd.Process.Kill()
	<-exited
}

func (s *Supervisor) pruneCrashesLocked(now time.Time) []time.Time {
	cutoff := now.Add(-s.cfg.CrashWindow)
	kept := make([]time.Time, 0, len(s.crashes))
	for _, t := range s.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
