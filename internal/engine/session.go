package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kifulab/usibridge/internal/log"
	"github.com/kifulab/usibridge/internal/pubsub"
	"github.com/kifulab/usibridge/internal/queue"
	"github.com/kifulab/usibridge/internal/usi"
)

// SessionConfig tunes one engine session.
type SessionConfig struct {
	Path string
	Args []string
	// Options are setoption pairs applied during every handshake,
	// including the handshake after a restart.
	Options map[string]string

	HandshakeTimeout time.Duration
	// SearchIdle is the silence interval after which an unbounded
	// search is asked to stop.
	SearchIdle time.Duration
	// SearchGrace is added to a bounded search's movetime to form
	// its hard deadline.
	SearchGrace time.Duration
	// SearchTimeout is the hard deadline for searches bounded by
	// depth or nodes only.
	SearchTimeout time.Duration

	CrashWindow   time.Duration
	RestartBudget int
	BackoffUnit   time.Duration
	GracePeriod   time.Duration

	CommandFactory CommandFactoryFunc
}

func (c *SessionConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SearchIdle <= 0 {
		c.SearchIdle = DefaultSearchIdle
	}
	if c.SearchGrace <= 0 {
		c.SearchGrace = DefaultSearchGrace
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = DefaultSearchTimeout
	}
}

// Session serializes access to one supervised engine process. Every
// protocol exchange flows through an internal FIFO queue so at most one
// command is in flight; only StopSearch writes out of band.
type Session struct {
	cfg    SessionConfig
	sup    *Supervisor
	queue  *queue.Queue
	events *pubsub.Broker[string]

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	name        string
	author      string
	ready       bool
	fatal       bool
	closed      bool
	readyCh     chan struct{}
	waiter      *collector
	activeToken string
}

// NewSession prepares a session. The engine is not spawned until
// Initialize.
func NewSession(cfg SessionConfig) (*Session, error) {
	cfg.applyDefaults()
	s := &Session{
		cfg:     cfg,
		queue:   queue.New(),
		events:  pubsub.NewBroker[string](),
		readyCh: make(chan struct{}),
	}
	sup, err := NewSupervisor(SupervisorConfig{
		Path:           cfg.Path,
		Args:           cfg.Args,
		CrashWindow:    cfg.CrashWindow,
		RestartBudget:  cfg.RestartBudget,
		BackoffUnit:    cfg.BackoffUnit,
		GracePeriod:    cfg.GracePeriod,
		CommandFactory: cfg.CommandFactory,
		Handshake:      s.handshake,
		Events:         s.events,
	})
	if err != nil {
		return nil, err
	}
	s.sup = sup
	return s, nil
}

// Initialize spawns the engine and completes the usi/isready handshake.
func (s *Session) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	sub := s.events.Subscribe(s.ctx)
	if err := s.sup.Start(s.ctx); err != nil {
		s.cancel()
		return err
	}
	go s.distribute()
	go s.watchEvents(sub)
	if err := s.handshake(ctx); err != nil {
		s.sup.Shutdown(ctx)
		s.cancel()
		return fmt.Errorf("initial handshake: %w", err)
	}
	return nil
}

// Events exposes lifecycle and search notifications.
func (s *Session) Events() *pubsub.Broker[string] {
	return s.events
}

// Info reports the engine identity captured during the handshake.
func (s *Session) Info() EngineInfo {
	s.mu.Lock()
	name, author := s.name, s.author
	s.mu.Unlock()
	return EngineInfo{
		Name:    name,
		Author:  author,
		State:   s.State(),
		Crashes: s.sup.CrashCount(),
	}
}

// State reports the session state, folding in the supervisor's view of
// the process.
func (s *Session) State() State {
	s.mu.Lock()
	fatal, closed, ready := s.fatal, s.closed, s.ready
	s.mu.Unlock()
	if fatal {
		return StateFatal
	}
	if closed {
		return StateNotReady
	}
	if sup := s.sup.State(); sup == StateRestarting || sup == StateFatal {
		return sup
	}
	if ready {
		return StateReady
	}
	return StateNotReady
}

// IsReady reports whether the session accepts commands right now.
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// PendingCommands reports how many queued commands are waiting behind
// the one in flight.
func (s *Session) PendingCommands() int {
	return s.queue.Pending()
}

// SendVoid queues a fire-and-forget command such as a setoption.
func (s *Session) SendVoid(ctx context.Context, command string) error {
	return s.queue.Do(ctx, command, func(qctx context.Context) error {
		if err := s.waitReady(qctx); err != nil {
			return err
		}
		return s.sup.WriteCommand(command)
	})
}

// StopFunc decides whether a received line terminates collection.
type StopFunc func(line usi.Line) bool

// StopOnTokens terminates collection when a line's first field matches
// any of the given tokens.
func StopOnTokens(tokens ...string) StopFunc {
	return func(line usi.Line) bool {
		fields := strings.Fields(line.Raw)
		if len(fields) == 0 {
			return false
		}
		for _, t := range tokens {
			if fields[0] == t {
				return true
			}
		}
		return false
	}
}

// SendAndCollect queues a command and gathers its response lines until
// the stop condition fires, a blank line follows collected content, the
// idle interval elapses after the first content line, or the hard
// deadline expires. Only the hard deadline is reported as an error.
func (s *Session) SendAndCollect(ctx context.Context, command string, stop StopFunc, hardTimeout, idleTimeout time.Duration) ([]usi.Line, error) {
	var collected []usi.Line
	err := s.queue.Do(ctx, command, func(qctx context.Context) error {
		if err := s.waitReady(qctx); err != nil {
			return err
		}
		lines, err := s.exchange(qctx, []string{command}, collectParams{
			command:    command,
			stop:       stop,
			hard:       hardTimeout,
			idle:       idleTimeout,
			blankStops: true,
		})
		collected = lines
		return err
	})
	return collected, err
}

// Analyze queues a position/go exchange and summarizes the search
// output. The position and go commands are written back to back under
// the same queue slot so no other command can interleave.
func (s *Session) Analyze(ctx context.Context, req AnalyzeRequest) (usi.AnalysisResult, error) {
	posCmd := usi.PositionCommand(req.Position, req.Moves)
	goCmd := usi.SearchCommand(req.Waittime, req.Depth, req.Nodes)

	var result usi.AnalysisResult
	err := s.queue.Do(ctx, goCmd, func(qctx context.Context) error {
		if err := s.waitReady(qctx); err != nil {
			return err
		}
		if req.Token != "" {
			s.mu.Lock()
			s.activeToken = req.Token
			s.mu.Unlock()
			defer func() {
				s.mu.Lock()
				if s.activeToken == req.Token {
					s.activeToken = ""
				}
				s.mu.Unlock()
			}()
		}

		p := collectParams{
			command: goCmd,
			stop: func(l usi.Line) bool {
				return l.Kind == usi.KindBestMove
			},
			onLine: func(l usi.Line) {
				switch l.Kind {
				case usi.KindInfo:
					s.events.Publish(pubsub.EventSearchInfo, l.Raw)
				case usi.KindBestMove:
					s.events.Publish(pubsub.EventSearchBestMove, l.Raw)
				default:
					return
				}
				if req.OnLine != nil {
					req.OnLine(l)
				}
			},
		}
		switch {
		case req.Waittime != nil && *req.Waittime == 0:
			// Unbounded search: no hard deadline. Silence for the
			// idle interval sends a single stop; the engine then
			// owes us a bestmove. A second silent interval means
			// the engine ignored the stop.
			p.idle = s.cfg.SearchIdle
			p.idleFromStart = true
			stopSent := false
			p.onIdle = func() bool {
				if stopSent {
					return false
				}
				stopSent = true
				log.Info(log.CatEngine, "unbounded search idle, sending stop", "idle", s.cfg.SearchIdle)
				if err := s.sup.WriteCommand(usi.CommandStop); err != nil {
					log.Warn(log.CatEngine, "failed to stop idle search", "error", err.Error())
				}
				return true
			}
		case req.Waittime != nil:
			p.hard = time.Duration(*req.Waittime)*time.Millisecond + s.cfg.SearchGrace
		default:
			p.hard = s.cfg.SearchTimeout
		}

		lines, err := s.exchange(qctx, []string{posCmd, goCmd}, p)
		if err != nil {
			return err
		}
		result = usi.Summarize(lines)
		return nil
	})
	return result, err
}

// StopSearch interrupts the active streaming search. It bypasses the
// queue on purpose: the queue slot is held by the search itself. The
// token must match the one registered by the running Analyze call;
// nothing is written to the engine on a failed check.
func (s *Session) StopSearch(token string) error {
	s.mu.Lock()
	active := s.activeToken
	s.mu.Unlock()
	if active == "" {
		return ErrNoActiveSearch
	}
	if active != token {
		return ErrTokenMismatch
	}
	log.Info(log.CatEngine, "stopping search", "token", token)
	return s.sup.WriteCommand(usi.CommandStop)
}

// Shutdown stops accepting work, quits the engine and drains the queue.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.ready = false
	w := s.waiter
	s.broadcastLocked()
	s.mu.Unlock()
	if w != nil {
		w.abort(ErrSessionClosed)
	}

	err := s.sup.Shutdown(ctx)
	s.queue.Close()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// handshake runs the usi/isready exchange and applies configured
// options. The supervisor calls it again after every restart.
func (s *Session) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	usiLines, err := s.exchange(hctx, []string{usi.CommandUSI}, collectParams{
		command: usi.CommandUSI,
		stop:    func(l usi.Line) bool { return l.Kind == usi.KindUSIOK },
		hard:    s.cfg.HandshakeTimeout,
	})
	if err != nil {
		return fmt.Errorf("usi exchange: %w", err)
	}
	var name, author string
	for _, l := range usiLines {
		if l.Kind != usi.KindID {
			continue
		}
		switch l.Key {
		case "name":
			name = l.Value
		case "author":
			author = l.Value
		}
	}

	for _, opt := range sortedKeys(s.cfg.Options) {
		if err := s.sup.WriteCommand(usi.SetOptionCommand(opt, s.cfg.Options[opt])); err != nil {
			return fmt.Errorf("applying option %s: %w", opt, err)
		}
	}

	if _, err := s.exchange(hctx, []string{usi.CommandIsReady}, collectParams{
		command: usi.CommandIsReady,
		stop:    func(l usi.Line) bool { return l.Kind == usi.KindReadyOK },
		hard:    s.cfg.HandshakeTimeout,
	}); err != nil {
		return fmt.Errorf("isready exchange: %w", err)
	}

	s.mu.Lock()
	s.name = name
	s.author = author
	s.ready = true
	s.broadcastLocked()
	s.mu.Unlock()
	s.events.Publish(pubsub.EventEngineReady, name)
	log.Info(log.CatEngine, "engine ready", "name", name, "author", author)
	return nil
}

// waitReady blocks a queued task until the engine is ready. During a
// restart this parks the task instead of failing it; fatal and closed
// states fail it for good.
func (s *Session) waitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return ErrSessionClosed
		case s.fatal:
			s.mu.Unlock()
			return ErrEngineFatal
		case s.ready:
			s.mu.Unlock()
			return nil
		}
		ch := s.readyCh
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// broadcastLocked wakes every waitReady waiter so it can re-check state.
func (s *Session) broadcastLocked() {
	close(s.readyCh)
	s.readyCh = make(chan struct{})
}

// distribute is the single line-distribution loop: every engine output
// line goes to the currently registered collector, or is dropped when
// no command is pending.
func (s *Session) distribute() {
	for {
		select {
		case line := <-s.sup.Lines():
			s.mu.Lock()
			w := s.waiter
			s.mu.Unlock()
			if w == nil {
				continue
			}
			select {
			case w.lines <- line:
			case <-w.done:
			case <-s.ctx.Done():
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// watchEvents reacts to supervisor lifecycle events: an unexpected exit
// fails the in-flight command and parks new ones, a fatal verdict fails
// everything permanently.
func (s *Session) watchEvents(sub <-chan pubsub.Event[string]) {
	for ev := range sub {
		switch ev.Type {
		case pubsub.EventEngineDown:
			s.mu.Lock()
			s.ready = false
			s.broadcastLocked()
			w := s.waiter
			s.mu.Unlock()
			if w != nil {
				w.abort(ErrEngineRestarting)
			}
		case pubsub.EventEngineFatal:
			s.mu.Lock()
			s.fatal = true
			s.ready = false
			s.broadcastLocked()
			w := s.waiter
			s.mu.Unlock()
			if w != nil {
				w.abort(ErrEngineFatal)
			}
		case pubsub.EventEngineStopped:
			s.mu.Lock()
			w := s.waiter
			s.mu.Unlock()
			if w != nil {
				w.abort(ErrSessionClosed)
			}
		}
	}
}

// collector is the single pending response sink registered with the
// distribution loop.
type collector struct {
	lines chan usi.Line
	err   chan error
	done  chan struct{}
}

func newCollector() *collector {
	return &collector{
		lines: make(chan usi.Line, 64),
		err:   make(chan error, 1),
		done:  make(chan struct{}),
	}
}

// abort fails the collector out of band. The first abort wins.
func (c *collector) abort(err error) {
	select {
	case c.err <- err:
	default:
	}
}

// collectParams configures one response collection.
type collectParams struct {
	command string
	// stop terminates collection when it returns true for a line.
	stop StopFunc
	// hard fails the collection with a CommandTimeoutError.
	hard time.Duration
	// idle ends collection after silence. Unless idleFromStart is
	// set, the timer only starts once the first content line arrives.
	idle          time.Duration
	idleFromStart bool
	// blankStops treats a blank line after collected content as the
	// end of the response.
	blankStops bool
	// onLine observes every collected line.
	onLine func(usi.Line)
	// onIdle, when set, is consulted on idle expiry. Returning true
	// keeps collecting; returning false fails with a timeout error.
	onIdle func() bool
}

// exchange registers a collector, writes the commands, then collects.
// Registration happens before the write so no response line can race
// past the distribution loop unobserved.
func (s *Session) exchange(ctx context.Context, commands []string, p collectParams) ([]usi.Line, error) {
	c := newCollector()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.waiter = c
	s.mu.Unlock()
	defer func() {
		close(c.done)
		s.mu.Lock()
		if s.waiter == c {
			s.waiter = nil
		}
		s.mu.Unlock()
	}()

	for _, cmd := range commands {
		if err := s.sup.WriteCommand(cmd); err != nil {
			return nil, err
		}
	}
	return s.collect(ctx, c, p)
}

func (s *Session) collect(ctx context.Context, c *collector, p collectParams) ([]usi.Line, error) {
	var collected []usi.Line

	var hardC <-chan time.Time
	if p.hard > 0 {
		hard := time.NewTimer(p.hard)
		defer hard.Stop()
		hardC = hard.C
	}

	var idle *time.Timer
	var idleC <-chan time.Time
	resetIdle := func() {
		if p.idle <= 0 {
			return
		}
		if idle == nil {
			idle = time.NewTimer(p.idle)
			idleC = idle.C
			return
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.idle)
	}
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()
	if p.idleFromStart {
		resetIdle()
	}

	seenContent := false
	for {
		select {
		case line := <-c.lines:
			if line.Raw == "" {
				if !seenContent {
					continue
				}
				if p.blankStops {
					return collected, nil
				}
				resetIdle()
				continue
			}
			seenContent = true
			resetIdle()
			collected = append(collected, line)
			if p.onLine != nil {
				p.onLine(line)
			}
			if p.stop != nil && p.stop(line) {
				return collected, nil
			}
		case <-idleC:
			if p.onIdle == nil {
				return collected, nil
			}
			if p.onIdle() {
				resetIdle()
				continue
			}
			return collected, &CommandTimeoutError{Command: p.command, Timeout: p.idle}
		case <-hardC:
			return collected, &CommandTimeoutError{Command: p.command, Timeout: p.hard}
		case err := <-c.err:
			return collected, err
		case <-ctx.Done():
			return collected, ctx.Err()
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
