// Package runner executes a validation case table against one transport and
// records every case's terminal state. A failing case never aborts the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/mcpcheck/envelope"
	"github.com/petal-labs/mcpcheck/transport"
)

// DefaultTimeout bounds one invocation when no timeout is configured.
const DefaultTimeout = 180 * time.Second

// State is a case's position in its lifecycle.
type State string

const (
	StatePending         State = "pending"
	StateExecuting       State = "executing"
	StateCompleted       State = "completed"
	StateTimedOut        State = "timed_out"
	StateTransportFailed State = "transport_failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateTransportFailed
}

// StateFor maps an envelope status to the terminal case state.
func StateFor(status envelope.Status) State {
	switch status {
	case envelope.StatusTimeout:
		return StateTimedOut
	case envelope.StatusTransportError:
		return StateTransportFailed
	default:
		return StateCompleted
	}
}

// SessionPolicy controls how sessions map onto cases.
type SessionPolicy string

const (
	// SessionPerCase opens a fresh session (for stdio, a fresh process) per case.
	SessionPerCase SessionPolicy = "per_case"
	// SessionPerRun shares one session across the whole run.
	SessionPerRun SessionPolicy = "per_run"
)

// ParseSessionPolicy validates a policy name; empty selects the default.
func ParseSessionPolicy(raw string) (SessionPolicy, error) {
	switch SessionPolicy(raw) {
	case "":
		return "", nil
	case SessionPerCase, SessionPerRun:
		return SessionPolicy(raw), nil
	default:
		return "", fmt.Errorf("runner: unknown session policy %q (want per_case or per_run)", raw)
	}
}

// Result is a case after execution.
type Result struct {
	Case     Case
	State    State
	Envelope envelope.Envelope
	Passed   bool
}

// Config configures a Runner.
type Config struct {
	Transport transport.Transport
	// Timeout bounds each invocation; zero means DefaultTimeout.
	Timeout time.Duration
	// Parallelism caps concurrent cases; values below one mean sequential.
	Parallelism int
	// Sessions defaults to per_run for http and per_case otherwise.
	Sessions SessionPolicy
	RunID    string
	OnEvent  EventHandler
	Logger   *slog.Logger
}

// Runner executes case tables.
type Runner struct {
	cfg Config
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Runner, error) {
	if cfg.Transport == nil {
		return nil, errors.New("runner: transport is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Sessions == "" {
		cfg.Sessions = SessionPerCase
		if cfg.Transport.Name() == "http" {
			cfg.Sessions = SessionPerRun
		}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg}, nil
}

// RunID returns the identifier stamped on every event of this runner.
func (r *Runner) RunID() string {
	return r.cfg.RunID
}

// Run executes every case and returns results in table order.
func (r *Runner) Run(ctx context.Context, cases []Case) []Result {
	started := time.Now()
	results := make([]Result, len(cases))
	for i, c := range cases {
		results[i] = Result{Case: c, State: StatePending}
	}
	r.emit(Event{Kind: EventRunStarted, Index: -1, Total: len(cases)})

	shared := &sharedSession{transport: r.cfg.Transport, logger: r.cfg.Logger}
	defer shared.close()

	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)
	for i := range cases {
		g.Go(func() error {
			results[i] = r.runCase(ctx, i, cases[i], shared)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, result := range results {
		if !result.Passed {
			failed++
		}
	}
	r.emit(Event{
		Kind:    EventRunFinished,
		Index:   -1,
		Elapsed: time.Since(started),
		Total:   len(results),
		Failed:  failed,
	})
	return results
}

func (r *Runner) runCase(ctx context.Context, index int, c Case, shared *sharedSession) Result {
	started := time.Now()
	r.emit(Event{Kind: EventCaseStarted, Index: index, Case: c, State: StateExecuting})

	inv := c.Invocation.Clone()
	var env envelope.Envelope
	if r.cfg.Sessions == SessionPerRun {
		env = r.callShared(ctx, inv, shared, started)
	} else {
		env = r.callFresh(ctx, inv, started)
	}

	result := Result{
		Case:     c,
		State:    StateFor(env.Status),
		Envelope: env,
		Passed:   envelope.IsSuccess(env),
	}
	r.cfg.Logger.Debug("case finished",
		"run_id", r.cfg.RunID,
		"case", c.Name,
		"state", result.State,
		"status", env.Status,
		"latency", env.Latency,
	)
	r.emit(Event{
		Kind:    EventCaseFinished,
		Index:   index,
		Case:    c,
		State:   result.State,
		Result:  &result,
		Elapsed: time.Since(started),
	})
	return result
}

// callShared calls through the run's session. A call refused because the
// session broke while this case waited for it is sent once more on the
// replacement session; it never reached the server.
func (r *Runner) callShared(ctx context.Context, inv envelope.Invocation, shared *sharedSession, started time.Time) envelope.Envelope {
	var env envelope.Envelope
	for attempt := 0; attempt < 2; attempt++ {
		session, err := shared.get(ctx)
		if err != nil {
			return envelope.Failed(transport.StatusFor(err), err, time.Since(started))
		}
		env = session.Call(ctx, inv, r.cfg.Timeout)
		if !errors.Is(env.Err, transport.ErrSessionClosed) {
			break
		}
	}
	return env
}

func (r *Runner) callFresh(ctx context.Context, inv envelope.Invocation, started time.Time) envelope.Envelope {
	session, err := r.cfg.Transport.Open(ctx)
	if err != nil {
		return envelope.Failed(transport.StatusFor(err), err, time.Since(started))
	}
	defer func() {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			r.cfg.Logger.Warn("closing session failed", "error", err)
		}
	}()
	return session.Call(ctx, inv, r.cfg.Timeout)
}

func (r *Runner) emit(e Event) {
	if r.cfg.OnEvent == nil {
		return
	}
	e.RunID = r.cfg.RunID
	e.Time = time.Now()
	e.Transport = r.cfg.Transport.Name()
	e.Endpoint = r.cfg.Transport.Endpoint()
	r.cfg.OnEvent(e)
}

// sharedSession opens one session on first use and remembers an open
// failure so every case reports it. A session that breaks (a stdio process
// killed on timeout) is closed and replaced on the next get.
type sharedSession struct {
	transport transport.Transport
	logger    *slog.Logger

	mu      sync.Mutex
	opened  bool
	session transport.Session
	err     error
}

func (s *sharedSession) get(ctx context.Context) (transport.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened && s.session != nil && transport.IsBroken(s.session) {
		s.logger.Debug("reopening broken shared session")
		if err := s.session.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("closing broken session failed", "error", err)
		}
		s.opened = false
		s.session = nil
	}
	if !s.opened {
		s.opened = true
		s.session, s.err = s.transport.Open(ctx)
	}
	return s.session, s.err
}

func (s *sharedSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return
	}
	if err := s.session.Close(context.Background()); err != nil {
		s.logger.Warn("closing shared session failed", "error", err)
	}
}
