package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/mcpcheck/envelope"
	"github.com/petal-labs/mcpcheck/mcp"
)

const (
	defaultStderrTail = 8 << 10
	closeGrace        = 2 * time.Second
	waitDelay         = time.Second
	exitSettle        = 200 * time.Millisecond
)

// StdioConfig configures a subprocess stdio transport.
type StdioConfig struct {
	Command string
	Args    []string
	// Env is overlaid on the parent environment.
	Env map[string]string
	Dir string

	ClientInfo   mcp.ClientInfo
	MaxLineBytes int
	StderrTail   int

	// OnSend observes every message written to the server, in order.
	OnSend func(mcp.Message)
	Logger *slog.Logger
}

// StdioTransport spawns the server as a child process per session and speaks
// newline-delimited JSON-RPC over its stdin and stdout.
type StdioTransport struct {
	cfg StdioConfig
}

// NewStdioTransport validates cfg and returns a transport. No process is
// started until Open.
func NewStdioTransport(cfg StdioConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("transport: stdio command is required")
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo.Name = "mcpcheck"
	}
	if cfg.ClientInfo.Version == "" {
		cfg.ClientInfo.Version = "dev"
	}
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = defaultStderrTail
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StdioTransport{cfg: cfg}, nil
}

func (t *StdioTransport) Name() string { return "stdio" }

func (t *StdioTransport) Endpoint() string {
	return strings.Join(append([]string{t.cfg.Command}, t.cfg.Args...), " ")
}

// Open spawns a fresh server process. The handshake runs on the first request.
func (t *StdioTransport) Open(ctx context.Context) (Session, error) {
	s, err := t.open(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *StdioTransport) open(ctx context.Context) (*StdioSession, error) {
	// #nosec G204 -- the command line comes from the operator's own config.
	cmd := exec.CommandContext(ctx, t.cfg.Command, slices.Clone(t.cfg.Args)...)
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(t.cfg.Env)...)
	}
	cmd.Dir = t.cfg.Dir
	cmd.WaitDelay = waitDelay

	stderr := newTailBuffer(t.cfg.StderrTail)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, newError(ErrTransport, "open stdin", err)
	}
	// An os.Pipe we own keeps Wait from closing stdout under the reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, newError(ErrTransport, "open stdout", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, newError(ErrTransport, "spawn "+t.cfg.Command, err)
	}
	_ = stdoutW.Close()

	s := &StdioSession{
		cfg:      t.cfg,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdoutR,
		lines:    mcp.NewLineReader(stdoutR, t.cfg.MaxLineBytes),
		stderr:   stderr,
		waitDone: make(chan struct{}),
		correlator: mcp.Correlator{
			Logger: t.cfg.Logger,
		},
	}
	go s.waitLoop()

	t.cfg.Logger.Debug("spawned server process", "command", t.Endpoint(), "pid", cmd.Process.Pid)
	return s, nil
}

// Health spawns a process and completes the handshake. A server that
// initializes is considered healthy.
func (t *StdioTransport) Health(ctx context.Context, timeout time.Duration) ProbeResult {
	start := time.Now()
	s, err := t.open(ctx)
	if err != nil {
		return ProbeResult{Latency: time.Since(start), Err: err}
	}
	defer func() { _ = s.Close(context.Background()) }()

	result, err := s.Initialize(ctx, timeout)
	probe := ProbeResult{
		OK:      err == nil,
		Latency: time.Since(start),
		Err:     err,
		Body:    truncateRunes(string(result), healthBodyLen),
	}
	return probe
}

// StdioSession is one live server process. Calls are serialized; request ids
// start at 1 and are never reused within the session.
type StdioSession struct {
	cfg        StdioConfig
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *os.File
	lines      *mcp.LineReader
	stderr     *tailBuffer
	correlator mcp.Correlator

	waitDone chan struct{}
	waitErr  error

	mu          sync.Mutex
	nextID      int64
	initialized bool
	initResult  json.RawMessage
	broken      error
	closed      bool
}

func (s *StdioSession) waitLoop() {
	s.waitErr = s.cmd.Wait()
	close(s.waitDone)
}

// Initialize performs the handshake if it has not run yet and returns the
// server's initialize result.
func (s *StdioSession) Initialize(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := s.handshake(callCtx); err != nil {
		s.fail(err)
		return nil, err
	}
	return s.initResult, nil
}

// Call performs the handshake on first use, then sends tools/call and waits
// for the reply with the matching id.
func (s *StdioSession) Call(ctx context.Context, inv envelope.Invocation, timeout time.Duration) envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.usable(); err != nil {
		return envelope.Failed(envelope.StatusTransportError, err, time.Since(start))
	}
	if err := s.handshake(callCtx); err != nil {
		return s.failure(err, start)
	}

	args := inv.Arguments
	if args == nil {
		args = map[string]any{}
	}
	reply, err := s.roundTrip(callCtx, mcp.MethodToolsCall, mcp.ToolsCallParams{Name: inv.Name, Arguments: args})
	if err != nil {
		return s.failure(err, start)
	}

	latency := time.Since(start)
	s.cfg.Logger.Debug("stdio call finished", "tool", inv.Name, "id", *reply.ID, "latency", latency)
	return replyEnvelope(reply, latency)
}

// ListTools performs the handshake on first use, then sends tools/list.
func (s *StdioSession) ListTools(ctx context.Context, timeout time.Duration) ToolListing {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.usable(); err != nil {
		return ToolListing{Latency: time.Since(start), Err: err}
	}
	if err := s.handshake(callCtx); err != nil {
		s.fail(err)
		return ToolListing{Latency: time.Since(start), Err: err}
	}
	reply, err := s.roundTrip(callCtx, mcp.MethodToolsList, map[string]any{})
	if err != nil {
		s.fail(err)
		return ToolListing{Latency: time.Since(start), Err: err}
	}
	listing := ToolListing{Latency: time.Since(start)}
	if reply.Error != nil {
		listing.Err = newError(ErrProtocol, mcp.MethodToolsList, reply.Error)
		return listing
	}
	var result mcp.ToolsListResult
	if err := json.Unmarshal(reply.Result, &result); err != nil || result.Tools == nil {
		listing.Err = newError(ErrProtocol, mcp.MethodToolsList, errors.New("reply has no tools array"))
		return listing
	}
	listing.Names = make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		listing.Names = append(listing.Names, tool.Name)
	}
	return listing
}

// Close asks the server to exit by closing its stdin, then kills it if it
// lingers past a short grace period.
func (s *StdioSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.stdin.Close()
	grace := time.NewTimer(closeGrace)
	defer grace.Stop()
	select {
	case <-s.waitDone:
	case <-grace.C:
		s.kill()
	case <-ctx.Done():
		s.kill()
	}
	<-s.waitDone
	s.lines.Stop()
	_ = s.stdout.Close()
	return nil
}

// Stderr returns the retained tail of the server's stderr.
func (s *StdioSession) Stderr() string {
	return s.stderr.String()
}

// Broken reports whether the session was closed or retired by a failure.
func (s *StdioSession) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.broken != nil
}

func (s *StdioSession) usable() error {
	if s.closed {
		return newError(ErrTransport, "call", ErrSessionClosed)
	}
	if s.broken != nil {
		return newError(ErrTransport, "call", fmt.Errorf("%w: %v", ErrSessionClosed, s.broken))
	}
	return nil
}

// handshake sends initialize, waits for its reply, then sends the
// initialized notification. It runs once per session.
func (s *StdioSession) handshake(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	reply, err := s.roundTrip(ctx, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      s.cfg.ClientInfo,
	})
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return newError(ErrProtocol, mcp.MethodInitialize, reply.Error)
	}

	notify, err := mcp.NewNotification(mcp.MethodInitialized, nil)
	if err != nil {
		return newError(ErrTransport, "encode notification", err)
	}
	if err := s.send(notify); err != nil {
		return err
	}
	s.initialized = true
	s.initResult = reply.Result
	return nil
}

func (s *StdioSession) roundTrip(ctx context.Context, method string, params any) (mcp.Message, error) {
	s.nextID++
	id := s.nextID
	request, err := mcp.NewRequest(id, method, params)
	if err != nil {
		return mcp.Message{}, newError(ErrTransport, "encode "+method, err)
	}

	sendErr := s.send(request)
	// A write failure usually means the process is gone; its stdout still
	// decides between an early reply and an unparseable exit.
	reply, err := s.correlator.Await(ctx, s.lines, id)
	if err != nil {
		if sendErr != nil && !errors.Is(err, mcp.ErrNoMatch) {
			return mcp.Message{}, sendErr
		}
		return mcp.Message{}, s.wrapAwaitErr(method, err)
	}
	return reply, nil
}

func (s *StdioSession) send(message mcp.Message) error {
	line, err := mcp.EncodeLine(message)
	if err != nil {
		return newError(ErrTransport, "encode "+message.Method, err)
	}
	if s.cfg.OnSend != nil {
		s.cfg.OnSend(message)
	}
	if _, err := s.stdin.Write(line); err != nil {
		return newError(ErrTransport, "write "+message.Method, err)
	}
	return nil
}

func (s *StdioSession) wrapAwaitErr(method string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrTimeout, "await "+method, err)
	case errors.Is(err, mcp.ErrNoMatch):
		return newError(ErrProtocol, "await "+method, err)
	default:
		return newError(ErrTransport, "await "+method, err)
	}
}

// failure converts a session error into an envelope and retires the session
// when the process can no longer be trusted.
func (s *StdioSession) failure(err error, start time.Time) envelope.Envelope {
	s.fail(err)
	status := StatusFor(err)
	env := envelope.Failed(status, err, time.Since(start))

	var noMatch *mcp.NoMatchError
	if status == envelope.StatusUnparseable && errors.As(err, &noMatch) {
		// Give the exiting process a moment so its stderr is complete.
		select {
		case <-s.waitDone:
		case <-time.After(exitSettle):
		}
		text := strings.Join(noMatch.Lines, "\n")
		if tail := s.stderr.String(); tail != "" {
			env.Err = fmt.Errorf("%w; stderr: %s", err, strings.TrimSpace(tail))
		}
		body := envelope.RawBody{Text: text}
		env.Raw = body.Value()
		env.Preview = envelope.Preview(body, envelope.RawPreviewLen)
	}
	return env
}

func (s *StdioSession) fail(err error) {
	if s.broken != nil {
		return
	}
	s.broken = err
	if classify(err) == ErrTimeout {
		s.kill()
		<-s.waitDone
	}
	s.cfg.Logger.Debug("stdio session retired", "error", err)
}

func (s *StdioSession) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func replyEnvelope(reply mcp.Message, latency time.Duration) envelope.Envelope {
	if reply.Error != nil {
		return envelope.Envelope{
			Status:  envelope.StatusOK,
			IsError: envelope.Bool(true),
			Preview: truncateRunes(reply.Error.Message, envelope.ContentPreviewLen),
			Latency: latency,
			Raw: map[string]any{
				"error": map[string]any{
					"code":    reply.Error.Code,
					"message": reply.Error.Message,
				},
			},
		}
	}
	return envelope.FromBody(envelope.ClassifyJSON(reply.Result), latency)
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = slices.Clone(b.buf[over:])
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
