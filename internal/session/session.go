// Package session keeps one interactive remote process alive and runs
// commands on it one at a time, in either the login shell or the python3
// interpreter started from it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/prompt"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

const (
	DefaultTimeout           = 120 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultModeSwitchTimeout = 10 * time.Second
	DefaultExitTimeout       = 5 * time.Second
	DefaultDrainTimeout      = 5 * time.Second
	DefaultSettle            = 300 * time.Millisecond

	interrupt = "\x03"
)

// Config configures a Session. Only Opener is required.
type Config struct {
	// ID defaults to a random UUID.
	ID string
	// Host labels the session in status reports and logs.
	Host   string
	Opener transport.Opener

	DefaultTimeout    time.Duration
	ConnectTimeout    time.Duration
	ModeSwitchTimeout time.Duration
	DrainTimeout      time.Duration
	// Settle is how long the channel must stay quiet before the session
	// considers a fresh login complete.
	Settle       time.Duration
	PollInterval time.Duration
	Recovery     Recovery

	Shell       prompt.Signature
	Interpreter prompt.Signature
	// InterpreterCommand starts the REPL from the shell; ExitCommand leaves it.
	InterpreterCommand string
	ExitCommand        string
	// TrackExitStatus appends an exit status marker to every shell command so
	// that a non-zero status fails the result.
	TrackExitStatus bool

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ModeSwitchTimeout <= 0 {
		c.ModeSwitchTimeout = DefaultModeSwitchTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Settle <= 0 {
		c.Settle = DefaultSettle
	}
	if c.PollInterval <= 0 {
		c.PollInterval = prompt.DefaultPoll
	}
	if c.Shell.IsZero() {
		c.Shell = prompt.Shell
	}
	if c.Interpreter.IsZero() {
		c.Interpreter = prompt.Interpreter
	}
	if c.InterpreterCommand == "" {
		c.InterpreterCommand = "python3"
	}
	if c.ExitCommand == "" {
		c.ExitCommand = "exit()"
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Session owns one remote process. All remote I/O is serialized: at most one
// command is in flight at a time.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex // serializes remote I/O
	ch transport.Channel

	stateMu    sync.RWMutex
	mode       Mode
	connected  bool
	desynced   bool
	closed     bool
	lastUsed   time.Time
	commands   int
	reconnects int
}

func New(cfg Config) (*Session, error) {
	if cfg.Opener == nil {
		return nil, errors.New("session: opener is required")
	}
	cfg.setDefaults()
	return &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("session", cfg.ID),
	}, nil
}

func (s *Session) ID() string { return s.cfg.ID }

// Mode is the mode the session last confirmed.
func (s *Session) Mode() Mode {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.mode
}

// Desynchronized reports whether a command timed out or was abandoned and
// its output may still arrive.
func (s *Session) Desynchronized() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.desynced
}

// DefaultTimeout is the deadline used when a request sets none.
func (s *Session) DefaultTimeout() time.Duration { return s.cfg.DefaultTimeout }

// Connect opens the transport and waits for the first prompt. Failures are
// returned as *ConnectionError and never retried.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return ErrSessionClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return nil
	}
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	ch, err := s.cfg.Opener.Open(ctx)
	if err != nil {
		return &ConnectionError{Op: "open", Err: err}
	}
	s.ch = ch
	mode, err := s.detectLocked(ctx)
	if err != nil {
		_ = ch.Close()
		s.ch = nil
		return &ConnectionError{Op: "await prompt", Err: err}
	}

	s.stateMu.Lock()
	s.mode = mode
	s.connected = true
	s.desynced = false
	s.lastUsed = time.Now()
	s.stateMu.Unlock()
	s.logger.Info("session connected", "host", s.cfg.Host, "mode", mode, "elapsed", time.Since(start))
	return nil
}

// DetectMode sends a bare newline and classifies the prompt that answers it.
// The confirmed mode is updated.
func (s *Session) DetectMode(ctx context.Context) (Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return s.Mode(), err
	}
	mode, err := s.detectLocked(ctx)
	if err != nil {
		if errors.Is(err, prompt.ErrClosed) {
			return s.Mode(), s.lostLocked("detect mode", err)
		}
		return s.Mode(), err
	}
	s.stateMu.Lock()
	s.mode = mode
	s.desynced = false
	s.stateMu.Unlock()
	return mode, nil
}

func (s *Session) detectLocked(ctx context.Context) (Mode, error) {
	// Let the login banner and first prompt arrive so that only the answer
	// to our newline is left to frame.
	if err := s.settleLocked(ctx, s.cfg.Settle, s.cfg.ConnectTimeout); err != nil {
		return Shell, err
	}
	if _, err := s.ch.Write([]byte("\n")); err != nil {
		return Shell, fmt.Errorf("%w: %v", prompt.ErrClosed, err)
	}
	shell := prompt.NewDetector(s.cfg.Shell, prompt.Options{})
	interp := prompt.NewDetector(s.cfg.Interpreter, prompt.Options{})
	deadline := time.Now().Add(s.cfg.ModeSwitchTimeout)
	idx, err := prompt.AwaitAny(ctx, s.ch, deadline, s.cfg.PollInterval, shell, interp)
	if err != nil {
		return Shell, err
	}
	if idx == 1 {
		return Interpreter, nil
	}
	return Shell, nil
}

// settleLocked discards output until the channel has been quiet for quiet,
// giving up after limit.
func (s *Session) settleLocked(ctx context.Context, quiet, limit time.Duration) error {
	end := time.Now().Add(limit)
	lastData := time.Now()
	discarded := 0
	for {
		p, err := s.ch.ReadNonBlocking()
		if len(p) > 0 {
			discarded += len(p)
			lastData = time.Now()
		}
		if err != nil {
			return fmt.Errorf("%w: %v", prompt.ErrClosed, err)
		}
		now := time.Now()
		if now.Sub(lastData) >= quiet || now.After(end) {
			if discarded > 0 {
				s.logger.Debug("discarded output", "bytes", discarded)
			}
			return nil
		}
		if len(p) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// discardLocked drops whatever output is buffered right now.
func (s *Session) discardLocked() {
	n := 0
	for {
		p, err := s.ch.ReadNonBlocking()
		n += len(p)
		if len(p) == 0 || err != nil {
			break
		}
	}
	if n > 0 {
		s.logger.Debug("discarded stale output", "bytes", n)
	}
}

// EnsureMode switches to target if needed. On failure the mode is unchanged
// and a *ModeSwitchError is returned.
func (s *Session) EnsureMode(ctx context.Context, target Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return &ModeSwitchError{From: s.Mode(), To: target, Err: err}
	}
	if err := s.recoverLocked(ctx); err != nil {
		return &ModeSwitchError{From: s.Mode(), To: target, Err: err}
	}
	return s.ensureModeLocked(ctx, target)
}

func (s *Session) ensureModeLocked(ctx context.Context, target Mode) error {
	current := s.Mode()
	if current == target {
		return nil
	}
	cmd, timeout := s.cfg.InterpreterCommand, s.cfg.ModeSwitchTimeout
	if target == Shell {
		cmd, timeout = s.cfg.ExitCommand, min(s.cfg.ModeSwitchTimeout, DefaultExitTimeout)
	}

	s.discardLocked()
	if _, err := s.ch.Write([]byte(cmd + "\n")); err != nil {
		return &ModeSwitchError{From: current, To: target, Err: s.lostLocked(cmd, err)}
	}
	want := prompt.NewDetector(s.signature(target), prompt.Options{})
	stay := prompt.NewDetector(s.signature(current), prompt.Options{})
	idx, err := prompt.AwaitAny(ctx, s.ch, time.Now().Add(timeout), s.cfg.PollInterval, want, stay)
	switch {
	case errors.Is(err, prompt.ErrClosed):
		return &ModeSwitchError{From: current, To: target, Err: s.lostLocked(cmd, err)}
	case err != nil:
		s.markDesynced()
		return &ModeSwitchError{From: current, To: target, Err: err}
	case idx == 1:
		// The old program answered: the switch command failed.
		out := stay.Outcome(cmd)
		detail := strings.TrimSpace(out.Error + "\n" + out.Output)
		if detail == "" {
			detail = "prompt unchanged"
		}
		return &ModeSwitchError{From: current, To: target, Err: errors.New(detail)}
	}

	s.stateMu.Lock()
	s.mode = target
	s.lastUsed = time.Now()
	s.stateMu.Unlock()
	s.logger.Debug("mode switched", "from", current, "mode", target)
	return nil
}

// ExecuteOne writes req.Text once and frames the answer. Remote errors,
// timeouts and unterminated blocks are reported in the Result with a nil
// error. A non-nil error means the session itself failed.
func (s *Session) ExecuteOne(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeLocked(ctx, req)
}

func (s *Session) executeLocked(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{Label: req.Label, Command: req.Text}
	fail := func(f Failure, err error) (Result, error) {
		res.Elapsed = time.Since(start)
		res.Failure = f
		res.Error = err.Error()
		return res, err
	}
	if err := s.readyLocked(); err != nil {
		return fail(FailureConnectionLost, err)
	}
	if err := s.recoverLocked(ctx); err != nil {
		return fail(FailureOf(err), err)
	}

	mode := s.Mode()
	sig := s.signature(mode)
	text := req.Text
	if mode == Shell && s.cfg.TrackExitStatus && !req.Block {
		text += "; echo " + prompt.ExitMarkerName + "=$?"
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.discardLocked()
	if _, err := s.ch.Write([]byte(text + "\n")); err != nil {
		return fail(FailureConnectionLost, s.lostLocked(req.Label, err))
	}
	det := prompt.NewDetector(sig, prompt.Options{Expect: req.Expect, Block: req.Block})
	err := det.Await(ctx, s.ch, time.Now().Add(timeout), s.cfg.PollInterval)
	res.Elapsed = time.Since(start)
	s.touch()

	switch {
	case err == nil:
		out := det.Outcome(text)
		res.Success = out.Success
		res.Output = out.Output
		res.Error = out.Error
		if !out.Success {
			res.Failure = FailureRemote
			if req.Block {
				res.Error = strings.TrimSpace(sig.TrimPrimary(det.Transcript()))
			}
		}
		s.logger.Debug("command finished", "mode", mode, "label", req.Label, "success", res.Success, "elapsed", res.Elapsed)
		return res, nil

	case errors.Is(err, prompt.ErrTimeout):
		s.markDesynced()
		res.Failure = FailureTimeout
		res.Error = fmt.Sprintf("timeout after %s seconds", formatSeconds(timeout))
		s.logger.Warn("command timed out; session desynchronized", "mode", mode, "label", req.Label, "timeout", timeout, "recovery", s.cfg.Recovery)
		return res, nil

	case errors.Is(err, prompt.ErrUnterminated):
		res.Failure = FailureUnterminated
		res.Error = "unterminated block: the interpreter is waiting for more input"
		s.cancelBlockLocked(ctx, sig)
		return res, nil

	case errors.Is(err, prompt.ErrClosed):
		lost := s.lostLocked(req.Label, err)
		res.Failure = FailureConnectionLost
		res.Error = lost.Error()
		return res, lost
	}

	// Canceled by the caller: the command may still be running remotely.
	s.markDesynced()
	res.Failure = FailureCanceled
	res.Error = err.Error()
	return res, err
}

// cancelBlockLocked abandons an open block with Ctrl-C and waits for the
// primary prompt.
func (s *Session) cancelBlockLocked(ctx context.Context, sig prompt.Signature) {
	if _, err := s.ch.Write([]byte(interrupt)); err != nil {
		s.markDesynced()
		return
	}
	det := prompt.NewDetector(sig, prompt.Options{Block: true})
	if err := det.Await(ctx, s.ch, time.Now().Add(s.cfg.DrainTimeout), s.cfg.PollInterval); err != nil {
		s.logger.Warn("open block not cancelled", "err", err)
		s.markDesynced()
	}
}

func (s *Session) recoverLocked(ctx context.Context) error {
	if !s.Desynchronized() {
		return nil
	}
	switch s.cfg.Recovery {
	case RecoverDrain:
		return s.drainLocked(ctx, false)
	case RecoverInterrupt:
		return s.drainLocked(ctx, true)
	case RecoverReconnect:
		return s.reconnectLocked(ctx)
	}
	return nil
}

// Drain waits for the prompt owed by an abandoned command and discards
// everything before it. It fails with ErrDesynchronized when the prompt does
// not arrive within the drain timeout.
func (s *Session) Drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	return s.drainLocked(ctx, false)
}

// Interrupt sends Ctrl-C to the remote program and drains up to its prompt.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	return s.drainLocked(ctx, true)
}

func (s *Session) drainLocked(ctx context.Context, withInterrupt bool) error {
	sig := s.signature(s.Mode())
	if withInterrupt {
		if _, err := s.ch.Write([]byte(interrupt)); err != nil {
			return s.lostLocked("interrupt", err)
		}
	}
	det := prompt.NewDetector(sig, prompt.Options{Block: true})
	err := det.Await(ctx, s.ch, time.Now().Add(s.cfg.DrainTimeout), s.cfg.PollInterval)
	switch {
	case errors.Is(err, prompt.ErrClosed):
		return s.lostLocked("drain", err)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrDesynchronized, err)
	}
	if err := s.settleLocked(ctx, s.cfg.PollInterval*2, s.cfg.DrainTimeout); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.desynced = false
	s.stateMu.Unlock()
	s.logger.Info("session resynchronized", "mode", s.Mode(), "interrupt", withInterrupt)
	return nil
}

// Reconnect closes the transport and starts a new remote process, restoring
// the previous mode. Every interpreter binding is lost.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.reconnectLocked(ctx)
}

func (s *Session) reconnectLocked(ctx context.Context) error {
	prev := s.Mode()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	s.stateMu.Lock()
	s.connected = false
	s.stateMu.Unlock()
	s.logger.Warn("reconnecting; remote interpreter bindings are lost", "host", s.cfg.Host, "mode", prev)

	if err := s.connectLocked(ctx); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.reconnects++
	s.stateMu.Unlock()
	if prev != s.Mode() {
		return s.ensureModeLocked(ctx, prev)
	}
	return nil
}

// Ping checks that the remote program answers. In interpreter mode it runs
// print('ping'); in the shell, echo ping.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := "echo ping"
	if s.Mode() == Interpreter {
		cmd = "print('ping')"
	}
	res, err := s.executeLocked(ctx, Request{Label: "ping", Text: cmd, Timeout: DefaultExitTimeout})
	if err != nil {
		return err
	}
	if !res.Success || !strings.Contains(res.Output, "ping") {
		return fmt.Errorf("ping: %s", res.Summary())
	}
	return nil
}

// Status is a snapshot of the session for status displays.
type Status struct {
	ID         string    `json:"id"`
	Host       string    `json:"host,omitempty"`
	Connected  bool      `json:"connected"`
	Mode       Mode      `json:"mode"`
	Desynced   bool      `json:"desynchronized"`
	Closed     bool      `json:"closed"`
	LastUsed   time.Time `json:"lastUsed,omitzero"`
	Commands   int       `json:"commands"`
	Reconnects int       `json:"reconnects"`
}

// Status never waits for an in-flight command.
func (s *Session) Status() Status {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Status{
		ID:         s.cfg.ID,
		Host:       s.cfg.Host,
		Connected:  s.connected,
		Mode:       s.mode,
		Desynced:   s.desynced,
		Closed:     s.closed,
		LastUsed:   s.lastUsed,
		Commands:   s.commands,
		Reconnects: s.reconnects,
	}
}

// Close leaves the interpreter if it is running and closes the transport.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	mode := s.mode
	s.stateMu.Unlock()

	if s.ch == nil {
		return nil
	}
	if mode == Interpreter && !s.ch.IsClosed() {
		_, _ = s.ch.Write([]byte(s.cfg.ExitCommand + "\n"))
	}
	err := s.ch.Close()
	s.ch = nil
	s.logger.Info("session closed", "host", s.cfg.Host)
	return err
}

func (s *Session) readyLocked() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if s.ch == nil {
		return ErrNotConnected
	}
	if s.ch.IsClosed() {
		return s.lostLocked("", transport.ErrClosed)
	}
	return nil
}

func (s *Session) lostLocked(label string, err error) error {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	s.stateMu.Lock()
	s.connected = false
	s.stateMu.Unlock()
	s.logger.Error("connection lost", "host", s.cfg.Host, "label", label, "err", err)
	return &ConnectionLostError{Label: label, Err: err}
}

func (s *Session) signature(m Mode) prompt.Signature {
	if m == Interpreter {
		return s.cfg.Interpreter
	}
	return s.cfg.Shell
}

func (s *Session) isClosed() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closed
}

func (s *Session) markDesynced() {
	s.stateMu.Lock()
	s.desynced = true
	s.stateMu.Unlock()
}

func (s *Session) touch() {
	s.stateMu.Lock()
	s.lastUsed = time.Now()
	s.commands++
	s.stateMu.Unlock()
}

// FailureOf classifies an error returned by EnsureMode or ExecuteOne. A mode
// switch that lost the connection on the way reports connection_lost.
func FailureOf(err error) Failure {
	var (
		connErr *ConnectionError
		lostErr *ConnectionLostError
		modeErr *ModeSwitchError
	)
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrDesynchronized):
		return FailureDesynchronized
	case errors.As(err, &connErr), errors.As(err, &lostErr),
		errors.Is(err, ErrSessionClosed), errors.Is(err, ErrNotConnected):
		return FailureConnectionLost
	case errors.As(err, &modeErr):
		return FailureModeSwitch
	}
	return FailureCanceled
}

func formatSeconds(d time.Duration) string {
	return strings.TrimSuffix(fmt.Sprintf("%g", d.Seconds()), ".0")
}
