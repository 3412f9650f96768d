// Package robots manages the named robots a process talks to. Every robot
// owns one session and one lock; different robots run concurrently.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/events"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/journal"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

var (
	ErrUnknownRobot = errors.New("unknown robot")
	ErrRobotExists  = errors.New("robot already registered")
	ErrNotConnected = errors.New("robot not connected")
)

// Options configure a Manager. Every field is optional.
type Options struct {
	Logger  *slog.Logger
	Events  *events.Store
	Journal *journal.Store
	// OnChange is called after connect, disconnect and every batch with the
	// robot's fresh status.
	OnChange func(name string, st session.Status)
}

// Info describes a registered robot.
type Info struct {
	Name   string         `json:"name"`
	Host   string         `json:"host"`
	Status session.Status `json:"status"`
}

// Health is the outcome of a health check for one robot.
type Health struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	// Busy robots were running a command and were not checked.
	Busy   bool           `json:"busy"`
	Error  string         `json:"error,omitempty"`
	Status session.Status `json:"status"`
}

// BatchRequest is one batch file run on a robot.
type BatchRequest struct {
	// ID defaults to a random UUID; pass one to watch the batch before it starts.
	ID       string
	File     batch.File
	Observer batch.Observer
}

type robot struct {
	mu       sync.Mutex // held for the whole of every remote operation
	name     string
	cfg      session.Config
	defaults batch.Options

	stateMu sync.RWMutex
	sess    *session.Session
}

func (r *robot) session() *session.Session {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.sess
}

func (r *robot) setSession(s *session.Session) {
	r.stateMu.Lock()
	r.sess = s
	r.stateMu.Unlock()
}

type Manager struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	robots map[string]*robot
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{opts: opts, logger: logger, robots: make(map[string]*robot)}
}

// Register adds a robot. cfg.ID is ignored: each connection gets a fresh
// session id so the journal keeps one directory per connection.
func (m *Manager) Register(name string, cfg session.Config, defaults batch.Options) error {
	if name == "" {
		return errors.New("robot name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger.With("robot", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.robots[name]; ok {
		return fmt.Errorf("%w: %s", ErrRobotExists, name)
	}
	m.robots[name] = &robot{name: name, cfg: cfg, defaults: defaults}
	return nil
}

func (m *Manager) lookup(name string) (*robot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.robots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRobot, name)
	}
	return r, nil
}

// Connect opens a session to the robot unless one is already connected.
func (m *Manager) Connect(ctx context.Context, name string) (session.Status, error) {
	r, err := m.lookup(name)
	if err != nil {
		return session.Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.session(); s != nil {
		if st := s.Status(); st.Connected && !st.Closed {
			return st, nil
		}
		_ = s.Close()
	}
	cfg := r.cfg
	cfg.ID = uuid.NewString()
	s, err := session.New(cfg)
	if err != nil {
		return session.Status{}, err
	}
	if err := s.Connect(ctx); err != nil {
		m.notify(name, s.Status())
		return s.Status(), err
	}
	r.setSession(s)
	if m.opts.Journal != nil {
		if _, err := m.opts.Journal.Create(cfg.ID, name, cfg.Host); err != nil {
			m.logger.Warn("journal create", "robot", name, "err", err)
		}
	}
	st := s.Status()
	m.logger.Info("robot connected", "robot", name, "host", cfg.Host, "mode", st.Mode)
	m.notify(name, st)
	return st, nil
}

// Disconnect closes the robot's session. Disconnecting an idle robot is a no-op.
func (m *Manager) Disconnect(name string) error {
	r, err := m.lookup(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session()
	if s == nil {
		return nil
	}
	err = s.Close()
	st := s.Status()
	r.setSession(nil)
	m.logger.Info("robot disconnected", "robot", name)
	m.notify(name, st)
	return err
}

// Get returns the robot's connected session. Callers that drive it directly
// must not run concurrently with the manager's own operations on it.
func (m *Manager) Get(name string) (*session.Session, error) {
	r, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	s := r.session()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	return s, nil
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	names := make([]string, 0, len(m.robots))
	for name := range m.robots {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make([]Info, 0, len(names))
	for _, name := range names {
		r, err := m.lookup(name)
		if err != nil {
			continue
		}
		out = append(out, Info{Name: name, Host: r.cfg.Host, Status: r.status()})
	}
	return out
}

// Status never waits on the robot lock.
func (m *Manager) Status(name string) (session.Status, error) {
	r, err := m.lookup(name)
	if err != nil {
		return session.Status{}, err
	}
	return r.status(), nil
}

func (r *robot) status() session.Status {
	if s := r.session(); s != nil {
		return s.Status()
	}
	return session.Status{Host: r.cfg.Host}
}

// Execute runs a batch file on the robot. Progress always goes to the events
// store, and to req.Observer unless the batch disables showProgress. Every
// result is journalled.
func (m *Manager) Execute(ctx context.Context, name string, req BatchRequest) (*batch.Report, error) {
	r, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}

	opts := req.File.Options(r.defaults)
	opts.ID = req.ID
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	// The events store always follows the batch. showProgress only
	// decides whether the caller's observer hears about it.
	var obs batch.Observers
	if m.opts.Events != nil {
		obs = append(obs, m.opts.Events.Observer(name))
	}
	if req.Observer != nil && opts.ShowProgress {
		obs = append(obs, req.Observer)
	}
	opts.Observer = obs
	opts.ShowProgress = len(obs) > 0

	start := time.Now()
	rep, err := req.File.Run(ctx, s, opts)
	if m.opts.Events != nil {
		m.opts.Events.Finish(name, opts.ID)
	}
	if rep != nil {
		for _, res := range rep.Results {
			m.journal(s, name, opts.ID, res)
		}
	}
	logArgs := []any{"robot", name, "batch", opts.ID, "elapsed", time.Since(start)}
	if rep != nil {
		logArgs = append(logArgs, "succeeded", rep.Succeeded(), "total", rep.Total)
	}
	if err != nil {
		m.logger.Warn("batch aborted", append(logArgs, "err", err)...)
	} else {
		m.logger.Info("batch finished", logArgs...)
	}
	m.notify(name, s.Status())
	return rep, err
}

// SendCodeBlock submits a multi-line interpreter block to the robot.
func (m *Manager) SendCodeBlock(ctx context.Context, name, code string, opts batch.BlockOptions) (session.Result, error) {
	r, err := m.lookup(name)
	if err != nil {
		return session.Result{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session()
	if s == nil {
		return session.Result{}, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	res, err := batch.SendCodeBlock(ctx, s, code, opts)
	if !errors.Is(err, batch.ErrInvalidBlock) {
		m.journal(s, name, "", res)
	}
	m.notify(name, s.Status())
	return res, err
}

// ExecuteOne runs a single command in the given mode.
func (m *Manager) ExecuteOne(ctx context.Context, name string, mode session.Mode, req session.Request) (session.Result, error) {
	r, err := m.lookup(name)
	if err != nil {
		return session.Result{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session()
	if s == nil {
		return session.Result{}, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	if err := s.EnsureMode(ctx, mode); err != nil {
		return session.Result{Label: req.Label, Command: req.Text, Error: err.Error(), Failure: session.FailureOf(err)}, err
	}
	res, err := s.ExecuteOne(ctx, req)
	m.journal(s, name, "", res)
	return res, err
}

// SwitchMode moves the robot's session into mode.
func (m *Manager) SwitchMode(ctx context.Context, name string, mode session.Mode) (session.Status, error) {
	r, err := m.lookup(name)
	if err != nil {
		return session.Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session()
	if s == nil {
		return r.status(), fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	err = s.EnsureMode(ctx, mode)
	st := s.Status()
	m.notify(name, st)
	return st, err
}

func (m *Manager) Ping(ctx context.Context, name string) error {
	r, err := m.lookup(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session()
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	return s.Ping(ctx)
}

// HealthCheck pings every connected robot. A robot whose lock is held is
// reported busy instead of waited on.
func (m *Manager) HealthCheck(ctx context.Context) []Health {
	infos := m.List()
	out := make([]Health, 0, len(infos))
	for _, info := range infos {
		r, err := m.lookup(info.Name)
		if err != nil {
			continue
		}
		h := Health{Name: info.Name, Status: info.Status}
		if r.mu.TryLock() {
			h.Healthy, h.Error = ping(ctx, r.session())
			h.Status = r.status()
			r.mu.Unlock()
		} else {
			h.Busy = true
			h.Healthy = info.Status.Connected && !info.Status.Desynced
		}
		out = append(out, h)
	}
	return out
}

func ping(ctx context.Context, s *session.Session) (bool, string) {
	if s == nil {
		return false, ErrNotConnected.Error()
	}
	if err := s.Ping(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Close disconnects every robot.
func (m *Manager) Close() error {
	var errs []error
	for _, info := range m.List() {
		errs = append(errs, m.Disconnect(info.Name))
	}
	return errors.Join(errs...)
}

func (m *Manager) journal(s *session.Session, name, batchID string, res session.Result) {
	if m.opts.Journal == nil {
		return
	}
	if _, err := m.opts.Journal.Append(s.ID(), batchID, res); err != nil {
		m.logger.Warn("journal append", "robot", name, "err", err)
	}
}

func (m *Manager) notify(name string, st session.Status) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(name, st)
	}
}
