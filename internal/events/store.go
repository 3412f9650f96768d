// Package events collects batch progress per robot, fans it out to live
// watchers and optionally mirrors it to NATS JetStream.
package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

// ErrReportNotFound marks a batch the store has never seen.
var ErrReportNotFound = errors.New("batch report not found")

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Report is the accumulated state of one batch.
type Report struct {
	Robot      string           `json:"robot"`
	BatchID    string           `json:"batchId"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt,omitzero"`
	Total      int              `json:"total"`
	Results    []session.Result `json:"results"`
	Stopped    bool             `json:"stopped"`
	Done       bool             `json:"done"`
	Summary    string           `json:"summary,omitempty"`
}

// OK reports a finished batch whose every command succeeded.
func (r Report) OK() bool {
	if !r.Done || r.Stopped {
		return false
	}
	for _, res := range r.Results {
		if !res.Success {
			return false
		}
	}
	return len(r.Results) == r.Total
}

// Store keeps batch reports in memory while optionally mirroring every event
// to JetStream so history survives restarts.
type Store struct {
	mu        sync.RWMutex
	reports   map[string]*Report
	subs      map[string]map[int64]chan batch.Event
	seqs      map[string]uint64
	nextSubID int64

	logger *slog.Logger
	js     *jetStreamMirror
}

// New creates a Store with optional persistence options.
func New(ctx context.Context, opts *Options) (*Store, error) {
	logger := discardLogger
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}
	st := &Store{
		reports: make(map[string]*Report),
		subs:    make(map[string]map[int64]chan batch.Event),
		seqs:    make(map[string]uint64),
		logger:  logger,
	}
	if opts != nil && opts.JetStream != nil {
		m, err := newJetStreamMirror(ctx, opts.JetStream, logger)
		if err != nil {
			return nil, err
		}
		if err := m.hydrate(ctx, st); err != nil {
			m.Close()
			return nil, err
		}
		st.js = m
	}
	return st, nil
}

// MustNew creates an in-memory Store and panics if initialization fails.
func MustNew() *Store {
	st, err := New(context.Background(), nil)
	if err != nil {
		panic(err)
	}
	return st
}

func (s *Store) Close() {
	if s.js != nil {
		s.js.Close()
	}
}

func key(robot, batchID string) string {
	return robot + ":" + batchID
}

// Observer returns a batch.Observer that records events for robot.
func (s *Store) Observer(robot string) batch.Observer {
	return batch.ObserverFunc(func(ev batch.Event) { s.Record(robot, ev) })
}

// Record applies ev to its report, forwards it to watchers and publishes it.
func (s *Store) Record(robot string, ev batch.Event) {
	s.mu.Lock()
	k := key(robot, ev.BatchID)
	s.applyLocked(robot, ev, time.Now().UTC())
	s.seqs[k]++
	seq := s.seqs[k]
	s.broadcastLocked(robot, ev)
	s.mu.Unlock()
	if s.js != nil {
		if err := s.js.publish(robot, ev, seq); err != nil {
			s.logger.Error("jetstream publish event", "robot", robot, "batch", ev.BatchID, "err", err)
		}
	}
}

// Finish marks a batch as over and closes its watchers. Batches aborted by a
// structural error never emit a done event, so callers finish them here.
func (s *Store) Finish(robot, batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(robot, batchID)
	if rep := s.reports[k]; rep != nil && !rep.Done {
		rep.Done = true
		rep.FinishedAt = time.Now().UTC()
	}
	s.closeStreamsLocked(k)
}

// Get returns a copy of the report.
func (s *Store) Get(robot, batchID string) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.reports[key(robot, batchID)]
	if !ok {
		return Report{}, fmt.Errorf("%w: %s/%s", ErrReportNotFound, robot, batchID)
	}
	return copyReport(rep), nil
}

// List returns the reports for robot, or for every robot when robot is
// empty, oldest first.
func (s *Store) List(robot string) []Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Report, 0, len(s.reports))
	for _, rep := range s.reports {
		if robot == "" || rep.Robot == robot {
			out = append(out, copyReport(rep))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Subscribe registers a watcher for one batch. An empty batchID watches every
// batch the robot runs; such watchers are only closed by Unsubscribe.
func (s *Store) Subscribe(robot, batchID string) (int64, <-chan batch.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(robot, batchID)
	ch := make(chan batch.Event, 128)
	if s.subs[k] == nil {
		s.subs[k] = make(map[int64]chan batch.Event)
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[k][id] = ch
	return id, ch
}

// Watchers reports how many subscribers follow the batch.
func (s *Store) Watchers(robot, batchID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[key(robot, batchID)])
}

func (s *Store) Unsubscribe(robot, batchID string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(robot, batchID)
	subs := s.subs[k]
	if subs == nil {
		return
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(s.subs, k)
	}
}

// CloseStreams closes and removes all watchers of the batch.
func (s *Store) CloseStreams(robot, batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeStreamsLocked(key(robot, batchID))
}

func (s *Store) closeStreamsLocked(k string) {
	if subs := s.subs[k]; len(subs) > 0 {
		delete(s.subs, k)
		for _, ch := range subs {
			close(ch)
		}
	}
}

func (s *Store) broadcastLocked(robot string, ev batch.Event) {
	for _, k := range []string{key(robot, ev.BatchID), key(robot, "")} {
		for _, ch := range s.subs[k] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (s *Store) applyLocked(robot string, ev batch.Event, at time.Time) {
	k := key(robot, ev.BatchID)
	rep := s.reports[k]
	if rep == nil {
		rep = &Report{Robot: robot, BatchID: ev.BatchID, StartedAt: at}
		s.reports[k] = rep
	}
	rep.Total = ev.Total
	switch ev.Kind {
	case batch.EventStart:
		rep.StartedAt = at
	case batch.EventResult:
		if ev.Result != nil {
			rep.Results = append(rep.Results, *ev.Result)
		}
	case batch.EventStopped:
		rep.Stopped = true
		rep.Summary = ev.Summary
	case batch.EventDone:
		rep.Done = true
		rep.FinishedAt = at
		rep.Summary = ev.Summary
	}
}

func (s *Store) applyReplayed(robot string, ev batch.Event, seq uint64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(robot, ev.BatchID)
	if seq <= s.seqs[k] {
		return
	}
	s.seqs[k] = seq
	s.applyLocked(robot, ev, at)
}

func copyReport(rep *Report) Report {
	out := *rep
	out.Results = append([]session.Result(nil), rep.Results...)
	return out
}
