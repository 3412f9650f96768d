// Package batch runs ordered lists of commands through a session under one
// policy for delay, timeout, stop-on-error and progress reporting.
package batch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

const DefaultDelay = 200 * time.Millisecond

// Runner is the part of a session a batch needs.
type Runner interface {
	ExecuteOne(ctx context.Context, req session.Request) (session.Result, error)
	EnsureMode(ctx context.Context, target session.Mode) error
}

// Command is one labelled entry of a batch. A Block command is interpreter
// code sent as a single submission, laid out by PrepareBlock.
type Command struct {
	Label string `json:"label"`
	Text  string `json:"command"`
	Block bool   `json:"block,omitempty"`
}

// Options is the policy applied to a batch. Use DefaultOptions as the base:
// the zero value disables progress and stop-on-error.
type Options struct {
	// Delay is slept between commands, never after the last one.
	Delay        time.Duration
	ShowProgress bool
	StopOnError  bool
	// Timeout overrides the session default for every command when positive.
	Timeout time.Duration
	// Observer receives progress events when ShowProgress is set.
	Observer Observer
	// ID labels the batch in events. It defaults to a random UUID.
	ID string
}

func DefaultOptions() Options {
	return Options{
		Delay:        DefaultDelay,
		ShowProgress: true,
		StopOnError:  true,
	}
}

// Report is the ordered outcome of a batch. Results is always a prefix of
// the submitted commands, in order.
type Report struct {
	ID      string           `json:"id"`
	Mode    string           `json:"mode,omitempty"`
	Results []session.Result `json:"results"`
	Total   int              `json:"total"`
	Stopped bool             `json:"stopped"`
}

// Succeeded counts successful results.
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// OK reports whether every submitted command ran and succeeded.
func (r *Report) OK() bool {
	return len(r.Results) == r.Total && r.Succeeded() == r.Total
}

// Execute runs cmds in order in whatever mode the session is in. Remote
// errors and timeouts are recorded in the report and stop the batch only
// under StopOnError. Structural session failures abort the batch and are
// returned together with the partial report.
func Execute(ctx context.Context, run Runner, cmds []Command, opts Options) (*Report, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	rep := &Report{ID: opts.ID, Total: len(cmds), Results: make([]session.Result, 0, len(cmds))}
	notify := func(ev Event) {
		if opts.ShowProgress && opts.Observer != nil {
			ev.BatchID = rep.ID
			ev.Total = rep.Total
			opts.Observer.Notify(ev)
		}
	}

	notify(Event{Kind: EventStart})
	for i, cmd := range cmds {
		notify(Event{Kind: EventCommand, Index: i, Label: cmd.Label, Command: cmd.Text})

		res, err := runOne(ctx, run, cmd, opts.Timeout)
		rep.Results = append(rep.Results, res)
		notify(Event{Kind: EventResult, Index: i, Label: cmd.Label, Success: res.Success, Summary: res.Summary(), Result: &res})
		if err != nil {
			rep.Stopped = i < len(cmds)-1
			notify(Event{Kind: EventStopped, Index: i, Summary: err.Error()})
			return rep, err
		}
		if !res.Success && opts.StopOnError {
			rep.Stopped = i < len(cmds)-1
			notify(Event{Kind: EventStopped, Index: i, Label: cmd.Label, Summary: res.Summary()})
			break
		}
		if i < len(cmds)-1 && opts.Delay > 0 {
			if err := sleep(ctx, opts.Delay); err != nil {
				rep.Stopped = true
				notify(Event{Kind: EventStopped, Index: i, Summary: err.Error()})
				return rep, err
			}
		}
	}
	notify(Event{Kind: EventDone, Success: rep.OK(), Summary: summarize(rep)})
	return rep, nil
}

// ExecuteInterpreter switches to the interpreter, then behaves like Execute.
func ExecuteInterpreter(ctx context.Context, run Runner, cmds []Command, opts Options) (*Report, error) {
	return executeIn(ctx, run, session.Interpreter, cmds, opts)
}

// ExecuteShell switches to the shell, then behaves like Execute.
func ExecuteShell(ctx context.Context, run Runner, cmds []Command, opts Options) (*Report, error) {
	return executeIn(ctx, run, session.Shell, cmds, opts)
}

func executeIn(ctx context.Context, run Runner, mode session.Mode, cmds []Command, opts Options) (*Report, error) {
	if err := run.EnsureMode(ctx, mode); err != nil {
		id := opts.ID
		if id == "" {
			id = uuid.NewString()
		}
		return &Report{ID: id, Mode: mode.String(), Total: len(cmds), Results: []session.Result{}}, err
	}
	rep, err := Execute(ctx, run, cmds, opts)
	rep.Mode = mode.String()
	return rep, err
}

func runOne(ctx context.Context, run Runner, cmd Command, timeout time.Duration) (session.Result, error) {
	if !cmd.Block {
		return run.ExecuteOne(ctx, session.Request{Label: cmd.Label, Text: cmd.Text, Timeout: timeout})
	}
	blk, err := PrepareBlock(cmd.Text)
	if err != nil {
		return session.Result{Label: cmd.Label, Command: cmd.Text, Error: err.Error(), Failure: session.FailureInvalid}, nil
	}
	return run.ExecuteOne(ctx, blockRequest(cmd.Label, blk, timeout))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
