package batch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

// scriptedRunner answers commands from a table, so that batch policy can be
// checked without framing real output.
type scriptedRunner struct {
	fail    map[string]bool
	lost    map[string]bool
	modeErr error

	calls []string
	modes []session.Mode
}

func (r *scriptedRunner) ExecuteOne(_ context.Context, req session.Request) (session.Result, error) {
	r.calls = append(r.calls, req.Text)
	res := session.Result{Label: req.Label, Command: req.Text, Success: true, Output: "ok"}
	if r.lost[req.Text] {
		err := &session.ConnectionLostError{Label: req.Label, Err: errors.New("eof")}
		return session.Result{Label: req.Label, Command: req.Text, Error: err.Error(), Failure: session.FailureConnectionLost}, err
	}
	if r.fail[req.Text] {
		res = session.Result{Label: req.Label, Command: req.Text, Error: "boom", Failure: session.FailureRemote}
	}
	return res, nil
}

func (r *scriptedRunner) EnsureMode(_ context.Context, m session.Mode) error {
	r.modes = append(r.modes, m)
	return r.modeErr
}

func cmds(texts ...string) []Command {
	out := make([]Command, len(texts))
	for i, t := range texts {
		out[i] = Command{Label: strings.ToUpper(t), Text: t}
	}
	return out
}

func quiet() Options {
	opts := DefaultOptions()
	opts.Delay = 0
	return opts
}

func TestStopOnErrorTruncates(t *testing.T) {
	run := &scriptedRunner{fail: map[string]bool{"b": true}}
	rep, err := Execute(context.Background(), run, cmds("a", "b", "c"), quiet())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rep.Results) != 2 || rep.Results[0].Label != "A" || rep.Results[1].Label != "B" {
		t.Fatalf("results = %+v", rep.Results)
	}
	if !rep.Stopped || rep.OK() {
		t.Fatalf("stopped = %v ok = %v", rep.Stopped, rep.OK())
	}
	if strings.Join(run.calls, ",") != "a,b" {
		t.Fatalf("calls = %v", run.calls)
	}
}

func TestContinueOnErrorKeepsOrder(t *testing.T) {
	run := &scriptedRunner{fail: map[string]bool{"b": true, "d": true}}
	opts := quiet()
	opts.StopOnError = false
	in := cmds("a", "b", "c", "d", "e")
	rep, err := Execute(context.Background(), run, in, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rep.Results) != len(in) {
		t.Fatalf("len = %d, want %d", len(rep.Results), len(in))
	}
	for i, res := range rep.Results {
		if res.Command != in[i].Text {
			t.Fatalf("result %d is %q, want %q", i, res.Command, in[i].Text)
		}
	}
	if rep.Succeeded() != 3 || rep.Stopped {
		t.Fatalf("succeeded = %d stopped = %v", rep.Succeeded(), rep.Stopped)
	}
}

func TestStructuralFailureAborts(t *testing.T) {
	run := &scriptedRunner{lost: map[string]bool{"b": true}}
	opts := quiet()
	opts.StopOnError = false
	rep, err := Execute(context.Background(), run, cmds("a", "b", "c"), opts)
	var lost *session.ConnectionLostError
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want ConnectionLostError", err)
	}
	if len(rep.Results) != 2 || rep.Results[1].Success {
		t.Fatalf("partial report = %+v", rep.Results)
	}
}

func TestModeSwitchFailureAborts(t *testing.T) {
	run := &scriptedRunner{modeErr: &session.ModeSwitchError{From: session.Shell, To: session.Interpreter, Err: errors.New("no prompt")}}
	rep, err := ExecuteInterpreter(context.Background(), run, cmds("a"), quiet())
	var modeErr *session.ModeSwitchError
	if !errors.As(err, &modeErr) {
		t.Fatalf("err = %v", err)
	}
	if len(run.calls) != 0 || len(rep.Results) != 0 || rep.Total != 1 {
		t.Fatalf("commands ran after failed switch: %v", run.calls)
	}
}

func TestCodeBlockModeSwitchFailure(t *testing.T) {
	run := &scriptedRunner{modeErr: &session.ModeSwitchError{From: session.Shell, To: session.Interpreter, Err: errors.New("python3: command not found")}}
	res, err := SendCodeBlock(context.Background(), run, "x = 1\n", BlockOptions{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if res.Success || res.Failure != session.FailureModeSwitch {
		t.Fatalf("result = %+v", res)
	}
	if len(run.calls) != 0 {
		t.Fatalf("block sent after failed switch: %v", run.calls)
	}
}

func TestProgressEvents(t *testing.T) {
	run := &scriptedRunner{fail: map[string]bool{"b": true}}
	var kinds []string
	opts := quiet()
	opts.ID = "batch-1"
	opts.Observer = ObserverFunc(func(ev Event) {
		if ev.BatchID != "batch-1" || ev.Total != 3 {
			t.Errorf("event %+v missing batch id or total", ev)
		}
		kinds = append(kinds, string(ev.Kind))
		if ev.Kind == EventCommand && ev.Command == "" {
			t.Errorf("command event without command text")
		}
		if ev.Kind == EventResult && ev.Result == nil {
			t.Errorf("result event without result")
		}
	})
	if _, err := Execute(context.Background(), run, cmds("a", "b", "c"), opts); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "start,command,result,command,result,stopped,done"
	if got := strings.Join(kinds, ","); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}

	kinds = nil
	opts.ShowProgress = false
	if _, err := Execute(context.Background(), run, cmds("a"), opts); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(kinds) != 0 {
		t.Fatalf("events emitted with progress off: %v", kinds)
	}
}

func TestDelayHonorsCancellation(t *testing.T) {
	run := &scriptedRunner{}
	opts := quiet()
	opts.Delay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	rep, err := Execute(ctx, run, cmds("a", "b"), opts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(rep.Results) != 1 || !rep.Stopped {
		t.Fatalf("report = %+v", rep)
	}
}

func TestNoDelayAfterLastCommand(t *testing.T) {
	run := &scriptedRunner{}
	opts := quiet()
	opts.Delay = 50 * time.Millisecond
	start := time.Now()
	if _, err := Execute(context.Background(), run, cmds("a", "b"), opts); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Fatalf("elapsed %v: delay slept after the last command", elapsed)
	}
}

func TestInvalidBlockIsRecorded(t *testing.T) {
	run := &scriptedRunner{}
	rep, err := Execute(context.Background(), run, []Command{{Label: "bad", Text: "x = (1,", Block: true}, {Label: "next", Text: "y"}}, quiet())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rep.Results) != 1 || rep.Results[0].Failure != session.FailureInvalid {
		t.Fatalf("report = %+v", rep.Results)
	}
	if len(run.calls) != 0 {
		t.Fatalf("invalid block was sent")
	}
}
