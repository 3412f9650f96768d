package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport/fake"
)

func newTestSession(t *testing.T, robot *fake.REPL, opts ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Host:              "ot2.test",
		Opener:            robot,
		DefaultTimeout:    time.Second,
		ModeSwitchTimeout: time.Second,
		DrainTimeout:      200 * time.Millisecond,
		Settle:            5 * time.Millisecond,
		PollInterval:      time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	sess, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func mustExec(t *testing.T, sess *Session, label, text string) Result {
	t.Helper()
	res, err := sess.ExecuteOne(context.Background(), Request{Label: label, Text: text})
	if err != nil {
		t.Fatalf("ExecuteOne(%q): %v", text, err)
	}
	return res
}

func TestConnectDetectsShell(t *testing.T) {
	sess := newTestSession(t, fake.New())
	if sess.Mode() != Shell {
		t.Fatalf("mode = %v, want shell", sess.Mode())
	}
	st := sess.Status()
	if !st.Connected || st.Host != "ot2.test" || st.ID == "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestConnectDetectsInterpreter(t *testing.T) {
	robot := fake.New()
	robot.StartInPython = true
	sess := newTestSession(t, robot)
	if sess.Mode() != Interpreter {
		t.Fatalf("mode = %v, want interpreter", sess.Mode())
	}
}

func TestConnectError(t *testing.T) {
	robot := fake.New()
	robot.OpenErr = errors.New("authentication failed")
	sess, err := New(Config{Opener: robot})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = sess.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
	if robot.Opens() != 0 {
		t.Fatalf("connect was retried")
	}
}

func TestNewRequiresOpener(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEnsureModeRoundTrip(t *testing.T) {
	robot := fake.New()
	sess := newTestSession(t, robot)
	ctx := context.Background()

	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("EnsureMode(interpreter): %v", err)
	}
	if sess.Mode() != Interpreter || !robot.InPython() {
		t.Fatalf("mode = %v, robot in python = %v", sess.Mode(), robot.InPython())
	}
	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("repeated EnsureMode: %v", err)
	}
	if err := sess.EnsureMode(ctx, Shell); err != nil {
		t.Fatalf("EnsureMode(shell): %v", err)
	}
	if sess.Mode() != Shell || robot.InPython() {
		t.Fatalf("mode = %v, robot in python = %v", sess.Mode(), robot.InPython())
	}
}

func TestEnsureModeFailureKeepsMode(t *testing.T) {
	robot := fake.New()
	robot.NoPython = true
	sess := newTestSession(t, robot)

	err := sess.EnsureMode(context.Background(), Interpreter)
	var modeErr *ModeSwitchError
	if !errors.As(err, &modeErr) {
		t.Fatalf("err = %v, want ModeSwitchError", err)
	}
	if !strings.Contains(err.Error(), "command not found") {
		t.Fatalf("error does not carry the shell's answer: %v", err)
	}
	if sess.Mode() != Shell {
		t.Fatalf("mode = %v after failed switch", sess.Mode())
	}
	if got := FailureOf(err); got != FailureModeSwitch {
		t.Fatalf("FailureOf = %q, want %q", got, FailureModeSwitch)
	}
}

func TestFailureOf(t *testing.T) {
	lost := &ConnectionLostError{Label: "python3", Err: errors.New("eof")}
	tests := []struct {
		name string
		err  error
		want Failure
	}{
		{"nil", nil, FailureNone},
		{"mode switch", &ModeSwitchError{From: Shell, To: Interpreter, Err: errors.New("prompt unchanged")}, FailureModeSwitch},
		{"mode switch lost the connection", &ModeSwitchError{From: Shell, To: Interpreter, Err: lost}, FailureConnectionLost},
		{"mode switch on a desynchronized session", &ModeSwitchError{From: Shell, To: Interpreter, Err: ErrDesynchronized}, FailureDesynchronized},
		{"connection lost", lost, FailureConnectionLost},
		{"closed", ErrSessionClosed, FailureConnectionLost},
		{"canceled", context.Canceled, FailureCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureOf(tt.err); got != tt.want {
				t.Fatalf("FailureOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestExecuteInterpreterResults(t *testing.T) {
	sess := newTestSession(t, fake.New())
	if err := sess.EnsureMode(context.Background(), Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}

	if res := mustExec(t, sess, "set", "x = 42"); !res.Success || res.Output != "" {
		t.Fatalf("set: %+v", res)
	}
	if res := mustExec(t, sess, "check", "x == 42"); !res.Success || res.Output != "True" {
		t.Fatalf("check: %+v", res)
	}
	if res := mustExec(t, sess, "print", "print(x / 8)"); res.Output != "5.25" {
		t.Fatalf("print: %+v", res)
	}

	res := mustExec(t, sess, "bad", "1/0")
	if res.Success || res.Failure != FailureRemote {
		t.Fatalf("bad: %+v", res)
	}
	if res.Output != "" || !strings.Contains(res.Error, "ZeroDivisionError") {
		t.Fatalf("bad: output %q error %q", res.Output, res.Error)
	}
	if res.Label != "bad" || res.Command != "1/0" {
		t.Fatalf("bad: label/command not carried: %+v", res)
	}
	if got := sess.Status().Commands; got != 4 {
		t.Fatalf("commands = %d, want 4", got)
	}
}

func TestExecuteShellExitStatus(t *testing.T) {
	sess := newTestSession(t, fake.New(), func(c *Config) { c.TrackExitStatus = true })

	if res := mustExec(t, sess, "host", "hostname"); !res.Success || res.Output != "OT2CEP20210817" {
		t.Fatalf("hostname: %+v", res)
	}
	res := mustExec(t, sess, "false", "false")
	if res.Success || res.Error != "exit status 1" {
		t.Fatalf("false: %+v", res)
	}
	res = mustExec(t, sess, "missing", "pip4 list")
	if res.Success || !strings.Contains(res.Error, "command not found") {
		t.Fatalf("missing: %+v", res)
	}
}

func TestTimeoutIsDistinctFromRemoteError(t *testing.T) {
	sess := newTestSession(t, fake.New())
	ctx := context.Background()
	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}

	res, err := sess.ExecuteOne(ctx, Request{Label: "slow", Text: "hang()", Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("timeout returned an error: %v", err)
	}
	if res.Success || res.Output != "" || !res.TimedOut() {
		t.Fatalf("timeout result: %+v", res)
	}
	if !strings.Contains(res.Error, "timeout after 0.03 seconds") {
		t.Fatalf("error = %q", res.Error)
	}
	if !sess.Desynchronized() {
		t.Fatalf("session not marked desynchronized")
	}
}

func TestRecoverDrainAfterLateCompletion(t *testing.T) {
	robot := fake.New()
	sess := newTestSession(t, robot, func(c *Config) { c.Recovery = RecoverDrain })
	ctx := context.Background()
	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	mustExec(t, sess, "bind", "x = 7")
	sess.ExecuteOne(ctx, Request{Label: "slow", Text: "hang()", Timeout: 20 * time.Millisecond})

	// Still running remotely: the drain cannot find the prompt.
	res, err := sess.ExecuteOne(ctx, Request{Label: "next", Text: "print(x)"})
	if !errors.Is(err, ErrDesynchronized) || res.Failure != FailureDesynchronized {
		t.Fatalf("err = %v, result %+v", err, res)
	}

	robot.Release()
	res = mustExec(t, sess, "next", "print(x)")
	if !res.Success || res.Output != "7" {
		t.Fatalf("after drain: %+v", res)
	}
	if sess.Desynchronized() {
		t.Fatalf("still desynchronized after drain")
	}
}

func TestRecoverInterruptKeepsBindings(t *testing.T) {
	robot := fake.New()
	sess := newTestSession(t, robot, func(c *Config) { c.Recovery = RecoverInterrupt })
	ctx := context.Background()
	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	mustExec(t, sess, "bind", "x = 3")
	sess.ExecuteOne(ctx, Request{Label: "slow", Text: "hang()", Timeout: 20 * time.Millisecond})

	res := mustExec(t, sess, "read", "print(x)")
	if !res.Success || res.Output != "3" {
		t.Fatalf("after interrupt: %+v", res)
	}
	if robot.Opens() != 1 {
		t.Fatalf("interrupt recovery reconnected")
	}
}

func TestRecoverReconnectLosesBindings(t *testing.T) {
	robot := fake.New()
	sess := newTestSession(t, robot, func(c *Config) { c.Recovery = RecoverReconnect })
	ctx := context.Background()
	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	mustExec(t, sess, "bind", "x = 3")
	sess.ExecuteOne(ctx, Request{Label: "slow", Text: "hang()", Timeout: 20 * time.Millisecond})

	res := mustExec(t, sess, "read", "print(x)")
	if res.Success || !strings.Contains(res.Error, "NameError") {
		t.Fatalf("binding survived reconnect: %+v", res)
	}
	if sess.Mode() != Interpreter {
		t.Fatalf("mode not restored after reconnect: %v", sess.Mode())
	}
	if robot.Opens() != 2 || sess.Status().Reconnects != 1 {
		t.Fatalf("opens = %d, reconnects = %d", robot.Opens(), sess.Status().Reconnects)
	}
}

func TestUnterminatedBlock(t *testing.T) {
	sess := newTestSession(t, fake.New())
	ctx := context.Background()
	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	res := mustExec(t, sess, "open", "for i in range(3):")
	if res.Success || res.Failure != FailureUnterminated {
		t.Fatalf("open block: %+v", res)
	}
	if res := mustExec(t, sess, "after", "1 + 1"); res.Output != "2" {
		t.Fatalf("after cancelled block: %+v", res)
	}
}

func TestConnectionLostMidCommand(t *testing.T) {
	robot := fake.New()
	sess := newTestSession(t, robot)
	ctx := context.Background()
	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		robot.Drop()
	}()
	res, err := sess.ExecuteOne(ctx, Request{Label: "slow", Text: "hang()", Timeout: 5 * time.Second})
	var lost *ConnectionLostError
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want ConnectionLostError", err)
	}
	if res.Success || res.Failure != FailureConnectionLost || res.TimedOut() {
		t.Fatalf("result: %+v", res)
	}
	if _, err := sess.ExecuteOne(ctx, Request{Text: "1"}); !IsStructural(err) {
		t.Fatalf("session usable after loss: %v", err)
	}
	if err := sess.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if res := mustExec(t, sess, "again", "print(1)"); res.Output != "1" {
		t.Fatalf("after reconnect: %+v", res)
	}
}

func TestPing(t *testing.T) {
	sess := newTestSession(t, fake.New())
	ctx := context.Background()
	if err := sess.Ping(ctx); err != nil {
		t.Fatalf("Ping shell: %v", err)
	}
	if err := sess.EnsureMode(ctx, Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	if err := sess.Ping(ctx); err != nil {
		t.Fatalf("Ping interpreter: %v", err)
	}
}

func TestCloseLeavesInterpreter(t *testing.T) {
	robot := fake.New()
	sess := newTestSession(t, robot)
	if err := sess.EnsureMode(context.Background(), Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	writes := robot.Writes()
	if len(writes) == 0 || writes[len(writes)-1] != "exit()\n" {
		t.Fatalf("last write = %q", writes)
	}
	if !robot.IsClosed() {
		t.Fatalf("channel left open")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.ExecuteOne(context.Background(), Request{Text: "1"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestResultJSON(t *testing.T) {
	res := Result{Label: "set", Command: "x = 1", Success: true, Elapsed: 1500 * time.Millisecond}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"description", "command", "success", "output", "error", "duration"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing %q in %s", key, b)
		}
	}
	if m["duration"].(float64) != 1.5 {
		t.Fatalf("duration = %v", m["duration"])
	}
	if _, ok := m["failure"]; ok {
		t.Fatalf("failure present on success: %s", b)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"shell": Shell, "python": Interpreter, "Interpreter": Interpreter} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("fish"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ParseRecovery("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSummary(t *testing.T) {
	r := Result{Success: false, Error: "Traceback (most recent call last):\n  File \"<stdin>\", line 1, in <module>\nZeroDivisionError: division by zero"}
	if got := r.Summary(); got != "ZeroDivisionError: division by zero" {
		t.Fatalf("Summary = %q", got)
	}
	if got := (Result{Success: true}).Summary(); got != "ok" {
		t.Fatalf("Summary = %q", got)
	}
}
