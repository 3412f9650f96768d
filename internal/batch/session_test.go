package batch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport/fake"
)

const dilutionHelper = `
    def dilution_volume(stock, target, final):
        ratio = target / stock
        if ratio > 1:
            raise ValueError("target above stock")

        # scale to the final volume
        volume = final * ratio
        return volume
`

func connect(t *testing.T) (*session.Session, *fake.REPL) {
	t.Helper()
	robot := fake.New()
	sess, err := session.New(session.Config{
		Opener:            robot,
		DefaultTimeout:    time.Second,
		ModeSwitchTimeout: time.Second,
		Settle:            5 * time.Millisecond,
		PollInterval:      time.Millisecond,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess, robot
}

func TestScenarioDivisionByZero(t *testing.T) {
	sess, _ := connect(t)
	ctx := context.Background()
	rep, err := ExecuteInterpreter(ctx, sess, []Command{
		{Label: "set", Text: "x = 1"},
		{Label: "bad", Text: "1/0"},
		{Label: "unset", Text: "y = 2"},
	}, quiet())
	if err != nil {
		t.Fatalf("ExecuteInterpreter: %v", err)
	}
	if len(rep.Results) != 2 {
		t.Fatalf("len = %d, want 2", len(rep.Results))
	}
	if !rep.Results[0].Success {
		t.Fatalf("set failed: %+v", rep.Results[0])
	}
	if bad := rep.Results[1]; bad.Success || !strings.Contains(bad.Error, "ZeroDivisionError") {
		t.Fatalf("bad: %+v", bad)
	}

	res, err := sess.ExecuteOne(ctx, session.Request{Label: "check", Text: "print(y)"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "NameError") {
		t.Fatalf("y was bound: %+v", res)
	}
}

func TestPrintedExceptionTextIsOutput(t *testing.T) {
	sess, _ := connect(t)
	rep, err := ExecuteInterpreter(context.Background(), sess, []Command{
		{Label: "report", Text: "print('ValueError: handled')"},
		{Label: "tip", Text: "print('TipError')"},
		{Label: "next", Text: "z = 3"},
	}, quiet())
	if err != nil {
		t.Fatalf("ExecuteInterpreter: %v", err)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(rep.Results), rep.Results)
	}
	for _, r := range rep.Results {
		if !r.Success {
			t.Fatalf("%s failed: %+v", r.Label, r)
		}
	}
	if got := rep.Results[0].Output; got != "ValueError: handled" {
		t.Fatalf("output = %q", got)
	}
}

func TestBindingsPersistAcrossBatches(t *testing.T) {
	sess, _ := connect(t)
	ctx := context.Background()
	if _, err := ExecuteInterpreter(ctx, sess, []Command{{Label: "bind", Text: "x = 42"}}, quiet()); err != nil {
		t.Fatalf("batch 1: %v", err)
	}
	rep, err := ExecuteInterpreter(ctx, sess, []Command{{Label: "read", Text: "x == 42"}}, quiet())
	if err != nil {
		t.Fatalf("batch 2: %v", err)
	}
	if res := rep.Results[0]; !res.Success || res.Output != "True" {
		t.Fatalf("read: %+v", res)
	}
}

func TestModeIsolation(t *testing.T) {
	sess, _ := connect(t)
	ctx := context.Background()
	if _, err := ExecuteShell(ctx, sess, []Command{{Label: "host", Text: "hostname"}}, quiet()); err != nil {
		t.Fatalf("shell batch: %v", err)
	}
	if sess.Mode() != session.Shell {
		t.Fatalf("mode = %v after shell batch", sess.Mode())
	}
	rep, err := ExecuteInterpreter(ctx, sess, []Command{{Label: "sum", Text: "2 + 3"}}, quiet())
	if err != nil {
		t.Fatalf("interpreter batch: %v", err)
	}
	if sess.Mode() != session.Interpreter {
		t.Fatalf("mode = %v after interpreter batch", sess.Mode())
	}
	if rep.Results[0].Output != "5" || rep.Mode != "interpreter" {
		t.Fatalf("sum: %+v mode %q", rep.Results[0], rep.Mode)
	}
}

func TestBatchTimeoutClassification(t *testing.T) {
	sess, _ := connect(t)
	opts := quiet()
	opts.Timeout = 30 * time.Millisecond
	rep, err := ExecuteInterpreter(context.Background(), sess, []Command{
		{Label: "slow", Text: "hang()"},
		{Label: "never", Text: "x = 1"},
	}, opts)
	if err != nil {
		t.Fatalf("timeout aborted the batch with an error: %v", err)
	}
	if len(rep.Results) != 1 {
		t.Fatalf("len = %d", len(rep.Results))
	}
	res := rep.Results[0]
	if res.Success || res.Output != "" || !strings.Contains(res.Error, "timeout") || res.Failure != session.FailureTimeout {
		t.Fatalf("slow: %+v", res)
	}
}

func TestCodeBlockDefinesCallable(t *testing.T) {
	sess, _ := connect(t)
	ctx := context.Background()
	res, err := SendCodeBlock(ctx, sess, dilutionHelper, BlockOptions{})
	if err != nil {
		t.Fatalf("SendCodeBlock: %v", err)
	}
	if !res.Success || res.Label != DefaultBlockLabel {
		t.Fatalf("block: %+v", res)
	}

	rep, err := ExecuteInterpreter(ctx, sess, []Command{{Label: "use", Text: "print(dilution_volume(10, 5, 100))"}}, quiet())
	if err != nil {
		t.Fatalf("ExecuteInterpreter: %v", err)
	}
	if out := rep.Results[0]; !out.Success || out.Output != "50.0" {
		t.Fatalf("call: %+v", out)
	}
}

func TestRawBlockWithBlankLineBreaks(t *testing.T) {
	sess, _ := connect(t)
	ctx := context.Background()
	if err := sess.EnsureMode(ctx, session.Interpreter); err != nil {
		t.Fatalf("EnsureMode: %v", err)
	}
	raw := strings.Join(dedent(strings.Split(strings.Trim(dilutionHelper, "\n"), "\n")), "\n") + "\n"
	res, err := sess.ExecuteOne(ctx, session.Request{Label: "raw", Text: raw, Block: true})
	if err != nil {
		t.Fatalf("ExecuteOne: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "IndentationError") {
		t.Fatalf("raw block: %+v", res)
	}
}

func TestCodeBlockSyntaxError(t *testing.T) {
	sess, _ := connect(t)
	res, err := SendCodeBlock(context.Background(), sess, "def broken()\n    pass\n", BlockOptions{Label: "broken"})
	if err != nil {
		t.Fatalf("SendCodeBlock: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "SyntaxError") || !strings.Contains(res.Error, "def broken()") {
		t.Fatalf("broken: %+v", res)
	}
}

func TestFileRun(t *testing.T) {
	sess, _ := connect(t)
	f, err := ParseFile([]byte(`
name: smoke
mode: interpreter
delayMs: 0
commands:
  - label: helper
    code: |
      def double(v):
          return v * 2
  - command: print(double(21))
`))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	rep, err := f.Run(context.Background(), sess, DefaultOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.OK() || rep.Results[1].Output != "42" || rep.Results[1].Label != "Step 2" {
		t.Fatalf("report = %+v", rep.Results)
	}
}
