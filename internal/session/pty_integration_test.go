package session_test

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

// Runs against a real /bin/sh and python3 on a local pty. Terminal behavior
// varies across hosts, so it only runs when OTRUNNER_PTY_TESTS=1.
func TestPTYShellAndInterpreter(t *testing.T) {
	if os.Getenv("OTRUNNER_PTY_TESTS") != "1" {
		t.Skip("set OTRUNNER_PTY_TESTS=1 to run")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sess, err := session.New(session.Config{
		Host:           "localhost",
		Opener:         transport.PTYOpener{Dir: t.TempDir()},
		DefaultTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	res, err := sess.ExecuteOne(ctx, session.Request{Label: "echo", Text: "echo hello"})
	if err != nil || !res.Success || strings.TrimSpace(res.Output) != "hello" {
		t.Fatalf("shell echo: %+v, %v", res, err)
	}

	rep, err := batch.ExecuteInterpreter(ctx, sess, []batch.Command{
		{Label: "bind", Text: "x = 20"},
		{Label: "read", Text: "print(x + 1)"},
		{Label: "divide", Text: "1/0"},
		{Label: "never", Text: "print('unreachable')"},
	}, batch.Options{StopOnError: true})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(rep.Results))
	}
	if got := strings.TrimSpace(rep.Results[1].Output); got != "21" {
		t.Fatalf("print(x + 1) output = %q", got)
	}
	if last := rep.Results[2]; last.Success || !strings.Contains(last.Error, "ZeroDivisionError") {
		t.Fatalf("1/0 result = %+v", last)
	}

	res, err = batch.SendCodeBlock(ctx, sess, "def double(n):\n    return n * 2\n", batch.BlockOptions{})
	if err != nil || !res.Success {
		t.Fatalf("code block: %+v, %v", res, err)
	}
	res, err = sess.ExecuteOne(ctx, session.Request{Text: "print(double(x))"})
	if err != nil || strings.TrimSpace(res.Output) != "40" {
		t.Fatalf("call: %+v, %v", res, err)
	}

	if err := sess.EnsureMode(ctx, session.Shell); err != nil {
		t.Fatalf("back to shell: %v", err)
	}
	res, err = sess.ExecuteOne(ctx, session.Request{Text: "ls /definitely-missing-dir"})
	if err != nil || res.Success {
		t.Fatalf("missing dir: %+v, %v", res, err)
	}
}
