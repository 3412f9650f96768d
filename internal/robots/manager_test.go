package robots

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/events"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/journal"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport/fake"
)

func fastConfig(r *fake.REPL) session.Config {
	return session.Config{
		Host:              "fake",
		Opener:            r,
		DefaultTimeout:    2 * time.Second,
		ModeSwitchTimeout: time.Second,
		Settle:            5 * time.Millisecond,
		PollInterval:      time.Millisecond,
	}
}

func quietDefaults() batch.Options {
	return batch.Options{StopOnError: true}
}

func newManager(t *testing.T, opts Options, names ...string) (*Manager, map[string]*fake.REPL) {
	t.Helper()
	m := NewManager(opts)
	fakes := make(map[string]*fake.REPL)
	for _, name := range names {
		r := fake.New()
		fakes[name] = r
		if err := m.Register(name, fastConfig(r), quietDefaults()); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, fakes
}

func TestConnectExecuteJournal(t *testing.T) {
	jr, err := journal.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer jr.Close()
	ev := events.MustNew()

	var mu sync.Mutex
	var changes []string
	m, _ := newManager(t, Options{Journal: jr, Events: ev, OnChange: func(name string, st session.Status) {
		mu.Lock()
		changes = append(changes, name)
		mu.Unlock()
	}}, "ot2")
	ctx := context.Background()

	st, err := m.Connect(ctx, "ot2")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Connected || st.Mode != session.Shell {
		t.Fatalf("status = %+v", st)
	}

	rep, err := m.Execute(ctx, "ot2", BatchRequest{ID: "b1", File: batch.File{
		Mode: session.Interpreter,
		Commands: []batch.Step{
			{Label: "set", Command: "x = 20"},
			{Label: "show", Command: "print(x + 1)"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Results[1].Output != "21" {
		t.Fatalf("report = %+v", rep)
	}

	got, err := ev.Get("ot2", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Done || len(got.Results) != 2 {
		t.Fatalf("events report = %+v", got)
	}

	metas, err := jr.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || metas[0].Robot != "ot2" || metas[0].ID != st.ID {
		t.Fatalf("journals = %+v", metas)
	}
	n := 0
	_ = jr.Replay(st.ID, 0, func(e journal.Entry) error {
		if e.BatchID != "b1" {
			t.Errorf("batch = %q", e.BatchID)
		}
		n++
		return nil
	})
	if n != 2 {
		t.Fatalf("journalled %d results, want 2", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 {
		t.Fatalf("changes = %v", changes)
	}
}

func TestShowProgressGatesCallerObserver(t *testing.T) {
	ev := events.MustNew()
	m, _ := newManager(t, Options{Events: ev}, "ot2")
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ot2"); err != nil {
		t.Fatal(err)
	}

	for _, show := range []bool{false, true} {
		var seen int
		id := "quiet"
		if show {
			id = "loud"
		}
		_, err := m.Execute(ctx, "ot2", BatchRequest{
			ID: id,
			File: batch.File{
				Mode:         session.Interpreter,
				ShowProgress: &show,
				Commands:     []batch.Step{{Label: "set", Command: "x = 1"}},
			},
			Observer: batch.ObserverFunc(func(batch.Event) { seen++ }),
		})
		if err != nil {
			t.Fatal(err)
		}
		if show != (seen > 0) {
			t.Fatalf("showProgress=%t: caller saw %d events", show, seen)
		}
		got, err := ev.Get("ot2", id)
		if err != nil {
			t.Fatalf("showProgress=%t: events store: %v", show, err)
		}
		if !got.Done || len(got.Results) != 1 {
			t.Fatalf("showProgress=%t: events report = %+v", show, got)
		}
	}
}

func TestUnknownAndDisconnected(t *testing.T) {
	m, _ := newManager(t, Options{}, "ot2")
	ctx := context.Background()
	if _, err := m.Connect(ctx, "nope"); !errors.Is(err, ErrUnknownRobot) {
		t.Fatalf("err = %v", err)
	}
	if err := m.Ping(ctx, "ot2"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Get("ot2"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if err := m.Register("ot2", session.Config{}, batch.Options{}); !errors.Is(err, ErrRobotExists) {
		t.Fatalf("err = %v", err)
	}
}

func TestDisconnectAndReconnect(t *testing.T) {
	m, fakes := newManager(t, Options{}, "ot2")
	ctx := context.Background()
	first, err := m.Connect(ctx, "ot2")
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.Connect(ctx, "ot2")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || fakes["ot2"].Opens() != 1 {
		t.Fatalf("second Connect opened a new session")
	}
	if err := m.Disconnect("ot2"); err != nil {
		t.Fatal(err)
	}
	if st, _ := m.Status("ot2"); st.Connected {
		t.Fatalf("status after disconnect = %+v", st)
	}
	second, err := m.Connect(ctx, "ot2")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("reconnect reused the session id")
	}
}

func TestSendCodeBlock(t *testing.T) {
	m, fakes := newManager(t, Options{}, "ot2")
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ot2"); err != nil {
		t.Fatal(err)
	}
	res, err := m.SendCodeBlock(ctx, "ot2", "def triple(n):\n    return n * 3\n", batch.BlockOptions{})
	if err != nil || !res.Success {
		t.Fatalf("define: %+v, %v", res, err)
	}
	if !fakes["ot2"].InPython() {
		t.Fatal("code block did not switch to the interpreter")
	}
	res, err = m.ExecuteOne(ctx, "ot2", session.Interpreter, session.Request{Text: "print(triple(4))"})
	if err != nil || res.Output != "12" {
		t.Fatalf("call: %+v, %v", res, err)
	}
	if _, err := m.SendCodeBlock(ctx, "ot2", "   ", batch.BlockOptions{}); !errors.Is(err, batch.ErrInvalidBlock) {
		t.Fatalf("err = %v", err)
	}
}

func TestSwitchMode(t *testing.T) {
	m, fakes := newManager(t, Options{}, "ot2")
	ctx := context.Background()
	if _, err := m.SwitchMode(ctx, "ot2", session.Interpreter); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Connect(ctx, "ot2"); err != nil {
		t.Fatal(err)
	}
	st, err := m.SwitchMode(ctx, "ot2", session.Interpreter)
	if err != nil || st.Mode != session.Interpreter || !fakes["ot2"].InPython() {
		t.Fatalf("to interpreter: %+v, %v", st, err)
	}
	st, err = m.SwitchMode(ctx, "ot2", session.Shell)
	if err != nil || st.Mode != session.Shell || fakes["ot2"].InPython() {
		t.Fatalf("to shell: %+v, %v", st, err)
	}
}

func TestExecuteOneModeSwitchFailure(t *testing.T) {
	m, fakes := newManager(t, Options{}, "ot2")
	fakes["ot2"].NoPython = true
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ot2"); err != nil {
		t.Fatal(err)
	}
	res, err := m.ExecuteOne(ctx, "ot2", session.Interpreter, session.Request{Label: "bind", Text: "x = 1"})
	var modeErr *session.ModeSwitchError
	if !errors.As(err, &modeErr) {
		t.Fatalf("err = %v, want ModeSwitchError", err)
	}
	if res.Failure != session.FailureModeSwitch || res.Label != "bind" {
		t.Fatalf("result = %+v", res)
	}
	st, err := m.Status("ot2")
	if err != nil || !st.Connected || st.Mode != session.Shell {
		t.Fatalf("status after failed switch = %+v, %v", st, err)
	}
}

func TestIndependentRobots(t *testing.T) {
	m, _ := newManager(t, Options{}, "left", "right")
	ctx := context.Background()
	for _, name := range []string{"left", "right"} {
		if _, err := m.Connect(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	var wg sync.WaitGroup
	for _, name := range []string{"left", "right"} {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.ExecuteOne(ctx, name, session.Interpreter, session.Request{Text: "robot = '" + name + "'"})
			if err != nil || !res.Success {
				t.Errorf("%s: %+v, %v", name, res, err)
				return
			}
			res, err = m.ExecuteOne(ctx, name, session.Interpreter, session.Request{Text: "print(robot)"})
			if err != nil || res.Output != name {
				t.Errorf("%s: %+v, %v", name, res, err)
			}
		}()
	}
	wg.Wait()
	if got := m.List(); len(got) != 2 || got[0].Name != "left" {
		t.Fatalf("list = %+v", got)
	}
}

func TestHealthCheckDoesNotWaitOnBusyRobot(t *testing.T) {
	m, fakes := newManager(t, Options{}, "ot2", "idle")
	ctx := context.Background()
	for _, name := range []string{"ot2", "idle"} {
		if _, err := m.Connect(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	robot := fakes["ot2"]

	done := make(chan session.Result, 1)
	go func() {
		res, _ := m.ExecuteOne(ctx, "ot2", session.Shell, session.Request{Text: "hang", Timeout: 5 * time.Second})
		done <- res
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(strings.Join(robot.Writes(), ""), "hang") {
		if time.Now().After(deadline) {
			t.Fatal("command never reached the robot")
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	health := m.HealthCheck(ctx)
	if time.Since(start) > time.Second {
		t.Fatalf("HealthCheck took %s", time.Since(start))
	}
	byName := map[string]Health{}
	for _, h := range health {
		byName[h.Name] = h
	}
	if !byName["ot2"].Busy || !byName["ot2"].Healthy {
		t.Fatalf("busy robot health = %+v", byName["ot2"])
	}
	if byName["idle"].Busy || !byName["idle"].Healthy {
		t.Fatalf("idle robot health = %+v", byName["idle"])
	}

	robot.Release()
	select {
	case res := <-done:
		if !res.Success {
			t.Fatalf("released command = %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("hung command never completed")
	}
}
