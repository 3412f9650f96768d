package events

import (
	"errors"
	"testing"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

func runEvents(batchID string) []batch.Event {
	ok := session.Result{Label: "a", Command: "x = 1", Success: true}
	bad := session.Result{Label: "b", Command: "1/0", Error: "ZeroDivisionError: division by zero", Failure: session.FailureRemote}
	return []batch.Event{
		{Kind: batch.EventStart, BatchID: batchID, Total: 2},
		{Kind: batch.EventCommand, BatchID: batchID, Total: 2, Index: 0, Label: "a"},
		{Kind: batch.EventResult, BatchID: batchID, Total: 2, Index: 0, Success: true, Result: &ok},
		{Kind: batch.EventCommand, BatchID: batchID, Total: 2, Index: 1, Label: "b"},
		{Kind: batch.EventResult, BatchID: batchID, Total: 2, Index: 1, Result: &bad},
		{Kind: batch.EventDone, BatchID: batchID, Total: 2, Summary: "1/2 succeeded"},
	}
}

func TestStoreRecordsReport(t *testing.T) {
	st := MustNew()
	defer st.Close()
	obs := st.Observer("ot2")
	for _, ev := range runEvents("b1") {
		obs.Notify(ev)
	}
	rep, err := st.Get("ot2", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Done || rep.Total != 2 || len(rep.Results) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Results[1].Failure != session.FailureRemote {
		t.Fatalf("failure = %q", rep.Results[1].Failure)
	}
	if rep.Summary != "1/2 succeeded" {
		t.Fatalf("summary = %q", rep.Summary)
	}
	if _, err := st.Get("ot2", "missing"); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStoreListFiltersByRobot(t *testing.T) {
	st := MustNew()
	st.Record("a", batch.Event{Kind: batch.EventStart, BatchID: "1"})
	st.Record("b", batch.Event{Kind: batch.EventStart, BatchID: "2"})
	if got := st.List("a"); len(got) != 1 || got[0].BatchID != "1" {
		t.Fatalf("list(a) = %+v", got)
	}
	if got := st.List(""); len(got) != 2 {
		t.Fatalf("list() = %+v", got)
	}
}

func TestSubscribeReceivesAndCloses(t *testing.T) {
	st := MustNew()
	id, ch := st.Subscribe("ot2", "b1")
	_, all := st.Subscribe("ot2", "")
	for _, ev := range runEvents("b1") {
		st.Record("ot2", ev)
	}
	st.Finish("ot2", "b1")

	var kinds []batch.EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 6 || kinds[5] != batch.EventDone {
		t.Fatalf("kinds = %v", kinds)
	}
	if len(all) != 6 {
		t.Fatalf("wildcard watcher got %d events", len(all))
	}
	// already closed by Finish
	st.Unsubscribe("ot2", "b1", id)
}

func TestFinishMarksAbortedBatchDone(t *testing.T) {
	st := MustNew()
	st.Record("ot2", batch.Event{Kind: batch.EventStart, BatchID: "b", Total: 3})
	st.Record("ot2", batch.Event{Kind: batch.EventStopped, BatchID: "b", Total: 3, Summary: "connection lost"})
	st.Finish("ot2", "b")
	rep, err := st.Get("ot2", "b")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Done || !rep.Stopped || rep.FinishedAt.IsZero() {
		t.Fatalf("report = %+v", rep)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	st := MustNew()
	_, ch := st.Subscribe("ot2", "b")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			st.Record("ot2", batch.Event{Kind: batch.EventCommand, BatchID: "b", Index: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a full subscriber")
	}
	if len(ch) != 128 {
		t.Fatalf("buffered %d events, want 128", len(ch))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	res := session.Result{Label: "a", Command: "print(1)", Success: true, Output: "1", Elapsed: 2 * time.Second}
	ev := batch.Event{Kind: batch.EventResult, BatchID: "b1", Index: 3, Total: 4, Success: true, Result: &res}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := encodeEnvelope("ot2", ev, 7, at)
	if err != nil {
		t.Fatal(err)
	}
	robot, got, seq, gotAt, err := decodeEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if robot != "ot2" || seq != 7 || !gotAt.Equal(at) {
		t.Fatalf("robot=%q seq=%d at=%s", robot, seq, gotAt)
	}
	if got.Kind != ev.Kind || got.Index != 3 || got.Result == nil || got.Result.Output != "1" || got.Result.Elapsed != 2*time.Second {
		t.Fatalf("event = %+v", got)
	}
}

func TestReplayIgnoresDuplicates(t *testing.T) {
	st := MustNew()
	res := session.Result{Success: true}
	ev := batch.Event{Kind: batch.EventResult, BatchID: "b", Result: &res}
	now := time.Now()
	st.applyReplayed("ot2", ev, 1, now)
	st.applyReplayed("ot2", ev, 1, now)
	rep, _ := st.Get("ot2", "b")
	if len(rep.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(rep.Results))
	}
}

func TestSubjectToken(t *testing.T) {
	if got := subjectToken("lab.ot2 a"); got != "lab_ot2_a" {
		t.Fatalf("got %q", got)
	}
	if got := subjectToken(""); got != "unknown" {
		t.Fatalf("got %q", got)
	}
}
