package batch

import (
	"fmt"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

// EventKind is the stage of a batch an Event reports.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventCommand EventKind = "command"
	EventResult  EventKind = "result"
	EventStopped EventKind = "stopped"
	EventDone    EventKind = "done"
)

// Event is a progress notification. Command events carry Label and Command;
// result events carry Success, Summary and the Result itself.
type Event struct {
	Kind    EventKind       `json:"kind"`
	BatchID string          `json:"batchId"`
	Index   int             `json:"index"`
	Total   int             `json:"total"`
	Label   string          `json:"label,omitempty"`
	Command string          `json:"command,omitempty"`
	Success bool            `json:"success"`
	Summary string          `json:"summary,omitempty"`
	Result  *session.Result `json:"result,omitempty"`
}

// Observer receives progress events. Notify is called synchronously from
// the batch and must not block for long.
type Observer interface {
	Notify(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Notify(ev Event) { f(ev) }

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) Notify(ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(ev)
		}
	}
}

func summarize(rep *Report) string {
	return fmt.Sprintf("%d/%d succeeded", rep.Succeeded(), rep.Total)
}
