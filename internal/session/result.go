package session

import (
	"encoding/json"
	"strings"
	"time"
)

// Request is one command for the remote program. Exactly one write of Text
// plus a newline is made for it.
type Request struct {
	Label   string
	Text    string
	Timeout time.Duration
	// Block marks a multi-line payload that passes through continuation
	// prompts. Expect is the number of primary prompts it produces.
	Block  bool
	Expect int
}

// Failure classifies why a Result did not succeed.
type Failure string

const (
	FailureNone           Failure = ""
	FailureRemote         Failure = "remote"
	FailureTimeout        Failure = "timeout"
	FailureUnterminated   Failure = "unterminated"
	FailureConnectionLost Failure = "connection_lost"
	FailureCanceled       Failure = "canceled"
	FailureDesynchronized Failure = "desynchronized"
	FailureInvalid        Failure = "invalid"
	// FailureModeSwitch means the session could not reach the requested
	// mode, so the command was never sent.
	FailureModeSwitch Failure = "mode_switch"
)

// Result is produced exactly once per Request.
type Result struct {
	Label   string        `json:"description"`
	Command string        `json:"command"`
	Success bool          `json:"success"`
	Output  string        `json:"output"`
	Error   string        `json:"error"`
	Failure Failure       `json:"failure,omitempty"`
	Elapsed time.Duration `json:"-"`
}

type resultJSON struct {
	Label    string  `json:"description"`
	Command  string  `json:"command"`
	Success  bool    `json:"success"`
	Output   string  `json:"output"`
	Error    string  `json:"error"`
	Failure  Failure `json:"failure,omitempty"`
	Duration float64 `json:"duration"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Label:    r.Label,
		Command:  r.Command,
		Success:  r.Success,
		Output:   r.Output,
		Error:    r.Error,
		Failure:  r.Failure,
		Duration: r.Elapsed.Seconds(),
	})
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var v resultJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Result{
		Label:   v.Label,
		Command: v.Command,
		Success: v.Success,
		Output:  v.Output,
		Error:   v.Error,
		Failure: v.Failure,
		Elapsed: time.Duration(v.Duration * float64(time.Second)),
	}
	return nil
}

// TimedOut reports a result that failed because no prompt arrived in time.
func (r Result) TimedOut() bool { return r.Failure == FailureTimeout }

// Summary is a one-line description for progress displays.
func (r Result) Summary() string {
	text := r.Output
	if !r.Success {
		text = r.Error
	}
	text = strings.TrimSpace(text)
	if !r.Success {
		// The last line of a traceback names the exception.
		if i := strings.LastIndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
	} else if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i] + " ..."
	}
	const limit = 80
	if len(text) > limit {
		text = text[:limit-3] + "..."
	}
	if text == "" {
		if r.Success {
			return "ok"
		}
		return "failed"
	}
	return text
}
