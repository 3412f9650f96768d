package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPoll is the pause between empty non-blocking reads.
const DefaultPoll = 20 * time.Millisecond

// tailWindow bounds how much of the end of the output is normalised for
// suffix matching on every read.
const tailWindow = 512

var (
	// ErrTimeout means the deadline passed without a primary prompt. The
	// remote program may still be running.
	ErrTimeout = errors.New("no prompt before deadline")
	// ErrClosed means the channel closed while output was awaited.
	ErrClosed = errors.New("channel closed while awaiting prompt")
	// ErrUnterminated means a continuation prompt appeared where a single
	// line command was expected.
	ErrUnterminated = errors.New("continuation prompt after single-line command")
)

// Source is the read side of a transport channel.
type Source interface {
	ReadNonBlocking() ([]byte, error)
}

// State is where a detector stands in the prompt cycle of its program.
type State int

const (
	AwaitingPrimary State = iota
	AwaitingContinuation
)

func (s State) String() string {
	switch s {
	case AwaitingPrimary:
		return "awaiting-primary"
	case AwaitingContinuation:
		return "awaiting-continuation"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Verdict is the result of feeding output to a Detector.
type Verdict int

const (
	Pending Verdict = iota
	Complete
	Continuation
)

func (v Verdict) String() string {
	switch v {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Continuation:
		return "continuation"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Options tune how a Detector closes a frame.
type Options struct {
	// Expect is how many primary prompts close the frame. Zero means one.
	// A block of several top-level statements yields one prompt each.
	Expect int
	// Block accepts continuation prompts while the frame is open. Without it
	// a continuation prompt ends the frame with a Continuation verdict.
	Block bool
}

// Detector accumulates the output of one command and decides when it is
// complete. A Detector frames exactly one command.
type Detector struct {
	sig   Signature
	opts  Options
	raw   []byte
	state State
}

func NewDetector(sig Signature, opts Options) *Detector {
	if opts.Expect <= 0 {
		opts.Expect = 1
	}
	return &Detector{sig: sig, opts: opts}
}

func (d *Detector) State() State { return d.state }

// Feed appends output and reports whether the frame is complete.
func (d *Detector) Feed(p []byte) Verdict {
	d.raw = append(d.raw, p...)
	start := len(d.raw) - tailWindow
	if start < 0 {
		start = 0
	}
	tail := Normalize(string(d.raw[start:]))

	switch {
	case d.sig.AtPrimary(tail):
		if d.opts.Expect > 1 && d.sig.CountPrimary(d.Transcript()) < d.opts.Expect {
			d.state = AwaitingPrimary
			return Pending
		}
		d.state = AwaitingPrimary
		return Complete
	case d.sig.AtContinuation(tail):
		d.state = AwaitingContinuation
		if d.opts.Block {
			return Pending
		}
		return Continuation
	}
	return Pending
}

// Await polls src until the frame completes, the deadline passes, the
// channel closes or ctx is done.
func (d *Detector) Await(ctx context.Context, src Source, deadline time.Time, poll time.Duration) error {
	_, err := AwaitAny(ctx, src, deadline, poll, d)
	return err
}

// AwaitAny feeds the same output to every detector and returns the index of
// the first one to complete. It is used when more than one program may
// answer, such as right after connecting.
func AwaitAny(ctx context.Context, src Source, deadline time.Time, poll time.Duration, dets ...*Detector) (int, error) {
	if poll <= 0 {
		poll = DefaultPoll
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()
	for {
		p, err := src.ReadNonBlocking()
		if len(p) > 0 {
			for i, d := range dets {
				switch d.Feed(p) {
				case Complete:
					return i, nil
				case Continuation:
					return i, ErrUnterminated
				}
			}
		}
		if err != nil {
			return -1, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		now := time.Now()
		if !now.Before(deadline) {
			return -1, ErrTimeout
		}
		if len(p) > 0 {
			continue
		}
		wait := poll
		if left := deadline.Sub(now); left < wait {
			wait = left
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-timer.C:
		}
	}
}

// Transcript returns everything received so far, normalised.
func (d *Detector) Transcript() string {
	return Normalize(string(d.raw))
}

// Outcome classifies a completed frame.
type Outcome struct {
	Success bool
	Output  string
	Error   string
	// ExitStatus is the status reported by an exit marker, or -1.
	ExitStatus int
}

// Outcome strips the closing prompt and the echo of sent from the
// transcript, then splits it at the first error line.
func (d *Detector) Outcome(sent string) Outcome {
	text := d.sig.TrimPrimary(d.Transcript())
	echo := strings.Split(strings.TrimRight(Normalize(sent), "\n"), "\n")

	var body []string
	next := 0
	exit := -1
	for _, line := range strings.Split(text, "\n") {
		bare := d.sig.StripLeading(line)
		if next < len(echo) && strings.TrimRight(bare, " \t") == strings.TrimRight(echo[next], " \t") {
			next++
			continue
		}
		if bare != line && strings.TrimSpace(bare) == "" {
			continue
		}
		if code, ok := d.sig.ExitStatus(bare); ok {
			exit = code
			continue
		}
		body = append(body, bare)
	}

	out := Outcome{Success: true, ExitStatus: exit}
	errAt := -1
	for i, line := range body {
		if d.sig.IsError(line) {
			errAt = i
			break
		}
	}
	if errAt >= 0 {
		out.Success = false
		out.Output = joinTrim(body[:errAt])
		out.Error = joinTrim(body[errAt:])
	} else {
		out.Output = joinTrim(body)
	}
	if exit > 0 {
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("exit status %d", exit)
		}
	}
	return out
}

func joinTrim(lines []string) string {
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
