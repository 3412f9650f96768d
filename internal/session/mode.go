package session

import (
	"fmt"
	"strings"
)

// Mode is the remote program currently consuming input.
type Mode int

const (
	Shell Mode = iota
	Interpreter
)

func (m Mode) String() string {
	switch m {
	case Shell:
		return "shell"
	case Interpreter:
		return "interpreter"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "shell" or "interpreter" and common aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shell", "sh", "bash":
		return Shell, nil
	case "interpreter", "python", "python3", "repl":
		return Interpreter, nil
	}
	return Shell, fmt.Errorf("unknown mode %q (want shell or interpreter)", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Recovery decides what happens before the next command once a session has
// lost track of the remote prompt, typically after a timeout.
type Recovery int

const (
	// RecoverNone runs the next command as is. Late output from the earlier
	// command may be mistaken for the next command's output.
	RecoverNone Recovery = iota
	// RecoverDrain waits for the late prompt and discards everything before it.
	RecoverDrain
	// RecoverInterrupt sends Ctrl-C first, then drains.
	RecoverInterrupt
	// RecoverReconnect restarts the remote process. Interpreter bindings are lost.
	RecoverReconnect
)

func (r Recovery) String() string {
	switch r {
	case RecoverNone:
		return "none"
	case RecoverDrain:
		return "drain"
	case RecoverInterrupt:
		return "interrupt"
	case RecoverReconnect:
		return "reconnect"
	}
	return fmt.Sprintf("Recovery(%d)", int(r))
}

func ParseRecovery(s string) (Recovery, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RecoverNone, nil
	case "drain":
		return RecoverDrain, nil
	case "interrupt":
		return RecoverInterrupt, nil
	case "reconnect":
		return RecoverReconnect, nil
	}
	return RecoverNone, fmt.Errorf("unknown recovery policy %q (want none, drain, interrupt or reconnect)", s)
}

func (r Recovery) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Recovery) UnmarshalText(b []byte) error {
	parsed, err := ParseRecovery(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
