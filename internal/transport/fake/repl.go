// Package fake provides an in-process stand-in for a robot's login shell and
// python3 REPL. It speaks the same prompts and echo conventions as a real
// pseudo terminal so that session framing can be tested without a robot.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

const (
	ShellPrompt  = "root@OT2CEP20210817:~# "
	Banner       = "Welcome to the Opentrons OT-2\r\n"
	PythonBanner = "Python 3.10.4 (main, Jan  1 2024, 00:00:00) [GCC 10.2.0] on linux\r\n" +
		"Type \"help\", \"copyright\", \"credits\" or \"license\" for more information.\r\n"
)

// REPL is a fake robot. It implements both transport.Opener and
// transport.Channel; every Open starts a fresh process and forgets all
// interpreter bindings.
type REPL struct {
	// NoPython makes python3 unavailable on the fake robot.
	NoPython bool
	// OpenErr, when set, is returned by Open.
	OpenErr error
	// StartInPython opens the channel already inside the interpreter.
	StartInPython bool

	mu      sync.Mutex
	out     strings.Builder
	closed  bool
	opens   int
	writes  []string
	partial string

	python  bool
	interp  *interp
	block   []string
	hung    bool
	queued  []string
	shellRC int
}

// New returns a fake robot sitting at a root shell prompt.
func New() *REPL {
	return &REPL{}
}

func (r *REPL) Open(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	r.opens++
	r.closed = false
	r.writes = nil
	r.out.Reset()
	r.partial = ""
	r.block = nil
	r.hung = false
	r.queued = nil
	r.python = r.StartInPython
	r.interp = newInterp()
	r.out.WriteString(Banner)
	if r.python {
		r.out.WriteString(">>> ")
	} else {
		r.out.WriteString(ShellPrompt)
	}
	return r, nil
}

// Opens reports how many times the fake robot was started.
func (r *REPL) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

// Writes returns every write received since the last Open, in order.
func (r *REPL) Writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

// InPython reports whether the fake process is inside the interpreter.
func (r *REPL) InPython() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.python
}

// Drop simulates the network connection going away.
func (r *REPL) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Inject appends raw bytes to the output as if the remote printed them.
func (r *REPL) Inject(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.WriteString(s)
}

// Release finishes a hung command: its prompt is printed and any input typed
// meanwhile is processed.
func (r *REPL) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hung {
		return
	}
	r.hung = false
	r.prompt()
	queued := r.queued
	r.queued = nil
	for _, line := range queued {
		r.line(line)
	}
}

func (r *REPL) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, transport.ErrClosed
	}
	r.writes = append(r.writes, string(p))

	// The terminal echoes everything before the program reads it.
	for _, b := range p {
		switch b {
		case '\n':
			r.out.WriteString("\r\n")
		case 0x03:
			r.out.WriteString("^C")
		default:
			r.out.WriteByte(b)
		}
	}
	for _, b := range p {
		switch b {
		case '\n':
			line := r.partial
			r.partial = ""
			if r.hung {
				r.queued = append(r.queued, line)
				continue
			}
			r.line(line)
		case 0x03:
			r.partial = ""
			r.interrupt()
		default:
			r.partial += string(b)
		}
	}
	return len(p), nil
}

func (r *REPL) ReadNonBlocking() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out.Len() > 0 {
		b := []byte(r.out.String())
		r.out.Reset()
		return b, nil
	}
	if r.closed {
		return nil, transport.ErrClosed
	}
	return nil, nil
}

func (r *REPL) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *REPL) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *REPL) prompt() {
	switch {
	case !r.python:
		r.out.WriteString(ShellPrompt)
	case len(r.block) > 0:
		r.out.WriteString("... ")
	default:
		r.out.WriteString(">>> ")
	}
}

func (r *REPL) interrupt() {
	r.hung = false
	r.queued = nil
	if r.python {
		r.block = nil
		r.out.WriteString("\r\nKeyboardInterrupt\r\n")
	} else {
		r.out.WriteString("\r\n")
	}
	r.prompt()
}

func (r *REPL) line(line string) {
	if r.python {
		r.pythonLine(line)
	} else {
		r.shellLine(line)
	}
	if !r.hung {
		r.prompt()
	}
}

func (r *REPL) print(s string) {
	r.out.WriteString(strings.ReplaceAll(s, "\n", "\r\n"))
	r.out.WriteString("\r\n")
}

func (r *REPL) shellLine(line string) {
	cmds := strings.Split(line, ";")
	for _, cmd := range cmds {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		r.shellCommand(cmd)
		if r.hung || r.python {
			return
		}
	}
}

func (r *REPL) shellCommand(cmd string) {
	name, arg, _ := strings.Cut(cmd, " ")
	switch name {
	case "python3":
		if r.NoPython {
			r.print("-bash: python3: command not found")
			r.shellRC = 127
			return
		}
		r.python = true
		r.out.WriteString(PythonBanner)
		r.shellRC = 0
	case "echo":
		arg = strings.ReplaceAll(arg, "$?", fmt.Sprint(r.shellRC))
		r.print(strings.Trim(arg, `"'`))
		r.shellRC = 0
	case "true", "cd", "export":
		r.shellRC = 0
	case "false":
		r.shellRC = 1
	case "sleep", "hang":
		r.hung = true
	case "cat":
		r.print(fmt.Sprintf("cat: %s: No such file or directory", arg))
		r.shellRC = 1
	case "hostname":
		r.print("OT2CEP20210817")
		r.shellRC = 0
	default:
		r.print(fmt.Sprintf("-bash: %s: command not found", name))
		r.shellRC = 127
	}
}

func (r *REPL) pythonLine(line string) {
	if len(r.block) > 0 {
		if strings.TrimSpace(line) == "" {
			block := r.block
			r.block = nil
			r.runBlock(block)
			return
		}
		decorated := strings.HasPrefix(strings.TrimSpace(r.block[len(r.block)-1]), "@")
		if !isIndented(line) && !isClause(line) && !decorated {
			r.block = nil
			r.syntaxError(line, "SyntaxError: invalid syntax")
			return
		}
		r.block = append(r.block, line)
		return
	}

	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return
	case isIndented(line):
		r.syntaxError(line, "IndentationError: unexpected indent")
		return
	case strings.HasPrefix(trimmed, "#"):
		return
	case strings.HasSuffix(trimmed, ":") || strings.HasPrefix(trimmed, "@"):
		r.block = []string{line}
		return
	case trimmed == "exit()" || trimmed == "quit()":
		r.python = false
		r.interp = newInterp()
		return
	case trimmed == "hang()":
		r.hung = true
		return
	case isCompoundHeader(trimmed):
		r.syntaxError(line, "SyntaxError: expected ':'")
		return
	}
	r.statement(trimmed)
}

func (r *REPL) statement(stmt string) {
	out, err := r.interp.exec(stmt)
	if out != "" {
		r.print(out)
	}
	var se *syntaxErr
	switch {
	case errors.As(err, &se):
		r.syntaxError(stmt, "SyntaxError: "+se.msg)
	case err != nil:
		r.print("Traceback (most recent call last):")
		r.print(`  File "<stdin>", line 1, in <module>`)
		r.print(err.Error())
	}
}

func (r *REPL) runBlock(block []string) {
	if err := r.interp.define(block); err != nil {
		r.syntaxError(block[0], err.Error())
	}
}

func (r *REPL) syntaxError(line, msg string) {
	r.print(`  File "<stdin>", line 1`)
	r.print("    " + strings.TrimSpace(line))
	r.print("    ^")
	r.print(msg)
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

func isCompoundHeader(stmt string) bool {
	kw, _, _ := strings.Cut(stmt, " ")
	switch kw {
	case "def", "class", "if", "for", "while", "with", "try":
		return true
	}
	return false
}

func isClause(line string) bool {
	t := strings.TrimSpace(line)
	for _, kw := range []string{"else", "elif ", "except", "finally"} {
		if strings.HasPrefix(t, kw) {
			return true
		}
	}
	return false
}
