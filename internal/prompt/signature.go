// Package prompt frames command output on an interactive byte stream by
// watching for the prompt the remote program prints when it is ready.
package prompt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Patterns are the regular expressions that make up a Signature. Primary and
// Continuation are matched against the end of the output only.
type Patterns struct {
	Primary      string
	Continuation string
	// Leading matches prompt tokens at the start of a line, such as the
	// continuation prompts that prefix the echo of a multi-line block.
	Leading string
	// Error matches a line that starts an error report.
	Error string
	// ExitMarker matches a line carrying an exit status in its first group.
	ExitMarker string
}

// Signature is the compiled prompt and error vocabulary of one remote program.
type Signature struct {
	name         string
	primaryTail  *regexp.Regexp
	primaryAny   *regexp.Regexp
	continuation *regexp.Regexp
	leading      *regexp.Regexp
	errLine      *regexp.Regexp
	exitMarker   *regexp.Regexp
}

// Compile builds a Signature. Primary is required.
func Compile(name string, p Patterns) (Signature, error) {
	if p.Primary == "" {
		return Signature{}, fmt.Errorf("signature %s: primary prompt pattern is required", name)
	}
	sig := Signature{name: name}
	var err error
	if sig.primaryTail, err = regexp.Compile("(?:" + p.Primary + ")$"); err != nil {
		return Signature{}, fmt.Errorf("signature %s: primary: %w", name, err)
	}
	if sig.primaryAny, err = regexp.Compile("(?m)(?:" + p.Primary + ")"); err != nil {
		return Signature{}, fmt.Errorf("signature %s: primary: %w", name, err)
	}
	compile := func(field, pattern, wrap string) (*regexp.Regexp, error) {
		if pattern == "" {
			return nil, nil
		}
		re, err := regexp.Compile(fmt.Sprintf(wrap, pattern))
		if err != nil {
			return nil, fmt.Errorf("signature %s: %s: %w", name, field, err)
		}
		return re, nil
	}
	if sig.continuation, err = compile("continuation", p.Continuation, "(?:%s)$"); err != nil {
		return Signature{}, err
	}
	if sig.leading, err = compile("leading", p.Leading, "^(?:%s)"); err != nil {
		return Signature{}, err
	}
	if sig.errLine, err = compile("error", p.Error, "%s"); err != nil {
		return Signature{}, err
	}
	if sig.exitMarker, err = compile("exit marker", p.ExitMarker, "^(?:%s)$"); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(name string, p Patterns) Signature {
	sig, err := Compile(name, p)
	if err != nil {
		panic(err)
	}
	return sig
}

const (
	// ExitMarkerName prefixes the exit status line appended to shell commands
	// when exit status tracking is on.
	ExitMarkerName = "__OTRC"

	ShellPrimary      = `\S*[#$] `
	ShellContinuation = `(?:^|\n)> `

	InterpreterPrimary      = `>>> `
	InterpreterContinuation = `\.\.\. `
)

// ShellPatterns matches a root login shell on the robot. The prompt ends in
// "# " for root and "$ " otherwise.
var ShellPatterns = Patterns{
	Primary:      ShellPrimary,
	Continuation: ShellContinuation,
	Leading:      `(?:> )+`,
	Error:        `(?:: command not found|: not found|: No such file or directory|: Permission denied|: syntax error)`,
	ExitMarker:   ExitMarkerName + `=(\d+)`,
}

// InterpreterPatterns matches the python3 REPL.
var InterpreterPatterns = Patterns{
	Primary:      InterpreterPrimary,
	Continuation: InterpreterContinuation,
	Leading:      `(?:(?:>>>|\.\.\.) )+`,
	// Only the traceback header, or the frame CPython prints before a
	// SyntaxError, marks a failure. A printed "ValueError: ..." line is output.
	Error: `^(?:Traceback \(most recent call last\):` +
		`|\s*File "<(?:stdin|string)>", line \d+.*)$`,
}

var (
	Shell       = MustCompile("shell", ShellPatterns)
	Interpreter = MustCompile("interpreter", InterpreterPatterns)
)

func (s Signature) Name() string { return s.name }

// IsZero reports whether s was never compiled.
func (s Signature) IsZero() bool { return s.primaryTail == nil }

// AtPrimary reports whether text ends with the primary prompt.
func (s Signature) AtPrimary(text string) bool {
	return s.primaryTail != nil && s.primaryTail.MatchString(text)
}

// AtContinuation reports whether text ends with the continuation prompt.
func (s Signature) AtContinuation(text string) bool {
	return s.continuation != nil && s.continuation.MatchString(text)
}

// CountPrimary counts primary prompts anywhere in text.
func (s Signature) CountPrimary(text string) int {
	if s.primaryAny == nil {
		return 0
	}
	return len(s.primaryAny.FindAllStringIndex(text, -1))
}

// TrimPrimary removes the trailing primary prompt from text. Whatever
// precedes the prompt on its line is kept.
func (s Signature) TrimPrimary(text string) string {
	if s.primaryTail == nil {
		return text
	}
	if loc := s.primaryTail.FindStringIndex(text); loc != nil {
		return text[:loc[0]]
	}
	return text
}

// StripLeading removes prompt tokens at the start of line.
func (s Signature) StripLeading(line string) string {
	if s.leading == nil {
		return line
	}
	return s.leading.ReplaceAllString(line, "")
}

// IsError reports whether line starts an error report.
func (s Signature) IsError(line string) bool {
	return s.errLine != nil && s.errLine.MatchString(line)
}

// ExitStatus parses an exit marker line.
func (s Signature) ExitStatus(line string) (int, bool) {
	if s.exitMarker == nil {
		return 0, false
	}
	m := s.exitMarker.FindStringSubmatch(strings.TrimSpace(line))
	if len(m) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}
