package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

const DefaultBlockLabel = "Code block"

// ErrInvalidBlock is returned for code that cannot be framed as one
// submission, such as an unclosed bracket.
var ErrInvalidBlock = errors.New("invalid code block")

// Block is interpreter code laid out the way the REPL needs it: no blank or
// comment lines inside indented suites, exactly one blank line after each
// compound statement, and a trailing blank line.
type Block struct {
	Text string
	// Statements is the number of top-level statements.
	Statements int
	// Expect is the number of primary prompts the REPL prints for Text.
	Expect int
}

type group struct {
	lines    []string
	compound bool
}

// PrepareBlock lays out code for a single write to the interpreter.
func PrepareBlock(code string) (Block, error) {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	code = strings.ReplaceAll(code, "\r", "\n")
	lines := dedent(strings.Split(code, "\n"))

	var (
		groups []*group
		cur    *group
		st     scanState
	)
	for n, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		if st.open() {
			cur.lines = append(cur.lines, line)
			st.scan(line)
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indented := line[0] == ' ' || line[0] == '\t'
		switch {
		case indented && cur == nil:
			return Block{}, fmt.Errorf("%w: unexpected indentation on line %d", ErrInvalidBlock, n+1)
		case indented:
			cur.lines = append(cur.lines, line)
		case cur != nil && cur.compound && (isClause(trimmed) || cur.decorated()):
			cur.lines = append(cur.lines, line)
		default:
			cur = &group{lines: []string{line}, compound: isCompound(trimmed)}
			groups = append(groups, cur)
		}
		st.scan(line)
	}
	if st.open() {
		return Block{}, fmt.Errorf("%w: unclosed bracket or string", ErrInvalidBlock)
	}
	if len(groups) == 0 {
		return Block{}, fmt.Errorf("%w: no statements", ErrInvalidBlock)
	}

	var out []string
	for i, g := range groups {
		out = append(out, g.lines...)
		if g.compound && i < len(groups)-1 {
			out = append(out, "")
		}
	}
	blk := Block{
		Text:       strings.Join(out, "\n") + "\n",
		Statements: len(groups),
		Expect:     len(groups),
	}
	// The trailing blank line closes a final compound statement; after a
	// simple statement it is an empty line that earns its own prompt.
	if !groups[len(groups)-1].compound {
		blk.Expect++
	}
	return blk, nil
}

func (g *group) decorated() bool {
	return strings.HasPrefix(strings.TrimSpace(g.lines[len(g.lines)-1]), "@")
}

var compoundKeywords = []string{"if", "for", "while", "def", "class", "with", "try", "async", "elif", "else", "except", "finally"}

func isCompound(stmt string) bool {
	if strings.HasPrefix(stmt, "@") {
		return true
	}
	if strings.HasSuffix(stripComment(stmt), ":") {
		return true
	}
	for _, kw := range compoundKeywords {
		if hasKeyword(stmt, kw) {
			return true
		}
	}
	return false
}

func isClause(stmt string) bool {
	for _, kw := range []string{"elif", "else", "except", "finally"} {
		if hasKeyword(stmt, kw) {
			return true
		}
	}
	return false
}

func hasKeyword(stmt, kw string) bool {
	if !strings.HasPrefix(stmt, kw) {
		return false
	}
	if len(stmt) == len(kw) {
		return true
	}
	switch stmt[len(kw)] {
	case ' ', ':', '(', '\t':
		return true
	}
	return false
}

func stripComment(stmt string) string {
	var st scanState
	if i := st.commentAt(stmt); i >= 0 {
		stmt = stmt[:i]
	}
	return strings.TrimSpace(stmt)
}

// scanState tracks open brackets and triple-quoted strings across lines.
type scanState struct {
	depth  int
	triple string
}

func (st *scanState) open() bool { return st.depth > 0 || st.triple != "" }

func (st *scanState) scan(line string) { st.commentAt(line) }

// commentAt advances the state over line and returns the offset of a
// trailing comment, or -1.
func (st *scanState) commentAt(line string) int {
	for i := 0; i < len(line); i++ {
		if st.triple != "" {
			if strings.HasPrefix(line[i:], st.triple) {
				i += len(st.triple) - 1
				st.triple = ""
			}
			continue
		}
		switch c := line[i]; c {
		case '#':
			return i
		case '"', '\'':
			if q := line[i:min(i+3, len(line))]; q == `"""` || q == `'''` {
				st.triple = q
				i += 2
				continue
			}
			j := i + 1
			for j < len(line) && line[j] != c {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			i = j
		case '(', '[', '{':
			st.depth++
		case ')', ']', '}':
			if st.depth > 0 {
				st.depth--
			}
		}
	}
	return -1
}

func dedent(lines []string) []string {
	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix, first = indent, false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	if prefix == "" {
		return lines
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = strings.TrimPrefix(line, prefix)
	}
	return out
}

// BlockOptions configures SendCodeBlock.
type BlockOptions struct {
	Label   string
	Timeout time.Duration
}

// SendCodeBlock switches to the interpreter and submits code as one write.
// Definition errors come back as a failed Result whose Error holds the
// interpreter's full transcript.
func SendCodeBlock(ctx context.Context, run Runner, code string, opts BlockOptions) (session.Result, error) {
	if opts.Label == "" {
		opts.Label = DefaultBlockLabel
	}
	res := session.Result{Label: opts.Label, Command: code}
	blk, err := PrepareBlock(code)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	if err := run.EnsureMode(ctx, session.Interpreter); err != nil {
		res.Error = err.Error()
		res.Failure = session.FailureOf(err)
		return res, err
	}
	return run.ExecuteOne(ctx, blockRequest(opts.Label, blk, opts.Timeout))
}

func blockRequest(label string, blk Block, timeout time.Duration) session.Request {
	return session.Request{
		Label:   label,
		Text:    blk.Text,
		Timeout: timeout,
		Block:   true,
		Expect:  blk.Expect,
	}
}
