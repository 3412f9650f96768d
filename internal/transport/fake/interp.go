package fake

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// interp evaluates the small subset of Python the tests drive through the
// fake REPL: assignments, arithmetic, comparisons, strings, print, imports,
// raise and simple def/class blocks.
type interp struct {
	vars map[string]value
	out  *strings.Builder
}

type kind int

const (
	kNone kind = iota
	kInt
	kFloat
	kStr
	kBool
	kFunc
	kModule
	kObject
)

type value struct {
	kind kind
	i    int64
	f    float64
	s    string
	b    bool
	fn   *function
}

type function struct {
	name   string
	params []string
	body   []string
	class  bool
}

type pyErr struct{ typ, msg string }

func (e *pyErr) Error() string { return e.typ + ": " + e.msg }

type syntaxErr struct{ msg string }

func (e *syntaxErr) Error() string { return "SyntaxError: " + e.msg }

var none = value{kind: kNone}

func newInterp() *interp {
	return &interp{vars: map[string]value{}, out: &strings.Builder{}}
}

// exec runs one top-level statement and returns what the REPL prints.
func (in *interp) exec(stmt string) (string, error) {
	in.out.Reset()
	v, err := in.run(stmt)
	printed := strings.TrimSuffix(in.out.String(), "\n")
	if err != nil {
		return printed, err
	}
	if v.kind != kNone {
		if printed != "" {
			printed += "\n"
		}
		printed += repr(v)
	}
	return printed, nil
}

// run executes a statement. Bare expressions return their value.
func (in *interp) run(stmt string) (value, error) {
	stmt = strings.TrimSpace(stmt)
	switch {
	case stmt == "pass":
		return none, nil
	case strings.HasPrefix(stmt, "import ") || strings.HasPrefix(stmt, "from "):
		return none, in.importStmt(stmt)
	case strings.HasPrefix(stmt, "raise "):
		return none, in.raise(strings.TrimPrefix(stmt, "raise "))
	}
	if name, expr, ok := splitAssign(stmt); ok {
		v, err := in.eval(expr)
		if err != nil {
			return none, err
		}
		in.vars[name] = v
		return none, nil
	}
	return in.eval(stmt)
}

func (in *interp) importStmt(stmt string) error {
	fields := strings.Fields(stmt)
	if len(fields) < 2 {
		return &syntaxErr{msg: "invalid syntax"}
	}
	module := fields[1]
	if strings.HasPrefix(module, "missing") {
		return &pyErr{typ: "ModuleNotFoundError", msg: fmt.Sprintf("No module named '%s'", module)}
	}
	if fields[0] == "from" {
		if len(fields) < 4 || fields[2] != "import" {
			return &syntaxErr{msg: "invalid syntax"}
		}
		for _, name := range strings.Split(strings.Join(fields[3:], ""), ",") {
			in.vars[name] = value{kind: kModule, s: module + "." + name}
		}
		return nil
	}
	name := module
	if len(fields) == 4 && fields[2] == "as" {
		name = fields[3]
	}
	in.vars[strings.Split(name, ".")[0]] = value{kind: kModule, s: module}
	return nil
}

func (in *interp) raise(expr string) error {
	typ, rest, ok := strings.Cut(expr, "(")
	if !ok {
		return &pyErr{typ: strings.TrimSpace(expr)}
	}
	msg := strings.TrimSuffix(strings.TrimSpace(rest), ")")
	if v, err := in.eval(msg); err == nil && v.kind == kStr {
		msg = v.s
	}
	return &pyErr{typ: strings.TrimSpace(typ), msg: msg}
}

// define binds the def or class introduced by a closed block. Other compound
// statements are accepted and produce no output.
func (in *interp) define(block []string) error {
	i := 0
	for i < len(block) && strings.HasPrefix(strings.TrimSpace(block[i]), "@") {
		i++
	}
	if i >= len(block) {
		return &syntaxErr{msg: "invalid syntax"}
	}
	header := strings.TrimSpace(block[i])
	body := bodyLines(block[i+1:])
	switch {
	case strings.HasPrefix(header, "def "):
		sig := strings.TrimSuffix(strings.TrimPrefix(header, "def "), ":")
		name, params, ok := strings.Cut(sig, "(")
		if !ok {
			return &syntaxErr{msg: "invalid syntax"}
		}
		params, _, _ = strings.Cut(params, ")")
		fn := &function{name: strings.TrimSpace(name), body: body}
		for _, p := range strings.Split(params, ",") {
			p, _, _ = strings.Cut(p, "=")
			p, _, _ = strings.Cut(p, ":")
			if p = strings.TrimSpace(p); p != "" {
				fn.params = append(fn.params, p)
			}
		}
		in.vars[fn.name] = value{kind: kFunc, fn: fn}
	case strings.HasPrefix(header, "class "):
		name := strings.TrimSuffix(strings.TrimPrefix(header, "class "), ":")
		name, _, _ = strings.Cut(name, "(")
		fn := &function{name: strings.TrimSpace(name), class: true}
		in.vars[fn.name] = value{kind: kFunc, fn: fn}
	}
	return nil
}

// bodyLines keeps the statements at the first indentation level of a block.
func bodyLines(lines []string) []string {
	indent := -1
	var out []string
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent < 0 {
			indent = n
		}
		if n != indent || strings.HasSuffix(t, ":") || strings.HasPrefix(t, "#") {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (in *interp) call(fn *function, args []value) (value, error) {
	if fn.class {
		return value{kind: kObject, s: fn.name}, nil
	}
	if len(args) != len(fn.params) {
		return none, &pyErr{typ: "TypeError", msg: fmt.Sprintf("%s() takes %d positional arguments but %d were given", fn.name, len(fn.params), len(args))}
	}
	local := &interp{vars: maps.Clone(in.vars), out: in.out}
	for i, p := range fn.params {
		local.vars[p] = args[i]
	}
	for _, line := range fn.body {
		if line == "return" {
			return none, nil
		}
		if strings.HasPrefix(line, "return ") {
			return local.eval(strings.TrimPrefix(line, "return "))
		}
		if _, err := local.run(line); err != nil {
			return none, err
		}
	}
	return none, nil
}

func splitAssign(stmt string) (string, string, bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == '=' && depth == 0:
			if i+1 < len(stmt) && stmt[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && strings.ContainsRune("=!<>", rune(stmt[i-1])) {
				continue
			}
			name := strings.TrimSpace(stmt[:i])
			if !isIdent(name) {
				return "", "", false
			}
			return name, strings.TrimSpace(stmt[i+1:]), true
		}
	}
	return "", "", false
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

func repr(v value) string {
	switch v.kind {
	case kStr:
		return "'" + v.s + "'"
	case kFunc:
		if v.fn.class {
			return fmt.Sprintf("<class '__main__.%s'>", v.fn.name)
		}
		return fmt.Sprintf("<function %s at 0x7f3a2c1b4040>", v.fn.name)
	case kModule:
		return fmt.Sprintf("<module '%s'>", v.s)
	case kObject:
		return fmt.Sprintf("<__main__.%s object at 0x7f3a2c1b4070>", v.s)
	}
	return str(v)
}

func str(v value) string {
	switch v.kind {
	case kNone:
		return "None"
	case kInt:
		return strconv.FormatInt(v.i, 10)
	case kFloat:
		s := strconv.FormatFloat(v.f, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return s
	case kStr:
		return v.s
	case kBool:
		if v.b {
			return "True"
		}
		return "False"
	}
	return repr(v)
}

func typeName(v value) string {
	switch v.kind {
	case kNone:
		return "NoneType"
	case kInt:
		return "int"
	case kFloat:
		return "float"
	case kStr:
		return "str"
	case kBool:
		return "bool"
	case kFunc:
		return "function"
	case kModule:
		return "module"
	}
	return "object"
}
