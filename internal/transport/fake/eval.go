package fake

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type token struct {
	kind byte // 'n' number, 's' string, 'i' identifier, 'o' operator
	text string
}

func tokenize(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || (c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.' || src[j] == '_') {
				j++
			}
			toks = append(toks, token{'n', strings.ReplaceAll(src[i:j], "_", "")})
			i = j
		case c == '"' || c == '\'':
			j := strings.IndexByte(src[i+1:], c)
			if j < 0 {
				return nil, &syntaxErr{msg: "unterminated string literal (detected at line 1)"}
			}
			toks = append(toks, token{'s', src[i+1 : i+1+j]})
			i += j + 2
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			j := i
			for j < len(src) && (src[j] == '_' || src[j] == '.' || (src[j] >= 'a' && src[j] <= 'z') || (src[j] >= 'A' && src[j] <= 'Z') || (src[j] >= '0' && src[j] <= '9')) {
				j++
			}
			toks = append(toks, token{'i', src[i:j]})
			i = j
		default:
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case "==", "!=", "<=", ">=", "//", "**":
					toks = append(toks, token{'o', two})
					i += 2
					continue
				}
			}
			if !strings.ContainsRune("+-*/%<>(),", rune(c)) {
				return nil, &syntaxErr{msg: "invalid syntax"}
			}
			toks = append(toks, token{'o', string(c)})
			i++
		}
	}
	return toks, nil
}

type parser struct {
	in   *interp
	toks []token
	pos  int
}

func (in *interp) eval(src string) (value, error) {
	toks, err := tokenize(src)
	if err != nil {
		return none, err
	}
	if len(toks) == 0 {
		return none, nil
	}
	p := &parser{in: in, toks: toks}
	v, err := p.comparison()
	if err != nil {
		return none, err
	}
	if p.pos != len(p.toks) {
		return none, &syntaxErr{msg: "invalid syntax"}
	}
	return v, nil
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) accept(ops ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != 'o' {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) comparison() (value, error) {
	left, err := p.additive()
	if err != nil {
		return none, err
	}
	op, ok := p.accept("==", "!=", "<", ">", "<=", ">=")
	if !ok {
		return left, nil
	}
	right, err := p.additive()
	if err != nil {
		return none, err
	}
	return compare(op, left, right)
}

func (p *parser) additive() (value, error) {
	left, err := p.term()
	if err != nil {
		return none, err
	}
	for {
		op, ok := p.accept("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.term()
		if err != nil {
			return none, err
		}
		if left, err = arith(op, left, right); err != nil {
			return none, err
		}
	}
}

func (p *parser) term() (value, error) {
	left, err := p.unary()
	if err != nil {
		return none, err
	}
	for {
		op, ok := p.accept("*", "/", "//", "%", "**")
		if !ok {
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return none, err
		}
		if left, err = arith(op, left, right); err != nil {
			return none, err
		}
	}
}

func (p *parser) unary() (value, error) {
	if _, ok := p.accept("-"); ok {
		v, err := p.unary()
		if err != nil {
			return none, err
		}
		return arith("-", value{kind: kInt}, v)
	}
	return p.primary()
}

func (p *parser) primary() (value, error) {
	t, ok := p.peek()
	if !ok {
		return none, &syntaxErr{msg: "invalid syntax"}
	}
	p.pos++
	switch t.kind {
	case 'n':
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return none, &syntaxErr{msg: "invalid decimal literal"}
			}
			return value{kind: kFloat, f: f}, nil
		}
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return none, &syntaxErr{msg: "invalid decimal literal"}
		}
		return value{kind: kInt, i: i}, nil
	case 's':
		return value{kind: kStr, s: t.text}, nil
	case 'i':
		if _, ok := p.accept("("); ok {
			args, err := p.args()
			if err != nil {
				return none, err
			}
			return p.in.callName(t.text, args)
		}
		return p.in.lookup(t.text)
	}
	if t.text == "(" {
		v, err := p.comparison()
		if err != nil {
			return none, err
		}
		if _, ok := p.accept(")"); !ok {
			return none, &syntaxErr{msg: "'(' was never closed"}
		}
		return v, nil
	}
	return none, &syntaxErr{msg: "invalid syntax"}
}

func (p *parser) args() ([]value, error) {
	var args []value
	if _, ok := p.accept(")"); ok {
		return args, nil
	}
	for {
		v, err := p.comparison()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		if _, ok := p.accept(")"); ok {
			return args, nil
		}
		if _, ok := p.accept(","); !ok {
			return nil, &syntaxErr{msg: "'(' was never closed"}
		}
	}
}

func (in *interp) lookup(name string) (value, error) {
	switch name {
	case "True":
		return value{kind: kBool, b: true}, nil
	case "False":
		return value{kind: kBool}, nil
	case "None":
		return none, nil
	}
	root, _, dotted := strings.Cut(name, ".")
	v, ok := in.vars[root]
	if !ok {
		return none, &pyErr{typ: "NameError", msg: fmt.Sprintf("name '%s' is not defined", root)}
	}
	if dotted {
		// Attributes of imported modules and objects stand in for the
		// robot API and evaluate to None.
		return none, nil
	}
	return v, nil
}

func (in *interp) callName(name string, args []value) (value, error) {
	switch name {
	case "print":
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = str(a)
		}
		in.out.WriteString(strings.Join(parts, " ") + "\n")
		return none, nil
	case "str":
		if len(args) == 1 {
			return value{kind: kStr, s: str(args[0])}, nil
		}
	case "len":
		if len(args) == 1 && args[0].kind == kStr {
			return value{kind: kInt, i: int64(len(args[0].s))}, nil
		}
		if len(args) == 1 {
			return none, &pyErr{typ: "TypeError", msg: fmt.Sprintf("object of type '%s' has no len()", typeName(args[0]))}
		}
	case "int":
		if len(args) == 1 {
			if f, ok := number(args[0]); ok {
				return value{kind: kInt, i: int64(f)}, nil
			}
		}
	case "float":
		if len(args) == 1 {
			if f, ok := number(args[0]); ok {
				return value{kind: kFloat, f: f}, nil
			}
		}
	case "abs":
		if len(args) == 1 {
			return arith("*", args[0], value{kind: kInt, i: sign(args[0])})
		}
	}
	if _, known := builtins[name]; known {
		return none, &pyErr{typ: "TypeError", msg: fmt.Sprintf("%s() takes exactly one argument (%d given)", name, len(args))}
	}
	fn, err := in.lookup(name)
	if err != nil {
		return none, err
	}
	if strings.Contains(name, ".") {
		return none, nil
	}
	if fn.kind != kFunc {
		return none, &pyErr{typ: "TypeError", msg: fmt.Sprintf("'%s' object is not callable", typeName(fn))}
	}
	return in.call(fn.fn, args)
}

var builtins = map[string]struct{}{"str": {}, "len": {}, "int": {}, "float": {}, "abs": {}}

func sign(v value) int64 {
	if f, ok := number(v); ok && f < 0 {
		return -1
	}
	return 1
}

func number(v value) (float64, bool) {
	switch v.kind {
	case kInt:
		return float64(v.i), true
	case kFloat:
		return v.f, true
	case kBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func arith(op string, a, b value) (value, error) {
	if a.kind == kStr && b.kind == kStr && op == "+" {
		return value{kind: kStr, s: a.s + b.s}, nil
	}
	if a.kind == kStr && b.kind == kInt && op == "*" {
		return value{kind: kStr, s: strings.Repeat(a.s, int(max(b.i, 0)))}, nil
	}
	x, okA := number(a)
	y, okB := number(b)
	if !okA || !okB {
		return none, &pyErr{typ: "TypeError", msg: fmt.Sprintf("unsupported operand type(s) for %s: '%s' and '%s'", op, typeName(a), typeName(b))}
	}
	ints := a.kind != kFloat && b.kind != kFloat
	if (op == "/" || op == "//" || op == "%") && y == 0 {
		msg := "division by zero"
		if op == "%" {
			msg = "integer modulo by zero"
			if !ints {
				msg = "float modulo"
			}
		}
		return none, &pyErr{typ: "ZeroDivisionError", msg: msg}
	}
	var r float64
	switch op {
	case "+":
		r = x + y
	case "-":
		r = x - y
	case "*":
		r = x * y
	case "/":
		return value{kind: kFloat, f: x / y}, nil
	case "//":
		r = math.Floor(x / y)
	case "%":
		r = x - y*math.Floor(x/y)
	case "**":
		r = math.Pow(x, y)
	}
	if ints {
		return value{kind: kInt, i: int64(r)}, nil
	}
	return value{kind: kFloat, f: r}, nil
}

func compare(op string, a, b value) (value, error) {
	var res bool
	if a.kind == kStr && b.kind == kStr {
		switch op {
		case "==":
			res = a.s == b.s
		case "!=":
			res = a.s != b.s
		case "<":
			res = a.s < b.s
		case ">":
			res = a.s > b.s
		case "<=":
			res = a.s <= b.s
		case ">=":
			res = a.s >= b.s
		}
		return value{kind: kBool, b: res}, nil
	}
	x, okA := number(a)
	y, okB := number(b)
	if !okA || !okB {
		switch op {
		case "==":
			return value{kind: kBool, b: a.kind == b.kind && a.kind == kNone}, nil
		case "!=":
			return value{kind: kBool, b: !(a.kind == b.kind && a.kind == kNone)}, nil
		}
		return none, &pyErr{typ: "TypeError", msg: fmt.Sprintf("'%s' not supported between instances of '%s' and '%s'", op, typeName(a), typeName(b))}
	}
	switch op {
	case "==":
		res = x == y
	case "!=":
		res = x != y
	case "<":
		res = x < y
	case ">":
		res = x > y
	case "<=":
		res = x <= y
	case ">=":
		res = x >= y
	}
	return value{kind: kBool, b: res}, nil
}
