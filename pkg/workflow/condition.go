package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

// The condition language is deliberately small: equality, inequality,
// && and ||, parentheses, string and number literals, and identifiers of
// the form steps.<id>.result, steps.<id>.duration_ms, steps.<id>.assignee
// and trigger.<key>.

// EvalContext is the data a condition can see.
type EvalContext struct {
	Steps   map[string]StepFacts
	Trigger map[string]string
}

// StepFacts is what a completed step exposes to downstream conditions.
type StepFacts struct {
	Result     string
	DurationMs int64
	Assignee   string
}

// compiled expressions are cached; definitions re-evaluate the same
// conditions on every scheduling pass.
var conditionCache, _ = lru.New[string, expr](256)

// compileCondition parses src, consulting the cache.
func compileCondition(src string) (expr, error) {
	if e, ok := conditionCache.Get(src); ok {
		return e, nil
	}
	p := &condParser{toks: lexCondition(src)}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected trailing input at %q", p.peek().text)
	}
	conditionCache.Add(src, e)
	return e, nil
}

// EvalCondition compiles (or reuses) and evaluates src against ctx.
func EvalCondition(src string, ctx EvalContext) (bool, error) {
	e, err := compileCondition(src)
	if err != nil {
		return false, err
	}
	v, err := e.eval(ctx)
	if err != nil {
		return false, err
	}
	return v.truthy(), nil
}

// ---- values ----

type value struct {
	isNum bool
	num   float64
	str   string
}

func numVal(n float64) value  { return value{isNum: true, num: n} }
func strVal(s string) value   { return value{str: s} }
func boolVal(b bool) value    { return strVal(strconv.FormatBool(b)) }
func (v value) truthy() bool {
	if v.isNum {
		return v.num != 0
	}
	return v.str != "" && v.str != "false"
}

func (v value) equals(o value) bool {
	if v.isNum && o.isNum {
		return v.num == o.num
	}
	return v.render() == o.render()
}

func (v value) render() string {
	if v.isNum {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return v.str
}

// ---- AST ----

type expr interface {
	eval(EvalContext) (value, error)
}

type literal struct{ v value }

func (l literal) eval(EvalContext) (value, error) { return l.v, nil }

type identifier struct{ path string }

func (id identifier) eval(ctx EvalContext) (value, error) {
	parts := strings.Split(id.path, ".")
	switch {
	case parts[0] == "trigger" && len(parts) >= 2:
		key := strings.Join(parts[1:], ".")
		return strVal(ctx.Trigger[key]), nil
	case parts[0] == "steps" && len(parts) == 3:
		facts, ok := ctx.Steps[parts[1]]
		if !ok {
			return strVal(""), nil
		}
		switch parts[2] {
		case "result":
			return strVal(facts.Result), nil
		case "duration_ms":
			return numVal(float64(facts.DurationMs)), nil
		case "assignee":
			return strVal(facts.Assignee), nil
		}
		return value{}, fmt.Errorf("unknown step attribute %q", parts[2])
	}
	return value{}, fmt.Errorf("unknown identifier %q", id.path)
}

type binary struct {
	op          string
	left, right expr
}

func (b binary) eval(ctx EvalContext) (value, error) {
	l, err := b.left.eval(ctx)
	if err != nil {
		return value{}, err
	}
	switch b.op {
	case "&&":
		if !l.truthy() {
			return boolVal(false), nil
		}
		r, err := b.right.eval(ctx)
		if err != nil {
			return value{}, err
		}
		return boolVal(r.truthy()), nil
	case "||":
		if l.truthy() {
			return boolVal(true), nil
		}
		r, err := b.right.eval(ctx)
		if err != nil {
			return value{}, err
		}
		return boolVal(r.truthy()), nil
	}
	r, err := b.right.eval(ctx)
	if err != nil {
		return value{}, err
	}
	switch b.op {
	case "==":
		return boolVal(l.equals(r)), nil
	case "!=":
		return boolVal(!l.equals(r)), nil
	}
	return value{}, fmt.Errorf("unknown operator %q", b.op)
}

// ---- lexer ----

type token struct {
	kind string // ident, str, num, op, lparen, rparen, eof, err
	text string
}

func lexCondition(src string) []token {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{kind: "lparen", text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: "rparen", text: ")"})
			i++
		case strings.HasPrefix(src[i:], "=="), strings.HasPrefix(src[i:], "!="),
			strings.HasPrefix(src[i:], "&&"), strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{kind: "op", text: src[i : i+2]})
			i += 2
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				toks = append(toks, token{kind: "err", text: "unterminated string"})
				return toks
			}
			toks = append(toks, token{kind: "str", text: src[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: "num", text: src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) ||
				src[j] == '_' || src[j] == '.' || src[j] == '-') {
				j++
			}
			toks = append(toks, token{kind: "ident", text: src[i:j]})
			i = j
		default:
			toks = append(toks, token{kind: "err", text: fmt.Sprintf("unexpected character %q", c)})
			return toks
		}
	}
	return append(toks, token{kind: "eof"})
}

// ---- parser ----

type condParser struct {
	toks []token
	pos  int
}

func (p *condParser) peek() token { return p.toks[p.pos] }
func (p *condParser) next() token { t := p.toks[p.pos]; p.pos++; return t }
func (p *condParser) eof() bool   { return p.peek().kind == "eof" }

func (p *condParser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == "op" && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binary{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (expr, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == "op" && p.peek().text == "&&" {
		p.next()
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = binary{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseCmp() (expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == "op" && (p.peek().text == "==" || p.peek().text == "!=") {
		op := p.next().text
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return binary{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *condParser) parsePrimary() (expr, error) {
	switch t := p.next(); t.kind {
	case "lparen":
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != "rparen" {
			return nil, errors.New("missing closing parenthesis")
		}
		return e, nil
	case "str":
		return literal{v: strVal(t.text)}, nil
	case "num":
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return literal{v: numVal(n)}, nil
	case "ident":
		return identifier{path: t.text}, nil
	case "err":
		return nil, errors.New(t.text)
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}
