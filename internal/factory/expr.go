package factory

import (
	"fmt"
	"strconv"
	"strings"
)

// The expression language used in stage conditions and {{ }} templates.
//
// Supported forms: literal numbers, quoted strings ('..' or ".."), true,
// false, null, dotted-path variable access (stages.foo.bar), comparisons
// (== != < <= > >=), boolean combinators (&& || !), and parenthesised
// nesting. Precedence: comparisons bind tightest, then !, then &&, then ||,
// so !a == b negates the whole comparison. Evaluation is purely functional;
// the grammar deliberately excludes function calls, indexing, and arithmetic.

// EvaluateExpression parses and evaluates expr against the given scope.
// Values are nil, bool, float64, or string. Unknown variable references
// evaluate to nil. A syntax error or an ill-typed comparison returns an error.
func EvaluateExpression(expr string, scope map[string]any) (any, error) {
	p := &exprParser{input: expr, scope: scope}
	p.tokenize()
	if p.err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, p.err)
	}
	v, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("expression %q: unexpected token %q", expr, p.tokens[p.pos].text)
	}
	return v, nil
}

// EvaluateCondition evaluates expr and coerces the result to a boolean using
// truthiness: nil, false, 0, and "" are false; everything else is true.
// An empty expression is true (no condition). Evaluation errors propagate so
// callers can log them before treating the condition as false.
func EvaluateCondition(expr string, scope map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	// Conditions are commonly written in full template form; unwrap a single
	// {{ ... }} wrapper so both spellings work.
	if strings.HasPrefix(expr, "{{") && strings.HasSuffix(expr, "}}") && strings.Count(expr, "{{") == 1 {
		expr = strings.TrimSpace(expr[2 : len(expr)-2])
	}
	v, err := EvaluateExpression(expr, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// truthy implements the boolean coercion used by conditions.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// lookupPath resolves a dotted path against the scope, descending through
// nested maps. Missing segments yield nil.
func lookupPath(scope map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = scope
	for _, part := range parts {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[part]
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil
			}
			cur = v
		default:
			return nil
		}
	}
	return normalizeValue(cur)
}

// normalizeValue collapses numeric types to float64 so comparisons behave
// uniformly regardless of how the value entered the scope (YAML ints, JSON
// floats, Go ints).
func normalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

type exprParser struct {
	input  string
	scope  map[string]any
	tokens []token
	pos    int
	err    error
}

// tokenize splits the input into identifiers, literals, and operators.
func (p *exprParser) tokenize() {
	s := p.input
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')':
			p.tokens = append(p.tokens, token{tokOp, string(c)})
			i++
		case c == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				p.tokens = append(p.tokens, token{tokOp, "!="})
				i += 2
			} else {
				p.tokens = append(p.tokens, token{tokOp, "!"})
				i++
			}
		case c == '=' || c == '<' || c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				p.tokens = append(p.tokens, token{tokOp, s[i : i+2]})
				i += 2
			} else if c == '=' {
				p.err = fmt.Errorf("unexpected %q (did you mean ==?)", "=")
				return
			} else {
				p.tokens = append(p.tokens, token{tokOp, string(c)})
				i++
			}
		case c == '&' || c == '|':
			if i+1 < len(s) && s[i+1] == c {
				p.tokens = append(p.tokens, token{tokOp, s[i : i+2]})
				i += 2
			} else {
				p.err = fmt.Errorf("unexpected %q", string(c))
				return
			}
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				p.err = fmt.Errorf("unterminated string literal")
				return
			}
			p.tokens = append(p.tokens, token{tokString, s[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			p.tokens = append(p.tokens, token{tokNumber, s[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			p.tokens = append(p.tokens, token{tokIdent, s[i:j]})
			i = j
		default:
			p.err = fmt.Errorf("unexpected character %q", string(c))
			return
		}
	}
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.' || c == '-'
}

func (p *exprParser) peek() (token, bool) {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos], true
	}
	return token{}, false
}

func (p *exprParser) acceptOp(ops ...string) (string, bool) {
	tok, ok := p.peek()
	if !ok || tok.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
}

func (p *exprParser) parseUnary() (any, error) {
	if _, ok := p.acceptOp("!"); ok {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<", "<=", ">", ">=")
	if !ok {
		return left, nil
	}
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right)
}

func (p *exprParser) parsePrimary() (any, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch tok.kind {
	case tokOp:
		if tok.text == "(" {
			p.pos++
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, fmt.Errorf("missing closing parenthesis")
			}
			return v, nil
		}
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	case tokNumber:
		p.pos++
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.text)
		}
		return n, nil
	case tokString:
		p.pos++
		return tok.text, nil
	case tokIdent:
		p.pos++
		switch tok.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		return lookupPath(p.scope, tok.text), nil
	}
	return nil, fmt.Errorf("unexpected token %q", tok.text)
}

// compare applies a comparison operator to two evaluated values. Equality is
// defined across all value kinds; ordering requires two numbers or two
// strings and is otherwise an error.
func compare(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if lsok && rsok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	return nil, fmt.Errorf("cannot order %T and %T with %s", left, right, op)
}

// looseEqual compares values after normalizing numbers, so "5" == 5 is false
// but 5 == 5.0 is true and nil only equals nil.
func looseEqual(left, right any) bool {
	left = normalizeValue(left)
	right = normalizeValue(right)
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return left == right
}
