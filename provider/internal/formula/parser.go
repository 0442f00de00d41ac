package formula

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"
	"unicode"
)

// SyntaxError reports where a formula could not be parsed.
type SyntaxError struct {
	Pos scanner.Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Pos.Line, e.Pos.Column, e.Msg)
}

type token struct {
	kind rune
	text string
	pos  scanner.Position
}

// Multi-character operators, returned as their own token kinds.
const (
	tokEq rune = -(iota + 100)
	tokNe
	tokLe
	tokGe
	tokAnd
	tokOr
)

var operatorPairs = map[[2]rune]rune{
	{'=', '='}: tokEq,
	{'!', '='}: tokNe,
	{'<', '='}: tokLe,
	{'>', '='}: tokGe,
	{'&', '&'}: tokAnd,
	{'|', '|'}: tokOr,
}

func tokenize(src string) ([]token, error) {
	var s scanner.Scanner
	s.Init(strings.NewReader(src))
	s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanComments | scanner.SkipComments
	s.IsIdentRune = func(ch rune, i int) bool {
		return ch == '_' || unicode.IsLetter(ch) || (ch == '$' && i == 0) || (unicode.IsDigit(ch) && i > 0)
	}

	var scanErr *SyntaxError
	s.Error = func(s *scanner.Scanner, msg string) {
		if scanErr == nil {
			scanErr = &SyntaxError{Pos: s.Position, Msg: msg}
		}
	}

	var tokens []token
	for tok := s.Scan(); tok != scanner.EOF; tok = s.Scan() {
		t := token{kind: tok, text: s.TokenText(), pos: s.Position}
		if kind, ok := operatorPairs[[2]rune{tok, s.Peek()}]; ok {
			s.Next()
			t.kind = kind
			t.text = operatorText(kind)
		}
		tokens = append(tokens, t)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return append(tokens, token{kind: scanner.EOF, pos: s.Pos()}), nil
}

func operatorText(kind rune) string {
	for pair, k := range operatorPairs {
		if k == kind {
			return string(pair[:])
		}
	}
	return "?"
}

// Program is a parsed formula: a list of assignments evaluated in order.
type Program struct {
	statements []assignment
}

type assignment struct {
	name string
	expr node
	pos  scanner.Position
}

type parser struct {
	tokens []token
	pos    int
}

// Parse turns a formula into a Program.
//
// A formula is a list of `name = expression;` statements. The trailing
// semicolon is optional. Comments use the // and /* */ forms.
func Parse(src string) (*Program, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	program := &Program{}
	for p.peek().kind != scanner.EOF {
		statement, err := p.assignment()
		if err != nil {
			return nil, err
		}
		program.statements = append(program.statements, statement)

		if p.peek().kind == ';' {
			p.next()
		} else if p.peek().kind != scanner.EOF {
			return nil, p.unexpected("';'")
		}
	}

	if len(program.statements) == 0 {
		return nil, &SyntaxError{Pos: p.peek().pos, Msg: "formula has no statement"}
	}
	return program, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != scanner.EOF {
		p.pos++
	}
	return t
}

func (p *parser) unexpected(expected string) error {
	t := p.peek()
	if t.kind == scanner.EOF {
		return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected end of formula, expected %s", expected)}
	}
	return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected '%s', expected %s", t.text, expected)}
}

func (p *parser) expect(kind rune, expected string) (token, error) {
	if p.peek().kind != kind {
		return token{}, p.unexpected(expected)
	}
	return p.next(), nil
}

func (p *parser) assignment() (assignment, error) {
	name, err := p.expect(scanner.Ident, "variable name")
	if err != nil {
		return assignment{}, err
	}
	if _, err := p.expect('=', "'='"); err != nil {
		return assignment{}, err
	}
	expr, err := p.expression()
	if err != nil {
		return assignment{}, err
	}
	return assignment{name: name.text, expr: expr, pos: name.pos}, nil
}

func (p *parser) expression() (node, error) {
	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != '?' {
		return cond, nil
	}

	pos := p.next().pos
	then, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(':', "':'"); err != nil {
		return nil, err
	}
	otherwise, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &conditional{cond: cond, then: then, otherwise: otherwise, pos: pos}, nil
}

// precedence lists binary operators from the loosest to the tightest binding.
var precedence = [][]rune{
	{tokOr},
	{tokAnd},
	{tokEq, tokNe, '<', '>', tokLe, tokGe},
	{'+', '-'},
	{'*', '/'},
}

func (p *parser) binary(level int) (node, error) {
	if level == len(precedence) {
		return p.unary()
	}

	left, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for containsRune(precedence[level], p.peek().kind) {
		op := p.next()
		right, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryOp{op: op.kind, text: op.text, left: left, right: right, pos: op.pos}
	}
	return left, nil
}

func containsRune(list []rune, r rune) bool {
	for _, candidate := range list {
		if candidate == r {
			return true
		}
	}
	return false
}

func (p *parser) unary() (node, error) {
	switch p.peek().kind {
	case '-', '!', '+':
		op := p.next()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryOp{op: op.kind, operand: operand, pos: op.pos}, nil
	default:
		return p.postfix()
	}
}

func (p *parser) postfix() (node, error) {
	n, err := p.primary()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == '.' {
		p.next()
		method, err := p.expect(scanner.Ident, "method name")
		if err != nil {
			return nil, err
		}
		args, err := p.arguments()
		if err != nil {
			return nil, err
		}
		n = &methodCall{receiver: n, name: method.text, args: args, pos: method.pos}
	}
	return n, nil
}

func (p *parser) arguments() ([]node, error) {
	if _, err := p.expect('(', "'('"); err != nil {
		return nil, err
	}

	var args []node
	if p.peek().kind == ')' {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.expression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		switch p.peek().kind {
		case ',':
			p.next()
		case ')':
			p.next()
			return args, nil
		default:
			return nil, p.unexpected("',' or ')'")
		}
	}
}

func (p *parser) primary() (node, error) {
	t := p.peek()
	switch t.kind {
	case scanner.Int, scanner.Float:
		p.next()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("invalid number '%s'", t.text)}
		}
		return &literal{value: Number(n)}, nil

	case scanner.Ident:
		p.next()
		if p.peek().kind == '(' {
			args, err := p.arguments()
			if err != nil {
				return nil, err
			}
			return &call{name: t.text, args: args, pos: t.pos}, nil
		}
		return &identifier{name: t.text, pos: t.pos}, nil

	case '(':
		p.next()
		n, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(')', "')'"); err != nil {
			return nil, err
		}
		return n, nil

	default:
		return nil, p.unexpected("an expression")
	}
}
