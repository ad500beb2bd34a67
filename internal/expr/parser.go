package expr

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// node is a parsed expression tree element.
type node interface {
	position() int
}

type (
	numberLit struct {
		pos int
		val decimal.Decimal
	}
	stringLit struct {
		pos int
		val string
	}
	boolLit struct {
		pos int
		val bool
	}
	nullLit struct {
		pos int
	}
	identNode struct {
		pos  int
		name string
	}
	unaryNode struct {
		pos int
		op  string
		x   node
	}
	binaryNode struct {
		pos  int
		op   string
		l, r node
	}
	ternaryNode struct {
		pos             int
		cond, then, els node
	}
	memberNode struct {
		pos  int
		x    node
		name string
	}
	callNode struct {
		pos  int
		fn   node
		args []node
	}
	indexNode struct {
		pos      int
		x, index node
	}
)

func (n *numberLit) position() int   { return n.pos }
func (n *stringLit) position() int   { return n.pos }
func (n *boolLit) position() int     { return n.pos }
func (n *nullLit) position() int     { return n.pos }
func (n *identNode) position() int   { return n.pos }
func (n *unaryNode) position() int   { return n.pos }
func (n *binaryNode) position() int  { return n.pos }
func (n *ternaryNode) position() int { return n.pos }
func (n *memberNode) position() int  { return n.pos }
func (n *callNode) position() int    { return n.pos }
func (n *indexNode) position() int   { return n.pos }

// binaryLevels lists binary operators from loosest to tightest binding.
var binaryLevels = [][]string{
	{"||"},
	{"&&"},
	{"==", "!="},
	{"<", "<=", ">", ">="},
	{"+", "-"},
	{"*", "/", "%"},
}

type parser struct {
	src  string
	toks []token
	i    int
}

// parse turns src into an expression tree.
func parse(src string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &CompileError{Expr: src, Reason: "empty expression"}
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	n, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, p.errorf(tok.pos, "unexpected %s", tok)
	}
	return n, nil
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &CompileError{Expr: p.src, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) advance() token {
	tok := p.toks[p.i]
	if tok.kind != tkEOF {
		p.i++
	}
	return tok
}

func (p *parser) acceptPunct(text string) bool {
	if tok := p.peek(); tok.kind == tkPunct && tok.text == text {
		p.i++
		return true
	}
	return false
}

func (p *parser) expectPunct(text string) error {
	if p.acceptPunct(text) {
		return nil
	}
	tok := p.peek()
	return p.errorf(tok.pos, "expected %q, found %s", text, tok)
}

func (p *parser) parseTernary() (node, error) {
	cond, err := p.parseBinary(0)
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if !p.acceptPunct("?") {
		return cond, nil
	}
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{pos: tok.pos, cond: cond, then: then, els: els}, nil
}

func (p *parser) parseBinary(level int) (node, error) {
	if level == len(binaryLevels) {
		return p.parseUnary()
	}
	left, err := p.parseBinary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tkPunct || !slices.Contains(binaryLevels[level], tok.text) {
			return left, nil
		}
		p.advance()
		right, err := p.parseBinary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: tok.pos, op: tok.text, l: left, r: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	if tok.kind == tkPunct && (tok.text == "!" || tok.text == "-") {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{pos: tok.pos, op: tok.text, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch {
		case p.acceptPunct("."):
			name := p.advance()
			if name.kind != tkIdent {
				return nil, p.errorf(name.pos, "expected member name after '.', found %s", name)
			}
			x = &memberNode{pos: name.pos, x: x, name: name.text}
		case p.acceptPunct("("):
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			x = &callNode{pos: tok.pos, fn: x, args: args}
		case p.acceptPunct("["):
			idx, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			x = &indexNode{pos: tok.pos, x: x, index: idx}
		default:
			return x, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	var args []node
	if p.acceptPunct(")") {
		return args, nil
	}
	for {
		arg, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.acceptPunct(")") {
			return args, nil
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tkNumber:
		d, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, p.errorf(tok.pos, "invalid number %q", tok.text)
		}
		return &numberLit{pos: tok.pos, val: d}, nil
	case tkString:
		return &stringLit{pos: tok.pos, val: tok.text}, nil
	case tkIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return &boolLit{pos: tok.pos, val: true}, nil
		case "false":
			return &boolLit{pos: tok.pos, val: false}, nil
		case "null":
			return &nullLit{pos: tok.pos}, nil
		}
		return &identNode{pos: tok.pos, name: tok.text}, nil
	case tkPunct:
		if tok.text == "(" {
			inner, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, p.errorf(tok.pos, "unexpected %s", tok)
}
