package expr

import (
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// parser builds a Node tree via precedence climbing. Ternary is the lowest
// tier and right-associative, so nested ternaries parse naturally.
type parser struct {
	tokens []token
	pos    int
}

func parse(src string) (Node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unexpected token %q at position %d", tok.text, tok.pos)
	}
	return node, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, text string) (token, error) {
	tok := p.peek()
	if tok.kind != kind || tok.text != text {
		return token{}, schema.NewErrorf(schema.ErrCodeExpression,
			"expected %q at position %d, got %q", text, tok.pos, tok.text)
	}
	return p.advance(), nil
}

func (p *parser) matchOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokenOperator {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.advance()
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseTernary() (Node, error) {
	cond, err := p.parseLogicalOr()
	if err != nil {
		return nil, err
	}
	if _, ok := p.matchOp("?"); !ok {
		return cond, nil
	}
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokenOperator, ":"); err != nil {
		return nil, err
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &Ternary{Cond: cond, Then: then, Else: els}, nil
}

func (p *parser) parseLogicalOr() (Node, error) {
	return p.parseBinaryLevel(
		p.parseLogicalAnd,
		"||",
	)
}

func (p *parser) parseLogicalAnd() (Node, error) {
	return p.parseBinaryLevel(
		p.parseEquality,
		"&&",
	)
}

func (p *parser) parseEquality() (Node, error) {
	return p.parseBinaryLevel(
		p.parseComparison,
		"==", "!=",
	)
}

func (p *parser) parseComparison() (Node, error) {
	return p.parseBinaryLevel(
		p.parseAdditive,
		"<=", ">=", "<", ">",
	)
}

func (p *parser) parseAdditive() (Node, error) {
	return p.parseBinaryLevel(
		p.parseMultiplicative,
		"+", "-",
	)
}

func (p *parser) parseMultiplicative() (Node, error) {
	return p.parseBinaryLevel(
		p.parseUnary,
		"*", "/", "%",
	)
}

// parseBinaryLevel parses one left-associative precedence tier.
func (p *parser) parseBinaryLevel(next func() (Node, error), ops ...string) (Node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.matchOp(ops...)
		if !ok {
			return left, nil
		}
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if op, ok := p.matchOp("!", "-", "+"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, Operand: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix handles chained property access, indexing, and calls.
func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokenPunct {
			return node, nil
		}
		switch tok.text {
		case ".":
			p.advance()
			name := p.peek()
			if name.kind != tokenIdent {
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"expected property name after '.' at position %d", name.pos)
			}
			p.advance()
			node = &Property{Object: node, Name: name.text}
		case "[":
			p.advance()
			key, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokenPunct, "]"); err != nil {
				return nil, err
			}
			node = &Index{Object: node, Key: key}
		case "(":
			p.advance()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			node = &Call{Callee: node, Args: args}
		default:
			return node, nil
		}
	}
}

func (p *parser) parseArgs() ([]Node, error) {
	var args []Node
	if tok := p.peek(); tok.kind == tokenPunct && tok.text == ")" {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		tok := p.peek()
		if tok.kind == tokenPunct && tok.text == "," {
			p.advance()
			continue
		}
		if _, err := p.expect(tokenPunct, ")"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenNumber:
		p.advance()
		return &Literal{Value: tok.num}, nil
	case tokenString:
		p.advance()
		return &Literal{Value: tok.text}, nil
	case tokenIdent:
		p.advance()
		switch tok.text {
		case "true":
			return &Literal{Value: true}, nil
		case "false":
			return &Literal{Value: false}, nil
		case "null", "undefined":
			return &Literal{Value: nil}, nil
		}
		return &Identifier{Name: tok.text}, nil
	case tokenPunct:
		if tok.text == "(" {
			p.advance()
			inner, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokenPunct, ")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeExpression,
		"unexpected token %q at position %d", tok.text, tok.pos)
}
