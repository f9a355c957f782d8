// Package expr implements the expression language used by workflow
// templates, computed-field transforms, and loop conditions. The grammar is
// a small JavaScript-like subset; evaluation follows JavaScript coercion
// semantics (loose equality, falsy values, Infinity on division by zero).
package expr

import (
	"strings"
	"unicode"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenString
	tokenIdent
	tokenOperator // + - * / % == != <= >= < > && || ! ? :
	tokenPunct    // . [ ] ( ) ,
	tokenEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lexer scans an expression into tokens.
type lexer struct {
	src string
	pos int
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	var tokens []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tokenEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case c >= '0' && c <= '9', c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]):
		return l.lexNumber()
	case c == '"' || c == '\'':
		return l.lexString(c)
	case isIdentStart(rune(c)):
		return l.lexIdent()
	}

	// Two-character operators first.
	if l.pos+1 < len(l.src) {
		two := l.src[l.pos : l.pos+2]
		switch two {
		case "==", "!=", "<=", ">=", "&&", "||":
			l.pos += 2
			return token{kind: tokenOperator, text: two, pos: start}, nil
		}
	}

	switch c {
	case '+', '-', '*', '/', '%', '<', '>', '!', '?', ':':
		l.pos++
		return token{kind: tokenOperator, text: string(c), pos: start}, nil
	case '.', '[', ']', '(', ')', ',':
		l.pos++
		return token{kind: tokenPunct, text: string(c), pos: start}, nil
	}

	return token{}, schema.NewErrorf(schema.ErrCodeExpression,
		"unexpected character %q at position %d in expression", string(c), start)
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isDigit(c) {
			l.pos++
			continue
		}
		if c == '.' && !seenDot && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
			seenDot = true
			l.pos++
			continue
		}
		break
	}
	text := l.src[start:l.pos]
	num, err := parseNumber(text)
	if err != nil {
		return token{}, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid number %q at position %d", text, start)
	}
	return token{kind: tokenNumber, text: text, num: num, pos: start}, nil
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case quote:
			l.pos++
			return token{kind: tokenString, text: sb.String(), pos: start}, nil
		case '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, schema.NewErrorf(schema.ErrCodeExpression,
					"unterminated escape at position %d", l.pos)
			}
			l.pos++
			switch esc := l.src[l.pos]; esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(esc)
			default:
				// Unknown escapes keep the literal character, as JS does.
				sb.WriteByte(esc)
			}
			l.pos++
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
	return token{}, schema.NewErrorf(schema.ErrCodeExpression,
		"unterminated string starting at position %d", start)
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
		l.pos++
	}
	return token{kind: tokenIdent, text: l.src[start:l.pos], pos: start}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c rune) bool {
	return c == '_' || c == '$' || unicode.IsLetter(c)
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || unicode.IsDigit(c)
}
