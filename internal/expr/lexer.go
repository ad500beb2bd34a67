package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkNumber
	tkString
	tkIdent
	tkPunct
)

type token struct {
	kind tokenKind
	text string // identifier, punctuation, raw number or unescaped string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tkEOF:
		return "end of expression"
	case tkString:
		return fmt.Sprintf("string %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// punctuators are matched longest first.
var punctuators = []string{
	"&&", "||", "==", "!=", "<=", ">=",
	"+", "-", "*", "/", "%", "!", "<", ">", "?", ":", ".", ",", "(", ")", "[", "]",
}

type lexer struct {
	src string
	pos int
}

// tokenize splits src into tokens, terminated by a tkEOF token.
func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src}
	var toks []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tkEOF {
			return toks, nil
		}
	}
}

func (lx *lexer) errorf(pos int, format string, args ...any) error {
	return &CompileError{Expr: lx.src, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

func (lx *lexer) next() (token, error) {
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if !unicode.IsSpace(r) {
			break
		}
		lx.pos += size
	}
	if lx.pos >= len(lx.src) {
		return token{kind: tkEOF, pos: lx.pos}, nil
	}

	start := lx.pos
	r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
	switch {
	case r == '"' || r == '\'':
		return lx.lexString(r)
	case isDigit(r):
		return lx.lexNumber(), nil
	case r == '_' || unicode.IsLetter(r):
		lx.pos += size
		for lx.pos < len(lx.src) {
			r, size = utf8.DecodeRuneInString(lx.src[lx.pos:])
			if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				break
			}
			lx.pos += size
		}
		return token{kind: tkIdent, text: lx.src[start:lx.pos], pos: start}, nil
	}

	for _, p := range punctuators {
		if strings.HasPrefix(lx.src[lx.pos:], p) {
			lx.pos += len(p)
			return token{kind: tkPunct, text: p, pos: start}, nil
		}
	}
	return token{}, lx.errorf(start, "unexpected character %q", r)
}

func (lx *lexer) lexNumber() token {
	start := lx.pos
	for lx.pos < len(lx.src) && isDigit(rune(lx.src[lx.pos])) {
		lx.pos++
	}
	// A fraction needs a digit after the dot so that "1.ToString()" still
	// lexes as a member access.
	if lx.pos+1 < len(lx.src) && lx.src[lx.pos] == '.' && isDigit(rune(lx.src[lx.pos+1])) {
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(rune(lx.src[lx.pos])) {
			lx.pos++
		}
	}
	// C# literal suffixes (1.5m, 2d) carry no meaning here.
	if lx.pos < len(lx.src) && strings.ContainsRune("mMdDfF", rune(lx.src[lx.pos])) {
		end := lx.pos
		lx.pos++
		return token{kind: tkNumber, text: lx.src[start:end], pos: start}
	}
	return token{kind: tkNumber, text: lx.src[start:lx.pos], pos: start}
}

func (lx *lexer) lexString(quote rune) (token, error) {
	start := lx.pos
	lx.pos++ // opening quote
	var b strings.Builder
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		lx.pos += size
		switch r {
		case quote:
			return token{kind: tkString, text: b.String(), pos: start}, nil
		case '\\':
			if lx.pos >= len(lx.src) {
				return token{}, lx.errorf(start, "unterminated string")
			}
			esc, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
			lx.pos += size
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '"', '\'':
				b.WriteRune(esc)
			default:
				return token{}, lx.errorf(lx.pos-size-1, "unknown escape \\%c", esc)
			}
		default:
			b.WriteRune(r)
		}
	}
	return token{}, lx.errorf(start, "unterminated string")
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
