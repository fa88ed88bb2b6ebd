package sql

import (
	"strings"

	"github.com/jplandry908/openobserve/pkg/apierror"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokSymbol // ( ) , * = != < <= > >=
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input  string
	pos    int
	tokens []token
}

func lex(input string) ([]token, error) {
	l := &lexer{input: input}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.tokens = append(l.tokens, tok)
		if tok.kind == tokEOF {
			return l.tokens, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && isSpace(l.input[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.input[l.pos]

	switch {
	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}, nil

	case c >= '0' && c <= '9' || c == '-' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
		l.pos++
		for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.' || l.input[l.pos] == 'e' || l.input[l.pos] == 'E' || l.input[l.pos] == '+' || l.input[l.pos] == '-') {
			// Stop minus/plus unless preceded by an exponent marker.
			if (l.input[l.pos] == '-' || l.input[l.pos] == '+') && !(l.input[l.pos-1] == 'e' || l.input[l.pos-1] == 'E') {
				break
			}
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil

	case c == '\'' || c == '"':
		quote := c
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.input) {
			ch := l.input[l.pos]
			if ch == '\\' && l.pos+1 < len(l.input) {
				sb.WriteByte(l.input[l.pos+1])
				l.pos += 2
				continue
			}
			if ch == quote {
				// Doubled quote escapes itself.
				if l.pos+1 < len(l.input) && l.input[l.pos+1] == quote {
					sb.WriteByte(quote)
					l.pos += 2
					continue
				}
				l.pos++
				return token{kind: tokString, text: sb.String(), pos: start}, nil
			}
			sb.WriteByte(ch)
			l.pos++
		}
		return token{}, apierror.BadRequest("invalid_sql", "unterminated string literal at %d", start)

	case c == '!' || c == '<' || c == '>':
		l.pos++
		if l.pos < len(l.input) && (l.input[l.pos] == '=' || (c == '<' && l.input[l.pos] == '>')) {
			l.pos++
		}
		text := l.input[start:l.pos]
		if text == "!" {
			return token{}, apierror.BadRequest("invalid_sql", "unexpected '!' at %d", start)
		}
		return token{kind: tokSymbol, text: text, pos: start}, nil

	case c == '(' || c == ')' || c == ',' || c == '*' || c == '=':
		l.pos++
		return token{kind: tokSymbol, text: string(c), pos: start}, nil

	default:
		return token{}, apierror.BadRequest("invalid_sql", "unexpected character %q at %d", string(c), start)
	}
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.' || c == '[' || c == ']'
}
