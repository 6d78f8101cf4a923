// Package sqlguard statically validates LLM-generated SQL before it is
// allowed anywhere near a database connection. It combines a textual
// forbidden-construct scan with a structural parser restricted to the
// SELECT/CTE/subquery grammar, which is all a read-only gateway needs.
package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuotedIdent
	tokNumber
	tokString
	tokOperator
	tokLParen
	tokRParen
	tokComma
	tokSemicolon
	tokDot
	tokStar
	tokParam // $1, $2, ...
)

// token is a single lexical unit. For strings and quoted identifiers, text
// holds the unquoted content; pos/end are byte offsets into the original
// input so callers can splice the source precisely.
type token struct {
	kind tokenKind
	text string
	pos  int
	end  int
}

// matches reports whether the token is the given unquoted keyword,
// case-insensitively. Quoted identifiers never match keywords.
func (t token) matches(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (t token) matchesAny(kws ...string) bool {
	for _, kw := range kws {
		if t.matches(kw) {
			return true
		}
	}
	return false
}

// lex tokenizes a SQL string. Comments are discarded. An unterminated
// string, quoted identifier, or block comment is a lex error, which the
// validator surfaces as a parse failure.
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]

		if unicode.IsSpace(rune(ch)) {
			i++
			continue
		}

		// Line comment: -- to end of line.
		if ch == '-' && i+1 < n && input[i+1] == '-' {
			for i < n && input[i] != '\n' {
				i++
			}
			continue
		}

		// Block comment: /* ... */, nested per the SQL standard.
		if ch == '/' && i+1 < n && input[i+1] == '*' {
			depth := 1
			j := i + 2
			for j < n && depth > 0 {
				if j+1 < n && input[j] == '/' && input[j+1] == '*' {
					depth++
					j += 2
				} else if j+1 < n && input[j] == '*' && input[j+1] == '/' {
					depth--
					j += 2
				} else {
					j++
				}
			}
			if depth > 0 {
				return nil, fmt.Errorf("unterminated block comment at position %d", i)
			}
			i = j
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i, end: i + 1})
			i++
			continue
		case ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i, end: i + 1})
			i++
			continue
		case ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i, end: i + 1})
			i++
			continue
		case ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", pos: i, end: i + 1})
			i++
			continue
		case '.':
			tokens = append(tokens, token{kind: tokDot, text: ".", pos: i, end: i + 1})
			i++
			continue
		case '*':
			tokens = append(tokens, token{kind: tokStar, text: "*", pos: i, end: i + 1})
			i++
			continue
		}

		// Single-quoted string literal; '' escapes a quote. E'...' strings
		// lex as an identifier "E" followed by a string, which is fine for
		// structural purposes.
		if ch == '\'' {
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if input[i] == '\'' {
					if i+1 < n && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string literal at position %d", start)
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String(), pos: start, end: i})
			continue
		}

		// Double-quoted identifier; "" escapes a quote.
		if ch == '"' {
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if input[i] == '"' {
					if i+1 < n && input[i+1] == '"' {
						sb.WriteByte('"')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted identifier at position %d", start)
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: sb.String(), pos: start, end: i})
			continue
		}

		// Positional parameter ($1) or dollar-quoted string ($$...$$,
		// $tag$...$tag$).
		if ch == '$' {
			start := i
			if i+1 < n && isDigit(input[i+1]) {
				j := i + 1
				for j < n && isDigit(input[j]) {
					j++
				}
				tokens = append(tokens, token{kind: tokParam, text: input[i:j], pos: start, end: j})
				i = j
				continue
			}
			// Tag is empty or an identifier that does not start with a digit.
			j := i + 1
			for j < n && (input[j] == '_' || isLetter(input[j]) || isDigit(input[j])) {
				j++
			}
			if j < n && input[j] == '$' {
				tag := input[i : j+1]
				close := strings.Index(input[j+1:], tag)
				if close < 0 {
					return nil, fmt.Errorf("unterminated dollar-quoted string at position %d", start)
				}
				end := j + 1 + close + len(tag)
				tokens = append(tokens, token{kind: tokString, text: input[j+1 : j+1+close], pos: start, end: end})
				i = end
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at position %d", "$", i)
		}

		// Number: digits with optional decimal part and exponent.
		if isDigit(ch) {
			start := i
			for i < n && isDigit(input[i]) {
				i++
			}
			if i < n && input[i] == '.' && i+1 < n && isDigit(input[i+1]) {
				i++
				for i < n && isDigit(input[i]) {
					i++
				}
			}
			if i < n && (input[i] == 'e' || input[i] == 'E') {
				j := i + 1
				if j < n && (input[j] == '+' || input[j] == '-') {
					j++
				}
				if j < n && isDigit(input[j]) {
					i = j
					for i < n && isDigit(input[i]) {
						i++
					}
				}
			}
			tokens = append(tokens, token{kind: tokNumber, text: input[start:i], pos: start, end: i})
			continue
		}

		// Identifier or keyword.
		if ch == '_' || isLetter(ch) {
			start := i
			for i < n && isIdentChar(input[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: input[start:i], pos: start, end: i})
			continue
		}

		// Operator characters, consumed as a run.
		if isOperatorChar(ch) {
			start := i
			for i < n && isOperatorChar(input[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokOperator, text: input[start:i], pos: start, end: i})
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}

	return tokens, nil
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || isLetter(c) || isDigit(c)
}

func isOperatorChar(c byte) bool {
	switch c {
	case '+', '-', '/', '<', '>', '=', '~', '!', '@', '#', '%', '^', '&', '|', '?', ':', '[', ']':
		return true
	}
	return false
}
