package agentloop

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/tidwall/gjson"
)

// ParsePartial parses an arbitrary prefix of a JSON document and returns the
// most complete value obtainable from it:
//
//   - an unterminated string is closed at the truncation point
//   - an unterminated array or object is closed with its elements so far
//   - an unterminated number or literal (true/false/null) is dropped when
//     the consumed prefix is not itself parseable
//
// complete is true only when the full buffer is valid, self-terminated JSON.
// Truncation is expected, not exceptional: the only errors returned are for
// genuinely invalid syntax (a malformed construct that no amount of further
// input could repair). An empty or whitespace-only buffer yields (nil, false,
// nil).
//
// Numbers follow standard JSON numeric literal rules: integers decode to
// int64, everything else to float64. No coercion beyond that.
func ParsePartial(data []byte) (value any, complete bool, err error) {
	p := &partialParser{data: data}
	p.skipSpace()
	if p.eof() {
		return nil, false, nil
	}
	value, dropped, err := p.parseValue()
	if err != nil {
		return nil, false, err
	}
	if dropped {
		value = nil
	}
	p.skipSpace()
	if !p.eof() {
		return nil, false, p.errorf("unexpected trailing character %q", p.data[p.pos])
	}
	return value, gjson.ValidBytes(data), nil
}

type partialParser struct {
	data []byte
	pos  int
}

func (p *partialParser) eof() bool {
	return p.pos >= len(p.data)
}

func (p *partialParser) skipSpace() {
	for !p.eof() {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *partialParser) errorf(format string, args ...any) error {
	return fmt.Errorf("partial json: offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

// parseValue parses one JSON value starting at the current position.
// dropped is true when the value was an unterminated number or literal
// whose prefix is unusable; the caller omits it from the enclosing
// container. Truncation only ever occurs at the end of the buffer, so
// after a truncated child the caller's next read sees EOF and closes.
func (p *partialParser) parseValue() (value any, dropped bool, err error) {
	switch c := p.data[p.pos]; {
	case c == '{':
		value, err = p.parseObject()
		return value, false, err
	case c == '[':
		value, err = p.parseArray()
		return value, false, err
	case c == '"':
		value, _, err = p.parseString()
		return value, false, err
	case c == 't', c == 'f', c == 'n':
		return p.parseLiteral()
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return nil, false, p.errorf("unexpected character %q", c)
	}
}

// parseString decodes a JSON string. terminated reports whether the closing
// quote was seen; an unterminated string is treated as closed at the
// truncation point, with any dangling escape sequence discarded.
func (p *partialParser) parseString() (s string, terminated bool, err error) {
	p.pos++ // opening quote
	var b strings.Builder
	for !p.eof() {
		c := p.data[p.pos]
		switch {
		case c == '"':
			p.pos++
			return b.String(), true, nil
		case c == '\\':
			decoded, ok, err := p.parseEscape()
			if err != nil {
				return "", false, err
			}
			if !ok {
				// Escape cut off by truncation: drop it and close.
				p.pos = len(p.data)
				return b.String(), false, nil
			}
			b.WriteString(decoded)
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return b.String(), false, nil
}

// parseEscape decodes one backslash escape starting at the backslash.
// ok is false when the escape is cut off by the end of the buffer.
func (p *partialParser) parseEscape() (decoded string, ok bool, err error) {
	if p.pos+1 >= len(p.data) {
		return "", false, nil
	}
	c := p.data[p.pos+1]
	switch c {
	case '"', '\\', '/':
		p.pos += 2
		return string(c), true, nil
	case 'b':
		p.pos += 2
		return "\b", true, nil
	case 'f':
		p.pos += 2
		return "\f", true, nil
	case 'n':
		p.pos += 2
		return "\n", true, nil
	case 'r':
		p.pos += 2
		return "\r", true, nil
	case 't':
		p.pos += 2
		return "\t", true, nil
	case 'u':
		if p.pos+6 > len(p.data) {
			return "", false, nil
		}
		hex := string(p.data[p.pos+2 : p.pos+6])
		n, parseErr := strconv.ParseUint(hex, 16, 32)
		if parseErr != nil {
			return "", false, p.errorf("invalid unicode escape %q", "\\u"+hex)
		}
		p.pos += 6
		r := rune(n)
		// Combine surrogate pairs when the low half is fully present.
		if utf16.IsSurrogate(r) && p.pos+6 <= len(p.data) &&
			p.data[p.pos] == '\\' && p.data[p.pos+1] == 'u' {
			lowHex := string(p.data[p.pos+2 : p.pos+6])
			if low, lowErr := strconv.ParseUint(lowHex, 16, 32); lowErr == nil {
				if combined := utf16.DecodeRune(r, rune(low)); combined != 0xFFFD {
					p.pos += 6
					return string(combined), true, nil
				}
			}
		}
		return string(r), true, nil
	default:
		return "", false, p.errorf("invalid escape character %q", c)
	}
}

// parseNumber consumes a numeric token. A token cut off at the end of the
// buffer that is not a valid number on its own (e.g. "-", "1e") is dropped;
// an invalid token followed by more input is a genuine syntax error.
func (p *partialParser) parseNumber() (value any, dropped bool, err error) {
	start := p.pos
	for !p.eof() {
		c := p.data[p.pos]
		if (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		break
	}
	token := string(p.data[start:p.pos])
	if !validJSONNumber(token) {
		if p.eof() {
			return nil, true, nil
		}
		return nil, false, p.errorf("invalid number %q", token)
	}
	if !strings.ContainsAny(token, ".eE") {
		n, parseErr := strconv.ParseInt(token, 10, 64)
		if parseErr == nil {
			return n, false, nil
		}
		// Integer overflow: fall back to float64 like encoding/json's
		// default decoding.
	}
	f, parseErr := strconv.ParseFloat(token, 64)
	if parseErr != nil {
		return nil, false, p.errorf("invalid number %q", token)
	}
	return f, false, nil
}

// validJSONNumber checks a token against the JSON number grammar.
func validJSONNumber(token string) bool {
	s := token
	if strings.HasPrefix(s, "-") {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	// Integer part: "0" or nonzero digit followed by digits.
	i := 0
	if s[i] == '0' {
		i++
	} else if s[i] >= '1' && s[i] <= '9' {
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	} else {
		return false
	}
	// Fraction.
	if i < len(s) && s[i] == '.' {
		i++
		if i >= len(s) || s[i] < '0' || s[i] > '9' {
			return false
		}
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	}
	// Exponent.
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		if i >= len(s) || s[i] < '0' || s[i] > '9' {
			return false
		}
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	}
	return i == len(s)
}

// parseLiteral consumes true, false, or null. A proper prefix at the end of
// the buffer is dropped; a mismatch with more input present is an error.
func (p *partialParser) parseLiteral() (value any, dropped bool, err error) {
	for _, candidate := range []struct {
		token string
		value any
	}{
		{"true", true},
		{"false", false},
		{"null", nil},
	} {
		if p.data[p.pos] != candidate.token[0] {
			continue
		}
		rest := p.data[p.pos:]
		if len(rest) >= len(candidate.token) {
			if string(rest[:len(candidate.token)]) == candidate.token {
				p.pos += len(candidate.token)
				return candidate.value, false, nil
			}
			return nil, false, p.errorf("invalid literal")
		}
		if strings.HasPrefix(candidate.token, string(rest)) {
			p.pos = len(p.data)
			return nil, true, nil
		}
		return nil, false, p.errorf("invalid literal")
	}
	return nil, false, p.errorf("invalid literal")
}

func (p *partialParser) parseArray() ([]any, error) {
	p.pos++ // '['
	elements := []any{}
	p.skipSpace()
	if p.eof() {
		return elements, nil
	}
	if p.data[p.pos] == ']' {
		p.pos++
		return elements, nil
	}
	for {
		element, dropped, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if !dropped {
			elements = append(elements, element)
		}
		p.skipSpace()
		if p.eof() {
			return elements, nil
		}
		switch p.data[p.pos] {
		case ',':
			p.pos++
			p.skipSpace()
			if p.eof() {
				return elements, nil
			}
			if p.data[p.pos] == ']' {
				return nil, p.errorf("trailing comma in array")
			}
		case ']':
			p.pos++
			return elements, nil
		default:
			return nil, p.errorf("expected ',' or ']' in array, got %q", p.data[p.pos])
		}
	}
}

func (p *partialParser) parseObject() (map[string]any, error) {
	p.pos++ // '{'
	object := map[string]any{}
	p.skipSpace()
	if p.eof() {
		return object, nil
	}
	if p.data[p.pos] == '}' {
		p.pos++
		return object, nil
	}
	for {
		if p.data[p.pos] != '"' {
			return nil, p.errorf("expected object key, got %q", p.data[p.pos])
		}
		key, terminated, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if !terminated {
			// Key cut off mid-string: the pair has no value yet, drop it.
			return object, nil
		}
		p.skipSpace()
		if p.eof() {
			return object, nil
		}
		if p.data[p.pos] != ':' {
			return nil, p.errorf("expected ':' after object key, got %q", p.data[p.pos])
		}
		p.pos++
		p.skipSpace()
		if p.eof() {
			return object, nil
		}
		value, dropped, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if !dropped {
			object[key] = value
		}
		p.skipSpace()
		if p.eof() {
			return object, nil
		}
		switch p.data[p.pos] {
		case ',':
			p.pos++
			p.skipSpace()
			if p.eof() {
				return object, nil
			}
			if p.data[p.pos] == '}' {
				return nil, p.errorf("trailing comma in object")
			}
		case '}':
			p.pos++
			return object, nil
		default:
			return nil, p.errorf("expected ',' or '}' in object, got %q", p.data[p.pos])
		}
	}
}
