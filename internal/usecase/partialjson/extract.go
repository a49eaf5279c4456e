// Package partialjson recovers the fully-formed key/value pairs from a prefix
// of a flat JSON object that is still being streamed by a model.
package partialjson

import (
	"encoding/json"
)

// Extract returns every top-level pair of raw whose value is known to be
// complete. Scanning stops at the first pair that is incomplete or cannot be
// parsed; pairs before it are returned. Malformed input yields an empty map.
//
// Strings are complete at their unescaped closing quote. Numbers, booleans
// and null are complete only once a ',' or '}' follows, since a trailing
// literal could still grow. Nested objects and arrays end extraction.
func Extract(raw string) map[string]any {
	out := make(map[string]any)
	s := scanner{src: raw}

	s.skipSpace()
	if !s.consume('{') {
		return out
	}
	for {
		s.skipSpace()
		if s.done() || s.peek() == '}' {
			return out
		}
		key, ok := s.readString()
		if !ok {
			return out
		}
		s.skipSpace()
		if !s.consume(':') {
			return out
		}
		s.skipSpace()
		val, ok := s.readValue()
		if !ok {
			return out
		}
		out[key] = val

		s.skipSpace()
		if !s.consume(',') {
			return out
		}
	}
}

type scanner struct {
	src string
	pos int
}

func (s *scanner) done() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte {
	if s.done() {
		return 0
	}
	return s.src[s.pos]
}

func (s *scanner) consume(c byte) bool {
	if s.peek() != c || s.done() {
		return false
	}
	s.pos++
	return true
}

func (s *scanner) skipSpace() {
	for !s.done() {
		switch s.src[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

// readString reads a quoted string. It reports false when the closing quote
// has not arrived yet or the literal holds an invalid escape.
func (s *scanner) readString() (string, bool) {
	if s.peek() != '"' || s.done() {
		return "", false
	}
	start := s.pos
	for i := start + 1; i < len(s.src); i++ {
		switch s.src[i] {
		case '\\':
			i++ // skip the escaped byte
		case '"':
			var v string
			if err := json.Unmarshal([]byte(s.src[start:i+1]), &v); err != nil {
				return "", false
			}
			s.pos = i + 1
			return v, true
		}
	}
	return "", false
}

func (s *scanner) readValue() (any, bool) {
	switch c := s.peek(); {
	case s.done():
		return nil, false
	case c == '"':
		return s.readString()
	case c == '{' || c == '[':
		return nil, false
	}
	return s.readLiteral()
}

// readLiteral reads a number, true, false or null. The literal only counts
// once a terminator is visible after it.
func (s *scanner) readLiteral() (any, bool) {
	start := s.pos
	end := start
	for end < len(s.src) && isLiteralByte(s.src[end]) {
		end++
	}
	if end == start {
		return nil, false
	}

	next := end
	for next < len(s.src) {
		c := s.src[next]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			next++
			continue
		}
		break
	}
	if next >= len(s.src) || (s.src[next] != ',' && s.src[next] != '}') {
		return nil, false
	}

	var v any
	if err := json.Unmarshal([]byte(s.src[start:end]), &v); err != nil {
		return nil, false
	}
	s.pos = end
	return v, true
}

func isLiteralByte(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z':
		return true
	case c == '-', c == '+', c == '.', c == 'E':
		return true
	}
	return false
}
