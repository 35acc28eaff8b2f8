// Package streamjson parses tool-call argument JSON as it streams in.
//
// Providers deliver tool-call arguments as raw JSON fragments. UIs want to
// render the arguments while they stream, so Parse accepts any prefix of a
// valid JSON object and returns the best-effort parse: strict decoding
// first, then a repaired variant that closes unterminated strings, drops
// dangling separators, completes partial literals, and balances brackets.
//
// Parse never returns an error and never panics; an unparseable input
// yields an empty (non-nil) map.
package streamjson

import (
	"encoding/json"
	"strings"
)

// Parse decodes a possibly-incomplete JSON object.
func Parse(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '{' {
		return map[string]any{}
	}

	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err == nil && v != nil {
		return v
	}

	v = nil
	if err := json.Unmarshal([]byte(repair(s)), &v); err == nil && v != nil {
		return v
	}
	return map[string]any{}
}

// repair completes a truncated JSON document so the strict decoder can read
// it. The input is assumed to be a prefix of valid JSON.
func repair(s string) string {
	var stack []byte // open '{' and '['
	inString := false
	escaped := false
	keyString := false   // the currently open string is an object key
	seenColon := false   // a ':' was seen since the last ',' or '{'
	danglingKey := false // a key string closed but its ':' has not arrived

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
				if keyString {
					danglingKey = true
				}
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			keyString = len(stack) > 0 && stack[len(stack)-1] == '{' && !seenColon
		case '{', '[':
			stack = append(stack, c)
			seenColon = false
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ':':
			seenColon = true
			danglingKey = false
		case ',':
			seenColon = false
		}
	}

	out := s
	if inString {
		if escaped {
			// Drop the dangling backslash so the closing quote is literal.
			out = out[:len(out)-1]
		}
		out += `"`
		if keyString {
			out += ":null"
		}
	} else {
		out = completeTail(strings.TrimRight(out, " \t\n\r"))
		if danglingKey {
			out += ":null"
		}
	}

	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			closers.WriteByte('}')
		} else {
			closers.WriteByte(']')
		}
	}
	return out + closers.String()
}

// completeTail fixes a document that ends mid-token: a dangling comma or
// colon, a partial true/false/null literal, or a number with a trailing
// sign/exponent/decimal point.
func completeTail(s string) string {
	switch {
	case strings.HasSuffix(s, ","):
		return s[:len(s)-1]
	case strings.HasSuffix(s, ":"):
		return s + "null"
	}

	// Partial keyword literal.
	i := len(s)
	for i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
		i--
	}
	if tail := s[i:]; tail != "" {
		for _, kw := range []string{"true", "false", "null"} {
			if strings.HasPrefix(kw, tail) && tail != kw {
				return s[:i] + kw
			}
		}
	}

	// Number ending in a character that cannot terminate it. Trimming may
	// expose a dangling ':' or ',', so fix the tail again.
	if len(s) > 0 {
		switch s[len(s)-1] {
		case '-', '+', '.', 'e', 'E':
			return completeTail(strings.TrimRight(s, "-+.eE"))
		}
	}
	return s
}
