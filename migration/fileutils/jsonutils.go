package fileutils

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// StripCodeFence removes a surrounding markdown code fence (``` or ```json) from model output.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// DecodeModelJSON unmarshals JSON from a model response, with a small amount of robustness
// for cases where the model wraps the JSON in a code fence or extra text.
func DecodeModelJSON(outputText string, v any) error {
	s := StripCodeFence(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	// Fast path: valid JSON as-is.
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	sub, ok := ExtractJSONValue(s)
	if !ok {
		return fmt.Errorf("no JSON value found in model output (len=%d)", len(s))
	}
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}

// ExtractJSONValue returns the outermost object or array embedded in s, whichever opens first.
func ExtractJSONValue(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", false
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// RepairJSON makes a best effort to turn a truncated JSON document into a parseable one by
// closing an unterminated string and balancing open brackets and braces. Brackets inside string
// literals are ignored. Valid input is returned unchanged.
func RepairJSON(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || gjson.Valid(s) {
		return s
	}

	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if n := len(stack); n > 0 && stack[n-1] == c {
				stack = stack[:n-1]
			}
		}
	}

	var b strings.Builder
	b.Grow(len(s) + len(stack) + 2)
	b.WriteString(s)
	if inString {
		if escaped {
			// Drop the dangling backslash so the closing quote is not escaped.
			out := b.String()
			b.Reset()
			b.WriteString(out[:len(out)-1])
		}
		b.WriteByte('"')
	}

	out := strings.TrimRight(b.String(), " \t\r\n")
	switch {
	case strings.HasSuffix(out, ","):
		out = strings.TrimRight(out[:len(out)-1], " \t\r\n")
	case strings.HasSuffix(out, ":"):
		out += "null"
	}

	b.Reset()
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// RecoverJSON pulls a JSON value out of model output, trying in turn: the text with any code
// fence removed, the outermost embedded object or array, and finally a repaired version of the
// text from its first bracket on. It reports false when nothing parseable remains.
func RecoverJSON(text string) (string, bool) {
	s := StripCodeFence(text)
	if s == "" {
		return "", false
	}
	if gjson.Valid(s) {
		return s, true
	}
	if sub, ok := ExtractJSONValue(s); ok && gjson.Valid(sub) {
		return sub, true
	}
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", false
	}
	repaired := RepairJSON(s[start:])
	if gjson.Valid(repaired) {
		return repaired, true
	}
	return "", false
}
