// Package validate turns raw provider text into parsed structured output, or a
// classified failure the orchestrator can act on.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

type Error struct {
	Kind   domain.ErrorKind
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Path, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Kind.Sentinel()
}

func truncated(reason string) *Error {
	return &Error{Kind: domain.KindTruncated, Reason: reason}
}

// Parsed is a validated document. Raw is the compact JSON encoding.
type Parsed struct {
	Value any
	Raw   json.RawMessage
}

// Validate parses raw against schema. A nil schema accepts any JSON value.
//
// Parse failures are classified as Truncated when the provider reported a
// length cutoff, when delimiters or a string literal are left open, or when
// the text doesn't end with the closing delimiter the schema implies.
// Anything else that fails to parse is Malformed.
func Validate(raw string, finish domain.FinishReason, schema *Schema) (*Parsed, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		if finish == domain.FinishLength {
			return nil, truncated("empty response at length limit")
		}
		return nil, &Error{Kind: domain.KindMalformed, Reason: "empty response"}
	}

	candidate := extractJSON(text, schema)

	value, err := decode(candidate)
	if err != nil {
		if reason := truncationReason(candidate, finish, schema); reason != "" {
			return nil, truncated(reason)
		}
		return nil, &Error{Kind: domain.KindMalformed, Reason: err.Error()}
	}

	if schema != nil {
		if path, reason := schema.conform(value); path != "" {
			return nil, &Error{Kind: domain.KindSchemaMismatch, Path: path, Reason: reason}
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(candidate)); err != nil {
		return nil, &Error{Kind: domain.KindMalformed, Reason: err.Error()}
	}

	return &Parsed{Value: value, Raw: buf.Bytes()}, nil
}

func decode(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if rest := strings.TrimSpace(s[dec.InputOffset():]); rest != "" {
		return nil, fmt.Errorf("trailing data after JSON value: %.20q", rest)
	}
	return v, nil
}

func truncationReason(candidate string, finish domain.FinishReason, schema *Schema) string {
	if finish == domain.FinishLength {
		return "provider reported length limit"
	}
	if open, inString := scanDelimiters(candidate); inString {
		return "unterminated string literal"
	} else if open > 0 {
		return fmt.Sprintf("%d unclosed delimiters", open)
	}
	if schema != nil {
		want := schema.closingDelimiter()
		opened := want != 0 && candidate != "" && (candidate[0] == '{' || candidate[0] == '[')
		if opened && candidate[len(candidate)-1] != want {
			return fmt.Sprintf("response does not end with %q", want)
		}
	}
	return ""
}

// scanDelimiters counts braces and brackets left open outside string
// literals, and reports whether the text ends inside a string.
func scanDelimiters(s string) (int, bool) {
	depth := 0
	inString := false
	escaped := false

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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth, inString
}

// extractJSON strips prose and code fences around the document. When the
// closing fence or bracket is missing it returns everything from the opening
// delimiter so the truncation check sees the cut-off tail.
func extractJSON(s string, schema *Schema) string {
	if json.Valid([]byte(s)) {
		return s
	}

	for _, fence := range []string{"```json", "```"} {
		idx := strings.Index(s, fence)
		if idx == -1 {
			continue
		}
		body := s[idx+len(fence):]
		if end := strings.Index(body, "```"); end != -1 {
			body = body[:end]
		}
		s = strings.TrimSpace(body)
		break
	}

	opening, closing := byte('{'), byte('}')
	if schema != nil && schema.Type == "array" {
		opening, closing = '[', ']'
	} else if i := strings.IndexAny(s, "{["); i != -1 && s[i] == '[' && (schema == nil || schema.Type == "") {
		opening, closing = '[', ']'
	}

	first := strings.IndexByte(s, opening)
	if first == -1 {
		return s
	}
	last := strings.LastIndexByte(s, closing)
	if last > first {
		if candidate := s[first : last+1]; json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return s[first:]
}
