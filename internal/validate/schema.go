package validate

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const schemaURL = "step-output.json"

var printer = message.NewPrinter(language.English)

// Schema is a compiled JSON Schema (draft 2020-12 unless the document names
// another draft with $schema). Every keyword the draft defines is enforced.
type Schema struct {
	// Type is the top-level type when the schema names exactly one. It
	// steers extraction and truncation detection.
	Type string

	compiled *jsonschema.Schema
}

func ParseSchema(raw []byte) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	s := &Schema{compiled: compiled}
	if obj, ok := doc.(map[string]any); ok {
		s.Type, _ = obj["type"].(string)
	}
	return s, nil
}

func MustParseSchema(raw string) *Schema {
	s, err := ParseSchema([]byte(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// closingDelimiter is the last byte a complete document of this schema ends with.
func (s *Schema) closingDelimiter() byte {
	switch s.Type {
	case "object":
		return '}'
	case "array":
		return ']'
	default:
		return 0
	}
}

// conform returns the path and reason of the first violation, or "" if the
// value matches. v must be decoded with json.Number for numbers.
func (s *Schema) conform(v any) (string, string) {
	err := s.compiled.Validate(v)
	if err == nil {
		return "", ""
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return "$", err.Error()
	}

	leaf := firstViolation(verr)
	location := leaf.InstanceLocation
	if req, ok := leaf.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		location = append(append([]string(nil), location...), req.Missing[0])
	}
	return instancePath(v, location), leaf.ErrorKind.LocalizedString(printer)
}

// firstViolation picks one leaf error, ordered by instance location then
// keyword so the reported path is stable when a document breaks several rules.
func firstViolation(root *jsonschema.ValidationError) *jsonschema.ValidationError {
	var leaves []*jsonschema.ValidationError
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, e)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(root)

	sort.SliceStable(leaves, func(i, j int) bool {
		a, b := strings.Join(leaves[i].InstanceLocation, "/"), strings.Join(leaves[j].InstanceLocation, "/")
		if a != b {
			return a < b
		}
		return strings.Join(leaves[i].ErrorKind.KeywordPath(), "/") < strings.Join(leaves[j].ErrorKind.KeywordPath(), "/")
	})
	return leaves[0]
}

// instancePath renders a JSON pointer as $.a.b[0], walking v so numeric
// object keys are not mistaken for array indexes.
func instancePath(v any, location []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, token := range location {
		switch node := v.(type) {
		case []any:
			b.WriteString("[" + token + "]")
			v = nil
			if i, err := strconv.Atoi(token); err == nil && i >= 0 && i < len(node) {
				v = node[i]
			}
		case map[string]any:
			b.WriteString("." + token)
			v = node[token]
		default:
			b.WriteString("." + token)
			v = nil
		}
	}
	return b.String()
}
