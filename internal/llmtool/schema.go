package llmtool

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// PromptField describes a single top-level output field.
type PromptField struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// SchemaFor infers the JSON schema of T from its json and jsonschema tags.
// Fields without omitempty are required.
func SchemaFor[T any]() (json.RawMessage, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("llmtool: infer schema: %w", err)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("llmtool: encode schema: %w", err)
	}
	return b, nil
}

// FieldsFromSchema lists the top-level properties of an object schema,
// required fields first in declaration order.
func FieldsFromSchema(raw json.RawMessage) ([]PromptField, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("llmtool: decode schema: %w", err)
	}
	if len(s.Properties) == 0 {
		return nil, fmt.Errorf("llmtool: output schema has no properties")
	}
	out := make([]PromptField, 0, len(s.Properties))
	for _, name := range s.Required {
		if p, ok := s.Properties[name]; ok {
			out = append(out, PromptField{Name: name, Type: typeString(p), Required: true, Description: p.Description})
		}
	}
	var optional []string
	for name := range s.Properties {
		if !slices.Contains(s.Required, name) {
			optional = append(optional, name)
		}
	}
	sort.Strings(optional)
	for _, name := range optional {
		p := s.Properties[name]
		out = append(out, PromptField{Name: name, Type: typeString(p), Description: p.Description})
	}
	return out, nil
}

func typeString(s *jsonschema.Schema) string {
	if s == nil {
		return "any"
	}
	types := s.Types
	if s.Type != "" {
		types = []string{s.Type}
	}
	types = slices.DeleteFunc(slices.Clone(types), func(t string) bool { return t == "null" })
	if len(types) == 0 {
		return "any"
	}
	if len(types) == 1 && types[0] == "array" {
		return "[]" + typeString(s.Items)
	}
	return strings.Join(types, "|")
}
