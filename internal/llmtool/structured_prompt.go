package llmtool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	llmclient "copyflow/internal/llmClient"
)

// PromptExample captures an optional input/output example.
type PromptExample struct {
	InputJSON  string
	OutputJSON string
}

// StructuredPromptSpec defines the fixed sections of a phase prompt. It ends
// up in Request.Instructions; per-call material goes in PromptInput.
type StructuredPromptSpec struct {
	Purpose     string
	Background  string
	Constraints []string
	Rules       []string
	Assumptions []string
	Language    string
	Examples    []PromptExample
}

// PromptInput is the per-call part of a request.
type PromptInput struct {
	// Data is marshaled into the [INPUT] section.
	Data any
	// Feedback lists critic rewrite instructions from the previous attempt.
	Feedback []string
	// MustFix lists validator violations the next attempt has to resolve.
	MustFix []string
}

// Build renders a structured request whose answer must decode into Out.
func Build[Out any](spec StructuredPromptSpec, in PromptInput) (llmclient.Request, error) {
	if strings.TrimSpace(spec.Purpose) == "" {
		return llmclient.Request{}, fmt.Errorf("llmtool: purpose is empty")
	}
	schema, err := SchemaFor[Out]()
	if err != nil {
		return llmclient.Request{}, err
	}
	fields, err := FieldsFromSchema(schema)
	if err != nil {
		return llmclient.Request{}, err
	}
	inputJSON, err := formatAnyJSON(in.Data)
	if err != nil {
		return llmclient.Request{}, fmt.Errorf("llmtool: encode input: %w", err)
	}

	var sys bytes.Buffer
	writeSection(&sys, "PURPOSE", spec.Purpose)
	writeSection(&sys, "BACKGROUND", spec.Background)
	writeSection(&sys, "CONSTRAINTS", formatList(spec.Constraints))
	writeSection(&sys, "RULES", formatList(spec.Rules))
	writeSection(&sys, "ASSUMPTIONS", formatList(spec.Assumptions))
	writeSection(&sys, "LANGUAGE", spec.Language)
	if len(spec.Examples) > 0 {
		writeSection(&sys, "EXAMPLES", formatExamples(spec.Examples))
	}

	var user bytes.Buffer
	writeSection(&user, "INPUT", inputJSON)
	writeSection(&user, "FEEDBACK", formatList(in.Feedback))
	writeSection(&user, "MUST_FIX", formatList(in.MustFix))
	writeSection(&user, "OUTPUT", formatFields(fields))

	return llmclient.Request{
		Schema:       schema,
		Instructions: strings.TrimSpace(sys.String()) + "\n",
		Prompt:       strings.TrimSpace(user.String()) + "\n",
	}, nil
}

func formatAnyJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatFields(fields []PromptField) string {
	if len(fields) == 0 {
		return ""
	}
	var buf strings.Builder
	for _, f := range fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		if f.Description != "" {
			fmt.Fprintf(&buf, "- %s (%s, %s): %s\n", f.Name, f.Type, req, f.Description)
		} else {
			fmt.Fprintf(&buf, "- %s (%s, %s)\n", f.Name, f.Type, req)
		}
	}
	return strings.TrimRight(buf.String(), "\n")
}

func formatList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var buf strings.Builder
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fmt.Fprintf(&buf, "- %s\n", item)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func formatExamples(examples []PromptExample) string {
	var buf strings.Builder
	for i, ex := range examples {
		fmt.Fprintf(&buf, "Example %d:\n", i+1)
		if strings.TrimSpace(ex.InputJSON) != "" {
			buf.WriteString("INPUT:\n")
			buf.WriteString(strings.TrimRight(ex.InputJSON, "\n"))
			buf.WriteString("\n")
		}
		if strings.TrimSpace(ex.OutputJSON) != "" {
			buf.WriteString("OUTPUT:\n")
			buf.WriteString(strings.TrimRight(ex.OutputJSON, "\n"))
			buf.WriteString("\n")
		}
		buf.WriteString("\n")
	}
	return strings.TrimRight(buf.String(), "\n")
}

func writeSection(buf *bytes.Buffer, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	buf.WriteString("[")
	buf.WriteString(title)
	buf.WriteString("]\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
}
