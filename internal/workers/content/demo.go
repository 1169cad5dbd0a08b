package content

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"copyflow/internal/artifact"
	"copyflow/internal/llm"
	llmclient "copyflow/internal/llmClient"
)

// DemoResponder answers every phase deterministically from the [INPUT] of
// the request. It backs the "fake" provider so the pipeline can run offline;
// the copy it writes is assembled from the inputs, not composed.
func DemoResponder(call string, req llm.Request) (json.RawMessage, error) {
	input := promptInput(req.Prompt)
	switch call {
	case "analyze":
		var in AnalyzeIn
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, demoErr(call, err)
		}
		return json.Marshal(demoFacts(in))
	case "insights":
		var in insightRequest
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, demoErr(call, err)
		}
		return json.Marshal(demoInsight(in))
	case "questions":
		var in questionRequest
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, demoErr(call, err)
		}
		return json.Marshal(demoQuestions(in))
	case "write":
		var in writeRequest
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, demoErr(call, err)
		}
		return json.Marshal(demoDraft(in))
	case "variants":
		var in variantsRequest
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, demoErr(call, err)
		}
		return json.Marshal(demoVariants(in))
	case "critic":
		var in struct {
			Rubric []struct {
				Name string `json:"name"`
			} `json:"rubric"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, demoErr(call, err)
		}
		type crit struct {
			Name   string `json:"name"`
			Passed bool   `json:"passed"`
		}
		out := struct {
			Criteria    []crit `json:"criteria"`
			OverallPass bool   `json:"overallPass"`
		}{OverallPass: true}
		for _, c := range in.Rubric {
			out.Criteria = append(out.Criteria, crit{Name: c.Name, Passed: true})
		}
		return json.Marshal(out)
	}
	return nil, llmclient.NewPermanentError(fmt.Errorf("demo: unknown call %q", call))
}

func demoErr(call string, err error) error {
	return llmclient.NewPermanentError(fmt.Errorf("demo %s: %w", call, err))
}

// promptInput returns the body of the [INPUT] section.
func promptInput(prompt string) json.RawMessage {
	const head = "[INPUT]\n"
	i := strings.Index(prompt, head)
	if i < 0 {
		return json.RawMessage("null")
	}
	body := prompt[i+len(head):]
	if j := strings.Index(body, "\n\n["); j >= 0 {
		body = body[:j]
	}
	return json.RawMessage(strings.TrimSpace(body))
}

func demoFacts(in AnalyzeIn) artifact.FactSheet {
	sheet := artifact.FactSheet{Summary: strings.TrimSpace(in.Spec.Goal)}
	if sheet.Summary == "" {
		sheet.Summary = "Promote the offer described in the inputs."
	}
	for i, raw := range in.Spec.RawInputs {
		for _, s := range splitSentences(raw) {
			cat := artifact.CategoryContext
			switch {
			case strings.HasPrefix(strings.ToLower(s), "insight:"):
				cat = artifact.CategoryInsight
				s = strings.TrimSpace(s[len("insight:"):])
			case strings.ContainsFunc(s, unicode.IsDigit):
				cat = artifact.CategoryProof
			case i == 0:
				cat = artifact.CategoryOffer
			}
			sheet.Facts = append(sheet.Facts, artifact.Fact{Category: cat, Statement: s, Source: s})
		}
	}
	return sheet
}

func demoInsight(in insightRequest) artifact.Insight {
	statements := in.Facts.Statements()
	out := artifact.Insight{Angle: in.Angle, Statement: in.Facts.Summary}
	for _, s := range statements {
		if strings.ContainsFunc(s, unicode.IsDigit) {
			out.Statement = s
			out.Supports = []string{s}
			return out
		}
	}
	if len(statements) > 0 {
		out.Statement = statements[0]
		out.Supports = []string{statements[0]}
	}
	return out
}

func demoQuestions(in questionRequest) questionsOut {
	if in.Satisfied {
		return questionsOut{Questions: []questionDraft{{
			Gap:           "confirmation",
			Text:          "Is there anything the copy must mention that the inputs leave out?",
			Rationale:     "The inputs cover what the copy needs; this is a last check.",
			ExampleAnswer: "Mention the Thursday deadline.",
		}}}
	}
	var out questionsOut
	for _, gap := range in.Missing {
		out.Questions = append(out.Questions, fallbackQuestion(gap, 0))
	}
	return out
}

func demoDraft(in writeRequest) draftOut {
	pool := append(append([]string(nil), in.Answers...), in.Facts...)
	pool = append(pool, in.Insights...)
	for i, p := range pool {
		// answers arrive as the question text followed by the answer
		if k := strings.Index(p, "? "); k >= 0 {
			pool[i] = strings.TrimSpace(p[k+2:])
		}
	}
	var out draftOut
	for i, name := range in.Segments {
		text := in.Goal
		switch {
		case i == len(in.Segments)-1:
			text = "Reply to this message to " + strings.TrimSuffix(lowerFirst(in.Goal), ".") + "."
		case i < len(pool):
			text = pool[i]
		}
		out.Segments = append(out.Segments, artifact.Segment{Name: name, Text: text})
	}
	return out
}

func demoVariants(in variantsRequest) variantsOut {
	words := strings.Fields(in.Main)
	short := strings.Join(words[:min(len(words), max(in.ShorterMax, 1))], " ")
	first := in.Main
	if i := strings.Index(first, "\n\n"); i >= 0 {
		first = first[:i]
	}
	return variantsOut{
		Shorter:      short,
		Warmer:       "A quick note for you. " + in.Main,
		SubjectLines: []string{truncateWords(first, 9), truncateWords(in.Goal, 9)},
	}
}

func splitSentences(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		for _, part := range strings.SplitAfter(line, ". ") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func truncateWords(s string, n int) string {
	w := strings.Fields(s)
	if len(w) > n {
		w = w[:n]
	}
	return strings.TrimRight(strings.Join(w, " "), ".,;:")
}

func lowerFirst(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "get started"
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
