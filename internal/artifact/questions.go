package artifact

import (
	"fmt"
	"strings"
)

// Question asks the user for one missing piece of content.
type Question struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	Rationale     string `json:"rationale"`
	Gap           string `json:"gap"`
	ExampleAnswer string `json:"exampleAnswer"`
	Optional      bool   `json:"optional,omitempty"`
}

// QuestionSet is the output of the gate phase.
type QuestionSet struct {
	Satisfied bool       `json:"satisfied"`
	Missing   []string   `json:"missing,omitempty"`
	Questions []Question `json:"questions"`
}

func (QuestionSet) Kind() Kind { return KindQuestionSet }

func (q QuestionSet) Validate() error {
	if len(q.Questions) == 0 {
		return fmt.Errorf("no questions")
	}
	if q.Satisfied && len(q.Questions) != 1 {
		return fmt.Errorf("a satisfied gate asks exactly one confirmation question, got %d", len(q.Questions))
	}
	if !q.Satisfied && (len(q.Questions) < 2 || len(q.Questions) > 3) {
		return fmt.Errorf("an unsatisfied gate asks 2-3 questions, got %d", len(q.Questions))
	}
	seen := map[string]bool{}
	for i, qu := range q.Questions {
		switch {
		case strings.TrimSpace(qu.ID) == "":
			return fmt.Errorf("questions[%d].id is empty", i)
		case seen[qu.ID]:
			return fmt.Errorf("questions[%d].id %q is duplicated", i, qu.ID)
		case strings.TrimSpace(qu.Text) == "":
			return fmt.Errorf("questions[%d].text is empty", i)
		case !q.Satisfied && strings.TrimSpace(qu.Gap) == "":
			return fmt.Errorf("questions[%d] names no information gap", i)
		}
		seen[qu.ID] = true
	}
	return nil
}

// OnlyOptional reports whether every question may be skipped.
func (q QuestionSet) OnlyOptional() bool {
	for _, qu := range q.Questions {
		if !qu.Optional {
			return false
		}
	}
	return true
}

// AnswerSet holds the user's answers keyed by question id.
type AnswerSet struct {
	Answers map[string]string `json:"answers"`
}

func (AnswerSet) Kind() Kind { return KindAnswerSet }

func (a AnswerSet) Validate() error {
	for id := range a.Answers {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("answer with empty question id")
		}
	}
	return nil
}

// CheckAgainst verifies that answers reference known questions and that
// every required question has a non-blank answer.
func (a AnswerSet) CheckAgainst(q QuestionSet) error {
	known := map[string]Question{}
	for _, qu := range q.Questions {
		known[qu.ID] = qu
	}
	for id := range a.Answers {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("unknown question id %q", id)
		}
	}
	for _, qu := range q.Questions {
		if !qu.Optional && strings.TrimSpace(a.Answers[qu.ID]) == "" {
			return fmt.Errorf("question %q requires an answer", qu.ID)
		}
	}
	return nil
}

// Pairs returns the answered questions in question order, each rendered as
// the question text followed by the answer.
func (a AnswerSet) Pairs(q QuestionSet) []string {
	var out []string
	for _, qu := range q.Questions {
		if ans := strings.TrimSpace(a.Answers[qu.ID]); ans != "" {
			out = append(out, qu.Text+" "+ans)
		}
	}
	return out
}
