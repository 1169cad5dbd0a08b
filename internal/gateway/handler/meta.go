package handler

import (
	"net/http"
	"strings"

	"copyflow/internal/pipelineerr"
)

type validateBody struct {
	ContentType string `json:"contentType"`
	Text        string `json:"text"`
}

// handleValidate runs the deterministic validator on a piece of copy.
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	var verr pipelineerr.ValidationError
	if strings.TrimSpace(body.Text) == "" {
		verr.Add("text", "is required")
	}
	if strings.TrimSpace(body.ContentType) == "" {
		verr.Add("contentType", "is required")
	}
	if err := verr.OrNil(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.validator.Validate(body.Text, body.ContentType))
}

func (h *Handler) handleRules(w http.ResponseWriter, _ *http.Request) {
	reg := h.svc.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"default":      reg.DefaultContentType(),
		"contentTypes": reg.ContentTypes(),
	})
}

// handleRuleSet returns the rule set a content type resolves to, which is
// the default set for unknown types.
func (h *Handler) handleRuleSet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Registry().Lookup(r.PathValue("type")))
}
