// Package handler serves the run API over plain HTTP: JSON for commands,
// NDJSON and WebSocket for progress streams.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"copyflow/internal/gateway/middleware"
	artifactrepo "copyflow/internal/gateway/repository/artifact"
	"copyflow/internal/gateway/run"
	"copyflow/internal/pipelineerr"
	"copyflow/internal/validator"
)

type Handler struct {
	svc       *run.Service
	validator *validator.Validator
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(svc *run.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{svc: svc, validator: validator.New(svc.Registry()), logger: logger}
	h.upgrader = newUpgrader(nil)
	return h
}

// WithOrigins limits the browser origins allowed to open a WebSocket. An
// empty list allows any origin.
func (h *Handler) WithOrigins(origins []string) *Handler {
	h.upgrader = newUpgrader(middleware.ParseOrigins(origins))
	return h
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleStart)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/runs/{id}/resume", h.handleResume)
	mux.HandleFunc("GET /v1/runs/{id}/artifacts", h.handleArtifacts)
	mux.HandleFunc("GET /v1/runs/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /v1/runs/{id}/ws", h.handleWS)
	mux.HandleFunc("POST /v1/validate", h.handleValidate)
	mux.HandleFunc("GET /v1/rules", h.handleRules)
	mux.HandleFunc("GET /v1/rules/{type}", h.handleRuleSet)
}

type errorBody struct {
	Code      string                   `json:"code"`
	Message   string                   `json:"message"`
	Fields    []pipelineerr.FieldError `json:"fields,omitempty"`
	Retryable bool                     `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(pipelineerr.CodeOf(err)), Message: err.Error(), Retryable: pipelineerr.IsRetryable(err)}
	if body.Code == "" {
		body.Code = "INTERNAL"
	}
	var verr *pipelineerr.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	writeJSON(w, statusOf(err), body)
}

func statusOf(err error) int {
	var verr *pipelineerr.ValidationError
	var perr *pipelineerr.ProviderError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, artifactrepo.ErrNotFound), errors.Is(err, run.ErrNoEventLog):
		return http.StatusNotFound
	case errors.Is(err, run.ErrAlreadyResumed), errors.Is(err, run.ErrNotSuspended):
		return http.StatusConflict
	case errors.Is(err, pipelineerr.ErrExpired):
		return http.StatusGone
	case errors.As(err, &perr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeBody reads a JSON request body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var verr pipelineerr.ValidationError
		verr.Add("body", "invalid json: %v", err)
		return verr.OrNil()
	}
	return nil
}

func wantsWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("wait")))
	return v
}

func afterSeq(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		var verr pipelineerr.ValidationError
		verr.Add("after", "must be a non-negative integer")
		return 0, verr.OrNil()
	}
	return n, nil
}
