package handler

import (
	"net/http"

	"go.uber.org/zap"

	"copyflow/internal/gateway/run"
	"copyflow/internal/logging"
	"copyflow/internal/task"
)

type resumeBody struct {
	Answers map[string]string `json:"answers"`
}

// handleStart creates a run. With ?wait=true it blocks until the run
// completes, fails or suspends and answers with the run result.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var spec task.Specification
	if err := decodeBody(w, r, &spec); err != nil {
		writeError(w, err)
		return
	}
	if wantsWait(r) {
		res, err := h.svc.Run(r.Context(), spec)
		h.writeResult(w, r, res, err)
		return
	}
	created, err := h.svc.Start(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if wantsWait(r) {
		res, err := h.svc.Resume(r.Context(), id, body.Answers)
		h.writeResult(w, r, res, err)
		return
	}
	claimed, err := h.svc.ResumeAsync(r.Context(), id, body.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, claimed)
}

// writeResult answers with the result body. A run that failed inside the
// pipeline is still reported as a result; only rejected requests become
// plain errors.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res run.Result, err error) {
	if err != nil && res.RunID == "" {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusOf(err)
		logging.For(logging.WithRun(r.Context(), res.RunID), h.logger).Debug("run request ended with error", zap.Error(err))
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	got, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *Handler) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	items, err := h.svc.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": id, "artifacts": items})
}

// handleEvents streams the run's events as NDJSON, one event per line.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := afterSeq(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := h.svc.Watch(r.Context(), r.PathValue("id"), after)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	sink := run.NewNDJSONSink(w)
	for ev := range events {
		if err := sink.Publish(r.Context(), ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
