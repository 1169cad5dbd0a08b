package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"copyflow/internal/gateway/middleware"
	"copyflow/internal/pipelineerr"
	"copyflow/internal/runner"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(allowed, r.Header.Get("Origin"))
		},
	}
}

type wsInbound struct {
	Type    string            `json:"type"`
	Answers map[string]string `json:"answers,omitempty"`
}

type wsOutbound struct {
	Type    string        `json:"type"`
	RunID   string        `json:"runId,omitempty"`
	Event   *runner.Event `json:"event,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
}

// handleWS streams the run's events over a WebSocket and accepts the
// answers of a suspended run on the same connection:
//
//	-> {"type":"answer","answers":{"q1":"..."}}
//	<- {"type":"event","event":{...}}
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("id"))
	after, err := afterSeq(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.svc.Get(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		h.logger.Debug("ws set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan wsOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case out, ok := <-writeCh:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	events, err := h.svc.Watch(ctx, runID, after)
	if err != nil {
		// the writer drains the error frame, then closes the connection
		pushWS(ctx, writeCh, wsOutbound{Type: "error", Code: codeOf(err), Message: err.Error()})
		close(writeCh)
		<-writerDone
		return
	}
	pushWS(ctx, writeCh, wsOutbound{Type: "subscribed", RunID: runID})

	go func() {
		for ev := range events {
			pushWS(ctx, writeCh, wsOutbound{Type: "event", RunID: runID, Event: &ev})
		}
	}()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			pushWS(ctx, writeCh, wsOutbound{Type: "pong"})
		case "answer":
			if _, err := h.svc.ResumeAsync(ctx, runID, in.Answers); err != nil {
				pushWS(ctx, writeCh, wsOutbound{Type: "error", Code: codeOf(err), Message: err.Error()})
				continue
			}
			pushWS(ctx, writeCh, wsOutbound{Type: "answer_ack", RunID: runID})
		case "":
			pushWS(ctx, writeCh, wsOutbound{Type: "error", Code: string(pipelineerr.CodeValidation), Message: "type is required"})
		default:
			pushWS(ctx, writeCh, wsOutbound{Type: "error", Code: string(pipelineerr.CodeValidation), Message: "unsupported type: " + in.Type})
		}
	}
}

func pushWS(ctx context.Context, writeCh chan<- wsOutbound, out wsOutbound) {
	select {
	case writeCh <- out:
	case <-ctx.Done():
	}
}

func codeOf(err error) string {
	if c := pipelineerr.CodeOf(err); c != "" {
		return string(c)
	}
	return http.StatusText(statusOf(err))
}
