package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	artifactrepo "copyflow/internal/gateway/repository/artifact"
	"copyflow/internal/gateway/run"
	"copyflow/internal/logging"
	"copyflow/internal/pipelineerr"
)

const (
	RunServiceName = "copyflow.v1.RunService"

	StartRunProcedure  = "/" + RunServiceName + "/StartRun"
	ResumeRunProcedure = "/" + RunServiceName + "/ResumeRun"
	GetRunProcedure    = "/" + RunServiceName + "/GetRun"
	WatchRunProcedure  = "/" + RunServiceName + "/WatchRun"
)

// codeHeader carries the pipeline error code alongside the Connect code.
const codeHeader = "Copyflow-Error-Code"

type RunHandler struct {
	svc    *run.Service
	logger *zap.Logger
}

func NewRunHandler(svc *run.Service, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{svc: svc, logger: logger}
}

// NewRunServiceHandler builds the Connect handler for every RunService
// procedure and returns the path prefix to mount it on.
func NewRunServiceHandler(h *RunHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	start := connect.NewUnaryHandler(StartRunProcedure, h.StartRun, opts...)
	resume := connect.NewUnaryHandler(ResumeRunProcedure, h.ResumeRun, opts...)
	get := connect.NewUnaryHandler(GetRunProcedure, h.GetRun, opts...)
	watch := connect.NewServerStreamHandler(WatchRunProcedure, h.WatchRun, opts...)
	return "/" + RunServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case StartRunProcedure:
			start.ServeHTTP(w, r)
		case ResumeRunProcedure:
			resume.ServeHTTP(w, r)
		case GetRunProcedure:
			get.ServeHTTP(w, r)
		case WatchRunProcedure:
			watch.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func (h *RunHandler) StartRun(ctx context.Context, req *connect.Request[StartRunRequest]) (*connect.Response[StartRunResponse], error) {
	if req.Msg.Wait {
		res, err := h.svc.Run(ctx, req.Msg.Spec)
		if err := h.outcome(ctx, res, err); err != nil {
			return nil, err
		}
		return connect.NewResponse(&StartRunResponse{Result: &res}), nil
	}
	created, err := h.svc.Start(ctx, req.Msg.Spec)
	if err != nil {
		return nil, toRunError(err)
	}
	return connect.NewResponse(&StartRunResponse{Run: &created}), nil
}

func (h *RunHandler) ResumeRun(ctx context.Context, req *connect.Request[ResumeRunRequest]) (*connect.Response[ResumeRunResponse], error) {
	if req.Msg.Wait {
		res, err := h.svc.Resume(ctx, req.Msg.RunID, req.Msg.Answers)
		if err := h.outcome(ctx, res, err); err != nil {
			return nil, err
		}
		return connect.NewResponse(&ResumeRunResponse{Result: &res}), nil
	}
	claimed, err := h.svc.ResumeAsync(ctx, req.Msg.RunID, req.Msg.Answers)
	if err != nil {
		return nil, toRunError(err)
	}
	return connect.NewResponse(&ResumeRunResponse{Run: &claimed}), nil
}

func (h *RunHandler) GetRun(ctx context.Context, req *connect.Request[GetRunRequest]) (*connect.Response[GetRunResponse], error) {
	got, err := h.svc.Get(ctx, req.Msg.RunID)
	if err != nil {
		return nil, toRunError(err)
	}
	out := &GetRunResponse{Run: got}
	if req.Msg.IncludeArtifacts {
		items, err := h.svc.ListArtifacts(ctx, got.ID)
		if err != nil {
			return nil, toRunError(err)
		}
		out.Artifacts = items
	}
	return connect.NewResponse(out), nil
}

// WatchRun replays the run's events after AfterSeq and follows the live
// stream until the terminal event.
func (h *RunHandler) WatchRun(ctx context.Context, req *connect.Request[WatchRunRequest], stream *connect.ServerStream[WatchRunResponse]) error {
	events, err := h.svc.Watch(ctx, req.Msg.RunID, req.Msg.AfterSeq)
	if err != nil {
		return toRunError(err)
	}
	for ev := range events {
		if err := stream.Send(&WatchRunResponse{Event: ev}); err != nil {
			return connect.NewError(connect.CodeInternal, fmt.Errorf("failed to send event: %w", err))
		}
	}
	return nil
}

// outcome decides whether a synchronous drive becomes an RPC error. A run
// that failed inside the pipeline is a result, not an RPC failure.
func (h *RunHandler) outcome(ctx context.Context, res run.Result, err error) error {
	if err == nil {
		return nil
	}
	if res.RunID == "" || isRequestError(err) {
		return toRunError(err)
	}
	logging.For(logging.WithRun(ctx, res.RunID), h.logger).Debug("run ended with error", zap.Error(err))
	return nil
}

func isRequestError(err error) bool {
	return errors.Is(err, artifactrepo.ErrNotFound) ||
		errors.Is(err, run.ErrAlreadyResumed) ||
		errors.Is(err, run.ErrNotSuspended)
}

func toRunError(err error) error {
	var verr *pipelineerr.ValidationError
	var perr *pipelineerr.ProviderError
	var cerr *connect.Error
	var out *connect.Error
	switch {
	case errors.As(err, &cerr):
		return cerr
	case errors.As(err, &verr):
		out = connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, artifactrepo.ErrNotFound), errors.Is(err, run.ErrNoEventLog):
		out = connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, run.ErrAlreadyResumed), errors.Is(err, run.ErrNotSuspended), errors.Is(err, pipelineerr.ErrExpired):
		out = connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, context.DeadlineExceeded):
		out = connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.As(err, &perr):
		out = connect.NewError(connect.CodeUnavailable, err)
	default:
		out = connect.NewError(connect.CodeInternal, fmt.Errorf("run service failed: %w", err))
	}
	if code := pipelineerr.CodeOf(err); code != "" {
		out.Meta().Set(codeHeader, string(code))
	}
	return out
}

// ErrorCode returns the pipeline error code attached to a RunService error.
func ErrorCode(err error) pipelineerr.Code {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return pipelineerr.Code(cerr.Meta().Get(codeHeader))
	}
	return pipelineerr.CodeOf(err)
}
