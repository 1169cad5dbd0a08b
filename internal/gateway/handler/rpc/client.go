package rpc

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"copyflow/internal/runner"
)

// RunServiceClient calls a remote RunService.
type RunServiceClient struct {
	start  *connect.Client[StartRunRequest, StartRunResponse]
	resume *connect.Client[ResumeRunRequest, ResumeRunResponse]
	get    *connect.Client[GetRunRequest, GetRunResponse]
	watch  *connect.Client[WatchRunRequest, WatchRunResponse]
}

func NewRunServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *RunServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &RunServiceClient{
		start:  connect.NewClient[StartRunRequest, StartRunResponse](httpClient, baseURL+StartRunProcedure, opts...),
		resume: connect.NewClient[ResumeRunRequest, ResumeRunResponse](httpClient, baseURL+ResumeRunProcedure, opts...),
		get:    connect.NewClient[GetRunRequest, GetRunResponse](httpClient, baseURL+GetRunProcedure, opts...),
		watch:  connect.NewClient[WatchRunRequest, WatchRunResponse](httpClient, baseURL+WatchRunProcedure, opts...),
	}
}

func (c *RunServiceClient) StartRun(ctx context.Context, req *StartRunRequest) (*StartRunResponse, error) {
	res, err := c.start.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *RunServiceClient) ResumeRun(ctx context.Context, req *ResumeRunRequest) (*ResumeRunResponse, error) {
	res, err := c.resume.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *RunServiceClient) GetRun(ctx context.Context, req *GetRunRequest) (*GetRunResponse, error) {
	res, err := c.get.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// WatchRun calls fn for every streamed event until the stream ends or fn
// returns false.
func (c *RunServiceClient) WatchRun(ctx context.Context, req *WatchRunRequest, fn func(runner.Event) bool) error {
	stream, err := c.watch.CallServerStream(ctx, connect.NewRequest(req))
	if err != nil {
		return err
	}
	defer stream.Close()
	for stream.Receive() {
		if !fn(stream.Msg().Event) {
			return nil
		}
	}
	return stream.Err()
}
