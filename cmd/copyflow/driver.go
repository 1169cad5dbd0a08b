package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"copyflow/internal/gateway/app"
	"copyflow/internal/gateway/handler/rpc"
	"copyflow/internal/gateway/run"
	"copyflow/internal/runner"
	"copyflow/internal/task"
)

// driver runs the pipeline either in this process or on a remote server.
type driver interface {
	start(ctx context.Context, spec task.Specification) (string, error)
	// watch calls fn for every event of the run until fn returns false or
	// the stream ends.
	watch(ctx context.Context, runID string, fn func(runner.Event) bool) error
	resumeAsync(ctx context.Context, runID string, answers map[string]string) error
	resume(ctx context.Context, runID string, answers map[string]string) (run.Result, error)
	close(ctx context.Context) error
}

func (o *rootOptions) driver(ctx context.Context, serverURL string) (driver, error) {
	if u := strings.TrimSpace(serverURL); u != "" {
		return &remoteDriver{client: rpc.NewRunServiceClient(http.DefaultClient, u)}, nil
	}
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &localDriver{app: a, svc: a.Service()}, nil
}

type localDriver struct {
	app *app.App
	svc *run.Service
}

func (d *localDriver) start(ctx context.Context, spec task.Specification) (string, error) {
	created, err := d.svc.Start(ctx, spec)
	return created.ID, err
}

// follow calls watch again from the last seen seq whenever the server
// reports that the stream fell behind, so fn sees every event once.
func follow(
	ctx context.Context,
	watch func(ctx context.Context, afterSeq int64, fn func(runner.Event) bool) error,
	fn func(runner.Event) bool,
) error {
	var after int64
	for {
		lagged, stopped := false, false
		err := watch(ctx, after, func(ev runner.Event) bool {
			if ev.Type == runner.EventLagged {
				lagged = true
				return false
			}
			after = ev.Seq
			if !fn(ev) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil || stopped || !lagged {
			return err
		}
	}
}

func (d *localDriver) watch(ctx context.Context, runID string, fn func(runner.Event) bool) error {
	return follow(ctx, func(ctx context.Context, afterSeq int64, fn func(runner.Event) bool) error {
		return d.watchFrom(ctx, runID, afterSeq, fn)
	}, fn)
}

func (d *localDriver) watchFrom(ctx context.Context, runID string, afterSeq int64, fn func(runner.Event) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := d.svc.Watch(ctx, runID, afterSeq)
	if err != nil {
		return err
	}
	for ev := range events {
		if !fn(ev) {
			return nil
		}
	}
	return ctx.Err()
}

func (d *localDriver) resumeAsync(ctx context.Context, runID string, answers map[string]string) error {
	_, err := d.svc.ResumeAsync(ctx, runID, answers)
	return err
}

func (d *localDriver) resume(ctx context.Context, runID string, answers map[string]string) (run.Result, error) {
	return d.svc.Resume(ctx, runID, answers)
}

func (d *localDriver) close(ctx context.Context) error {
	return d.app.Shutdown(ctx)
}

type remoteDriver struct {
	client *rpc.RunServiceClient
}

func (d *remoteDriver) start(ctx context.Context, spec task.Specification) (string, error) {
	out, err := d.client.StartRun(ctx, &rpc.StartRunRequest{Spec: spec})
	if err != nil {
		return "", err
	}
	return out.Run.ID, nil
}

func (d *remoteDriver) watch(ctx context.Context, runID string, fn func(runner.Event) bool) error {
	return follow(ctx, func(ctx context.Context, afterSeq int64, fn func(runner.Event) bool) error {
		return d.client.WatchRun(ctx, &rpc.WatchRunRequest{RunID: runID, AfterSeq: afterSeq}, fn)
	}, fn)
}

func (d *remoteDriver) resumeAsync(ctx context.Context, runID string, answers map[string]string) error {
	_, err := d.client.ResumeRun(ctx, &rpc.ResumeRunRequest{RunID: runID, Answers: answers})
	return err
}

func (d *remoteDriver) resume(ctx context.Context, runID string, answers map[string]string) (run.Result, error) {
	out, err := d.client.ResumeRun(ctx, &rpc.ResumeRunRequest{RunID: runID, Answers: answers, Wait: true})
	if err != nil {
		return run.Result{}, err
	}
	if out.Result == nil {
		return run.Result{}, fmt.Errorf("resume %s: server returned no result", runID)
	}
	return *out.Result, nil
}

func (d *remoteDriver) close(context.Context) error { return nil }
