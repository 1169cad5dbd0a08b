package run

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	core "copyflow/internal/artifact"
	artifactrepo "copyflow/internal/gateway/repository/artifact"
	"copyflow/internal/logging"
	"copyflow/internal/pipelineerr"
	"copyflow/internal/runner"
)

// drive executes plan[from:] one phase at a time. It returns at the first
// failure, at a suspending gate, or when the last phase completes.
func (s *Service) drive(ctx context.Context, run artifactrepo.Run, plan []runner.PhaseSpec, from int) (Result, error) {
	ctx = logging.WithRun(ctx, run.ID)
	ctx, span := s.tracer.Start(ctx, "copyflow.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.content_type", run.ContentType),
		attribute.Int("run.from_phase", from),
	))
	defer span.End()

	runID := run.ID
	ctx = runner.WithEmitter(ctx, runner.EmitterFunc(func(ev runner.Event) {
		ev.RunID = runID
		s.emit(ctx, ev)
	}))

	env := s.newEnv(run)
	var last runner.PhaseOutput
	for i := from; i < len(plan); i++ {
		spec := plan[i]
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, run, i, spec.Key, err)
		}
		if _, err := s.runs.UpdateRun(ctx, run.ID, func(r *artifactrepo.Run) error {
			r.Status = artifactrepo.StatusRunning
			r.PhaseIndex = i
			r.PhaseName = spec.Key
			r.UpdatedAt = s.now()
			return nil
		}); err != nil {
			return s.fail(ctx, run, i, spec.Key, err)
		}
		s.emit(ctx, runner.Event{
			RunID:      run.ID,
			Type:       runner.EventPhaseStarted,
			Phase:      spec.Key,
			PhaseIndex: i,
			Message:    spec.Description,
		})

		out, err := s.executePhase(ctx, env, i, spec)
		if err != nil {
			return s.fail(ctx, run, i, spec.Key, err)
		}
		a, err := s.persist(ctx, run.ID, i, spec.Key, out.Payload)
		if err != nil {
			return s.fail(ctx, run, i, spec.Key, err)
		}
		s.emit(ctx, runner.Event{
			RunID:      run.ID,
			Type:       runner.EventPhaseCompleted,
			Phase:      spec.Key,
			PhaseIndex: i,
			Message:    fmt.Sprintf("%s v%d stored", a.Kind, a.Version),
			Data:       map[string]any{"kind": a.Kind, "version": a.Version},
		})
		last = out

		if !spec.Gate {
			continue
		}
		questions, _ := out.Payload.(core.QuestionSet)
		if out.Suspend {
			return s.suspend(ctx, run, i, spec.Key, questions)
		}
		// auto-confirmed: the gate's answers are empty
		if _, err := s.persist(ctx, run.ID, i, runner.PhaseAnswers, core.AnswerSet{Answers: map[string]string{}}); err != nil {
			return s.fail(ctx, run, i, spec.Key, err)
		}
		logging.For(ctx, s.logger).Info("gate auto-confirmed", zap.String("phase", spec.Key), zap.Int("questions", len(questions.Questions)))
	}
	return s.complete(ctx, run, plan, last)
}

func (s *Service) executePhase(ctx context.Context, env *runner.Env, index int, spec runner.PhaseSpec) (runner.PhaseOutput, error) {
	ctx = logging.WithPhase(ctx, spec.Key)
	ctx, span := s.tracer.Start(ctx, "copyflow.phase."+spec.Key, trace.WithAttributes(
		attribute.String("phase.name", spec.Key),
		attribute.Int("phase.index", index),
	))
	defer span.End()

	env.PhaseIndex = index
	env.Record = func(ctx context.Context, p core.Payload) error {
		_, err := s.persist(ctx, env.RunID, index, spec.Key, p)
		return err
	}
	defer func() { env.Record = nil }()

	start := time.Now()
	out, err := runner.Execute(ctx, spec, env)
	s.metrics.PhaseDuration.WithLabelValues(spec.Key).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	logging.For(ctx, s.logger).Debug("phase completed", zap.Duration("took", time.Since(start)))
	return out, nil
}

func (s *Service) suspend(ctx context.Context, run artifactrepo.Run, index int, phase string, questions core.QuestionSet) (Result, error) {
	now := s.now()
	expires := now.Add(s.cfg.SuspendTTL)
	updated, err := s.runs.UpdateRun(ctx, run.ID, func(r *artifactrepo.Run) error {
		r.Status = artifactrepo.StatusAwaitingInput
		r.PhaseIndex = index
		r.PhaseName = phase
		r.SuspendedAt = &now
		r.ExpiresAt = &expires
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return s.fail(ctx, run, index, phase, err)
	}
	s.metrics.SuspendedRuns.Inc()
	s.metrics.Runs.WithLabelValues(string(artifactrepo.StatusAwaitingInput)).Inc()
	s.emit(ctx, runner.Event{
		RunID:      run.ID,
		Type:       runner.EventInputRequired,
		Phase:      phase,
		PhaseIndex: index,
		Message:    fmt.Sprintf("%d question(s) awaiting answers until %s", len(questions.Questions), expires.Format(time.RFC3339)),
		Data:       questions,
	})
	logging.For(ctx, s.logger).Info("run suspended", zap.Int("questions", len(questions.Questions)), zap.Time("expires_at", expires))
	return Result{
		Suspended:  true,
		RunID:      run.ID,
		Status:     updated.Status,
		Phase:      phase,
		PhaseIndex: index,
		Questions:  &questions,
		ExpiresAt:  &expires,
	}, nil
}

func (s *Service) complete(ctx context.Context, run artifactrepo.Run, plan []runner.PhaseSpec, last runner.PhaseOutput) (Result, error) {
	index := len(plan) - 1
	phase := plan[index].Key
	copySet, isCopy := last.Payload.(core.CopySet)
	now := s.now()
	if _, err := s.runs.UpdateRun(ctx, run.ID, func(r *artifactrepo.Run) error {
		r.Status = artifactrepo.StatusCompleted
		r.PhaseIndex = index
		r.PhaseName = phase
		r.UpdatedAt = now
		if isCopy {
			q := copySet.Quality
			r.Attempts = &q
		}
		return nil
	}); err != nil {
		return s.fail(ctx, run, index, phase, err)
	}
	s.metrics.Runs.WithLabelValues(string(artifactrepo.StatusCompleted)).Inc()

	res := Result{Success: true, RunID: run.ID, Status: artifactrepo.StatusCompleted, Phase: phase, PhaseIndex: index}
	var data any = last.Payload
	if isCopy {
		res.Artifact = &copySet
		data = copySet
	}
	s.emit(ctx, runner.Event{
		RunID:      run.ID,
		Type:       runner.EventComplete,
		Phase:      phase,
		PhaseIndex: index,
		Message:    "COMPLETE",
		Data:       data,
	})
	logging.For(ctx, s.logger).Info("run completed", zap.String("phase", phase))
	return res, nil
}

// fail records a phase failure. The run keeps every artifact stored so far.
func (s *Service) fail(ctx context.Context, run artifactrepo.Run, index int, phase string, cause error) (Result, error) {
	perr := &pipelineerr.PipelineError{PhaseIndex: index, Phase: phase, Cause: cause}
	view := errorView(perr, phase, index)
	now := s.now()
	// the run's ctx may already be cancelled
	bg := context.WithoutCancel(ctx)
	if _, err := s.runs.UpdateRun(bg, run.ID, func(r *artifactrepo.Run) error {
		r.Status = artifactrepo.StatusFailed
		r.PhaseIndex = index
		r.PhaseName = phase
		r.Error = view
		r.SuspendedAt = nil
		r.ExpiresAt = nil
		r.UpdatedAt = now
		return nil
	}); err != nil {
		logging.For(ctx, s.logger).Error("record run failure", zap.Error(err))
	}
	s.metrics.PhaseFailures.WithLabelValues(phase).Inc()
	s.metrics.Runs.WithLabelValues(string(artifactrepo.StatusFailed)).Inc()
	logging.For(ctx, s.logger).Warn("run failed", zap.String("phase", phase), zap.Int("phase_index", index), zap.String("code", view.Code), zap.Error(cause))
	s.emit(bg, runner.Event{
		RunID:      run.ID,
		Type:       runner.EventError,
		Phase:      phase,
		PhaseIndex: index,
		Message:    perr.Error(),
		Data:       view,
	})
	return Result{RunID: run.ID, Status: artifactrepo.StatusFailed, Phase: phase, PhaseIndex: index, Error: view}, perr
}

func errorView(err error, phase string, index int) *artifactrepo.ErrorView {
	code := pipelineerr.CodeOf(err)
	if code == "" {
		code = pipelineerr.CodePipeline
	}
	return &artifactrepo.ErrorView{
		Code:       string(code),
		Message:    err.Error(),
		Phase:      phase,
		PhaseIndex: index,
		Retryable:  pipelineerr.IsRetryable(err),
	}
}
