package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	core "copyflow/internal/artifact"
	"copyflow/internal/critic"
	artifactrepo "copyflow/internal/gateway/repository/artifact"
	"copyflow/internal/llm"
	"copyflow/internal/logging"
	"copyflow/internal/metrics"
	"copyflow/internal/pipelineerr"
	"copyflow/internal/regen"
	"copyflow/internal/rules"
	"copyflow/internal/runner"
	"copyflow/internal/task"
	"copyflow/internal/validator"
)

var (
	ErrAlreadyResumed = errors.New("run has already been resumed")
	ErrNotSuspended   = errors.New("run is not awaiting input")
	ErrNoEventLog     = errors.New("no event log for run")
)

const (
	defaultSuspendTTL   = 24 * time.Hour
	defaultReapInterval = time.Minute
)

// Config tunes the orchestrator.
type Config struct {
	SuspendTTL   time.Duration
	ReapInterval time.Duration
	Settings     runner.Settings
	DepsUsage    runner.DepsUsageMode
}

// Options are the collaborators of a Service. Registry, Resolver, Critic,
// Regen, Validator, Events, Metrics and Logger get defaults when nil.
type Options struct {
	Runs      artifactrepo.RunStore
	Artifacts artifactrepo.Store
	Gateway   llm.Gateway

	Registry  *rules.Registry
	Resolver  runner.SpecResolver
	Critic    *critic.Critic
	Regen     *regen.Controller
	Validator *validator.Validator
	Events    *EventBroker
	Trace     *TraceLogger

	Config  Config
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Service drives pipeline runs: it sequences the phases of a run's plan,
// persists each phase artifact, suspends at the question gate and resumes
// from it, and publishes progress into the run's event log.
type Service struct {
	runs      artifactrepo.RunStore
	artifacts artifactrepo.Store
	gateway   llm.Gateway
	registry  *rules.Registry
	resolver  runner.SpecResolver
	critic    *critic.Critic
	regen     *regen.Controller
	validator *validator.Validator
	events    *EventBroker
	cfg       Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a run service.
func New(opts Options) (*Service, error) {
	if opts.Runs == nil || opts.Artifacts == nil {
		return nil, fmt.Errorf("run: run store and artifact store are required")
	}
	if opts.Gateway.Client == nil {
		return nil, fmt.Errorf("run: generation gateway is not configured")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Registry == nil {
		opts.Registry = rules.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = runner.MergeRegistries(runner.BuildRegistryContent())
	}
	if opts.Validator == nil {
		opts.Validator = validator.New(opts.Registry)
	}
	if opts.Critic == nil {
		opts.Critic = critic.New(opts.Gateway, opts.Registry)
	}
	if opts.Regen == nil {
		opts.Regen = regen.New(opts.Critic, opts.Validator, regen.Config{}, opts.Metrics, opts.Logger)
	}
	if opts.Events == nil {
		var sinks []Sink
		if opts.Trace != nil {
			sinks = append(sinks, opts.Trace)
		}
		opts.Events = NewEventBroker(0, opts.Logger, sinks...)
	}
	if !opts.Events.hasHistory() {
		// the run store's journal wins over the trace directory
		if log, ok := opts.Runs.(artifactrepo.EventLog); ok {
			journal := NewEventJournal(log)
			opts.Events.addSink(journal)
			opts.Events.WithHistory(journal)
		} else if opts.Trace != nil {
			opts.Events.WithHistory(opts.Trace)
		}
	}
	cfg := opts.Config
	if cfg.SuspendTTL <= 0 {
		cfg.SuspendTTL = defaultSuspendTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	base, stop := context.WithCancel(context.Background())
	return &Service{
		runs:      opts.Runs,
		artifacts: opts.Artifacts,
		gateway:   opts.Gateway,
		registry:  opts.Registry,
		resolver:  opts.Resolver,
		critic:    opts.Critic,
		regen:     opts.Regen,
		validator: opts.Validator,
		events:    opts.Events,
		cfg:       cfg,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		tracer:    otel.Tracer("copyflow/internal/gateway/run"),
		now:       func() time.Time { return time.Now().UTC() },
		base:      base,
		stop:      stop,
	}, nil
}

// Registry returns the rule registry runs are validated against.
func (s *Service) Registry() *rules.Registry { return s.registry }

// Events returns the broker holding the per-run event logs.
func (s *Service) Events() *EventBroker { return s.events }

// Close cancels background runs and the reaper and waits for them.
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}

// Run executes a new run synchronously until it completes, fails or
// suspends at the question gate. A task that fails validation is rejected
// before any run exists; the result then names the "input" phase at index -1.
func (s *Service) Run(ctx context.Context, spec task.Specification) (Result, error) {
	run, plan, err := s.create(ctx, spec)
	if err != nil {
		return rejected(err), err
	}
	return s.drive(ctx, run, plan, 0)
}

// Start creates a run and executes it in the background.
func (s *Service) Start(ctx context.Context, spec task.Specification) (artifactrepo.Run, error) {
	run, plan, err := s.create(ctx, spec)
	if err != nil {
		return artifactrepo.Run{}, err
	}
	s.background(run, plan, 0)
	return run, nil
}

// Resume supplies answers to a suspended run and continues it after the gate.
// A run can be resumed once; a second attempt fails with ErrAlreadyResumed.
func (s *Service) Resume(ctx context.Context, runID string, answers map[string]string) (Result, error) {
	run, plan, gate, err := s.claim(ctx, runID, answers)
	if err != nil {
		return resultOf(run, err), err
	}
	return s.drive(ctx, run, plan, gate+1)
}

// ResumeAsync claims the run like Resume and continues it in the background.
func (s *Service) ResumeAsync(ctx context.Context, runID string, answers map[string]string) (artifactrepo.Run, error) {
	run, plan, gate, err := s.claim(ctx, runID, answers)
	if err != nil {
		return run, err
	}
	s.background(run, plan, gate+1)
	return run, nil
}

// Get returns the stored run.
func (s *Service) Get(ctx context.Context, runID string) (artifactrepo.Run, error) {
	return s.runs.GetRun(ctx, strings.TrimSpace(runID))
}

// ListArtifacts returns every artifact version of a run.
func (s *Service) ListArtifacts(ctx context.Context, runID string) ([]core.PhaseArtifact, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.artifacts.ListArtifacts(ctx, run.ID)
}

// Watch streams the run's events after afterSeq: first the recorded ones,
// including those restored from the journal or trace of an earlier process,
// then live ones. The channel closes after the terminal event or when ctx is
// done. A suspended run keeps its stream open until it is resumed or expires.
func (s *Service) Watch(ctx context.Context, runID string, afterSeq int64) (<-chan runner.Event, error) {
	runID = strings.TrimSpace(runID)
	replay, live, cancel, ok := s.events.Subscribe(ctx, runID, afterSeq, 128)
	if !ok {
		if _, err := s.runs.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNoEventLog, runID)
	}

	out := make(chan runner.Event, 16)
	go func() {
		defer close(out)
		defer cancel()
		for _, ev := range replay {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Service) background(run artifactrepo.Run, plan []runner.PhaseSpec, from int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.drive(s.base, run, plan, from); err != nil {
			logging.For(logging.WithRun(s.base, run.ID), s.logger).Debug("background run ended with error", zap.Error(err))
		}
	}()
}

// create validates spec, resolves its phase plan and stores a Pending run.
func (s *Service) create(ctx context.Context, spec task.Specification) (artifactrepo.Run, []runner.PhaseSpec, error) {
	if err := spec.Validate(s.registry); err != nil {
		return artifactrepo.Run{}, nil, err
	}
	spec = spec.Normalize()
	rs := s.registry.Lookup(spec.ContentType)
	plan, err := runner.Plan(s.resolver, rs.Phases)
	if err != nil {
		return artifactrepo.Run{}, nil, fmt.Errorf("plan %s: %w", rs.ContentType, err)
	}
	now := s.now()
	run := artifactrepo.Run{
		ID:          uuid.NewString(),
		ContentType: spec.ContentType,
		Spec:        spec,
		Status:      artifactrepo.StatusPending,
		PhaseIndex:  0,
		PhaseName:   plan[0].Key,
		Phases:      append([]string(nil), rs.Phases...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return artifactrepo.Run{}, nil, fmt.Errorf("create run: %w", err)
	}
	s.metrics.Runs.WithLabelValues(string(artifactrepo.StatusPending)).Inc()
	data := map[string]any{"contentType": run.ContentType, "phases": run.Phases}
	if rs.Fallback {
		data["fallbackRules"] = rs.ContentType
	}
	s.emit(ctx, runner.Event{
		RunID:      run.ID,
		Type:       runner.EventRunStarted,
		Phase:      plan[0].Key,
		PhaseIndex: 0,
		Message:    fmt.Sprintf("%s run with %d phases", run.ContentType, len(plan)),
		Data:       data,
	})
	logging.For(logging.WithRun(ctx, run.ID), s.logger).Info("run created",
		zap.String("content_type", run.ContentType), zap.Strings("phases", run.Phases))
	return run, plan, nil
}

// claim checks answers against the gate's questions and moves the run from
// AwaitingInput to Running. The status change is atomic, so concurrent
// resumptions of one run cannot both succeed.
func (s *Service) claim(ctx context.Context, runID string, answers map[string]string) (artifactrepo.Run, []runner.PhaseSpec, int, error) {
	run, err := s.runs.GetRun(ctx, strings.TrimSpace(runID))
	if err != nil {
		return artifactrepo.Run{ID: runID}, nil, -1, err
	}
	if err := resumable(run); err != nil {
		return run, nil, run.PhaseIndex, err
	}
	plan, err := runner.Plan(s.resolver, run.Phases)
	if err != nil {
		return run, nil, run.PhaseIndex, err
	}
	gate := run.PhaseIndex
	if gate < 0 || gate >= len(plan) || !plan[gate].Gate {
		return run, nil, gate, fmt.Errorf("run %s: phase %d is not a gate", run.ID, gate)
	}

	qa, ok, err := s.artifacts.Latest(ctx, run.ID, plan[gate].Key)
	if err != nil {
		return run, nil, gate, err
	}
	if !ok {
		return run, nil, gate, fmt.Errorf("run %s: %s artifact is missing", run.ID, plan[gate].Key)
	}
	questions, err := core.Decode[core.QuestionSet](qa)
	if err != nil {
		return run, nil, gate, err
	}
	set := core.AnswerSet{Answers: make(map[string]string, len(answers))}
	for id, ans := range answers {
		set.Answers[strings.TrimSpace(id)] = strings.TrimSpace(ans)
	}
	if err := set.CheckAgainst(questions); err != nil {
		var verr pipelineerr.ValidationError
		verr.Add("answers", "%v", err)
		return run, nil, gate, verr.OrNil()
	}

	now := s.now()
	expired := false
	updated, err := s.runs.UpdateRun(ctx, run.ID, func(r *artifactrepo.Run) error {
		if err := resumable(*r); err != nil {
			return err
		}
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			markExpired(r, now)
			expired = true
			return nil
		}
		r.Status = artifactrepo.StatusRunning
		r.SuspendedAt = nil
		r.ExpiresAt = nil
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return run, nil, gate, err
	}
	run = updated
	if expired {
		s.expire(ctx, run)
		return run, nil, gate, &pipelineerr.PipelineError{PhaseIndex: gate, Phase: plan[gate].Key, Cause: pipelineerr.ErrExpired}
	}
	s.metrics.SuspendedRuns.Dec()

	if _, err := s.persist(ctx, run.ID, gate, runner.PhaseAnswers, set); err != nil {
		_, ferr := s.fail(ctx, run, gate, plan[gate].Key, err)
		return run, nil, gate, ferr
	}
	s.emit(ctx, runner.Event{
		RunID:      run.ID,
		Type:       runner.EventResumed,
		Phase:      plan[gate].Key,
		PhaseIndex: gate,
		Message:    fmt.Sprintf("resumed with %d answer(s)", len(set.Answers)),
	})
	return run, plan, gate, nil
}

func resumable(run artifactrepo.Run) error {
	switch run.Status {
	case artifactrepo.StatusAwaitingInput:
		return nil
	case artifactrepo.StatusRunning, artifactrepo.StatusCompleted:
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyResumed)
	case artifactrepo.StatusFailed:
		if run.Error != nil && run.Error.Code == string(pipelineerr.CodeExpired) {
			return fmt.Errorf("run %s: %w", run.ID, pipelineerr.ErrExpired)
		}
	}
	return fmt.Errorf("run %s (%s): %w", run.ID, run.Status, ErrNotSuspended)
}

// persist stores p as the next version of phase.
func (s *Service) persist(ctx context.Context, runID string, index int, phase string, p core.Payload) (core.PhaseArtifact, error) {
	version := 1
	prev, ok, err := s.artifacts.Latest(ctx, runID, phase)
	if err != nil {
		return core.PhaseArtifact{}, fmt.Errorf("load latest %s: %w", phase, err)
	}
	if ok {
		version = prev.Version + 1
	}
	a, err := core.New(runID, index, phase, version, p)
	if err != nil {
		return core.PhaseArtifact{}, err
	}
	if err := s.artifacts.PutArtifact(ctx, a); err != nil {
		return core.PhaseArtifact{}, fmt.Errorf("persist %s: %w", a.Key(), err)
	}
	return a, nil
}

func (s *Service) emit(ctx context.Context, ev runner.Event) {
	s.events.Append(ctx, ev)
}

func (s *Service) newEnv(run artifactrepo.Run) *runner.Env {
	return &runner.Env{
		RunID:     run.ID,
		Spec:      run.Spec,
		Rules:     s.registry.Lookup(run.Spec.ContentType),
		Registry:  s.registry,
		Gateway:   s.gateway,
		Critic:    s.critic,
		Regen:     s.regen,
		Validator: s.validator,
		Settings:  s.cfg.Settings,
		Artifacts: s.artifacts,
		Resolver:  s.resolver,
		DepsUsage: s.cfg.DepsUsage,
		Logger:    s.logger,
	}
}
