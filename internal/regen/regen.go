// Package regen composes the two bounded quality loops around a generation
// call: the critic loop settles first, then the validator loop. Exhausting a
// loop is not an error; the last draft is returned with the exhaustion
// reported alongside it.
package regen

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"copyflow/internal/artifact"
	"copyflow/internal/critic"
	"copyflow/internal/logging"
	"copyflow/internal/metrics"
	"copyflow/internal/validator"
)

// ErrRegenerationInFlight is returned when a loop already runs for the key.
var ErrRegenerationInFlight = errors.New("regeneration already in flight for artifact")

// Loop names, also used as metric labels and on recorded drafts.
const (
	LoopInitial   = "initial"
	LoopCritic    = "critic"
	LoopValidator = "validator"
)

// Guidance is what a generation attempt is told about the previous one.
type Guidance struct {
	Loop     string
	Attempt  int
	Feedback []string
	MustFix  []string
	Previous []artifact.Segment
}

// Generator produces one segmented draft.
type Generator func(ctx context.Context, g Guidance) ([]artifact.Segment, error)

// Recorder persists each produced draft as a new artifact version.
type Recorder func(ctx context.Context, d artifact.Draft) error

// Critic is the slice of critic.Critic the controller needs.
type Critic interface {
	CritiqueDraft(ctx context.Context, segments []artifact.Segment, contentType string, cc critic.Context) (critic.Result, error)
}

type Config struct {
	CriticAttempts    int `koanf:"critic_attempts"`
	ValidatorAttempts int `koanf:"validator_attempts"`
	TopK              int `koanf:"top_k_violations"`
}

// Request describes one controlled generation.
type Request struct {
	// Key identifies the artifact being produced, e.g. "<run>/write".
	Key         string
	ContentType string
	Context     critic.Context
	Generate    Generator
	Record      Recorder
}

// Outcome is the settled result plus everything needed to explain it.
type Outcome struct {
	Draft              artifact.Draft
	CriticAttempts     int
	ValidatorAttempts  int
	TotalAttempts      int
	CriticExhausted    bool
	ValidatorExhausted bool
	Critique           critic.Result
	Report             validator.Report
	History            []artifact.Draft
	// Warnings holds a CritiqueFailure and/or StructuralViolation when a loop
	// was exhausted.
	Warnings []error
}

// Summary converts the outcome for the final artifact.
func (o Outcome) Summary() artifact.QualitySummary {
	rep, crit := o.Report, o.Critique
	q := artifact.QualitySummary{
		CriticAttempts:     o.CriticAttempts,
		ValidatorAttempts:  o.ValidatorAttempts,
		TotalAttempts:      o.TotalAttempts,
		CriticExhausted:    o.CriticExhausted,
		ValidatorExhausted: o.ValidatorExhausted,
		Report:             &rep,
		Critique:           &crit,
	}
	for _, w := range o.Warnings {
		q.Warnings = append(q.Warnings, w.Error())
	}
	return q
}

// Controller runs the loops. It is safe for concurrent use across keys.
type Controller struct {
	critic    Critic
	validator *validator.Validator
	cfg       Config
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(c Critic, v *validator.Validator, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if v == nil {
		v = validator.New(nil)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	cfg.CriticAttempts = max(cfg.CriticAttempts, 0)
	cfg.ValidatorAttempts = max(cfg.ValidatorAttempts, 0)
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{critic: c, validator: v, cfg: cfg, metrics: m, logger: logger, inFlight: map[string]struct{}{}}
}

func (c *Controller) acquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[key]; busy {
		return false
	}
	c.inFlight[key] = struct{}{}
	return true
}

func (c *Controller) release(key string) {
	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
}

// Run generates, then drives the critic loop and the validator loop in that
// order. Generation, critique and recording errors abort the run.
func (c *Controller) Run(ctx context.Context, req Request) (Outcome, error) {
	if req.Generate == nil {
		return Outcome{}, fmt.Errorf("regen: generator is nil")
	}
	if !c.acquire(req.Key) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrRegenerationInFlight, req.Key)
	}
	defer c.release(req.Key)

	log := logging.For(ctx, c.logger).With(zap.String("artifact", req.Key))
	var out Outcome

	produce := func(g Guidance) error {
		segs, err := req.Generate(ctx, g)
		if err != nil {
			return err
		}
		fb := g.Feedback
		if g.Loop == LoopValidator {
			fb = g.MustFix
		}
		d := artifact.Draft{
			Segments: segs,
			Text:     artifact.JoinSegments(segs),
			Attempt:  out.TotalAttempts,
			Loop:     g.Loop,
			Feedback: fb,
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("%s attempt %d produced an unusable draft: %w", g.Loop, g.Attempt, err)
		}
		if req.Record != nil {
			if err := req.Record(ctx, d); err != nil {
				return fmt.Errorf("record draft: %w", err)
			}
		}
		out.Draft = d
		out.History = append(out.History, d)
		return nil
	}

	if err := produce(Guidance{Loop: LoopInitial}); err != nil {
		return out, err
	}

	// critic loop
	for {
		res, err := c.critic.CritiqueDraft(ctx, out.Draft.Segments, req.ContentType, req.Context)
		if err != nil {
			return out, err
		}
		out.Critique = res
		if res.OverallPass {
			break
		}
		if out.CriticAttempts >= c.cfg.CriticAttempts {
			out.CriticExhausted = true
			c.metrics.RegenExhausted.WithLabelValues(LoopCritic).Inc()
			out.Warnings = append(out.Warnings, res.Err())
			log.Info("critic loop exhausted", zap.Int("attempts", out.CriticAttempts), zap.Strings("failed", res.Failed()))
			break
		}
		out.CriticAttempts++
		out.TotalAttempts++
		c.metrics.RegenAttempts.WithLabelValues(LoopCritic).Inc()
		log.Debug("regenerating after critique", zap.Int("attempt", out.CriticAttempts), zap.Int("score", res.Score))
		if err := produce(Guidance{Loop: LoopCritic, Attempt: out.CriticAttempts, Feedback: res.RegenerationInstructions, Previous: out.Draft.Segments}); err != nil {
			return out, err
		}
	}

	// validator loop
	for {
		rep := c.validator.ValidateDraft(out.Draft.Segments, req.ContentType)
		c.metrics.ValidatorScores.Observe(float64(rep.Score))
		out.Report = rep
		if rep.IsValid {
			break
		}
		if out.ValidatorAttempts >= c.cfg.ValidatorAttempts {
			out.ValidatorExhausted = true
			c.metrics.RegenExhausted.WithLabelValues(LoopValidator).Inc()
			out.Warnings = append(out.Warnings, rep.Err())
			log.Info("validator loop exhausted", zap.Int("attempts", out.ValidatorAttempts), zap.Int("score", rep.Score))
			break
		}
		out.ValidatorAttempts++
		out.TotalAttempts++
		c.metrics.RegenAttempts.WithLabelValues(LoopValidator).Inc()
		log.Debug("regenerating after validation", zap.Int("attempt", out.ValidatorAttempts), zap.Int("score", rep.Score))
		if err := produce(Guidance{Loop: LoopValidator, Attempt: out.ValidatorAttempts, MustFix: MustFix(rep, c.cfg.TopK), Previous: out.Draft.Segments}); err != nil {
			return out, err
		}
	}
	return out, nil
}

// MustFix renders the top k violations as generation constraints.
func MustFix(rep validator.Report, k int) []string {
	top := rep.Top(k)
	out := make([]string, 0, len(top))
	for _, v := range top {
		if v.Segment != "" {
			out = append(out, fmt.Sprintf("[%s] %s (segment %q)", v.Kind, v.Detail, v.Segment))
		} else {
			out = append(out, fmt.Sprintf("[%s] %s", v.Kind, v.Detail))
		}
	}
	return out
}
