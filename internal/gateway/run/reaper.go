package run

import (
	"context"
	"time"

	"go.uber.org/zap"

	artifactrepo "copyflow/internal/gateway/repository/artifact"
	"copyflow/internal/logging"
	"copyflow/internal/pipelineerr"
	"copyflow/internal/runner"
)

func markExpired(r *artifactrepo.Run, now time.Time) {
	r.Status = artifactrepo.StatusFailed
	r.Error = &artifactrepo.ErrorView{
		Code:       string(pipelineerr.CodeExpired),
		Message:    pipelineerr.ErrExpired.Error(),
		Phase:      r.PhaseName,
		PhaseIndex: r.PhaseIndex,
	}
	r.SuspendedAt = nil
	r.ExpiresAt = nil
	r.UpdatedAt = now
}

func (s *Service) expire(ctx context.Context, run artifactrepo.Run) {
	s.metrics.ExpiredRuns.Inc()
	s.metrics.SuspendedRuns.Dec()
	s.metrics.Runs.WithLabelValues(string(artifactrepo.StatusFailed)).Inc()
	logging.For(logging.WithRun(ctx, run.ID), s.logger).Info("suspended run expired", zap.String("phase", run.PhaseName))
	s.emit(ctx, runner.Event{
		RunID:      run.ID,
		Type:       runner.EventError,
		Phase:      run.PhaseName,
		PhaseIndex: run.PhaseIndex,
		Message:    pipelineerr.ErrExpired.Error(),
		Data:       run.Error,
	})
}

// ReapExpired fails every suspended run whose deadline has passed and
// returns how many it expired.
func (s *Service) ReapExpired(ctx context.Context) (int, error) {
	waiting, err := s.runs.ListRuns(ctx, artifactrepo.StatusAwaitingInput)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, candidate := range waiting {
		if candidate.ExpiresAt == nil || !now.After(*candidate.ExpiresAt) {
			continue
		}
		expired := false
		run, err := s.runs.UpdateRun(ctx, candidate.ID, func(r *artifactrepo.Run) error {
			// a resume may have claimed it since the listing
			if r.Status != artifactrepo.StatusAwaitingInput || r.ExpiresAt == nil || !now.After(*r.ExpiresAt) {
				return nil
			}
			markExpired(r, now)
			expired = true
			return nil
		})
		if err != nil {
			logging.For(logging.WithRun(ctx, candidate.ID), s.logger).Warn("expire run", zap.Error(err))
			continue
		}
		if expired {
			s.expire(ctx, run)
			n++
		}
	}
	return n, nil
}

// StartReaper runs ReapExpired every ReapInterval until ctx is done or the
// service is closed.
func (s *Service) StartReaper(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.base.Done():
				return
			case <-ticker.C:
				if n, err := s.ReapExpired(ctx); err != nil {
					s.logger.Warn("reap expired runs", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("expired suspended runs", zap.Int("count", n))
				}
			}
		}
	}()
}
