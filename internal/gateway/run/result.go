package run

import (
	"time"

	core "copyflow/internal/artifact"
	artifactrepo "copyflow/internal/gateway/repository/artifact"
)

// Result is the outcome of one synchronous drive of a run.
type Result struct {
	Success    bool                    `json:"success"`
	Suspended  bool                    `json:"suspended"`
	RunID      string                  `json:"runId,omitempty"`
	Status     artifactrepo.Status     `json:"status,omitempty"`
	Phase      string                  `json:"phase"`
	PhaseIndex int                     `json:"phaseIndex"`
	Artifact   *core.CopySet           `json:"artifact,omitempty"`
	Questions  *core.QuestionSet       `json:"questions,omitempty"`
	ExpiresAt  *time.Time              `json:"expiresAt,omitempty"`
	Error      *artifactrepo.ErrorView `json:"error,omitempty"`
}

// rejected describes a task refused before any run was created.
func rejected(err error) Result {
	return Result{Phase: "input", PhaseIndex: -1, Error: errorView(err, "input", -1)}
}

func resultOf(run artifactrepo.Run, err error) Result {
	return Result{
		RunID:      run.ID,
		Status:     run.Status,
		Phase:      run.PhaseName,
		PhaseIndex: run.PhaseIndex,
		Error:      errorView(err, run.PhaseName, run.PhaseIndex),
	}
}
