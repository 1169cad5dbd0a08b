package rpc

import (
	core "copyflow/internal/artifact"
	artifactrepo "copyflow/internal/gateway/repository/artifact"
	"copyflow/internal/gateway/run"
	"copyflow/internal/runner"
	"copyflow/internal/task"
)

type StartRunRequest struct {
	Spec task.Specification `json:"spec"`
	// Wait blocks until the run completes, fails or suspends.
	Wait bool `json:"wait,omitempty"`
}

type StartRunResponse struct {
	Run    *artifactrepo.Run `json:"run,omitempty"`
	Result *run.Result       `json:"result,omitempty"`
}

type ResumeRunRequest struct {
	RunID   string            `json:"runId"`
	Answers map[string]string `json:"answers"`
	Wait    bool              `json:"wait,omitempty"`
}

type ResumeRunResponse struct {
	Run    *artifactrepo.Run `json:"run,omitempty"`
	Result *run.Result       `json:"result,omitempty"`
}

type GetRunRequest struct {
	RunID            string `json:"runId"`
	IncludeArtifacts bool   `json:"includeArtifacts,omitempty"`
}

type GetRunResponse struct {
	Run       artifactrepo.Run        `json:"run"`
	Artifacts []core.PhaseArtifact `json:"artifacts,omitempty"`
}

type WatchRunRequest struct {
	RunID    string `json:"runId"`
	AfterSeq int64  `json:"afterSeq,omitempty"`
}

type WatchRunResponse struct {
	Event runner.Event `json:"event"`
}
