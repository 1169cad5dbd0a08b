package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"copyflow/internal/gateway/run"
	"copyflow/internal/runner"
	"copyflow/internal/task"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var taskFile, answersFile, serverURL string
	cmd := &cobra.Command{
		Use:   "run -f task.yaml",
		Short: "Run the pipeline and print its events as NDJSON",
		Long: `Run the pipeline for a task file and print every event as one JSON line.

When the run stops at the question gate, answers from -a are submitted and the
run continues. Without -a the command exits after the input_required event;
continue later with "copyflow resume".

Examples:
  copyflow run -f task.yaml
  copyflow run -f task.yaml -a answers.yaml
  copyflow run -f task.yaml --server http://localhost:8081`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var spec task.Specification
			if err := readYAML(taskFile, &spec); err != nil {
				return err
			}
			var answers map[string]string
			if answersFile != "" {
				if err := readYAML(answersFile, &answers); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			d, err := opts.driver(ctx, serverURL)
			if err != nil {
				return err
			}
			defer closeDriver(ctx, d)

			runID, err := d.start(ctx, spec)
			if err != nil {
				return err
			}

			sink := run.NewNDJSONSink(cmd.OutOrStdout())
			var last runner.Event
			var resumeErr error
			err = d.watch(ctx, runID, func(ev runner.Event) bool {
				_ = sink.Publish(ctx, ev)
				last = ev
				switch {
				case ev.Type == runner.EventInputRequired:
					if answers == nil {
						return false
					}
					if resumeErr = d.resumeAsync(ctx, runID, answers); resumeErr != nil {
						return false
					}
				case ev.Type.Terminal():
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
			if resumeErr != nil {
				return resumeErr
			}
			switch last.Type {
			case runner.EventError:
				return fmt.Errorf("run %s failed in phase %s: %s", runID, last.Phase, last.Message)
			case runner.EventInputRequired:
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s is awaiting answers; continue with: copyflow resume %s -a answers.yaml\n", runID, runID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "task specification (YAML or JSON, - for stdin)")
	cmd.Flags().StringVarP(&answersFile, "answers", "a", "", "answers to submit at the question gate")
	cmd.Flags().StringVar(&serverURL, "server", "", "run on a copyflow server instead of in-process")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var answersFile, serverURL string
	cmd := &cobra.Command{
		Use:   "resume <run-id> -a answers.yaml",
		Short: "Answer a suspended run and wait for its result",
		Long: `Submit answers to a run waiting at the question gate and print the result.

In-process resumes need a persistent store (store.driver: postgres); with an
in-memory store use --server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var answers map[string]string
			if err := readYAML(answersFile, &answers); err != nil {
				return err
			}
			ctx := cmd.Context()
			d, err := opts.driver(ctx, serverURL)
			if err != nil {
				return err
			}
			defer closeDriver(ctx, d)

			res, err := d.resume(ctx, args[0], answers)
			if err != nil && res.RunID == "" {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return encErr
			}
			if err != nil {
				return err
			}
			if res.Error != nil {
				return fmt.Errorf("[%s] %s", res.Error.Code, res.Error.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&answersFile, "answers", "a", "", "answers file (YAML map of question id to answer)")
	cmd.Flags().StringVar(&serverURL, "server", "", "resume on a copyflow server instead of in-process")
	_ = cmd.MarkFlagRequired("answers")
	return cmd
}

func closeDriver(ctx context.Context, d driver) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = d.close(shutdownCtx)
}
