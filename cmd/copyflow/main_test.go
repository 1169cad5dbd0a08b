package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyflow/internal/pipelineerr"
	"copyflow/internal/runner"
	"copyflow/internal/validator"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func decodeEvents(t *testing.T, out string) []runner.Event {
	t.Helper()
	var events []runner.Event
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev runner.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

const emailTaskYAML = `content_type: email
goal: Book a demo of Ledgerly
raw_inputs:
  - Ledgerly scans invoices for finance teams.
`

func TestRunStopsAtGateWithoutAnswers(t *testing.T) {
	out, errOut, err := execute(t, "run", "-f", writeFile(t, "task.yaml", emailTaskYAML), "--log-level", "error")
	require.NoError(t, err)

	events := decodeEvents(t, out)
	require.NotEmpty(t, events)
	assert.Equal(t, runner.EventRunStarted, events[0].Type)
	assert.Equal(t, runner.EventInputRequired, events[len(events)-1].Type)
	assert.Contains(t, errOut, "copyflow resume")
}

func TestRunWithAnswersCompletes(t *testing.T) {
	answers := writeFile(t, "answers.yaml", `q1: Acme cut invoice processing from 6 days to 2.
q2: 12,000 invoices processed last quarter.
`)
	out, _, err := execute(t, "run", "-f", writeFile(t, "task.yaml", emailTaskYAML), "-a", answers, "--log-level", "error")
	require.NoError(t, err)

	events := decodeEvents(t, out)
	require.NotEmpty(t, events)
	var types []runner.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, runner.EventInputRequired)
	assert.Contains(t, types, runner.EventResumed)
	assert.Equal(t, runner.EventComplete, types[len(types)-1])
}

func TestRunRejectsInvalidTask(t *testing.T) {
	_, _, err := execute(t, "run", "-f", writeFile(t, "task.yaml", "content_type: email\n"), "--log-level", "error")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	var verr *pipelineerr.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateCommand(t *testing.T) {
	clean := writeFile(t, "ok.md", "Ledgerly reads every invoice the day it arrives.")
	out, _, err := execute(t, "validate", "-t", "social_post", clean)
	var rep validator.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "social_post", rep.ContentType)
	if rep.IsValid {
		assert.NoError(t, err)
	} else {
		assert.Error(t, err)
	}

	bad := writeFile(t, "bad.md", "We are thrilled to unlock game-changing synergy — truly.")
	out, _, err = execute(t, "validate", "-t", "email", bad)
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.NotEmpty(t, rep.Violations)
	assert.Equal(t, rep.IsValid, err == nil)
}

func TestRulesCommand(t *testing.T) {
	out, _, err := execute(t, "rules")
	require.NoError(t, err)
	assert.Contains(t, out, "email")
	assert.Contains(t, out, "(default)")

	out, errOut, err := execute(t, "rules", "press_release")
	require.NoError(t, err)
	assert.Contains(t, errOut, "not registered")
	assert.Contains(t, out, "phases:")
}
