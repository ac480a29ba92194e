package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/stagehand/internal/config"
	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/scheduler"
)

// executeCommand runs a cobra command with args and returns captured output.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

const twoStagePlan = `title: The Lighthouse
description: A mystery
genre: mystery
context_sections: [concept, draft]
concept_summary: A keeper vanishes.
stages:
  - number: 1
    name: concept
    initial_message: Develop the concept for {{.ArtifactRoot}}
    tool_capability: none
  - number: 2
    name: draft
    initial_message: Draft it
`

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

// isolate points configuration and state at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("STAGEHAND_PATHS_STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("STAGEHAND_ARTIFACTS_LOCAL_DIR", filepath.Join(dir, "jobs"))
	t.Setenv("STAGEHAND_OUTPUT_FORMAT", "text")
	t.Chdir(dir)
	return dir
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "stagehand" {
		t.Errorf("rootCmd.Use = %q", rootCmd.Use)
	}
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"plan", "revise", "execute", "run", "status", "validate", "jobs", "config", "ask", "plan-loop"} {
		if !names[want] {
			t.Errorf("missing subcommand %q", want)
		}
	}
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		in, want string
	}{
		{"auto", formatText},
		{"", formatText},
		{"json", formatJSON},
		{"tui", formatTUI},
	}
	for _, tt := range tests {
		if got := resolveFormat(tt.in, &buf); got != tt.want {
			t.Errorf("resolveFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPartialPolicy(t *testing.T) {
	if partialPolicy(config.PartialHalt) != scheduler.PolicyHalt {
		t.Error("halt should map to PolicyHalt")
	}
	if partialPolicy(config.PartialContinue) != scheduler.PolicyContinue || partialPolicy("") != scheduler.PolicyContinue {
		t.Error("continue is the default")
	}
}

func TestEmitPlan(t *testing.T) {
	p, err := plan.Unmarshal([]byte(twoStagePlan), plan.FormatYAML)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := emitPlan(&buf, p, "", "yaml"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "title: The Lighthouse") {
		t.Errorf("yaml output = %q", buf.String())
	}

	buf.Reset()
	if err := emitPlan(&buf, p, "", ""); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"title": "The Lighthouse"`) {
		t.Errorf("json output = %q", buf.String())
	}

	path := filepath.Join(t.TempDir(), "plan.yaml")
	buf.Reset()
	if err := emitPlan(&buf, p, path, ""); err != nil {
		t.Fatal(err)
	}
	if loaded, err := plan.Load(path); err != nil || loaded.Title != p.Title {
		t.Errorf("saved plan = %+v, %v", loaded, err)
	}
	if err := emitPlan(&buf, p, path, "json"); err == nil {
		t.Error("mismatched --format and extension should fail")
	}
}

func TestValidateCommand(t *testing.T) {
	dir := isolate(t)
	good := filepath.Join(dir, "plan.yaml")
	writeFile(t, good, twoStagePlan, 0644)

	out, _, err := executeCommand(rootCmd, "validate", good)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "valid (2 stages in 2 cohorts)") {
		t.Errorf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, strings.Replace(twoStagePlan, "number: 2", "number: 1", 1), 0644)
	if _, _, err := executeCommand(rootCmd, "validate", bad); err == nil {
		t.Error("duplicate stage numbers should fail validation")
	}
}

// fakeWorker is a shell script speaking the stream-json protocol.
const fakeWorker = `#!/bin/sh
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
echo 'not json'
echo '{"type":"result","subtype":"success","result":"stage done","session_id":"sess-1","num_turns":2,"total_cost_usd":0.01}'
`

func TestExecuteStatusJobs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script worker")
	}
	dir := isolate(t)
	script := filepath.Join(dir, "fake-worker.sh")
	writeFile(t, script, fakeWorker, 0755)
	t.Setenv("STAGEHAND_WORKER_COMMAND", script)
	planFile := filepath.Join(dir, "plan.yaml")
	writeFile(t, planFile, twoStagePlan, 0644)

	out, errOut, err := executeCommand(rootCmd, "execute", planFile, "--prompt", "a lighthouse mystery")
	if err != nil {
		t.Fatalf("execute error = %v\nstdout:\n%s\nstderr:\n%s", err, out, errOut)
	}
	m := regexp.MustCompile(`job: (\S+)`).FindStringSubmatch(errOut)
	if m == nil {
		t.Fatalf("no job id in stderr: %q", errOut)
	}
	jobID := m[1]
	for _, want := range []string{"✓ 1 concept", "✓ 2 draft", "job completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("execute output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "jobs", jobID, "planning", "concept-overview.md")); err != nil {
		t.Errorf("concept overview not written: %v", err)
	}

	out, _, err = executeCommand(rootCmd, "status", jobID)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, "status: completed") || !strings.Contains(out, "2 turns, $0.01") {
		t.Errorf("status output:\n%s", out)
	}

	out, _, err = executeCommand(rootCmd, "jobs")
	if err != nil {
		t.Fatalf("jobs error = %v", err)
	}
	if !strings.Contains(out, jobID) || !strings.Contains(out, "completed") || !strings.Contains(out, "The Lighthouse") {
		t.Errorf("jobs output:\n%s", out)
	}
}

func TestExecuteRequiresPlanOrResume(t *testing.T) {
	isolate(t)
	executeResume = ""
	if _, _, err := executeCommand(rootCmd, "execute"); err == nil {
		t.Error("execute without a plan file or --resume should fail")
	}
}

func TestAskJSON(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script worker")
	}
	dir := isolate(t)
	script := filepath.Join(dir, "fake-worker.sh")
	writeFile(t, script, fakeWorker, 0755)
	t.Setenv("STAGEHAND_WORKER_COMMAND", script)

	out, errOut, err := executeCommand(rootCmd, "ask", "--json", "hello")
	if err != nil {
		t.Fatalf("ask error = %v\nstderr:\n%s", err, errOut)
	}
	var got askPayload
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("ask output is not JSON: %v\n%s", err, out)
	}
	if got.SessionID != "sess-1" || got.Result != "stage done" || got.NumTurns != 2 {
		t.Errorf("payload = %+v", got)
	}
}

// fakeReviser returns canned plans and records the feedback it was given.
type fakeReviser struct {
	feedback []string
	sessions []string
}

func (f *fakeReviser) Plan(_ context.Context, prompt, _ string) (*plan.Plan, string, error) {
	return &plan.Plan{Title: prompt, Version: 1, Stages: []plan.StageDefinition{{Number: 1, Name: "concept"}}}, "sess-1", nil
}

func (f *fakeReviser) RevisePlan(_ context.Context, prev *plan.Plan, feedback, session string) (*plan.Plan, string, error) {
	f.feedback = append(f.feedback, feedback)
	f.sessions = append(f.sessions, session)
	next := prev.NextVersion(prev)
	next.Stages = append(next.Stages, plan.StageDefinition{Number: len(next.Stages) + 1, Name: "draft"})
	return next, "sess-" + strconv.Itoa(next.Version), nil
}

func TestPlanLoop(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     error
		wantVersion int
		wantRevised []string
	}{
		{"approve at once", "approve\n", nil, 1, nil},
		{"revise twice then approve", "add a draft\n\nand another\nOK\n", nil, 3, []string{"add a draft", "and another"}},
		{"input ends", "more stages\n", errors.ErrCanceled, 0, []string{"more stages"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeReviser{}
			var w bytes.Buffer
			p, err := planLoop(context.Background(), r, "Mystery", "", strings.NewReader(tt.input), &w)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("planLoop() error = %v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("planLoop() error = %v", err)
				}
				if p.Version != tt.wantVersion || len(p.Stages) != tt.wantVersion {
					t.Errorf("plan v%d with %d stages", p.Version, len(p.Stages))
				}
				if !strings.Contains(w.String(), "Plan approved.") {
					t.Errorf("output:\n%s", w.String())
				}
			}
			if !slices.Equal(r.feedback, tt.wantRevised) {
				t.Errorf("feedback = %v, want %v", r.feedback, tt.wantRevised)
			}
			for i, s := range r.sessions {
				if want := "sess-" + strconv.Itoa(i+1); s != want {
					t.Errorf("revision %d used session %q, want %q", i+1, s, want)
				}
			}
			if !strings.Contains(w.String(), "===== Plan v1 =====") || !strings.Contains(w.String(), "1. concept (concept)") {
				t.Errorf("summary missing:\n%s", w.String())
			}
		})
	}
}

func TestReportError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     string
		wantHint bool
	}{
		{"foreign", errors.New("boom"), "Error: boom", false},
		{"stage failure", errors.NewStageError("stage failed", errors.ErrWorkerFailed).WithStage(2, "draft"), "Error: ", false},
		{"timeout", errors.NewTimeoutError("planning", time.Minute), "Warning: ", true},
		{"wrapped timeout", errors.NewStageError("stage failed", errors.NewTimeoutError("worker", time.Minute)), "Error: ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w bytes.Buffer
			reportError(&w, tt.err)
			if !strings.HasPrefix(w.String(), tt.want) {
				t.Errorf("output = %q, want prefix %q", w.String(), tt.want)
			}
			if got := strings.Contains(w.String(), "Hint:"); got != tt.wantHint {
				t.Errorf("hint shown = %v, want %v", got, tt.wantHint)
			}
		})
	}
}
