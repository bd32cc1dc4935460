package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/engine"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
)

// writeProject creates a config whose default agent succeeds silently.
func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	agent := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(agent, []byte("#!/bin/sh\ncat >/dev/null\n"), 0o755))

	cfg := fmt.Sprintf(`agents:
  default: %s
memory:
  path: %s
registry:
  path: %s
log:
  level: error
`, agent, filepath.Join(dir, "data", "memory.db"), filepath.Join(dir, "data", "registry.db"))
	path := filepath.Join(dir, ".pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "pipelinecore "+version+"\n", out)
}

func TestRunCommand_AutoApprove(t *testing.T) {
	cfgPath := writeProject(t)

	out, err := execute(t, "", "--config", cfgPath, "--json",
		"run", "Fix crash on empty cart", "--type", "bug_fix", "--auto-approve")
	require.NoError(t, err)

	var view engine.RunView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, kernel.RunStatusCompleted, view.Status)
	assert.Equal(t, "bug_fix", string(view.TaskType))
	assert.NotEmpty(t, view.Results)
}

func TestRunCommand_PlanOnly(t *testing.T) {
	cfgPath := writeProject(t)

	out, err := execute(t, "", "--config", cfgPath, "--json",
		"run", "Fix crash on empty cart", "--type", "bug_fix", "--plan-only")
	require.NoError(t, err)

	var view engine.RunView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, kernel.RunStatusPlanned, view.Status)
	assert.NotEmpty(t, view.Plan)
	assert.Empty(t, view.Results)
}

func TestMemoryVerifyAfterRun(t *testing.T) {
	cfgPath := writeProject(t)
	_, err := execute(t, "", "--config", cfgPath, "--json",
		"run", "Fix crash on empty cart", "--type", "bug_fix", "--auto-approve")
	require.NoError(t, err)

	out, err := execute(t, "", "--config", cfgPath, "memory", "verify")
	require.NoError(t, err, out)
	assert.Contains(t, out, "index consistent")
}

func TestRegistryGetUnknownKind(t *testing.T) {
	_, err := execute(t, "", "--config", writeProject(t), "registry", "get", "planets", "x")
	assert.Error(t, err)
}

func TestRunCommand_NoAgents(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\nmemory:\n  path: "+
		filepath.Join(filepath.Dir(path), "m.db")+"\nregistry:\n  path: "+
		filepath.Join(filepath.Dir(path), "r.db")+"\n"), 0o644))

	_, err := execute(t, "", "--config", path, "run", "Fix it", "--type", "bug_fix")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agents configured")
}

func TestOpenApp_ErrorClosesWhatWasOpened(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("log:\n  level: error\nmemory:\n  path: %s\nregistry:\n  path: %s\n",
		filepath.Join(dir, "m.db"), filepath.Join(dir, "r.db"))), 0o644))

	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })

	var (
		a   *app
		err error
	)
	require.NotPanics(t, func() {
		a, err = openApp(context.Background(), appOptions{withEngine: true})
	})
	require.Error(t, err)
	assert.Nil(t, a)

	// The stores were closed, so opening them again succeeds.
	a, err = openApp(context.Background(), appOptions{})
	require.NoError(t, err)
	assert.NoError(t, a.close())
}

// =============================================================================
// HELPER TESTS
// =============================================================================

func TestParseDecision(t *testing.T) {
	tests := []struct {
		line    string
		want    kernel.Decision
		wantErr bool
	}{
		{line: "approve", want: kernel.Decision{Action: kernel.ActionApprove}},
		{line: "reject wrong module", want: kernel.Decision{Action: kernel.ActionReject, Comment: "wrong module"}},
		{line: "edit name=cartItems size=3", want: kernel.Decision{
			Action:     kernel.ActionEdit,
			Amendments: map[string]any{"name": "cartItems", "size": "3"},
		}},
		{line: "edit", wantErr: true},
		{line: "edit name", wantErr: true},
		{line: "answer bug_fix", wantErr: true},
		{line: "maybe", wantErr: true},
		{line: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseDecision(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			got.Reviewer = ""
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildAgents(t *testing.T) {
	cfg := config.DefaultProjectConfig()
	_, err := buildAgents(cfg, "")
	assert.Error(t, err)

	cfg.Agents = map[string]string{"default": "./agent.sh", "lint": "golangci-lint run"}
	reg, err := buildAgents(cfg, "/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"lint"}, reg.List())
	assert.True(t, reg.Has("build"), "default serves unlisted stages")

	cfg.Agents = map[string]string{"lint": `run "open`}
	_, err = buildAgents(cfg, "")
	assert.Error(t, err)
}

func TestPrompter(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("  bug_fix \nyes\n"), &out)

	answer, err := p.ask("Which kind?")
	require.NoError(t, err)
	assert.Equal(t, "bug_fix", answer)

	ok, err := p.confirm("Resume?")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Resume? [y/N]")

	_, err = p.ask("again?")
	assert.Error(t, err, "EOF")
}
