package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// maxDiagnosticBytes caps how much stderr is copied into diagnostics.
const maxDiagnosticBytes = 4096

// CommandAgent runs an external command for a stage. The StageInput is
// written to stdin as JSON and a JSON StageResult is read from stdout.
// The stage name is also exported as PIPELINE_STAGE.
type CommandAgent struct {
	Command string
	Dir     string
	Env     []string
}

// NewCommandAgent validates and parses command eagerly so configuration
// errors surface at startup rather than on first invocation.
func NewCommandAgent(command, dir string) (*CommandAgent, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil, fmt.Errorf("agent command must not be empty or whitespace")
	}
	if _, err := splitShellArgs(trimmed); err != nil {
		return nil, fmt.Errorf("parse agent command: %w", err)
	}
	return &CommandAgent{Command: trimmed, Dir: dir}, nil
}

// Execute implements Agent.
func (c *CommandAgent) Execute(ctx context.Context, in StageInput) (StageResult, error) {
	parts, err := splitShellArgs(c.Command)
	if err != nil {
		return StageResult{}, fmt.Errorf("parse agent command: %w", err)
	}
	if len(parts) == 0 {
		return StageResult{}, fmt.Errorf("agent command is empty")
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return StageResult{}, fmt.Errorf("encode stage input: %w", err)
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), c.Env...),
		"PIPELINE_STAGE="+in.Stage,
		"PIPELINE_RUN_ID="+in.RunID,
		"PIPELINE_TASK_TYPE="+in.TaskType,
	)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return StageResult{}, ctx.Err()
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > 0 {
		result, parseErr := ParseResult(in.Stage, out)
		if parseErr == nil {
			return result, nil
		}
		if runErr == nil {
			return Failure(in.Stage, FailureUnknown, parseErr.Error()), nil
		}
	}

	if runErr != nil {
		diag := tail(stderr.String(), maxDiagnosticBytes)
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Failure(in.Stage, FailureUnknown,
				fmt.Sprintf("agent exited with code %d", exitErr.ExitCode()), diag), nil
		}
		return StageResult{}, fmt.Errorf("start agent %q: %w", parts[0], runErr)
	}

	// A silent zero exit is treated as success with no artifacts.
	return Success(in.Stage, nil), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// splitShellArgs tokenizes s like a POSIX shell, respecting single and double
// quotes and backslash escapes outside quotes. No variable expansion or
// globbing is performed.
func splitShellArgs(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inSingle := false
	inDouble := false
	pending := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inSingle:
			if ch == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(ch)
			}
		case inDouble:
			if ch == '\\' && i+1 < len(s) && strings.IndexByte("\"\\$`\n", s[i+1]) >= 0 {
				cur.WriteByte(s[i+1])
				i++
			} else if ch == '"' {
				inDouble = false
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\\':
			if i+1 < len(s) {
				cur.WriteByte(s[i+1])
				i++
			}
			pending = true
		case ch == '\'':
			inSingle = true
			pending = true
		case ch == '"':
			inDouble = true
			pending = true
		case ch == ' ' || ch == '\t':
			if pending || cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteByte(ch)
			pending = true
		}
	}

	if inSingle {
		return nil, fmt.Errorf("unterminated single quote in agent command")
	}
	if inDouble {
		return nil, fmt.Errorf("unterminated double quote in agent command")
	}
	if pending || cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args, nil
}
