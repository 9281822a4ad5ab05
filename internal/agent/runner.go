package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	// Run executes argv in dir. A non-zero exit is reported through exitCode
	// with a nil error; err is set only when the command could not run or
	// was killed because ctx ended.
	Run(ctx context.Context, dir string, argv []string) (output string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, dir string, argv []string) (string, int, error) {
	if len(argv) == 0 {
		return "", -1, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	// Children that inherit stdout must not keep Wait blocked after a kill.
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return out.String(), -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return out.String(), 0, nil
	case errors.As(runErr, &exitErr):
		return out.String(), exitErr.ExitCode(), nil
	default:
		return out.String(), -1, runErr
	}
}

// expandCommand splits a command template into argv and substitutes
// {name} placeholders in each argument.
func expandCommand(template string, vars map[string]string) []string {
	fields := strings.Fields(template)
	for i, f := range fields {
		for k, v := range vars {
			f = strings.ReplaceAll(f, "{"+k+"}", v)
		}
		fields[i] = f
	}
	return fields
}

// tail returns the last n bytes of s, for error messages.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
