package verify

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kingrea/relay/internal/store"
)

// CommandCheck wraps an external command as a check. A zero exit status is a
// pass, a nonzero exit is a check failure, and anything that prevents the
// command from running to completion (missing binary, timeout) is an
// execution error. For benchmark checks the measured value is read from the
// last numeric token of the command's output.
func CommandCheck(dir string, argv []string) CheckFunc {
	return func(ctx context.Context, _ store.Document, _ store.HandoffRequest) (Outcome, error) {
		if len(argv) == 0 {
			return Outcome{}, fmt.Errorf("command check has no argv")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		output, err := cmd.CombinedOutput()
		text := strings.TrimSpace(string(output))
		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("command timed out: %w", ctx.Err())
		}
		if err != nil {
			if _, isExit := err.(*exec.ExitError); isExit {
				return Outcome{
					Passed:   false,
					Measured: lastNumericToken(text),
					Message:  tail(text),
				}, nil
			}
			return Outcome{}, fmt.Errorf("command failed to run: %w", err)
		}
		return Outcome{
			Passed:   true,
			Measured: lastNumericToken(text),
			Message:  tail(text),
		}, nil
	}
}

// lastNumericToken scans output backwards for something parseable as a float.
func lastNumericToken(output string) *float64 {
	fields := strings.Fields(output)
	for i := len(fields) - 1; i >= 0; i-- {
		token := strings.Trim(fields[i], "%,:;")
		value, err := strconv.ParseFloat(token, 64)
		if err == nil {
			return &value
		}
	}
	return nil
}

// tail keeps the last line of command output as the check message.
func tail(output string) string {
	if output == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
