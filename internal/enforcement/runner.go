package enforcement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
)

// Runner executes one iptables invocation and returns its combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// CommandError carries the output of a failed iptables invocation.
type CommandError struct {
	Args     []string
	Output   string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("iptables %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Output))
}

// ExecRunner runs the iptables binary. Every call passes -w so concurrent
// writers queue on the xtables lock, and lock timeouts are retried.
type ExecRunner struct {
	Path     string
	Attempts uint
	Delay    time.Duration
}

// NewExecRunner returns a runner for the binary at path.
func NewExecRunner(path string) *ExecRunner {
	if path == "" {
		path = "iptables"
	}
	return &ExecRunner{Path: path, Attempts: 3, Delay: 250 * time.Millisecond}
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	var out string
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.Attempts),
		retry.Delay(r.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(lockContention),
	).Do(func() error {
		var err error
		out, err = r.exec(ctx, args)
		return err
	})
	return out, err
}

func (r *ExecRunner) exec(ctx context.Context, args []string) (string, error) {
	full := append([]string{"-w", "5"}, args...)
	cmd := exec.CommandContext(ctx, r.Path, full...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return buf.String(), &CommandError{Args: args, Output: buf.String(), ExitCode: exitErr.ExitCode()}
		}
		return buf.String(), err
	}
	return buf.String(), nil
}

// lockContention reports whether err came from another process holding the
// xtables lock past the -w timeout.
func lockContention(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return cmdErr.ExitCode == 4 || strings.Contains(cmdErr.Output, "xtables lock")
}
