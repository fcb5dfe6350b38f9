// Package hook runs the operator's pre-receive script against a staged clone.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when the hook outlives its deadline.
var ErrTimeout = errors.New("hook timed out")

// Result holds the captured output of a hook run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Message joins the trimmed stdout and stderr for reporting to the pusher.
func (r *Result) Message() string {
	var parts []string
	for _, s := range []string{r.Stdout, r.Stderr} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// Runner executes hook scripts with a wall-clock limit.
type Runner struct {
	Timeout time.Duration
	// WaitDelay bounds how long to wait for pipes after the process is killed.
	WaitDelay time.Duration
	Env       map[string]string
}

// Exists reports whether a regular file is present at path.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Run executes the hook with dir as working directory and input on stdin.
// A non-zero exit is reported through Result.ExitCode with a nil error;
// errors are reserved for failures to run the hook at all and timeouts.
func (r Runner) Run(ctx context.Context, path, dir, input string) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(input)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	if len(r.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range r.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", ErrTimeout, r.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run hook %s: %w", path, err)
	}
	return res, nil
}
