package cliexec

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// LookupTimeout bounds advisor queries and cloud lookup calls. The creation
// call itself is the billable action and runs unbounded.
const LookupTimeout = 30 * time.Second

// Runner executes an external command and returns its exit code together
// with the combined stdout/stderr output. The selection and provisioning
// fallback loops depend on this seam only, so tests can script responses
// without touching a real CLI.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (int, string)
}

// ExecRunner runs commands through os/exec, inheriting the process
// environment plus any ExtraEnv entries (KEY=value).
type ExecRunner struct {
	ExtraEnv []string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (int, string) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.ExtraEnv) > 0 {
		cmd.Env = append(os.Environ(), r.ExtraEnv...)
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return 0, string(out)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), string(out)
	}
	// Start failures and context deadline expiry carry no exit code.
	return 1, string(out) + err.Error()
}
