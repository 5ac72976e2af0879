package git

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// Runner executes git commands. The interface exists so tests can script
// outcomes without a git binary on the machine.
type Runner interface {
	// Run executes git with the given arguments and returns trimmed stdout.
	// dir is the working directory; empty means the process directory.
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner is the default Runner backed by the git binary.
type ExecRunner struct{}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes git. Credential prompts are disabled: every remote operation
// must carry its auth in the URL, and a missing token fails fast instead of
// hanging on a prompt.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		return "", &CommandError{
			Args:   redactArgs(args),
			Dir:    dir,
			Output: Redact(output),
			Err:    err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError carries a failed git invocation with credentials stripped, so
// it is safe to log and to wrap into user-facing errors.
type CommandError struct {
	Args   []string
	Dir    string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	cmd := "git " + strings.Join(e.Args, " ")
	if e.Output != "" {
		return cmd + ": " + e.Output
	}
	if e.Err != nil {
		return cmd + ": " + e.Err.Error()
	}
	return cmd + ": command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// tokenURLPattern matches embedded basic-auth credentials in https URLs.
var tokenURLPattern = regexp.MustCompile(`https://[^@/\s]+@`)

// Redact strips embedded credentials from a string. Installation tokens ride
// in clone and fetch URLs and must never reach logs or error messages.
func Redact(s string) string {
	return tokenURLPattern.ReplaceAllString(s, "https://***@")
}

func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = Redact(arg)
	}
	return out
}
