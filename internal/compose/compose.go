// Package compose shells out to the docker compose CLI.
package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"crm_devenv/internal/config"
)

const subcommand = "compose"

// ExitError carries the exit status of a compose invocation that ran and
// failed.
type ExitError struct {
	Args []string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", strings.Join(e.Args, " "), e.Code)
}

// ExitCode maps err to a process exit status: 0 for nil, the child's code
// for an *ExitError and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		return exitErr.Code
	}
	return 1
}

// Runner runs `docker compose` with the configured files and project.
type Runner struct {
	Binary  string
	Files   []string
	Project string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// New returns a runner attached to the process stdio.
func New(cfg config.ComposeConfig, logger *slog.Logger) *Runner {
	return &Runner{
		Binary:  cfg.Binary,
		Files:   cfg.Files,
		Project: cfg.Project,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Logger:  logger,
	}
}

// Args renders the full argument list passed to the binary.
func (r *Runner) Args(args ...string) []string {
	out := []string{subcommand}
	for _, f := range r.Files {
		out = append(out, "-f", f)
	}
	if r.Project != "" {
		out = append(out, "-p", r.Project)
	}
	return append(out, args...)
}

// Run executes one compose command and waits for it. A non-zero exit is
// returned as *ExitError.
func (r *Runner) Run(ctx context.Context, args ...string) error {
	binary := r.Binary
	if binary == "" {
		binary = "docker"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("locate %s: %w", binary, err)
	}

	full := r.Args(args...)
	if r.Logger != nil {
		r.Logger.Debug("running compose", "binary", path, "args", full)
	}

	cmd := exec.CommandContext(ctx, path, full...)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Args: append([]string{binary}, full...), Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("run %s %s: %w", binary, strings.Join(full, " "), err)
	}
	return nil
}
