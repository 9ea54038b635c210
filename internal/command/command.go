// Package command runs external tools and turns their exit status into errors.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExitError is returned when an external tool exits with a non-zero status.
type ExitError struct {
	Command string
	Status  int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.Status, e.Stderr)
	}
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.Status)
}

// Builder constructs commands for a particular execution context (local,
// elevated, or on a remote host).
type Builder interface {
	Command(ctx context.Context, name string, args ...string) *exec.Cmd
}

// Local builds commands that run directly on this machine.
type Local struct{}

// Command implements Builder.
func (Local) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// Remote builds commands that run as root on another host over ssh.
type Remote struct {
	Host string
	SSH  string
}

// Command implements Builder.
func (r Remote) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	ssh := r.SSH
	if ssh == "" {
		ssh = "ssh"
	}
	full := append([]string{r.Host, "sudo", name}, args...)
	return exec.CommandContext(ctx, ssh, full...)
}

// Describe renders the command line of cmd for logs and error messages.
func Describe(cmd *exec.Cmd) string {
	if len(cmd.Args) == 0 {
		return cmd.Path
	}
	return strings.Join(cmd.Args, " ")
}

// Run runs cmd to completion and returns an *ExitError if it did not succeed.
func Run(cmd *exec.Cmd) error {
	if err := cmd.Run(); err != nil {
		return wrap(cmd, err, "")
	}
	return nil
}

// Output runs cmd and returns its standard output. Standard error goes to
// the parent's standard error unless the caller already redirected it.
func Output(cmd *exec.Cmd) ([]byte, error) {
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return nil, wrap(cmd, err, "")
	}
	return stdout.Bytes(), nil
}

// OutputCaptured is like Output but keeps standard error and includes it in
// the returned error.
func OutputCaptured(cmd *exec.Cmd) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, wrap(cmd, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// RunQuiet runs cmd with standard input from the null device and standard
// error inherited from the parent.
func RunQuiet(cmd *exec.Cmd) error {
	cmd.Stdin = nil
	cmd.Stderr = os.Stderr
	return Run(cmd)
}

// wrap converts an exec failure into an *ExitError when the process ran and
// failed, otherwise annotates the start error.
func wrap(cmd *exec.Cmd, err error, stderr string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Command: Describe(cmd),
			Status:  exitErr.ExitCode(),
			Stderr:  stderr,
		}
	}
	return fmt.Errorf("run %s: %w", Describe(cmd), err)
}

// Wait waits for a started cmd and applies the same status check as Run.
func Wait(cmd *exec.Cmd) error {
	if err := cmd.Wait(); err != nil {
		return wrap(cmd, err, "")
	}
	return nil
}
