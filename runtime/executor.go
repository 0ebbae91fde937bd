package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Executor abstracts process execution so the CLI backend can be tested
// without a container runtime installed.
type Executor interface {
	// Run executes a command to completion and returns its stdout and stderr.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

	// Stream executes a command, handing each stdout line to onLine as it
	// arrives. Stderr is captured and returned once the command exits.
	Stream(ctx context.Context, onLine func(string), name string, args ...string) (stderr []byte, err error)
}

// ExitCoder is implemented by errors that carry a process exit status,
// such as *exec.ExitError.
type ExitCoder interface {
	ExitCode() int
}

// IsExitError reports whether err came from a process that ran and exited
// non-zero, as opposed to one that could not be started at all.
func IsExitError(err error) bool {
	var coder ExitCoder
	return errors.As(err, &coder)
}

// OSExecutor runs real processes.
type OSExecutor struct{}

// Run implements Executor.
func (OSExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Stream implements Executor.
func (OSExecutor) Stream(ctx context.Context, onLine func(string), name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}

	// Wait must run after the pipe is drained.
	err = cmd.Wait()
	return stderr.Bytes(), err
}

var _ Executor = OSExecutor{}
