package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// CLI implements Runtime by invoking the docker or podman binary.
type CLI struct {
	// Command is the runtime binary (docker or podman).
	Command string

	exec Executor
	log  logrus.FieldLogger
}

// CLIOption configures a CLI runtime.
type CLIOption func(*CLI)

// WithExecutor replaces the process executor, mainly for tests.
func WithExecutor(e Executor) CLIOption {
	return func(c *CLI) {
		c.exec = e
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(log logrus.FieldLogger) CLIOption {
	return func(c *CLI) {
		c.log = log
	}
}

// NewCLI creates a CLI runtime for the given binary.
func NewCLI(command string, opts ...CLIOption) *CLI {
	c := &CLI{
		Command: command,
		exec:    OSExecutor{},
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"component": "runtime.cli", "runtime": command})
	return c
}

// Detect picks a runtime binary. "auto" (or empty) prefers podman, then
// docker; any other value must be found on PATH as given.
func Detect(preferred string) (string, error) {
	if preferred != "" && preferred != "auto" {
		if _, err := exec.LookPath(preferred); err != nil {
			return "", fmt.Errorf("%s not found in PATH: %w", preferred, err)
		}
		return preferred, nil
	}

	for _, candidate := range []string{"podman", "docker"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("neither podman nor docker found in PATH")
}

// Binary implements Runtime.
func (c *CLI) Binary() string {
	return c.Command
}

// run executes a runtime subcommand, folding stderr into the error.
func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	c.log.WithField("args", strings.Join(args, " ")).Debug("Running runtime command")

	stdout, stderr, err := c.exec.Run(ctx, c.Command, args...)
	if err != nil {
		return string(stdout), fmt.Errorf("%s %s failed: %s: %w", c.Command, args[0], strings.TrimSpace(string(stderr)), err)
	}
	return string(stdout), nil
}

// Available implements Runtime using "info".
func (c *CLI) Available(ctx context.Context) error {
	_, stderr, err := c.exec.Run(ctx, c.Command, "info")
	if err != nil {
		return unavailable(string(stderr), err)
	}
	return nil
}

// ImageExists implements Runtime using "image inspect". A non-zero exit
// means the image is absent; failing to run the binary at all is an error.
func (c *CLI) ImageExists(ctx context.Context, image string) (bool, error) {
	_, _, err := c.exec.Run(ctx, c.Command, "image", "inspect", image)
	if err == nil {
		return true, nil
	}
	if IsExitError(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", image, err)
}

// Pull implements Runtime using "pull", streaming stdout to progress.
func (c *CLI) Pull(ctx context.Context, image string, progress ProgressFunc) error {
	c.log.WithField("image", image).Info("Pulling image")

	stderr, err := c.exec.Stream(ctx, progress, c.Command, "pull", image)
	if err != nil {
		return &PullError{Image: image, Stderr: string(stderr), Err: err}
	}
	return nil
}

// ResolveID implements Runtime using "ps --filter name=<name>". The first
// line of output is taken as the container id.
func (c *CLI) ResolveID(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "ps", "--filter", "name="+name, "--format", "{{.ID}}")
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ForceRemove implements Runtime using "rm -f".
func (c *CLI) ForceRemove(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "rm", "-f", ref)
	return err
}

var _ Runtime = (*CLI)(nil)
