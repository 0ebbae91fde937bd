package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sirupsen/logrus"
)

// Engine implements Runtime against the Docker Engine API. Sandboxes are
// still spawned through the CLI binary, since the tool protocol runs over
// the stdio of the "run -i" subprocess.
type Engine struct {
	client *client.Client
	binary string
	log    logrus.FieldLogger
}

// NewEngine connects to the Docker daemon, trying DOCKER_HOST first and then
// the usual socket locations. It returns an error wrapping ErrUnavailable if
// no daemon answers.
func NewEngine(binary string, log logrus.FieldLogger) (*Engine, error) {
	cli, err := createDockerClient()
	if err != nil {
		return nil, unavailable("", err)
	}
	return NewEngineWithClient(cli, binary, log), nil
}

// NewEngineWithClient wraps an existing Docker API client.
func NewEngineWithClient(cli *client.Client, binary string, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		client: cli,
		binary: binary,
		log:    log.WithFields(logrus.Fields{"component": "runtime.engine", "runtime": binary}),
	}
}

// createDockerClient creates a Docker client, trying multiple socket
// locations for Docker Desktop and Colima setups.
func createDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}

	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()

		if err == nil {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("could not connect to Docker daemon")
}

// Binary implements Runtime.
func (e *Engine) Binary() string {
	return e.binary
}

// Available implements Runtime using the daemon ping endpoint.
func (e *Engine) Available(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// ImageExists implements Runtime.
func (e *Engine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := e.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", ref, err)
}

// Pull implements Runtime. The daemon reports failures inside the progress
// stream, so every message is decoded and checked.
func (e *Engine) Pull(ctx context.Context, ref string, progress ProgressFunc) error {
	e.log.WithField("image", ref).Info("Pulling image")

	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &PullError{Image: ref, Stderr: err.Error(), Err: err}
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &PullError{Image: ref, Err: fmt.Errorf("reading pull output: %w", err)}
		}

		if msg.Error != nil {
			return &PullError{Image: ref, Stderr: msg.Error.Message, Err: msg.Error}
		}

		if progress != nil {
			progress(formatProgress(msg))
		}
	}
}

func formatProgress(msg jsonmessage.JSONMessage) string {
	parts := make([]string, 0, 3)
	if msg.ID != "" {
		parts = append(parts, msg.ID+":")
	}
	if msg.Status != "" {
		parts = append(parts, msg.Status)
	}
	if msg.Progress != nil {
		if p := msg.Progress.String(); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// ResolveID implements Runtime. The name filter matches substrings, so an
// exact name match is preferred over the first result.
func (e *Engine) ResolveID(ctx context.Context, name string) (string, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("listing containers: %w", err)
	}

	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}
	if len(containers) > 0 {
		return containers[0].ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ForceRemove implements Runtime.
func (e *Engine) ForceRemove(ctx context.Context, ref string) error {
	if err := e.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", ref, err)
	}
	return nil
}

// Close closes the Docker client.
func (e *Engine) Close() error {
	return e.client.Close()
}

var _ Runtime = (*Engine)(nil)
