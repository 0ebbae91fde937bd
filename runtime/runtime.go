// Package runtime talks to the container runtime that hosts tool sandboxes.
//
// Two backends implement Runtime: CLI shells out to the docker or podman
// binary, and Engine speaks the Docker Engine API directly. Both report the
// same typed errors so callers can branch with errors.Is and errors.As.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when the container runtime cannot be reached.
var ErrUnavailable = errors.New("container runtime unavailable")

// ErrNotFound is returned when a named container does not exist.
var ErrNotFound = errors.New("container not found")

// ProgressFunc receives pull progress, one line or status message at a time.
type ProgressFunc func(line string)

// Runtime is the subset of container runtime operations the sandbox manager
// depends on. Implementations must be safe for concurrent use.
type Runtime interface {
	// Binary is the executable used to spawn sandboxes with "run -i".
	Binary() string

	// Available reports whether the runtime can be reached. It returns an
	// error wrapping ErrUnavailable when it cannot.
	Available(ctx context.Context) error

	// ImageExists reports whether the image is present locally.
	ImageExists(ctx context.Context, image string) (bool, error)

	// Pull fetches the image, reporting progress as it streams. Failures are
	// returned as *PullError.
	Pull(ctx context.Context, image string, progress ProgressFunc) error

	// ResolveID returns the runtime's own id for the running container
	// with the given name.
	ResolveID(ctx context.Context, name string) (string, error)

	// ForceRemove removes a container by id or name, killing it if needed.
	ForceRemove(ctx context.Context, ref string) error
}

// PullError reports a failed image pull together with the runtime's error
// output.
type PullError struct {
	Image  string
	Stderr string
	Err    error
}

func (e *PullError) Error() string {
	msg := fmt.Sprintf("pull %s failed", e.Image)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *PullError) Unwrap() error {
	return e.Err
}

// unavailable wraps a probe failure so that errors.Is(err, ErrUnavailable)
// holds while keeping the underlying detail.
func unavailable(detail string, cause error) error {
	detail = strings.TrimSpace(detail)
	if detail == "" && cause != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, detail)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, detail, cause)
}
