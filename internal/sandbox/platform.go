package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Platform provisions disposable execution environments.
type Platform interface {
	Name() string
	Create(ctx context.Context, opts CreateOptions) (Environment, error)
	Close() error
}

// CreateOptions configures a new environment.
type CreateOptions struct {
	// Timeout is the wall-clock lifetime after which the platform may reclaim
	// the environment on its own.
	Timeout time.Duration
	// Ports the environment should expose for previews.
	Ports []int
}

// Environment is a single provisioned sandbox. It is owned by exactly one
// call and must be terminated by it.
type Environment interface {
	ID() string
	WriteFile(ctx context.Context, path, content string) error
	// RunCommand runs a bash command line. A command that exceeds timeout
	// returns the output captured so far together with an error wrapping
	// ErrTimeout.
	RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error)
	Terminate(ctx context.Context) error
}

// Previewer is implemented by environments that expose network ports to the
// outside world.
type Previewer interface {
	PreviewURL(ctx context.Context, port int) (string, error)
}

// HealthChecker is implemented by platforms that can report whether their
// backing service is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// CommandResult is the raw outcome of one command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Unavailable returns a Platform whose every Create fails with
// ErrPlatformUnavailable. The server runs on it when no real platform could
// be configured, so health and metrics stay reachable.
func Unavailable(cause error) Platform {
	return unavailable{cause: cause}
}

type unavailable struct{ cause error }

func (unavailable) Name() string { return "unavailable" }

func (u unavailable) Create(context.Context, CreateOptions) (Environment, error) {
	if errors.Is(u.cause, ErrPlatformUnavailable) {
		return nil, u.cause
	}
	return nil, fmt.Errorf("%w: %v", ErrPlatformUnavailable, u.cause)
}

func (unavailable) Close() error { return nil }

func (unavailable) Healthy(context.Context) bool { return false }
