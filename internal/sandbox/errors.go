package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrMissingInput              = errors.New("missing required input")
	ErrInvalidRequest            = errors.New("invalid execution request")
	ErrUnsupportedLang           = errors.New("unsupported language")
	ErrUnsupportedPackageManager = errors.New("unsupported package manager")
	ErrSandbox                   = errors.New("sandbox failure")
	ErrTimeout                   = errors.New("execution timed out")
	ErrPlatformUnavailable       = errors.New("sandbox platform unavailable")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The step that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err was raised before any environment was
// provisioned because the request itself was unacceptable.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingInput) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnsupportedLang) ||
		errors.Is(err, ErrUnsupportedPackageManager)
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// sandboxErr tags a platform failure with ErrSandbox while keeping the
// underlying cause reachable through errors.Is.
func sandboxErr(op string, err error) error {
	if errors.Is(err, ErrSandbox) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrSandbox, op, err)
}
