package sandbox

import "errors"

var (
	// ErrInvalidLevel is returned when the isolation level is unknown
	ErrInvalidLevel = errors.New("invalid sandbox level")

	// ErrInvalidMemoryLimit is returned when the memory limit is invalid
	ErrInvalidMemoryLimit = errors.New("invalid memory limit (must be >= 0)")

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")

	// ErrIsolationUnavailable is returned when the platform cannot
	// construct the isolation boundary a level requires. Strict never
	// downgrades to a weaker strategy.
	ErrIsolationUnavailable = errors.New("sandbox isolation unavailable")

	// ErrHandleReleased is returned when running inside an already
	// released handle
	ErrHandleReleased = errors.New("sandbox handle already released")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrExecutionCancelled is returned when execution is cancelled by
	// the caller or by releasing the handle
	ErrExecutionCancelled = errors.New("execution cancelled")

	// ErrFilesystemAccessDenied is returned when filesystem access is denied
	ErrFilesystemAccessDenied = errors.New("filesystem access denied")

	// ErrCommandRequired is returned when Run is called without a command
	ErrCommandRequired = errors.New("command is required")
)
