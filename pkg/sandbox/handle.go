package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handle is the scoped isolation boundary for one tool invocation.
// It is live until Release; all runs started through it are cancelled
// when it is released.
type Handle struct {
	config   Config
	strategy runStrategy
	workDir  string
	ownsDir  bool

	mu       sync.Mutex
	released bool
	nextRun  int
	cancels  map[int]context.CancelFunc
}

// WorkDir returns the working directory mounted read-write inside the
// sandbox.
func (h *Handle) WorkDir() string {
	return h.workDir
}

// Strategy returns the name of the isolation mechanism backing this
// handle.
func (h *Handle) Strategy() string {
	return h.strategy.name()
}

// Run executes argv inside the sandbox and blocks until it exits, the
// configured timeout elapses, or ctx is cancelled. On timeout the
// process is killed and the partial output is returned alongside
// ErrExecutionTimeout.
func (h *Handle) Run(ctx context.Context, argv []string) (*Output, error) {
	if len(argv) == 0 {
		return nil, ErrCommandRequired
	}

	runCtx, cancel, err := h.registerRun(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	cmd, err := h.strategy.command(runCtx, h.config, h.workDir, argv)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	output := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: 0,
		Duration: duration,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		output.ExitCode = -1
		output.Killed = true
		output.KillReason = "timeout"
		log.Warn().
			Str("strategy", h.strategy.name()).
			Dur("timeout", h.config.Timeout).
			Msg("Sandboxed command timed out")
		return output, fmt.Errorf("%w after %s", ErrExecutionTimeout, h.config.Timeout)
	}
	if runCtx.Err() == context.Canceled {
		output.ExitCode = -1
		output.Killed = true
		output.KillReason = "cancelled"
		return output, ErrExecutionCancelled
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			output.ExitCode = exitErr.ExitCode()
			return output, nil
		}
		return output, fmt.Errorf("failed to run sandboxed command: %w", runErr)
	}

	return output, nil
}

// registerRun derives the per-run context and tracks its cancel so
// Release can abort in-flight runs.
func (h *Handle) registerRun(ctx context.Context) (context.Context, context.CancelFunc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, nil, ErrHandleReleased
	}

	runCtx := ctx
	var timeoutCancel context.CancelFunc
	if h.config.Timeout > 0 {
		runCtx, timeoutCancel = context.WithTimeout(ctx, h.config.Timeout)
	} else {
		runCtx, timeoutCancel = context.WithCancel(ctx)
	}

	if h.cancels == nil {
		h.cancels = make(map[int]context.CancelFunc)
	}
	id := h.nextRun
	h.nextRun++
	h.cancels[id] = timeoutCancel

	cancel := func() {
		timeoutCancel()
		h.mu.Lock()
		delete(h.cancels, id)
		h.mu.Unlock()
	}

	return runCtx, cancel, nil
}

// Release tears down the isolation boundary: in-flight runs are
// cancelled and the ephemeral working directory, when owned by the
// handle, is removed. Release is idempotent and safe to defer on every
// exit path.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	cancels := h.cancels
	h.cancels = nil
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if h.ownsDir {
		if err := os.RemoveAll(h.workDir); err != nil {
			log.Warn().Err(err).Str("work_dir", h.workDir).Msg("Failed to remove sandbox workspace")
			return fmt.Errorf("failed to remove sandbox workspace: %w", err)
		}
	}

	log.Debug().Str("strategy", h.strategy.name()).Msg("Sandbox released")
	return nil
}
