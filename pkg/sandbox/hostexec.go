package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// hostexecStrategy runs commands on the host with a scrubbed
// environment. It cannot enforce filesystem or network boundaries at
// the OS level, so it is only ever selected as the degraded fallback
// for LevelRelaxed and the selection is logged.
type hostexecStrategy struct{}

func (hostexecStrategy) name() string { return "hostexec" }

func (hostexecStrategy) command(ctx context.Context, cfg Config, workDir string, argv []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(minimalEnv(), flattenEnv(cfg.Env)...)
	return cmd, nil
}

// minimalEnv carries only the variables a child process needs to behave
// sanely, dropping the rest of the parent environment.
func minimalEnv() []string {
	env := []string{}
	for _, key := range []string{"PATH", "HOME", "LANG", "TERM"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, v))
		}
	}
	return env
}

// CheckPath reports whether a host path falls inside the handle's
// filesystem boundary: the working directory or one of the allowed
// paths. Tools that touch files directly, without spawning a process,
// use this before every access.
func (h *Handle) CheckPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFilesystemAccessDenied, path)
	}
	abs = filepath.Clean(abs)

	roots := append([]string{h.workDir}, h.config.AllowedPaths...)
	for _, root := range roots {
		if root == "" {
			continue
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootAbs = filepath.Clean(rootAbs)
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrFilesystemAccessDenied, path)
}
