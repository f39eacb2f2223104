package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
)

// DefaultImage is the container image used when a config does not name
// one.
const DefaultImage = "debian:bookworm-slim"

// dockerStrategy isolates commands in a throwaway container. It is the
// fallback when bubblewrap is not installed, at the cost of container
// startup latency per invocation.
type dockerStrategy struct {
	dockerPath string
}

func (s *dockerStrategy) name() string { return "docker" }

func (s *dockerStrategy) command(ctx context.Context, cfg Config, workDir string, argv []string) (*exec.Cmd, error) {
	args := s.buildRunArgs(cfg, workDir, argv)
	cmd := exec.CommandContext(ctx, s.dockerPath, args...)
	cmd.Dir = workDir
	return cmd, nil
}

// buildRunArgs assembles the docker run arguments for one sandboxed
// invocation. Mounts and environment are emitted in sorted order so the
// command line is deterministic.
func (s *dockerStrategy) buildRunArgs(cfg Config, workDir string, argv []string) []string {
	args := []string{
		"run", "--rm",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "256",
	}

	if cfg.Level == LevelRelaxed && cfg.NetworkAccess {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	if cfg.MaxMemoryMB > 0 {
		mem := fmt.Sprintf("%dm", cfg.MaxMemoryMB)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}

	args = append(args, "-v", fmt.Sprintf("%s:%s", workDir, workDir))

	paths := append([]string{}, cfg.AllowedPaths...)
	sort.Strings(paths)
	for _, path := range paths {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", path, path))
	}

	args = append(args, "-w", workDir)

	for _, pair := range flattenEnv(cfg.Env) {
		args = append(args, "-e", pair)
	}

	image := cfg.Image
	if image == "" {
		image = DefaultImage
	}
	args = append(args, image)
	args = append(args, argv...)

	return args
}
