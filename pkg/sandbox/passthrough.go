package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// passthroughStrategy runs commands directly on the host with no
// isolation at all. Selected only for LevelNone.
type passthroughStrategy struct{}

func (passthroughStrategy) name() string { return "passthrough" }

func (passthroughStrategy) command(ctx context.Context, cfg Config, workDir string, argv []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), flattenEnv(cfg.Env)...)
	return cmd, nil
}

// flattenEnv renders an env map as sorted KEY=value pairs so command
// construction is deterministic.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return pairs
}
