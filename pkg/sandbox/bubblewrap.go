package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// systemBinds are the host directories mounted read-only so the
// sandboxed process can find its interpreter and shared libraries.
var systemBinds = []string{"/usr", "/bin", "/lib", "/lib64", "/sbin"}

// bubblewrapStrategy isolates commands with bwrap: fresh PID and UTS
// namespaces, a read-only view of the system directories, the working
// directory as the only writable host mount, and a cleared environment.
// Network access is withheld via --unshare-net unless the relaxed level
// explicitly grants it.
type bubblewrapStrategy struct {
	bwrapPath   string
	prlimitPath string
}

func (s *bubblewrapStrategy) name() string { return "bubblewrap" }

func (s *bubblewrapStrategy) command(ctx context.Context, cfg Config, workDir string, argv []string) (*exec.Cmd, error) {
	full := s.buildArgs(cfg, workDir, argv)
	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Dir = workDir
	return cmd, nil
}

// buildArgs assembles the complete host argv, including the optional
// prlimit memory wrapper, for one sandboxed invocation.
func (s *bubblewrapStrategy) buildArgs(cfg Config, workDir string, argv []string) []string {
	args := []string{
		"--die-with-parent",
		"--unshare-pid",
		"--unshare-uts",
	}

	networkAllowed := cfg.Level == LevelRelaxed && cfg.NetworkAccess
	if !networkAllowed {
		args = append(args, "--unshare-net")
	}

	for _, dir := range systemBinds {
		if _, err := os.Stat(dir); err == nil {
			args = append(args, "--ro-bind", dir, dir)
		}
	}
	if networkAllowed {
		// DNS inside the sandbox needs the host resolver config.
		if _, err := os.Stat("/etc/resolv.conf"); err == nil {
			args = append(args, "--ro-bind", "/etc/resolv.conf", "/etc/resolv.conf")
		}
	}

	args = append(args, "--bind", workDir, workDir)
	for _, path := range cfg.AllowedPaths {
		if _, err := os.Stat(path); err == nil {
			args = append(args, "--ro-bind", path, path)
		}
	}

	args = append(args,
		"--tmpfs", "/tmp",
		"--proc", "/proc",
		"--dev", "/dev",
	)

	args = append(args,
		"--clearenv",
		"--setenv", "PATH", "/usr/local/bin:/usr/bin:/bin",
		"--setenv", "HOME", workDir,
		"--setenv", "LANG", "C.UTF-8",
		"--setenv", "TERM", "dumb",
	)
	for _, pair := range flattenEnv(cfg.Env) {
		key, value := splitEnvPair(pair)
		args = append(args, "--setenv", key, value)
	}

	args = append(args, "--chdir", workDir, "--")
	args = append(args, argv...)

	full := append([]string{s.bwrapPath}, args...)
	if cfg.MaxMemoryMB > 0 && s.prlimitPath != "" {
		limit := fmt.Sprintf("--as=%d", int64(cfg.MaxMemoryMB)*1024*1024)
		full = append([]string{s.prlimitPath, limit, "--"}, full...)
	}
	return full
}

func splitEnvPair(pair string) (string, string) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:]
		}
	}
	return pair, ""
}
