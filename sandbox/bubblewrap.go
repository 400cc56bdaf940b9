package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
)

// BubblewrapBackend isolates processes with bwrap: a read-only base
// filesystem view, explicit binds for declared paths, and an unshared
// network namespace unless network access is declared.
type BubblewrapBackend struct{}

func (b *BubblewrapBackend) Name() string { return "bubblewrap" }

func (b *BubblewrapBackend) Available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("bwrap")
	return err == nil
}

// roBaseDirs form the minimal read-only base view of the host filesystem.
var roBaseDirs = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc/alternatives", "/etc/ssl"}

func (b *BubblewrapBackend) WrapCommand(ctx context.Context, cmd *exec.Cmd, cfg *Config) (*exec.Cmd, func(), error) {
	args := []string{
		"--die-with-parent",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--clearenv",
	}
	if !cfg.AllowNetwork {
		args = append(args, "--unshare-net")
	}

	for _, dir := range roBaseDirs {
		if _, err := os.Stat(dir); err == nil {
			args = append(args, "--ro-bind", dir, dir)
		}
	}

	for _, p := range cfg.PathsRead {
		abs, err := resolveBindPath(p)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, "--ro-bind", abs, abs)
	}
	for _, p := range cfg.PathsWrite {
		abs, err := resolveBindPath(p)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, "--bind", abs, abs)
	}

	if cfg.WorkDir != "" {
		workDir, err := resolveBindPath(cfg.WorkDir)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, "--bind", workDir, workDir, "--chdir", workDir)
	}

	args = append(args, "--setenv", "PATH", "/usr/bin:/bin")
	for _, k := range sortedKeys(cfg.Env) {
		args = append(args, "--setenv", k, cfg.Env[k])
	}

	args = append(args, cmd.Path)
	if len(cmd.Args) > 1 {
		args = append(args, cmd.Args[1:]...)
	}

	wrapped := exec.CommandContext(ctx, "bwrap", args...)
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.SysProcAttr = cmd.SysProcAttr
	return wrapped, func() {}, nil
}

func resolveBindPath(p string) (string, error) {
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("bind path %s: %w", p, err)
	}
	abs := p
	if resolved, err := resolveAbs(p); err == nil {
		abs = resolved
	}
	return abs, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
