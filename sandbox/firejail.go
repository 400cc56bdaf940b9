package sandbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
)

// FirejailBackend is the fallback isolation primitive when bubblewrap is
// unavailable. Its filesystem restriction is coarser (read-only marks and
// whitelists instead of a constructed mount namespace) but the guarantees
// are the same: declared paths only, no network unless declared.
type FirejailBackend struct{}

func (f *FirejailBackend) Name() string { return "firejail" }

func (f *FirejailBackend) Available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("firejail")
	return err == nil
}

func (f *FirejailBackend) WrapCommand(ctx context.Context, cmd *exec.Cmd, cfg *Config) (*exec.Cmd, func(), error) {
	args := []string{
		"--quiet",
		"--noprofile",
		"--noroot",
		"--caps.drop=all",
		"--seccomp",
		"--disable-mnt",
		"--private-tmp",
	}
	if !cfg.AllowNetwork {
		args = append(args, "--net=none")
	}

	for _, p := range cfg.PathsRead {
		abs, err := resolveBindPath(p)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, "--whitelist="+abs, "--read-only="+abs)
	}
	for _, p := range cfg.PathsWrite {
		abs, err := resolveBindPath(p)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, "--whitelist="+abs)
	}
	if cfg.WorkDir != "" {
		workDir, err := resolveBindPath(cfg.WorkDir)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, "--whitelist="+workDir)
		cmd.Dir = workDir
	}

	args = append(args, cmd.Path)
	if len(cmd.Args) > 1 {
		args = append(args, cmd.Args[1:]...)
	}

	wrapped := exec.CommandContext(ctx, "firejail", args...)
	wrapped.Dir = cmd.Dir
	wrapped.Env = minimalEnv(cfg.Env)
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.SysProcAttr = cmd.SysProcAttr
	return wrapped, func() {}, nil
}

// minimalEnv builds the sandboxed process environment: a fixed PATH plus the
// declared variables, nothing inherited from the host.
func minimalEnv(declared map[string]string) []string {
	env := []string{"PATH=/usr/bin:/bin"}
	for _, k := range sortedKeys(declared) {
		env = append(env, k+"="+declared[k])
	}
	return env
}

func resolveAbs(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}
