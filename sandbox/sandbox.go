// Package sandbox runs scripts inside an OS isolation boundary derived from
// a declared capability set. Access is denied by default: only declared
// paths are bound into the sandbox, the network is disabled unless declared,
// and the environment is limited to declared variables. When no isolation
// backend is available execution fails closed rather than running
// unsandboxed.
package sandbox

import (
	"context"
	"errors"
	"os/exec"
)

// Config is the concrete isolation configuration for one invocation,
// translated from an automation's declared capabilities.
type Config struct {
	// WorkDir is the sandbox working directory (mounted read-write).
	WorkDir string

	// PathsRead are explicit read-only binds.
	PathsRead []string

	// PathsWrite are explicit read-write binds.
	PathsWrite []string

	// AllowNetwork keeps the network namespace shared with the host.
	AllowNetwork bool

	// Env is the complete environment of the sandboxed process, beyond a
	// minimal PATH. No ambient host environment leaks through.
	Env map[string]string

	// AllowedCommands is an advisory allow-list of command names checked
	// against the script before launch. It is not an enforcement layer:
	// shell scripts can obscure the binaries they invoke, so real
	// enforcement remains with the filesystem and network boundaries.
	AllowedCommands []string
}

// Backend wraps a command so that it runs inside one isolation primitive.
type Backend interface {
	// Name returns the backend identifier.
	Name() string

	// Available probes whether this backend can be used on this host.
	Available() bool

	// WrapCommand rewrites cmd to run inside the isolation boundary and
	// returns a cleanup function for any temporary state.
	WrapCommand(ctx context.Context, cmd *exec.Cmd, cfg *Config) (*exec.Cmd, func(), error)
}

// ErrNoBackend means no isolation primitive is available on this host.
// Callers must treat this as a configuration error, never as permission to
// run without a sandbox.
var ErrNoBackend = errors.New("no sandbox backend available")

// Manager selects an isolation backend by probing in priority order.
type Manager struct {
	backends []Backend
}

// NewManager returns a Manager with the default backend priority:
// bubblewrap, then firejail.
func NewManager() *Manager {
	return &Manager{
		backends: []Backend{
			&BubblewrapBackend{},
			&FirejailBackend{},
		},
	}
}

// NewManagerWithBackends returns a Manager probing exactly the given
// backends, in order.
func NewManagerWithBackends(backends ...Backend) *Manager {
	return &Manager{backends: backends}
}

// SelectBackend returns the first available backend, or nil.
func (m *Manager) SelectBackend() Backend {
	for _, b := range m.backends {
		if b.Available() {
			return b
		}
	}
	return nil
}

// Wrap wraps cmd for sandboxed execution. It fails closed with ErrNoBackend
// when no isolation primitive is available.
func (m *Manager) Wrap(ctx context.Context, cmd *exec.Cmd, cfg *Config) (*exec.Cmd, func(), error) {
	backend := m.SelectBackend()
	if backend == nil {
		return nil, nil, ErrNoBackend
	}
	return backend.WrapCommand(ctx, cmd, cfg)
}
