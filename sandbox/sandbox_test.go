package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		code int
		want ExitStatus
	}{
		{0, StatusSuccess},
		{1, StatusSoftFailure},
		{2, StatusSoftFailure},
		{127, StatusSoftFailure},
		{128, StatusHardFailure},
		{130, StatusHardFailure},
		{137, StatusHardFailure},
		{255, StatusHardFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyExit(tt.code), "exit code %d", tt.code)
	}
}

func TestBoundedBufferTruncates(t *testing.T) {
	b := newBoundedBuffer(10)
	n, err := b.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n, "writer must consume everything to avoid blocking the pipe")
	assert.Equal(t, "0123456789", b.String())
	assert.True(t, b.Truncated())

	b2 := newBoundedBuffer(10)
	_, err = b2.Write([]byte("short"))
	require.NoError(t, err)
	assert.Equal(t, "short", b2.String())
	assert.False(t, b2.Truncated())
}

func TestCheckCommands(t *testing.T) {
	script := strings.Join([]string{
		"#!/bin/bash",
		"# sync the report",
		`NAME=value grep -r "total" /data | sort && curl https://example.com`,
		"if jq -e .ok out.json; then",
		"  echo done",
		"fi",
	}, "\n")

	violations := CheckCommands(script, []string{"grep", "sort", "jq"})
	assert.Equal(t, []string{"curl"}, violations)

	assert.Empty(t, CheckCommands(script, []string{"grep", "sort", "jq", "curl"}))
	assert.Empty(t, CheckCommands(script, nil), "empty allow-list disables the scan")
}

func TestCheckCommandsQuotedSeparators(t *testing.T) {
	// Values substituted by the shell resolver arrive single-quoted; the
	// separator characters inside them are data, not new commands.
	script := strings.Join([]string{
		"echo 'hi; rm -rf / | curl evil'",
		`grep "a|b" /data/in.txt`,
		"wc -l 'notes; 2026.txt'",
	}, "\n")
	assert.Empty(t, CheckCommands(script, []string{"grep", "wc"}))

	// Unquoted separators still open command positions.
	violations := CheckCommands("echo hi; rm -rf /tmp/x", []string{"echo"})
	assert.Equal(t, []string{"rm"}, violations)
}

func TestCheckCommandsGlob(t *testing.T) {
	violations := CheckCommands("python3 run.py\nrm -rf /tmp/x", []string{"python*"})
	assert.Equal(t, []string{"rm"}, violations)
}

func TestScanViolations(t *testing.T) {
	stderr := strings.Join([]string{
		"processing input",
		"/etc/passwd: Read-only file system",
		"curl: (6) Could not resolve host: example.com",
	}, "\n")
	violations := scanViolations(stderr, &Config{})
	require.Len(t, violations, 2)
	assert.Contains(t, violations[0], "Read-only file system")
	assert.Contains(t, violations[1], "Could not resolve host")
}

type fakeBackend struct {
	name      string
	available bool
}

func (f *fakeBackend) Name() string    { return f.name }
func (f *fakeBackend) Available() bool { return f.available }
func (f *fakeBackend) WrapCommand(ctx context.Context, cmd *exec.Cmd, cfg *Config) (*exec.Cmd, func(), error) {
	return cmd, func() {}, nil
}

func TestManagerSelectsFirstAvailable(t *testing.T) {
	m := NewManagerWithBackends(
		&fakeBackend{name: "first", available: false},
		&fakeBackend{name: "second", available: true},
		&fakeBackend{name: "third", available: true},
	)
	backend := m.SelectBackend()
	require.NotNil(t, backend)
	assert.Equal(t, "second", backend.Name())
}

func TestManagerFailsClosedWithoutBackend(t *testing.T) {
	m := NewManagerWithBackends(&fakeBackend{name: "off", available: false})
	cmd := exec.Command("/bin/true")
	_, _, err := m.Wrap(context.Background(), cmd, &Config{})
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestRunnerFailsClosedWithoutBackend(t *testing.T) {
	r := NewRunner(NewManagerWithBackends(), nil)
	_, err := r.Run(context.Background(), RunOptions{Script: "echo hi"})
	require.Error(t, err)
	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestScriptFileLivesInWorkDir(t *testing.T) {
	// The backends mount a fresh tmpfs over /tmp, so the script must live
	// in the bound work dir to be visible inside the boundary.
	dir := t.TempDir()
	path, err := writeScriptFile("echo hi\n", dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestBubblewrapArgs(t *testing.T) {
	dir := t.TempDir()
	b := &BubblewrapBackend{}
	cmd := exec.Command("/bin/bash", "script.sh")
	wrapped, cleanup, err := b.WrapCommand(context.Background(), cmd, &Config{
		WorkDir:    dir,
		PathsWrite: []string{dir},
		Env:        map[string]string{"INVOICE": "4500.00"},
	})
	require.NoError(t, err)
	defer cleanup()

	joined := strings.Join(wrapped.Args, " ")
	assert.Contains(t, joined, "--unshare-net", "network must be denied by default")
	assert.Contains(t, joined, "--clearenv")
	assert.Contains(t, joined, "--bind")
	assert.Contains(t, joined, "INVOICE")
	assert.Contains(t, joined, "/bin/bash script.sh")
}

func TestBubblewrapNetworkDeclared(t *testing.T) {
	b := &BubblewrapBackend{}
	cmd := exec.Command("/bin/bash", "script.sh")
	wrapped, cleanup, err := b.WrapCommand(context.Background(), cmd, &Config{AllowNetwork: true})
	require.NoError(t, err)
	defer cleanup()
	assert.NotContains(t, strings.Join(wrapped.Args, " "), "--unshare-net")
}

func TestBubblewrapRejectsMissingBindPath(t *testing.T) {
	b := &BubblewrapBackend{}
	cmd := exec.Command("/bin/bash", "script.sh")
	_, _, err := b.WrapCommand(context.Background(), cmd, &Config{
		PathsRead: []string{"/nonexistent/relay/path"},
	})
	assert.Error(t, err)
}

func TestFirejailArgs(t *testing.T) {
	dir := t.TempDir()
	f := &FirejailBackend{}
	cmd := exec.Command("/bin/bash", "script.sh")
	wrapped, cleanup, err := f.WrapCommand(context.Background(), cmd, &Config{
		WorkDir:   dir,
		PathsRead: []string{dir},
	})
	require.NoError(t, err)
	defer cleanup()

	joined := strings.Join(wrapped.Args, " ")
	assert.Contains(t, joined, "--net=none")
	assert.Contains(t, joined, "--caps.drop=all")
	assert.Contains(t, joined, "--read-only="+dir)
	assert.Equal(t, []string{"PATH=/usr/bin:/bin"}, wrapped.Env)
}

func TestMinimalEnv(t *testing.T) {
	env := minimalEnv(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"PATH=/usr/bin:/bin", "A=1", "B=2"}, env)
}
