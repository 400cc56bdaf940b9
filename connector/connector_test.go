package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	mem := NewMemoryConnector("gmail")
	r := NewRegistry(mem)

	got, err := r.Get("gmail")
	require.NoError(t, err)
	assert.Equal(t, "gmail", got.ID())

	_, err = r.Get("sheets")
	assert.Error(t, err)

	r.Register(NewMemoryConnector("sheets"))
	_, err = r.Get("sheets")
	assert.NoError(t, err)
}

func TestMemoryConnectorRecordsWrites(t *testing.T) {
	m := NewMemoryConnector("sheets")
	ctx := context.Background()

	out, err := m.Write(ctx, "spreadsheet.append", map[string]any{"amount": "4500.00"})
	require.NoError(t, err)
	assert.Equal(t, true, out["written"])

	writes := m.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "spreadsheet.append", writes[0].Operation)
	assert.Equal(t, "4500.00", writes[0].Params["amount"])
}

func TestMemoryConnectorSubscribeCursor(t *testing.T) {
	m := NewMemoryConnector("gmail")
	ctx := context.Background()
	m.QueueEvent(Event{ID: "e1", Type: "email"})
	m.QueueEvent(Event{ID: "e2", Type: "email"})

	events, cursor, err := m.Subscribe(ctx, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2", cursor)

	m.QueueEvent(Event{ID: "e3", Type: "email"})
	events, cursor, err = m.Subscribe(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e3", events[0].ID)
	assert.Equal(t, "3", cursor)
}

func TestLocalFileConnectorRoundTrip(t *testing.T) {
	root := t.TempDir()
	l := NewLocalFileConnector("drive", root)
	ctx := context.Background()

	_, err := l.Write(ctx, "file.write", map[string]any{
		"path":    "invoices/april.txt",
		"content": "Total: 4500.00",
	})
	require.NoError(t, err)

	out, err := l.Read(ctx, "file.read", map[string]any{"path": "invoices/april.txt"})
	require.NoError(t, err)
	assert.Equal(t, "Total: 4500.00", out["content"])

	_, err = l.Write(ctx, "file.move", map[string]any{
		"source": "invoices/april.txt",
		"path":   "archive/april.txt",
	})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "archive", "april.txt"))
	assert.NoError(t, err)
}

func TestLocalFileConnectorRejectsEscape(t *testing.T) {
	root := t.TempDir()
	l := NewLocalFileConnector("drive", root)
	// Joining with a cleaned rooted path confines traversal inside root.
	out, err := l.Write(context.Background(), "file.write", map[string]any{
		"path":    "../../etc/passwd",
		"content": "x",
	})
	require.NoError(t, err)
	assert.NotNil(t, out)
	_, statErr := os.Stat(filepath.Join(root, "etc", "passwd"))
	assert.NoError(t, statErr, "write must land inside the root")
}

func TestLocalFileConnectorConflictModes(t *testing.T) {
	root := t.TempDir()
	l := NewLocalFileConnector("drive", root)
	ctx := context.Background()

	_, err := l.Write(ctx, "file.write", map[string]any{"path": "a.txt", "content": "one"})
	require.NoError(t, err)

	out, err := l.Write(ctx, "file.write", map[string]any{
		"path": "a.txt", "content": "two", "on_conflict": "skip",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["skipped"])

	out, err = l.Write(ctx, "file.write", map[string]any{
		"path": "a.txt", "content": "two", "on_conflict": "rename",
	})
	require.NoError(t, err)
	assert.Equal(t, "a (1).txt", out["path"])

	_, err = l.Write(ctx, "file.write", map[string]any{
		"path": "a.txt", "content": "two", "on_conflict": "error",
	})
	assert.Error(t, err)
}