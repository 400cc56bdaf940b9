package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalFileConnector serves file.* operations from a root directory on the
// local filesystem. All paths are confined to the root; traversal outside it
// is rejected.
type LocalFileConnector struct {
	id   string
	root string
}

func NewLocalFileConnector(id, root string) *LocalFileConnector {
	return &LocalFileConnector{id: id, root: root}
}

func (l *LocalFileConnector) ID() string { return l.id }

func (l *LocalFileConnector) resolve(p string) (string, error) {
	full := filepath.Join(l.root, filepath.Clean("/"+p))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes connector root", p)
	}
	return full, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return v, nil
}

func (l *LocalFileConnector) Read(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	switch operation {
	case "file.read":
		p, err := stringParam(params, "path")
		if err != nil {
			return nil, err
		}
		full, err := l.resolve(p)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": p, "content": string(data)}, nil
	}
	return nil, fmt.Errorf("unsupported read operation %q", operation)
}

func (l *LocalFileConnector) Write(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	switch operation {
	case "file.write":
		p, err := stringParam(params, "path")
		if err != nil {
			return nil, err
		}
		content, _ := params["content"].(string)
		full, err := l.resolve(p)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, err
		}
		if onConflict, _ := params["on_conflict"].(string); onConflict != "" && onConflict != "overwrite" {
			if _, statErr := os.Stat(full); statErr == nil {
				switch onConflict {
				case "skip":
					return map[string]any{"path": p, "skipped": true}, nil
				case "rename":
					full, p = renameConflict(full, p)
				default:
					return nil, fmt.Errorf("file %q already exists", p)
				}
			}
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return nil, err
		}
		return map[string]any{"path": p, "bytes": len(content)}, nil

	case "file.move":
		src, err := stringParam(params, "source")
		if err != nil {
			return nil, err
		}
		dst, err := stringParam(params, "path")
		if err != nil {
			return nil, err
		}
		fullSrc, err := l.resolve(src)
		if err != nil {
			return nil, err
		}
		fullDst, err := l.resolve(dst)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(fullDst), 0755); err != nil {
			return nil, err
		}
		if err := os.Rename(fullSrc, fullDst); err != nil {
			return nil, err
		}
		return map[string]any{"path": dst, "moved_from": src}, nil

	case "file.delete":
		p, err := stringParam(params, "path")
		if err != nil {
			return nil, err
		}
		full, err := l.resolve(p)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(full); err != nil {
			return nil, err
		}
		return map[string]any{"path": p, "deleted": true}, nil
	}
	return nil, fmt.Errorf("unsupported write operation %q", operation)
}

// Subscribe is not supported for local files; the file-change trigger uses
// the filesystem watcher instead.
func (l *LocalFileConnector) Subscribe(ctx context.Context, cursor string) ([]Event, string, error) {
	return nil, cursor, nil
}

func renameConflict(full, p string) (string, string) {
	ext := filepath.Ext(full)
	base := strings.TrimSuffix(full, ext)
	pBase := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, fmt.Sprintf("%s (%d)%s", pBase, i, ext)
		}
	}
}
