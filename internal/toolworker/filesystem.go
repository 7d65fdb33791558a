package toolworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// validatePath resolves path against workspace and, when restrict is true,
// refuses to resolve anything outside it — adapted from the teacher's
// pkg/tools.validatePath, trimmed to the symlink-free case since niffler's
// workspace is always a local working directory, not a multi-tenant
// sandbox.
func validatePath(path, workspace string, restrict bool) (string, error) {
	if workspace == "" {
		return path, nil
	}
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("resolving workspace: %w", err)
	}
	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath, err = filepath.Abs(filepath.Join(absWorkspace, path))
		if err != nil {
			return "", fmt.Errorf("resolving path: %w", err)
		}
	}
	if restrict {
		rel, err := filepath.Rel(absWorkspace, absPath)
		if err != nil || !filepath.IsLocal(rel) {
			return "", fmt.Errorf("access denied: path is outside the workspace")
		}
	}
	return absPath, nil
}

// RegisterFilesystemTools wires read_file/create_file/edit_file/list_dir
// into registry, grounded on the teacher's pkg/tools.ReadFileTool /
// filesystem.go family. workspace scopes relative paths; restrict refuses
// any path that resolves outside it.
func RegisterFilesystemTools(registry *Registry, workspace string, restrict bool) {
	registry.Register("read_file", func(ctx context.Context, convID int64, args json.RawMessage) (string, error) {
		var decoded struct{ Path string `json:"path"` }
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fmt.Errorf("decoding arguments: %w", err)
		}
		resolved, err := validatePath(decoded.Path, workspace, restrict)
		if err != nil {
			return "", err
		}
		content, err := os.ReadFile(resolved)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", decoded.Path, err)
		}
		return string(content), nil
	})

	registry.Register("create_file", func(ctx context.Context, convID int64, args json.RawMessage) (string, error) {
		var decoded struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fmt.Errorf("decoding arguments: %w", err)
		}
		resolved, err := validatePath(decoded.Path, workspace, restrict)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(resolved); err == nil {
			return "", fmt.Errorf("%s already exists", decoded.Path)
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return "", fmt.Errorf("creating parent dirs for %s: %w", decoded.Path, err)
		}
		if err := os.WriteFile(resolved, []byte(decoded.Content), 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", decoded.Path, err)
		}
		return fmt.Sprintf("created %s (%d bytes)", decoded.Path, len(decoded.Content)), nil
	})

	registry.Register("edit_file", func(ctx context.Context, convID int64, args json.RawMessage) (string, error) {
		var decoded struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fmt.Errorf("decoding arguments: %w", err)
		}
		resolved, err := validatePath(decoded.Path, workspace, restrict)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(resolved, []byte(decoded.Content), 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", decoded.Path, err)
		}
		return fmt.Sprintf("updated %s (%d bytes)", decoded.Path, len(decoded.Content)), nil
	})

	registry.Register("list_dir", func(ctx context.Context, convID int64, args json.RawMessage) (string, error) {
		var decoded struct{ Path string `json:"path"` }
		_ = json.Unmarshal(args, &decoded)
		target := decoded.Path
		if target == "" {
			target = "."
		}
		resolved, err := validatePath(target, workspace, restrict)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return "", fmt.Errorf("listing %s: %w", target, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		out, err := json.Marshal(names)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}
