package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxReadBytes       = 500_000
	maxSearchResults   = 50
	defaultSearchDepth = 3
)

// RegisterFilesystem adds the "filesystem" tool.
func RegisterFilesystem(r *Registry) error {
	def := MakeDefinition("filesystem",
		"Explore the file system. List directory contents, read file contents, "+
			"get file info, or search for files by name pattern.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"list", "read", "info", "search"},
					"description": "'list' = list directory, 'read' = read file, 'info' = metadata, 'search' = find files by glob",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "File or directory path",
				},
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern for 'search'",
				},
				"max_depth": map[string]any{
					"type":        "integer",
					"description": "Maximum directory depth for search (default: 3)",
				},
			},
			"required": []string{"action", "path"},
		})

	return r.Register(def, func(_ context.Context, args map[string]any) (any, error) {
		path, err := filepath.Abs(stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		switch action := stringArg(args, "action"); action {
		case "list":
			return listDir(path)
		case "read":
			return readTextFile(path)
		case "info":
			return fileInfo(path)
		case "search":
			pattern := stringArg(args, "pattern")
			if pattern == "" {
				pattern = "*"
			}
			return searchFiles(path, pattern, intArg(args, "max_depth", defaultSearchDepth))
		default:
			return nil, fmt.Errorf("unknown action %q", action)
		}
	})
}

// DirEntry is one line of a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

func listDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		item := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func readTextFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("file is too large (%s), max %s", formatSize(info.Size()), formatSize(maxReadBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is a binary file", path)
	}
	return string(data), nil
}

func fileInfo(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return strings.Join([]string{
		"Path: " + path,
		"Type: " + kind,
		"Size: " + formatSize(info.Size()),
		"Modified: " + info.ModTime().Format("2006-01-02 15:04:05"),
		"Permissions: " + info.Mode().Perm().String(),
	}, "\n"), nil
}

var errSearchLimit = errors.New("search limit reached")

func searchFiles(root, pattern string, maxDepth int) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", root)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("bad pattern: %w", err)
	}

	var results []string
	truncated := false
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		if d.IsDir() {
			if depth >= maxDepth && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			results = append(results, p)
			if len(results) >= maxSearchResults {
				truncated = true
				return errSearchLimit
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSearchLimit) {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No files matching %q found in %s.", pattern, root), nil
	}
	if truncated {
		results = append(results, fmt.Sprintf("... (truncated at %d results)", maxSearchResults))
	}
	return strings.Join(results, "\n"), nil
}

func formatSize(size int64) string {
	f := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if f < 1024 {
			return fmt.Sprintf("%.1f%s", f, unit)
		}
		f /= 1024
	}
	return fmt.Sprintf("%.1fTB", f)
}
