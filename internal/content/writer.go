// Package content performs allow-listed, path-safe, atomic writes of
// generated text and returns a verifiable record of each write.
package content

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"replayline/internal/canonical"
)

// DefaultExtensions is the extension allow-list applied when a Writer does
// not override it.
var DefaultExtensions = []string{".txt", ".md", ".json"}

// WriteRecord is the durable proof of a single write. The path is always
// absolute; hash and length are computed from the exact bytes written.
type WriteRecord struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Writer writes text files under a single allow-list root. Any path that
// escapes the root, or carries a disallowed extension, is rejected before
// the filesystem is touched.
type Writer struct {
	Root       string
	Extensions []string
}

func (w Writer) allowedExtensions() []string {
	if len(w.Extensions) > 0 {
		return w.Extensions
	}
	return DefaultExtensions
}

// WriteText writes content to relPath under the allow-list root and returns
// its WriteRecord. The write is atomic: a temp sibling is written first and
// renamed into place, so readers never observe a partial file.
func (w Writer) WriteText(relPath, text string) (WriteRecord, error) {
	if w.Root == "" {
		return WriteRecord{}, fmt.Errorf("content writer: allow-list root not set")
	}
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return WriteRecord{}, fmt.Errorf("resolve allow-list root: %w", err)
	}
	target, err := resolveTarget(root, relPath)
	if err != nil {
		return WriteRecord{}, err
	}
	if err := w.checkExtension(target); err != nil {
		return WriteRecord{}, err
	}

	data := []byte(text)
	digest := canonical.SHA256Bytes(data)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return WriteRecord{}, fmt.Errorf("create parent dirs: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return WriteRecord{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return WriteRecord{}, fmt.Errorf("rename into place: %w", err)
	}
	return WriteRecord{Path: target, SHA256: digest, Bytes: len(data)}, nil
}

func resolveTarget(root, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("unsafe path (empty)")
	}
	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") || strings.HasPrefix(relPath, `\\`) {
		return "", fmt.Errorf("unsafe path (absolute): %s", relPath)
	}
	target := filepath.Clean(filepath.Join(root, relPath))
	// Containment is checked on resolved locations, so a symlinked
	// directory inside the root cannot route the write outside it.
	resolvedRoot, err := resolveExisting(root)
	if err != nil {
		return "", fmt.Errorf("resolve allow-list root: %w", err)
	}
	resolvedTarget, err := resolveExisting(target)
	if err != nil {
		return "", fmt.Errorf("resolve target path: %w", err)
	}
	rel, err := filepath.Rel(resolvedRoot, resolvedTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", fmt.Errorf("unsafe path (escapes allow-list dir): %s", relPath)
	}
	return resolvedTarget, nil
}

// resolveExisting resolves symlinks in the deepest existing ancestor of
// path and rejoins the not-yet-created remainder onto the resolved prefix.
func resolveExisting(path string) (string, error) {
	remainder := ""
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}

func (w Writer) checkExtension(target string) error {
	ext := strings.ToLower(filepath.Ext(target))
	allowed := w.allowedExtensions()
	for _, a := range allowed {
		if ext == a {
			return nil
		}
	}
	sorted := append([]string(nil), allowed...)
	sort.Strings(sorted)
	return fmt.Errorf("disallowed extension %q (allowed: %s)", ext, strings.Join(sorted, ", "))
}
