// Package store owns the on-disk artifact layout under the public directory:
// the mutable "current" files (atomic overwrite, last-write-wins) and the
// append-only NDJSON history logs (never rewritten, never deleted).
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"replayline/internal/canonical"
)

const (
	LastRequestFile       = "last_execution_request.json"
	LastResultFile        = "last_execution_result.json"
	ResultHistoryFile     = "execution_results.ndjson"
	LastEvaluationFile    = "last_evaluation_result.json"
	EvaluationHistoryFile = "evaluation_results.ndjson"
	RequestHistoryFile    = "execution_requests.ndjson"
	GeneratedDir          = "generated"
)

// DefaultPublicDir is the conventional public-directory subpath when no
// explicit directory is configured.
const DefaultPublicDir = "apps/offline-vite-react/public"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Store addresses all pipeline artifacts under one public directory.
type Store struct {
	Public string
}

// New resolves the public directory to an absolute path.
func New(public string) (Store, error) {
	if public == "" {
		public = DefaultPublicDir
	}
	abs, err := filepath.Abs(public)
	if err != nil {
		return Store{}, fmt.Errorf("resolve public dir: %w", err)
	}
	return Store{Public: abs}, nil
}

func (s Store) RequestPath() string           { return filepath.Join(s.Public, LastRequestFile) }
func (s Store) ResultPath() string            { return filepath.Join(s.Public, LastResultFile) }
func (s Store) ResultHistoryPath() string     { return filepath.Join(s.Public, ResultHistoryFile) }
func (s Store) EvaluationPath() string        { return filepath.Join(s.Public, LastEvaluationFile) }
func (s Store) EvaluationHistoryPath() string { return filepath.Join(s.Public, EvaluationHistoryFile) }
func (s Store) RequestHistoryPath() string    { return filepath.Join(s.Public, RequestHistoryFile) }
func (s Store) GeneratedPath() string         { return filepath.Join(s.Public, GeneratedDir) }

// ReadJSON reads one JSON object, tolerating a UTF-8 BOM. Numbers are kept
// as json.Number so re-serialization cannot drift the request fingerprint.
func (s Store) ReadJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeObject(data)
}

// WriteJSONAtomic overwrites path with the pretty-printed JSON form of v.
// Content lands in a temp sibling first and is renamed into place, so a
// concurrent reader never observes a partial artifact.
func (s Store) WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// AppendNDJSON appends v as exactly one canonical-JSON line. Appends are the
// immutable half of the artifact lifecycle; nothing ever rewrites them.
func (s Store) AppendNDJSON(path string, v any) error {
	line, err := canonical.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode history line: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ReadNDJSON reads an NDJSON history file, parsing each line independently.
// Malformed lines are tolerated and counted rather than aborting the read;
// a missing file reads as empty history.
func (s Store) ReadNDJSON(path string) ([]map[string]any, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []map[string]any
	malformed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			line = bytes.TrimPrefix(line, utf8BOM)
			first = false
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		obj, err := decodeObject(line)
		if err != nil {
			malformed++
			continue
		}
		entries = append(entries, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan history %s: %w", filepath.Base(path), err)
	}
	return entries, malformed, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	return obj, nil
}
