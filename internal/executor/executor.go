// Package executor interprets a request payload into exactly one side
// effect. Actions form a closed set; anything unrecognized fails locally
// and is converted into an error artifact by the consumer.
package executor

import (
	"context"
	"fmt"
	"strings"

	"replayline/internal/content"
)

const (
	ActionWriteNote = "write_public_note"
	ActionEngineer  = "engineer_execution"
)

// EngineerExtensions widens the content allow-list for agent-generated
// code files. Notes keep the default text-only list.
var EngineerExtensions = []string{".txt", ".md", ".json", ".js", ".jsx", ".ts", ".tsx", ".css", ".html"}

// GeneratedFile is one file produced by the agent collaborator.
type GeneratedFile struct {
	Path    string
	Content string
}

// AgentResult is the agent collaborator's output for a task.
type AgentResult struct {
	Summary string
	Files   []GeneratedFile
}

// Agent is the code-generation collaborator. Its determinism is its own
// concern; the executor only relays its files through the content writer.
type Agent interface {
	GenerateFiles(ctx context.Context, taskID, instructions string) (AgentResult, error)
}

// ActionError is a local execution failure carrying a machine-readable
// type for the error artifact.
type ActionError struct {
	Type    string
	Message string
}

func (e *ActionError) Error() string { return e.Message }

func actionErrorf(errType, format string, args ...any) *ActionError {
	return &ActionError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Executor performs allow-listed writes under the generated subtree. Given
// the same (root, fingerprint, task id, payload) it performs the same
// writes and returns the same outputs.
type Executor struct {
	Writer content.Writer
	Agent  Agent
}

// Execute resolves the payload's action and performs it, returning the
// outputs mapping and one WriteRecord per file written.
func (e Executor) Execute(ctx context.Context, requestHash, taskID string, payload map[string]any) (map[string]any, []content.WriteRecord, error) {
	action := stringField(payload, "action")
	if action == "" {
		action = ActionWriteNote
	}
	switch action {
	case ActionWriteNote:
		return e.writeNote(requestHash, taskID, payload)
	case ActionEngineer:
		return e.engineerExecution(ctx, taskID, payload)
	default:
		return nil, nil, actionErrorf("unsupported_action", "unsupported action: %s", action)
	}
}

func (e Executor) writeNote(requestHash, taskID string, payload map[string]any) (map[string]any, []content.WriteRecord, error) {
	text := stringField(payload, "content")
	if strings.TrimSpace(text) == "" {
		return nil, nil, actionErrorf("invalid_payload", "payload.content must be a non-empty string for action=%s", ActionWriteNote)
	}
	filename := stringField(payload, "filename")
	if strings.TrimSpace(filename) == "" {
		// Deterministic fallback name from stable inputs: the same semantic
		// request always targets the same file.
		filename = fmt.Sprintf("%s-%s.md", taskID, shortHash(requestHash))
	}
	rec, err := e.Writer.WriteText(filename, text)
	if err != nil {
		return nil, nil, actionErrorf("write_error", "%v", err)
	}
	writes := []content.WriteRecord{rec}
	outputs := map[string]any{
		"action":      ActionWriteNote,
		"note_path":   rec.Path,
		"note_sha256": rec.SHA256,
		"note_bytes":  rec.Bytes,
		"writes":      writes,
	}
	return outputs, writes, nil
}

func (e Executor) engineerExecution(ctx context.Context, taskID string, payload map[string]any) (map[string]any, []content.WriteRecord, error) {
	if e.Agent == nil {
		return nil, nil, actionErrorf("agent_unavailable", "no agent executor configured for action=%s", ActionEngineer)
	}
	instructions := stringField(payload, "task_description")
	if strings.TrimSpace(instructions) == "" {
		return nil, nil, actionErrorf("invalid_payload", "payload.task_description must be a non-empty string for action=%s", ActionEngineer)
	}
	res, err := e.Agent.GenerateFiles(ctx, taskID, instructions)
	if err != nil {
		return nil, nil, actionErrorf("agent_error", "%v", err)
	}
	writer := e.Writer
	writer.Extensions = EngineerExtensions
	var writes []content.WriteRecord
	for _, f := range res.Files {
		rec, err := writer.WriteText(f.Path, f.Content)
		if err != nil {
			return nil, nil, actionErrorf("write_error", "%s: %v", f.Path, err)
		}
		writes = append(writes, rec)
	}
	outputs := map[string]any{
		"action":          ActionEngineer,
		"task_id":         taskID,
		"summary":         res.Summary,
		"files_generated": len(writes),
		"writes":          writes,
	}
	return outputs, writes, nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
