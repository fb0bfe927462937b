package consumer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"replayline/internal/artifact"
	"replayline/internal/consumer"
	"replayline/internal/store"
)

func newConsumer(t *testing.T) (consumer.Consumer, store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "public"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	c := consumer.New(s)
	c.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return c, s
}

func seedRequest(t *testing.T, s store.Store, raw map[string]any) {
	t.Helper()
	if err := s.WriteJSONAtomic(s.RequestPath(), raw); err != nil {
		t.Fatalf("seed request: %v", err)
	}
}

func noteRequest() map[string]any {
	return map[string]any{
		"kind":    "execution_request",
		"task_id": "OFFLINE-7",
		"payload": map[string]any{"action": "write_public_note", "content": "done\n"},
	}
}

func TestConsumeValidRequestProducesSuccessAndChainsEvaluation(t *testing.T) {
	c, s := newConsumer(t)
	seedRequest(t, s, noteRequest())

	res, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Status != artifact.StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", res.Status, res.Error)
	}
	if res.RequestHash == "" {
		t.Fatalf("success result must carry a request hash")
	}
	if res.Error != nil {
		t.Fatalf("success result must not carry an error")
	}
	if res.Meta == nil || res.Meta.ConsumerVersion != consumer.Version {
		t.Fatalf("consumer version missing from meta: %+v", res.Meta)
	}

	current, err := s.ReadJSON(s.ResultPath())
	if err != nil {
		t.Fatalf("current result missing: %v", err)
	}
	if current["status"] != "success" {
		t.Fatalf("persisted status mismatch: %v", current["status"])
	}
	entries, malformed, err := s.ReadNDJSON(s.ResultHistoryPath())
	if err != nil || malformed != 0 || len(entries) != 1 {
		t.Fatalf("result history: %d entries, %d malformed, err %v", len(entries), malformed, err)
	}

	// Success chains the evaluator, which re-verifies the note on disk.
	eval, err := s.ReadJSON(s.EvaluationPath())
	if err != nil {
		t.Fatalf("evaluation not chained: %v", err)
	}
	if eval["status"] != "pass" {
		t.Fatalf("expected pass evaluation, got %v (%v)", eval["status"], eval["reasons"])
	}
}

func TestConsumeMissingRequestFile(t *testing.T) {
	c, s := newConsumer(t)

	res, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume must not fail on missing input: %v", err)
	}
	if res.Status != artifact.StatusError {
		t.Fatalf("expected error status")
	}
	if res.RequestHash != "" {
		t.Fatalf("missing input has no fingerprint, got %q", res.RequestHash)
	}
	if res.Error == nil || res.Error.Type != "not_found" {
		t.Fatalf("expected not_found error, got %+v", res.Error)
	}
	if res.Request.TaskID != "invalid-request" {
		t.Fatalf("placeholder request missing: %+v", res.Request)
	}
	if _, err := os.Stat(s.EvaluationPath()); !os.IsNotExist(err) {
		t.Fatalf("evaluator must not run on error results")
	}
	entries, _, err := s.ReadNDJSON(s.ResultHistoryPath())
	if err != nil || len(entries) != 1 {
		t.Fatalf("error results must still reach history: %d, %v", len(entries), err)
	}
}

func TestConsumeUnparseableRequestFile(t *testing.T) {
	c, s := newConsumer(t)
	if err := os.MkdirAll(s.Public, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.RequestPath(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Status != artifact.StatusError || res.Error == nil || res.Error.Type != "parse_error" {
		t.Fatalf("expected parse_error, got %+v", res.Error)
	}
	if res.RequestHash != "" {
		t.Fatalf("unparseable input has no fingerprint")
	}
}

func TestConsumeSchemaInvalidRequestKeepsFingerprint(t *testing.T) {
	c, s := newConsumer(t)
	seedRequest(t, s, map[string]any{
		"kind":    "execution_request",
		"payload": map[string]any{"content": "x\n"},
	})

	res, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Status != artifact.StatusError || res.Error == nil || res.Error.Type != "validation_error" {
		t.Fatalf("expected validation_error, got %+v", res.Error)
	}
	if res.RequestHash == "" {
		t.Fatalf("schema-invalid input still gets a fingerprint from the raw bytes")
	}
	if res.Request.TaskID != "invalid-request" {
		t.Fatalf("expected placeholder request, got %+v", res.Request)
	}
}

func TestConsumeExecutionFailureBecomesErrorArtifact(t *testing.T) {
	c, s := newConsumer(t)
	req := noteRequest()
	req["payload"] = map[string]any{"action": "launch_rockets"}
	seedRequest(t, s, req)

	res, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Status != artifact.StatusError || res.Error == nil || res.Error.Type != "unsupported_action" {
		t.Fatalf("expected unsupported_action, got %+v", res.Error)
	}
	// Execution failures keep the real request, not a placeholder.
	if res.Request.TaskID != "OFFLINE-7" {
		t.Fatalf("request not preserved: %+v", res.Request)
	}
	if _, err := os.Stat(s.EvaluationPath()); !os.IsNotExist(err) {
		t.Fatalf("evaluator must not run on error results")
	}
}

func TestConsumeIsDeterministicAcrossRuns(t *testing.T) {
	c, s := newConsumer(t)
	seedRequest(t, s, noteRequest())

	first, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	second, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if first.RequestHash != second.RequestHash {
		t.Fatalf("fingerprint drifted: %s vs %s", first.RequestHash, second.RequestHash)
	}
	if first.Outputs["note_path"] != second.Outputs["note_path"] {
		t.Fatalf("note path drifted")
	}
	if first.Outputs["note_sha256"] != second.Outputs["note_sha256"] {
		t.Fatalf("note content drifted")
	}
	entries, _, err := s.ReadNDJSON(s.ResultHistoryPath())
	if err != nil || len(entries) != 2 {
		t.Fatalf("each run must append one history line: %d, %v", len(entries), err)
	}
}

func TestConsumeIgnoresCreatedAtForFingerprint(t *testing.T) {
	c, s := newConsumer(t)
	req := noteRequest()
	req["created_at"] = "2024-01-01T00:00:00Z"
	seedRequest(t, s, req)
	first, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	req["created_at"] = "2030-12-31T23:59:59Z"
	req["_meta"] = map[string]any{"source": "http", "received_at": "2030-12-31T23:59:59Z"}
	seedRequest(t, s, req)
	second, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if first.RequestHash != second.RequestHash {
		t.Fatalf("timestamps must not affect identity: %s vs %s", first.RequestHash, second.RequestHash)
	}
}
