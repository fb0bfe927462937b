package evaluator_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"replayline/internal/content"
	"replayline/internal/evaluator"
	"replayline/internal/store"

	"replayline/internal/artifact"
)

func newEvaluator(t *testing.T) (evaluator.Evaluator, store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "public"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ev := evaluator.New(s)
	ev.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return ev, s
}

func successResult(t *testing.T, s store.Store) map[string]any {
	t.Helper()
	w := content.Writer{Root: s.GeneratedPath()}
	rec, err := w.WriteText("note.md", "hello\n")
	if err != nil {
		t.Fatalf("seed write: %v", err)
	}
	return map[string]any{
		"kind":         "execution_result",
		"status":       "success",
		"request_hash": "abc123",
		"request":      map[string]any{"kind": "execution_request", "task_id": "T", "payload": map[string]any{}},
		"outputs": map[string]any{
			"action": "write_public_note",
			"writes": []any{map[string]any{"path": rec.Path, "sha256": rec.SHA256, "bytes": rec.Bytes}},
		},
		"error": nil,
	}
}

func TestEvaluatePassesValidResult(t *testing.T) {
	ev, s := newEvaluator(t)
	res, err := ev.Evaluate(successResult(t, s))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != artifact.StatusPass {
		t.Fatalf("expected pass, got %s (%v)", res.Status, res.Reasons)
	}
	if len(res.Reasons) != 0 {
		t.Fatalf("pass must have no reasons: %v", res.Reasons)
	}
	if res.Checks["writes_checked"] != 1 || res.Checks["writes_ok"] != 1 {
		t.Fatalf("unexpected write counts: %v", res.Checks)
	}
	if res.RequestHash != "abc123" {
		t.Fatalf("request hash not propagated: %s", res.RequestHash)
	}
}

func TestEvaluateMissingOutputsKeyFailsClosed(t *testing.T) {
	ev, s := newEvaluator(t)
	raw := successResult(t, s)
	delete(raw, "outputs")
	res, err := ev.Evaluate(raw)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != artifact.StatusFail {
		t.Fatalf("expected fail")
	}
	if res.Checks["required_keys_present"] != false {
		t.Fatalf("required_keys_present should be false: %v", res.Checks)
	}
	found := false
	for _, r := range res.Reasons {
		if r == "missing_required_key:outputs" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing_required_key:outputs not reported: %v", res.Reasons)
	}
}

func TestEvaluateErrorResultFails(t *testing.T) {
	ev, s := newEvaluator(t)
	raw := successResult(t, s)
	raw["status"] = "error"
	raw["error"] = map[string]any{"message": "boom", "type": "write_error"}
	res, err := ev.Evaluate(raw)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := []string{"execution_status_not_success", "execution_error_field_present"}
	if !reflect.DeepEqual(res.Reasons, want) {
		t.Fatalf("reasons mismatch: %v", res.Reasons)
	}
	if res.Checks["no_error_field"] != false {
		t.Fatalf("no_error_field should be false")
	}
}

func TestEvaluateShaMismatch(t *testing.T) {
	ev, s := newEvaluator(t)
	raw := successResult(t, s)
	writes := raw["outputs"].(map[string]any)["writes"].([]any)
	writes[0].(map[string]any)["sha256"] = "deadbeef"
	res, _ := ev.Evaluate(raw)
	if res.Status != artifact.StatusFail {
		t.Fatalf("expected fail")
	}
	if len(res.Reasons) != 1 || res.Reasons[0][:18] != "write_sha_mismatch" {
		t.Fatalf("unexpected reasons: %v", res.Reasons)
	}
	if res.Checks["writes_ok"] != 0 {
		t.Fatalf("writes_ok should be 0: %v", res.Checks)
	}
}

func TestEvaluateBytesMismatch(t *testing.T) {
	ev, s := newEvaluator(t)
	raw := successResult(t, s)
	writes := raw["outputs"].(map[string]any)["writes"].([]any)
	writes[0].(map[string]any)["bytes"] = 999
	res, _ := ev.Evaluate(raw)
	if len(res.Reasons) != 1 || res.Reasons[0][:20] != "write_bytes_mismatch" {
		t.Fatalf("unexpected reasons: %v", res.Reasons)
	}
}

func TestEvaluateMissingFile(t *testing.T) {
	ev, s := newEvaluator(t)
	raw := successResult(t, s)
	writes := raw["outputs"].(map[string]any)["writes"].([]any)
	writes[0].(map[string]any)["path"] = filepath.Join(s.GeneratedPath(), "gone.md")
	res, _ := ev.Evaluate(raw)
	if len(res.Reasons) != 1 || res.Reasons[0][:18] != "write_file_missing" {
		t.Fatalf("unexpected reasons: %v", res.Reasons)
	}
}

func TestEvaluateSchemaInvalidShortCircuits(t *testing.T) {
	ev, _ := newEvaluator(t)
	res, err := ev.Evaluate(map[string]any{"status": 42})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != artifact.StatusFail {
		t.Fatalf("expected fail")
	}
	if !reflect.DeepEqual(res.Reasons, []string{"execution_result_schema_invalid"}) {
		t.Fatalf("unexpected reasons: %v", res.Reasons)
	}
	if len(res.Checks) != 1 || res.Checks["execution_result_schema_valid"] != false {
		t.Fatalf("short-circuit must record only the schema check: %v", res.Checks)
	}
}

func TestEvaluateBadWriteEntryShape(t *testing.T) {
	ev, s := newEvaluator(t)
	raw := successResult(t, s)
	raw["outputs"].(map[string]any)["writes"] = []any{map[string]any{"path": "x.md"}}
	res, _ := ev.Evaluate(raw)
	if res.Checks["outputs_shape_valid"] != false {
		t.Fatalf("outputs_shape_valid should be false: %v", res.Checks)
	}
	found := false
	for _, r := range res.Reasons {
		if r == "write_record_missing_key:0:sha256" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected write_record_missing_key reason: %v", res.Reasons)
	}
}

func TestConsumeMissingResultFileStillWritesArtifacts(t *testing.T) {
	ev, s := newEvaluator(t)
	res, err := ev.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Status != artifact.StatusFail {
		t.Fatalf("expected fail")
	}
	if !reflect.DeepEqual(res.Reasons, []string{"missing_or_invalid_execution_result"}) {
		t.Fatalf("unexpected reasons: %v", res.Reasons)
	}
	if _, err := s.ReadJSON(s.EvaluationPath()); err != nil {
		t.Fatalf("current evaluation artifact missing: %v", err)
	}
	entries, malformed, err := s.ReadNDJSON(s.EvaluationHistoryPath())
	if err != nil || malformed != 0 || len(entries) != 1 {
		t.Fatalf("history not appended: %d entries, %d malformed, err %v", len(entries), malformed, err)
	}
}

func TestConsumeValidResultPassesAndPersists(t *testing.T) {
	ev, s := newEvaluator(t)
	raw := successResult(t, s)
	if err := s.WriteJSONAtomic(s.ResultPath(), raw); err != nil {
		t.Fatalf("seed result: %v", err)
	}
	res, err := ev.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Status != artifact.StatusPass {
		t.Fatalf("expected pass, got %s (%v)", res.Status, res.Reasons)
	}
	current, err := s.ReadJSON(s.EvaluationPath())
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if current["status"] != "pass" {
		t.Fatalf("current artifact mismatch: %v", current)
	}
}
