package canonical_test

import (
	"strings"
	"testing"

	"replayline/internal/canonical"
)

func TestStripReturnsCopy(t *testing.T) {
	in := map[string]any{"a": 1, "created_at": "now", "_meta": map[string]any{"x": 1}}
	out := canonical.Strip(in, []string{"created_at", "_meta"})
	if _, ok := out["created_at"]; ok {
		t.Fatalf("created_at not stripped")
	}
	if _, ok := out["_meta"]; ok {
		t.Fatalf("_meta not stripped")
	}
	if _, ok := in["created_at"]; !ok {
		t.Fatalf("input mutated")
	}
}

func TestMarshalSortsKeysAndStaysCompact(t *testing.T) {
	data, err := canonical.Marshal(map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": "s"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(data); got != `{"a":1,"b":2,"c":{"y":"s","z":true}}` {
		t.Fatalf("unexpected canonical form: %s", got)
	}
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	data, err := canonical.Marshal(map[string]any{"s": "<hello> & goodbye"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `<`) {
		t.Fatalf("html escaped: %s", data)
	}
}

func TestRequestHashIgnoresNondeterministicFields(t *testing.T) {
	r1 := map[string]any{
		"kind":       "execution_request",
		"task_id":    "OFFLINE-1",
		"payload":    map[string]any{},
		"created_at": "2026-01-19T07:15:04.918628+00:00",
		"_meta":      map[string]any{"source_ip": "127.0.0.1", "received_at": "2026-01-19T07:15:04.918628+00:00"},
	}
	r2 := map[string]any{
		"kind":       "execution_request",
		"task_id":    "OFFLINE-1",
		"payload":    map[string]any{},
		"created_at": "2099-01-01T00:00:00+00:00",
		"_meta":      map[string]any{"source_ip": "10.0.0.5", "received_at": "2099-01-01T00:00:00+00:00"},
	}
	h1, err := canonical.RequestHash(r1)
	if err != nil {
		t.Fatalf("hash r1: %v", err)
	}
	h2, err := canonical.RequestHash(r2)
	if err != nil {
		t.Fatalf("hash r2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected hex sha256, got %q", h1)
	}
}

func TestRequestHashChangesWithPayload(t *testing.T) {
	base := map[string]any{"kind": "execution_request", "task_id": "T", "payload": map[string]any{"a": 1}}
	other := map[string]any{"kind": "execution_request", "task_id": "T", "payload": map[string]any{"a": 2}}
	h1, _ := canonical.RequestHash(base)
	h2, _ := canonical.RequestHash(other)
	if h1 == h2 {
		t.Fatalf("expected different hashes for different payloads")
	}
}

func TestMarshalNormalizesStructFieldOrder(t *testing.T) {
	type pair struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	data, err := canonical.Marshal(pair{B: "2", A: "1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(data); got != `{"a":"1","b":"2"}` {
		t.Fatalf("struct keys not sorted: %s", got)
	}
}
