package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"replayline/internal/app"
	"replayline/internal/db"
	"replayline/internal/events"
	"replayline/internal/migrate"
	"replayline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rt, err := app.NewRuntime(filepath.Join(workspace, "public"), "http", nil)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	handler, err := New(Config{
		Runtime: rt,
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v0",
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode response %s: %v", data, err)
		}
	}
	return resp, decoded
}

func noteRequest(taskID string) map[string]any {
	return map[string]any{
		"kind":    "execution_request",
		"task_id": taskID,
		"payload": map[string]any{"action": "write_public_note", "content": "hello\n"},
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestSubmitRunsFullPipeline(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests?project_id=proj-1", noteRequest("T-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %v", resp.StatusCode, body)
	}
	result, ok := body["result"].(map[string]any)
	if !ok || result["status"] != "success" {
		t.Fatalf("result missing or not success: %v", body)
	}
	evaluation, ok := body["evaluation"].(map[string]any)
	if !ok || evaluation["status"] != "pass" {
		t.Fatalf("evaluation missing or not pass: %v", body)
	}
	exec, ok := body["execution"].(map[string]any)
	if !ok || exec["status"] != "success" || exec["evaluation_status"] != "pass" {
		t.Fatalf("execution row mismatch: %v", exec)
	}

	// The pass must be visible through the artifact and index reads.
	resp, current := doJSON(t, ts.client, http.MethodGet, ts.URL+"/artifacts/execution-result", nil)
	if resp.StatusCode != http.StatusOK || current["request_hash"] != body["request_hash"] {
		t.Fatalf("artifact read mismatch: %d %v", resp.StatusCode, current)
	}
	resp, list := doJSON(t, ts.client, http.MethodGet, ts.URL+"/executions?project_id=proj-1", nil)
	items, _ := list["items"].([]any)
	if resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("executions list: %d %v", resp.StatusCode, list)
	}
}

func TestSubmitExecutionFailureIsAnArtifactNotAnHTTPError(t *testing.T) {
	ts := newTestServer(t)
	req := noteRequest("T-1")
	req["payload"] = map[string]any{"action": "launch_rockets"}
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("execution failures are artifacts, expected 201: %d %v", resp.StatusCode, body)
	}
	result, _ := body["result"].(map[string]any)
	if result["status"] != "error" {
		t.Fatalf("expected error artifact: %v", result)
	}
	if _, ok := body["evaluation"]; ok {
		t.Fatalf("error pass must not attach an evaluation")
	}
}

func TestSubmitRejectsMalformedRequest(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests", map[string]any{
		"payload": map[string]any{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing task_id must be 400: %d %v", resp.StatusCode, body)
	}
}

func TestReplayEndpoint(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests", noteRequest("T-1"))
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests", noteRequest("T-2"))

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/replays", map[string]any{"index": 0})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay: %d %v", resp.StatusCode, body)
	}
	result, _ := body["result"].(map[string]any)
	reqObj, _ := result["request"].(map[string]any)
	if reqObj["task_id"] != "T-1" {
		t.Fatalf("wrong entry replayed: %v", reqObj)
	}
	if _, ok := result["_replay"].(map[string]any); !ok {
		t.Fatalf("replay marker missing from current artifact: %v", result)
	}
}

func TestReplayUnknownHashIs404(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests", noteRequest("T-1"))
	resp, _ := doJSON(t, ts.client, http.MethodPost, ts.URL+"/replays", map[string]any{"request_hash": "ffff"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown hash must be 404, got %d", resp.StatusCode)
	}
}

func TestArtifactNotProducedYet(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/artifacts/evaluation-result", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing artifact must be 404, got %d", resp.StatusCode)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests", noteRequest("T-1"))
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests", noteRequest("T-2"))

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/history/results?limit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d", resp.StatusCode)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("limit should tail the log: %v", body)
	}
	last, _ := entries[0].(map[string]any)
	reqObj, _ := last["request"].(map[string]any)
	if reqObj["task_id"] != "T-2" {
		t.Fatalf("tail must keep the newest entry: %v", last)
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/projects", map[string]any{"id": "proj-1", "description": "sandbox"})
	if resp.StatusCode != http.StatusCreated || body["id"] != "proj-1" {
		t.Fatalf("create project: %d %v", resp.StatusCode, body)
	}

	doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests?project_id=proj-1", noteRequest("T-1"))

	resp, status := doJSON(t, ts.client, http.MethodGet, ts.URL+"/projects/proj-1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %v", resp.StatusCode, status)
	}
	counts, _ := status["execution_counts"].(map[string]any)
	if counts["success"] != float64(1) {
		t.Fatalf("execution counts mismatch: %v", status)
	}

	resp, _ = doJSON(t, ts.client, http.MethodDelete, ts.URL+"/projects/proj-1", nil)
	if resp.StatusCode >= 300 {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/projects/proj-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted project must 404, got %d", resp.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/projects", map[string]any{"id": "proj-1"})
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/execution-requests?project_id=proj-1", noteRequest("T-1"))

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/events?project_id=proj-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %v", resp.StatusCode, body)
	}
	items, _ := body["items"].([]any)
	if len(items) < 2 {
		t.Fatalf("expected project.created and execution.recorded events: %v", body)
	}
}
