// Package artifact defines the artifact shapes flowing through the pipeline
// and the boundary validation applied before any artifact is trusted or
// published.
package artifact

import (
	"encoding/json"
	"fmt"
)

const (
	KindExecutionRequest = "execution_request"
	KindExecutionResult  = "execution_result"

	StatusSuccess = "success"
	StatusError   = "error"

	StatusPass = "pass"
	StatusFail = "fail"
)

// RequiredResultKeys are the top-level keys every execution result must
// carry. _meta is intentionally absent: it is non-deterministic transport
// metadata.
var RequiredResultKeys = []string{"kind", "status", "request_hash", "request", "outputs", "error"}

// RequestMeta is transport metadata attached by the intake layer. It never
// participates in request identity.
type RequestMeta struct {
	Source     string `json:"source,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
}

// Request is a task-execution request. task_id is always present, even on a
// synthesized placeholder for malformed input.
type Request struct {
	Kind        string         `json:"kind"`
	TaskID      string         `json:"task_id"`
	MilestoneID string         `json:"milestone_id,omitempty"`
	Title       string         `json:"title,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
	Payload     map[string]any `json:"payload"`
	Meta        *RequestMeta   `json:"_meta,omitempty"`
}

// Validate checks the request contract.
func (r Request) Validate() error {
	if r.Kind != KindExecutionRequest {
		return fmt.Errorf("request.kind must be %q, got %q", KindExecutionRequest, r.Kind)
	}
	if r.TaskID == "" {
		return fmt.Errorf("request.task_id is required")
	}
	if r.Payload == nil {
		return fmt.Errorf("request.payload is required")
	}
	return nil
}

// ParseRequest decodes a raw request object into a Request and validates it.
// Unknown keys are tolerated; type mismatches and missing required fields
// are not.
func ParseRequest(raw map[string]any) (Request, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Request{}, fmt.Errorf("encode request: %w", err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Kind == "" {
		req.Kind = KindExecutionRequest
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// PlaceholderRequest builds a schema-valid stand-in for malformed input so
// that error results still carry a full request. The raw input is kept in
// the payload for forensics.
func PlaceholderRequest(raw any) Request {
	return Request{
		Kind:    KindExecutionRequest,
		TaskID:  "invalid-request",
		Payload: map[string]any{"raw": raw},
	}
}

// ErrorDetail captures an artifact-visible failure.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ResultMeta is non-semantic result metadata.
type ResultMeta struct {
	ProducedAt      string `json:"produced_at"`
	ConsumerVersion string `json:"consumer_version"`
}

// Result is the artifact produced by consuming a request. error is always
// serialized (null on success) so downstream required-key checks hold.
type Result struct {
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	RequestHash string         `json:"request_hash"`
	Request     Request        `json:"request"`
	Outputs     map[string]any `json:"outputs"`
	Error       *ErrorDetail   `json:"error"`
	Meta        *ResultMeta    `json:"_meta,omitempty"`
}

// Validate enforces the result contract, including the exactly-one-of
// outputs/error invariant.
func (r Result) Validate() error {
	if r.Kind != KindExecutionResult {
		return fmt.Errorf("result.kind must be %q, got %q", KindExecutionResult, r.Kind)
	}
	if r.Status != StatusSuccess && r.Status != StatusError {
		return fmt.Errorf("result.status must be success or error, got %q", r.Status)
	}
	if err := r.Request.Validate(); err != nil {
		return fmt.Errorf("result.request: %w", err)
	}
	if r.Outputs == nil {
		return fmt.Errorf("result.outputs is required")
	}
	switch r.Status {
	case StatusSuccess:
		if r.Error != nil {
			return fmt.Errorf("success result must not carry an error")
		}
	case StatusError:
		if r.Error == nil {
			return fmt.Errorf("error result must carry an error")
		}
		if r.Error.Message == "" {
			return fmt.Errorf("result.error.message is required")
		}
		if r.Error.Type == "" {
			return fmt.Errorf("result.error.type is required")
		}
	}
	return nil
}

// ToMap re-encodes the result as a generic object, the form appended to
// history and handed to the evaluator.
func (r Result) ToMap() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

// ValidateResultMap applies the Result schema to a raw, possibly
// hand-edited object. This is the evaluator's first gate. It is looser than
// Result.Validate on purpose: absent optional fields take their defaults,
// so a missing outputs key is schema-valid and left for the required-keys
// check to report.
func ValidateResultMap(raw map[string]any) error {
	if _, ok := raw["status"].(string); !ok {
		return fmt.Errorf("result.status must be a string")
	}
	if _, ok := raw["request_hash"].(string); !ok {
		return fmt.Errorf("result.request_hash must be a string")
	}
	reqRaw, ok := raw["request"].(map[string]any)
	if !ok {
		return fmt.Errorf("result.request must be an object")
	}
	if _, ok := reqRaw["task_id"].(string); !ok {
		return fmt.Errorf("result.request.task_id must be a string")
	}
	if p, present := reqRaw["payload"]; present && p != nil {
		if _, ok := p.(map[string]any); !ok {
			return fmt.Errorf("result.request.payload must be an object")
		}
	}
	if k, present := raw["kind"]; present {
		if _, ok := k.(string); !ok {
			return fmt.Errorf("result.kind must be a string")
		}
	}
	if o, present := raw["outputs"]; present && o != nil {
		if _, ok := o.(map[string]any); !ok {
			return fmt.Errorf("result.outputs must be an object")
		}
	}
	if e, present := raw["error"]; present && e != nil {
		if _, ok := e.(map[string]any); !ok {
			return fmt.Errorf("result.error must be an object or null")
		}
	}
	return nil
}

// EvaluationMeta is non-semantic evaluation metadata.
type EvaluationMeta struct {
	ProducedAt       string `json:"produced_at"`
	EvaluatorVersion string `json:"evaluator_version"`
}

// Evaluation is the verdict artifact produced by re-checking a result.
// reasons is empty exactly when status is pass.
type Evaluation struct {
	Status      string          `json:"status"`
	RequestHash string          `json:"request_hash"`
	Reasons     []string        `json:"reasons"`
	Checks      map[string]any  `json:"checks"`
	Meta        *EvaluationMeta `json:"_meta,omitempty"`
}

// Validate enforces the evaluation contract before it is published.
func (e Evaluation) Validate() error {
	if e.Status != StatusPass && e.Status != StatusFail {
		return fmt.Errorf("evaluation.status must be pass or fail, got %q", e.Status)
	}
	if e.Reasons == nil {
		return fmt.Errorf("evaluation.reasons is required")
	}
	if e.Checks == nil {
		return fmt.Errorf("evaluation.checks is required")
	}
	if e.Status == StatusPass && len(e.Reasons) > 0 {
		return fmt.Errorf("pass evaluation must not carry reasons")
	}
	if e.Status == StatusFail && len(e.Reasons) == 0 {
		return fmt.Errorf("fail evaluation must carry at least one reason")
	}
	return nil
}
