// Package consumer reads the pending execution request, executes it, and
// records a validated result artifact plus an append-only history line.
// Nothing raises past this boundary: every input or execution failure
// becomes a visible error artifact. The one exception is a result that
// fails its own self-validation, which aborts rather than publishing a
// corrupt artifact.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"replayline/internal/artifact"
	"replayline/internal/canonical"
	"replayline/internal/content"
	"replayline/internal/evaluator"
	"replayline/internal/executor"
	"replayline/internal/store"
)

// Version tags every result artifact this consumer produces.
const Version = "v2"

// Consumer drives the validate → execute → persist pipeline. When an
// Evaluator is attached it runs as the next stage iff the result status
// is success.
type Consumer struct {
	Store     store.Store
	Executor  executor.Executor
	Evaluator *evaluator.Evaluator
	Now       func() time.Time
	Log       *zap.Logger
}

// New returns a Consumer whose executor writes under the store's
// generated subtree and whose evaluator is chained on success.
func New(s store.Store) Consumer {
	ev := evaluator.New(s)
	return Consumer{
		Store:     s,
		Executor:  executor.Executor{Writer: content.Writer{Root: s.GeneratedPath()}},
		Evaluator: &ev,
		Now:       time.Now,
		Log:       zap.NewNop(),
	}
}

func (c Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Consumer) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// Consume runs one full pipeline pass over the pending request file and
// returns the persisted result. The returned error signals an internal
// invariant breach or a persistence failure, never a request failure.
func (c Consumer) Consume(ctx context.Context) (artifact.Result, error) {
	result := c.buildResult(ctx)

	if err := result.Validate(); err != nil {
		return artifact.Result{}, fmt.Errorf("result failed self-validation: %w", err)
	}
	if err := c.Store.WriteJSONAtomic(c.Store.ResultPath(), result); err != nil {
		return artifact.Result{}, fmt.Errorf("persist result: %w", err)
	}
	if err := c.Store.AppendNDJSON(c.Store.ResultHistoryPath(), result); err != nil {
		return artifact.Result{}, fmt.Errorf("append result history: %w", err)
	}
	c.log().Info("request consumed",
		zap.String("status", result.Status),
		zap.String("request_hash", result.RequestHash),
		zap.String("task_id", result.Request.TaskID))

	if result.Status == artifact.StatusSuccess && c.Evaluator != nil {
		if _, err := c.Evaluator.Consume(ctx); err != nil {
			return artifact.Result{}, fmt.Errorf("evaluate result: %w", err)
		}
	}
	return result, nil
}

// buildResult walks the two-state machine: validate, then execute. Both
// states terminate in an artifact; neither throws.
func (c Consumer) buildResult(ctx context.Context) artifact.Result {
	raw, err := c.Store.ReadJSON(c.Store.RequestPath())
	if err != nil {
		return c.errorResult("", artifact.PlaceholderRequest(nil), readErrorType(err), err.Error())
	}

	// The fingerprint comes from the raw input so that schema-invalid
	// requests still get a stable identity where possible.
	hash, hashErr := canonical.RequestHash(raw)
	if hashErr != nil {
		hash = ""
	}

	req, err := artifact.ParseRequest(raw)
	if err != nil {
		return c.errorResult(hash, artifact.PlaceholderRequest(raw), "validation_error", err.Error())
	}

	outputs, _, err := c.Executor.Execute(ctx, hash, req.TaskID, req.Payload)
	if err != nil {
		return c.errorResult(hash, req, executionErrorType(err), err.Error())
	}
	return artifact.Result{
		Kind:        artifact.KindExecutionResult,
		Status:      artifact.StatusSuccess,
		RequestHash: hash,
		Request:     req,
		Outputs:     outputs,
		Meta:        c.meta(),
	}
}

func (c Consumer) errorResult(hash string, req artifact.Request, errType, message string) artifact.Result {
	return artifact.Result{
		Kind:        artifact.KindExecutionResult,
		Status:      artifact.StatusError,
		RequestHash: hash,
		Request:     req,
		Outputs:     map[string]any{},
		Error:       &artifact.ErrorDetail{Message: message, Type: errType},
		Meta:        c.meta(),
	}
}

func (c Consumer) meta() *artifact.ResultMeta {
	return &artifact.ResultMeta{
		ProducedAt:      c.now().UTC().Format(time.RFC3339Nano),
		ConsumerVersion: Version,
	}
}

func executionErrorType(err error) string {
	var ae *executor.ActionError
	if errors.As(err, &ae) {
		return ae.Type
	}
	return "execution_error"
}

func readErrorType(err error) string {
	if os.IsNotExist(err) {
		return "not_found"
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return "parse_error"
	}
	return "io_error"
}
