// Package app wires the artifact pipeline to the execution index. The
// artifacts under the public directory stay authoritative; app only mirrors
// each pass into queryable rows.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"replayline/internal/artifact"
	"replayline/internal/consumer"
	"replayline/internal/domain"
	"replayline/internal/events"
	"replayline/internal/intake"
	"replayline/internal/replay"
	"replayline/internal/repo"
	"replayline/internal/store"
)

// Runtime bundles the pipeline components over one public directory.
type Runtime struct {
	Store    store.Store
	Intake   intake.Intake
	Consumer consumer.Consumer
	Replay   replay.Runner
	Log      *zap.Logger
}

// NewRuntime builds a pipeline over the given public directory.
func NewRuntime(public, source string, logger *zap.Logger) (Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := store.New(public)
	if err != nil {
		return Runtime{}, err
	}
	in := intake.New(s, source)
	in.Log = logger
	c := consumer.New(s)
	c.Log = logger
	if c.Evaluator != nil {
		c.Evaluator.Log = logger
	}
	r := replay.New(s)
	r.Consumer = c
	r.Log = logger
	return Runtime{Store: s, Intake: in, Consumer: c, Replay: r, Log: logger}, nil
}

// ResolveProject returns the project row, creating it on the fly when the
// id is unknown.
func ResolveProject(ctx context.Context, r repo.Repo, projectID, publicDir string) (domain.Project, error) {
	p, err := r.GetProject(ctx, projectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	p = domain.Project{
		ID:        projectID,
		Name:      projectID,
		Status:    "active",
		PublicDir: publicDir,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("create project %s: %w", projectID, err)
	}
	return p, nil
}

// IndexExecution mirrors one pipeline pass into the executions table and the
// event log. The evaluation is optional: error passes never produce one.
func IndexExecution(ctx context.Context, r repo.Repo, ew events.Writer, projectID string, result artifact.Result, evaluation *artifact.Evaluation, replayed bool) (domain.Execution, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	e := domain.Execution{
		ID:          uuid.NewString(),
		TaskID:      result.Request.TaskID,
		RequestHash: result.RequestHash,
		Status:      result.Status,
		Replayed:    replayed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if projectID != "" {
		e.ProjectID = &projectID
	}
	if action, ok := result.Outputs["action"].(string); ok {
		e.Action = action
	} else if action, ok := result.Request.Payload["action"].(string); ok {
		e.Action = action
	}
	if result.Error != nil {
		e.ErrorType = result.Error.Type
	}
	if evaluation != nil {
		e.EvaluationStatus = evaluation.Status
	}
	if err := r.InsertExecution(ctx, e); err != nil {
		return domain.Execution{}, fmt.Errorf("index execution: %w", err)
	}
	payload := events.EventPayload{
		"request_hash": e.RequestHash,
		"status":       e.Status,
		"replayed":     replayed,
	}
	if e.EvaluationStatus != "" {
		payload["evaluation_status"] = e.EvaluationStatus
	}
	if err := ew.Append(ctx, "execution.recorded", projectID, "execution", e.ID, payload); err != nil {
		return domain.Execution{}, fmt.Errorf("append execution event: %w", err)
	}
	return e, nil
}

// LatestEvaluation reads the current evaluation artifact if it matches the
// result's fingerprint, so stale verdicts never get attached to a new pass.
func LatestEvaluation(s store.Store, result artifact.Result) *artifact.Evaluation {
	raw, err := s.ReadJSON(s.EvaluationPath())
	if err != nil {
		return nil
	}
	hash, _ := raw["request_hash"].(string)
	if hash == "" || hash != result.RequestHash {
		return nil
	}
	status, _ := raw["status"].(string)
	if status != artifact.StatusPass && status != artifact.StatusFail {
		return nil
	}
	ev := artifact.Evaluation{Status: status, RequestHash: hash}
	if reasons, ok := raw["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				ev.Reasons = append(ev.Reasons, s)
			}
		}
	}
	return &ev
}
