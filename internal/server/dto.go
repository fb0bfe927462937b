package server

import (
	"replayline/internal/domain"
)

type submitRequestInput struct {
	ProjectID string         `query:"project_id" doc:"Project to index the pass under"`
	Body      map[string]any `json:"body" doc:"Execution request object"`
}

type PipelinePassBody struct {
	RequestHash string            `json:"request_hash"`
	Result      map[string]any    `json:"result"`
	Evaluation  map[string]any    `json:"evaluation,omitempty"`
	Execution   *domain.Execution `json:"execution,omitempty"`
}

type pipelinePassOutput struct {
	Body PipelinePassBody `json:"body"`
}

type replayInput struct {
	ProjectID string `query:"project_id" doc:"Project to index the pass under"`
	Body      struct {
		RequestHash string `json:"request_hash,omitempty" doc:"Replay the first history entry with this fingerprint"`
		Index       *int   `json:"index,omitempty" doc:"Replay the history entry at this position"`
	} `json:"body"`
}

type replayBody struct {
	PipelinePassBody
	SelectedIndex  int `json:"selected_index"`
	MalformedLines int `json:"malformed_ndjson_lines_ignored"`
}

type replayOutput struct {
	Body replayBody `json:"body"`
}

type artifactOutput struct {
	Body map[string]any `json:"body"`
}

type historyInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000"`
}

type historyBody struct {
	Entries        []map[string]any `json:"entries"`
	MalformedLines int              `json:"malformed_ndjson_lines_ignored"`
}

type historyOutput struct {
	Body historyBody `json:"body"`
}

type projectCreateInput struct {
	Body struct {
		ID          string `json:"id" minLength:"1"`
		PublicDir   string `json:"public_dir,omitempty"`
		Description string `json:"description,omitempty"`
	} `json:"body"`
}

type projectOutput struct {
	Body domain.Project `json:"body"`
}

type projectListOutput struct {
	Body struct {
		Items []domain.Project `json:"items"`
	} `json:"body"`
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type projectStatusOutput struct {
	Body struct {
		ProjectID       string         `json:"project_id"`
		Status          string         `json:"status"`
		ExecutionCounts map[string]int `json:"execution_counts"`
	} `json:"body"`
}

type executionListInput struct {
	ProjectID   string `query:"project_id"`
	Status      string `query:"status" enum:",success,error"`
	RequestHash string `query:"request_hash"`
	Limit       int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
}

type executionListOutput struct {
	Body struct {
		Items []domain.Execution `json:"items"`
	} `json:"body"`
}

type executionPath struct {
	ID string `path:"id"`
}

type executionOutput struct {
	Body domain.Execution `json:"body"`
}

type eventListInput struct {
	ProjectID  string `query:"project_id"`
	Type       string `query:"type"`
	EntityKind string `query:"entity_kind"`
	EntityID   string `query:"entity_id"`
	Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
}

type eventListOutput struct {
	Body struct {
		Items []domain.Event `json:"items"`
	} `json:"body"`
}
