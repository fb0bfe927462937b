package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,archived"`
	PublicDir   string `json:"public_dir,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Execution is one index row per pipeline pass. The artifacts on disk stay
// the source of truth; rows here only make them queryable.
type Execution struct {
	ID               string  `json:"id"`
	ProjectID        *string `json:"project_id,omitempty"`
	TaskID           string  `json:"task_id"`
	RequestHash      string  `json:"request_hash"`
	Action           string  `json:"action,omitempty"`
	Status           string  `json:"status" enum:"success,error"`
	ErrorType        string  `json:"error_type,omitempty"`
	EvaluationStatus string  `json:"evaluation_status,omitempty"`
	Replayed         bool    `json:"replayed"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
