package audit

import "time"

// Record is one terminal Execution Outcome, stored for operator
// visibility only -- nothing in the dispatch or execution path ever
// reads this back.
type Record struct {
	tableName struct{} `pg:"execution_outcomes"`

	RequestID  string    `json:"request_id" pg:"request_id,pk"`
	FunctionID string    `json:"function_id" pg:"function_id,notnull"`
	AgentID    string    `json:"agent_id" pg:"agent_id,notnull"`
	Runtime    string    `json:"runtime" pg:"runtime,notnull"`
	Status     string    `json:"status" pg:"status,notnull"`
	ExitCode   int       `json:"exit_code" pg:"exit_code"`
	DurationMs int64     `json:"duration_ms" pg:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at" pg:"recorded_at,notnull"`
}
