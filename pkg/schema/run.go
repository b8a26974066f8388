package schema

import "time"

// RunStatus represents the lifecycle state of a chain run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the lifecycle state of a step result.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
	StepStatusSkipped StepStatus = "skipped"
)

// StepExecutionResult records one step's outcome. Retries are folded into a
// single result rather than producing one entry per attempt.
type StepExecutionResult struct {
	StepID          string     `json:"stepId"`
	StepType        StepType   `json:"stepType"`
	StepName        string     `json:"stepName"`
	Status          StepStatus `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Input           any        `json:"input,omitempty"`
	Output          any        `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	Retries         int        `json:"retries,omitempty"`
	ExecutionTimeMs int64      `json:"executionTimeMs,omitempty"`
}

// ExecutionContext is the state of a single chain run.
type ExecutionContext struct {
	ChainID          string                `json:"chainId"`
	RunID            string                `json:"runId"`
	WorkspaceID      string                `json:"workspaceId,omitempty"`
	UserID           string                `json:"userId,omitempty"`
	Variables        map[string]any        `json:"variables"`
	Steps            []StepExecutionResult `json:"steps"`
	CurrentStepIndex int                   `json:"currentStepIndex"`
	Status           RunStatus             `json:"status"`
	StartedAt        time.Time             `json:"startedAt"`
	CompletedAt      *time.Time            `json:"completedAt,omitempty"`
	Error            string                `json:"error,omitempty"`
}

// LastOutput returns the output of the last successful step, or nil.
func (c *ExecutionContext) LastOutput() any {
	for i := len(c.Steps) - 1; i >= 0; i-- {
		if c.Steps[i].Status == StepStatusSuccess {
			return c.Steps[i].Output
		}
	}
	return nil
}

// RunRecord is the persisted form of a chain run.
type RunRecord struct {
	ID              string                `json:"id"`
	ChainID         string                `json:"chain_id"`
	WorkspaceID     string                `json:"workspace_id,omitempty"`
	UserID          string                `json:"user_id,omitempty"`
	Status          RunStatus             `json:"status"`
	InputData       map[string]any        `json:"input_data,omitempty"`
	OutputData      map[string]any        `json:"output_data,omitempty"`
	Config          []ChainStep           `json:"config,omitempty"`
	StepResults     []StepExecutionResult `json:"step_results,omitempty"`
	CurrentStep     int                   `json:"current_step"`
	Error           string                `json:"error,omitempty"`
	ExecutionTimeMs int64                 `json:"execution_time_ms,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}
