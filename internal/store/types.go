package store

import (
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// Chain is a stored chain definition.
type Chain struct {
	ID          string             `json:"id"`
	WorkspaceID string             `json:"workspace_id,omitempty"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Definition  schema.ChainConfig `json:"definition"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ChainFilter narrows ListChains.
type ChainFilter struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ChainID     string           `json:"chain_id,omitempty"`
	WorkspaceID string           `json:"workspace_id,omitempty"`
	Status      schema.RunStatus `json:"status,omitempty"`
	Since       *time.Time       `json:"since,omitempty"`
	Limit       int              `json:"limit,omitempty"`
}

// SavedQuery is a parameterized SQL statement bound to a connection.
// Parameters are written as :name in SQL.
type SavedQuery struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	ConnectionID string    `json:"connection_id"`
	Name         string    `json:"name"`
	SQL          string    `json:"sql"`
	CreatedAt    time.Time `json:"created_at"`
}

// Connection describes an external database. When SecretRef is set the DSN
// is read from the vault under that key instead of the DSN column.
type Connection struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Driver      string    `json:"driver"` // postgres | libsql
	DSN         string    `json:"dsn,omitempty"`
	SecretRef   string    `json:"secret_ref,omitempty"`
	ReadOnly    bool      `json:"read_only"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueryExecution is one entry of the saved-query execution log.
type QueryExecution struct {
	ID              int64          `json:"id"`
	QueryID         string         `json:"query_id"`
	WorkspaceID     string         `json:"workspace_id"`
	ExecutedSQL     string         `json:"executed_sql"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Status          string         `json:"status"` // success | failed
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	RowCount        int            `json:"row_count"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Schedule runs a stored chain on a cron expression.
type Schedule struct {
	ID             string         `json:"id"`
	ChainID        string         `json:"chain_id"`
	CronExpression string         `json:"cron_expression"`
	Variables      map[string]any `json:"variables,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	ChainID string `json:"chain_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
