package store

import (
	"context"

	"github.com/rendis/chainflow/internal/executors"
	"github.com/rendis/chainflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Chains
	PutChain(ctx context.Context, chain *Chain) error
	GetChain(ctx context.Context, id string) (*Chain, error)
	ListChains(ctx context.Context, filter ChainFilter) ([]*Chain, error)
	DeleteChain(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, rec *schema.RunRecord) error
	UpdateRun(ctx context.Context, rec *schema.RunRecord) error
	FinalizeRun(ctx context.Context, rec *schema.RunRecord) error
	GetRun(ctx context.Context, id string) (*schema.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunRecord, error)

	// Prompts
	PutPrompt(ctx context.Context, p *executors.Prompt) error
	GetPrompt(ctx context.Context, id string) (*executors.Prompt, error)

	// Query catalog
	PutSavedQuery(ctx context.Context, q *SavedQuery) error
	GetSavedQuery(ctx context.Context, id, workspaceID string) (*SavedQuery, error)
	PutConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, id, workspaceID string) (*Connection, error)
	LogQueryExecution(ctx context.Context, e *QueryExecution) error
	ListQueryExecutions(ctx context.Context, queryID string, limit int) ([]*QueryExecution, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
