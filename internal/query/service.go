// Package query runs saved and inline SQL for database steps against
// postgres and libSQL connections.
package query

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/go-libsql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/chainflow/internal/executors"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/tracing"
	"github.com/rendis/chainflow/pkg/schema"
)

// Supported connection drivers, named after their database/sql driver.
const (
	DriverPostgres = "postgres"
	DriverLibSQL   = "libsql"
)

// DefaultConnectionID keys the pool of the configured default connection.
const DefaultConnectionID = "default"

// Catalog is the saved-query metadata the service reads and writes.
// Satisfied by store.Store.
type Catalog interface {
	GetSavedQuery(ctx context.Context, id, workspaceID string) (*store.SavedQuery, error)
	GetConnection(ctx context.Context, id, workspaceID string) (*store.Connection, error)
	LogQueryExecution(ctx context.Context, e *store.QueryExecution) error
}

// SecretResolver reads connection DSNs. Satisfied by secrets.Vault.
type SecretResolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Config configures a Service.
type Config struct {
	Catalog Catalog
	Secrets SecretResolver
	// Default serves inline queries that name no connection.
	Default *store.Connection
	Logger  *slog.Logger
	Tracer  trace.Tracer
	// MaxOpenConns caps each cached pool; zero leaves database/sql's default.
	MaxOpenConns int
}

// Service implements executors.QueryRunner.
type Service struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	pools map[string]*sql.DB
	open  func(driver, dsn string) (*sql.DB, error)
}

var _ executors.QueryRunner = (*Service)(nil)

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		pools:  make(map[string]*sql.DB),
		open:   sql.Open,
	}
}

// Close closes every cached pool.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for id, db := range s.pools {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.pools, id)
	}
	return first
}

// ExecuteSavedQuery loads a saved query, binds params into its :name tokens,
// runs it on the query's connection and logs the execution.
func (s *Service) ExecuteSavedQuery(ctx context.Context, queryID string, params map[string]string, workspaceID string) (*executors.QueryResult, error) {
	if s.cfg.Catalog == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "query catalog is not configured")
	}
	q, err := s.cfg.Catalog.GetSavedQuery(ctx, queryID, workspaceID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "Query not found: %s", queryID).WithCause(err)
		}
		return nil, err
	}
	conn, err := s.connection(ctx, q.ConnectionID, workspaceID)
	if err != nil {
		return nil, err
	}

	bound := BindParameters(q.SQL, params)
	start := time.Now()
	res, runErr := s.run(ctx, conn, bound)

	entry := &store.QueryExecution{
		QueryID:         queryID,
		WorkspaceID:     workspaceID,
		ExecutedSQL:     bound,
		Parameters:      paramsAny(params),
		Status:          "success",
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		entry.Status = "failed"
		entry.ErrorMessage = schema.Message(runErr)
	} else {
		entry.RowCount = res.RowCount
	}
	if err := s.cfg.Catalog.LogQueryExecution(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "failed to log query execution", "query_id", queryID, "error", err)
	}
	return res, runErr
}

// ExecuteInlineQuery runs sql on connectionID, or on the default connection
// when connectionID is empty.
func (s *Service) ExecuteInlineQuery(ctx context.Context, sqlText, workspaceID, connectionID string) (*executors.QueryResult, error) {
	conn, err := s.connection(ctx, connectionID, workspaceID)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, conn, sqlText)
}

func (s *Service) connection(ctx context.Context, id, workspaceID string) (*store.Connection, error) {
	if id == "" {
		if s.cfg.Default == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "no connectionId given and no default database connection is configured")
		}
		conn := *s.cfg.Default
		if conn.ID == "" {
			conn.ID = DefaultConnectionID
		}
		return &conn, nil
	}
	if s.cfg.Catalog == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "query catalog is not configured")
	}
	conn, err := s.cfg.Catalog.GetConnection(ctx, id, workspaceID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound {
			return nil, schema.NewError(schema.ErrCodeNotFound, "Database connection not found").WithCause(err)
		}
		return nil, err
	}
	return conn, nil
}

func (s *Service) run(ctx context.Context, conn *store.Connection, sqlText string) (*executors.QueryResult, error) {
	ctx, span := tracing.StartSpan(ctx, s.tracer, "query.execute",
		attribute.String("chainflow.db.connection", conn.ID),
		attribute.String("chainflow.db.driver", conn.Driver),
	)
	defer span.End()

	read := isRead(sqlText)
	if conn.ReadOnly && !read {
		err := schema.NewErrorf(schema.ErrCodeNonRetryable, "connection %s is read-only", conn.Name)
		tracing.SetError(span, err)
		return nil, err
	}

	db, err := s.pool(ctx, conn)
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	var res *executors.QueryResult
	if read {
		res, err = queryRows(ctx, db, sqlText)
	} else {
		res, err = execStatement(ctx, db, sqlText)
	}
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("chainflow.db.row_count", res.RowCount))
	return res, nil
}

// pool returns the cached *sql.DB for conn, opening it on first use.
func (s *Service) pool(ctx context.Context, conn *store.Connection) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.pools[conn.ID]; ok {
		return db, nil
	}

	switch conn.Driver {
	case DriverPostgres, DriverLibSQL:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "Unsupported database type: %s", conn.Driver)
	}

	dsn := conn.DSN
	if conn.SecretRef != "" {
		if s.cfg.Secrets == nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "connection %s references a secret but no vault is configured", conn.ID)
		}
		raw, err := s.cfg.Secrets.Resolve(ctx, conn.SecretRef)
		if err != nil {
			return nil, err
		}
		dsn = string(raw)
	}
	if dsn == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "connection %s has no DSN", conn.ID)
	}

	db, err := s.open(conn.Driver, dsn)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "open %s connection: %s", conn.Driver, err).WithCause(err)
	}
	if s.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	s.pools[conn.ID] = db
	s.logger.DebugContext(ctx, "opened database pool", "connection_id", conn.ID, "driver", conn.Driver)
	return db, nil
}

func queryRows(ctx context.Context, db *sql.DB, sqlText string) (*executors.QueryResult, error) {
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, execError(err)
	}
	defer rows.Close()

	fields, err := rows.Columns()
	if err != nil {
		return nil, execError(err)
	}
	out := &executors.QueryResult{Rows: []map[string]any{}, Fields: fields}
	for rows.Next() {
		values := make([]any, len(fields))
		ptrs := make([]any, len(fields))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, execError(err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f] = normalize(values[i])
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, execError(err)
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

func execStatement(ctx context.Context, db *sql.DB, sqlText string) (*executors.QueryResult, error) {
	res, err := db.ExecContext(ctx, sqlText)
	if err != nil {
		return nil, execError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = 0
	}
	return &executors.QueryResult{Rows: []map[string]any{}, RowCount: int(n), Fields: []string{}}, nil
}

func execError(err error) error {
	code := schema.ErrCodeExecution
	if errors.Is(err, context.DeadlineExceeded) {
		code = schema.ErrCodeTimeout
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}

// normalize turns driver byte slices into strings so rows render as JSON text.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// isRead reports whether a statement returns rows.
func isRead(sqlText string) bool {
	first := strings.ToLower(firstWord(sqlText))
	if first == "select" || first == "with" || first == "pragma" || first == "explain" {
		return true
	}
	return strings.Contains(strings.ToLower(sqlText), " returning ")
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func paramsAny(params map[string]string) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
