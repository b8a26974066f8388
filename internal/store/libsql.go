package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chainflow/internal/executors"
	"github.com/rendis/chainflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database. dbPath is a file URI, e.g.
// "file:/var/lib/chainflow/chainflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var ignored string
		_ = db.QueryRow(p).Scan(&ignored)
	}
	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying handle.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Chains ---

// PutChain inserts or replaces a chain definition.
func (s *LibSQLStore) PutChain(ctx context.Context, c *Chain) error {
	def, err := json.Marshal(c.Definition)
	if err != nil {
		return fmt.Errorf("marshal chain definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chains (id, workspace_id, name, description, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workspace_id=excluded.workspace_id, name=excluded.name,
		   description=excluded.description, definition=excluded.definition, updated_at=excluded.updated_at`,
		c.ID, nullStr(c.WorkspaceID), c.Name, nullStr(c.Description), string(def), timeOrNow(c.CreatedAt), now,
	)
	return storeErr("put chain", err)
}

func (s *LibSQLStore) GetChain(ctx context.Context, id string) (*Chain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, description, definition, created_at, updated_at FROM chains WHERE id = ?`, id)
	c, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("chain", id)
	}
	return c, err
}

func (s *LibSQLStore) ListChains(ctx context.Context, filter ChainFilter) ([]*Chain, error) {
	query := `SELECT id, workspace_id, name, description, definition, created_at, updated_at FROM chains`
	var args []any
	if filter.WorkspaceID != "" {
		query += " WHERE workspace_id = ?"
		args = append(args, filter.WorkspaceID)
	}
	query += " ORDER BY name" + limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list chains", err)
	}
	defer rows.Close()

	var out []*Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteChain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chains WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete chain", err)
	}
	return checkRowsAffected(res, "chain", id)
}

func scanChain(sc scanner) (*Chain, error) {
	c := &Chain{}
	var workspace, desc sql.NullString
	var def string
	if err := sc.Scan(&c.ID, &workspace, &c.Name, &desc, &def, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.WorkspaceID = workspace.String
	c.Description = desc.String
	if err := json.Unmarshal([]byte(def), &c.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal chain definition: %w", err)
	}
	return c, nil
}

// --- Runs ---

// CreateRun inserts the initial run record.
func (s *LibSQLStore) CreateRun(ctx context.Context, rec *schema.RunRecord) error {
	cols, err := encodeRun(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chain_runs (id, chain_id, workspace_id, user_id, status, input_data, output_data, config,
		   step_results, current_step, error, execution_time_ms, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		rec.ID, rec.ChainID, nullStr(rec.WorkspaceID), nullStr(rec.UserID), string(rec.Status),
		cols.input, cols.output, cols.config, cols.steps, rec.CurrentStep, nullStr(rec.Error),
		nullInt(rec.ExecutionTimeMs), timeOrNow(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	return storeErr("create run", err)
}

// UpdateRun writes the run's progress: status, variables, step log and index.
func (s *LibSQLStore) UpdateRun(ctx context.Context, rec *schema.RunRecord) error {
	cols, err := encodeRun(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chain_runs SET status = ?, output_data = ?, step_results = ?, current_step = ?, error = ?,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		string(rec.Status), cols.output, cols.steps, rec.CurrentStep, nullStr(rec.Error), rec.ID,
	)
	if err != nil {
		return storeErr("update run", err)
	}
	return checkRowsAffected(res, "run", rec.ID)
}

// FinalizeRun writes the terminal state and timing of a run.
func (s *LibSQLStore) FinalizeRun(ctx context.Context, rec *schema.RunRecord) error {
	cols, err := encodeRun(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chain_runs SET status = ?, output_data = ?, step_results = ?, current_step = ?, error = ?,
		   execution_time_ms = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		string(rec.Status), cols.output, cols.steps, rec.CurrentStep, nullStr(rec.Error),
		nullInt(rec.ExecutionTimeMs), nullTime(rec.CompletedAt), rec.ID,
	)
	if err != nil {
		return storeErr("finalize run", err)
	}
	return checkRowsAffected(res, "run", rec.ID)
}

const runColumns = `id, chain_id, workspace_id, user_id, status, input_data, output_data, config, step_results,
	current_step, error, execution_time_ms, started_at, completed_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM chain_runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return rec, err
}

// ListRuns returns runs newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunRecord, error) {
	var where []string
	var args []any
	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM chain_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC" + limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []*schema.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type runJSON struct {
	input, output, config, steps any
}

func encodeRun(rec *schema.RunRecord) (runJSON, error) {
	var cols runJSON
	var err error
	if cols.input, err = nullJSON(rec.InputData); err != nil {
		return cols, fmt.Errorf("marshal input_data: %w", err)
	}
	if cols.output, err = nullJSON(rec.OutputData); err != nil {
		return cols, fmt.Errorf("marshal output_data: %w", err)
	}
	if cols.config, err = nullJSON(rec.Config); err != nil {
		return cols, fmt.Errorf("marshal config: %w", err)
	}
	if cols.steps, err = nullJSON(rec.StepResults); err != nil {
		return cols, fmt.Errorf("marshal step_results: %w", err)
	}
	return cols, nil
}

func scanRun(sc scanner) (*schema.RunRecord, error) {
	rec := &schema.RunRecord{}
	var (
		workspace, user, errMsg            sql.NullString
		input, output, config, stepResults sql.NullString
		execMs                             sql.NullInt64
		completed                          sql.NullTime
		status                             string
	)
	if err := sc.Scan(&rec.ID, &rec.ChainID, &workspace, &user, &status, &input, &output, &config,
		&stepResults, &rec.CurrentStep, &errMsg, &execMs, &rec.StartedAt, &completed); err != nil {
		return nil, err
	}
	rec.WorkspaceID = workspace.String
	rec.UserID = user.String
	rec.Status = schema.RunStatus(status)
	rec.Error = errMsg.String
	rec.ExecutionTimeMs = execMs.Int64
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	for _, f := range []struct {
		raw sql.NullString
		dst any
	}{
		{input, &rec.InputData},
		{output, &rec.OutputData},
		{config, &rec.Config},
		{stepResults, &rec.StepResults},
	} {
		if f.raw.Valid && f.raw.String != "" {
			if err := json.Unmarshal([]byte(f.raw.String), f.dst); err != nil {
				return nil, fmt.Errorf("unmarshal run %s: %w", rec.ID, err)
			}
		}
	}
	return rec, nil
}

// --- Prompts ---

func (s *LibSQLStore) PutPrompt(ctx context.Context, p *executors.Prompt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (id, workspace_id, name, content, model, temperature, max_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workspace_id=excluded.workspace_id, name=excluded.name,
		   content=excluded.content, model=excluded.model, temperature=excluded.temperature,
		   max_tokens=excluded.max_tokens`,
		p.ID, nullStr(p.WorkspaceID), nullStr(p.Name), p.Content, nullStr(p.Model),
		nullFloat(p.Temperature), nullIntPtr(p.MaxTokens),
	)
	return storeErr("put prompt", err)
}

// GetPrompt implements executors.PromptStore.
func (s *LibSQLStore) GetPrompt(ctx context.Context, id string) (*executors.Prompt, error) {
	p := &executors.Prompt{}
	var workspace, name, model sql.NullString
	var temp sql.NullFloat64
	var maxTokens sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, content, model, temperature, max_tokens FROM prompts WHERE id = ?`, id,
	).Scan(&p.ID, &workspace, &name, &p.Content, &model, &temp, &maxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("prompt", id)
	}
	if err != nil {
		return nil, storeErr("get prompt", err)
	}
	p.WorkspaceID = workspace.String
	p.Name = name.String
	p.Model = model.String
	if temp.Valid {
		p.Temperature = &temp.Float64
	}
	if maxTokens.Valid {
		n := int(maxTokens.Int64)
		p.MaxTokens = &n
	}
	return p, nil
}

// --- Query catalog ---

func (s *LibSQLStore) PutConnection(ctx context.Context, c *Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO database_connections (id, workspace_id, name, driver, dsn, secret_ref, read_only, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workspace_id=excluded.workspace_id, name=excluded.name,
		   driver=excluded.driver, dsn=excluded.dsn, secret_ref=excluded.secret_ref, read_only=excluded.read_only`,
		c.ID, c.WorkspaceID, c.Name, c.Driver, nullStr(c.DSN), nullStr(c.SecretRef), c.ReadOnly, timeOrNow(c.CreatedAt),
	)
	return storeErr("put connection", err)
}

// GetConnection returns a connection that belongs to workspaceID.
func (s *LibSQLStore) GetConnection(ctx context.Context, id, workspaceID string) (*Connection, error) {
	c := &Connection{}
	var dsn, ref sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, driver, dsn, secret_ref, read_only, created_at
		 FROM database_connections WHERE id = ? AND workspace_id = ?`, id, workspaceID,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Driver, &dsn, &ref, &c.ReadOnly, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("database connection", id)
	}
	if err != nil {
		return nil, storeErr("get connection", err)
	}
	c.DSN = dsn.String
	c.SecretRef = ref.String
	return c, nil
}

func (s *LibSQLStore) PutSavedQuery(ctx context.Context, q *SavedQuery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saved_queries (id, workspace_id, connection_id, name, sql_query, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workspace_id=excluded.workspace_id, connection_id=excluded.connection_id,
		   name=excluded.name, sql_query=excluded.sql_query`,
		q.ID, q.WorkspaceID, q.ConnectionID, nullStr(q.Name), q.SQL, timeOrNow(q.CreatedAt),
	)
	return storeErr("put saved query", err)
}

// GetSavedQuery returns a saved query that belongs to workspaceID.
func (s *LibSQLStore) GetSavedQuery(ctx context.Context, id, workspaceID string) (*SavedQuery, error) {
	q := &SavedQuery{}
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, connection_id, name, sql_query, created_at
		 FROM saved_queries WHERE id = ? AND workspace_id = ?`, id, workspaceID,
	).Scan(&q.ID, &q.WorkspaceID, &q.ConnectionID, &name, &q.SQL, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("query", id)
	}
	if err != nil {
		return nil, storeErr("get saved query", err)
	}
	q.Name = name.String
	return q, nil
}

func (s *LibSQLStore) LogQueryExecution(ctx context.Context, e *QueryExecution) error {
	params, err := nullJSON(e.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO query_executions (query_id, workspace_id, executed_sql, parameters, status, error_message,
		   execution_time_ms, row_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.QueryID, nullStr(e.WorkspaceID), e.ExecutedSQL, params, e.Status, nullStr(e.ErrorMessage),
		e.ExecutionTimeMs, e.RowCount, timeOrNow(e.CreatedAt),
	)
	if err != nil {
		return storeErr("log query execution", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListQueryExecutions returns the newest executions of a saved query.
func (s *LibSQLStore) ListQueryExecutions(ctx context.Context, queryID string, limit int) ([]*QueryExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_id, workspace_id, executed_sql, parameters, status, error_message, execution_time_ms,
		   row_count, created_at
		 FROM query_executions WHERE query_id = ? ORDER BY id DESC`+limitClause(limit), queryID)
	if err != nil {
		return nil, storeErr("list query executions", err)
	}
	defer rows.Close()

	var out []*QueryExecution
	for rows.Next() {
		e := &QueryExecution{}
		var workspace, params, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.QueryID, &workspace, &e.ExecutedSQL, &params, &e.Status, &errMsg,
			&e.ExecutionTimeMs, &e.RowCount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.WorkspaceID = workspace.String
		e.ErrorMessage = errMsg.String
		if params.Valid && params.String != "" {
			_ = json.Unmarshal([]byte(params.String), &e.Parameters)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return storeErr("store secret", err)
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, storeErr("get secret", err)
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return storeErr("delete secret", err)
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, storeErr("list secrets", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	vars, err := nullJSON(sch.Variables)
	if err != nil {
		return fmt.Errorf("marshal schedule variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, chain_id, cron_expression, variables, user_id, enabled, last_run_at, next_run_at,
		   last_run_status, last_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.ChainID, sch.CronExpression, vars, nullStr(sch.UserID), sch.Enabled,
		nullTime(sch.LastRunAt), nullTime(sch.NextRunAt), nullStr(sch.LastRunStatus), nullStr(sch.LastRunID),
		timeOrNow(sch.CreatedAt),
	)
	return storeErr("create schedule", err)
}

const scheduleColumns = `id, chain_id, cron_expression, variables, user_id, enabled, last_run_at, next_run_at,
	last_run_status, last_run_id, created_at`

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at" + limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list schedules", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(sc scanner) (*Schedule, error) {
	sch := &Schedule{}
	var vars, user, status, runID sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := sc.Scan(&sch.ID, &sch.ChainID, &sch.CronExpression, &vars, &user, &sch.Enabled,
		&lastRun, &nextRun, &status, &runID, &sch.CreatedAt); err != nil {
		return nil, err
	}
	sch.UserID = user.String
	sch.LastRunStatus = status.String
	sch.LastRunID = runID.String
	if lastRun.Valid {
		sch.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sch.NextRunAt = &nextRun.Time
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &sch.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal schedule variables: %w", err)
		}
	}
	return sch, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// storeErr wraps driver errors as STORE_ERROR; nil stays nil.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullIntPtr(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// nullJSON marshals v, mapping nil maps and slices to SQL NULL.
func nullJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}
