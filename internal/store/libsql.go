package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/orchestra/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/orchestra.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One writer keeps conditional updates serialized.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Plan executions ---

func (s *LibSQLStore) CreatePlanExecution(ctx context.Context, pe *PlanExecution) error {
	plan, err := json.Marshal(pe.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	setup, err := jsonText(pe.SetupAbstractions)
	if err != nil {
		return fmt.Errorf("marshal setup abstractions: %w", err)
	}
	pe.CreatedAt = timeOrNow(pe.CreatedAt)
	pe.UpdatedAt = pe.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plan_executions (id, plan, status, setup_abstractions, version, valid_until, created_at, updated_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pe.ID, string(plan), string(pe.Status), setup, pe.Version,
		pe.ValidUntil.UnixMilli(), pe.CreatedAt, pe.UpdatedAt, nullTime(pe.EndedAt),
	)
	return err
}

const planColumns = `id, plan, status, setup_abstractions, version, valid_until, created_at, updated_at, ended_at`

func scanPlan(row rowScanner) (*PlanExecution, error) {
	pe := &PlanExecution{}
	var (
		planJSON   string
		status     string
		setup      sql.NullString
		validUntil int64
		endedAt    sql.NullTime
	)
	if err := row.Scan(&pe.ID, &planJSON, &status, &setup, &pe.Version, &validUntil,
		&pe.CreatedAt, &pe.UpdatedAt, &endedAt); err != nil {
		return nil, err
	}
	pe.Status = schema.Status(status)
	pe.ValidUntil = time.UnixMilli(validUntil).UTC()
	if endedAt.Valid {
		pe.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(planJSON), &pe.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := decodeJSON(setup, &pe.SetupAbstractions); err != nil {
		return nil, fmt.Errorf("unmarshal setup abstractions: %w", err)
	}
	return pe, nil
}

func (s *LibSQLStore) GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error) {
	pe, err := scanPlan(s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plan_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan execution", id)
	}
	return pe, err
}

// UpdatePlanStatus moves a plan execution to status to when its current
// status is one of from (any status when from is empty).
func (s *LibSQLStore) UpdatePlanStatus(ctx context.Context, id string, to schema.Status, from []schema.Status) (bool, error) {
	now := time.Now().UTC()
	var ended any
	if to.IsFinal() {
		ended = now
	}
	query := `UPDATE plan_executions SET status = ?, version = version + 1, updated_at = ?, ended_at = ? WHERE id = ?`
	args := []any{string(to), now, ended, id}
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		args = append(args, statusArgs(from)...)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, "plan_executions", "plan execution", id)
}

func (s *LibSQLStore) ListPlanExecutions(ctx context.Context, filter PlanExecutionFilter) ([]*PlanExecution, error) {
	query := `SELECT ` + planColumns + ` FROM plan_executions`
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		where = append(where, `status IN (`+placeholders(len(filter.Statuses))+`)`)
		args = append(args, statusArgs(filter.Statuses)...)
	}
	if filter.ValidBefore != nil {
		where = append(where, `valid_until < ?`)
		args = append(args, filter.ValidBefore.UnixMilli())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PlanExecution
	for rows.Next() {
		pe, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// DeletePlanExecution removes a plan execution and everything recorded for it.
func (s *LibSQLStore) DeletePlanExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM notify_responses WHERE plan_execution_id = ?`,
		`DELETE FROM delays WHERE plan_execution_id = ?`,
		`DELETE FROM restraint_instances WHERE plan_execution_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM plan_executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "plan execution", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

// conditionalResult turns a conditional UPDATE result into (applied, error):
// zero rows on an existing id means the precondition failed.
func (s *LibSQLStore) conditionalResult(ctx context.Context, res sql.Result, table, resource, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, storeNotFound(resource, id)
	}
	return false, err
}

func storeNotFound(resource, id string) *schema.OrchestraError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
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

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []schema.Status) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, v := range ss {
		args[i] = v
	}
	return args
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

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func timeOrNil(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonText marshals v for a TEXT column; nil, empty maps and empty slices become NULL.
func jsonText(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch string(b) {
	case "null", "{}", "[]":
		return nil, nil
	}
	return string(b), nil
}

func decodeJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
