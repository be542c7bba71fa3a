package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/handoff/pkg/errors"
)

// The filterable fields get their own columns; the full step result is kept
// as JSON next to them.
const auditSchema = `
CREATE TABLE IF NOT EXISTS step_audit (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id     TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	result      TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS step_audit_plan ON step_audit(plan_id);
CREATE INDEX IF NOT EXISTS step_audit_run ON step_audit(run_id, step_id);
CREATE INDEX IF NOT EXISTS step_audit_status ON step_audit(status);
`

// SQLiteAuditStore is the AuditStore of the sqlite plan store. It shares the
// plan database.
type SQLiteAuditStore struct {
	db *sql.DB
}

func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "db is nil", nil)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, errors.New(errors.CodePersistence, "create audit schema", err)
	}
	return &SQLiteAuditStore{db: db}, nil
}

func (s *SQLiteAuditStore) Record(ctx context.Context, event AuditEvent) error {
	result, err := json.Marshal(event.StepResult)
	if err != nil {
		return errors.New(errors.CodePersistence, "encode step result", err).WithContext("step_id", event.StepID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_audit (plan_id, run_id, step_id, status, result, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.PlanID, event.RunID, event.StepID, string(event.Status), string(result), time.Now().UTC())
	if err != nil {
		return errors.New(errors.CodePersistence, "record audit event", err).WithContext("step_id", event.StepID)
	}
	return nil
}

func (s *SQLiteAuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query, args := filter.sql()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodePersistence, "query audit events", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var result string
		if err := rows.Scan(&ev.PlanID, &ev.RunID, &result); err != nil {
			return nil, errors.New(errors.CodePersistence, "scan audit event", err)
		}
		if err := json.Unmarshal([]byte(result), &ev.StepResult); err != nil {
			return nil, errors.New(errors.CodePersistence, "decode step result", err).
				WithContext("plan_id", ev.PlanID)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodePersistence, "iterate audit events", err)
	}
	return events, nil
}

func (f AuditFilter) sql() (string, []any) {
	var where []string
	var args []any
	for _, c := range []struct{ column, value string }{
		{"plan_id", f.PlanID},
		{"run_id", f.RunID},
		{"step_id", f.StepID},
		{"status", string(f.Status)},
	} {
		if c.value != "" {
			where = append(where, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	query := "SELECT plan_id, run_id, result FROM step_audit"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}
