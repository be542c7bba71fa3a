package planner

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/jllopis/handoff/pkg/errors"
)

// SQLiteStore keeps the JSON document of every plan in a plans table.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a SQLite-backed plan store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "db is nil", nil)
	}
	if err := ensurePlanSchema(db); err != nil {
		return nil, persistence("create plans schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens dsn with the modernc driver.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, persistence("open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the plan document.
func (s *SQLiteStore) Save(ctx context.Context, plan *Plan) error {
	data, err := MarshalJSON(plan, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, intent, builder, created_at, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			intent = excluded.intent,
			builder = excluded.builder,
			created_at = excluded.created_at,
			document = excluded.document
	`, plan.ID, plan.Intent, string(plan.Builder), plan.CreatedAt.UTC(), string(data))
	if err != nil {
		return persistence("save plan", err).WithContext("plan_id", plan.ID)
	}
	return nil
}

// Load returns the plan stored under id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Plan, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM plans WHERE id = ?`, id).Scan(&doc)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, persistence("load plan", err).WithContext("plan_id", id)
	}
	return ParseJSON([]byte(doc))
}

// List returns every plan ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM plans ORDER BY id ASC`)
	if err != nil {
		return nil, persistence("list plans", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, persistence("scan plan", err)
		}
		plan, err := ParseJSON([]byte(doc))
		if err != nil {
			continue
		}
		out = append(out, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list plans", err)
	}
	return out, nil
}

// Delete removes the plan stored under id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return persistence("delete plan", err).WithContext("plan_id", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

func ensurePlanSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			intent TEXT NOT NULL,
			builder TEXT NOT NULL,
			created_at TIMESTAMP,
			document TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plans_builder ON plans(builder);
	`)
	return err
}
