package teamsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteDocumentsTableName = "teamsync_documents"

// SQLiteDocumentStore keeps documents in a single-file SQLite database using
// JSON1 expression indexes for the secondary lookups.
type SQLiteDocumentStore struct {
	path string
	db   *sql.DB
}

func NewSQLiteDocumentStore(path string) (*SQLiteDocumentStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite document store: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	for _, statement := range sqliteSchemaStatements(sqliteDocumentsTableName) {
		if _, err := db.Exec(statement); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate sqlite document store: %w", err)
		}
	}
	return &SQLiteDocumentStore{path: path, db: db}, nil
}

func sqliteSchemaStatements(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_tasks_status_idx ON %[1]s (json_extract(body, '$.status'), json_extract(body, '$.assignee'), json_extract(body, '$.dueDate')) WHERE collection = 'tasks'`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_tasks_external_issue_uidx ON %[1]s (json_extract(body, '$.externalIssueId')) WHERE collection = 'tasks' AND json_extract(body, '$.externalIssueId') IS NOT NULL`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_meetings_start_idx ON %[1]s (json_extract(body, '$.startTime')) WHERE collection = 'meetings'`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_notifications_user_idx ON %[1]s (json_extract(body, '$.userId'), json_extract(body, '$.read'), json_extract(body, '$.createdAt')) WHERE collection = 'notifications'`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_feedback_task_idx ON %[1]s (json_extract(body, '$.taskId'), json_extract(body, '$.createdAt')) WHERE collection = 'feedback'`, table),
	}
}

func (s *SQLiteDocumentStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	query := fmt.Sprintf("SELECT body FROM %s WHERE collection = ? AND id = ?", sqliteDocumentsTableName)
	var body string
	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (s *SQLiteDocumentStore) Find(ctx context.Context, collection string, q Query) ([][]byte, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	clauses := []string{"collection = ?"}
	args := []any{collection}
	for _, field := range q.sortedFields() {
		expr := fmt.Sprintf("json_extract(body, '$.%s')", field)
		switch want := q.Where[field].(type) {
		case bool:
			value := 0
			if want {
				value = 1
			}
			if !want {
				expr = "IFNULL(" + expr + ", 0)"
			}
			args = append(args, value)
		case string:
			if want == "" {
				expr = "IFNULL(" + expr + ", '')"
			}
			args = append(args, want)
		}
		clauses = append(clauses, expr+" = ?")
	}
	query := fmt.Sprintf("SELECT body FROM %s WHERE %s ORDER BY id ASC", sqliteDocumentsTableName, strings.Join(clauses, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([][]byte, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		docs = append(docs, []byte(body))
	}
	return docs, rows.Err()
}

func (s *SQLiteDocumentStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}
	query := fmt.Sprintf(`INSERT INTO %s (collection, id, body, updated_at)
		VALUES (?, ?, json(?), CURRENT_TIMESTAMP)
		ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`, sqliteDocumentsTableName)
	_, err := s.db.ExecContext(ctx, query, collection, id, string(doc))
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteDocumentStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE collection = ? AND id = ?", sqliteDocumentsTableName)
	result, err := s.db.ExecContext(ctx, query, collection, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteDocumentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
