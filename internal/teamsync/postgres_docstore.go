package teamsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresDocumentsTableName = "teamsync_documents"
	postgresOperationTimeout   = 5 * time.Second
	postgresUniqueViolation    = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresDocumentStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDocumentStore(dsn string) (DocumentStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDocumentStore{
		dsn:       dsn,
		tableName: postgresDocumentsTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresDocumentStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT body FROM %s WHERE collection = $1 AND id = $2", postgresQuoteIdentifier(s.tableName))
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

func (s *PostgresDocumentStore) Find(ctx context.Context, collection string, q Query) ([][]byte, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	clauses := []string{"collection = $1"}
	args := []any{collection}
	for _, field := range q.sortedFields() {
		args = append(args, postgresWhereValue(q.Where[field]))
		placeholder := fmt.Sprintf("$%d", len(args))
		// field names are checked against queryFieldPattern in validate
		expr := fmt.Sprintf("(body->>'%s')", field)
		if isZeroWhereValue(q.Where[field]) {
			fallback := "''"
			if _, ok := q.Where[field].(bool); ok {
				fallback = "'false'"
			}
			expr = fmt.Sprintf("COALESCE(%s, %s)", expr, fallback)
		}
		clauses = append(clauses, expr+" = "+placeholder)
	}
	query := fmt.Sprintf("SELECT body FROM %s WHERE %s ORDER BY id ASC", postgresQuoteIdentifier(s.tableName), strings.Join(clauses, " AND "))
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

func (s *PostgresDocumentStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (collection, id, body, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (collection, id)
		DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, collection, id, string(doc))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == postgresUniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresDocumentStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE collection = $1 AND id = $2", postgresQuoteIdentifier(s.tableName))
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

func (s *PostgresDocumentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresDocumentStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		for _, statement := range postgresSchemaStatements(s.tableName) {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func postgresSchemaStatements(tableName string) []string {
	table := postgresQuoteIdentifier(tableName)
	index := func(suffix string) string {
		return postgresQuoteIdentifier(tableName + "_" + suffix)
	}
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				body JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, id)
			)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((body->>'status'), (body->>'assignee'), (body->>'dueDate')) WHERE collection = 'tasks'`, index("tasks_status_idx"), table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ((body->>'externalIssueId')) WHERE collection = 'tasks' AND body->>'externalIssueId' IS NOT NULL`, index("tasks_external_issue_uidx"), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((body->>'startTime')) WHERE collection = 'meetings'`, index("meetings_start_idx"), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN ((body->'attendees')) WHERE collection = 'meetings'`, index("meetings_attendees_idx"), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((body->>'userId'), (body->>'read'), (body->>'createdAt')) WHERE collection = 'notifications'`, index("notifications_user_idx"), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((body->>'taskId'), (body->>'createdAt')) WHERE collection = 'feedback'`, index("feedback_task_idx"), table),
	}
}

func postgresWhereValue(value any) string {
	switch typed := value.(type) {
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case string:
		return typed
	default:
		return ""
	}
}

func isZeroWhereValue(value any) bool {
	switch typed := value.(type) {
	case bool:
		return !typed
	case string:
		return typed == ""
	default:
		return false
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
