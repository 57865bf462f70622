package teamsync

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// exerciseDocumentStore runs the behavior every backend must share.
func exerciseDocumentStore(t *testing.T, store DocumentStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, collectionTasks, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing document, got %v", err)
	}

	docs := map[string]string{
		"t-1": `{"id":"t-1","status":"todo","assignee":"alice","externalIssueId":"100"}`,
		"t-2": `{"id":"t-2","status":"done","assignee":"bob"}`,
		"t-3": `{"id":"t-3","status":"todo"}`,
	}
	for id, doc := range docs {
		if err := store.Put(ctx, collectionTasks, id, []byte(doc)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	found, err := store.Find(ctx, collectionTasks, Where("status", "todo"))
	if err != nil {
		t.Fatalf("find by status: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 todo tasks, got %d", len(found))
	}

	found, err = store.Find(ctx, collectionTasks, Where("status", "todo", "assignee", "alice"))
	if err != nil {
		t.Fatalf("find by status and assignee: %v", err)
	}
	if len(found) != 1 || !strings.Contains(string(found[0]), `"t-1"`) {
		t.Fatalf("expected only t-1, got %d docs", len(found))
	}

	// a missing string field matches the empty value
	found, err = store.Find(ctx, collectionTasks, Where("assignee", ""))
	if err != nil {
		t.Fatalf("find unassigned: %v", err)
	}
	if len(found) != 1 || !strings.Contains(string(found[0]), `"t-3"`) {
		t.Fatalf("expected only t-3 unassigned, got %d docs", len(found))
	}

	all, err := store.Find(ctx, collectionTasks, Query{})
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}

	err = store.Put(ctx, collectionTasks, "t-4", []byte(`{"id":"t-4","status":"todo","externalIssueId":"100"}`))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for second link to issue 100, got %v", err)
	}
	if err := store.Put(ctx, collectionTasks, "t-1", []byte(`{"id":"t-1","status":"done","externalIssueId":"100"}`)); err != nil {
		t.Fatalf("rewriting the linked task itself must pass the unique index: %v", err)
	}

	if err := store.Put(ctx, collectionNotifications, "n-1", []byte(`{"id":"n-1","userId":"alice","read":false}`)); err != nil {
		t.Fatalf("put notification: %v", err)
	}
	if err := store.Put(ctx, collectionNotifications, "n-2", []byte(`{"id":"n-2","userId":"alice"}`)); err != nil {
		t.Fatalf("put notification without read flag: %v", err)
	}
	unread, err := store.Find(ctx, collectionNotifications, Where("userId", "alice", "read", false))
	if err != nil {
		t.Fatalf("find unread: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread notifications, got %d", len(unread))
	}

	deleted, err := store.Delete(ctx, collectionTasks, "t-2")
	if err != nil || !deleted {
		t.Fatalf("delete t-2: deleted=%v err=%v", deleted, err)
	}
	deleted, err = store.Delete(ctx, collectionTasks, "t-2")
	if err != nil || deleted {
		t.Fatalf("second delete should report false, got deleted=%v err=%v", deleted, err)
	}

	if _, err := store.Find(ctx, collectionTasks, Where("bad field", "x")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad field name, got %v", err)
	}
	if _, err := store.Find(ctx, collectionTasks, Where("version", 3)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for numeric predicate, got %v", err)
	}
}

func TestInMemoryDocumentStore(t *testing.T) {
	exerciseDocumentStore(t, NewInMemoryDocumentStore())
}

func TestInMemoryDocumentStoreRejectsInvalidJSON(t *testing.T) {
	store := NewInMemoryDocumentStore()
	if err := store.Put(context.Background(), collectionTasks, "t-1", []byte("{")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestJSONFileDocumentStorePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "documents.json")
	store, err := NewJSONFileDocumentStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	exerciseDocumentStore(t, store)

	reopened, err := NewJSONFileDocumentStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	doc, err := reopened.Get(context.Background(), collectionTasks, "t-1")
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if !strings.Contains(string(doc), `"done"`) {
		t.Fatalf("expected last written version of t-1, got %s", doc)
	}
	if _, err := reopened.Get(context.Background(), collectionTasks, "t-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted document came back after restart: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary snapshot file should be renamed away, stat err=%v", err)
	}
}

func TestSQLiteDocumentStore(t *testing.T) {
	store, err := NewSQLiteDocumentStore(filepath.Join(t.TempDir(), "teamsync.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	exerciseDocumentStore(t, store)
}

func TestPostgresDocumentStoreIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TEAMSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("TEAMSYNC_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresDocumentStore(dsn)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	defer store.Close()
	pg := store.(*PostgresDocumentStore)
	ctx := context.Background()
	if err := pg.ensureReady(); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	if _, err := pg.db.ExecContext(ctx, "TRUNCATE "+postgresQuoteIdentifier(pg.tableName)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	exerciseDocumentStore(t, store)
}

func TestBuildDocumentStoreFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn     string
		backend string
	}{
		{dsn: "", backend: "memory"},
		{dsn: "memory://", backend: "memory"},
		{dsn: "file://" + filepath.Join(dir, "docs.json"), backend: "file"},
		{dsn: filepath.Join(dir, "plain.json"), backend: "file"},
		{dsn: "sqlite://" + filepath.Join(dir, "docs.db"), backend: "sqlite"},
	}
	for _, tc := range cases {
		store, err := BuildDocumentStoreFromDSN(tc.dsn)
		if err != nil {
			t.Fatalf("build %q: %v", tc.dsn, err)
		}
		if got := DocumentStoreBackend(tc.dsn); got != tc.backend {
			t.Fatalf("backend for %q: got %q want %q", tc.dsn, got, tc.backend)
		}
		_ = store.Close()
	}

	if _, err := BuildDocumentStoreFromDSN("mongodb://localhost/teamsync"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mongodb, got %v", err)
	}
	if _, err := BuildDocumentStoreFromDSN("ftp://example"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestRegisteredDocumentStoreFactoryWins(t *testing.T) {
	called := false
	RegisterDocumentStoreFactory("teststore", func(dsn string) (DocumentStore, error) {
		called = true
		return NewInMemoryDocumentStore(), nil
	})
	if _, err := BuildDocumentStoreFromDSN("teststore://x"); err != nil {
		t.Fatalf("build: %v", err)
	}
	if !called {
		t.Fatalf("registered factory was not used")
	}
}

func TestDSNPathJoinsRelativeHost(t *testing.T) {
	cases := map[string]string{
		"file://.teamsync/documents.json": ".teamsync/documents.json",
		"file:///var/lib/teamsync/db.json": "/var/lib/teamsync/db.json",
		"sqlite://data.db":                 "data.db",
	}
	for raw, want := range cases {
		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		got, err := dsnPath(parsed, raw)
		if err != nil {
			t.Fatalf("dsnPath %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("dsnPath %q: got %q want %q", raw, got, want)
		}
	}
}
