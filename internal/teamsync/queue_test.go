package teamsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func exerciseEnvelopeQueue(t *testing.T, queue EnvelopeQueue, capacity int) {
	t.Helper()
	if queue.Capacity() != capacity {
		t.Fatalf("expected capacity %d, got %d", capacity, queue.Capacity())
	}
	if queue.TryEnqueue("") {
		t.Fatalf("empty payload must be rejected")
	}
	for i := 0; i < capacity; i++ {
		if !queue.TryEnqueue(string(rune('a' + i))) {
			t.Fatalf("enqueue %d failed below capacity", i)
		}
	}
	if queue.TryEnqueue("overflow") {
		t.Fatalf("enqueue beyond capacity should fail")
	}
	if queue.Depth() != capacity {
		t.Fatalf("expected depth %d, got %d", capacity, queue.Depth())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first != "a" {
		t.Fatalf("expected FIFO order, got %q ok=%v", first, ok)
	}

	blocked, cancelBlocked := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelBlocked()
	if !queue.Enqueue(blocked, "late") {
		t.Fatalf("enqueue with free slot should succeed")
	}
	if queue.Enqueue(blocked, "no room") {
		t.Fatalf("enqueue into a full queue should give up when ctx expires")
	}

	for queue.Depth() > 0 {
		if _, ok := queue.Dequeue(ctx); !ok {
			t.Fatalf("dequeue failed with depth %d", queue.Depth())
		}
	}
	empty, cancelEmpty := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelEmpty()
	if _, ok := queue.Dequeue(empty); ok {
		t.Fatalf("dequeue from empty queue should wait for ctx and fail")
	}
}

func TestInMemoryEnvelopeQueue(t *testing.T) {
	exerciseEnvelopeQueue(t, NewInMemoryEnvelopeQueue(3), 3)
}

func TestFileEnvelopeQueue(t *testing.T) {
	queue, err := NewFileEnvelopeQueue(filepath.Join(t.TempDir(), "queue.json"), 3)
	if err != nil {
		t.Fatalf("open file queue: %v", err)
	}
	exerciseEnvelopeQueue(t, queue, 3)
}

func TestFileEnvelopeQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileEnvelopeQueue(path, 4)
	if err != nil {
		t.Fatalf("open file queue: %v", err)
	}
	for _, payload := range []string{"one", "two", "three"} {
		if !queue.TryEnqueue(payload) {
			t.Fatalf("enqueue %s failed", payload)
		}
	}
	ctx := context.Background()
	if item, ok := queue.Dequeue(ctx); !ok || item != "one" {
		t.Fatalf("expected one, got %q", item)
	}

	reopened, err := NewFileEnvelopeQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file queue: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("expected 2 pending after restart, got %d", reopened.Depth())
	}

	trimmed, err := NewFileEnvelopeQueue(path, 1)
	if err != nil {
		t.Fatalf("reopen with smaller capacity: %v", err)
	}
	if trimmed.Depth() != 1 {
		t.Fatalf("expected depth trimmed to 1, got %d", trimmed.Depth())
	}
	if item, ok := trimmed.Dequeue(ctx); !ok || item != "three" {
		t.Fatalf("expected newest item three to survive the trim, got %q", item)
	}
}

func TestFileEnvelopeQueueRejectsCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}
	if _, err := NewFileEnvelopeQueue(path, 4); err == nil {
		t.Fatalf("expected error for corrupt queue state")
	}
}

func TestBuildEnvelopeQueueFromDSN(t *testing.T) {
	queue, err := BuildEnvelopeQueueFromDSN("", 8)
	if err != nil || queue.Capacity() != 8 {
		t.Fatalf("expected memory queue of 8, got %v err=%v", queue, err)
	}
	queue, err = BuildEnvelopeQueueFromDSN("file://"+filepath.Join(t.TempDir(), "q.json"), 2)
	if err != nil || queue.Capacity() != 2 {
		t.Fatalf("expected file queue of 2, got err=%v", err)
	}
	if _, err := BuildEnvelopeQueueFromDSN("redis://localhost:6379", 2); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for redis, got %v", err)
	}
	if _, err := BuildEnvelopeQueueFromDSN("gopher://x", 2); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestPostgresEnvelopeQueueIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TEAMSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("TEAMSYNC_TEST_POSTGRES_DSN not set")
	}
	queue, err := NewPostgresEnvelopeQueue(dsn, 3)
	if err != nil {
		t.Fatalf("open postgres queue: %v", err)
	}
	defer queue.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for queue.Depth() > 0 {
		if _, ok := queue.Dequeue(ctx); !ok {
			t.Fatalf("drain existing rows")
		}
	}
	exerciseEnvelopeQueue(t, queue, 3)
}

func TestRegisteredEnvelopeQueueFactoryWins(t *testing.T) {
	var gotCapacity int
	RegisterEnvelopeQueueFactory("testqueue", func(dsn string, capacity int) (EnvelopeQueue, error) {
		gotCapacity = capacity
		return NewInMemoryEnvelopeQueue(capacity), nil
	})
	queue, err := BuildEnvelopeQueueFromDSN("testqueue://anything", 5)
	if err != nil {
		t.Fatalf("build registered queue: %v", err)
	}
	if gotCapacity != 5 || queue.Capacity() != 5 {
		t.Fatalf("expected registered factory to receive capacity 5, got %d", gotCapacity)
	}
}
