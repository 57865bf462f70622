package teamsync

import (
	"context"
)

// EnvelopeQueue carries serialized tracker webhook envelopes from the HTTP
// handler to the inbox workers.
type EnvelopeQueue interface {
	TryEnqueue(payload string) bool
	Enqueue(ctx context.Context, payload string) bool
	Dequeue(ctx context.Context) (string, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryEnvelopeQueue struct {
	ch chan string
}

func NewInMemoryEnvelopeQueue(capacity int) EnvelopeQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryEnvelopeQueue{
		ch: make(chan string, capacity),
	}
}

func (q *inMemoryEnvelopeQueue) TryEnqueue(payload string) bool {
	if q == nil || payload == "" {
		return false
	}
	select {
	case q.ch <- payload:
		return true
	default:
		return false
	}
}

func (q *inMemoryEnvelopeQueue) Enqueue(ctx context.Context, payload string) bool {
	if q == nil || payload == "" {
		return false
	}
	select {
	case q.ch <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryEnvelopeQueue) Dequeue(ctx context.Context) (string, bool) {
	if q == nil {
		return "", false
	}
	select {
	case payload := <-q.ch:
		return payload, true
	case <-ctx.Done():
		return "", false
	}
}

func (q *inMemoryEnvelopeQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryEnvelopeQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryEnvelopeQueue) Close() error {
	return nil
}
