package teamsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Envelope is a received tracker webhook waiting for reconciliation.
type Envelope struct {
	DeliveryID string          `json:"deliveryId"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Attempts   int             `json:"attempts"`
}

type InboxOptions struct {
	Queue         EnvelopeQueue
	Bridge        *Bridge
	Workers       int
	DedupeWindow  time.Duration
	WebhookSecret string
	MaxAttempts   int
	RetryDelay    time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Inbox accepts tracker webhooks, drops redeliveries and feeds the queued
// envelopes to worker goroutines that run Bridge.ReconcileFromEvent.
type Inbox struct {
	queue        EnvelopeQueue
	bridge       *Bridge
	workers      int
	dedupeWindow time.Duration
	secret       string
	maxAttempts  int
	retryDelay   time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time

	accepted    atomic.Uint64
	deduped     atomic.Uint64
	applied     atomic.Uint64
	noops       atomic.Uint64
	failed      atomic.Uint64
	deadLetters atomic.Uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewInbox(opts InboxOptions) (*Inbox, error) {
	if opts.Bridge == nil {
		return nil, fmt.Errorf("%w: inbox requires a bridge", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryEnvelopeQueue(1024)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	dedupeWindow := opts.DedupeWindow
	if dedupeWindow <= 0 {
		dedupeWindow = 10 * time.Minute
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Inbox{
		queue:        queue,
		bridge:       opts.Bridge,
		workers:      workers,
		dedupeWindow: dedupeWindow,
		secret:       strings.TrimSpace(opts.WebhookSecret),
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		logger:       logger,
		now:          now,
		seen:         map[string]time.Time{},
	}, nil
}

// VerifySignature checks an X-Hub-Signature-256 style header. Without a
// configured secret every delivery is accepted.
func (i *Inbox) VerifySignature(body []byte, header string) error {
	if i.secret == "" {
		return nil
	}
	signature := strings.TrimSpace(header)
	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("%w: missing webhook signature", ErrForbidden)
	}
	mac := hmac.New(sha256.New, []byte(i.secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(strings.TrimPrefix(signature, "sha256="))), []byte(expected)) {
		return fmt.Errorf("%w: webhook signature mismatch", ErrForbidden)
	}
	return nil
}

type AcceptResult struct {
	DeliveryID string `json:"deliveryId"`
	Duplicate  bool   `json:"duplicate"`
}

// Accept queues a webhook body for reconciliation. A delivery id seen within
// the dedupe window is acknowledged without queueing it again.
func (i *Inbox) Accept(ctx context.Context, deliveryID, event string, body []byte) (AcceptResult, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		deliveryID = "dlv_" + uuid.NewString()
	}
	now := i.now()
	if !i.markSeen(deliveryID, now) {
		i.deduped.Add(1)
		return AcceptResult{DeliveryID: deliveryID, Duplicate: true}, nil
	}
	payload := json.RawMessage(body)
	if !json.Valid(body) {
		// untrusted bodies are still accepted; the worker treats them as no-ops
		payload, _ = json.Marshal(string(body))
	}
	envelope := Envelope{
		DeliveryID: deliveryID,
		Event:      strings.TrimSpace(event),
		Payload:    payload,
		ReceivedAt: now,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		i.forget(deliveryID)
		return AcceptResult{}, err
	}
	if !i.queue.TryEnqueue(string(data)) {
		i.forget(deliveryID)
		return AcceptResult{}, ErrQueueFull
	}
	i.accepted.Add(1)
	return AcceptResult{DeliveryID: deliveryID}, nil
}

func (i *Inbox) markSeen(deliveryID string, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, at := range i.seen {
		if now.Sub(at) > i.dedupeWindow {
			delete(i.seen, id)
		}
	}
	if _, ok := i.seen[deliveryID]; ok {
		return false
	}
	i.seen[deliveryID] = now
	return true
}

func (i *Inbox) forget(deliveryID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.seen, deliveryID)
}

// Start launches the worker goroutines. They stop when ctx is cancelled or
// Close is called.
func (i *Inbox) Start(ctx context.Context) {
	i.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		i.cancel = cancel
		i.wg.Add(i.workers)
		for n := 0; n < i.workers; n++ {
			go func() {
				defer i.wg.Done()
				i.worker(ctx)
			}()
		}
	})
}

func (i *Inbox) Close() error {
	if i.cancel != nil {
		i.cancel()
	}
	i.wg.Wait()
	return i.queue.Close()
}

func (i *Inbox) worker(ctx context.Context) {
	for {
		payload, ok := i.queue.Dequeue(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		i.process(ctx, payload)
	}
}

func (i *Inbox) process(ctx context.Context, payload string) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		i.failed.Add(1)
		i.logger.Error("discarding malformed inbox envelope", "error", err)
		return
	}
	envelope.Attempts++
	result, err := i.bridge.ReconcileFromEvent(ctx, envelope.Payload)
	if err == nil {
		if result.Outcome == ReconcileApplied {
			i.applied.Add(1)
		} else {
			i.noops.Add(1)
			i.logger.Debug("webhook ignored", "delivery_id", envelope.DeliveryID, "reason", result.Reason)
		}
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		envelope.Attempts--
		i.requeue(envelope)
		return
	}
	if envelope.Attempts >= i.maxAttempts {
		i.deadLetters.Add(1)
		i.logger.Error("webhook dead-lettered", "delivery_id", envelope.DeliveryID, "attempts", envelope.Attempts, "error", err)
		return
	}
	i.failed.Add(1)
	i.logger.Warn("webhook reconcile failed, retrying", "delivery_id", envelope.DeliveryID, "attempts", envelope.Attempts, "error", err)
	_ = sleepContext(ctx, i.retryDelay)
	i.requeue(envelope)
}

func (i *Inbox) requeue(envelope Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil || !i.queue.TryEnqueue(string(data)) {
		i.deadLetters.Add(1)
		i.logger.Error("webhook dropped, inbox queue full", "delivery_id", envelope.DeliveryID)
	}
}

type InboxStats struct {
	Depth       int    `json:"depth"`
	Capacity    int    `json:"capacity"`
	Accepted    uint64 `json:"accepted"`
	Deduped     uint64 `json:"deduped"`
	Applied     uint64 `json:"applied"`
	NoOps       uint64 `json:"noops"`
	Failed      uint64 `json:"failed"`
	DeadLetters uint64 `json:"deadLetters"`
}

func (i *Inbox) Stats() InboxStats {
	return InboxStats{
		Depth:       i.queue.Depth(),
		Capacity:    i.queue.Capacity(),
		Accepted:    i.accepted.Load(),
		Deduped:     i.deduped.Load(),
		Applied:     i.applied.Load(),
		NoOps:       i.noops.Load(),
		Failed:      i.failed.Load(),
		DeadLetters: i.deadLetters.Load(),
	}
}
