package relaychat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

func newEnvelopeID() string {
	return uuid.NewString()
}

// QueuedEnvelope is one outbound write to the distribution network, held
// durably until delivered.
type QueuedEnvelope struct {
	EnvelopeID string         `json:"envelopeId"`
	Kind       string         `json:"kind"` // publish | forget
	Ref        EntityRef      `json:"ref"`
	Contents   map[string]any `json:"contents,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
}

const (
	envelopeKindPublish = "publish"
	envelopeKindForget  = "forget"
)

type EnvelopeQueue interface {
	TryEnqueue(env QueuedEnvelope) bool
	Dequeue(ctx context.Context) (QueuedEnvelope, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryEnvelopeQueue struct {
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []QueuedEnvelope
}

func NewMemoryEnvelopeQueue(capacity int) EnvelopeQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryEnvelopeQueue{capacity: capacity, pollInterval: 10 * time.Millisecond}
}

func (q *memoryEnvelopeQueue) TryEnqueue(env QueuedEnvelope) bool {
	if strings.TrimSpace(env.EnvelopeID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, env)
	return true
}

func (q *memoryEnvelopeQueue) Dequeue(ctx context.Context) (QueuedEnvelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return QueuedEnvelope{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *memoryEnvelopeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryEnvelopeQueue) Capacity() int { return q.capacity }

func (q *memoryEnvelopeQueue) Close() error { return nil }

// fileEnvelopeQueue snapshots the pending envelopes to disk on every
// mutation (write-then-rename), so undelivered writes survive restarts.
type fileEnvelopeQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []QueuedEnvelope
}

type fileEnvelopeQueueState struct {
	Items []QueuedEnvelope `json:"items"`
}

func NewFileEnvelopeQueue(path string, capacity int) (EnvelopeQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileEnvelopeQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []QueuedEnvelope{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEnvelopeQueue) TryEnqueue(env QueuedEnvelope) bool {
	if strings.TrimSpace(env.EnvelopeID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, env)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEnvelopeQueue) Dequeue(ctx context.Context) (QueuedEnvelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]QueuedEnvelope{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return QueuedEnvelope{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return QueuedEnvelope{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEnvelopeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEnvelopeQueue) Capacity() int { return q.capacity }

func (q *fileEnvelopeQueue) Close() error { return nil }

func (q *fileEnvelopeQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileEnvelopeQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]QueuedEnvelope(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]QueuedEnvelope(nil), snapshot.Items...)
	return nil
}

func (q *fileEnvelopeQueue) saveLocked() error {
	snapshot := fileEnvelopeQueueState{Items: append([]QueuedEnvelope(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// BuildEnvelopeQueueFromDSN selects a queue backend: memory:// or
// file://path (or a bare path).
func BuildEnvelopeQueueFromDSN(dsn string, capacity int) (EnvelopeQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty queue dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileEnvelopeQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryEnvelopeQueue(capacity), nil
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

type QueuedNetworkOptions struct {
	Queue       EnvelopeQueue
	Next        Network
	Logger      *log.Logger
	MaxAttempts int
	RetryDelay  time.Duration
}

// QueuedNetwork decouples emitters from the distribution node: writes land
// in the durable queue immediately and a drain worker delivers them, retrying
// transient failures. Ordering within the queue is FIFO.
type QueuedNetwork struct {
	queue       EnvelopeQueue
	next        Network
	logger      *log.Logger
	maxAttempts int
	retryDelay  time.Duration
}

func NewQueuedNetwork(opts QueuedNetworkOptions) (*QueuedNetwork, error) {
	if opts.Queue == nil || opts.Next == nil {
		return nil, fmt.Errorf("%w: queued network requires queue and next", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &QueuedNetwork{
		queue:       opts.Queue,
		next:        opts.Next,
		logger:      logger,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}, nil
}

func (n *QueuedNetwork) Publish(ctx context.Context, rec Record) error {
	if err := rec.Ref.Validate(); err != nil {
		return err
	}
	env := QueuedEnvelope{
		EnvelopeID: newEnvelopeID(),
		Kind:       envelopeKindPublish,
		Ref:        rec.Ref,
		Contents:   rec.Contents,
	}
	if !n.queue.TryEnqueue(env) {
		return fmt.Errorf("%w: envelope queue at capacity %d", ErrQueueFull, n.queue.Capacity())
	}
	return nil
}

func (n *QueuedNetwork) Forget(ctx context.Context, ref EntityRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	env := QueuedEnvelope{
		EnvelopeID: newEnvelopeID(),
		Kind:       envelopeKindForget,
		Ref:        ref,
	}
	if !n.queue.TryEnqueue(env) {
		return fmt.Errorf("%w: envelope queue at capacity %d", ErrQueueFull, n.queue.Capacity())
	}
	return nil
}

// Run drains the queue until ctx is cancelled. Failed deliveries are
// re-enqueued with an attempt count; envelopes exceeding the attempt budget
// are dropped with a log line so the queue cannot wedge.
func (n *QueuedNetwork) Run(ctx context.Context) {
	for {
		env, ok := n.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if err := n.deliver(ctx, env); err != nil {
			env.Attempts++
			if env.Attempts >= n.maxAttempts {
				n.logger.Printf("queue: dropping envelope %s for %s after %d attempt(s): %v",
					env.EnvelopeID, env.Ref, env.Attempts, err)
				continue
			}
			n.logger.Printf("queue: delivery of %s failed (attempt %d): %v", env.EnvelopeID, env.Attempts, err)
			if !n.queue.TryEnqueue(env) {
				n.logger.Printf("queue: re-enqueue of %s failed, envelope lost", env.EnvelopeID)
			}
			if err := sleepContext(ctx, n.retryDelay); err != nil {
				return
			}
		}
	}
}

func (n *QueuedNetwork) deliver(ctx context.Context, env QueuedEnvelope) error {
	switch env.Kind {
	case envelopeKindPublish:
		return n.next.Publish(ctx, Record{Ref: env.Ref, Contents: env.Contents})
	case envelopeKindForget:
		return n.next.Forget(ctx, env.Ref)
	default:
		return fmt.Errorf("%w: envelope kind %q", ErrInvalidInput, env.Kind)
	}
}
