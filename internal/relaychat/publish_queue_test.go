package relaychat

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestFileEnvelopeQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := NewFileEnvelopeQueue(path, 10)
	if err != nil {
		t.Fatalf("NewFileEnvelopeQueue failed: %v", err)
	}
	first := QueuedEnvelope{EnvelopeID: "e1", Kind: "publish", Ref: MessageRef("T1", "C1", "1.0")}
	second := QueuedEnvelope{EnvelopeID: "e2", Kind: "forget", Ref: MessageRef("T1", "C1", "2.0")}
	if !q.TryEnqueue(first) || !q.TryEnqueue(second) {
		t.Fatal("TryEnqueue failed")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewFileEnvelopeQueue(path, 10)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("Depth after reopen = %d, want 2", reopened.Depth())
	}
	got, ok := reopened.Dequeue(context.Background())
	if !ok || got.EnvelopeID != "e1" {
		t.Fatalf("first dequeue = %+v ok=%v, want e1 in FIFO order", got, ok)
	}
	got, ok = reopened.Dequeue(context.Background())
	if !ok || got.EnvelopeID != "e2" {
		t.Fatalf("second dequeue = %+v ok=%v, want e2", got, ok)
	}
}

func TestEnvelopeQueueCapacity(t *testing.T) {
	q := NewMemoryEnvelopeQueue(1)
	if !q.TryEnqueue(QueuedEnvelope{EnvelopeID: "e1", Kind: "publish"}) {
		t.Fatal("first enqueue failed")
	}
	if q.TryEnqueue(QueuedEnvelope{EnvelopeID: "e2", Kind: "publish"}) {
		t.Fatal("enqueue past capacity should fail")
	}
	if q.Capacity() != 1 || q.Depth() != 1 {
		t.Fatalf("capacity=%d depth=%d", q.Capacity(), q.Depth())
	}
}

func TestEnvelopeQueueDequeueRespectsContext(t *testing.T) {
	q := NewMemoryEnvelopeQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("Dequeue on empty queue should report false after cancellation")
	}
}

func TestBuildEnvelopeQueueFromDSN(t *testing.T) {
	if _, err := BuildEnvelopeQueueFromDSN("memory://", 4); err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "q.json")
	if _, err := BuildEnvelopeQueueFromDSN("file://"+path, 4); err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	if _, err := BuildEnvelopeQueueFromDSN("kafka://broker", 4); err == nil {
		t.Fatal("unsupported scheme should fail")
	}
}

func TestQueuedNetworkEnqueuesAndDrains(t *testing.T) {
	queue := NewMemoryEnvelopeQueue(16)
	next := &recordingNetwork{}
	qn, err := NewQueuedNetwork(QueuedNetworkOptions{Queue: queue, Next: next, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewQueuedNetwork failed: %v", err)
	}

	rec := Record{Ref: MessageRef("T1", "C1", "1.000100"), Contents: map[string]any{"ts": "1.000100"}}
	if err := qn.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := qn.Forget(context.Background(), MessageRef("T1", "C1", "2.000000")); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if queue.Depth() != 2 {
		t.Fatalf("Depth = %d, want 2 before drain", queue.Depth())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		qn.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		next.mu.Lock()
		delivered := len(next.published) == 1 && len(next.forgotten) == 1
		next.mu.Unlock()
		if delivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("drain worker did not deliver both envelopes")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if next.published[0].Ref.TS != "1.000100" {
		t.Fatalf("published = %+v", next.published[0])
	}
	if next.forgotten[0].TS != "2.000000" {
		t.Fatalf("forgotten = %+v", next.forgotten[0])
	}
}

func TestQueuedNetworkReportsQueueFull(t *testing.T) {
	queue := NewMemoryEnvelopeQueue(1)
	qn, err := NewQueuedNetwork(QueuedNetworkOptions{Queue: queue, Next: &recordingNetwork{}})
	if err != nil {
		t.Fatalf("NewQueuedNetwork failed: %v", err)
	}
	rec := Record{Ref: MessageRef("T1", "C1", "1.0"), Contents: map[string]any{"ts": "1.0"}}
	if err := qn.Publish(context.Background(), rec); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	err = qn.Publish(context.Background(), rec)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

type failingNetwork struct {
	calls atomic.Int32
}

func (n *failingNetwork) Publish(ctx context.Context, rec Record) error {
	n.calls.Add(1)
	return errors.New("node down")
}

func (n *failingNetwork) Forget(ctx context.Context, ref EntityRef) error {
	n.calls.Add(1)
	return errors.New("node down")
}

func TestQueuedNetworkDropsAfterAttemptBudget(t *testing.T) {
	queue := NewMemoryEnvelopeQueue(16)
	next := &failingNetwork{}
	qn, err := NewQueuedNetwork(QueuedNetworkOptions{
		Queue:       queue,
		Next:        next,
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewQueuedNetwork failed: %v", err)
	}
	rec := Record{Ref: MessageRef("T1", "C1", "1.0"), Contents: map[string]any{"ts": "1.0"}}
	if err := qn.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		qn.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for next.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("delivery attempts = %d, want the full budget of 2", next.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give the worker a moment to prove the envelope was dropped, not retried.
	time.Sleep(50 * time.Millisecond)
	if next.calls.Load() != 2 {
		t.Fatalf("delivery attempts = %d, want exactly 2", next.calls.Load())
	}
	if queue.Depth() != 0 {
		t.Fatalf("Depth = %d, want dropped envelope gone", queue.Depth())
	}
	cancel()
	<-done
}
