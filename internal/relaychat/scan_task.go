package relaychat

import (
	"context"
	"sync"
	"time"
)

// ScanTask supervises a background backfill run. Completion and failure are
// observable rather than fire-and-forget: operators can poll Status and the
// process owner decides whether a fatal result warrants termination or a
// fresh scan.
type ScanTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

type ScanStatus struct {
	State      string  `json:"state"` // running | completed | failed
	StartedAt  string  `json:"startedAt"`
	FinishedAt string  `json:"finishedAt,omitempty"`
	LastError  *string `json:"lastError,omitempty"`
}

func StartScan(ctx context.Context, scanner *Scanner) *ScanTask {
	runCtx, cancel := context.WithCancel(ctx)
	task := &ScanTask{
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
	}
	go func() {
		defer close(task.done)
		defer cancel()
		err := scanner.Run(runCtx)
		task.mu.Lock()
		task.err = err
		task.finishedAt = time.Now().UTC()
		task.mu.Unlock()
	}()
	return task
}

// Done is closed once the scan has finished, successfully or not.
func (t *ScanTask) Done() <-chan struct{} {
	return t.done
}

// Err returns the scan's terminal error, or nil while running or after a
// clean completion.
func (t *ScanTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *ScanTask) Stop() {
	t.cancel()
}

func (t *ScanTask) Status() ScanStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := ScanStatus{
		State:     "running",
		StartedAt: t.startedAt.Format(time.RFC3339),
	}
	if !t.finishedAt.IsZero() {
		status.FinishedAt = t.finishedAt.Format(time.RFC3339)
		if t.err != nil {
			status.State = "failed"
			message := t.err.Error()
			status.LastError = &message
		} else {
			status.State = "completed"
		}
	}
	return status
}
