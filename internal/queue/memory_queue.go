package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type lease struct {
	rec Record
	at  time.Time
}

// MemoryQueue is the in-process fallback used when Redis is not configured.
// Nothing survives a restart.
type MemoryQueue struct {
	maxAttempts int

	mu         sync.Mutex
	main       []Record // index 0 is the head
	processing map[string]lease
	failed     []Record // newest first
	errors     int64
	wake       chan struct{}

	now func() time.Time
}

func NewMemoryQueue(maxAttempts int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MemoryQueue{
		maxAttempts: maxAttempts,
		processing:  make(map[string]lease),
		wake:        make(chan struct{}),
		now:         time.Now,
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	rec, err := newRecord(payload, q.now())
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	q.pushTailLocked(*rec)
	q.mu.Unlock()
	return rec.ID, nil
}

func (q *MemoryQueue) pushTailLocked(rec Record) {
	q.main = append(q.main, rec)
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.main) > 0 {
			rec := q.main[0]
			q.main = q.main[1:]
			q.processing[rec.ID] = lease{rec: rec, at: q.now()}
			q.mu.Unlock()
			return &rec, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, rec *Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[rec.ID]; !ok {
		return fmt.Errorf("ack %s: %w", rec.ID, ErrNotFound)
	}
	delete(q.processing, rec.ID)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, rec *Record, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[rec.ID]; !ok {
		return false, fmt.Errorf("fail %s: %w", rec.ID, ErrNotFound)
	}
	delete(q.processing, rec.ID)

	rec.markFailed(cause, q.now())
	if rec.Attempts >= q.maxAttempts {
		q.failed = append([]Record{*rec}, q.failed...)
		q.errors++
		return true, nil
	}
	q.pushTailLocked(*rec)
	return false, nil
}

func (q *MemoryQueue) Reclaim(ctx context.Context, ttl time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-ttl)
	var stale []Record
	for id, l := range q.processing {
		if l.at.After(cutoff) {
			continue
		}
		stale = append(stale, l.rec)
		delete(q.processing, id)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	// Oldest first, so reclaimed records keep their delivery order.
	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].EnqueuedAt.Equal(stale[j].EnqueuedAt) {
			return stale[i].EnqueuedAt.Before(stale[j].EnqueuedAt)
		}
		return stale[i].ID < stale[j].ID
	})
	q.main = append(stale, q.main...)
	close(q.wake)
	q.wake = make(chan struct{})
	return len(stale), nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending:     int64(len(q.main)),
		Processing:  int64(len(q.processing)),
		DeadLetters: int64(len(q.failed)),
		Errors:      q.errors,
	}, nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	n := min(limit, len(q.failed))
	out := make([]Record, n)
	copy(out, q.failed[:n])
	return out, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, rec := range q.failed {
		if rec.ID != id {
			continue
		}
		q.failed = append(q.failed[:i], q.failed[i+1:]...)
		rec.Attempts = 0
		rec.FailedAt = nil
		q.pushTailLocked(rec)
		return nil
	}
	return fmt.Errorf("requeue %s: %w", id, ErrNotFound)
}

func (q *MemoryQueue) Clear(ctx context.Context, set Set) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := 0
	switch set {
	case SetMain, SetProcessing, SetDeadLetter, SetAll:
	default:
		return 0, fmt.Errorf("unknown queue set %q", set)
	}
	if set == SetMain || set == SetAll {
		cleared += len(q.main)
		q.main = nil
	}
	if set == SetProcessing || set == SetAll {
		cleared += len(q.processing)
		q.processing = make(map[string]lease)
	}
	if set == SetDeadLetter || set == SetAll {
		cleared += len(q.failed)
		q.failed = nil
	}
	return cleared, nil
}

func (q *MemoryQueue) Healthy(ctx context.Context) bool { return true }
