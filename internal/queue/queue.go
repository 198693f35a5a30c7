package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxAttempts = 3

var (
	ErrStoreUnavailable = errors.New("queue store unavailable")
	ErrNotFound         = errors.New("queue record not found")
)

// Queue is a durable FIFO with a processing set and a dead-letter set. A
// record lives in exactly one of the three at any instant.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
	// Dequeue returns nil, nil when nothing arrived within timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (*Record, error)
	Ack(ctx context.Context, rec *Record) error
	// Fail records cause on rec and either redelivers it or dead-letters it.
	Fail(ctx context.Context, rec *Record, cause error) (dead bool, err error)
	// Reclaim returns processing records leased longer than ttl to the head.
	Reclaim(ctx context.Context, ttl time.Duration) (int, error)
	Stats(ctx context.Context) (Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]Record, error)
	Requeue(ctx context.Context, id string) error
	Clear(ctx context.Context, set Set) (int, error)
	Healthy(ctx context.Context) bool
}

type Set string

const (
	SetMain       Set = "main"
	SetProcessing Set = "processing"
	SetDeadLetter Set = "failed"
	SetAll        Set = "all"
)

func ParseSet(s string) (Set, error) {
	switch Set(s) {
	case SetMain, SetProcessing, SetDeadLetter, SetAll:
		return Set(s), nil
	}
	return "", fmt.Errorf("unknown queue set %q", s)
}

type Stats struct {
	Pending     int64 `json:"queue_size"`
	Processing  int64 `json:"processing_size"`
	DeadLetters int64 `json:"failed_size"`
	Errors      int64 `json:"error_count"`
}

type Record struct {
	ID         string     `json:"id"`
	Payload    string     `json:"payload"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`

	// raw is the exact element held in the processing list.
	raw string
}

func newRecord(payload []byte, now time.Time) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}
	return &Record{
		ID:         id.String(),
		Payload:    string(payload),
		EnqueuedAt: now.UTC(),
	}, nil
}

func (r *Record) markFailed(cause error, now time.Time) {
	r.Attempts++
	if cause != nil {
		r.LastError = cause.Error()
	} else {
		r.LastError = "processing failed"
	}
	t := now.UTC()
	r.FailedAt = &t
}

func encodeRecord(r *Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRecord(raw string) (*Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode queue record: %w", err)
	}
	if r.ID == "" {
		return nil, errors.New("decode queue record: missing id")
	}
	r.raw = raw
	return &r, nil
}
