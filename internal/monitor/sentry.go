package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/LeventeLantos/rescue-dispatch/internal/queue"
)

type Options struct {
	DSN         string
	Environment string
	Release     string
}

// Reporter forwards dead letters and recovered panics to Sentry. The zero
// value and a Reporter built with an empty DSN are no-ops.
type Reporter struct {
	hub *sentry.Hub
}

func New(o Options) (*Reporter, error) {
	if o.DSN == "" {
		return &Reporter{}, nil
	}
	return newWithOptions(sentry.ClientOptions{
		Dsn:              o.DSN,
		AttachStacktrace: true,
		Release:          o.Release,
		Environment:      o.Environment,
		SampleRate:       1,
	})
}

func newWithOptions(opts sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// DeadLetter reports a record the queue stopped retrying.
func (r *Reporter) DeadLetter(_ context.Context, rec queue.Record) {
	if !r.Enabled() {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("record_id", rec.ID)
		scope.SetContext("record", sentry.Context{
			"attempts":    rec.Attempts,
			"last_error":  rec.LastError,
			"enqueued_at": rec.EnqueuedAt.Format(time.RFC3339),
			"payload":     rec.Payload,
		})
		r.hub.CaptureMessage("queue record dead-lettered: " + rec.LastError)
	})
}

func (r *Reporter) Panic(v any) {
	if !r.Enabled() {
		return
	}
	r.hub.Recover(v)
}

func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
