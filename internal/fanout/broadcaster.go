package fanout

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/rescue-dispatch/internal/session"
)

const DefaultConcurrency = 8

// SendFunc delivers one message to one normalized phone.
type SendFunc func(ctx context.Context, phone string) error

// Broadcaster sends one message per recipient, concurrently and independently.
type Broadcaster struct {
	limit int
	log   zerolog.Logger

	onSent   func(ctx context.Context, phone string)
	onFailed func(ctx context.Context, phone string, err error)
}

func NewBroadcaster(limit int, log zerolog.Logger) *Broadcaster {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Broadcaster{
		limit: limit,
		log:   log.With().Str("component", "broadcaster").Logger(),
	}
}

func (b *Broadcaster) WithHooks(
	onSent func(ctx context.Context, phone string),
	onFailed func(ctx context.Context, phone string, err error),
) *Broadcaster {
	b.onSent = onSent
	b.onFailed = onFailed
	return b
}

// Send calls send once per distinct phone. A failed recipient never stops
// the others.
func (b *Broadcaster) Send(ctx context.Context, label string, phones []string, send SendFunc) Result {
	targets := session.NormalizeAll(phones)

	var ok, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.limit)
	for _, p := range targets {
		g.Go(func() error {
			if err := send(gctx, p); err != nil {
				failed.Add(1)
				b.log.Warn().Err(err).Str("phone", p).Str("message", label).Msg("recipient send failed")
				if b.onFailed != nil {
					b.onFailed(gctx, p, err)
				}
				return nil
			}
			ok.Add(1)
			if b.onSent != nil {
				b.onSent(gctx, p)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Attempted: len(targets), Succeeded: int(ok.Load()), Failed: int(failed.Load())}
	b.log.Debug().
		Str("message", label).
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Msg("broadcast finished")
	return res
}

// Exclude drops the given phones from a recipient list, comparing digits only.
func Exclude(phones []string, skip ...string) []string {
	drop := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		drop[session.NormalizePhone(s)] = struct{}{}
	}
	out := make([]string, 0, len(phones))
	for _, p := range session.NormalizeAll(phones) {
		if _, ok := drop[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
