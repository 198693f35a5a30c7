package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/rescue-dispatch/internal/queue"
)

const DefaultWorkers = 3

// Processor handles one dequeued record. A nil error acks it, anything else
// fails it back to the queue.
type Processor func(ctx context.Context, rec *queue.Record) error

type Stats struct {
	Running      bool  `json:"running"`
	Workers      int   `json:"workers"`
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

type Pool struct {
	q              queue.Queue
	process        Processor
	workers        int
	dequeueTimeout time.Duration
	storeBackoff   time.Duration
	log            zerolog.Logger

	onDeadLetter func(ctx context.Context, rec queue.Record)
	onPanic      func(v any)

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

func New(q queue.Queue, process Processor, workers int, dequeueTimeout time.Duration, log zerolog.Logger) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue must not be nil")
	}
	if process == nil {
		return nil, errors.New("process must not be nil")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if dequeueTimeout <= 0 {
		return nil, errors.New("dequeue timeout must be > 0")
	}
	return &Pool{
		q:              q,
		process:        process,
		workers:        workers,
		dequeueTimeout: dequeueTimeout,
		storeBackoff:   time.Second,
		log:            log.With().Str("component", "worker").Logger(),
		done:           make(chan struct{}),
	}, nil
}

func (p *Pool) WithHooks(
	onDeadLetter func(ctx context.Context, rec queue.Record),
	onPanic func(v any),
) *Pool {
	p.onDeadLetter = onDeadLetter
	p.onPanic = onPanic
	return p
}

func (p *Pool) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		g.Go(func() error {
			p.loop(gctx, i)
			return nil
		})
	}
	go func() {
		defer close(p.done)
		_ = g.Wait()
	}()

	p.log.Info().Int("workers", p.workers).Msg("worker pool started")
	return true
}

// Stop waits for in-flight records to finish.
func (p *Pool) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return false
	}

	p.cancel()
	<-p.done
	p.running.Store(false)

	p.log.Info().Msg("worker pool stopped")
	return true
}

func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Running:      p.running.Load(),
		Workers:      p.workers,
		Processed:    p.processed.Load(),
		Failed:       p.failed.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for ctx.Err() == nil {
		rec, err := p.q.Dequeue(ctx, p.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("dequeue failed")
			if errors.Is(err, queue.ErrStoreUnavailable) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.storeBackoff):
				}
			}
			continue
		}
		if rec == nil {
			continue
		}

		// Shutdown must not cut a record off halfway through its side effects.
		p.handle(context.WithoutCancel(ctx), log, rec)
	}
}

func (p *Pool) handle(ctx context.Context, log zerolog.Logger, rec *queue.Record) {
	log = log.With().Str("record_id", rec.ID).Int("attempts", rec.Attempts).Logger()
	start := time.Now()

	err := p.safeProcess(ctx, rec)
	if err == nil {
		if err := p.q.Ack(ctx, rec); err != nil {
			log.Error().Err(err).Msg("ack failed")
			return
		}
		p.processed.Add(1)
		log.Debug().Dur("duration", time.Since(start)).Msg("record processed")
		return
	}

	p.failed.Add(1)
	dead, ferr := p.q.Fail(ctx, rec, err)
	if ferr != nil {
		log.Error().Err(ferr).AnErr("cause", err).Msg("fail failed")
		return
	}
	if !dead {
		p.retried.Add(1)
		log.Warn().Err(err).Msg("record failed, redelivering")
		return
	}

	p.deadLettered.Add(1)
	log.Error().Err(err).Msg("record dead-lettered")
	if p.onDeadLetter != nil {
		p.onDeadLetter(ctx, *rec)
	}
}

func (p *Pool) safeProcess(ctx context.Context, rec *queue.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("record_id", rec.ID).Msg("processor panic recovered")
			if p.onPanic != nil {
				p.onPanic(r)
			}
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.process(ctx, rec)
}
