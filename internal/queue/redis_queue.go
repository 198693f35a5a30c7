package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS: processing, leases. ARGV: raw, id.
var ackScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[2])
return n
`)

// KEYS: processing, leases, main, failed, errors. ARGV: raw, id, updated, dead.
var failScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[2])
if n == 0 then
  return -1
end
if ARGV[4] == '1' then
  redis.call('LPUSH', KEYS[4], ARGV[3])
  redis.call('INCR', KEYS[5])
  return 1
end
redis.call('LPUSH', KEYS[3], ARGV[3])
return 0
`)

// KEYS: processing, leases, main. ARGV: raw, id.
var reclaimScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
if n == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: failed, main. ARGV: raw, updated.
var requeueScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
if n == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// RedisQueue keeps the main queue as a list written on the left and read on
// the right, so the right end is the head.
type RedisQueue struct {
	rdb         *redis.Client
	maxAttempts int

	main       string
	processing string
	leases     string
	failed     string
	errors     string

	now func() time.Time
}

func NewRedisQueue(rdb *redis.Client, name string, maxAttempts int) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RedisQueue{
		rdb:         rdb,
		maxAttempts: maxAttempts,
		main:        name,
		processing:  name + ":processing",
		leases:      name + ":leases",
		failed:      name + ":failed",
		errors:      name + ":errors",
		now:         time.Now,
	}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	rec, err := newRecord(payload, q.now())
	if err != nil {
		return "", err
	}
	raw, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, q.main, raw).Err(); err != nil {
		return "", storeErr("enqueue", err)
	}
	return rec.ID, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Record, error) {
	raw, err := q.rdb.BLMove(ctx, q.main, q.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, storeErr("dequeue", err)
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		// Unreadable elements go straight to the dead-letter list untouched.
		_, perr := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processing, 1, raw)
			p.LPush(ctx, q.failed, raw)
			p.Incr(ctx, q.errors)
			return nil
		})
		if perr != nil {
			return nil, storeErr("dead-letter corrupt record", perr)
		}
		return nil, err
	}

	lease := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := q.rdb.HSet(ctx, q.leases, rec.ID, lease).Err(); err != nil {
		return nil, storeErr("record lease", err)
	}
	return rec, nil
}

func (q *RedisQueue) Ack(ctx context.Context, rec *Record) error {
	n, err := ackScript.Run(ctx, q.rdb, []string{q.processing, q.leases}, rec.raw, rec.ID).Int()
	if err != nil {
		return storeErr("ack", err)
	}
	if n == 0 {
		return fmt.Errorf("ack %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, rec *Record, cause error) (bool, error) {
	raw := rec.raw
	rec.markFailed(cause, q.now())
	dead := rec.Attempts >= q.maxAttempts

	updated, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}
	deadArg := "0"
	if dead {
		deadArg = "1"
	}

	keys := []string{q.processing, q.leases, q.main, q.failed, q.errors}
	n, err := failScript.Run(ctx, q.rdb, keys, raw, rec.ID, updated, deadArg).Int()
	if err != nil {
		return false, storeErr("fail", err)
	}
	if n < 0 {
		return false, fmt.Errorf("fail %s: %w", rec.ID, ErrNotFound)
	}
	rec.raw = updated
	return dead, nil
}

func (q *RedisQueue) Reclaim(ctx context.Context, ttl time.Duration) (int, error) {
	items, err := q.rdb.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, storeErr("reclaim", err)
	}
	leases, err := q.rdb.HGetAll(ctx, q.leases).Result()
	if err != nil {
		return 0, storeErr("reclaim", err)
	}

	now := q.now()
	cutoff := now.Add(-ttl).UnixMilli()
	seen := make(map[string]struct{}, len(items))
	reclaimed := 0

	for _, raw := range items {
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		seen[rec.ID] = struct{}{}

		leased, ok := leases[rec.ID]
		if !ok {
			// Moved but not yet leased, or leased by a crashed worker before
			// the hash write. Start the clock now.
			if err := q.rdb.HSetNX(ctx, q.leases, rec.ID, now.UnixMilli()).Err(); err != nil {
				return reclaimed, storeErr("reclaim", err)
			}
			continue
		}
		at, err := strconv.ParseInt(leased, 10, 64)
		if err == nil && at > cutoff {
			continue
		}

		n, err := reclaimScript.Run(ctx, q.rdb, []string{q.processing, q.leases, q.main}, raw, rec.ID).Int()
		if err != nil {
			return reclaimed, storeErr("reclaim", err)
		}
		reclaimed += n
	}

	for id, leased := range leases {
		if _, ok := seen[id]; ok {
			continue
		}
		if at, err := strconv.ParseInt(leased, 10, 64); err == nil && at > cutoff {
			continue
		}
		_ = q.rdb.HDel(ctx, q.leases, id).Err()
	}

	return reclaimed, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var main, processing, failed *redis.IntCmd
	var errCount *redis.StringCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		main = p.LLen(ctx, q.main)
		processing = p.LLen(ctx, q.processing)
		failed = p.LLen(ctx, q.failed)
		errCount = p.Get(ctx, q.errors)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, storeErr("stats", err)
	}

	st := Stats{
		Pending:     main.Val(),
		Processing:  processing.Val(),
		DeadLetters: failed.Val(),
	}
	if v, err := errCount.Int64(); err == nil {
		st.Errors = v
	}
	return st, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := q.rdb.LRange(ctx, q.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, storeErr("dead letters", err)
	}
	out := make([]Record, 0, len(items))
	for _, raw := range items {
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, id string) error {
	items, err := q.rdb.LRange(ctx, q.failed, 0, -1).Result()
	if err != nil {
		return storeErr("requeue", err)
	}
	for _, raw := range items {
		rec, err := decodeRecord(raw)
		if err != nil || rec.ID != id {
			continue
		}
		rec.Attempts = 0
		rec.FailedAt = nil
		updated, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		n, err := requeueScript.Run(ctx, q.rdb, []string{q.failed, q.main}, raw, updated).Int()
		if err != nil {
			return storeErr("requeue", err)
		}
		if n == 0 {
			break
		}
		return nil
	}
	return fmt.Errorf("requeue %s: %w", id, ErrNotFound)
}

func (q *RedisQueue) Clear(ctx context.Context, set Set) (int, error) {
	var keys []string
	switch set {
	case SetMain:
		keys = []string{q.main}
	case SetProcessing:
		keys = []string{q.processing}
	case SetDeadLetter:
		keys = []string{q.failed}
	case SetAll:
		keys = []string{q.main, q.processing, q.failed}
	default:
		return 0, fmt.Errorf("unknown queue set %q", set)
	}

	lens := make([]*redis.IntCmd, len(keys))
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			lens[i] = p.LLen(ctx, k)
			p.Del(ctx, k)
		}
		if set == SetProcessing || set == SetAll {
			p.Del(ctx, q.leases)
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("clear", err)
	}

	cleared := 0
	for _, c := range lens {
		cleared += int(c.Val())
	}
	return cleared, nil
}

func (q *RedisQueue) Healthy(ctx context.Context) bool {
	return q.rdb.Ping(ctx).Err() == nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
