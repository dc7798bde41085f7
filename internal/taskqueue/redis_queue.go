package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses a single sorted set with key:
//
//	<prefix>tasks
//
// Members are gob-encoded Task structs scored by their due time in
// milliseconds, scaled by 1000 with an enqueue counter in the low digits so
// tasks due in the same millisecond keep FIFO order. A Lua script pops the first due member atomically, so any
// number of workers can share the queue.
type RedisQueue struct {
	client       *redis.Client
	key          string
	seqKey       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "payflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "payflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		seqKey:       prefix + "tasks:seq",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
redis.call('ZREM', KEYS[1], items[1])
return items[1]
`)

// Enqueue adds the task to the sorted set (ZADD).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	due := stamp(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due.UnixMilli()*1000 + seq%1000),
		Member: data,
	}).Err()
}

// Dequeue polls for the first due task until one is available or ctx is
// cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := strconv.FormatInt(time.Now().UnixMilli()*1000+999, 10)
		data, err := claimScript.Run(ctx, q.client, []string{q.key}, now).Text()
		if err == nil {
			return DecodeTask([]byte(data))
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if err := sleepCtx(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		slog.Warn("queue_len_failed", "backend", "redis", "error", err)
		return 0
	}
	return int(n)
}
