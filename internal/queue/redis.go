// Package queue implements core.Queue on Redis and in memory.
//
// The Redis queue keeps ready messages in a list and delayed messages in a
// sorted set scored by due time in unix milliseconds. Dequeue promotes due
// messages before blocking on the list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/datamorph/internal/config"
	"github.com/JonMunkholm/datamorph/internal/core"
)

// promoteBatch caps messages moved from delayed to ready per dequeue.
const promoteBatch = 100

// promoteScript atomically moves due members of the delayed set onto the
// ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// Redis is a core.Queue backed by a Redis list and sorted set.
type Redis struct {
	client      *redis.Client
	readyKey    string
	delayedKey  string
	pollTimeout time.Duration
	now         func() time.Time
}

var _ core.Queue = (*Redis)(nil)

// NewRedis connects using the redis config and verifies the connection.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, cfg.QueueKey, cfg.PollTimeout), nil
}

// NewRedisWithClient wraps an existing client. keyPrefix namespaces the
// queue's keys.
func NewRedisWithClient(client *redis.Client, keyPrefix string, pollTimeout time.Duration) *Redis {
	if keyPrefix == "" {
		keyPrefix = "datamorph:jobs"
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Redis{
		client:      client,
		readyKey:    keyPrefix + ":ready",
		delayedKey:  keyPrefix + ":delayed",
		pollTimeout: pollTimeout,
		now:         time.Now,
	}
}

// Enqueue makes msg available immediately.
func (q *Redis) Enqueue(ctx context.Context, msg core.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// EnqueueAfter makes msg available once delay has passed.
func (q *Redis) EnqueueAfter(ctx context.Context, msg core.Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due), Member: payload}).Err(); err != nil {
		return fmt.Errorf("schedule job %s: %w", msg.JobID, err)
	}
	return nil
}

// Dequeue promotes due messages, then waits up to the poll timeout for one.
func (q *Redis) Dequeue(ctx context.Context) (*core.Message, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, now, promoteBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	res, err := q.client.BRPop(ctx, q.pollTimeout, q.readyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}

	var msg core.Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// Len reports ready and delayed message counts.
func (q *Redis) Len(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.client.ZCard(ctx, q.delayedKey).Result()
	return ready, delayed, err
}

// Ping checks the connection.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the client.
func (q *Redis) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
