package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PayoutQueue carries payout job ids between the resolve handler and the
// worker pool. The database row is the source of truth; the queue only
// wakes workers, so a lost message is recovered by the sweeper.
type PayoutQueue interface {
	Push(ctx context.Context, jobID int64) error
	// Pop blocks up to timeout. ok=false means the timeout elapsed.
	Pop(ctx context.Context, timeout time.Duration) (jobID int64, ok bool, err error)
}

// RedisQueue is the production queue: LPUSH on resolve, BRPOP in workers.
type RedisQueue struct {
	Client *redis.Client
	Key    string
}

func (q *RedisQueue) Push(ctx context.Context, jobID int64) error {
	return q.Client.LPush(ctx, q.Key, strconv.FormatInt(jobID, 10)).Err()
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (int64, bool, error) {
	res, err := q.Client.BRPop(ctx, timeout, q.Key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

// memoryQueue backs tests that exercise worker logic without redis.
type memoryQueue struct {
	ch chan int64
}

func newMemoryQueue(size int) *memoryQueue {
	return &memoryQueue{ch: make(chan int64, size)}
}

func (q *memoryQueue) Push(ctx context.Context, jobID int64) error {
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Pop(ctx context.Context, timeout time.Duration) (int64, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case id := <-q.ch:
		return id, true, nil
	case <-t.C:
		return 0, false, nil
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}
