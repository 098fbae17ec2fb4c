package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/modelq/internal/metrics"
	"github.com/SirClappington/modelq/internal/retry"
)

// RedisQ implements Queue on Redis. Layout, all scoped by runner id:
//
//	{runner}:ready     list of message ids, claimable
//	{runner}:inflight  zset of leased ids, score = lease deadline (unix ms)
//	{runner}:dead      list of poisoned ids
//	{runner}:msg:{id}  hash with body and receive count
//
// The lease is the inflight zset entry: a claimed id lives there until the
// consumer deletes it or the deadline passes and a reclaim sweep pushes it
// back onto ready. Claiming moves an id from ready to inflight in one
// atomic script, so an id is never off both lists: a consumer that dies at
// any point leaves a lease behind, and the reclaim sweep recovers it.
type RedisQ struct {
	rdb      *r.Client
	runner   string
	leaseTTL time.Duration
	log      *zap.Logger
}

func New(rdb *r.Client, runner string, leaseTTL time.Duration, log *zap.Logger) *RedisQ {
	return &RedisQ{rdb: rdb, runner: runner, leaseTTL: leaseTTL, log: log}
}

func (q *RedisQ) key(suffix string) string { return q.runner + ":" + suffix }
func (q *RedisQ) msgKey(id string) string  { return q.runner + ":msg:" + id }

func (q *RedisQ) Enqueue(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	err := retry.Do(ctx, 3, func() error {
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.msgKey(id), map[string]interface{}{
			"body":        body,
			"receives":    0,
			"enqueued_at": time.Now().Unix(),
		})
		pipe.LPush(ctx, q.key("ready"), id)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// claimScript pops the next ready id and registers its lease in one
// step. Pop and lease are never separated, so a consumer crash cannot
// strand an id off both lists. Ids whose message hash is gone (deleted
// or dead-lettered with a stale ready entry) are dropped here.
var claimScript = r.NewScript(`
local id = redis.call("RPOP", KEYS[1])
if not id then
	return false
end
local msg = ARGV[2] .. id
local body = redis.call("HGET", msg, "body")
if not body then
	redis.call("DEL", msg)
	return false
end
local receives = redis.call("HINCRBY", msg, "receives", 1)
redis.call("ZADD", KEYS[2], ARGV[1], id)
return {id, body, receives}
`)

const claimPoll = 100 * time.Millisecond

func (q *RedisQ) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		pause := claimPoll
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (q *RedisQ) claim(ctx context.Context) (*Message, error) {
	score := time.Now().Add(q.leaseTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key("ready"), q.key("inflight")},
		score, q.runner+":msg:").Slice()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if len(res) != 3 {
		return nil, nil
	}

	id, _ := res[0].(string)
	body, _ := res[1].(string)
	receives, _ := res[2].(int64)
	return &Message{
		Handle:  id,
		Body:    []byte(body),
		Attempt: int(receives) - 1,
	}, nil
}

func (q *RedisQ) Delete(ctx context.Context, handle string) error {
	err := retry.Do(ctx, 3, func() error {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("inflight"), handle)
		pipe.Del(ctx, q.msgKey(handle))
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", handle, err)
	}
	return nil
}

func (q *RedisQ) Extend(ctx context.Context, handle string, ttl time.Duration) error {
	deadline := float64(time.Now().Add(ttl).UnixMilli())
	// XX: only refresh a lease that still exists.
	err := q.rdb.ZAddXX(ctx, q.key("inflight"), r.Z{Score: deadline, Member: handle}).Err()
	if err != nil {
		return fmt.Errorf("extend %s: %w", handle, err)
	}
	return nil
}

func (q *RedisQ) MoveToDead(ctx context.Context, handle string) error {
	err := retry.Do(ctx, 3, func() error {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("inflight"), handle)
		pipe.LRem(ctx, q.key("ready"), 0, handle)
		pipe.LRem(ctx, q.key("dead"), 0, handle)
		pipe.LPush(ctx, q.key("dead"), handle)
		pipe.HSet(ctx, q.msgKey(handle), "dead_at", time.Now().Unix())
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", handle, err)
	}
	return nil
}

// ReclaimExpired requeues every in-flight id whose lease deadline has
// passed. Only the caller that wins the ZRem requeues, so concurrent
// sweeps never duplicate a message.
func (q *RedisQ) ReclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("inflight"), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 500,
	}).Result()
	if err != nil && err != r.Nil {
		return 0, fmt.Errorf("reclaim scan: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.key("inflight"), id).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.key("ready"), id).Err(); err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", id, err)
		}
		reclaimed++
	}
	metrics.LeasesReclaimedTotal.Add(float64(reclaimed))
	return reclaimed, nil
}

// StartReaper sweeps expired leases on a fixed interval until ctx ends.
func (q *RedisQ) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				n, err := q.ReclaimExpired(ctx)
				if err != nil {
					q.log.Warn("lease reclaim failed", zap.Error(err))
					continue
				}
				if n > 0 {
					q.log.Info("requeued expired leases", zap.Int("count", n))
				}
			}
		}
	}()
}

// LiveBodies returns the payload of every message that has not been
// dead-lettered, whether ready or in flight. The orphan sweep uses it to
// tell live jobs from abandoned staging leftovers.
func (q *RedisQ) LiveBodies(ctx context.Context) ([][]byte, error) {
	iter := q.rdb.Scan(ctx, 0, q.runner+":msg:*", 0).Iterator()
	var bodies [][]byte
	for iter.Next(ctx) {
		vals, err := q.rdb.HMGet(ctx, iter.Val(), "body", "dead_at").Result()
		if err != nil {
			return nil, fmt.Errorf("live scan: %w", err)
		}
		if len(vals) != 2 || vals[1] != nil {
			continue
		}
		if s, ok := vals[0].(string); ok && s != "" {
			bodies = append(bodies, []byte(s))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("live scan: %w", err)
	}
	return bodies, nil
}

// Purge drops every key of this runner's queue. Used by teardown.
func (q *RedisQ) Purge(ctx context.Context) error {
	iter := q.rdb.Scan(ctx, 0, q.runner+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := q.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return nil
}
