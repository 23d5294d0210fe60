package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/taskrunner/internal/task"
)

// All keys share one hash tag so the scripts below stay valid in cluster mode.
const (
	pendingKey          = "{taskrunner}:pending"
	delayedKey          = "{taskrunner}:delayed"
	deadKey             = "{taskrunner}:dead"
	leasesKey           = "{taskrunner}:leases"
	processingKeyPrefix = "{taskrunner}:processing:"
)

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('RPUSH', KEYS[2], m)
end
return #due
`)

// reapScript returns deliveries whose lease is older than ARGV[1] from
// whichever processing list holds them to the head of the pending list.
// Lease members are "<processing key>\n<raw payload>"; every processing key
// carries the same hash tag as KEYS.
var reapScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local n = 0
for _, m in ipairs(stale) do
	local i = string.find(m, "\n", 1, true)
	if i then
		local key = string.sub(m, 1, i - 1)
		local raw = string.sub(m, i + 1)
		if redis.call('LREM', key, 1, raw) > 0 then
			redis.call('LPUSH', KEYS[2], raw)
			n = n + 1
		end
	end
	redis.call('ZREM', KEYS[1], m)
end
return n
`)

// Delivery is a dequeued task together with the exact payload that sits in
// this consumer's processing list until it is acked.
type Delivery struct {
	Task *task.Task
	raw  string
}

type DeadLetter struct {
	Task     *task.Task `json:"task"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failed_at"`
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Queue is an at-least-once work queue: a task stays in the consumer's
// processing list from Dequeue until Ack, Retry or Kill, and holds a lease
// stamped with its dequeue time so Reap can hand it to another consumer if
// it is never settled.
type Queue struct {
	client        redis.UniversalClient
	processingKey string
}

func New(client redis.UniversalClient, consumerID string) *Queue {
	return &Queue{
		client:        client,
		processingKey: processingKeyPrefix + consumerID,
	}
}

func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.RPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. It returns nil, nil when
// the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, pendingKey, q.processingKey, "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// undecodable payloads can never succeed; park them with the dead letters
		pipe := q.client.TxPipeline()
		pipe.LPush(ctx, deadKey, raw)
		pipe.LRem(ctx, q.processingKey, 1, raw)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return nil, fmt.Errorf("park malformed task: %w", perr)
		}
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	lease := redis.Z{Score: float64(time.Now().UnixMilli()), Member: q.leaseMember(raw)}
	if err := q.client.ZAdd(ctx, leasesKey, lease).Err(); err != nil {
		// still in the processing list; Recover brings it back on restart
		return nil, fmt.Errorf("lease task: %w", err)
	}

	return &Delivery{Task: &t, raw: raw}, nil
}

func (q *Queue) leaseMember(raw string) string {
	return q.processingKey + "\n" + raw
}

func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, d.raw)
	pipe.ZRem(ctx, leasesKey, q.leaseMember(d.raw))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Retry schedules the next attempt of the delivered task after delay.
func (q *Queue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	next := *d.Task
	next.Attempt++

	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	due := time.Now().Add(delay).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(due), Member: data})
	pipe.LRem(ctx, q.processingKey, 1, d.raw)
	pipe.ZRem(ctx, leasesKey, q.leaseMember(d.raw))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	return nil
}

// Kill moves the delivered task to the dead-letter list.
func (q *Queue) Kill(ctx context.Context, d *Delivery, reason string) error {
	data, err := json.Marshal(DeadLetter{Task: d.Task, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, deadKey, data)
	pipe.LRem(ctx, q.processingKey, 1, d.raw)
	pipe.ZRem(ctx, leasesKey, q.leaseMember(d.raw))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	return nil
}

// PromoteDue moves up to limit delayed tasks whose time has come back to
// the pending list.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{delayedKey, pendingKey},
		strconv.FormatInt(now.UnixMilli(), 10), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed tasks: %w", err)
	}
	return n, nil
}

// Recover returns tasks this consumer dequeued but never settled (for
// example after a crash) to the head of the pending list.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		raw, err := q.client.LMove(ctx, q.processingKey, pendingKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover tasks: %w", err)
		}
		n++
		if err := q.client.ZRem(ctx, leasesKey, q.leaseMember(raw)).Err(); err != nil {
			return n, fmt.Errorf("release lease: %w", err)
		}
	}
}

// Reap requeues up to limit deliveries, held by any consumer, that were
// dequeued more than olderThan before now and never settled.
func (q *Queue) Reap(ctx context.Context, now time.Time, olderThan time.Duration, limit int) (int, error) {
	cutoff := now.Add(-olderThan).UnixMilli()
	n, err := reapScript.Run(ctx, q.client,
		[]string{leasesKey, pendingKey},
		strconv.FormatInt(cutoff, 10), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reap stale deliveries: %w", err)
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, pendingKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	processing := pipe.LLen(ctx, q.processingKey)
	dead := pipe.LLen(ctx, deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// DeadLetters lists the most recent dead letters, newest first. Entries that
// cannot be decoded are skipped.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil || dl.Task == nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
