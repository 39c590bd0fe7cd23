// Package jobbus implements typed Redis-backed job queues with priority
// ordering, delayed delivery, processing leases, and redelivery of expired
// leases. Queue mutations run as Lua scripts so concurrent workers across
// process replicas see atomic transitions.
package jobbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cadence/pkg/timeops"
)

// Queue names. Each carries one job payload shape.
const (
	QueueSMS     = "sms"
	QueueEmail   = "email"
	QueueVoice   = "voice"
	QueueEvents  = "events"
	QueueHealing = "healing"
)

// DefaultPriority is used when the enqueuer does not care about ordering.
const DefaultPriority = 5

// prioShift separates priority from the FIFO sequence inside a ready-set
// score: score = priority*prioShift + seq. 2^42 leaves both components exact
// in a float64 score.
const prioShift = 1 << 42

// Job is the envelope stored on the wire. Payload is the channel-specific
// body; Attempt is the retry counter set by the enqueuer (Options.Attempt)
// and is left unchanged when an expired lease is redelivered.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Priority   int             `json:"priority"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`

	// raw is the exact wire representation, kept so Ack can remove the
	// lease member byte-for-byte.
	raw string
}

// Options controls enqueue behavior.
type Options struct {
	// Delay postpones delivery by the given duration.
	Delay time.Duration
	// Priority orders ready jobs; lower is sooner. Zero means DefaultPriority.
	Priority int
	// Attempt carries the retry counter for re-enqueued jobs.
	Attempt int
}

// Bus provides access to all queues on one Redis instance.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
	clock  timeops.Clock
}

// NewBus creates a Bus.
func NewBus(rdb *redis.Client, logger *slog.Logger, clock timeops.Clock) *Bus {
	return &Bus{rdb: rdb, logger: logger, clock: clock}
}

func delayedKey(q string) string { return "cadence:jobs:" + q + ":delayed" }
func readyKey(q string) string   { return "cadence:jobs:" + q + ":ready" }
func leaseKey(q string) string   { return "cadence:jobs:" + q + ":lease" }
func seqKey(q string) string     { return "cadence:jobs:" + q + ":seq" }

// enqueueReadyScript pushes a member onto the ready set with a
// priority-then-FIFO composite score.
var enqueueReadyScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) * 4398046511104 + seq, ARGV[1])
return seq
`)

// popScript promotes due delayed jobs onto the ready set, pops the
// highest-priority ready job, and moves it under a lease in one transaction.
var popScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 100)
for _, m in ipairs(due) do
	local ok, job = pcall(cjson.decode, m)
	local prio = 5
	if ok and type(job) == 'table' and tonumber(job['priority']) then
		prio = tonumber(job['priority'])
	end
	local seq = redis.call('INCR', KEYS[4])
	redis.call('ZADD', KEYS[2], prio * 4398046511104 + seq, m)
	redis.call('ZREM', KEYS[1], m)
end
local popped = redis.call('ZPOPMIN', KEYS[2], 1)
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), popped[1])
return popped[1]
`)

// reapScript returns expired-lease jobs to the ready set for redelivery.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, m in ipairs(expired) do
	redis.call('ZREM', KEYS[1], m)
	local ok, job = pcall(cjson.decode, m)
	local prio = 5
	if ok and type(job) == 'table' and tonumber(job['priority']) then
		prio = tonumber(job['priority'])
	end
	local seq = redis.call('INCR', KEYS[3])
	redis.call('ZADD', KEYS[2], prio * 4398046511104 + seq, m)
end
return #expired
`)

// Enqueue serializes the payload and places the job on the queue.
func (b *Bus) Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding job payload: %w", err)
	}

	prio := opts.Priority
	if prio == 0 {
		prio = DefaultPriority
	}

	job := Job{
		ID:         uuid.New().String(),
		Queue:      queue,
		Priority:   prio,
		Attempt:    opts.Attempt,
		EnqueuedAt: b.clock.Now(),
		Payload:    body,
	}
	member, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding job envelope: %w", err)
	}

	if opts.Delay > 0 {
		readyAt := float64(b.clock.Now().Add(opts.Delay).UnixMilli())
		if err := b.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{Score: readyAt, Member: member}).Err(); err != nil {
			return "", fmt.Errorf("enqueueing delayed job on %s: %w", queue, err)
		}
		return job.ID, nil
	}

	if err := enqueueReadyScript.Run(ctx, b.rdb,
		[]string{readyKey(queue), seqKey(queue)},
		member, prio,
	).Err(); err != nil {
		return "", fmt.Errorf("enqueueing job on %s: %w", queue, err)
	}
	return job.ID, nil
}

// Dequeue pops the next job under a processing lease. It returns (nil, nil)
// when the queue is empty.
func (b *Bus) Dequeue(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	now := b.clock.Now()
	res, err := popScript.Run(ctx, b.rdb,
		[]string{delayedKey(queue), readyKey(queue), leaseKey(queue), seqKey(queue)},
		now.UnixMilli(), now.Add(lease).UnixMilli(),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeuing from %s: %w", queue, err)
	}

	member, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("dequeuing from %s: unexpected script result %T", queue, res)
	}

	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return nil, fmt.Errorf("decoding job envelope from %s: %w", queue, err)
	}
	job.raw = member
	return &job, nil
}

// Ack removes a dequeued job's lease. Call it when processing finished,
// whether the handler succeeded or chose its own retry path.
func (b *Bus) Ack(ctx context.Context, job *Job) error {
	if job == nil || job.raw == "" {
		return nil
	}
	if err := b.rdb.ZRem(ctx, leaseKey(job.Queue), job.raw).Err(); err != nil {
		return fmt.Errorf("acking job %s: %w", job.ID, err)
	}
	return nil
}

// ReapExpired returns jobs whose lease deadline passed to the ready set.
// Handlers must be idempotent on provider ids; a reaped job is redelivered.
func (b *Bus) ReapExpired(ctx context.Context, queue string) (int, error) {
	n, err := reapScript.Run(ctx, b.rdb,
		[]string{leaseKey(queue), readyKey(queue), seqKey(queue)},
		b.clock.Now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reaping %s leases: %w", queue, err)
	}
	return n, nil
}

// Depth returns the number of ready plus delayed jobs on the queue.
func (b *Bus) Depth(ctx context.Context, queue string) (int64, error) {
	pipe := b.rdb.Pipeline()
	ready := pipe.ZCard(ctx, readyKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("measuring %s depth: %w", queue, err)
	}
	return ready.Val() + delayed.Val(), nil
}
