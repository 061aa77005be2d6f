// Package redisq implements the pipeline queue bus on Redis: named priority
// queues with exclusive leases, visibility timeouts, per-queue dead-letter
// queues and TTL'd job results. All multi-key transitions run as Lua scripts
// so concurrent workers never observe a half-moved job.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// MaxPriority is the highest allowed priority (0..9, higher dequeues first).
const MaxPriority = 9

// Score layout: (MaxPriority - priority) * 1e12 + seq. Lower score dequeues
// first, so higher priority wins and FIFO holds within a priority band.
const enqueueScript = `
local seq = redis.call("INCR", KEYS[1])
local score = (9 - tonumber(ARGV[1])) * 1e12 + seq
redis.call("SET", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[3], score, ARGV[3])
return seq
`

// dequeue pops the lowest-score pending job, records the lease and returns
// the job JSON. Returns false when the queue is empty. A pending member whose
// job hash is gone (expired or deleted out of band) is dropped and the next
// candidate is tried, so one orphan never wedges the queue.
const dequeueScript = `
while true do
  local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  local job = redis.call("GET", KEYS[4] .. id)
  if job then
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), id)
    redis.call("SET", KEYS[3] .. id, ARGV[2])
    return {id, job}
  end
  redis.call("ZREM", KEYS[1], id)
end
`

// ack removes the job entirely, guarded by the lease token.
const ackScript = `
local tok = redis.call("GET", KEYS[1])
if tok ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("DEL", KEYS[3])
return 1
`

// release returns a leased job to pending (ARGV[4]=="requeue") or moves it to
// the DLQ, guarded by the lease token. The caller supplies the updated job
// JSON with attempts already incremented.
const releaseScript = `
local tok = redis.call("GET", KEYS[1])
if tok ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
if ARGV[4] == "requeue" then
  redis.call("SET", KEYS[3], ARGV[3])
  local seq = redis.call("INCR", KEYS[4])
  local score = (9 - tonumber(ARGV[5])) * 1e12 + seq
  redis.call("ZADD", KEYS[5], score, ARGV[2])
else
  redis.call("DEL", KEYS[3])
  redis.call("RPUSH", KEYS[6], ARGV[6])
end
return 1
`

// requeueExpired moves leases past their deadline back to pending, bumping
// attempts via cjson; jobs over max attempts land in the DLQ.
const requeueExpiredScript = `
local now = tonumber(ARGV[1])
local maxAttempts = tonumber(ARGV[2])
local moved = 0
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now, "LIMIT", 0, 100)
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("DEL", KEYS[2] .. id)
  local raw = redis.call("GET", KEYS[3] .. id)
  if raw then
    local job = cjson.decode(raw)
    job.metadata.attempts = (job.metadata.attempts or 0) + 1
    local updated = cjson.encode(job)
    if job.metadata.attempts >= maxAttempts then
      redis.call("DEL", KEYS[3] .. id)
      redis.call("RPUSH", KEYS[4], cjson.encode({job = job, reason = "lease expired"}))
    else
      redis.call("SET", KEYS[3] .. id, updated)
      local seq = redis.call("INCR", KEYS[5])
      local prio = job.metadata.priority or 0
      local score = (9 - prio) * 1e12 + seq
      redis.call("ZADD", KEYS[6], score, id)
    end
    moved = moved + 1
  end
end
return moved
`

// DLQEntry is the wire shape of a dead-lettered job.
type DLQEntry struct {
	Job     domain.Job `json:"job"`
	Reason  string     `json:"reason"`
	MovedAt time.Time  `json:"moved_at"`
}

// Bus implements domain.QueueBus.
type Bus struct {
	rdb         redis.UniversalClient
	maxAttempts int
	resultTTL   time.Duration

	enqueue *redis.Script
	dequeue *redis.Script
	ack     *redis.Script
	release *redis.Script
	expired *redis.Script

	entropy *ulid.MonotonicEntropy
}

// New constructs a Bus. maxAttempts bounds nack-redeliveries before DLQ;
// resultTTL bounds JobResult retention.
func New(rdb redis.UniversalClient, maxAttempts int, resultTTL time.Duration) *Bus {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Bus{
		rdb:         rdb,
		maxAttempts: maxAttempts,
		resultTTL:   resultTTL,
		enqueue:     redis.NewScript(enqueueScript),
		dequeue:     redis.NewScript(dequeueScript),
		ack:         redis.NewScript(ackScript),
		release:     redis.NewScript(releaseScript),
		expired:     redis.NewScript(requeueExpiredScript),
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func seqKey(q string) string        { return "q:" + q + ":seq" }
func pendingKey(q string) string    { return "q:" + q + ":pending" }
func inflightKey(q string) string   { return "q:" + q + ":inflight" }
func jobKeyPrefix(q string) string  { return "q:" + q + ":job:" }
func leaseKeyPrefix(q string) string { return "q:" + q + ":lease:" }
func dlqKey(q string) string        { return "q:" + q + ":dlq" }
func resultKey(jobID string) string { return "q:result:" + jobID }

// recentResultsKey indexes completed job ids by completion time for the ops
// listing; trimmed to the newest recentResultsMax entries.
const (
	recentResultsKey = "q:results:recent"
	recentResultsMax = 1000
)

// Enqueue adds a job to the named queue. A missing job id is assigned.
func (b *Bus) Enqueue(ctx context.Context, queue string, job domain.Job, priority int) (string, error) {
	tracer := otel.Tracer("queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	if priority < 0 || priority > MaxPriority {
		return "", fmt.Errorf("op=queue.enqueue: %w: priority %d out of range", domain.ErrInvalidArgument, priority)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Metadata.CreatedAt.IsZero() {
		job.Metadata.CreatedAt = time.Now().UTC()
	}
	job.Metadata.Priority = priority

	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	_, err = b.enqueue.Run(ctx, b.rdb,
		[]string{seqKey(queue), jobKeyPrefix(queue) + job.ID, pendingKey(queue)},
		priority, raw, job.ID,
	).Result()
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(queue).Inc()
	return job.ID, nil
}

// Dequeue claims the highest-priority pending job under an exclusive lease.
// Returns ErrNotFound when the queue is empty.
func (b *Bus) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*domain.Lease, error) {
	deadline := time.Now().Add(visibility)
	token := ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()

	res, err := b.dequeue.Run(ctx, b.rdb,
		[]string{pendingKey(queue), inflightKey(queue), leaseKeyPrefix(queue), jobKeyPrefix(queue)},
		deadline.Unix(), token,
	).Result()
	if err == redis.Nil || res == nil {
		return nil, fmt.Errorf("op=queue.dequeue: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.dequeue: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return nil, fmt.Errorf("op=queue.dequeue: %w", domain.ErrNotFound)
	}
	rawJob, _ := vals[1].(string)
	var job domain.Job
	if err := json.Unmarshal([]byte(rawJob), &job); err != nil {
		return nil, fmt.Errorf("op=queue.dequeue: decode job: %w", err)
	}
	return &domain.Lease{Token: token, Queue: queue, Job: job, Deadline: deadline}, nil
}

// Ack completes the lease and removes the job.
func (b *Bus) Ack(ctx context.Context, lease *domain.Lease) error {
	res, err := b.ack.Run(ctx, b.rdb,
		[]string{
			leaseKeyPrefix(lease.Queue) + lease.Job.ID,
			inflightKey(lease.Queue),
			jobKeyPrefix(lease.Queue) + lease.Job.ID,
		},
		lease.Token, lease.Job.ID,
	).Result()
	if err != nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	if toInt64(res) == 0 {
		return fmt.Errorf("op=queue.ack: %w: lease lost", domain.ErrConflict)
	}
	return nil
}

// Nack returns the job to the queue with attempts incremented. After the
// configured max attempts the job moves to the DLQ instead.
func (b *Bus) Nack(ctx context.Context, lease *domain.Lease, reason string) error {
	job := lease.Job
	job.Metadata.Attempts++
	if job.Metadata.Attempts >= b.maxAttempts {
		return b.releaseJob(ctx, lease, job, reason, false)
	}
	return b.releaseJob(ctx, lease, job, reason, true)
}

// Reject moves a malformed job straight to the DLQ without further attempts.
func (b *Bus) Reject(ctx context.Context, lease *domain.Lease, reason string) error {
	return b.releaseJob(ctx, lease, lease.Job, reason, false)
}

func (b *Bus) releaseJob(ctx context.Context, lease *domain.Lease, job domain.Job, reason string, requeue bool) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=queue.release: %w", err)
	}
	mode := "dlq"
	var dlqRaw []byte
	if requeue {
		mode = "requeue"
	} else {
		dlqRaw, err = json.Marshal(DLQEntry{Job: job, Reason: reason, MovedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("op=queue.release: %w", err)
		}
	}
	res, err := b.release.Run(ctx, b.rdb,
		[]string{
			leaseKeyPrefix(lease.Queue) + job.ID,
			inflightKey(lease.Queue),
			jobKeyPrefix(lease.Queue) + job.ID,
			seqKey(lease.Queue),
			pendingKey(lease.Queue),
			dlqKey(lease.Queue),
		},
		lease.Token, job.ID, raw, mode, job.Metadata.Priority, dlqRaw,
	).Result()
	if err != nil {
		return fmt.Errorf("op=queue.release: %w", err)
	}
	if toInt64(res) == 0 {
		return fmt.Errorf("op=queue.release: %w: lease lost", domain.ErrConflict)
	}
	if !requeue {
		observability.JobsDLQTotal.WithLabelValues(lease.Queue).Inc()
	}
	return nil
}

// Complete persists the JobResult with the configured TTL.
func (b *Bus) Complete(ctx context.Context, jobID string, result domain.JobResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	at := result.ProducedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, resultKey(jobID), raw, b.resultTTL)
	pipe.ZAdd(ctx, recentResultsKey, redis.Z{Score: float64(at.UnixNano()), Member: jobID})
	pipe.ZRemRangeByRank(ctx, recentResultsKey, 0, -(recentResultsMax + 1))
	pipe.Expire(ctx, recentResultsKey, b.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	return nil
}

// CompletedResults lists up to limit recent results, newest first. Entries
// whose result key already expired are skipped.
func (b *Bus) CompletedResults(ctx context.Context, limit int) ([]domain.JobResult, error) {
	if limit <= 0 || limit > recentResultsMax {
		limit = recentResultsMax
	}
	ids, err := b.rdb.ZRevRange(ctx, recentResultsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.completed_results: %w", err)
	}
	results := make([]domain.JobResult, 0, len(ids))
	for _, id := range ids {
		res, err := b.Result(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Result loads a persisted JobResult.
func (b *Bus) Result(ctx context.Context, jobID string) (domain.JobResult, error) {
	raw, err := b.rdb.Get(ctx, resultKey(jobID)).Bytes()
	if err == redis.Nil {
		return domain.JobResult{}, fmt.Errorf("op=queue.result: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("op=queue.result: %w", err)
	}
	var res domain.JobResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.JobResult{}, fmt.Errorf("op=queue.result: %w", err)
	}
	return res, nil
}

// Stats snapshots queue depth for backpressure and readiness.
func (b *Bus) Stats(ctx context.Context, queue string) (domain.QueueStats, error) {
	pipe := b.rdb.Pipeline()
	pending := pipe.ZCard(ctx, pendingKey(queue))
	inflight := pipe.ZCard(ctx, inflightKey(queue))
	dlq := pipe.LLen(ctx, dlqKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	return domain.QueueStats{
		Pending:  pending.Val(),
		InFlight: inflight.Val(),
		DLQ:      dlq.Val(),
	}, nil
}

// RequeueExpired returns expired leases to pending (or DLQ past max
// attempts). The sweeper calls this periodically for every queue.
func (b *Bus) RequeueExpired(ctx context.Context, queue string) (int, error) {
	res, err := b.expired.Run(ctx, b.rdb,
		[]string{
			inflightKey(queue),
			leaseKeyPrefix(queue),
			jobKeyPrefix(queue),
			dlqKey(queue),
			seqKey(queue),
			pendingKey(queue),
		},
		time.Now().Unix(), b.maxAttempts,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.requeue_expired: %w", err)
	}
	return int(toInt64(res)), nil
}

// DLQEntries returns up to limit dead-lettered jobs for inspection.
func (b *Bus) DLQEntries(ctx context.Context, queue string, limit int64) ([]DLQEntry, error) {
	raws, err := b.rdb.LRange(ctx, dlqKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.dlq_entries: %w", err)
	}
	entries := make([]DLQEntry, 0, len(raws))
	for _, r := range raws {
		var e DLQEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
