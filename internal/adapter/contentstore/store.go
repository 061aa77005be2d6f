// Package contentstore implements the SHA-256 content-addressable dedup store
// that fronts all scraper output. Byte-identical payloads share one entry and
// therefore pay the LLM cost exactly once.
package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/domain"
)

const (
	entryKeyPrefix    = "content:entry:"
	blobKeyPrefix     = "content:blob:"
	observerKeyPrefix = "content:observers:"
)

// storeScript performs the check-and-insert as a single atomic step. It
// returns {1} when the entry is new, or {0, existing_job_id} on a duplicate.
const storeScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  local job = redis.call("HGET", KEYS[1], "job_id")
  return {0, job or ""}
end
redis.call("HSET", KEYS[1],
  "first_scraper_id", ARGV[1],
  "created_at", ARGV[2],
  "content_type", ARGV[3],
  "size", ARGV[4],
  "job_id", "")
redis.call("SET", KEYS[2], ARGV[5])
return {1, ""}
`

// attachScript sets job_id only if the entry exists and has no job yet.
const attachScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local job = redis.call("HGET", KEYS[1], "job_id")
if job == false or job == "" or job == ARGV[1] then
  redis.call("HSET", KEYS[1], "job_id", ARGV[1])
  return 1
end
return 0
`

// Store is the Redis-backed content store.
type Store struct {
	rdb     redis.UniversalClient
	enabled bool
	store   *redis.Script
	attach  *redis.Script
}

// New constructs a Store. When enabled is false every payload is reported as
// new, which disables dedup without changing the caller contract.
func New(rdb redis.UniversalClient, enabled bool) *Store {
	return &Store{
		rdb:     rdb,
		enabled: enabled,
		store:   redis.NewScript(storeScript),
		attach:  redis.NewScript(attachScript),
	}
}

// Canonicalize produces the bytes that are hashed. JSON payloads are
// compacted so formatting differences do not defeat dedup; anything else is
// hashed as-is.
func Canonicalize(payload []byte) []byte {
	if json.Valid(payload) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err == nil {
			return buf.Bytes()
		}
	}
	return payload
}

// HashPayload returns the hex SHA-256 of the canonicalized payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(Canonicalize(payload))
	return hex.EncodeToString(sum[:])
}

// Store hashes payload and inserts the entry iff the hash is unseen. Store
// failures are fatal to the submission; callers must not enqueue on error.
func (s *Store) Store(ctx context.Context, payload []byte, scraperID string) (domain.StoreResult, error) {
	tracer := otel.Tracer("contentstore")
	ctx, span := tracer.Start(ctx, "contentstore.Store")
	defer span.End()

	canonical := Canonicalize(payload)
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])

	if !s.enabled {
		return domain.StoreResult{Hash: hash, IsNew: true}, nil
	}

	ctype := mimetype.Detect(canonical).String()
	res, err := s.store.Run(ctx, s.rdb,
		[]string{entryKeyPrefix + hash, blobKeyPrefix + hash},
		scraperID,
		time.Now().UTC().Format(time.RFC3339Nano),
		ctype,
		len(canonical),
		canonical,
	).Result()
	if err != nil {
		return domain.StoreResult{}, fmt.Errorf("op=contentstore.store: %w: %w", domain.ErrStore, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return domain.StoreResult{}, fmt.Errorf("op=contentstore.store: %w: unexpected script result", domain.ErrStore)
	}
	isNew := toInt64(vals[0]) == 1
	existingJob, _ := vals[1].(string)

	if isNew {
		observability.ContentStoreTotal.WithLabelValues("new").Inc()
	} else {
		observability.ContentStoreTotal.WithLabelValues("duplicate").Inc()
	}
	return domain.StoreResult{Hash: hash, IsNew: isNew, ExistingJobID: existingJob}, nil
}

// LookupJob returns the job id attached to hash, or ErrNotFound when the
// entry is missing or has no job yet.
func (s *Store) LookupJob(ctx context.Context, hash string) (string, error) {
	job, err := s.rdb.HGet(ctx, entryKeyPrefix+hash, "job_id").Result()
	if err == redis.Nil {
		return "", fmt.Errorf("op=contentstore.lookup_job: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=contentstore.lookup_job: %w", err)
	}
	if job == "" {
		return "", fmt.Errorf("op=contentstore.lookup_job: %w", domain.ErrNotFound)
	}
	return job, nil
}

// AttachJob records that this content produced this job. Attaching the same
// job twice is a no-op; attaching to a missing entry is ErrNotFound. A lost
// attach is tolerated upstream (at worst redundant LLM work).
func (s *Store) AttachJob(ctx context.Context, hash, jobID string) error {
	res, err := s.attach.Run(ctx, s.rdb, []string{entryKeyPrefix + hash}, jobID).Result()
	if err != nil {
		return fmt.Errorf("op=contentstore.attach_job: %w", err)
	}
	if toInt64(res) == -1 {
		return fmt.Errorf("op=contentstore.attach_job: %w", domain.ErrNotFound)
	}
	return nil
}

// RegisterObserver parks one scraper's sighting of existing content. The
// alignment stage drains the list when the content's document is produced and
// replays each sighting downstream.
func (s *Store) RegisterObserver(ctx context.Context, hash string, obs domain.Observation) error {
	if !s.enabled {
		return nil
	}
	raw, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("op=contentstore.register_observer: %w", err)
	}
	if err := s.rdb.RPush(ctx, observerKeyPrefix+hash, raw).Err(); err != nil {
		return fmt.Errorf("op=contentstore.register_observer: %w", err)
	}
	return nil
}

// TakeObservers drains the parked sightings for a hash in arrival order.
// Unreadable entries are dropped rather than wedging the drain.
func (s *Store) TakeObservers(ctx context.Context, hash string) ([]domain.Observation, error) {
	if !s.enabled {
		return nil, nil
	}
	key := observerKeyPrefix + hash
	pipe := s.rdb.TxPipeline()
	list := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("op=contentstore.take_observers: %w", err)
	}
	raws := list.Val()
	out := make([]domain.Observation, 0, len(raws))
	for _, r := range raws {
		var obs domain.Observation
		if err := json.Unmarshal([]byte(r), &obs); err != nil {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// Payload returns the stored canonical blob.
func (s *Store) Payload(ctx context.Context, hash string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, blobKeyPrefix+hash).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("op=contentstore.payload: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=contentstore.payload: %w", err)
	}
	return b, nil
}

// Entry loads the index record for a hash.
func (s *Store) Entry(ctx context.Context, hash string) (domain.ContentEntry, error) {
	m, err := s.rdb.HGetAll(ctx, entryKeyPrefix+hash).Result()
	if err != nil {
		return domain.ContentEntry{}, fmt.Errorf("op=contentstore.entry: %w", err)
	}
	if len(m) == 0 {
		return domain.ContentEntry{}, fmt.Errorf("op=contentstore.entry: %w", domain.ErrNotFound)
	}
	e := domain.ContentEntry{
		Hash:           hash,
		FirstScraperID: m["first_scraper_id"],
		JobID:          m["job_id"],
		ContentType:    m["content_type"],
	}
	if t, err := time.Parse(time.RFC3339Nano, m["created_at"]); err == nil {
		e.CreatedAt = t
	}
	fmt.Sscanf(m["size"], "%d", &e.Size)
	return e, nil
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
