package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/internal/stage"
)

const redisTxRetries = 32

// RedisStore keeps one hash per document using the flat field layout
// ({stage}_status, {stage}_progress, status, overall_progress, created_at,
// job_id, ...). Hashes expire through EXPIREAT and writes use WATCH
// transactions. Changes are published on a per-document channel so every
// process sharing the instance receives push notifications.
//
// Keys:
//
//	<prefix>:ledger:<document_id>          hash
//	<prefix>:ledger:active                 set of non-finalized ids
//	<prefix>:ledger:events:<document_id>   pub/sub channel
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "docflow"
	}
	return &RedisStore{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

// OpenRedisStore connects using a redis:// URL or a bare host:port.
func OpenRedisStore(dsn, prefix string) (*RedisStore, error) {
	opts, err := RedisOptions(dsn)
	if err != nil {
		return nil, err
	}
	return NewRedisStore(redis.NewClient(opts), prefix), nil
}

// RedisOptions parses a redis:// URL or a bare host:port.
func RedisOptions(dsn string) (*redis.Options, error) {
	if strings.Contains(dsn, "://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return opts, nil
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("redis dsn is empty")
	}
	return &redis.Options{Addr: dsn}, nil
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + ":ledger:" + documentID
}

func (s *RedisStore) activeKey() string {
	return s.prefix + ":ledger:active"
}

func (s *RedisStore) channel(documentID string) string {
	return s.prefix + ":ledger:events:" + documentID
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func encodeHash(rec *Record) (map[string]any, error) {
	doc, err := json.Marshal(rec.Document)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	fields := map[string]any{
		"document_id":      rec.DocumentID,
		"document":         string(doc),
		"status":           string(rec.Status),
		"overall_progress": rec.OverallProgress,
		"created_at":       formatTime(rec.CreatedAt),
		"updated_at":       formatTime(rec.UpdatedAt),
		"ttl_seconds":      rec.TTLSeconds,
	}
	if rec.JobID != "" {
		fields["job_id"] = rec.JobID
	}
	if rec.AbortedAt != "" {
		fields["aborted_at"] = string(rec.AbortedAt)
	}
	if rec.FinalizedAt != nil {
		fields["finalized_at"] = formatTime(*rec.FinalizedAt)
	}
	if !rec.ExpiresAt.IsZero() {
		fields["expires_at"] = formatTime(rec.ExpiresAt)
	}
	for name, sr := range rec.Stages {
		p := string(name) + "_"
		fields[p+"status"] = string(sr.Status)
		fields[p+"progress"] = sr.Progress
		if sr.JobID != "" {
			fields[p+"job_id"] = sr.JobID
		}
		if sr.Error != "" {
			fields[p+"error"] = sr.Error
		}
		if sr.QueuedAt != nil {
			fields[p+"queued_at"] = formatTime(*sr.QueuedAt)
		}
		if sr.StartedAt != nil {
			fields[p+"started_at"] = formatTime(*sr.StartedAt)
		}
		if sr.FinishedAt != nil {
			fields[p+"finished_at"] = formatTime(*sr.FinishedAt)
		}
		if len(sr.Outputs) > 0 {
			outputs, err := json.Marshal(sr.Outputs)
			if err != nil {
				return nil, fmt.Errorf("encode outputs: %w", err)
			}
			fields[p+"outputs"] = string(outputs)
		}
	}
	return fields, nil
}

func optionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeHash(values map[string]string) (*Record, error) {
	rec := &Record{
		DocumentID: values["document_id"],
		Status:     Status(values["status"]),
		JobID:      values["job_id"],
		AbortedAt:  stage.Name(values["aborted_at"]),
		Stages:     map[stage.Name]StageRecord{},
	}
	if raw := values["document"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Document); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}
	var err error
	if rec.OverallProgress, err = atoiDefault(values["overall_progress"]); err != nil {
		return nil, fmt.Errorf("decode overall_progress: %w", err)
	}
	if raw := values["ttl_seconds"]; raw != "" {
		if rec.TTLSeconds, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("decode ttl_seconds: %w", err)
		}
	}
	if rec.CreatedAt, err = parseTime(values["created_at"]); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(values["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	if rec.FinalizedAt, err = optionalTime(values["finalized_at"]); err != nil {
		return nil, fmt.Errorf("decode finalized_at: %w", err)
	}
	if expires, err := optionalTime(values["expires_at"]); err != nil {
		return nil, fmt.Errorf("decode expires_at: %w", err)
	} else if expires != nil {
		rec.ExpiresAt = *expires
	}

	for _, name := range stage.All {
		p := string(name) + "_"
		status := values[p+"status"]
		if status == "" {
			continue
		}
		sr := StageRecord{
			Status: Status(status),
			JobID:  values[p+"job_id"],
			Error:  values[p+"error"],
		}
		if sr.Progress, err = atoiDefault(values[p+"progress"]); err != nil {
			return nil, fmt.Errorf("decode %sprogress: %w", p, err)
		}
		if sr.QueuedAt, err = optionalTime(values[p+"queued_at"]); err != nil {
			return nil, fmt.Errorf("decode %squeued_at: %w", p, err)
		}
		if sr.StartedAt, err = optionalTime(values[p+"started_at"]); err != nil {
			return nil, fmt.Errorf("decode %sstarted_at: %w", p, err)
		}
		if sr.FinishedAt, err = optionalTime(values[p+"finished_at"]); err != nil {
			return nil, fmt.Errorf("decode %sfinished_at: %w", p, err)
		}
		if raw := values[p+"outputs"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &sr.Outputs); err != nil {
				return nil, fmt.Errorf("decode %soutputs: %w", p, err)
			}
		}
		rec.Stages[name] = sr
	}
	return rec, nil
}

func atoiDefault(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, rec *Record) error {
	fields, err := encodeHash(rec)
	if err != nil {
		return err
	}
	key := s.key(rec.DocumentID)
	pipe.HSet(ctx, key, fields)
	if !rec.ExpiresAt.IsZero() {
		pipe.ExpireAt(ctx, key, rec.ExpiresAt)
	}
	if rec.Finalized() {
		pipe.SRem(ctx, s.activeKey(), rec.DocumentID)
	} else {
		pipe.SAdd(ctx, s.activeKey(), rec.DocumentID)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, getter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}, documentID string, now time.Time) (*Record, error) {
	values, err := getter.HGetAll(ctx, s.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger hash: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	rec, err := decodeHash(values)
	if err != nil {
		return nil, err
	}
	if rec.Expired(now) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) mutate(ctx context.Context, documentID string, fn func(rec *Record, now time.Time) (bool, error)) (*Record, bool, error) {
	key := s.key(documentID)
	for attempt := 0; attempt < redisTxRetries; attempt++ {
		var (
			out     *Record
			changed bool
			fnErr   error
		)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := time.Now().UTC()
			rec, err := s.load(ctx, tx, documentID, now)
			if err != nil {
				return err
			}
			changed, fnErr = fn(rec, now)
			out = rec
			if fnErr != nil || !changed {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.write(ctx, pipe, rec)
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return out, changed, fnErr
	}
	return nil, false, fmt.Errorf("ledger update %s: too much contention", documentID)
}

func (s *RedisStore) publish(ctx context.Context, change Change) {
	data, err := json.Marshal(change)
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, s.channel(change.DocumentID), data).Err()
}

func (s *RedisStore) Create(ctx context.Context, doc Document, ttl time.Duration) (*Record, error) {
	key := s.key(doc.ID)
	for attempt := 0; attempt < redisTxRetries; attempt++ {
		var out *Record
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := time.Now().UTC()
			existing, err := s.load(ctx, tx, doc.ID, now)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			out = NewRecord(doc, now, ttl)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return s.write(ctx, pipe, out)
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create ledger record: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("create ledger record %s: too much contention", doc.ID)
}

func (s *RedisStore) UpdateStage(ctx context.Context, documentID string, name stage.Name, u Update) (*Record, error) {
	rec, changed, err := s.mutate(ctx, documentID, func(rec *Record, now time.Time) (bool, error) {
		return Apply(rec, name, u, now)
	})
	if err != nil {
		return rec, err
	}
	if changed {
		s.publish(ctx, changeFor(rec, name))
	}
	return rec, nil
}

func (s *RedisStore) Read(ctx context.Context, documentID string) (*Record, error) {
	return s.load(ctx, s.client, documentID, time.Now().UTC())
}

func (s *RedisStore) Finalize(ctx context.Context, documentID string, abortedAt stage.Name, ttl time.Duration) (*Record, error) {
	rec, changed, err := s.mutate(ctx, documentID, func(rec *Record, now time.Time) (bool, error) {
		return Finalize(rec, abortedAt, now, ttl), nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, changeFor(rec, ""))
	}
	return rec, nil
}

// ListActive returns members of the active set whose hash still exists.
func (s *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check active records: %w", err)
	}
	active := make([]string, 0, len(ids))
	for i, id := range ids {
		if checks[i].Val() > 0 {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active, nil
}

// Reap drops active-set members whose hash already expired. Hash expiry
// itself is handled by Redis.
func (s *RedisStore) Reap(ctx context.Context, _ time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("reap ledger: %w", err)
	}
	removed := 0
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.key(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("reap ledger: %w", err)
		}
		if n > 0 {
			continue
		}
		if err := s.client.SRem(ctx, s.activeKey(), id).Err(); err != nil {
			return removed, fmt.Errorf("reap ledger: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Subscribe listens on the document's pub/sub channel.
func (s *RedisStore) Subscribe(ctx context.Context, documentID string) (<-chan Change, func()) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(ctx, s.channel(documentID))
	out := make(chan Change, 8)
	go func() {
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					continue
				}
				select {
				case out <- change:
				default:
				}
			}
		}
	}()
	return out, func() {
		cancel()
		_ = pubsub.Close()
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ Store    = (*RedisStore)(nil)
	_ Notifier = (*RedisStore)(nil)
)
