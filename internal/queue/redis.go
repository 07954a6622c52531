package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps each job in a hash and tracks scheduling with two sorted
// sets per queue. All state transitions run as Lua scripts so they are
// atomic with respect to other workers.
//
// Keys:
//
//	<prefix>:job:<id>              hash
//	<prefix>:queue:<name>:ready    zset scored by not_before (ms)
//	<prefix>:queue:<name>:active   zset scored by lease expiry (ms)
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "docflow"
	}
	return &RedisQueue{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenRedis connects using a redis:// URL or a bare host:port.
func OpenRedis(dsn, prefix string) (*RedisQueue, error) {
	var opts *redis.Options
	switch {
	case strings.Contains(dsn, "://"):
		parsed, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		opts = parsed
	case strings.TrimSpace(dsn) == "":
		return nil, errors.New("redis dsn is empty")
	default:
		opts = &redis.Options{Addr: dsn}
	}
	return NewRedisQueue(redis.NewClient(opts), prefix), nil
}

// SetClock overrides the time source. Intended for tests.
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *RedisQueue) jobPrefix() string { return q.prefix + ":job:" }

func (q *RedisQueue) jobKey(id string) string { return q.jobPrefix() + id }

func (q *RedisQueue) readyKey(name string) string { return q.prefix + ":queue:" + name + ":ready" }

func (q *RedisQueue) activeKey(name string) string { return q.prefix + ":queue:" + name + ":active" }

const (
	// Return codes shared by the owner-guarded scripts.
	scriptMissing  = -1
	scriptNotOwner = -2
)

const ownerGuardLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_owner') ~= ARGV[1] then
	return -2
end
`

var (
	enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'queue', ARGV[2], 'name', ARGV[3], 'payload', ARGV[4],
	'state', 'waiting', 'attempts', 0, 'max_attempts', ARGV[5], 'backoff_ms', ARGV[6],
	'progress', 0, 'error', '', 'result', '', 'lease_owner', '', 'lease_expires_at', 0,
	'not_before', ARGV[7], 'created_at', ARGV[7], 'updated_at', ARGV[7], 'finished_at', 0)
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
return 1
`)

	// KEYS: ready, active. ARGV: job key prefix, now, owner, lease expiry, exhausted cause.
	leaseScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
	local key = prefix .. id
	redis.call('ZREM', KEYS[2], id)
	if redis.call('EXISTS', key) == 1 then
		local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
		local max = tonumber(redis.call('HGET', key, 'max_attempts') or '0')
		if attempts >= max then
			redis.call('HSET', key, 'state', 'failed', 'error', ARGV[5], 'lease_owner', '', 'finished_at', now, 'updated_at', now)
		else
			redis.call('HSET', key, 'state', 'waiting', 'lease_owner', '', 'updated_at', now)
			redis.call('ZADD', KEYS[1], redis.call('HGET', key, 'not_before'), id)
		end
	end
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local key = prefix .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', key, 'state', 'active', 'lease_owner', ARGV[3], 'lease_expires_at', ARGV[4], 'updated_at', now)
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('ZADD', KEYS[2], ARGV[4], id)
return redis.call('HGETALL', key)
`)

	// KEYS: job, active. ARGV: owner, lease expiry, now, id.
	extendScript = redis.NewScript(ownerGuardLua + `
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[2], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return 1
`)

	// KEYS: job. ARGV: owner, percent, now.
	progressScript = redis.NewScript(ownerGuardLua + `
local current = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
if tonumber(ARGV[2]) > current then
	redis.call('HSET', KEYS[1], 'progress', ARGV[2], 'updated_at', ARGV[3])
end
return 1
`)

	// KEYS: job, active. ARGV: owner, result, now, id.
	ackScript = redis.NewScript(ownerGuardLua + `
redis.call('HSET', KEYS[1], 'state', 'completed', 'progress', 100, 'result', ARGV[2],
	'lease_owner', '', 'finished_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`)

	// KEYS: job, active, ready. ARGV: owner, cause, retryable, now, id.
	nackScript = redis.NewScript(ownerGuardLua + `
local now = tonumber(ARGV[4])
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts') or '0')
local delay = tonumber(redis.call('HGET', KEYS[1], 'backoff_ms') or '0')
redis.call('ZREM', KEYS[2], ARGV[5])
if ARGV[3] == '1' and attempts < max then
	local n = attempts
	if n > 30 then
		n = 30
	end
	for i = 2, n do
		delay = delay * 2
	end
	local notBefore = now + delay
	redis.call('HSET', KEYS[1], 'state', 'delayed', 'error', ARGV[2], 'lease_owner', '',
		'not_before', notBefore, 'updated_at', now)
	redis.call('ZADD', KEYS[3], notBefore, ARGV[5])
	return 'delayed'
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'error', ARGV[2], 'lease_owner', '',
	'finished_at', now, 'updated_at', now)
return 'failed'
`)

	// KEYS: job, ready. ARGV: queue, now, id.
	retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HGET', KEYS[1], 'queue') ~= ARGV[1] then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'failed' then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempts', 0, 'progress', 0, 'error', '',
	'finished_at', 0, 'not_before', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)
)

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue, name string, payload Payload, opts Options) (string, error) {
	opts = normalizeOptions(opts)
	encoded, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	now := ms(q.now())
	err = enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(opts.JobID), q.readyKey(queue)},
		opts.JobID, queue, name, encoded, opts.MaxAttempts, opts.Backoff.Delay.Milliseconds(), now,
	).Err()
	if err != nil {
		return "", unavailable("enqueue", err)
	}
	return opts.JobID, nil
}

func (q *RedisQueue) Lease(ctx context.Context, queue, owner string, ttl time.Duration) (*Job, error) {
	now := q.now()
	res, err := leaseScript.Run(ctx, q.client,
		[]string{q.readyKey(queue), q.activeKey(queue)},
		q.jobPrefix(), ms(now), owner, ms(now.Add(ttl)), reclaimExhaustedCause,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("lease", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[fmt.Sprint(res[i])] = fmt.Sprint(res[i+1])
	}
	job, err := parseJobHash(fields)
	if err != nil {
		return nil, unavailable("lease", err)
	}
	return job, nil
}

// guarded interprets the integer result of an owner-guarded script.
func guarded(operation string, res int64, err error) error {
	if err != nil {
		return unavailable(operation, err)
	}
	switch res {
	case scriptMissing:
		return ErrJobNotFound
	case scriptNotOwner:
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	queue, err := q.client.HGet(ctx, q.jobKey(jobID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return unavailable("extend", err)
	}
	now := q.now()
	res, err := extendScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.activeKey(queue)},
		owner, ms(now.Add(ttl)), ms(now), jobID,
	).Int64()
	return guarded("extend", res, err)
}

func (q *RedisQueue) Progress(ctx context.Context, jobID, owner string, percent int) error {
	res, err := progressScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID)},
		owner, clampPercent(percent), ms(q.now()),
	).Int64()
	return guarded("progress", res, err)
}

func (q *RedisQueue) Ack(ctx context.Context, jobID, owner string, result Payload) error {
	encoded, err := encodePayload(result)
	if err != nil {
		return err
	}
	queue, err := q.client.HGet(ctx, q.jobKey(jobID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return unavailable("ack", err)
	}
	res, err := ackScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.activeKey(queue)},
		owner, encoded, ms(q.now()), jobID,
	).Int64()
	return guarded("ack", res, err)
}

func (q *RedisQueue) Nack(ctx context.Context, jobID, owner, cause string, retryable bool) (State, error) {
	queue, err := q.client.HGet(ctx, q.jobKey(jobID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", unavailable("nack", err)
	}
	flag := "0"
	if retryable {
		flag = "1"
	}
	res, err := nackScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.activeKey(queue), q.readyKey(queue)},
		owner, cause, flag, ms(q.now()), jobID,
	).Result()
	if err != nil {
		return "", unavailable("nack", err)
	}
	switch v := res.(type) {
	case string:
		return State(v), nil
	case int64:
		return "", guarded("nack", v, nil)
	default:
		return "", unavailable("nack", fmt.Errorf("unexpected script result %T", res))
	}
}

func (q *RedisQueue) Status(ctx context.Context, queue, jobID string) (Status, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Status{}, unavailable("status", err)
	}
	if len(fields) == 0 || fields["queue"] != queue {
		return Status{}, ErrJobNotFound
	}
	job, err := parseJobHash(fields)
	if err != nil {
		return Status{}, unavailable("status", err)
	}
	return job.Status(), nil
}

func (q *RedisQueue) Retry(ctx context.Context, queue, jobID string) (bool, error) {
	res, err := retryScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.readyKey(queue)},
		queue, ms(q.now()), jobID,
	).Int64()
	if err != nil {
		return false, unavailable("retry", err)
	}
	if res == scriptMissing {
		return false, ErrJobNotFound
	}
	return res == 1, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return unavailable("ping", q.client.Ping(ctx).Err())
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func parseJobHash(fields map[string]string) (*Job, error) {
	num := func(key string) (int64, error) {
		raw := fields[key]
		if raw == "" {
			return 0, nil
		}
		// Lua may hand back integral floats such as "1.7e+12".
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return int64(f), nil
	}
	var values [9]int64
	keys := []string{"attempts", "max_attempts", "backoff_ms", "progress", "lease_expires_at", "not_before", "created_at", "updated_at", "finished_at"}
	for i, key := range keys {
		v, err := num(key)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	payload, err := decodePayload(fields["payload"])
	if err != nil {
		return nil, err
	}
	result, err := decodePayload(fields["result"])
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:             fields["id"],
		Queue:          fields["queue"],
		Name:           fields["name"],
		Payload:        payload,
		State:          State(fields["state"]),
		Attempts:       int(values[0]),
		MaxAttempts:    int(values[1]),
		Backoff:        Backoff{Type: backoffExponential, Delay: time.Duration(values[2]) * time.Millisecond},
		Progress:       int(values[3]),
		Error:          fields["error"],
		Result:         result,
		LeaseOwner:     fields["lease_owner"],
		LeaseExpiresAt: fromMS(values[4]),
		NotBefore:      fromMS(values[5]),
		CreatedAt:      fromMS(values[6]),
		UpdatedAt:      fromMS(values[7]),
	}
	if values[8] != 0 {
		finished := fromMS(values[8])
		job.FinishedAt = &finished
	}
	return job, nil
}

var _ Queue = (*RedisQueue)(nil)
