package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"docflow/internal/sqlstore"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// lockClause is appended to the lease candidate query.
	lockClause string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", lockClause: " FOR UPDATE SKIP LOCKED", numbered: true}
)

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var jobSchema = []string{
	`CREATE TABLE IF NOT EXISTS docflow_jobs (
    id               TEXT PRIMARY KEY,
    queue            TEXT NOT NULL,
    name             TEXT NOT NULL,
    payload          TEXT NOT NULL,
    state            TEXT NOT NULL,
    attempts         INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER NOT NULL,
    backoff_ms       BIGINT NOT NULL,
    progress         INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    result           TEXT NOT NULL DEFAULT '',
    lease_owner      TEXT NOT NULL DEFAULT '',
    lease_expires_at BIGINT NOT NULL DEFAULT 0,
    not_before       BIGINT NOT NULL,
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL,
    finished_at      BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_docflow_jobs_ready ON docflow_jobs (queue, state, not_before)`,
}

const jobSchemaVersion = 1

const jobColumns = "id, queue, name, payload, state, attempts, max_attempts, backoff_ms, progress, error, result, lease_owner, lease_expires_at, not_before, created_at, updated_at, finished_at"

// SQLQueue stores jobs in a relational table. SQLite serializes writers
// through a single connection; Postgres claims rows with SKIP LOCKED.
type SQLQueue struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// OpenSQLite opens the queue database file at path.
func OpenSQLite(path string) (*SQLQueue, error) {
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	schema := strings.Join(jobSchema, ";\n") + ";"
	if err := sqlstore.Migrate(context.Background(), db, "docflow_jobs", jobSchemaVersion, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newSQLQueue(db, sqliteDialect), nil
}

// OpenPostgres connects through the pgx stdlib driver and creates the table.
func OpenPostgres(ctx context.Context, dsn string) (*SQLQueue, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	for _, stmt := range jobSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, unavailable("create schema", err)
		}
	}
	return newSQLQueue(db, postgresDialect), nil
}

func newSQLQueue(db *sql.DB, d dialect) *SQLQueue {
	return &SQLQueue{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source. Intended for tests.
func (q *SQLQueue) SetClock(now func() time.Time) {
	q.now = now
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func encodePayload(p Payload) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(data), nil
}

func decodePayload(raw string) (Payload, error) {
	if raw == "" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job                                Job
		state, payload, result             string
		backoffMS, leaseExpires, notBefore int64
		createdAt, updatedAt, finishedAt   int64
	)
	if err := scanner.Scan(
		&job.ID, &job.Queue, &job.Name, &payload, &state,
		&job.Attempts, &job.MaxAttempts, &backoffMS, &job.Progress,
		&job.Error, &result, &job.LeaseOwner, &leaseExpires, &notBefore,
		&createdAt, &updatedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if job.Payload, err = decodePayload(payload); err != nil {
		return nil, err
	}
	if job.Result, err = decodePayload(result); err != nil {
		return nil, err
	}
	job.State = State(state)
	job.Backoff = Backoff{Type: backoffExponential, Delay: time.Duration(backoffMS) * time.Millisecond}
	job.LeaseExpiresAt = fromNanos(leaseExpires)
	job.NotBefore = fromNanos(notBefore)
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	if finishedAt != 0 {
		finished := fromNanos(finishedAt)
		job.FinishedAt = &finished
	}
	return &job, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (q *SQLQueue) get(ctx context.Context, db queryer, jobID string, lock bool) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM docflow_jobs WHERE id = ?`
	if lock && q.dialect.numbered {
		query += " FOR UPDATE"
	}
	job, err := scanJob(db.QueryRowContext(ctx, q.dialect.rebind(query), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (q *SQLQueue) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return sqlstore.InTx(ctx, q.db, fn)
}

func (q *SQLQueue) Enqueue(ctx context.Context, queue, name string, payload Payload, opts Options) (string, error) {
	opts = normalizeOptions(opts)
	encoded, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	now := nanos(q.now())
	_, err = q.db.ExecContext(ctx, q.dialect.rebind(
		`INSERT INTO docflow_jobs (id, queue, name, payload, state, attempts, max_attempts, backoff_ms, not_before, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
         ON CONFLICT (id) DO NOTHING`),
		opts.JobID, queue, name, encoded, string(StateWaiting),
		opts.MaxAttempts, opts.Backoff.Delay.Milliseconds(), now, now, now,
	)
	if err != nil {
		return "", unavailable("enqueue", err)
	}
	return opts.JobID, nil
}

func (q *SQLQueue) Lease(ctx context.Context, queue, owner string, ttl time.Duration) (*Job, error) {
	var leased *Job
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		now := q.now()
		ts := nanos(now)
		if _, err := tx.ExecContext(ctx, q.dialect.rebind(
			`UPDATE docflow_jobs
             SET state = ?, error = ?, lease_owner = '', finished_at = ?, updated_at = ?
             WHERE queue = ? AND state = ? AND lease_expires_at <= ? AND attempts >= max_attempts`),
			string(StateFailed), reclaimExhaustedCause, ts, ts, queue, string(StateActive), ts,
		); err != nil {
			return err
		}

		var id string
		err := tx.QueryRowContext(ctx, q.dialect.rebind(
			`SELECT id FROM docflow_jobs
             WHERE queue = ? AND (
                 (state IN (?, ?) AND not_before <= ?) OR
                 (state = ? AND lease_expires_at <= ?)
             )
             ORDER BY not_before, created_at, id
             LIMIT 1`+q.dialect.lockClause),
			queue, string(StateWaiting), string(StateDelayed), ts, string(StateActive), ts,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, q.dialect.rebind(
			`UPDATE docflow_jobs
             SET state = ?, attempts = attempts + 1, lease_owner = ?, lease_expires_at = ?, updated_at = ?
             WHERE id = ?`),
			string(StateActive), owner, nanos(now.Add(ttl)), ts, id,
		); err != nil {
			return err
		}
		leased, err = q.get(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, unavailable("lease", err)
	}
	return leased, nil
}

// updateOwned runs an owner-guarded UPDATE and classifies a miss.
func (q *SQLQueue) updateOwned(ctx context.Context, operation, jobID, owner, set string, args ...any) error {
	query := q.dialect.rebind(`UPDATE docflow_jobs SET ` + set + ` WHERE id = ? AND state = ? AND lease_owner = ?`)
	args = append(args, jobID, string(StateActive), owner)
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(operation, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(operation, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := q.get(ctx, q.db, jobID, false); err != nil {
		return unavailable(operation, err)
	}
	return ErrLeaseLost
}

func (q *SQLQueue) Extend(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	now := q.now()
	return q.updateOwned(ctx, "extend", jobID, owner,
		"lease_expires_at = ?, updated_at = ?", nanos(now.Add(ttl)), nanos(now))
}

func (q *SQLQueue) Progress(ctx context.Context, jobID, owner string, percent int) error {
	p := clampPercent(percent)
	return q.updateOwned(ctx, "progress", jobID, owner,
		"progress = CASE WHEN progress < ? THEN ? ELSE progress END, updated_at = ?", p, p, nanos(q.now()))
}

func (q *SQLQueue) Ack(ctx context.Context, jobID, owner string, result Payload) error {
	encoded, err := encodePayload(result)
	if err != nil {
		return err
	}
	ts := nanos(q.now())
	return q.updateOwned(ctx, "ack", jobID, owner,
		"state = ?, progress = 100, result = ?, lease_owner = '', finished_at = ?, updated_at = ?",
		string(StateCompleted), encoded, ts, ts)
}

func (q *SQLQueue) Nack(ctx context.Context, jobID, owner, cause string, retryable bool) (State, error) {
	var next State
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		job, err := q.get(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if job.State != StateActive || job.LeaseOwner != owner {
			return ErrLeaseLost
		}
		now := q.now()
		ts := nanos(now)
		if retryable && job.Attempts < job.MaxAttempts {
			next = StateDelayed
			_, err = tx.ExecContext(ctx, q.dialect.rebind(
				`UPDATE docflow_jobs SET state = ?, error = ?, lease_owner = '', not_before = ?, updated_at = ? WHERE id = ?`),
				string(next), cause, nanos(now.Add(RetryDelay(job.Backoff.Delay, job.Attempts))), ts, jobID,
			)
			return err
		}
		next = StateFailed
		_, err = tx.ExecContext(ctx, q.dialect.rebind(
			`UPDATE docflow_jobs SET state = ?, error = ?, lease_owner = '', finished_at = ?, updated_at = ? WHERE id = ?`),
			string(next), cause, ts, ts, jobID,
		)
		return err
	})
	if err != nil {
		return "", unavailable("nack", err)
	}
	return next, nil
}

func (q *SQLQueue) Status(ctx context.Context, queue, jobID string) (Status, error) {
	job, err := q.get(ctx, q.db, jobID, false)
	if err != nil {
		return Status{}, unavailable("status", err)
	}
	if job.Queue != queue {
		return Status{}, ErrJobNotFound
	}
	return job.Status(), nil
}

func (q *SQLQueue) Retry(ctx context.Context, queue, jobID string) (bool, error) {
	job, err := q.get(ctx, q.db, jobID, false)
	if err != nil {
		return false, unavailable("retry", err)
	}
	if job.Queue != queue {
		return false, ErrJobNotFound
	}
	ts := nanos(q.now())
	res, err := q.db.ExecContext(ctx, q.dialect.rebind(
		`UPDATE docflow_jobs
         SET state = ?, attempts = 0, progress = 0, error = '', finished_at = 0, not_before = ?, updated_at = ?
         WHERE id = ? AND state = ?`),
		string(StateWaiting), ts, ts, jobID, string(StateFailed),
	)
	if err != nil {
		return false, unavailable("retry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("retry", err)
	}
	return n > 0, nil
}

func (q *SQLQueue) Ping(ctx context.Context) error {
	return unavailable("ping", q.db.PingContext(ctx))
}

func (q *SQLQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

var _ Queue = (*SQLQueue)(nil)
