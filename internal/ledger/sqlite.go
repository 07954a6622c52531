package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docflow/internal/sqlstore"
	"docflow/internal/stage"
)

const sqliteLedgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_records (
    document_id TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    record_json TEXT NOT NULL,
    finalized   INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_records_active ON ledger_records (finalized, expires_at);
`

const sqliteLedgerSchemaVersion = 1

// SQLiteStore persists records as JSON rows with an expires_at column.
type SQLiteStore struct {
	db  *sql.DB
	hub *Hub
}

// OpenSQLiteStore opens the ledger database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlstore.Migrate(context.Background(), db, "ledger_records", sqliteLedgerSchemaVersion, sqliteLedgerSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, hub: NewHub()}, nil
}

func sqliteGet(ctx context.Context, tx *sql.Tx, documentID string, now time.Time) (*Record, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT record_json FROM ledger_records WHERE document_id = ? AND expires_at > ?`,
		documentID, now.UnixNano(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode ledger record: %w", err)
	}
	return &rec, nil
}

func sqlitePut(ctx context.Context, tx *sql.Tx, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	expires := rec.ExpiresAt.UnixNano()
	if rec.ExpiresAt.IsZero() {
		expires = int64(^uint64(0) >> 1)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_records (document_id, status, record_json, finalized, created_at, updated_at, expires_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(document_id) DO UPDATE SET
             status = excluded.status,
             record_json = excluded.record_json,
             finalized = excluded.finalized,
             created_at = excluded.created_at,
             updated_at = excluded.updated_at,
             expires_at = excluded.expires_at`,
		rec.DocumentID,
		string(rec.Status),
		string(data),
		boolToInt(rec.Finalized()),
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
		expires,
	)
	if err != nil {
		return fmt.Errorf("write ledger record: %w", err)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func (s *SQLiteStore) mutate(ctx context.Context, documentID string, fn func(rec *Record, now time.Time) (bool, error)) (*Record, bool, error) {
	var (
		out     *Record
		changed bool
		fnErr   error
	)
	err := sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		rec, err := sqliteGet(ctx, tx, documentID, now)
		if err != nil {
			return err
		}
		changed, fnErr = fn(rec, now)
		out = rec
		if fnErr != nil || !changed {
			return nil
		}
		return sqlitePut(ctx, tx, rec)
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, fnErr
}

func (s *SQLiteStore) Create(ctx context.Context, doc Document, ttl time.Duration) (*Record, error) {
	var out *Record
	err := sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		existing, err := sqliteGet(ctx, tx, doc.ID, now)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		out = NewRecord(doc, now, ttl)
		return sqlitePut(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) UpdateStage(ctx context.Context, documentID string, name stage.Name, u Update) (*Record, error) {
	rec, changed, err := s.mutate(ctx, documentID, func(rec *Record, now time.Time) (bool, error) {
		return Apply(rec, name, u, now)
	})
	if err != nil {
		return rec, err
	}
	if changed {
		s.hub.Publish(changeFor(rec, name))
	}
	return rec, nil
}

func (s *SQLiteStore) Read(ctx context.Context, documentID string) (*Record, error) {
	var out *Record
	err := sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		rec, err := sqliteGet(ctx, tx, documentID, time.Now().UTC())
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, documentID string, abortedAt stage.Name, ttl time.Duration) (*Record, error) {
	rec, changed, err := s.mutate(ctx, documentID, func(rec *Record, now time.Time) (bool, error) {
		return Finalize(rec, abortedAt, now, ttl), nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.hub.Publish(changeFor(rec, ""))
	}
	return rec, nil
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id FROM ledger_records WHERE finalized = 0 AND expires_at > ? ORDER BY document_id`,
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Reap(ctx context.Context, now time.Time) (int, error) {
	var removed int64
	err := sqlstore.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM ledger_records WHERE expires_at <= ?`, now.UnixNano())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reap ledger records: %w", err)
	}
	return int(removed), nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, documentID string) (<-chan Change, func()) {
	return s.hub.Subscribe(ctx, documentID)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ Store    = (*SQLiteStore)(nil)
	_ Notifier = (*SQLiteStore)(nil)
)
