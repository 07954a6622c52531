package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"docflow/internal/stage"
)

const (
	badgerRecordPrefix    = "ledger/record/"
	badgerConflictRetries = 8
	badgerGCDiscardRatio  = 0.5
)

// BadgerStore persists records in an embedded BadgerDB. Entries carry a
// native TTL so expired records disappear without a scan.
type BadgerStore struct {
	db       *badger.DB
	hub      *Hub
	logger   *slog.Logger
	inMemory bool
}

// badgerLogger adapts slog.Logger to the badger.Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadgerStore opens (creating if needed) a ledger directory. An empty dir
// opens an in-memory database.
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}
	return &BadgerStore{db: db, hub: NewHub(), logger: logger, inMemory: dir == ""}, nil
}

func badgerKey(documentID string) []byte {
	return []byte(badgerRecordPrefix + documentID)
}

func badgerGet(txn *badger.Txn, documentID string) (*Record, error) {
	item, err := txn.Get(badgerKey(documentID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode ledger record: %w", err)
	}
	return &rec, nil
}

func badgerPut(txn *badger.Txn, rec *Record, now time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	entry := badger.NewEntry(badgerKey(rec.DocumentID), data)
	if !rec.ExpiresAt.IsZero() {
		ttl := rec.ExpiresAt.Sub(now)
		if ttl < time.Second {
			ttl = time.Second
		}
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

// mutate runs fn inside a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) mutate(ctx context.Context, documentID string, fn func(rec *Record, now time.Time) (bool, error)) (*Record, bool, error) {
	var (
		out     *Record
		changed bool
	)
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		var fnErr error
		err := s.db.Update(func(txn *badger.Txn) error {
			now := time.Now().UTC()
			rec, err := badgerGet(txn, documentID)
			if err != nil {
				return err
			}
			if rec.Expired(now) {
				return ErrNotFound
			}
			changed, fnErr = fn(rec, now)
			out = rec
			if fnErr != nil || !changed {
				return nil
			}
			return badgerPut(txn, rec, now)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return out, changed, fnErr
	}
	return nil, false, fmt.Errorf("ledger update %s: %w", documentID, badger.ErrConflict)
}

func (s *BadgerStore) Create(ctx context.Context, doc Document, ttl time.Duration) (*Record, error) {
	var out *Record
	err := s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		existing, err := badgerGet(txn, doc.ID)
		if err == nil && !existing.Expired(now) {
			out = existing
			return nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		out = NewRecord(doc, now, ttl)
		return badgerPut(txn, out, now)
	})
	if err != nil {
		return nil, fmt.Errorf("create ledger record: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) UpdateStage(ctx context.Context, documentID string, name stage.Name, u Update) (*Record, error) {
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

func (s *BadgerStore) Read(_ context.Context, documentID string) (*Record, error) {
	var out *Record
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := badgerGet(txn, documentID)
		if err != nil {
			return err
		}
		if rec.Expired(time.Now().UTC()) {
			return ErrNotFound
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Finalize(ctx context.Context, documentID string, abortedAt stage.Name, ttl time.Duration) (*Record, error) {
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

func (s *BadgerStore) scan(fn func(rec *Record) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerRecordPrefix)
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var rec Record
			if err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode ledger record: %w", err)
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) ListActive(_ context.Context) ([]string, error) {
	now := time.Now().UTC()
	var ids []string
	err := s.scan(func(rec *Record) error {
		if !rec.Finalized() && !rec.Expired(now) {
			ids = append(ids, rec.DocumentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Reap removes records whose ExpiresAt passed but whose badger TTL has not
// fired yet, then runs value-log garbage collection.
func (s *BadgerStore) Reap(_ context.Context, now time.Time) (int, error) {
	var expired []string
	if err := s.scan(func(rec *Record) error {
		if rec.Expired(now) {
			expired = append(expired, rec.DocumentID)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, id := range expired {
				if err := txn.Delete(badgerKey(id)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("delete expired records: %w", err)
		}
	}
	if !s.inMemory {
		for {
			if err := s.db.RunValueLogGC(badgerGCDiscardRatio); err != nil {
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Debug("badger value log gc stopped", slog.String("error", err.Error()))
				}
				break
			}
		}
	}
	return len(expired), nil
}

func (s *BadgerStore) Subscribe(ctx context.Context, documentID string) (<-chan Change, func()) {
	return s.hub.Subscribe(ctx, documentID)
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger ledger closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var (
	_ Store    = (*BadgerStore)(nil)
	_ Notifier = (*BadgerStore)(nil)
)
