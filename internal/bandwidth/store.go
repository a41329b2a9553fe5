package bandwidth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store persists one estimate per subject (viewer, device, ...).
type Store interface {
	Load(ctx context.Context, subject string) (int64, bool, error)
	Save(ctx context.Context, subject string, bps int64) error
}

// SQLStore keeps estimates in Postgres.
type SQLStore struct{ DB *sql.DB }

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS bandwidth_estimates (
  subject_id    TEXT PRIMARY KEY,
  bytes_per_sec BIGINT NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func (s *SQLStore) Save(ctx context.Context, subject string, bps int64) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO bandwidth_estimates (subject_id, bytes_per_sec, updated_at)
VALUES ($1,$2, now())
ON CONFLICT (subject_id) DO UPDATE
SET bytes_per_sec=EXCLUDED.bytes_per_sec, updated_at=now()`,
		subject, bps)
	return err
}

func (s *SQLStore) Load(ctx context.Context, subject string) (int64, bool, error) {
	var bps int64
	err := s.DB.QueryRowContext(ctx, `
SELECT bytes_per_sec FROM bandwidth_estimates WHERE subject_id=$1`, subject).Scan(&bps)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return bps, true, nil
}

var boltBucket = []byte("bandwidth")

// BoltStore keeps estimates in a local bbolt file.
type BoltStore struct{ db *bolt.DB }

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bandwidth db %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Save(_ context.Context, subject string, bps int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(subject), []byte(strconv.FormatInt(bps, 10)))
	})
}

func (s *BoltStore) Load(_ context.Context, subject string) (int64, bool, error) {
	var (
		bps int64
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(subject))
		if v == nil {
			return nil
		}
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt bandwidth value for %q: %w", subject, err)
		}
		bps, ok = n, true
		return nil
	})
	return bps, ok, err
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]int64
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{m: make(map[string]int64)} }

func (s *MemoryStore) Save(_ context.Context, subject string, bps int64) error {
	s.mu.Lock()
	s.m[subject] = bps
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, subject string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[subject]
	return v, ok, nil
}
