// Package bbolt provides a BoltDB-backed record store, used as the
// editor-side draft cache so unsaved work survives process restarts.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caseforge/caseforge/internal/records/domain"
	"github.com/caseforge/caseforge/internal/records/storage"
	"go.etcd.io/bbolt"
)

const recordBucket = "records"

// Store provides a BoltDB-backed record store.
type Store struct {
	db    *bbolt.DB
	clock func() time.Time
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db, clock: time.Now}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordBucket)); err != nil {
			return fmt.Errorf("create record bucket: %w", err)
		}
		return nil
	})
}

// Put inserts or replaces a record wholesale.
func (s *Store) Put(ctx context.Context, record domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	now := s.clock().UTC()
	if record.Version == 0 {
		record.Version = 1
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucket))
		if bucket == nil {
			return fmt.Errorf("record bucket is missing")
		}
		return bucket.Put([]byte(record.ID), payload)
	})
}

// Get fetches a record by id.
func (s *Store) Get(ctx context.Context, id string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if s == nil || s.db == nil {
		return domain.Record{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return domain.Record{}, fmt.Errorf("record id is required")
	}

	var record domain.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucket))
		if bucket == nil {
			return fmt.Errorf("record bucket is missing")
		}
		payload := bucket.Get([]byte(id))
		if payload == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(payload, &record)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Record{}, storage.ErrNotFound
		}
		return domain.Record{}, fmt.Errorf("get record: %w", err)
	}
	return record, nil
}

// Update replaces a record's fields iff the stored version matches. The
// version check and write share one transaction.
func (s *Store) Update(ctx context.Context, record domain.Record, expectedVersion int64) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if s == nil || s.db == nil {
		return domain.Record{}, fmt.Errorf("storage is not configured")
	}
	if err := record.Validate(); err != nil {
		return domain.Record{}, err
	}

	var stored domain.Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucket))
		if bucket == nil {
			return fmt.Errorf("record bucket is missing")
		}
		payload := bucket.Get([]byte(record.ID))
		if payload == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(payload, &stored); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		if stored.Version != expectedVersion {
			return storage.ErrVersionConflict
		}

		stored.Fields = record.Fields
		stored.Version++
		stored.UpdatedAt = s.clock().UTC()
		next, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		return bucket.Put([]byte(record.ID), next)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrVersionConflict) {
			return domain.Record{}, err
		}
		return domain.Record{}, fmt.Errorf("update record: %w", err)
	}
	return stored, nil
}

// List returns all records of one kind.
func (s *Store) List(ctx context.Context, kind domain.Kind) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	var records []domain.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucket))
		if bucket == nil {
			return fmt.Errorf("record bucket is missing")
		}
		return bucket.ForEach(func(_, payload []byte) error {
			var record domain.Record
			if err := json.Unmarshal(payload, &record); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			if record.Kind == kind {
				records = append(records, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}
