// Package sqlite provides a SQLite-backed record store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caseforge/caseforge/internal/records/domain"
	"github.com/caseforge/caseforge/internal/records/storage"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	fields TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS records_kind ON records(kind);
`

// Store persists records in SQLite.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite record store at the given path, creating the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, clock: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Put inserts or replaces a record wholesale.
func (s *Store) Put(ctx context.Context, record domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}
	now := s.clock()
	version := record.Version
	if version == 0 {
		version = 1
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO records (id, kind, fields, version, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			fields = excluded.fields,
			version = excluded.version,
			updated_at_ms = excluded.updated_at_ms`,
		record.ID, string(record.Kind), string(fields), version, toMillis(createdAt), toMillis(now))
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Get fetches a record by id.
func (s *Store) Get(ctx context.Context, id string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Record{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return domain.Record{}, fmt.Errorf("record id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, kind, fields, version, created_at_ms, updated_at_ms
		FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

// Update replaces a record's fields iff the stored version matches.
func (s *Store) Update(ctx context.Context, record domain.Record, expectedVersion int64) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Record{}, fmt.Errorf("storage is not configured")
	}
	if err := record.Validate(); err != nil {
		return domain.Record{}, err
	}

	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return domain.Record{}, fmt.Errorf("marshal record fields: %w", err)
	}
	now := s.clock()

	result, err := s.sqlDB.ExecContext(ctx, `
		UPDATE records
		SET fields = ?, version = version + 1, updated_at_ms = ?
		WHERE id = ? AND version = ?`,
		string(fields), toMillis(now), record.ID, expectedVersion)
	if err != nil {
		return domain.Record{}, fmt.Errorf("update record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Record{}, fmt.Errorf("update record rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, record.ID); errors.Is(err, storage.ErrNotFound) {
			return domain.Record{}, storage.ErrNotFound
		}
		return domain.Record{}, storage.ErrVersionConflict
	}
	return s.Get(ctx, record.ID)
}

// List returns all records of one kind, newest update first.
func (s *Store) List(ctx context.Context, kind domain.Kind) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, kind, fields, version, created_at_ms, updated_at_ms
		FROM records WHERE kind = ? ORDER BY updated_at_ms DESC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []domain.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.Record, error) {
	var (
		record      domain.Record
		kind        string
		fields      string
		createdAtMs int64
		updatedAtMs int64
	)
	err := row.Scan(&record.ID, &kind, &fields, &record.Version, &createdAtMs, &updatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &record.Fields); err != nil {
		return domain.Record{}, fmt.Errorf("unmarshal record fields: %w", err)
	}
	record.Kind = domain.Kind(kind)
	record.CreatedAt = fromMillis(createdAtMs)
	record.UpdatedAt = fromMillis(updatedAtMs)
	return record, nil
}
