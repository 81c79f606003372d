// Package service implements record-level optimistic concurrency: saves go
// through a fetch, three-way merge and compare-and-set update, so a writer
// never silently clobbers a concurrently persisted change.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/caseforge/caseforge/internal/collab/merge"
	"github.com/caseforge/caseforge/internal/records/domain"
	"github.com/caseforge/caseforge/internal/records/storage"
)

// maxSaveAttempts bounds compare-and-set retries under write contention.
const maxSaveAttempts = 3

// SaveOutcome reports what a save did. When Merged is true the persisted
// fields came out of a three-way merge and Merge carries the full report,
// including conflicts the remote-wins policy auto-resolved, which callers
// should surface to the user rather than discard.
type SaveOutcome struct {
	Record domain.Record
	Merge  merge.Result
	Merged bool
}

// Saver persists records with optimistic concurrency over a RecordStore.
type Saver struct {
	store storage.RecordStore
}

// NewSaver creates a Saver over the given store.
func NewSaver(store storage.RecordStore) *Saver {
	return &Saver{store: store}
}

// Save persists local edits to a record. base is the snapshot the edits
// started from; when the stored record moved past it, the remote state is
// merged in field by field before writing.
func (s *Saver) Save(ctx context.Context, base, local domain.Record) (SaveOutcome, error) {
	if s == nil || s.store == nil {
		return SaveOutcome{}, fmt.Errorf("record store is not configured")
	}
	if err := local.Validate(); err != nil {
		return SaveOutcome{}, err
	}

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		remote, err := s.store.Get(ctx, local.ID)
		if errors.Is(err, storage.ErrNotFound) {
			if err := s.store.Put(ctx, local); err != nil {
				return SaveOutcome{}, fmt.Errorf("create record: %w", err)
			}
			stored, err := s.store.Get(ctx, local.ID)
			if err != nil {
				return SaveOutcome{}, fmt.Errorf("read back created record: %w", err)
			}
			return SaveOutcome{Record: stored}, nil
		}
		if err != nil {
			return SaveOutcome{}, fmt.Errorf("fetch record: %w", err)
		}

		if remote.Version == base.Version {
			stored, err := s.store.Update(ctx, local, base.Version)
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return SaveOutcome{}, fmt.Errorf("update record: %w", err)
			}
			return SaveOutcome{Record: stored}, nil
		}

		result := merge.Merge(base.Fields, local.Fields, remote.Fields)
		candidate := remote.Clone()
		candidate.Fields = result.Merged
		stored, err := s.store.Update(ctx, candidate, remote.Version)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return SaveOutcome{}, fmt.Errorf("update merged record: %w", err)
		}
		return SaveOutcome{Record: stored, Merge: result, Merged: true}, nil
	}
	return SaveOutcome{}, fmt.Errorf("save record %q: %w", local.ID, storage.ErrVersionConflict)
}

// Refresh fetches the latest stored record and merges it against unsaved
// local edits without persisting, for periodic or event-driven refreshes.
// The returned record is the fetched remote state.
func (s *Saver) Refresh(ctx context.Context, base, local domain.Record) (domain.Record, merge.Result, error) {
	if s == nil || s.store == nil {
		return domain.Record{}, merge.Result{}, fmt.Errorf("record store is not configured")
	}
	remote, err := s.store.Get(ctx, local.ID)
	if err != nil {
		return domain.Record{}, merge.Result{}, fmt.Errorf("fetch record: %w", err)
	}
	if remote.Version == base.Version {
		// Nothing moved; merging against remote would be a no-op.
		return remote, merge.Merge(base.Fields, local.Fields, nil), nil
	}
	return remote, merge.Merge(base.Fields, local.Fields, remote.Fields), nil
}
