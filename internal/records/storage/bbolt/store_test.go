package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/caseforge/caseforge/internal/records/domain"
	"github.com/caseforge/caseforge/internal/records/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "drafts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	record := domain.Record{
		ID:     "scr_1",
		Kind:   domain.KindScript,
		Fields: map[string]any{"title": "Act One", "body": "draft text"},
	}
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "scr_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Fields["title"] != "Act One" {
		t.Fatalf("round trip corrupted record: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("updated timestamp not set")
	}
}

func TestGetMissingRecord(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateChecksVersionInOneTransaction(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	record := domain.Record{ID: "scr_1", Kind: domain.KindScript, Fields: map[string]any{"title": "Act One"}}
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("put: %v", err)
	}

	record.Fields = map[string]any{"title": "Act One, Revised"}
	stored, err := store.Update(ctx, record, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("expected version 2, got %d", stored.Version)
	}

	if _, err := store.Update(ctx, record, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := store.Update(ctx, domain.Record{ID: "ghost", Kind: domain.KindScript}, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFiltersByKind(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	seed := []domain.Record{
		{ID: "scr_1", Kind: domain.KindScript, Fields: map[string]any{"title": "Act One"}},
		{ID: "clue_1", Kind: domain.KindClue, Fields: map[string]any{"label": "knife"}},
	}
	for _, record := range seed {
		if err := store.Put(ctx, record); err != nil {
			t.Fatalf("put %s: %v", record.ID, err)
		}
	}

	clues, err := store.List(ctx, domain.KindClue)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(clues) != 1 || clues[0].ID != "clue_1" {
		t.Fatalf("unexpected clue listing: %+v", clues)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drafts.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	record := domain.Record{ID: "scr_1", Kind: domain.KindScript, Fields: map[string]any{"title": "Act One"}}
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	got, err := reopened.Get(ctx, "scr_1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Fields["title"] != "Act One" {
		t.Fatalf("draft lost across reopen: %+v", got)
	}
}
