package sqlite

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
	store, err := Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	record := domain.Record{
		ID:   "npc_1",
		Kind: domain.KindNPC,
		Fields: map[string]any{
			"name":   "Ada Crane",
			"motive": "revenge",
			"background": map[string]any{
				"occupation": "chemist",
			},
		},
	}
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "npc_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1 for new record, got %d", got.Version)
	}
	if got.Fields["name"] != "Ada Crane" {
		t.Fatalf("fields corrupted: %v", got.Fields)
	}
	background, ok := got.Fields["background"].(map[string]any)
	if !ok || background["occupation"] != "chemist" {
		t.Fatalf("nested fields corrupted: %v", got.Fields["background"])
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestGetMissingRecord(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	record := domain.Record{ID: "clue_1", Kind: domain.KindClue, Fields: map[string]any{"label": "knife"}}
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("put: %v", err)
	}

	record.Fields = map[string]any{"label": "bloodied knife"}
	stored, err := store.Update(ctx, record, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("expected version 2, got %d", stored.Version)
	}
	if stored.Fields["label"] != "bloodied knife" {
		t.Fatalf("update lost fields: %v", stored.Fields)
	}
}

func TestUpdateDetectsVersionConflict(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	record := domain.Record{ID: "clue_1", Kind: domain.KindClue, Fields: map[string]any{"label": "knife"}}
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Update(ctx, record, 1); err != nil {
		t.Fatalf("first update: %v", err)
	}

	if _, err := store.Update(ctx, record, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	store := openStore(t)
	record := domain.Record{ID: "ghost", Kind: domain.KindClue, Fields: map[string]any{}}
	if _, err := store.Update(context.Background(), record, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFiltersByKind(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	seed := []domain.Record{
		{ID: "scr_1", Kind: domain.KindScript, Fields: map[string]any{"title": "Act One"}},
		{ID: "scr_2", Kind: domain.KindScript, Fields: map[string]any{"title": "Act Two"}},
		{ID: "npc_1", Kind: domain.KindNPC, Fields: map[string]any{"name": "Ada"}},
	}
	for _, record := range seed {
		if err := store.Put(ctx, record); err != nil {
			t.Fatalf("put %s: %v", record.ID, err)
		}
	}

	scripts, err := store.List(ctx, domain.KindScript)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scripts) != 2 {
		t.Fatalf("expected two scripts, got %d", len(scripts))
	}
	for _, record := range scripts {
		if record.Kind != domain.KindScript {
			t.Fatalf("wrong kind in listing: %+v", record)
		}
	}
}

func TestPutValidatesRecord(t *testing.T) {
	store := openStore(t)
	record := domain.Record{ID: "x", Kind: "poem", Fields: map[string]any{}}
	if err := store.Put(context.Background(), record); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	record = domain.Record{Kind: domain.KindScript}
	if err := store.Put(context.Background(), record); !errors.Is(err, domain.ErrEmptyID) {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}
