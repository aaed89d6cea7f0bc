package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/presence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cache, err := presence.NewCache[models.Record]("", "test:", time.Minute)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	store, err := New(Config{BasePath: t.TempDir(), NodeID: "node-a", NodeName: "Node A"}, nil, nil, cache)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStoreThenRetrieveByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Store(ctx, models.Record{Kind: models.RecordKindDream, Content: "flying over mountains"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if rec.RecordID == "" {
		t.Fatal("expected a generated record_id")
	}
	if rec.AuthorNodeID != "node-a" {
		t.Fatalf("expected author_node_id to default to node identity, got %q", rec.AuthorNodeID)
	}

	got, err := store.Retrieve(ctx, Query{RecordID: rec.RecordID})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Content != "flying over mountains" {
		t.Fatalf("unexpected retrieve result: %+v", got)
	}
}

func TestRetrieveByKindSortedNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Store(ctx, models.Record{Kind: models.RecordKindReflection, Content: "first"})
	if err != nil {
		t.Fatalf("Store first: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := store.Store(ctx, models.Record{Kind: models.RecordKindReflection, Content: "second"})
	if err != nil {
		t.Fatalf("Store second: %v", err)
	}

	got, err := store.Retrieve(ctx, Query{Kind: models.RecordKindReflection})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].RecordID != second.RecordID || got[1].RecordID != first.RecordID {
		t.Fatalf("expected newest-first ordering, got %+v", got)
	}
}

func TestRetrieveFiltersByTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Store(ctx, models.Record{Kind: models.RecordKindExperience, Content: "a", Tags: []string{"alpha"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := store.Store(ctx, models.Record{Kind: models.RecordKindExperience, Content: "b", Tags: []string{"beta"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := store.Retrieve(ctx, Query{Kind: models.RecordKindExperience, Tags: []string{"alpha"}})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Content != "a" {
		t.Fatalf("expected only the alpha-tagged record, got %+v", got)
	}
}

func TestUpdateRequiresExistingRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, models.Record{RecordID: "does-not-exist", Kind: models.RecordKindDream, Content: "x"})
	if err == nil {
		t.Fatal("expected update of an unknown record_id to fail")
	}
}

func TestUpdatePreservesCreatedAtAndBumpsModifiedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Store(ctx, models.Record{Kind: models.RecordKindDream, Content: "original"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	createdAt := rec.CreatedAt

	time.Sleep(5 * time.Millisecond)
	rec.Content = "revised"
	updated, err := store.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.CreatedAt.Equal(createdAt) {
		t.Fatalf("expected created_at to be preserved across update")
	}
	if !updated.ModifiedAt.After(createdAt) {
		t.Fatal("expected modified_at to advance on update")
	}
	if updated.Content != "revised" {
		t.Fatalf("expected content to be updated, got %q", updated.Content)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Store(ctx, models.Record{Kind: models.RecordKindDream, Content: "to be deleted"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := store.Delete(ctx, rec.RecordID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Retrieve(ctx, Query{RecordID: rec.RecordID}); err == nil {
		t.Fatal("expected retrieve of a deleted record to fail")
	}
}

func TestDeleteUnknownRecordErrors(t *testing.T) {
	store := newTestStore(t)
	if err := store.Delete(context.Background(), "nope"); err == nil {
		t.Fatal("expected delete of an unknown record_id to fail")
	}
}

func TestStoreDreamAndStoreReflectionDefaultKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	emotion := &models.EmotionalVector{Joy: 0.7}

	dream, err := store.StoreDream(ctx, "a recurring dream", emotion, []string{"recurring"})
	if err != nil {
		t.Fatalf("StoreDream: %v", err)
	}
	if dream.Kind != models.RecordKindDream {
		t.Fatalf("expected kind=dream, got %q", dream.Kind)
	}

	reflection, err := store.StoreReflection(ctx, "a quiet reflection", emotion, nil)
	if err != nil {
		t.Fatalf("StoreReflection: %v", err)
	}
	if reflection.Kind != models.RecordKindReflection {
		t.Fatalf("expected kind=reflection, got %q", reflection.Kind)
	}
}

func TestRetrieveLimitDefaultsToTen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if _, err := store.Store(ctx, models.Record{Kind: models.RecordKindExperience, Content: "entry"}); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	got, err := store.Retrieve(ctx, Query{Kind: models.RecordKindExperience})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != defaultRetrieveLimit {
		t.Fatalf("expected default limit of %d, got %d", defaultRetrieveLimit, len(got))
	}
}
