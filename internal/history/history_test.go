package history_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"stateline/internal/domain"
	"stateline/internal/filestore"
	"stateline/internal/history"
)

func newStore(t *testing.T, maxEntries, maxCheckpoints int) (*history.Store, context.Context) {
	t.Helper()
	files := filestore.New(t.TempDir(), time.Second)
	store := history.New(files, maxEntries, maxCheckpoints)
	store.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return store, context.Background()
}

func TestHistoryChainLinks(t *testing.T) {
	store, ctx := newStore(t, 0, 0)
	first, err := store.AddEntry(ctx, domain.SectionCollect, "p1", map[string]any{"v": 1}, "first")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.PreviousID != "" {
		t.Fatalf("first entry has no predecessor, got %q", first.PreviousID)
	}
	second, err := store.AddEntry(ctx, domain.SectionCollect, "p1", map[string]any{"v": 2}, "second")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if second.PreviousID != first.ID {
		t.Fatalf("chain broken: previous=%q want %q", second.PreviousID, first.ID)
	}
	chain, err := store.GetHistory(ctx, domain.SectionCollect, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if chain.CurrentID != second.ID {
		t.Fatalf("current = %q, want %q", chain.CurrentID, second.ID)
	}
	if len(chain.Entries) != 2 || chain.Entries[0].ID != second.ID {
		t.Fatalf("entries should be newest first: %+v", chain.Entries)
	}
}

func TestHistoryTruncation(t *testing.T) {
	store, ctx := newStore(t, 5, 0)
	for i := 0; i < 8; i++ {
		if _, err := store.AddEntry(ctx, domain.SectionSpecs, "p1", i, fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	chain, err := store.GetHistory(ctx, domain.SectionSpecs, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(chain.Entries) != 5 {
		t.Fatalf("chain length = %d, want 5", len(chain.Entries))
	}
	if chain.Entries[0].Description != "entry 7" {
		t.Fatalf("newest entry should survive truncation: %+v", chain.Entries[0])
	}
}

func TestInitializeHistory(t *testing.T) {
	store, ctx := newStore(t, 0, 0)
	chain, err := store.InitializeHistory(ctx, "p1", domain.SectionCollect, nil)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(chain.Entries) != 1 {
		t.Fatalf("seeded chain should hold one entry, got %d", len(chain.Entries))
	}
	seed := chain.Entries[0]
	if seed.ID == "" || chain.CurrentID != seed.ID {
		t.Fatalf("seed entry not current: %+v", chain)
	}
	if seed.Description != "initial value" || seed.PreviousID != "" {
		t.Fatalf("unexpected seed entry: %+v", seed)
	}
	// later writes link back to the seed
	next, err := store.AddEntry(ctx, domain.SectionCollect, "p1", map[string]any{"v": 1}, "first write")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if next.PreviousID != seed.ID {
		t.Fatalf("first write should link to the seed, got %q", next.PreviousID)
	}
}

func TestMissingHistoryIsEmpty(t *testing.T) {
	store, ctx := newStore(t, 0, 0)
	chain, err := store.GetHistory(ctx, domain.SectionIssues, "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(chain.Entries) != 0 || chain.CurrentID != "" {
		t.Fatalf("missing chain should be empty: %+v", chain)
	}
}

func testMeta() domain.ProjectMeta {
	return domain.ProjectMeta{CurrentState: domain.StageImplementing, Version: 7, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
}

func TestCheckpointEviction(t *testing.T) {
	store, ctx := newStore(t, 0, 3)
	var ids []string
	for i := 0; i < 4; i++ {
		cp, err := store.CreateCheckpoint(ctx, "p1", history.CheckpointInput{
			Stage:   domain.StageImplementing,
			Meta:    testMeta(),
			Trigger: "manual",
			Reason:  fmt.Sprintf("cp %d", i),
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, cp.ID)
	}
	checkpoints, err := store.GetCheckpoints(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("checkpoints = %d, want 3", len(checkpoints))
	}
	if checkpoints[0].ID != ids[3] {
		t.Fatalf("newest checkpoint should be first")
	}
	for _, cp := range checkpoints {
		if cp.ID == ids[0] {
			t.Fatalf("oldest checkpoint should have been evicted")
		}
	}
}

func TestFindByOperation(t *testing.T) {
	store, ctx := newStore(t, 0, 0)
	cp, err := store.CreateCheckpoint(ctx, "p1", history.CheckpointInput{
		Stage:       domain.StageReviewing,
		Meta:        testMeta(),
		Trigger:     "skip",
		OperationID: "op-123",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	found, ok, err := store.FindByOperation(ctx, "p1", "op-123")
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if found.ID != cp.ID {
		t.Fatalf("found %q, want %q", found.ID, cp.ID)
	}
	if _, ok, _ := store.FindByOperation(ctx, "p1", "op-999"); ok {
		t.Fatalf("unknown operation id should not match")
	}
	if _, ok, _ := store.FindByOperation(ctx, "p1", ""); ok {
		t.Fatalf("empty operation id should not match")
	}
}

func TestLoadCheckpointValidation(t *testing.T) {
	store, ctx := newStore(t, 0, 0)
	good, err := store.CreateCheckpoint(ctx, "p1", history.CheckpointInput{
		Stage:   domain.StageReviewing,
		Meta:    testMeta(),
		Trigger: "manual",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := store.LoadCheckpoint(ctx, "p1", good.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != good.ID {
		t.Fatalf("loaded wrong checkpoint")
	}
	if _, err := store.LoadCheckpoint(ctx, "p1", "missing"); !errors.Is(err, domain.ErrCheckpointNotFound) {
		t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
	}
	// a corrupt snapshot reports every violation
	bad, err := store.CreateCheckpoint(ctx, "p1", history.CheckpointInput{
		Stage:   "warp_speed",
		Meta:    domain.ProjectMeta{Version: 0},
		Trigger: "manual",
	})
	if err != nil {
		t.Fatalf("create bad: %v", err)
	}
	var cpErr *domain.CheckpointValidationError
	if _, err := store.LoadCheckpoint(ctx, "p1", bad.ID); !errors.As(err, &cpErr) {
		t.Fatalf("expected CheckpointValidationError, got %v", err)
	}
	if len(cpErr.Violations) != 2 {
		t.Fatalf("violations = %v, want stage and version", cpErr.Violations)
	}
}

func TestAuditLogCap(t *testing.T) {
	store, ctx := newStore(t, 0, 0)
	for i := 0; i < 105; i++ {
		if _, err := store.RecordAudit(ctx, "p1", domain.AuditEntry{
			Type:    domain.AuditSkipForward,
			Details: map[string]any{"n": i},
		}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	entries, err := store.GetAuditLog(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 100 {
		t.Fatalf("audit log length = %d, want 100", len(entries))
	}
	if entries[0].Details["n"] != float64(104) {
		t.Fatalf("newest entry should be first: %v", entries[0].Details)
	}
	if entries[0].ID == "" || entries[0].Timestamp == "" || entries[0].ProjectID != "p1" {
		t.Fatalf("audit entry missing filled fields: %+v", entries[0])
	}
}
