package persist_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stateline/internal/domain"
	"stateline/internal/filestore"
	"stateline/internal/persist"
)

func newStore(t *testing.T) (*persist.Store, context.Context) {
	t.Helper()
	files := filestore.New(t.TempDir(), time.Second)
	store := persist.New(files)
	store.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return store, context.Background()
}

func TestInitializeProject(t *testing.T) {
	store, ctx := newStore(t)
	meta, err := store.InitializeProject(ctx, "p1", "demo", "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if meta.CurrentState != domain.StageCollecting {
		t.Fatalf("default initial stage = %s, want collecting", meta.CurrentState)
	}
	if meta.Version != 1 {
		t.Fatalf("initial version = %d, want 1", meta.Version)
	}
	if meta.CreatedAt == "" || meta.CreatedAt != meta.UpdatedAt {
		t.Fatalf("timestamps not set consistently: %+v", meta)
	}
	if !store.Exists("p1") {
		t.Fatalf("project should exist after init")
	}
	// duplicate init fails
	if _, err := store.InitializeProject(ctx, "p1", "demo", ""); !errors.Is(err, domain.ErrProjectExists) {
		t.Fatalf("expected ErrProjectExists, got %v", err)
	}
	// unknown initial stage fails
	if _, err := store.InitializeProject(ctx, "p2", "", "warp_speed"); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}

func TestGetMetaNotFound(t *testing.T) {
	store, ctx := newStore(t)
	if _, err := store.GetMeta(ctx, "ghost"); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestVersionMonotonicity(t *testing.T) {
	store, ctx := newStore(t)
	meta, err := store.InitializeProject(ctx, "p1", "", "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	last := meta.Version
	name := "renamed"
	for i := 0; i < 5; i++ {
		meta, err = store.UpdateMeta(ctx, "p1", domain.MetaPatch{Name: &name})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if meta.Version != last+1 {
			t.Fatalf("version %d after update, want %d", meta.Version, last+1)
		}
		last = meta.Version
	}
	meta, err = store.TransitionState(ctx, "p1", domain.StagePRDDrafting)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if meta.Version != last+1 {
		t.Fatalf("transition did not bump version: %d", meta.Version)
	}
	if meta.CurrentState != domain.StagePRDDrafting {
		t.Fatalf("stage = %s after transition", meta.CurrentState)
	}
}

func TestSetAndGetState(t *testing.T) {
	store, ctx := newStore(t)
	if _, err := store.InitializeProject(ctx, "p1", "", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	// unset state: allow-missing returns nil, strict errors
	value, err := store.GetState(ctx, domain.SectionCollect, "p1", true)
	if err != nil || value != nil {
		t.Fatalf("unset allow-missing: value=%v err=%v", value, err)
	}
	if _, err := store.GetState(ctx, domain.SectionCollect, "p1", false); !errors.Is(err, domain.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
	previous, err := store.SetState(ctx, domain.SectionCollect, "p1", map[string]any{"sources": 3})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if previous != nil {
		t.Fatalf("first set should have nil previous, got %v", previous)
	}
	previous, err = store.SetState(ctx, domain.SectionCollect, "p1", map[string]any{"sources": 4})
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if previous == nil {
		t.Fatalf("second set should see first value")
	}
	value, err = store.GetState(ctx, domain.SectionCollect, "p1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value.(map[string]any)["sources"] != 4 {
		t.Fatalf("unexpected value: %v", value)
	}
}

func TestClearState(t *testing.T) {
	store, ctx := newStore(t)
	if _, err := store.InitializeProject(ctx, "p1", "", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	// clearing an unwritten section is a no-op
	previous, err := store.ClearState(ctx, domain.SectionCollect, "p1")
	if err != nil || previous != nil {
		t.Fatalf("clear unset: previous=%v err=%v", previous, err)
	}
	if _, err := store.SetState(ctx, domain.SectionCollect, "p1", map[string]any{"sources": 3}); err != nil {
		t.Fatalf("set: %v", err)
	}
	previous, err = store.ClearState(ctx, domain.SectionCollect, "p1")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if previous == nil {
		t.Fatalf("clear should return the removed value")
	}
	if _, err := store.GetState(ctx, domain.SectionCollect, "p1", false); !errors.Is(err, domain.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound after clear, got %v", err)
	}
	if _, err := store.ClearState(ctx, domain.SectionCollect, "ghost"); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestUpdateStateShallowMerge(t *testing.T) {
	store, ctx := newStore(t)
	if _, err := store.InitializeProject(ctx, "p1", "", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := store.SetState(ctx, domain.SectionProgress, "p1", map[string]any{
		"completion": 0.5,
		"controller": map[string]any{"phase": "build", "worker": "a"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, merged, err := store.UpdateState(ctx, domain.SectionProgress, "p1", map[string]any{
		"completion": 0.9,
		"controller": map[string]any{"phase": "test"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if merged["completion"] != 0.9 {
		t.Fatalf("completion not replaced: %v", merged)
	}
	// shallow merge: nested maps are replaced wholesale, not merged
	controller := merged["controller"].(map[string]any)
	if _, kept := controller["worker"]; kept {
		t.Fatalf("nested key should not survive a shallow merge: %v", controller)
	}
	// merging into an absent value starts from empty
	_, merged, err = store.UpdateState(ctx, domain.SectionIssues, "p1", map[string]any{"open": 2})
	if err != nil {
		t.Fatalf("update absent: %v", err)
	}
	if merged["open"] != 2 {
		t.Fatalf("unexpected merged value: %v", merged)
	}
	// merging into a non-mapping fails validation
	if _, err := store.SetState(ctx, domain.SectionSpecs, "p1", []any{"a", "b"}); err != nil {
		t.Fatalf("seed list: %v", err)
	}
	var stateErr *domain.StateValidationError
	if _, _, err := store.UpdateState(ctx, domain.SectionSpecs, "p1", map[string]any{"x": 1}); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateValidationError, got %v", err)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	store, ctx := newStore(t)
	if _, err := store.InitializeProject(ctx, "p1", "", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := store.SetState(ctx, domain.SectionProgress, "p1", map[string]any{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, key := range []string{"left", "right"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, _, err := store.UpdateState(ctx, domain.SectionProgress, "p1", map[string]any{key: i}); err != nil {
					errs <- err
					return
				}
			}
		}(key)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent update: %v", err)
	}
	value, err := store.GetState(ctx, domain.SectionProgress, "p1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	final := value.(map[string]any)
	if final["left"] != 9 || final["right"] != 9 {
		t.Fatalf("lost update: %v", final)
	}
}

func TestDeleteProject(t *testing.T) {
	store, ctx := newStore(t)
	if _, err := store.InitializeProject(ctx, "p1", "", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := store.SetState(ctx, domain.SectionCollect, "p1", map[string]any{"a": 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Exists("p1") {
		t.Fatalf("project should be gone")
	}
	if err := store.DeleteProject(ctx, "p1"); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}
