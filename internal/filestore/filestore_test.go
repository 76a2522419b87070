package filestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stateline/internal/domain"
	"stateline/internal/filestore"
)

func newStore(t *testing.T, timeout time.Duration) *filestore.Store {
	t.Helper()
	return filestore.New(t.TempDir(), timeout)
}

func TestJSONRoundTrip(t *testing.T) {
	store := newStore(t, 0)
	path := store.MetaPath("p1")
	in := map[string]any{"currentState": "collecting", "version": float64(1)}
	if err := store.WriteJSON(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out map[string]any
	found, err := store.ReadJSON(path, &out, false)
	if err != nil || !found {
		t.Fatalf("read: found=%v err=%v", found, err)
	}
	if out["currentState"] != "collecting" || out["version"] != float64(1) {
		t.Fatalf("unexpected roundtrip value: %v", out)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	store := newStore(t, 0)
	path := store.StatePath(domain.SectionCollect, "p1")
	in := map[string]any{"sources": []any{"interview", "ticket"}}
	if err := store.WriteYAML(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out any
	found, err := store.ReadYAML(path, &out, false)
	if err != nil || !found {
		t.Fatalf("read: found=%v err=%v", found, err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected mapping, got %T", out)
	}
	sources, ok := m["sources"].([]any)
	if !ok || len(sources) != 2 {
		t.Fatalf("unexpected roundtrip value: %v", out)
	}
}

func TestAllowMissing(t *testing.T) {
	store := newStore(t, 0)
	var out any
	found, err := store.ReadJSON(store.MetaPath("ghost"), &out, true)
	if err != nil || found {
		t.Fatalf("allow-missing json: found=%v err=%v", found, err)
	}
	if _, err := store.ReadJSON(store.MetaPath("ghost"), &out, false); err == nil {
		t.Fatalf("expected error without allow-missing")
	}
	found, err = store.ReadYAML(store.StatePath(domain.SectionSpecs, "ghost"), &out, true)
	if err != nil || found {
		t.Fatalf("allow-missing yaml: found=%v err=%v", found, err)
	}
}

func TestSectionStatePaths(t *testing.T) {
	store := newStore(t, 0)
	seen := map[string]bool{}
	for _, section := range domain.Sections {
		path := store.StatePath(section, "p1")
		if seen[path] {
			t.Fatalf("section %s shares a state path", section)
		}
		seen[path] = true
	}
}

func TestLockLifecycle(t *testing.T) {
	store := newStore(t, 200*time.Millisecond)
	ctx := context.Background()
	path := store.MetaPath("p1")
	if err := store.AcquireLock(ctx, path, "owner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// a second acquire on the same path polls until the timeout; it
	// neither fails fast nor queues forever
	start := time.Now()
	err := store.AcquireLock(ctx, path, "owner-2")
	var lockErr *domain.LockAcquisitionError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockAcquisitionError, got %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond {
		t.Fatalf("contended acquire gave up after %v, should poll out the timeout", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("lock wait did not respect timeout")
	}
	// wrong owner cannot release
	if err := store.ReleaseLock(path, "owner-2"); err == nil {
		t.Fatalf("expected release by wrong owner to fail")
	}
	if err := store.ReleaseLock(path, "owner-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// released lock can be re-acquired
	if err := store.AcquireLock(ctx, path, "owner-2"); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if err := store.ReleaseLock(path, "owner-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLockHandoverDuringPoll(t *testing.T) {
	store := newStore(t, time.Second)
	ctx := context.Background()
	path := store.MetaPath("p1")
	if err := store.AcquireLock(ctx, path, "owner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(120 * time.Millisecond)
		store.ReleaseLock(path, "owner-1")
	}()
	// the contender keeps polling and picks the lock up once it frees
	if err := store.AcquireLock(ctx, path, "owner-2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := store.ReleaseLock(path, "owner-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestReleaseUnheldLock(t *testing.T) {
	store := newStore(t, 0)
	if err := store.ReleaseLock(store.MetaPath("p1"), "nobody"); err == nil {
		t.Fatalf("expected error releasing a lock never acquired")
	}
}

func TestAtomicWriteReplacesContent(t *testing.T) {
	store := newStore(t, 0)
	path := store.StatePath(domain.SectionIssues, "p1")
	if err := store.WriteYAML(path, map[string]any{"count": 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := store.WriteYAML(path, map[string]any{"count": 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	var out map[string]any
	if _, err := store.ReadYAML(path, &out, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["count"] != 2 {
		t.Fatalf("expected replacement, got %v", out)
	}
}
