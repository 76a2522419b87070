package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stateline/internal/config"
	"stateline/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Store.MaxHistoryEntries != 50 || cfg.Store.MaxCheckpoints != 10 {
		t.Fatalf("unexpected default caps: %+v", cfg.Store)
	}
	if cfg.LockTimeout() != 5*time.Second {
		t.Fatalf("lock timeout = %v", cfg.LockTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.MaxHistoryEntries != 50 {
		t.Fatalf("missing file should yield defaults: %+v", cfg.Store)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`
store:
  max_history_entries: 20
  max_checkpoints: 4
server:
  addr: 0.0.0.0:9000
  allow_legacy_actor_header: true
`)
	if err := os.WriteFile(filepath.Join(dir, "stateline.yml"), raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.MaxHistoryEntries != 20 || cfg.Store.MaxCheckpoints != 4 {
		t.Fatalf("file values not applied: %+v", cfg.Store)
	}
	// unset fields keep their defaults
	if cfg.Store.LockTimeoutMS != 5000 {
		t.Fatalf("unset lock timeout should default: %d", cfg.Store.LockTimeoutMS)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" || !cfg.Server.AllowLegacyActorHeader {
		t.Fatalf("server config not applied: %+v", cfg.Server)
	}
}

func TestRuleOverlay(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
rules:
  collecting:
    normal: [merged]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	table := cfg.RuleTable()
	if !table.IsValidTransition(domain.StageCollecting, domain.StageMerged) {
		t.Fatalf("overlay edge missing")
	}
	if table.IsValidTransition(domain.StageCollecting, domain.StagePRDDrafting) {
		t.Fatalf("overlay should replace the stage's edges")
	}
	// other stages keep the built-in rules
	if !table.IsValidTransition(domain.StagePRDDrafting, domain.StagePRDApproved) {
		t.Fatalf("non-overlaid stage lost its edges")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cases := map[string]string{
		"negative cap":   "store:\n  max_history_entries: -1\n",
		"unknown stage":  "rules:\n  warp_speed:\n    normal: [merged]\n",
		"dangling edge":  "rules:\n  collecting:\n    normal: [warp_speed]\n",
		"malformed yaml": "store: [not, a, mapping\n",
	}
	for name, raw := range cases {
		if _, err := config.FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
