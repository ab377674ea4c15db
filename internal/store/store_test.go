package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vectune/autotune"
	"github.com/vectune/autotune/params"
	"github.com/vectune/autotune/policy"
)

func tempCfg(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		StatePath:  filepath.Join(dir, "state.json"),
		PolicyPath: filepath.Join(dir, "policy.txt"),
	}
}

func TestNewWithNoSnapshotUsesDefaultsAndRecallFirst(t *testing.T) {
	cfg := tempCfg(t)
	s := New(cfg)

	view := s.Status(false)
	if view.Policy != policy.NameRecallFirst {
		t.Fatalf("expected default policy RecallFirst, got %q", view.Policy)
	}
	if view.LastEfSearch < 128 {
		t.Fatalf("expected quality floor applied, got ef_search=%d", view.LastEfSearch)
	}
}

func TestSuggestForcesSnapshotWrite(t *testing.T) {
	cfg := tempCfg(t)
	s := New(cfg)

	if _, err := os.Stat(cfg.StatePath); !os.IsNotExist(err) {
		t.Fatalf("expected no snapshot file before first suggest")
	}

	_, _, err := s.Suggest(100, 0.95, 0.99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(cfg.StatePath)
	if err != nil {
		t.Fatalf("expected snapshot written after suggest, got error: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot did not decode: %v", err)
	}
	if snap.Policy != policy.NameRecallFirst {
		t.Fatalf("expected persisted policy RecallFirst, got %q", snap.Policy)
	}
	if snap.State.HistoryLen != 1 {
		t.Fatalf("expected history_len=1 after one suggest, got %d", snap.State.HistoryLen)
	}
}

func TestReloadFromSnapshotRestoresStateAndPolicy(t *testing.T) {
	cfg := tempCfg(t)
	s := New(cfg)
	if err := s.SetPolicy(policy.NameLatencyFirst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := s.Suggest(100, 0.95, 0.99); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstView := s.Status(false)

	reloaded := New(cfg)
	secondView := reloaded.Status(false)

	if secondView.Policy != policy.NameLatencyFirst {
		t.Fatalf("expected reloaded policy LatencyFirst, got %q", secondView.Policy)
	}
	if secondView.HistoryLen != firstView.HistoryLen {
		t.Fatalf("expected history_len to survive reload: before=%d after=%d", firstView.HistoryLen, secondView.HistoryLen)
	}
	if secondView.LastEfSearch != firstView.LastEfSearch || secondView.LastRerankK != firstView.LastRerankK {
		t.Fatalf("expected params to survive reload")
	}
}

func TestAutosaveThrottleSkipsUnforcedWriteWithinWindow(t *testing.T) {
	cfg := tempCfg(t)
	cfg.AutosaveSec = 30
	now := time.Unix(1_700_000_000, 0)
	cfg.nowFunc = func() time.Time { return now }
	s := New(cfg)

	if _, _, err := s.Suggest(100, 0.95, 0.99); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstInfo, err := os.Stat(cfg.StatePath)
	if err != nil {
		t.Fatalf("expected snapshot after forced suggest: %v", err)
	}

	now = now.Add(5 * time.Second)
	s.Status(false) // throttled write request, well within the 30s window

	secondInfo, err := os.Stat(cfg.StatePath)
	if err != nil {
		t.Fatalf("snapshot disappeared: %v", err)
	}
	if !secondInfo.ModTime().Equal(firstInfo.ModTime()) {
		t.Fatalf("expected throttled Status() not to rewrite snapshot within autosave window")
	}
}

func TestAutosaveWritesAfterThrottleWindowElapses(t *testing.T) {
	cfg := tempCfg(t)
	cfg.AutosaveSec = 30
	now := time.Unix(1_700_000_000, 0)
	cfg.nowFunc = func() time.Time { return now }
	s := New(cfg)

	if _, _, err := s.Suggest(100, 0.95, 0.99); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(31 * time.Second)
	s.Status(false)

	data, err := os.ReadFile(cfg.StatePath)
	if err != nil {
		t.Fatalf("expected snapshot present: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot did not decode: %v", err)
	}
	if snap.Ts != now.Unix() {
		t.Fatalf("expected snapshot ts to reflect the post-window write, got %d want %d", snap.Ts, now.Unix())
	}
}

func TestResetClearsStateAndOptionallyDeletesFile(t *testing.T) {
	cfg := tempCfg(t)
	s := New(cfg)
	if _, _, err := s.Suggest(500, 0.5, 0.99); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.Reset(true)
	if _, err := os.Stat(cfg.StatePath); err != nil {
		t.Fatalf("expected Reset to rewrite a fresh snapshot after clearing, got error: %v", err)
	}

	view := s.Status(false)
	if view.HistoryLen != 0 {
		t.Fatalf("expected history_len=0 after reset, got %d", view.HistoryLen)
	}
}

func TestSetPolicyRejectsUnknownAndLeavesStoreUsable(t *testing.T) {
	cfg := tempCfg(t)
	s := New(cfg)

	if err := s.SetPolicy("NotAPolicy"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
	if err := s.SetPolicy(policy.NameBalanced); err != nil {
		t.Fatalf("unexpected error switching to a valid policy after a rejected one: %v", err)
	}
	if got := s.Status(false).Policy; got != policy.NameBalanced {
		t.Fatalf("expected policy Balanced, got %q", got)
	}
}

func TestSetPolicyMirrorsToPolicyFile(t *testing.T) {
	cfg := tempCfg(t)
	s := New(cfg)
	if err := s.SetPolicy(policy.NameLatencyFirst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(cfg.PolicyPath)
	if err != nil {
		t.Fatalf("expected policy mirror file written: %v", err)
	}
	if string(data) != policy.NameLatencyFirst+"\n" {
		t.Fatalf("unexpected policy mirror contents: %q", data)
	}
}

func TestApplyRangesClipsFutureSuggestionsAndPersists(t *testing.T) {
	cfg := tempCfg(t)
	cfg.ControllerConfig = autotune.Config{TargetP95Ms: 30, TargetRecall: 0.95}
	s := New(cfg)

	s.ApplyRanges(params.Ranges{
		params.EfSearch: {Lo: 32, Hi: 300},
		params.RerankK:  {Lo: 600, Hi: 3000},
	})

	// Drive ef_search upward (low p95, low recall) until it settles, then
	// confirm the new, wider ceiling is honored rather than the original
	// default of 256.
	var ef int
	for i := 0; i < 20; i++ {
		ef, _, _ = s.Suggest(10, 0.50, 1.0)
	}
	if ef <= 256 {
		t.Fatalf("expected ef_search to climb past the old default ceiling of 256 under the new range, got %d", ef)
	}
	if ef > 300 {
		t.Fatalf("expected ef_search clipped to new ceiling 300, got %d", ef)
	}

	if _, err := os.Stat(cfg.StatePath); err != nil {
		t.Fatalf("expected ApplyRanges to force a snapshot write: %v", err)
	}
}

func TestGlobalReturnsSameInstanceAcrossCalls(t *testing.T) {
	cfg := tempCfg(t)
	a := ResetGlobal(cfg, false) // start from a clean singleton for this test
	b := Global(cfg)
	if a != b {
		t.Fatalf("expected Global to return the same Store instance")
	}
}
