// Package store implements C8: the process-wide (Controller, State,
// last_autosave_ts, history_len_cached, last_params_cached) singleton tuple,
// guarded so that reads and writes from concurrent requests are serialized,
// with atomic tmp+fsync+rename snapshot persistence and a throttled
// autosave. Only this package and httpapi may block on I/O (spec §5); the
// decision packages above it (autotune, brain, memory) never do.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vectune/autotune"
	"github.com/vectune/autotune/internal/state"
	"github.com/vectune/autotune/params"
	"github.com/vectune/autotune/policy"
	"github.com/vectune/autotune/telemetry/logging"
	"golang.org/x/sync/singleflight"
)

// Defaults for the environment-overridable knobs (cmd/autotuned reads the
// actual env vars and passes them through Config).
const (
	DefaultAutosaveSec = 30
	DefaultStatePath   = ".runs/tuner_state.json"
	DefaultPolicyPath  = ".runs/policy.txt"
)

// Snapshot is the on-disk envelope: {ts, policy, state:{...}} per spec §4.8.
type Snapshot struct {
	Ts     int64          `json:"ts"`
	Policy string         `json:"policy"`
	State  state.Snapshot `json:"state"`
}

// Config configures a Store. Zero fields take the documented defaults.
type Config struct {
	StatePath   string
	PolicyPath  string
	AutosaveSec int

	PolicyName string // explicit override; wins over everything else

	ControllerConfig autotune.Config

	Logger logging.Logger

	// nowFunc/clock indirection for tests; nil means time.Now/real file I/O.
	nowFunc func() time.Time
}

func (c Config) withDefaults() Config {
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
	if c.PolicyPath == "" {
		c.PolicyPath = DefaultPolicyPath
	}
	if c.AutosaveSec <= 0 {
		c.AutosaveSec = DefaultAutosaveSec
	}
	if c.nowFunc == nil {
		c.nowFunc = time.Now
	}
	return c
}

// Store is the guarded singleton accessor (C8). All public methods take the
// lock; nothing here is safe to call without going through them.
type Store struct {
	mu  sync.Mutex
	cfg Config

	controller *autotune.Controller

	lastAutosave     time.Time
	historyLenCached uint64
	lastParamsCached struct {
		EfSearch int
		RerankK  int
	}
}

var (
	globalMu sync.Mutex
	global   *Store

	// loadGroup collapses concurrent first-load disk reads across Store
	// instances that share a snapshot path: concurrent direct New calls all
	// fold into one os.ReadFile + json.Unmarshal. Calls through Global never
	// overlap, since Global holds globalMu while it runs New.
	loadGroup singleflight.Group
)

// Global returns the process-wide Store, constructing it on first access
// (loading the on-disk snapshot if present). Subsequent calls return the
// same instance regardless of cfg.
func Global(cfg Config) *Store {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(cfg)
	}
	return global
}

// ResetGlobal implements reset_global_autotuner(clear_file): rebuilds the
// singleton, optionally deleting the on-disk snapshot first.
func ResetGlobal(cfg Config, clearFile bool) *Store {
	globalMu.Lock()
	defer globalMu.Unlock()
	cfg = cfg.withDefaults()
	if clearFile {
		_ = os.Remove(cfg.StatePath)
	}
	global = New(cfg)
	return global
}

// New constructs a Store, loading an on-disk snapshot if one exists.
// Exported (rather than only reachable via Global) so tests and
// reset_global_autotuner can build a fresh instance without touching the
// package-level singleton.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	s := &Store{cfg: cfg}

	snap, loaded, err := s.loadSnapshot()
	if err != nil && cfg.Logger != nil {
		cfg.Logger.WarnCtx(context.Background(), "snapshot load failed, starting from defaults", "error", err.Error(), "path", cfg.StatePath)
	}

	policyName := s.resolvePolicyName(cfg, snap, loaded)

	ctrlCfg := cfg.ControllerConfig
	ctrlCfg.PolicyName = policyName

	var existing *state.State
	if loaded {
		existing = state.Restore(snap.State, state.Config{})
		s.historyLenCached = snap.State.HistoryLen
		s.lastParamsCached.EfSearch = snap.State.EfSearch
		s.lastParamsCached.RerankK = snap.State.RerankK
	}

	s.controller = autotune.New(ctrlCfg, existing)
	return s
}

// resolvePolicyName picks cfg.PolicyName when set, else the saved
// snapshot's policy, else RecallFirst. cmd/autotuned fills cfg.PolicyName
// from TUNER_POLICY, so a set TUNER_POLICY takes precedence over the policy
// saved in the snapshot.
func (s *Store) resolvePolicyName(cfg Config, snap Snapshot, loaded bool) string {
	if cfg.PolicyName != "" {
		return cfg.PolicyName
	}
	if loaded && snap.Policy != "" {
		return snap.Policy
	}
	return policy.NameRecallFirst
}

type loadResult struct {
	snap   Snapshot
	loaded bool
}

func (s *Store) loadSnapshot() (Snapshot, bool, error) {
	v, err, _ := loadGroup.Do(s.cfg.StatePath, func() (interface{}, error) {
		data, err := os.ReadFile(s.cfg.StatePath)
		if err != nil {
			if os.IsNotExist(err) {
				return loadResult{}, nil
			}
			return loadResult{}, fmt.Errorf("read snapshot: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return loadResult{}, fmt.Errorf("decode snapshot: %w", err)
		}
		return loadResult{snap: snap, loaded: true}, nil
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	res := v.(loadResult)
	return res.snap, res.loaded, nil
}

// Suggest runs one controller tick under the store's lock and forces a
// snapshot write afterward (spec §4.8: "suggest() requests a forced
// write"). Returns the controller error unchanged (e.g. *autotune.SafetyFatalError).
func (s *Store) Suggest(p95, recall, coverage float64) (efSearch, rerankK int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	efSearch, rerankK, err = s.controller.Suggest(p95, recall, coverage)
	s.refreshCache()
	s.persistLocked(true)
	return efSearch, rerankK, err
}

// Status returns a read-only view (GET /api/autotuner/status / /state),
// optionally requesting a throttled (non-forced) autosave write as read
// endpoints may per spec §4.8.
func (s *Store) Status(forcePersist bool) StatusView {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persistLocked(forcePersist)

	st := s.controller.State()
	return StatusView{
		HistoryLen:   st.HistoryLen(),
		LastEfSearch: st.EfSearch,
		LastRerankK:  st.RerankK,
		Policy:       s.controller.Policy().Name(),
		LastAutosave: s.lastAutosave,
		FileMtime:    s.fileMtime(),
	}
}

// StatusView is the data GET /api/autotuner/state serializes.
type StatusView struct {
	HistoryLen   uint64
	LastEfSearch int
	LastRerankK  int
	Policy       string
	LastAutosave time.Time
	FileMtime    time.Time
}

func (s *Store) fileMtime() time.Time {
	info, err := os.Stat(s.cfg.StatePath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Reset implements reset_global_autotuner(clear_file) on an existing Store
// instance (used by the HTTP handler, which operates on the already
// resolved Global() instance rather than rebinding the package variable).
func (s *Store) Reset(clearFile bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clearFile {
		_ = os.Remove(s.cfg.StatePath)
	}
	s.controller.Reset()
	s.refreshCache()
	s.persistLocked(true)
}

// SetPolicy validates and switches policy, preserving state, then persists
// (spec §4.8's set_policy contract) and mirrors the policy name to
// .runs/policy.txt for operator tooling (spec §4.6 environment section).
func (s *Store) SetPolicy(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.controller.SetPolicy(name); err != nil {
		return err
	}
	s.writePolicyMirror(name)
	s.persistLocked(true)
	return nil
}

// ApplyRanges hot-swaps the controller's clip ranges, persisting afterward
// so a restart immediately after a reload doesn't race the next autosave.
// Used by the bootstrap file watcher (SPEC_FULL.md §10.5).
func (s *Store) ApplyRanges(ranges params.Ranges) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.controller.SetRanges(ranges[params.EfSearch], ranges[params.RerankK])
	s.persistLocked(true)
}

func (s *Store) writePolicyMirror(name string) {
	path := s.cfg.PolicyPath
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(name+"\n"), 0o644)
}

func (s *Store) refreshCache() {
	st := s.controller.State()
	s.historyLenCached = st.HistoryLen()
	s.lastParamsCached.EfSearch = st.EfSearch
	s.lastParamsCached.RerankK = st.RerankK
}

// persistLocked writes the current state to disk, subject to the autosave
// throttle unless force is set. Caller holds s.mu.
func (s *Store) persistLocked(force bool) {
	now := s.cfg.nowFunc()
	if !force && now.Sub(s.lastAutosave) < time.Duration(s.cfg.AutosaveSec)*time.Second {
		return
	}
	snap := Snapshot{
		Ts:     now.Unix(),
		Policy: s.controller.Policy().Name(),
		State:  s.controller.State().Export(),
	}
	if err := writeAtomic(s.cfg.StatePath, snap); err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.ErrorCtx(context.Background(), "snapshot write failed, old snapshot preserved", "error", err.Error(), "path", s.cfg.StatePath)
		}
		return
	}
	s.lastAutosave = now
}

// writeAtomic implements spec §4.8's write-to-tmp, fsync, rename-over-target
// protocol: on any failure the tmp file is removed and the prior snapshot
// (if any) is left untouched, so a concurrent reader never observes a torn
// file.
func writeAtomic(path string, snap Snapshot) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open tmp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write tmp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync tmp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close tmp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename tmp snapshot: %w", err)
	}
	return nil
}

// WithController runs fn against the underlying controller under the
// store's lock, for callers (httpapi) that need direct access beyond the
// Suggest/Status/Reset/SetPolicy surface. fn must not retain the controller
// beyond the call, since State is not itself concurrency safe.
func (s *Store) WithController(fn func(*autotune.Controller)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.controller)
}
