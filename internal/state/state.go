// Package state implements TuningState (C2): the mutable observation and
// parameter record the controller advances once per tick. It owns EMA
// smoothing, bounded history with periodic compaction, the decrease-guard
// recall queue, and the rescue deque, but never decides anything itself —
// decisions live in the controller and Brain packages above it.
package state

import (
	"time"

	"github.com/vectune/autotune/internal/ring"
	"github.com/vectune/autotune/params"
)

// DefaultMaxHistory is the package-level history cap absent any
// configuration. Deployments typically raise this via MAX_HISTORY (see
// cmd/autotuned), which documents a operational default of 2000; this
// constant is the library default when nothing overrides it.
const DefaultMaxHistory = 100

const (
	DefaultCompactEvery     = 100
	DefaultCompactKeepEvery = 5
	DefaultGuardRecallBatches = 8
	DefaultCooldownDecreaseBatches = 10
	DefaultRescueWindow = 3
	DefaultEMAAlpha = 0.3
	DefaultTargetCoverage = 0.98
)

// MetricSnapshot records one observed measurement.
type MetricSnapshot struct {
	Timestamp  time.Time `json:"ts"`
	P95Ms      float64   `json:"p95_ms"`
	RecallAt10 float64   `json:"recall_at_10"`
	Coverage   float64   `json:"coverage"`
}

// ParamSnapshot records one committed parameter set.
type ParamSnapshot struct {
	Timestamp time.Time `json:"ts"`
	EfSearch  int       `json:"ef_search"`
	RerankK   int       `json:"rerank_k"`
}

// SmoothedMetrics is the EMA-or-raw view returned by GetSmoothedMetrics.
type SmoothedMetrics struct {
	P95Ms      float64
	RecallAt10 float64
}

// SafetyCheck is the result of CheckSafetyLimits.
type SafetyCheck struct {
	CoverageOK bool
	P95Spike   bool
	RecallOK   bool
}

// ConvergenceStatus is a simplified, advisory stability report. The upstream
// implementation this spec distills stubs this out entirely; this port
// preserves that (SPEC_FULL.md Open Question 2 / DESIGN.md): should_stop_tuning
// hinges on the tail-window checks in the controller, not on this field.
type ConvergenceStatus struct {
	Converged      bool
	StabilityScore float64
	Trend          string
}

// Config configures a new TuningState.
type Config struct {
	EfSearchRange params.Range
	RerankKRange  params.Range
	EMAAlpha      float64

	TargetP95Ms     float64
	TargetRecall    float64
	TargetCoverage  float64

	MaxHistory             int
	CompactEvery           int
	CompactKeepEvery       int
	GuardRecallBatches     int
	CooldownDecreaseBatches int
	RescueWindow           int
}

func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.CompactEvery <= 0 {
		c.CompactEvery = DefaultCompactEvery
	}
	if c.CompactKeepEvery <= 0 {
		c.CompactKeepEvery = DefaultCompactKeepEvery
	}
	if c.GuardRecallBatches <= 0 {
		c.GuardRecallBatches = DefaultGuardRecallBatches
	}
	if c.CooldownDecreaseBatches <= 0 {
		c.CooldownDecreaseBatches = DefaultCooldownDecreaseBatches
	}
	if c.RescueWindow <= 0 {
		c.RescueWindow = DefaultRescueWindow
	}
	if c.EMAAlpha <= 0 {
		c.EMAAlpha = DefaultEMAAlpha
	}
	if c.TargetCoverage <= 0 {
		c.TargetCoverage = DefaultTargetCoverage
	}
	return c
}

// State is TuningState (C2). All mutation is expected to happen under the
// singleton's accessor (internal/store); State itself is not concurrency
// safe.
type State struct {
	cfg Config

	EfSearch int
	RerankK  int

	lastP95      float64
	lastRecall   float64
	lastCoverage float64

	emaP95    *float64
	emaRecall *float64

	TargetP95Ms    float64
	TargetRecall   float64
	TargetCoverage float64

	recentMetrics    *ring.Buffer[MetricSnapshot]
	parameterHistory *ring.Buffer[ParamSnapshot]
	writesSinceCompact int
	compactCount       int

	recentRecallQueue *ring.Buffer[float64]
	batchesSinceDecrease int
	isEmergencyMode      bool
	recentRecalls        *ring.Buffer[float64] // rescue deque
}

// New constructs an empty TuningState.
func New(cfg Config, efSearch, rerankK int, targetP95, targetRecall float64) *State {
	cfg = cfg.withDefaults()
	return &State{
		cfg:              cfg,
		EfSearch:         efSearch,
		RerankK:          rerankK,
		TargetP95Ms:      targetP95,
		TargetRecall:     targetRecall,
		TargetCoverage:   cfg.TargetCoverage,
		recentMetrics:    ring.New[MetricSnapshot](cfg.MaxHistory),
		parameterHistory: ring.New[ParamSnapshot](cfg.MaxHistory),
		recentRecallQueue: ring.New[float64](cfg.GuardRecallBatches),
		recentRecalls:     ring.New[float64](cfg.RescueWindow),
	}
}

// Config returns the state's effective configuration.
func (s *State) Config() Config { return s.cfg }

// EMAAlpha returns the configured smoothing coefficient.
func (s *State) EMAAlpha() float64 { return s.cfg.EMAAlpha }

func ema(alpha float64, raw float64, prev *float64) float64 {
	if prev == nil {
		return raw
	}
	return alpha*raw + (1-alpha)*(*prev)
}

// UpdateMetrics stores raw observations, advances EMAs (seeding from the raw
// value on first observation), and appends a metric snapshot, compacting
// history on the configured cadence.
func (s *State) UpdateMetrics(p95, recall, coverage float64) {
	s.lastP95 = p95
	s.lastRecall = recall
	s.lastCoverage = coverage

	newP95 := ema(s.cfg.EMAAlpha, p95, s.emaP95)
	newRecall := ema(s.cfg.EMAAlpha, recall, s.emaRecall)
	s.emaP95 = &newP95
	s.emaRecall = &newRecall

	s.recentMetrics.Push(MetricSnapshot{Timestamp: nowFunc(), P95Ms: p95, RecallAt10: recall, Coverage: coverage})
	s.recentRecallQueue.Push(recall)
	s.recentRecalls.Push(recall)

	s.afterWrite()
}

// ParamUpdate is the typed form of update_params(**kwargs): both fields are
// optional so a single knob can be advanced without touching the other.
type ParamUpdate struct {
	EfSearch *int
	RerankK  *int
	// Nprobe is the legacy alias for EfSearch kept for callers still using
	// the older nprobe naming; if both Nprobe and EfSearch are set,
	// EfSearch wins.
	Nprobe *int
}

// UpdateParams advances params and appends a parameter snapshot.
func (s *State) UpdateParams(u ParamUpdate) {
	if u.EfSearch != nil {
		s.EfSearch = *u.EfSearch
	} else if u.Nprobe != nil {
		s.EfSearch = *u.Nprobe
	}
	if u.RerankK != nil {
		s.RerankK = *u.RerankK
	}
	s.parameterHistory.Push(ParamSnapshot{Timestamp: nowFunc(), EfSearch: s.EfSearch, RerankK: s.RerankK})
	s.afterWrite()
}

func (s *State) afterWrite() {
	s.writesSinceCompact++
	if s.writesSinceCompact >= s.cfg.CompactEvery {
		s.recentMetrics.Compact(s.cfg.CompactKeepEvery)
		s.parameterHistory.Compact(s.cfg.CompactKeepEvery)
		s.writesSinceCompact = 0
		s.compactCount++
	}
}

// GetSmoothedMetrics returns EMA values where available, raw otherwise.
func (s *State) GetSmoothedMetrics() SmoothedMetrics {
	out := SmoothedMetrics{P95Ms: s.lastP95, RecallAt10: s.lastRecall}
	if s.emaP95 != nil {
		out.P95Ms = *s.emaP95
	}
	if s.emaRecall != nil {
		out.RecallAt10 = *s.emaRecall
	}
	return out
}

// CheckSafetyLimits evaluates the three safety predicates against the most
// recent raw observation.
func (s *State) CheckSafetyLimits(targetP95, targetRecall float64) SafetyCheck {
	return SafetyCheck{
		CoverageOK: s.lastCoverage >= 0.98,
		P95Spike:   s.lastP95 > 3*targetP95,
		RecallOK:   s.lastRecall >= 0.8*targetRecall,
	}
}

// GetConvergenceStatus returns the stubbed advisory report (see
// ConvergenceStatus doc comment).
func (s *State) GetConvergenceStatus() ConvergenceStatus {
	return ConvergenceStatus{Converged: false, StabilityScore: 0.5, Trend: "unknown"}
}

// RecentMetrics returns the bounded metric history, oldest first.
func (s *State) RecentMetrics() []MetricSnapshot { return s.recentMetrics.Slice() }

// ParameterHistory returns the bounded parameter history, oldest first.
func (s *State) ParameterHistory() []ParamSnapshot { return s.parameterHistory.Slice() }

// HistoryLen is the cumulative count of metric snapshots ever observed,
// surviving compaction and ring overwrites.
func (s *State) HistoryLen() uint64 { return s.recentMetrics.Total() }

// RecentRecallQueue returns the decrease-guard recall queue, oldest first.
// Its length never exceeds GuardRecallBatches.
func (s *State) RecentRecallQueue() []float64 { return s.recentRecallQueue.Slice() }

// RecentRecalls returns the rescue deque, oldest first. Its length never
// exceeds RescueWindow.
func (s *State) RecentRecalls() []float64 { return s.recentRecalls.Slice() }

// BatchesSinceDecrease returns the decrease-guard cooldown counter.
func (s *State) BatchesSinceDecrease() int { return s.batchesSinceDecrease }

// AdvanceBatchesSinceDecrease increments the counter, clamped to the
// configured cooldown ceiling.
func (s *State) AdvanceBatchesSinceDecrease() {
	if s.batchesSinceDecrease < s.cfg.CooldownDecreaseBatches {
		s.batchesSinceDecrease++
	}
}

// ResetBatchesSinceDecrease zeroes the cooldown counter after an allowed
// decrease.
func (s *State) ResetBatchesSinceDecrease() { s.batchesSinceDecrease = 0 }

// IsEmergencyMode reports whether the controller is currently latched into
// emergency handling.
func (s *State) IsEmergencyMode() bool { return s.isEmergencyMode }

// SetEmergencyMode latches or clears emergency mode.
func (s *State) SetEmergencyMode(v bool) { s.isEmergencyMode = v }

// LastObservation returns the most recently ingested raw metrics.
func (s *State) LastObservation() (p95, recall, coverage float64) {
	return s.lastP95, s.lastRecall, s.lastCoverage
}

// EMAValues returns the current EMA values, nil when not yet seeded.
func (s *State) EMAValues() (p95, recall *float64) { return s.emaP95, s.emaRecall }

// nowFunc is indirected so tests can pin time.
var nowFunc = time.Now

// Snapshot is the on-disk shape of a TuningState (spec §6's "state" object),
// field-for-field, so internal/store can marshal/unmarshal it directly
// without reaching into State's unexported fields.
type Snapshot struct {
	EfSearch        int       `json:"ef_search"`
	RerankK         int       `json:"rerank_k"`
	HNSWEfRange     [2]float64 `json:"hnsw_ef_range"`
	RerankRange     [2]float64 `json:"rerank_range"`
	EMAAlpha        float64   `json:"ema_alpha"`
	P95Ms           float64   `json:"p95_ms"`
	RecallAt10      float64   `json:"recall_at_10"`
	Coverage        float64   `json:"coverage"`
	EMAP95Ms        *float64  `json:"ema_p95_ms"`
	EMARecallAt10   *float64  `json:"ema_recall_at_10"`
	TargetP95Ms     float64   `json:"target_p95_ms"`
	TargetRecall    float64   `json:"target_recall"`
	TargetCoverage  float64   `json:"target_coverage"`

	RecentMetrics    []MetricSnapshot `json:"recent_metrics"`
	ParameterHistory []ParamSnapshot  `json:"parameter_history"`

	MaxHistory  int    `json:"max_history"`
	HistoryLen  uint64 `json:"history_len"`
	CompactCount int   `json:"_compact_count"`

	RecentRecallQueue         []float64 `json:"recent_recall_queue"`
	RecentRecallQueueMaxlen   *int      `json:"recent_recall_queue_maxlen"`
	BatchesSinceDecrease      int       `json:"batches_since_decrease"`
	IsEmergencyMode           bool      `json:"is_emergency_mode"`

	// RecentRecalls (the rescue deque) is not part of spec §6's documented
	// wire shape, but is needed to restore rescue behavior across a
	// restart; persisted as an additional field tolerated by any reader
	// that only looks at the documented keys.
	RecentRecalls []float64 `json:"recent_recalls,omitempty"`
}

// Export renders the current state as a Snapshot for persistence.
func (s *State) Export() Snapshot {
	maxlen := s.cfg.GuardRecallBatches
	return Snapshot{
		EfSearch:      s.EfSearch,
		RerankK:       s.RerankK,
		HNSWEfRange:   [2]float64{s.cfg.EfSearchRange.Lo, s.cfg.EfSearchRange.Hi},
		RerankRange:   [2]float64{s.cfg.RerankKRange.Lo, s.cfg.RerankKRange.Hi},
		EMAAlpha:      s.cfg.EMAAlpha,
		P95Ms:         s.lastP95,
		RecallAt10:    s.lastRecall,
		Coverage:      s.lastCoverage,
		EMAP95Ms:      s.emaP95,
		EMARecallAt10: s.emaRecall,
		TargetP95Ms:   s.TargetP95Ms,
		TargetRecall:  s.TargetRecall,
		TargetCoverage: s.TargetCoverage,

		RecentMetrics:    s.RecentMetrics(),
		ParameterHistory: s.ParameterHistory(),

		MaxHistory:   s.cfg.MaxHistory,
		HistoryLen:   s.HistoryLen(),
		CompactCount: s.compactCount,

		RecentRecallQueue:       s.RecentRecallQueue(),
		RecentRecallQueueMaxlen: &maxlen,
		BatchesSinceDecrease:    s.batchesSinceDecrease,
		IsEmergencyMode:         s.isEmergencyMode,

		RecentRecalls: s.RecentRecalls(),
	}
}

// Restore rebuilds a State from a persisted Snapshot. cfg supplies anything
// the snapshot itself doesn't carry (compaction cadence, rescue window);
// ranges/EMA alpha/targets are taken from the snapshot, which reflects
// whatever was in effect when it was written.
func Restore(snap Snapshot, cfg Config) *State {
	cfg = cfg.withDefaults()
	cfg.EfSearchRange = params.Range{Lo: snap.HNSWEfRange[0], Hi: snap.HNSWEfRange[1]}
	cfg.RerankKRange = params.Range{Lo: snap.RerankRange[0], Hi: snap.RerankRange[1]}
	if snap.EMAAlpha > 0 {
		cfg.EMAAlpha = snap.EMAAlpha
	}
	if snap.MaxHistory > 0 {
		cfg.MaxHistory = snap.MaxHistory
	}

	s := &State{
		cfg:            cfg,
		EfSearch:       snap.EfSearch,
		RerankK:        snap.RerankK,
		lastP95:        snap.P95Ms,
		lastRecall:     snap.RecallAt10,
		lastCoverage:   snap.Coverage,
		emaP95:         snap.EMAP95Ms,
		emaRecall:      snap.EMARecallAt10,
		TargetP95Ms:    snap.TargetP95Ms,
		TargetRecall:   snap.TargetRecall,
		TargetCoverage: snap.TargetCoverage,

		recentMetrics:    ring.Restore(cfg.MaxHistory, snap.RecentMetrics, snap.HistoryLen),
		parameterHistory: ring.Restore(cfg.MaxHistory, snap.ParameterHistory, uint64(len(snap.ParameterHistory))),

		recentRecallQueue: ring.Restore(cfg.GuardRecallBatches, snap.RecentRecallQueue, uint64(len(snap.RecentRecallQueue))),
		recentRecalls:     ring.Restore(cfg.RescueWindow, snap.RecentRecalls, uint64(len(snap.RecentRecalls))),

		batchesSinceDecrease: snap.BatchesSinceDecrease,
		isEmergencyMode:      snap.IsEmergencyMode,
		compactCount:         snap.CompactCount,
	}
	return s
}
