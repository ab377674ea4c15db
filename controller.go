// Package autotune implements the hysteretic Controller (C4): the per-tick
// closed-loop regulator over {ef_search, rerank_k} that ingests observed
// metrics, enforces safety/rescue/guard rules, and commits a new parameter
// set through internal/state. The Brain (package brain) is the second,
// independent regulator described by the same spec; autotune.Controller and
// brain.Decide share the observe-smooth-decide-clip-persist philosophy but
// do not share code, since their evaluation orders and knob spaces differ.
package autotune

import (
	"context"
	"fmt"
	"math"

	"github.com/vectune/autotune/internal/state"
	"github.com/vectune/autotune/params"
	"github.com/vectune/autotune/policy"
	"github.com/vectune/autotune/telemetry/events"
	"github.com/vectune/autotune/telemetry/logging"
	"github.com/vectune/autotune/telemetry/metrics"
)

// SafetyFatalError is returned when observed coverage drops below the
// absolute safety floor (spec §4.4 step 2, §7). It is the only error the
// decision engine raises; every other anomaly resolves locally to noop or
// rejected.
type SafetyFatalError struct {
	Coverage float64
}

func (e *SafetyFatalError) Error() string {
	return fmt.Sprintf("coverage %.4f below safety threshold 0.98", e.Coverage)
}

// Config configures a Controller. Zero-valued fields take the documented
// spec defaults.
type Config struct {
	TargetP95Ms    float64
	TargetRecall   float64
	TargetCoverage float64

	EfSearchRange params.Range
	RerankKRange  params.Range

	StepUp   int // default 32
	StepDown int // default 16

	RescueEf     int // default 16
	RescueRerank int // default 200
	RescueWindow int // default 3

	GuardRecallBatches      int     // default 8
	GuardRecallMargin       float64 // default 0.02
	CooldownDecreaseBatches int     // default 10
	RecallMargin            float64 // default 0.02
	LatencyHi               float64 // default 1.1 (10% over target)
	LatencyLo               float64 // default 0.7 (30% under target)

	MinBatches int // default 160

	// InitialEfSearch/InitialRerankK seed a freshly-constructed state before
	// quality floors are enforced (spec §4.4's "current" in max(128,
	// current) / max(1000, current)). Zero means "nothing pre-configured".
	InitialEfSearch int
	InitialRerankK  int

	EMAAlpha         float64
	MaxHistory       int
	CompactEvery     int
	CompactKeepEvery int

	PolicyName string

	Logger  logging.Logger
	Events  events.Bus
	Metrics metrics.Provider
}

func (c Config) withDefaults() Config {
	if c.StepUp <= 0 {
		c.StepUp = 32
	}
	if c.StepDown <= 0 {
		c.StepDown = 16
	}
	if c.RescueEf <= 0 {
		c.RescueEf = 16
	}
	if c.RescueRerank <= 0 {
		c.RescueRerank = 200
	}
	if c.RescueWindow <= 0 {
		c.RescueWindow = 3
	}
	if c.GuardRecallBatches <= 0 {
		c.GuardRecallBatches = 8
	}
	if c.GuardRecallMargin <= 0 {
		c.GuardRecallMargin = 0.02
	}
	if c.CooldownDecreaseBatches <= 0 {
		c.CooldownDecreaseBatches = 10
	}
	if c.RecallMargin <= 0 {
		c.RecallMargin = 0.02
	}
	if c.LatencyHi <= 0 {
		c.LatencyHi = 1.1
	}
	if c.LatencyLo <= 0 {
		c.LatencyLo = 0.7
	}
	if c.MinBatches <= 0 {
		c.MinBatches = 160
	}
	if c.TargetCoverage <= 0 {
		c.TargetCoverage = 0.98
	}
	if c.EfSearchRange == (params.Range{}) {
		c.EfSearchRange = params.DefaultRanges()[params.EfSearch]
	}
	if c.RerankKRange == (params.Range{}) {
		c.RerankKRange = params.DefaultRanges()[params.RerankK]
	}
	if c.PolicyName == "" {
		c.PolicyName = policy.NameRecallFirst
	}
	return c
}

// Controller is the hysteretic regulator (C4). Not concurrency safe on its
// own; the singleton in internal/store serializes access.
type Controller struct {
	cfg    Config
	state  *state.State
	policy policy.Policy
}

// New constructs a Controller. If existingState is nil, quality floors are
// enforced on fresh defaults (spec §4.4 construction contract); if non-nil,
// the supplied state is adopted as-is (a restored snapshot already reflects
// committed decisions and must not be re-floored).
func New(cfg Config, existingState *state.State) *Controller {
	cfg = cfg.withDefaults()

	resolved := policy.Resolve(cfg.PolicyName)
	if resolved.Fallback && cfg.Logger != nil {
		cfg.Logger.WarnCtx(context.Background(), "unknown policy name, falling back to Balanced", "requested", resolved.Requested)
	}

	st := existingState
	if st == nil {
		st = state.New(state.Config{
			EfSearchRange:           cfg.EfSearchRange,
			RerankKRange:            cfg.RerankKRange,
			EMAAlpha:                cfg.EMAAlpha,
			TargetCoverage:          cfg.TargetCoverage,
			MaxHistory:              cfg.MaxHistory,
			CompactEvery:            cfg.CompactEvery,
			CompactKeepEvery:        cfg.CompactKeepEvery,
			GuardRecallBatches:      cfg.GuardRecallBatches,
			CooldownDecreaseBatches: cfg.CooldownDecreaseBatches,
			RescueWindow:            cfg.RescueWindow,
		}, cfg.InitialEfSearch, cfg.InitialRerankK, cfg.TargetP95Ms, cfg.TargetRecall)
		cfg = enforceQualityFloors(cfg, st)
	}

	return &Controller{cfg: cfg, state: st, policy: resolved.Policy}
}

// enforceQualityFloors applies the construction-time floors from spec §4.4:
// ef_search >= 128 (range ceiling raised to >= 256), rerank_k >= 1000 (range
// floor raised to >= 500).
func enforceQualityFloors(cfg Config, st *state.State) Config {
	if st.EfSearch < 128 {
		ef := 128
		st.UpdateParams(state.ParamUpdate{EfSearch: &ef})
	}
	if cfg.EfSearchRange.Hi < 256 {
		cfg.EfSearchRange.Hi = 256
	}
	if st.RerankK < 1000 {
		rk := 1000
		st.UpdateParams(state.ParamUpdate{RerankK: &rk})
	}
	if cfg.RerankKRange.Lo < 500 {
		cfg.RerankKRange.Lo = 500
	}
	return cfg
}

// State returns the controller's underlying tuning state (read-only use
// expected outside the owning singleton).
func (c *Controller) State() *state.State { return c.state }

// Policy returns the controller's resolved policy.
func (c *Controller) Policy() policy.Policy { return c.policy }

func clipKnob(v int, r params.Range) int {
	f := float64(v)
	if f < r.Lo {
		f = r.Lo
	}
	if f > r.Hi {
		f = r.Hi
	}
	return int(f)
}

func fracStep(current int, frac float64, minStep int) int {
	mag := math.Round(math.Abs(float64(current)) * frac)
	if mag < float64(minStep) {
		mag = float64(minStep)
	}
	return int(mag)
}

// Suggest runs one controller tick: ingest -> safety -> rescue -> propose ->
// clip -> guard -> commit -> persist (persistence is the caller's
// responsibility via internal/store; Suggest itself only mutates state).
func (c *Controller) Suggest(p95, recall, coverage float64) (efSearch, rerankK int, err error) {
	c.state.UpdateMetrics(p95, recall, coverage)

	safety := c.state.CheckSafetyLimits(c.cfg.TargetP95Ms, c.cfg.TargetRecall)
	if !safety.CoverageOK {
		c.publish(events.CategorySafety, "coverage_below_threshold", map[string]interface{}{"coverage": coverage})
		return 0, 0, &SafetyFatalError{Coverage: coverage}
	}
	if safety.P95Spike {
		c.state.SetEmergencyMode(true)
		c.publish(events.CategorySafety, "emergency_enter", map[string]interface{}{"p95_ms": p95, "target_p95_ms": c.cfg.TargetP95Ms})
		emerg := c.policy.GetEmergencyAdjustments()
		ef := clipKnob(int(math.Round(float64(c.state.EfSearch)*emerg.EfSearch)), c.cfg.EfSearchRange)
		rk := clipKnob(int(math.Round(float64(c.state.RerankK)*emerg.RerankK)), c.cfg.RerankKRange)
		c.state.UpdateParams(state.ParamUpdate{EfSearch: &ef, RerankK: &rk})
		return ef, rk, nil
	}

	if c.tryRescue() {
		c.runRerankOnlyStep()
		c.maybeExitEmergency()
		return c.state.EfSearch, c.state.RerankK, nil
	}

	c.runFullStep()
	c.maybeExitEmergency()
	return c.state.EfSearch, c.state.RerankK, nil
}

// tryRescue implements spec §4.4 step 3: if the rescue deque is full and its
// minimum recall is below target, commit a one-shot rescue bump and report
// that the normal decrease path should be skipped this tick.
func (c *Controller) tryRescue() bool {
	recalls := c.state.RecentRecalls()
	if len(recalls) < c.cfg.RescueWindow {
		return false
	}
	minRecall := recalls[0]
	for _, v := range recalls[1:] {
		if v < minRecall {
			minRecall = v
		}
	}
	if minRecall >= c.cfg.TargetRecall {
		return false
	}
	ef := clipKnob(c.state.EfSearch+c.cfg.RescueEf, c.cfg.EfSearchRange)
	rk := clipKnob(c.state.RerankK+c.cfg.RescueRerank, c.cfg.RerankKRange)
	c.state.UpdateParams(state.ParamUpdate{EfSearch: &ef, RerankK: &rk})
	c.publish(events.CategoryGuard, "rescue_applied", map[string]interface{}{"ef_search": ef, "rerank_k": rk, "min_recall": minRecall})
	return true
}

// runRerankOnlyStep evaluates step 5's rerank_k bullets against the
// post-rescue state and runs them through the normal clip/guard/commit
// pipeline, leaving ef_search untouched this tick (Open Question decision
// 3: rescue only skips the ef decrease path, not rerank_k logic).
func (c *Controller) runRerankOnlyStep() {
	smoothed := c.state.GetSmoothedMetrics()
	stepFrac := c.policy.CalculateStepSize(toPolicyView(smoothed), policy.Targets{P95Ms: c.cfg.TargetP95Ms, Recall: c.cfg.TargetRecall})
	proposedRerank := c.proposeRerank(smoothed, stepFrac)
	proposedRerank = clipKnob(proposedRerank, c.cfg.RerankKRange)
	c.applyGuardedRerank(proposedRerank)
}

// runFullStep evaluates step 5's full bullet set for both knobs, clips,
// decrease-guards, and commits (spec §4.4 steps 4-8).
func (c *Controller) runFullStep() {
	smoothed := c.state.GetSmoothedMetrics()
	stepFrac := c.policy.CalculateStepSize(toPolicyView(smoothed), policy.Targets{P95Ms: c.cfg.TargetP95Ms, Recall: c.cfg.TargetRecall})

	proposedEf := c.proposeEf(smoothed)
	proposedRerank := c.proposeRerank(smoothed, stepFrac)

	proposedEf = clipKnob(proposedEf, c.cfg.EfSearchRange)
	proposedRerank = clipKnob(proposedRerank, c.cfg.RerankKRange)

	c.applyGuardedBoth(proposedEf, proposedRerank)
}

func (c *Controller) proposeEf(smoothed state.SmoothedMetrics) int {
	current := c.state.EfSearch
	if smoothed.RecallAt10 < c.cfg.TargetRecall-c.cfg.RecallMargin && current < c.cfg.EfSearchRange.Hi {
		return current + c.cfg.StepUp
	}
	if smoothed.P95Ms > c.cfg.TargetP95Ms*c.cfg.LatencyHi && current > c.cfg.EfSearchRange.Lo {
		return current - c.cfg.StepDown
	}
	return current
}

func (c *Controller) proposeRerank(smoothed state.SmoothedMetrics, stepFrac policy.StepSizes) int {
	current := c.state.RerankK
	rerankStep := fracStep(current, stepFrac.RerankK, 1)
	if smoothed.P95Ms > c.cfg.TargetP95Ms {
		return current - rerankStep
	}
	if smoothed.P95Ms < c.cfg.TargetP95Ms*c.cfg.LatencyLo && smoothed.RecallAt10 < c.cfg.TargetRecall-c.cfg.RecallMargin {
		return current + int(math.Round(0.5*float64(rerankStep)))
	}
	return current
}

// decreaseAllowed implements spec §4.4 step 7's guard predicate.
func (c *Controller) decreaseAllowed() bool {
	queue := c.state.RecentRecallQueue()
	if len(queue) < c.cfg.GuardRecallBatches {
		return false
	}
	min := queue[0]
	for _, v := range queue[1:] {
		if v < min {
			min = v
		}
	}
	if min < c.cfg.TargetRecall+c.cfg.GuardRecallMargin {
		return false
	}
	return c.state.BatchesSinceDecrease() >= c.cfg.CooldownDecreaseBatches
}

func (c *Controller) applyGuardedBoth(proposedEf, proposedRerank int) {
	decreased := proposedEf < c.state.EfSearch || proposedRerank < c.state.RerankK
	if !decreased {
		c.state.UpdateParams(state.ParamUpdate{EfSearch: &proposedEf, RerankK: &proposedRerank})
		c.state.AdvanceBatchesSinceDecrease()
		return
	}
	if c.decreaseAllowed() {
		c.state.UpdateParams(state.ParamUpdate{EfSearch: &proposedEf, RerankK: &proposedRerank})
		c.state.ResetBatchesSinceDecrease()
		return
	}
	c.publish(events.CategoryGuard, "decrease_blocked", map[string]interface{}{"proposed_ef": proposedEf, "proposed_rerank": proposedRerank})
	ef, rk := c.state.EfSearch, c.state.RerankK
	c.state.UpdateParams(state.ParamUpdate{EfSearch: &ef, RerankK: &rk})
}

func (c *Controller) applyGuardedRerank(proposedRerank int) {
	decreased := proposedRerank < c.state.RerankK
	if !decreased {
		c.state.UpdateParams(state.ParamUpdate{RerankK: &proposedRerank})
		c.state.AdvanceBatchesSinceDecrease()
		return
	}
	if c.decreaseAllowed() {
		c.state.UpdateParams(state.ParamUpdate{RerankK: &proposedRerank})
		c.state.ResetBatchesSinceDecrease()
		return
	}
	c.publish(events.CategoryGuard, "decrease_blocked", map[string]interface{}{"proposed_rerank": proposedRerank})
	rk := c.state.RerankK
	c.state.UpdateParams(state.ParamUpdate{RerankK: &rk})
}

// maybeExitEmergency implements spec §4.4 step 9. "Reset failure counters"
// names no other field in the TuningState data model (spec §3), so this
// clears only the emergency flag.
func (c *Controller) maybeExitEmergency() {
	if !c.state.IsEmergencyMode() {
		return
	}
	smoothed := c.state.GetSmoothedMetrics()
	if smoothed.P95Ms < 1.5*c.cfg.TargetP95Ms {
		c.state.SetEmergencyMode(false)
		c.publish(events.CategorySafety, "emergency_exit", nil)
	}
}

// ShouldStopTuning implements spec §4.4's should_stop_tuning.
func (c *Controller) ShouldStopTuning() bool {
	if c.state.HistoryLen() < uint64(c.cfg.MinBatches) {
		return false
	}
	convergence := c.state.GetConvergenceStatus()
	if convergence.Converged && c.lastNSatisfySLO(5) {
		return true
	}
	return c.lastNSatisfySLO(15)
}

func (c *Controller) lastNSatisfySLO(n int) bool {
	history := c.state.RecentMetrics()
	if len(history) < n {
		return false
	}
	tail := history[len(history)-n:]
	for _, snap := range tail {
		if snap.P95Ms > c.cfg.TargetP95Ms || snap.RecallAt10 < c.cfg.TargetRecall {
			return false
		}
	}
	return true
}

// Reset rebuilds state preserving configured ranges and EMA alpha (spec
// §4.4's reset contract): ef_search := 156, the same rerank_k floors, guards
// and rescue deque cleared, emergency cleared.
func (c *Controller) Reset() {
	fresh := state.New(state.Config{
		EfSearchRange:           c.cfg.EfSearchRange,
		RerankKRange:            c.cfg.RerankKRange,
		EMAAlpha:                c.cfg.EMAAlpha,
		TargetCoverage:          c.cfg.TargetCoverage,
		MaxHistory:              c.cfg.MaxHistory,
		CompactEvery:            c.cfg.CompactEvery,
		CompactKeepEvery:        c.cfg.CompactKeepEvery,
		GuardRecallBatches:      c.cfg.GuardRecallBatches,
		CooldownDecreaseBatches: c.cfg.CooldownDecreaseBatches,
		RescueWindow:            c.cfg.RescueWindow,
	}, 156, 1000, c.cfg.TargetP95Ms, c.cfg.TargetRecall)
	c.cfg = enforceQualityFloors(c.cfg, fresh)
	c.state = fresh
}

// SetPolicy validates and switches the active policy, preserving state.
func (c *Controller) SetPolicy(name string) error {
	if !policy.Valid(name) {
		return fmt.Errorf("unknown policy %q", name)
	}
	c.policy = policy.Resolve(name).Policy
	c.cfg.PolicyName = name
	return nil
}

// SetRanges hot-swaps the ef_search/rerank_k clip ranges (e.g. from a
// reloaded bootstrap file), re-applying the construction-time quality floors
// so a reload can never widen the ranges below them. Existing state is left
// untouched; the new ranges take effect on the controller's next tick.
func (c *Controller) SetRanges(efSearch, rerankK params.Range) {
	c.cfg.EfSearchRange = efSearch
	c.cfg.RerankKRange = rerankK
	if c.cfg.EfSearchRange.Hi < 256 {
		c.cfg.EfSearchRange.Hi = 256
	}
	if c.cfg.RerankKRange.Lo < 500 {
		c.cfg.RerankKRange.Lo = 500
	}
}

func (c *Controller) publish(category, eventType string, fields map[string]interface{}) {
	if c.cfg.Logger != nil {
		attrs := []any{"category", category}
		for k, v := range fields {
			attrs = append(attrs, k, v)
		}
		if category == events.CategorySafety {
			c.cfg.Logger.WarnCtx(context.Background(), eventType, attrs...)
		} else {
			c.cfg.Logger.InfoCtx(context.Background(), eventType, attrs...)
		}
	}
	if c.cfg.Events == nil {
		return
	}
	_ = c.cfg.Events.Publish(events.Event{Category: category, Type: eventType, Fields: fields})
}

func toPolicyView(s state.SmoothedMetrics) policy.SmoothedView {
	return policy.SmoothedView{P95Ms: s.P95Ms, RecallAt10: s.RecallAt10}
}
