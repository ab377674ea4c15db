package brain

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/vectune/autotune/params"
	"github.com/vectune/autotune/telemetry/logging"
	"github.com/vectune/autotune/telemetry/metrics"
)

// DefaultStepCaps is the canonical per-knob maximum absolute delta per tick
// (spec §4.6 "Step caps"). Every cap is in the raw units Brain stores the
// knob in: threshold_T lives in [200,1200], so its cap of 50 is 0.05 on the
// normalized T/1000 scale.
var DefaultStepCaps = map[params.Knob]float64{
	params.EfSearch:   16,
	params.CandidateK: 200,
	params.RerankK:    10,
	params.ThresholdT: 50,
}

// DefaultCapWarnThreshold is the number of consecutive capped updates that
// triggers a WARN event. The spec names the mechanism ("crosses a warning
// threshold") without a concrete value; 5 is the implementer default.
const DefaultCapWarnThreshold = 5

// Counters are the process-wide apply counters (spec §4.6): observability
// data, never decision inputs. Callers own one *Counters per process
// (internal/brainengine's Engine holds it) and pass it into every ApplyAction/
// ApplyUpdates call.
type Counters struct {
	DecideTotal       atomic.Int64
	ClippedCount      atomic.Int64
	RejectedByJoint   atomic.Int64
	RollbackCount     atomic.Int64
	EfUpdates         atomic.Int64
	CandidateUpdates  atomic.Int64
	RerankUpdates     atomic.Int64
	ThresholdUpdates  atomic.Int64
	consecutiveCapped atomic.Int64

	// metricsBridge mirrors every counter increment onto a metrics.Provider
	// (spec §10.2/§11) so a deployed process's /metrics shows apply activity
	// alongside the event-bus counters; nil when unwired (tests, offline use).
	metricsBridge *counterBridge
}

type counterBridge struct {
	decideTotal      metrics.Counter
	clipped          metrics.Counter
	rejectedJoint    metrics.Counter
	rollback         metrics.Counter
	efUpdates        metrics.Counter
	candidateUpdates metrics.Counter
	rerankUpdates    metrics.Counter
	thresholdUpdates metrics.Counter
}

// NewCounters returns a zeroed Counters with no metrics backend.
func NewCounters() *Counters { return &Counters{} }

// NewCountersWithProvider returns a zeroed Counters whose increments are
// also recorded on provider, under the "autotuner_apply_*" counter family.
func NewCountersWithProvider(provider metrics.Provider) *Counters {
	if provider == nil {
		return NewCounters()
	}
	newCounter := func(name, help string) metrics.Counter {
		return provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "autotuner", Subsystem: "apply", Name: name, Help: help,
		}})
	}
	return &Counters{
		metricsBridge: &counterBridge{
			decideTotal:      newCounter("decide_total", "Brain/Applier decisions processed"),
			clipped:          newCounter("clipped_total", "Applier commits that required a range/joint clip"),
			rejectedJoint:    newCounter("rejected_joint_total", "Applier commits rejected for joint infeasibility"),
			rollback:         newCounter("rollback_total", "Applier atomic-mode rollbacks"),
			efUpdates:        newCounter("ef_search_updates_total", "Committed ef_search updates"),
			candidateUpdates: newCounter("candidate_k_updates_total", "Committed candidate_k updates"),
			rerankUpdates:    newCounter("rerank_k_updates_total", "Committed rerank_k updates"),
			thresholdUpdates: newCounter("threshold_t_updates_total", "Committed threshold_T updates"),
		},
	}
}

func (c *Counters) incDecide() {
	c.DecideTotal.Add(1)
	if c.metricsBridge != nil {
		c.metricsBridge.decideTotal.Inc(1)
	}
}

func (c *Counters) incClipped() {
	c.ClippedCount.Add(1)
	if c.metricsBridge != nil {
		c.metricsBridge.clipped.Inc(1)
	}
}

func (c *Counters) incRejectedJoint() {
	c.RejectedByJoint.Add(1)
	if c.metricsBridge != nil {
		c.metricsBridge.rejectedJoint.Inc(1)
	}
}

func (c *Counters) incRollback() {
	c.RollbackCount.Add(1)
	if c.metricsBridge != nil {
		c.metricsBridge.rollback.Inc(1)
	}
}

// CountersSnapshot is a point-in-time read of Counters for status/metrics
// endpoints.
type CountersSnapshot struct {
	DecideTotal      int64
	ClippedCount     int64
	RejectedByJoint  int64
	RollbackCount    int64
	EfUpdates        int64
	CandidateUpdates int64
	RerankUpdates    int64
	ThresholdUpdates int64
}

// Snapshot reads all counters. Stale reads are acceptable per spec §5.
func (c *Counters) Snapshot() CountersSnapshot {
	if c == nil {
		return CountersSnapshot{}
	}
	return CountersSnapshot{
		DecideTotal:      c.DecideTotal.Load(),
		ClippedCount:     c.ClippedCount.Load(),
		RejectedByJoint:  c.RejectedByJoint.Load(),
		RollbackCount:    c.RollbackCount.Load(),
		EfUpdates:        c.EfUpdates.Load(),
		CandidateUpdates: c.CandidateUpdates.Load(),
		RerankUpdates:    c.RerankUpdates.Load(),
		ThresholdUpdates: c.ThresholdUpdates.Load(),
	}
}

func (c *Counters) recordKnob(k params.Knob) {
	if c == nil {
		return
	}
	switch k {
	case params.EfSearch:
		c.EfUpdates.Add(1)
		if c.metricsBridge != nil {
			c.metricsBridge.efUpdates.Inc(1)
		}
	case params.CandidateK:
		c.CandidateUpdates.Add(1)
		if c.metricsBridge != nil {
			c.metricsBridge.candidateUpdates.Inc(1)
		}
	case params.RerankK:
		c.RerankUpdates.Add(1)
		if c.metricsBridge != nil {
			c.metricsBridge.rerankUpdates.Inc(1)
		}
	case params.ThresholdT:
		c.ThresholdUpdates.Add(1)
		if c.metricsBridge != nil {
			c.metricsBridge.thresholdUpdates.Inc(1)
		}
	}
}

// ApplyAction implements C6's apply_action: functional, copies params,
// mutates the single implicated knob by step, passes noop/rollback through
// unchanged, then range/joint-clips the result.
func ApplyAction(p Params, a Action, ranges params.Ranges, counters *Counters) Params {
	if ranges == nil {
		ranges = BrainRanges()
	}
	if counters != nil {
		counters.incDecide()
	}

	switch a.Kind {
	case ActionNoop, ActionRollback:
		return p
	case ActionBumpEf, ActionDropEf:
		p.EfSearch += int(a.Step)
		counters.recordKnob(params.EfSearch)
	case ActionBumpT, ActionDropT:
		p.ThresholdT += a.Step
		counters.recordKnob(params.ThresholdT)
	case ActionBumpRerank, ActionDropRerank:
		p.RerankK += a.Step
		counters.recordKnob(params.RerankK)
	case ActionBumpNcand, ActionDropNcand:
		p.CandidateK += int(a.Step)
		counters.recordKnob(params.CandidateK)
	default:
		return p
	}

	before := p.ToMap()
	clipped, wasClipped, _ := params.ClipJoint(before, ranges, false)
	if wasClipped && counters != nil {
		counters.incClipped()
	}
	return FromMap(clipped)
}

// ApplyMode is apply_updates' execution strategy.
type ApplyMode string

const (
	ModeApplySequential ApplyMode = "sequential" // minimal-core default
	ModeApplyAtomic     ApplyMode = "atomic"     // feature-flagged; see ApplyOptions.AtomicEnabled
)

// MultiKnobStatus is apply_updates' result discriminant.
type MultiKnobStatus string

const (
	StatusCommitted  MultiKnobStatus = "committed"
	StatusRejected   MultiKnobStatus = "rejected"
	StatusRolledBack MultiKnobStatus = "rolled_back"
)

// RejectNoFeasibleUpdates is the reason string for an update set that has no
// jointly-feasible projection, even after single-knob downgrade.
const RejectNoFeasibleUpdates = "NO_FEASIBLE_UPDATES"

// MultiKnobResult is apply_updates' return value.
type MultiKnobResult struct {
	Status MultiKnobStatus
	Params Params
	Reason string
}

// ApplyOptions configures one ApplyUpdates call.
type ApplyOptions struct {
	Mode MultiKnobMode // default ModeSequential

	// AtomicEnabled gates the atomic path; with Mode=Atomic and this false,
	// ApplyUpdates falls back to sequential (spec §4.6).
	AtomicEnabled bool
	// RollbackEnabled gates whether a simulated atomic failure restores the
	// pre-state ("rolled_back") or is reported as a plain rejection
	// ("rejected"), per spec §4.6's "with rollback flag clear" clause.
	RollbackEnabled bool
	// SimulateFailure signals a downstream failure for atomic-mode testing.
	SimulateFailure bool

	Ranges           params.Ranges
	StepCaps         map[params.Knob]float64
	CapWarnThreshold int64
	Counters         *Counters
	Logger           logging.Logger
}

func (o ApplyOptions) ranges() params.Ranges {
	if o.Ranges == nil {
		return BrainRanges()
	}
	return o.Ranges
}

func (o ApplyOptions) stepCaps() map[params.Knob]float64 {
	if o.StepCaps == nil {
		return DefaultStepCaps
	}
	return o.StepCaps
}

func (o ApplyOptions) capWarnThreshold() int64 {
	if o.CapWarnThreshold <= 0 {
		return DefaultCapWarnThreshold
	}
	return o.CapWarnThreshold
}

// ApplyUpdates implements C6's apply_updates: step-cap the proposed deltas,
// then run the sequential or atomic commit path.
func ApplyUpdates(p Params, updates []KnobDelta, opts ApplyOptions) MultiKnobResult {
	capped := applyStepCaps(updates, opts.stepCaps(), opts.Counters, opts.capWarnThreshold(), opts.Logger)

	mode := opts.Mode
	if mode == "" {
		mode = ModeSequential
	}
	if mode == ModeAtomic && !opts.AtomicEnabled {
		mode = ModeSequential
	}

	if mode == ModeAtomic {
		return applyAtomic(p, capped, opts)
	}
	return applySequential(p, capped, opts)
}

func applyStepCaps(updates []KnobDelta, caps map[params.Knob]float64, counters *Counters, warnThreshold int64, logger logging.Logger) []KnobDelta {
	out := make([]KnobDelta, len(updates))
	anyCapped := false
	for i, u := range updates {
		d := u.Delta
		if capv, ok := caps[u.Knob]; ok && capv > 0 {
			if d > capv {
				d = capv
				anyCapped = true
			} else if d < -capv {
				d = -capv
				anyCapped = true
			}
		}
		out[i] = KnobDelta{Knob: u.Knob, Delta: d}
	}

	if counters == nil {
		return out
	}
	if anyCapped {
		n := counters.consecutiveCapped.Add(1)
		if n == warnThreshold && logger != nil {
			logger.WarnCtx(context.Background(), "consecutive step-capped updates reached warning threshold", "count", n)
		}
	} else {
		counters.consecutiveCapped.Store(0)
	}
	return out
}

// applySequential is the minimal-core default path: feasibility pre-
// projection by priority order (rerank_k, ef, candidate_k, threshold_T),
// each shrink halving the offending delta, then a single-knob downgrade,
// then a simulate-only joint clip gate before commit.
func applySequential(p Params, updates []KnobDelta, opts ApplyOptions) MultiKnobResult {
	ranges := opts.ranges()

	deltas, feasible := projectFeasible(p, updates, ranges)
	if !feasible {
		if len(updates) == 0 {
			recordRejectJoint(opts.Counters)
			return MultiKnobResult{Status: StatusRejected, Params: p, Reason: RejectNoFeasibleUpdates}
		}
		single := []KnobDelta{updates[0]}
		if feasiblePoint(p, single, ranges) {
			deltas = single
		} else {
			recordRejectJoint(opts.Counters)
			return MultiKnobResult{Status: StatusRejected, Params: p, Reason: RejectNoFeasibleUpdates}
		}
	}

	candidate := p.ToMap()
	for _, d := range deltas {
		candidate[d.Knob] = candidate[d.Knob] + d.Delta
	}

	_, wasClipped, reasons := params.ClipJoint(candidate, ranges, true)
	if wasClipped {
		recordRejectJoint(opts.Counters)
		reason := "unknown"
		if len(reasons) > 0 {
			reason = string(reasons[0])
		}
		return MultiKnobResult{Status: StatusRejected, Params: p, Reason: fmt.Sprintf("JOINT_CONSTRAINT: %s", reason)}
	}

	recordCommit(opts.Counters, deltas)
	return MultiKnobResult{Status: StatusCommitted, Params: FromMap(candidate)}
}

// applyAtomic merges all updates, snapshots the pre-state, clips for real,
// and either commits, rolls back (RollbackEnabled), or rejects (rollback
// flag clear) on a simulated downstream failure.
func applyAtomic(p Params, updates []KnobDelta, opts ApplyOptions) MultiKnobResult {
	ranges := opts.ranges()
	pre := p

	candidate := p.ToMap()
	for _, d := range updates {
		candidate[d.Knob] = candidate[d.Knob] + d.Delta
	}
	clipped, wasClipped, _ := params.ClipJoint(candidate, ranges, false)
	if wasClipped && opts.Counters != nil {
		opts.Counters.incClipped()
	}

	if opts.SimulateFailure {
		if opts.Counters != nil {
			opts.Counters.incDecide()
		}
		if opts.RollbackEnabled {
			if opts.Counters != nil {
				opts.Counters.incRollback()
			}
			return MultiKnobResult{Status: StatusRolledBack, Params: pre, Reason: "simulated_downstream_failure"}
		}
		return MultiKnobResult{Status: StatusRejected, Params: pre, Reason: "atomic_failure_no_rollback"}
	}

	recordCommit(opts.Counters, updates)
	return MultiKnobResult{Status: StatusCommitted, Params: FromMap(clipped)}
}

// projectFeasible shrinks updates toward feasibility in priority order
// (rerank_k, ef_search, candidate_k, threshold_T), halving each knob's delta
// exactly once and testing after every halving — mirroring
// apply.py's _make_feasible_updates. A knob absent from updates, or already
// at a zero delta, is skipped; the walk never revisits a knob once its
// single halving has been tried.
func projectFeasible(base Params, updates []KnobDelta, ranges params.Ranges) ([]KnobDelta, bool) {
	priority := []params.Knob{params.RerankK, params.EfSearch, params.CandidateK, params.ThresholdT}
	current := cloneDeltas(updates)

	if feasiblePoint(base, current, ranges) {
		return current, true
	}

	for _, k := range priority {
		for i := range current {
			if current[i].Knob != k || current[i].Delta == 0 {
				continue
			}
			current[i].Delta /= 2
			if feasiblePoint(base, current, ranges) {
				return current, true
			}
			break
		}
	}
	return current, false
}

func feasiblePoint(base Params, deltas []KnobDelta, ranges params.Ranges) bool {
	candidate := base.ToMap()
	for _, d := range deltas {
		candidate[d.Knob] = candidate[d.Knob] + d.Delta
	}
	return params.IsParamValid(candidate, ranges) && params.ValidateJointConstraints(candidate)
}

func cloneDeltas(updates []KnobDelta) []KnobDelta {
	out := make([]KnobDelta, len(updates))
	copy(out, updates)
	return out
}

func recordRejectJoint(counters *Counters) {
	if counters == nil {
		return
	}
	counters.incDecide()
	counters.incRejectedJoint()
}

func recordCommit(counters *Counters, deltas []KnobDelta) {
	if counters == nil {
		return
	}
	counters.incDecide()
	for _, d := range deltas {
		counters.recordKnob(d.Knob)
	}
}
