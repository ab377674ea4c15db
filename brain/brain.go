// Package brain implements the second, independent regulator (C5): a pure
// function over a fixed four-knob space {ef, T, Ncand_max, rerank_mult} with
// hard ranges, joint invariants, an optional memory-driven sweet-spot nudge,
// cooldown/hysteresis, and anti-oscillation. Decide never mutates its
// arguments and never blocks; every branch terminates in O(1).
//
// The canonical public naming (ef_search/rerank_k/candidate_k/threshold_T,
// shared with package params) is used at this package's own field names;
// legacy aliases (ef/rerank_mult/Ncand_max/T) are exposed only as accessor
// methods on Params, per the Open Question decision recorded in DESIGN.md.
package brain

import (
	"math"

	"github.com/vectune/autotune/params"
)

// DefaultStepMin is the memory-hook nudge granularity (spec §4.5 step 0).
const DefaultStepMin = 16

// Params is the Brain's own fixed knob space. Brain uses a narrower range
// table than the Controller's (ef [64,256], rerank treated as a small
// multiplier [2,6]); see BrainRanges.
type Params struct {
	EfSearch   int
	RerankK    float64 // canonical name; Brain scopes this as a small multiplier
	CandidateK int
	ThresholdT float64
}

// Legacy accessors (spec §3's source-naming convention), never the field
// names themselves.
func (p Params) Ef() int          { return p.EfSearch }
func (p Params) RerankMult() float64 { return p.RerankK }
func (p Params) Ncand() int       { return p.CandidateK }
func (p Params) T() float64       { return p.ThresholdT }

// ToMap converts to the shared sparse Params representation so Brain can
// reuse C1's clip/validate primitives.
func (p Params) ToMap() params.Params {
	return params.Params{
		params.EfSearch:   float64(p.EfSearch),
		params.RerankK:    p.RerankK,
		params.CandidateK: float64(p.CandidateK),
		params.ThresholdT: p.ThresholdT,
	}
}

// FromMap converts back from the shared sparse representation.
func FromMap(m params.Params) Params {
	return Params{
		EfSearch:   int(m[params.EfSearch]),
		RerankK:    m[params.RerankK],
		CandidateK: int(m[params.CandidateK]),
		ThresholdT: m[params.ThresholdT],
	}
}

// BrainRanges is the declared per-knob range table Brain uses (spec §3's
// "Brain uses [...]" column), distinct from params.DefaultRanges.
func BrainRanges() params.Ranges {
	return params.Ranges{
		params.EfSearch:   {Lo: 64, Hi: 256},
		params.RerankK:    {Lo: 2, Hi: 6},
		params.CandidateK: {Lo: 500, Hi: 2000},
		params.ThresholdT: {Lo: 200, Hi: 1200},
	}
}

// SLO is the target pair an input is evaluated against.
type SLO struct {
	P95Ms      float64
	RecallAt10 float64
}

// Guards carries the cooldown/stability flags the Controller/caller supply.
type Guards struct {
	Cooldown bool
	Stable   bool
}

// LastAction is the minimal history Decide needs for anti-oscillation.
type LastAction struct {
	Kind   ActionKind
	AgeSec float64
}

// TuningInput is the immutable record passed to Decide (spec §3).
type TuningInput struct {
	P95Ms           float64
	RecallAt10      float64
	QPS             float64
	Params          Params
	SLO             SLO
	Guards          Guards
	NearT           bool
	LastAction      *LastAction
	AdjustmentCount int
}

// MemoryHint carries the already-resolved C7 lookup for the bucket this
// input belongs to. Decide stays a pure function over fully-resolved
// inputs: it never queries memory itself, so it has no import on package
// memory and no side effects.
type MemoryHint struct {
	Enabled         bool
	SweetSpotFound  bool
	MeetsSLO        bool
	Stale           bool
	SweetEf         int
}

// ActionKind enumerates the Action sum type's variants (spec §3).
type ActionKind string

const (
	ActionNoop       ActionKind = "noop"
	ActionBumpEf     ActionKind = "bump_ef"
	ActionDropEf     ActionKind = "drop_ef"
	ActionBumpT      ActionKind = "bump_T"
	ActionDropT      ActionKind = "drop_T"
	ActionBumpRerank ActionKind = "bump_rerank"
	ActionDropRerank ActionKind = "drop_rerank"
	ActionBumpNcand  ActionKind = "bump_ncand"
	ActionDropNcand  ActionKind = "drop_ncand"
	ActionRollback   ActionKind = "rollback"
	ActionMultiKnob  ActionKind = "multi_knob"
)

// Reason is a typed vocabulary (SPEC_FULL.md §12 "Structured reason
// vocabulary") rather than ad hoc strings, so API consumers and tests can
// switch on it exhaustively.
type Reason string

const (
	ReasonWithinHysteresisBand       Reason = "within_hysteresis_band"
	ReasonCooldown                   Reason = "cooldown"
	ReasonCooldownActive             Reason = "cooldown_active"
	ReasonAtSweetSpot                Reason = "at_sweet_spot"
	ReasonFollowMemory               Reason = "follow_memory"
	ReasonHighLatencyRecallRedundancy Reason = "high_latency_with_recall_redundancy"
	ReasonLowRecallLatencyHeadroom   Reason = "low_recall_with_latency_headroom"
	ReasonNearTBoundaryPressure      Reason = "near_t_boundary_pressure"
	ReasonWithinSLOOrUncertain       Reason = "within_slo_or_uncertain"
	ReasonBundleCooldownMicroStep    Reason = "bundle_cooldown_micro_step"
)

// MultiKnobMode names the apply_updates execution strategy (C6).
type MultiKnobMode string

const (
	ModeSequential MultiKnobMode = "sequential"
	ModeAtomic     MultiKnobMode = "atomic"
)

// KnobDelta is one proposed change within a multi-knob bundle. Updates are
// carried as an ordered slice, not a map: the applier's feasibility
// projection and "first key" downgrade rule (spec §4.6) are defined in terms
// of priority/arrival order, which a Go map cannot express deterministically.
type KnobDelta struct {
	Knob  params.Knob
	Delta float64
}

// Action is the sum type Decide emits and ApplyAction/ApplyUpdates consume.
type Action struct {
	Kind    ActionKind
	Step    float64
	Reason  Reason
	AgeSec  float64
	Updates []KnobDelta
	Mode    MultiKnobMode
}

// Decide is the pure single-knob decision function (spec §4.5), evaluated
// in the exact order documented there: memory hook, cooldown guard,
// hysteresis band, high-latency/recall-headroom, low-recall/latency-
// headroom, near-T pressure, otherwise noop. Anti-oscillation is applied to
// every non-noop candidate (including the memory hook's) before emission.
func Decide(in TuningInput, mem MemoryHint) Action {
	if mem.Enabled && mem.SweetSpotFound && mem.MeetsSLO && !mem.Stale {
		diff := in.Params.EfSearch - mem.SweetEf
		if abs(diff) <= DefaultStepMin {
			return Action{Kind: ActionNoop, Reason: ReasonAtSweetSpot}
		}
		kind := ActionBumpEf
		step := float64(DefaultStepMin)
		if diff > 0 {
			kind = ActionDropEf
			step = -step
		}
		return applyAntiOscillation(Action{Kind: kind, Step: step, Reason: ReasonFollowMemory}, in)
	}

	if in.Guards.Cooldown {
		return Action{Kind: ActionNoop, Reason: ReasonCooldown}
	}

	if math.Abs(in.P95Ms-in.SLO.P95Ms) < 100 && math.Abs(in.RecallAt10-in.SLO.RecallAt10) < 0.02 {
		return Action{Kind: ActionNoop, Reason: ReasonWithinHysteresisBand}
	}

	var candidate Action
	switch {
	case in.P95Ms > in.SLO.P95Ms && in.RecallAt10 >= in.SLO.RecallAt10+0.05:
		if in.Params.EfSearch > 64 {
			candidate = Action{Kind: ActionDropEf, Step: -32, Reason: ReasonHighLatencyRecallRedundancy}
		} else {
			candidate = Action{Kind: ActionDropNcand, Step: -200, Reason: ReasonHighLatencyRecallRedundancy}
		}
	case in.RecallAt10 < in.SLO.RecallAt10 && in.P95Ms <= in.SLO.P95Ms-100:
		if in.Params.EfSearch < 256 {
			candidate = Action{Kind: ActionBumpEf, Step: 32, Reason: ReasonLowRecallLatencyHeadroom}
		} else {
			candidate = Action{Kind: ActionBumpRerank, Step: 1, Reason: ReasonLowRecallLatencyHeadroom}
		}
	case in.NearT && in.P95Ms > in.SLO.P95Ms && in.Guards.Stable:
		candidate = Action{Kind: ActionBumpT, Step: 100, Reason: ReasonNearTBoundaryPressure}
	default:
		return Action{Kind: ActionNoop, Reason: ReasonWithinSLOOrUncertain}
	}

	return applyAntiOscillation(candidate, in)
}

// applyAntiOscillation implements spec §4.5's anti-oscillation pass: a
// repeat of the same action kind inside the 10s cooldown window collapses to
// noop; once AdjustmentCount reaches two the step magnitude halves (sign
// preserved); otherwise the candidate is emitted unchanged.
func applyAntiOscillation(candidate Action, in TuningInput) Action {
	if in.LastAction != nil && in.LastAction.Kind == candidate.Kind && in.LastAction.AgeSec < 10 {
		return Action{Kind: ActionNoop, Reason: ReasonCooldownActive}
	}
	if in.AdjustmentCount >= 2 {
		candidate.Step /= 2
	}
	return candidate
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Bundle names a multi-knob decision bundle (spec §4.5 decide_multi_knob).
type Bundle string

const (
	BundleLatencyDrop Bundle = "latency_drop"
	BundleRecallGain  Bundle = "recall_gain"
	BundleSteadyNudge Bundle = "steady_nudge"
)

// MacroIndicators are the optional {L, R} signals DecideMultiKnob accepts;
// zero values mean "not supplied". DecideMultiKnob does not read them: ties
// between bundles go to the round-robin fallback.
type MacroIndicators struct {
	L, R float64
}

// MultiKnobState is the small amount of memory decide_multi_knob needs
// across ticks for its bundle cooldown and round-robin fallback. Callers own
// and persist one instance per controller; it is not part of TuningState.
type MultiKnobState struct {
	LastBundle    Bundle
	BundleAge     int
	RoundRobinIdx int
}

// DefaultBundleCooldown is the number of ticks after a bundle is selected
// during which only a single-knob micro-step is emitted (spec §4.5).
const DefaultBundleCooldown = 2

// DecideMultiKnob selects among the named bundles based on performance
// margins alone (and, on ambiguous ticks, a round-robin fallback; macro is
// accepted but not consulted), honoring the
// bundle cooldown. Complex step scaling and bandit exploration are feature-
// flagged off in this minimal core, per spec §4.5.
func DecideMultiKnob(in TuningInput, macro MacroIndicators, st *MultiKnobState) Action {
	if st.LastBundle != "" && st.BundleAge < DefaultBundleCooldown {
		st.BundleAge++
		return microStep(st.LastBundle)
	}

	bundle := selectBundle(in, macro, st)
	st.LastBundle = bundle
	st.BundleAge = 0
	return Action{
		Kind:    ActionMultiKnob,
		Updates: bundleUpdates(bundle),
		Mode:    ModeSequential,
		Reason:  Reason(bundle),
	}
}

func selectBundle(in TuningInput, macro MacroIndicators, st *MultiKnobState) Bundle {
	latencyOver := in.P95Ms > in.SLO.P95Ms
	recallUnder := in.RecallAt10 < in.SLO.RecallAt10

	switch {
	case latencyOver && !recallUnder:
		return BundleLatencyDrop
	case recallUnder && !latencyOver:
		return BundleRecallGain
	case !latencyOver && !recallUnder:
		return BundleSteadyNudge
	default:
		bundles := [...]Bundle{BundleLatencyDrop, BundleRecallGain, BundleSteadyNudge}
		b := bundles[st.RoundRobinIdx%len(bundles)]
		st.RoundRobinIdx++
		return b
	}
}

func bundleUpdates(b Bundle) []KnobDelta {
	switch b {
	case BundleLatencyDrop:
		return []KnobDelta{{Knob: params.RerankK, Delta: -10}, {Knob: params.EfSearch, Delta: -16}}
	case BundleRecallGain:
		return []KnobDelta{{Knob: params.EfSearch, Delta: 16}, {Knob: params.CandidateK, Delta: 100}}
	case BundleSteadyNudge:
		return []KnobDelta{{Knob: params.ThresholdT, Delta: 20}}
	default:
		return nil
	}
}

func microStep(bundle Bundle) Action {
	switch bundle {
	case BundleLatencyDrop:
		return Action{Kind: ActionDropRerank, Step: -1, Reason: ReasonBundleCooldownMicroStep}
	case BundleRecallGain:
		return Action{Kind: ActionBumpEf, Step: float64(DefaultStepMin), Reason: ReasonBundleCooldownMicroStep}
	default:
		return Action{Kind: ActionNoop, Reason: ReasonBundleCooldownMicroStep}
	}
}
