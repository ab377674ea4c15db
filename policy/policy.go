// Package policy supplies the pluggable step-size and emergency-multiplier
// strategy (C3) the controller shapes its per-tick proposals with. Policies
// are stateless value types; Resolve is the only place policy names get
// parsed, with an explicit, logged fallback to Balanced.
package policy

// Targets is the (p95, recall) SLO pair a policy shapes steps against.
type Targets struct {
	P95Ms  float64
	Recall float64
}

// StepSizes are fractional per-knob step sizes the controller scales its
// integer step helpers by.
type StepSizes struct {
	EfSearch float64
	RerankK  float64
}

// EmergencyMultipliers scale current params down when p95 spikes
// catastrophically (spec §4.4 step 2).
type EmergencyMultipliers struct {
	EfSearch float64
	RerankK  float64
}

// Policy is the capability set every variant implements.
type Policy interface {
	Name() string
	CalculateStepSize(smoothed SmoothedView, targets Targets) StepSizes
	GetEmergencyAdjustments() EmergencyMultipliers
}

// SmoothedView is the subset of state.SmoothedMetrics a policy needs,
// declared locally so this package does not import internal/state.
type SmoothedView struct {
	P95Ms      float64
	RecallAt10 float64
}

const (
	NameLatencyFirst = "LatencyFirst"
	NameRecallFirst  = "RecallFirst"
	NameBalanced     = "Balanced"
)

// base holds one policy's table row (spec §4.3): name, base step sizes and
// emergency multipliers. Step-size shaping belongs to each policy's own
// CalculateStepSize, not here — the factors are per-policy, not shared.
type base struct {
	name               string
	baseEf, baseRerank float64
	emergEf, emergRerank float64
}

func (b base) Name() string { return b.name }

func (b base) GetEmergencyAdjustments() EmergencyMultipliers {
	return EmergencyMultipliers{EfSearch: b.emergEf, RerankK: b.emergRerank}
}

type latencyFirst struct{ base }

// CalculateStepSize reproduces LatencyFirstPolicy.calculate_step_size: more
// than 20% over target p95 calls for an aggressive latency cut (rerank_k
// x2.0, ef_search x1.5); more than 20% under target with recall still more
// than 5 points short affords a recall-leaning step instead (ef_search x0.8,
// rerank_k x1.2).
func (p latencyFirst) CalculateStepSize(smoothed SmoothedView, targets Targets) StepSizes {
	step := StepSizes{EfSearch: p.baseEf, RerankK: p.baseRerank}
	switch {
	case smoothed.P95Ms > targets.P95Ms*1.2:
		step.RerankK *= 2.0
		step.EfSearch *= 1.5
	case smoothed.P95Ms < targets.P95Ms*0.8:
		if smoothed.RecallAt10 < targets.Recall-0.05 {
			step.EfSearch *= 0.8
			step.RerankK *= 1.2
		}
	}
	return step
}

type recallFirst struct{ base }

// CalculateStepSize reproduces RecallFirstPolicy.calculate_step_size: more
// than 5 points under target recall calls for an aggressive recall push on
// both knobs (ef_search x1.5, rerank_k x1.2); absent that, more than 50%
// over target p95 forces a latency-leaning step instead (rerank_k x1.5,
// ef_search x0.8).
func (p recallFirst) CalculateStepSize(smoothed SmoothedView, targets Targets) StepSizes {
	step := StepSizes{EfSearch: p.baseEf, RerankK: p.baseRerank}
	switch {
	case smoothed.RecallAt10 < targets.Recall-0.05:
		step.EfSearch *= 1.5
		step.RerankK *= 1.2
	case smoothed.P95Ms > targets.P95Ms*1.5:
		step.RerankK *= 1.5
		step.EfSearch *= 0.8
	}
	return step
}

type balanced struct{ base }

// CalculateStepSize reproduces BalancedPolicy.calculate_step_size: the
// normalized distance of each metric from its target decides which one is
// "the bigger problem" (spec §4.3's "which target is further"). Whichever
// distance exceeds the other by 50% gets the larger amplification.
func (p balanced) CalculateStepSize(smoothed SmoothedView, targets Targets) StepSizes {
	step := StepSizes{EfSearch: p.baseEf, RerankK: p.baseRerank}

	p95Distance := absFloat(smoothed.P95Ms-targets.P95Ms) / targets.P95Ms
	recallDistance := absFloat(smoothed.RecallAt10-targets.Recall) / targets.Recall

	switch {
	case p95Distance > recallDistance*1.5:
		step.RerankK *= 1.3
		step.EfSearch *= 1.2
	case recallDistance > p95Distance*1.5:
		step.EfSearch *= 1.3
		step.RerankK *= 1.1
	}
	return step
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// LatencyFirst favors latency headroom: smaller ef steps, larger rerank
// steps, and the most aggressive emergency ef cut.
func LatencyFirst() Policy {
	return latencyFirst{base{name: NameLatencyFirst, baseEf: 0.15, baseRerank: 0.25, emergEf: 0.70, emergRerank: 0.50}}
}

// RecallFirst favors recall headroom: larger ef steps, smaller rerank steps.
func RecallFirst() Policy {
	return recallFirst{base{name: NameRecallFirst, baseEf: 0.25, baseRerank: 0.15, emergEf: 0.80, emergRerank: 0.60}}
}

// Balanced splits the difference and is the fallback for unknown names.
func Balanced() Policy {
	return balanced{base{name: NameBalanced, baseEf: 0.20, baseRerank: 0.20, emergEf: 0.75, emergRerank: 0.55}}
}

// ResolveResult carries the resolved policy plus whether the requested name
// was recognized, so callers can log a warning without parsing errors.
type ResolveResult struct {
	Policy    Policy
	Fallback  bool
	Requested string
}

// Resolve maps a policy name to its implementation. Unknown names fall back
// to Balanced with Fallback=true so the caller can emit a warning.
func Resolve(name string) ResolveResult {
	switch name {
	case NameLatencyFirst:
		return ResolveResult{Policy: LatencyFirst(), Requested: name}
	case NameRecallFirst:
		return ResolveResult{Policy: RecallFirst(), Requested: name}
	case NameBalanced:
		return ResolveResult{Policy: Balanced(), Requested: name}
	default:
		return ResolveResult{Policy: Balanced(), Fallback: true, Requested: name}
	}
}

// Valid reports whether name is one of the three recognized policy names.
func Valid(name string) bool {
	switch name {
	case NameLatencyFirst, NameRecallFirst, NameBalanced:
		return true
	default:
		return false
	}
}
