// Package params declares the autotuner's knob space: per-knob ranges, the
// joint feasibility invariants that relate them, and the clipping/
// feasibility-projection primitives both regulators (the hysteretic
// Controller and the pure-function Brain) build on.
//
// Params is a sparse map rather than a fixed struct so that clip_params can
// satisfy its "unknown keys pass through untouched, missing keys stay
// missing" contract without reflection: callers that only care about one or
// two knobs (e.g. the Controller, which never touches candidate_k or
// threshold_T) simply never populate the others.
package params

import "fmt"

// Knob names the canonical public surface (see SPEC_FULL.md §14 / DESIGN.md
// Open Question 1). Legacy aliases (ef, rerank_mult, Ncand_max, T) are a
// Brain-boundary concern, not part of this package.
type Knob string

const (
	EfSearch   Knob = "ef_search"
	RerankK    Knob = "rerank_k"
	CandidateK Knob = "candidate_k"
	ThresholdT Knob = "threshold_T"
)

// KnobByName resolves a canonical knob name string (as it would appear in a
// config file or API payload) to its Knob constant.
func KnobByName(name string) (Knob, bool) {
	switch Knob(name) {
	case EfSearch, RerankK, CandidateK, ThresholdT:
		return Knob(name), true
	default:
		return "", false
	}
}

// Params is a sparse knob -> value map. Values for range-bound knobs are
// stored as their natural units (ef_search, rerank_k, candidate_k as counts;
// threshold_T as the raw [200,1200] value, not pre-normalized).
type Params map[Knob]float64

// Clone returns an independent copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Range is an inclusive [Lo, Hi] bound for one knob.
type Range struct{ Lo, Hi float64 }

func (r Range) clip(v float64) float64 {
	if v < r.Lo {
		return r.Lo
	}
	if v > r.Hi {
		return r.Hi
	}
	return v
}

// Ranges is the declared per-knob range table.
type Ranges map[Knob]Range

// DefaultRanges returns the canonical declared table from spec §3.
func DefaultRanges() Ranges {
	return Ranges{
		EfSearch:   {Lo: 4, Hi: 256},
		RerankK:    {Lo: 100, Hi: 1200},
		CandidateK: {Lo: 500, Hi: 2000},
		ThresholdT: {Lo: 200, Hi: 1200},
	}
}

// GetParamRanges returns the declared table (C1 "get_param_ranges").
func GetParamRanges(r Ranges) Ranges {
	if r == nil {
		return DefaultRanges()
	}
	out := make(Ranges, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ClipParams performs a per-knob range clip. It is idempotent: unknown keys
// pass through untouched and missing keys stay missing.
func ClipParams(p Params, ranges Ranges) Params {
	out := make(Params, len(p))
	for k, v := range p {
		if rg, ok := ranges[k]; ok {
			out[k] = rg.clip(v)
			continue
		}
		out[k] = v
	}
	return out
}

// IsParamValid reports whether every present knob is within its declared
// range. Knobs absent from p are not checked; knobs absent from ranges are
// assumed valid.
func IsParamValid(p Params, ranges Ranges) bool {
	for k, v := range p {
		if rg, ok := ranges[k]; ok {
			if v < rg.Lo || v > rg.Hi {
				return false
			}
		}
	}
	return true
}

// ValidateJointConstraints reports whether p satisfies the joint invariants
// (canonical form, per spec §3/§4.1/SPEC_FULL.md §14 Open Question 1):
//
//	rerank_k    <= candidate_k
//	ef_search   <= 4 * candidate_k
//	threshold_T in [200, 1200] (equivalently: normalized T/1000 in [0,1])
//
// A knob missing from p is treated as unconstrained for that particular
// invariant (there is nothing to violate).
func ValidateJointConstraints(p Params) bool {
	if rerankK, ok := p[RerankK]; ok {
		if candK, ok := p[CandidateK]; ok && rerankK > candK {
			return false
		}
	}
	if ef, ok := p[EfSearch]; ok {
		if candK, ok := p[CandidateK]; ok && ef > 4*candK {
			return false
		}
	}
	if t, ok := p[ThresholdT]; ok {
		if t < 200 || t > 1200 {
			return false
		}
	}
	return true
}

// NormalizeThreshold maps the raw [200,1200] threshold_T value onto [0,1].
func NormalizeThreshold(raw float64) float64 { return raw / 1000 }

// ClipReason names which invariant a clip_joint call corrected, for the
// simulate-only reason list.
type ClipReason string

const (
	ReasonRangeClip     ClipReason = "range_clip"
	ReasonRerankVsCand  ClipReason = "rerank_k_exceeds_candidate_k"
	ReasonEfVsCand      ClipReason = "ef_search_exceeds_4x_candidate_k"
	ReasonThresholdClip ClipReason = "threshold_t_out_of_range"
)

// ClipJoint performs a per-knob range clip followed by the joint fix policy
// of spec §4.1, strictly monotone toward feasibility (it never overshoots
// and never touches knobs a violation does not implicate). When
// simulateOnly is true the input is left unmutated; ClipJoint always builds
// and returns a fresh Params regardless, so callers never need to guard
// against aliasing.
func ClipJoint(p Params, ranges Ranges, simulateOnly bool) (out Params, wasClipped bool, reasons []ClipReason) {
	before := p.Clone()
	out = ClipParams(p, ranges)
	if !paramsEqual(before, out) {
		wasClipped = true
		reasons = append(reasons, ReasonRangeClip)
	}

	if rerankK, ok := out[RerankK]; ok {
		if candK, ok := out[CandidateK]; ok && rerankK > candK {
			out[RerankK] = candK
			wasClipped = true
			reasons = append(reasons, ReasonRerankVsCand)
		}
	}
	if ef, ok := out[EfSearch]; ok {
		if candK, ok := out[CandidateK]; ok {
			limit := 4 * candK
			if ef > limit {
				out[EfSearch] = limit
				wasClipped = true
				reasons = append(reasons, ReasonEfVsCand)
			}
		}
	}
	if t, ok := out[ThresholdT]; ok {
		clipped := Range{Lo: 200, Hi: 1200}.clip(t)
		if clipped != t {
			out[ThresholdT] = clipped
			wasClipped = true
			reasons = append(reasons, ReasonThresholdClip)
		}
	}

	if simulateOnly {
		return out, wasClipped, reasons
	}
	return out, wasClipped, reasons
}

func paramsEqual(a, b Params) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// String renders a Params map deterministically for logging.
func (p Params) String() string {
	return fmt.Sprintf("{ef_search:%v rerank_k:%v candidate_k:%v threshold_T:%v}",
		p[EfSearch], p[RerankK], p[CandidateK], p[ThresholdT])
}
