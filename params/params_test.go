package params

import "testing"

func TestClipParamsIdempotent(t *testing.T) {
	ranges := DefaultRanges()
	p := Params{EfSearch: 9000, RerankK: -5, "custom_knob": 42}
	once := ClipParams(p, ranges)
	twice := ClipParams(once, ranges)
	if !paramsEqual(once, twice) {
		t.Fatalf("clip not idempotent: once=%v twice=%v", once, twice)
	}
	if once[EfSearch] != ranges[EfSearch].Hi {
		t.Fatalf("expected ef_search clipped to %v, got %v", ranges[EfSearch].Hi, once[EfSearch])
	}
	if once[RerankK] != ranges[RerankK].Lo {
		t.Fatalf("expected rerank_k clipped to %v, got %v", ranges[RerankK].Lo, once[RerankK])
	}
	if once["custom_knob"] != 42 {
		t.Fatalf("expected unknown key to pass through untouched, got %v", once["custom_knob"])
	}
}

func TestClipParamsMissingKeysStayMissing(t *testing.T) {
	ranges := DefaultRanges()
	p := Params{EfSearch: 10}
	out := ClipParams(p, ranges)
	if _, ok := out[RerankK]; ok {
		t.Fatalf("expected rerank_k to stay absent, got %v", out[RerankK])
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one key in output, got %v", out)
	}
}

func TestIsParamValid(t *testing.T) {
	ranges := DefaultRanges()
	if !IsParamValid(Params{EfSearch: 128}, ranges) {
		t.Fatalf("expected 128 to be a valid ef_search")
	}
	if IsParamValid(Params{EfSearch: 1}, ranges) {
		t.Fatalf("expected 1 to be an invalid ef_search")
	}
}

func TestValidateJointConstraints(t *testing.T) {
	cases := []struct {
		name  string
		p     Params
		valid bool
	}{
		{"rerank_within_candidate", Params{RerankK: 500, CandidateK: 1000}, true},
		{"rerank_exceeds_candidate", Params{RerankK: 1500, CandidateK: 1000}, false},
		{"ef_within_bound", Params{EfSearch: 2000, CandidateK: 1000}, true},
		{"ef_exceeds_bound", Params{EfSearch: 4001, CandidateK: 1000}, false},
		{"threshold_in_range", Params{ThresholdT: 600}, true},
		{"threshold_out_of_range", Params{ThresholdT: 50}, false},
		{"partial_params_unconstrained", Params{RerankK: 999999}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ValidateJointConstraints(c.p); got != c.valid {
				t.Fatalf("ValidateJointConstraints(%v) = %v, want %v", c.p, got, c.valid)
			}
		})
	}
}

func TestClipJointFixesRerankAgainstCandidate(t *testing.T) {
	ranges := DefaultRanges()
	p := Params{RerankK: 1200, CandidateK: 500}
	out, clipped, reasons := ClipJoint(p, ranges, false)
	if !clipped {
		t.Fatalf("expected clip to fire")
	}
	if out[RerankK] != 500 {
		t.Fatalf("expected rerank_k clipped down to candidate_k=500, got %v", out[RerankK])
	}
	if !ValidateJointConstraints(out) {
		t.Fatalf("result still violates joint constraints: %v", out)
	}
	found := false
	for _, r := range reasons {
		if r == ReasonRerankVsCand {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ReasonRerankVsCand in %v", reasons)
	}
}

func TestClipJointFixesEfAgainstCandidate(t *testing.T) {
	// DefaultRanges caps ef_search at 256 and floors candidate_k at 500, so
	// ef_search <= 4*candidate_k always holds there; widen the ef_search range
	// so the joint clip has a violation to fix.
	ranges := Ranges{EfSearch: {Lo: 4, Hi: 4096}, CandidateK: {Lo: 500, Hi: 2000}}
	p := Params{EfSearch: 2400, CandidateK: 500}
	out, clipped, _ := ClipJoint(p, ranges, false)
	if !clipped {
		t.Fatalf("expected clip to fire for ef_search > 4*candidate_k")
	}
	if out[EfSearch] != 2000 {
		t.Fatalf("expected ef_search clipped to 4*500=2000, got %v", out[EfSearch])
	}
}

func TestClipJointIdempotentAfterFix(t *testing.T) {
	ranges := DefaultRanges()
	p := Params{EfSearch: 9000, RerankK: 1200, CandidateK: 500, ThresholdT: 1500}
	once, _, _ := ClipJoint(p, ranges, false)
	twice, clippedAgain, _ := ClipJoint(once, ranges, false)
	if clippedAgain {
		t.Fatalf("expected fixed point after one clip_joint pass, got second clip: %v -> %v", once, twice)
	}
	if !ValidateJointConstraints(twice) || !IsParamValid(twice, ranges) {
		t.Fatalf("expected feasible fixed point, got %v", twice)
	}
}

func TestClipJointSimulateOnlyDoesNotMutateInput(t *testing.T) {
	ranges := DefaultRanges()
	p := Params{EfSearch: 9000}
	before := p.Clone()
	_, _, _ = ClipJoint(p, ranges, true)
	if !paramsEqual(p, before) {
		t.Fatalf("simulate-only clip mutated caller's map: before=%v after=%v", before, p)
	}
}

func TestClipJointNoOpWhenAlreadyFeasible(t *testing.T) {
	ranges := DefaultRanges()
	p := Params{EfSearch: 128, RerankK: 400, CandidateK: 1000, ThresholdT: 600}
	out, clipped, reasons := ClipJoint(p, ranges, false)
	if clipped {
		t.Fatalf("expected no clip for already-feasible params, got reasons=%v out=%v", reasons, out)
	}
}

func TestNormalizeThreshold(t *testing.T) {
	if got := NormalizeThreshold(600); got != 0.6 {
		t.Fatalf("NormalizeThreshold(600) = %v, want 0.6", got)
	}
}

func TestGetParamRangesReturnsIndependentCopy(t *testing.T) {
	r := GetParamRanges(nil)
	r[EfSearch] = Range{Lo: 0, Hi: 0}
	r2 := GetParamRanges(nil)
	if r2[EfSearch] != (Range{Lo: 4, Hi: 256}) {
		t.Fatalf("mutating returned ranges leaked into default table: %v", r2[EfSearch])
	}
}
