package brain

import "testing"

func baseInput(ef int, p95, recall float64) TuningInput {
	return TuningInput{
		P95Ms:      p95,
		RecallAt10: recall,
		Params:     Params{EfSearch: ef, RerankK: 3, CandidateK: 1000, ThresholdT: 500},
		SLO:        SLO{P95Ms: 200, RecallAt10: 0.85},
		Guards:     Guards{Cooldown: false, Stable: true},
	}
}

// S1
func TestDecideDropsEfUnderLatencyPressureWithRecallHeadroom(t *testing.T) {
	in := baseInput(128, 250, 0.92)
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionDropEf || a.Step != -32 {
		t.Fatalf("expected drop_ef/-32, got %+v", a)
	}
	if a.Reason != ReasonHighLatencyRecallRedundancy {
		t.Fatalf("unexpected reason %q", a.Reason)
	}
	applied := ApplyAction(in.Params, a, nil, nil)
	if applied.EfSearch != 96 {
		t.Fatalf("expected ef=96 after apply, got %d", applied.EfSearch)
	}
	if applied.RerankK != in.Params.RerankK || applied.CandidateK != in.Params.CandidateK {
		t.Fatalf("expected other knobs unchanged, got %+v", applied)
	}
}

// S2
func TestDecideBumpsEfUnderRecallDeficitWithLatencyHeadroom(t *testing.T) {
	in := baseInput(128, 90, 0.80)
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionBumpEf || a.Step != 32 {
		t.Fatalf("expected bump_ef/+32, got %+v", a)
	}
	applied := ApplyAction(in.Params, a, nil, nil)
	if applied.EfSearch != 160 {
		t.Fatalf("expected ef=160, got %d", applied.EfSearch)
	}
}

// S3
func TestDecideFloorOnEfDivertsToDropNcand(t *testing.T) {
	in := baseInput(64, 250, 0.92)
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionDropNcand || a.Step != -200 {
		t.Fatalf("expected drop_ncand/-200, got %+v", a)
	}
	applied := ApplyAction(in.Params, a, nil, nil)
	if applied.CandidateK != 800 {
		t.Fatalf("expected Ncand_max=800, got %d", applied.CandidateK)
	}
}

// S4
func TestDecideHysteresisAbsorbsSmallError(t *testing.T) {
	in := baseInput(128, 210, 0.86)
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionNoop || a.Reason != ReasonWithinHysteresisBand {
		t.Fatalf("expected noop/within_hysteresis_band, got %+v", a)
	}
	applied := ApplyAction(in.Params, a, nil, nil)
	if applied != in.Params {
		t.Fatalf("expected params unchanged on noop, got %+v", applied)
	}
}

// S5
func TestDecideCooldownSuppressesRepeat(t *testing.T) {
	in := baseInput(128, 250, 0.92)
	in.LastAction = &LastAction{Kind: ActionDropEf, AgeSec: 5}
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionNoop || a.Reason != ReasonCooldownActive {
		t.Fatalf("expected noop/cooldown_active, got %+v", a)
	}
}

func TestDecideCooldownGuardShortCircuits(t *testing.T) {
	in := baseInput(128, 250, 0.92)
	in.Guards.Cooldown = true
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionNoop || a.Reason != ReasonCooldown {
		t.Fatalf("expected noop/cooldown, got %+v", a)
	}
}

func TestDecideAdjustmentCountHalvesStep(t *testing.T) {
	in := baseInput(128, 250, 0.92)
	in.AdjustmentCount = 2
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionDropEf || a.Step != -16 {
		t.Fatalf("expected halved step -16, got %+v", a)
	}
}

func TestDecideNearTBoundaryPressure(t *testing.T) {
	// p95 far enough over SLO to clear hysteresis, recall exactly at SLO so
	// neither the high-latency nor low-recall branch fires.
	in := baseInput(128, 350, 0.85)
	in.NearT = true
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionBumpT || a.Step != 100 {
		t.Fatalf("expected bump_T/+100, got %+v", a)
	}
}

func TestDecideOtherwiseNoop(t *testing.T) {
	// p95 within the hysteresis window but recall far enough below SLO that
	// the hysteresis band's recall clause fails, and not low enough p95 for
	// the low-recall/latency-headroom branch either.
	in := baseInput(128, 205, 0.70)
	a := Decide(in, MemoryHint{})
	if a.Kind != ActionNoop || a.Reason != ReasonWithinSLOOrUncertain {
		t.Fatalf("expected noop/within_slo_or_uncertain, got %+v", a)
	}
}

func TestDecideMemoryHookAtSweetSpot(t *testing.T) {
	in := baseInput(128, 250, 0.92)
	mem := MemoryHint{Enabled: true, SweetSpotFound: true, MeetsSLO: true, Stale: false, SweetEf: 120}
	a := Decide(in, mem)
	if a.Kind != ActionNoop || a.Reason != ReasonAtSweetSpot {
		t.Fatalf("expected noop/at_sweet_spot, got %+v", a)
	}
}

func TestDecideMemoryHookFollowsTowardSweetSpot(t *testing.T) {
	in := baseInput(128, 250, 0.92)
	mem := MemoryHint{Enabled: true, SweetSpotFound: true, MeetsSLO: true, Stale: false, SweetEf: 60}
	a := Decide(in, mem)
	if a.Kind != ActionDropEf || a.Step != -float64(DefaultStepMin) || a.Reason != ReasonFollowMemory {
		t.Fatalf("expected drop_ef/-16/follow_memory, got %+v", a)
	}
}

func TestDecideMemoryHookIgnoredWhenStale(t *testing.T) {
	in := baseInput(128, 250, 0.92)
	mem := MemoryHint{Enabled: true, SweetSpotFound: true, MeetsSLO: true, Stale: true, SweetEf: 60}
	a := Decide(in, mem)
	if a.Kind != ActionDropEf || a.Reason != ReasonHighLatencyRecallRedundancy {
		t.Fatalf("expected stale memory hint ignored, fell through to step3, got %+v", a)
	}
}

func TestDecideMultiKnobBundleCooldownEmitsMicroStep(t *testing.T) {
	in := baseInput(128, 250, 0.80) // latency over, recall also under -> ambiguous first tick
	st := &MultiKnobState{}
	first := DecideMultiKnob(in, MacroIndicators{}, st)
	if first.Kind != ActionMultiKnob {
		t.Fatalf("expected first tick to select a bundle, got %+v", first)
	}
	second := DecideMultiKnob(in, MacroIndicators{}, st)
	if second.Kind == ActionMultiKnob {
		t.Fatalf("expected cooldown micro-step on immediate second tick, got %+v", second)
	}
}

func TestApplyActionNoopAndRollbackPassThrough(t *testing.T) {
	p := Params{EfSearch: 128, RerankK: 3, CandidateK: 1000, ThresholdT: 500}
	for _, kind := range []ActionKind{ActionNoop, ActionRollback} {
		out := ApplyAction(p, Action{Kind: kind}, nil, nil)
		if out != p {
			t.Fatalf("expected %s to pass through unchanged, got %+v", kind, out)
		}
	}
}
