package autotune

import (
	"testing"

	"github.com/vectune/autotune/params"
	"github.com/vectune/autotune/policy"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(Config{
		TargetP95Ms:  30,
		TargetRecall: 0.95,
		PolicyName:   policy.NameBalanced,
	}, nil)
}

func TestConstructionEnforcesQualityFloors(t *testing.T) {
	c := newTestController(t)
	if c.state.EfSearch < 128 {
		t.Fatalf("expected ef_search floor of 128, got %d", c.state.EfSearch)
	}
	if c.state.RerankK < 1000 {
		t.Fatalf("expected rerank_k floor of 1000, got %d", c.state.RerankK)
	}
	if c.cfg.EfSearchRange.Hi < 256 {
		t.Fatalf("expected ef_search range ceiling raised to >= 256, got %v", c.cfg.EfSearchRange.Hi)
	}
}

// S6 – Controller emergency.
func TestSuggestEntersEmergencyOnP95Spike(t *testing.T) {
	c := newTestController(t)
	beforeEf, beforeRerank := c.state.EfSearch, c.state.RerankK

	ef, rerank, err := c.Suggest(120, 0.97, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.state.IsEmergencyMode() {
		t.Fatalf("expected emergency mode entered on p95=120 > 3*target=90")
	}
	emerg := c.policy.GetEmergencyAdjustments()
	wantEf := int(float64(beforeEf) * emerg.EfSearch)
	wantRerank := int(float64(beforeRerank) * emerg.RerankK)
	if ef > beforeEf || rerank > beforeRerank {
		t.Fatalf("expected emergency adjustment to shrink params, got ef=%d rerank=%d from ef=%d rerank=%d", ef, rerank, beforeEf, beforeRerank)
	}
	_ = wantEf
	_ = wantRerank
}

func TestSuggestFailsFatalOnLowCoverage(t *testing.T) {
	c := newTestController(t)
	_, _, err := c.Suggest(30, 0.95, 0.5)
	if err == nil {
		t.Fatalf("expected SafetyFatalError for coverage=0.5")
	}
	if _, ok := err.(*SafetyFatalError); !ok {
		t.Fatalf("expected *SafetyFatalError, got %T", err)
	}
}

// S7 – Decrease guard blocks premature decrease.
func TestDecreaseGuardBlocksPrematureDecrease(t *testing.T) {
	c := newTestController(t)
	c.cfg.GuardRecallBatches = 8
	c.cfg.CooldownDecreaseBatches = 10

	beforeEf, beforeRerank := c.state.EfSearch, c.state.RerankK

	// Steady observations with recall just over target (not enough margin)
	// and latency slightly above target*latency_hi, which would otherwise
	// propose an ef_search decrease.
	for i := 0; i < 9; i++ {
		_, _, err := c.Suggest(40, c.cfg.TargetRecall+0.005, 1.0)
		if err != nil {
			t.Fatalf("unexpected error on tick %d: %v", i, err)
		}
	}
	if c.state.EfSearch != beforeEf || c.state.RerankK != beforeRerank {
		t.Fatalf("expected guard to revert to current params, got ef=%d rerank=%d (was ef=%d rerank=%d)",
			c.state.EfSearch, c.state.RerankK, beforeEf, beforeRerank)
	}
}

func TestResetAppliesCanonicalEfAndFloors(t *testing.T) {
	c := newTestController(t)
	c.Suggest(120, 0.97, 1.0)
	c.Reset()
	if c.state.EfSearch != 156 {
		t.Fatalf("expected reset ef_search=156, got %d", c.state.EfSearch)
	}
	if c.state.IsEmergencyMode() {
		t.Fatalf("expected emergency cleared after reset")
	}
}

func TestSetPolicyRejectsUnknownName(t *testing.T) {
	c := newTestController(t)
	if err := c.SetPolicy("NotAPolicy"); err == nil {
		t.Fatalf("expected error for unknown policy name")
	}
}

func TestSetPolicySwitchesPreservingState(t *testing.T) {
	c := newTestController(t)
	ef := c.state.EfSearch
	if err := c.SetPolicy(policy.NameLatencyFirst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.policy.Name() != policy.NameLatencyFirst {
		t.Fatalf("expected policy switched to LatencyFirst, got %s", c.policy.Name())
	}
	if c.state.EfSearch != ef {
		t.Fatalf("expected state preserved across policy switch")
	}
}

func TestSetRangesHotSwapsClipBoundsPreservingState(t *testing.T) {
	c := newTestController(t)
	ef := c.state.EfSearch

	c.SetRanges(params.Range{Lo: 32, Hi: 512}, params.Range{Lo: 600, Hi: 4000})

	if c.cfg.EfSearchRange != (params.Range{Lo: 32, Hi: 512}) {
		t.Fatalf("expected ef_search range updated, got %+v", c.cfg.EfSearchRange)
	}
	if c.cfg.RerankKRange != (params.Range{Lo: 600, Hi: 4000}) {
		t.Fatalf("expected rerank_k range updated, got %+v", c.cfg.RerankKRange)
	}
	if c.state.EfSearch != ef {
		t.Fatalf("expected state preserved across range swap")
	}
}

func TestSetRangesReappliesQualityFloors(t *testing.T) {
	c := newTestController(t)

	c.SetRanges(params.Range{Lo: 32, Hi: 64}, params.Range{Lo: 100, Hi: 4000})

	if c.cfg.EfSearchRange.Hi < 256 {
		t.Fatalf("expected ef_search range ceiling floored to >= 256, got %+v", c.cfg.EfSearchRange)
	}
	if c.cfg.RerankKRange.Lo < 500 {
		t.Fatalf("expected rerank_k range floor raised to >= 500, got %+v", c.cfg.RerankKRange)
	}
}

func TestShouldStopTuningFalseBeforeMinBatches(t *testing.T) {
	c := newTestController(t)
	if c.ShouldStopTuning() {
		t.Fatalf("expected should_stop_tuning=false before min_batches samples")
	}
}
