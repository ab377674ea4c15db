package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKnownNames(t *testing.T) {
	for _, name := range []string{NameLatencyFirst, NameRecallFirst, NameBalanced} {
		r := Resolve(name)
		require.Falsef(t, r.Fallback, "expected no fallback for known name %q", name)
		assert.Equal(t, name, r.Policy.Name())
	}
}

func TestResolveUnknownFallsBackToBalanced(t *testing.T) {
	r := Resolve("Nonexistent")
	require.True(t, r.Fallback, "expected fallback flag for unknown policy name")
	assert.Equal(t, NameBalanced, r.Policy.Name())
}

func TestBaseStepSizesOnTarget(t *testing.T) {
	targets := Targets{P95Ms: 200, Recall: 0.9}
	onTarget := SmoothedView{P95Ms: 200, RecallAt10: 0.9}

	lf := LatencyFirst().CalculateStepSize(onTarget, targets)
	assert.InDelta(t, 0.15, lf.EfSearch, 1e-9, "expected unamplified base ef step on target")
	assert.InDelta(t, 0.25, lf.RerankK, 1e-9, "expected unamplified base rerank step on target")

	rf := RecallFirst().GetEmergencyAdjustments()
	assert.Equal(t, EmergencyMultipliers{EfSearch: 0.80, RerankK: 0.60}, rf)

	bal := Balanced().GetEmergencyAdjustments()
	assert.Equal(t, EmergencyMultipliers{EfSearch: 0.75, RerankK: 0.55}, bal)
}

func TestLatencyFirstAggressiveCutOverTarget(t *testing.T) {
	targets := Targets{P95Ms: 200, Recall: 0.9}
	over := SmoothedView{P95Ms: 250, RecallAt10: 0.9} // 25% over target
	step := LatencyFirst().CalculateStepSize(over, targets)
	assert.InDelta(t, 0.25*2.0, step.RerankK, 1e-9, "expected rerank step x2.0 over 20% p95 overage")
	assert.InDelta(t, 0.15*1.5, step.EfSearch, 1e-9, "expected ef step x1.5 over 20% p95 overage")
}

func TestLatencyFirstRecallLeaningUnderTarget(t *testing.T) {
	targets := Targets{P95Ms: 200, Recall: 0.9}
	under := SmoothedView{P95Ms: 150, RecallAt10: 0.80} // 25% under target p95, recall 10pts short
	step := LatencyFirst().CalculateStepSize(under, targets)
	assert.InDelta(t, 0.15*0.8, step.EfSearch, 1e-9)
	assert.InDelta(t, 0.25*1.2, step.RerankK, 1e-9)
}

func TestRecallFirstAmplifiesBothKnobsOnDeficit(t *testing.T) {
	targets := Targets{P95Ms: 200, Recall: 0.9}
	deficient := SmoothedView{P95Ms: 200, RecallAt10: 0.80} // 10 points below target
	step := RecallFirst().CalculateStepSize(deficient, targets)
	assert.InDelta(t, 0.25*1.5, step.EfSearch, 1e-9, "expected ef step amplified 1.5x on recall deficit")
	assert.InDelta(t, 0.15*1.2, step.RerankK, 1e-9, "expected rerank step amplified 1.2x on recall deficit")
}

func TestRecallFirstLatencyLeaningOnSevereOverage(t *testing.T) {
	targets := Targets{P95Ms: 200, Recall: 0.9}
	overLatency := SmoothedView{P95Ms: 320, RecallAt10: 0.92} // recall fine, p95 60% over
	step := RecallFirst().CalculateStepSize(overLatency, targets)
	assert.InDelta(t, 0.15*1.5, step.RerankK, 1e-9)
	assert.InDelta(t, 0.25*0.8, step.EfSearch, 1e-9)
}

func TestBalancedAmplifiesEfWhenRecallIsFurtherFromTarget(t *testing.T) {
	targets := Targets{P95Ms: 200, Recall: 0.9}
	deficient := SmoothedView{P95Ms: 200, RecallAt10: 0.80} // p95 on target, recall 10pts short
	step := Balanced().CalculateStepSize(deficient, targets)
	assert.InDelta(t, 0.20*1.3, step.EfSearch, 1e-9, "expected ef step amplified when recall distance dominates")
	assert.InDelta(t, 0.20*1.1, step.RerankK, 1e-9)
}

func TestBalancedAmplifiesRerankWhenLatencyIsFurtherFromTarget(t *testing.T) {
	targets := Targets{P95Ms: 200, Recall: 0.9}
	overLatency := SmoothedView{P95Ms: 260, RecallAt10: 0.92} // recall fine, p95 30% over
	step := Balanced().CalculateStepSize(overLatency, targets)
	assert.InDelta(t, 0.20*1.3, step.RerankK, 1e-9, "expected rerank step amplified when latency distance dominates")
	assert.InDelta(t, 0.20*1.2, step.EfSearch, 1e-9)
}

func TestBalancedLeavesStepsUnamplifiedWhenDistancesComparable(t *testing.T) {
	targets := Targets{P95Ms: 200, Recall: 0.9}
	comparable := SmoothedView{P95Ms: 202, RecallAt10: 0.891} // distances equal: neither exceeds the other by 50%
	step := Balanced().CalculateStepSize(comparable, targets)
	assert.InDelta(t, 0.20, step.EfSearch, 1e-9)
	assert.InDelta(t, 0.20, step.RerankK, 1e-9)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(NameLatencyFirst))
	assert.False(t, Valid("garbage"))
}
