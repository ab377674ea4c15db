package brainengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vectune/autotune/brain"
)

func TestDecideSingleKnobAppliesAction(t *testing.T) {
	e := New(Config{})

	in := brain.TuningInput{
		P95Ms:      250,
		RecallAt10: 0.80,
		Params:     brain.Params{EfSearch: 128, RerankK: 3, CandidateK: 1000, ThresholdT: 600},
		SLO:        brain.SLO{P95Ms: 150, RecallAt10: 0.90},
	}

	res := e.Decide(in, "", false, brain.MacroIndicators{})

	require.NotEqual(t, brain.ActionMultiKnob, res.Action.Kind)
	snap := e.CountersSnapshot()
	require.Equal(t, int64(1), snap.DecideTotal)
}

func TestDecideMultiKnobAppliesUpdatesThroughApplier(t *testing.T) {
	e := New(Config{})

	in := brain.TuningInput{
		P95Ms:      250,
		RecallAt10: 0.80,
		Params:     brain.Params{EfSearch: 128, RerankK: 3, CandidateK: 1000, ThresholdT: 600},
		SLO:        brain.SLO{P95Ms: 150, RecallAt10: 0.90},
	}

	res := e.Decide(in, "", true, brain.MacroIndicators{L: 0.9, R: 0.1})

	require.Equal(t, brain.ActionMultiKnob, res.Action.Kind)
	snap := e.CountersSnapshot()
	require.Equal(t, int64(1), snap.DecideTotal)
}

func TestDecideWithoutMemoryDefaultsToNoHint(t *testing.T) {
	e := New(Config{})

	in := brain.TuningInput{
		P95Ms:      150,
		RecallAt10: 0.91,
		Params:     brain.Params{EfSearch: 128, RerankK: 3, CandidateK: 1000, ThresholdT: 600},
		SLO:        brain.SLO{P95Ms: 150, RecallAt10: 0.90},
	}

	res := e.Decide(in, "bucket-a", false, brain.MacroIndicators{})

	require.Equal(t, brain.ActionNoop, res.Action.Kind)
}
