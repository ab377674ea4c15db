// Package brainengine wires C5 (Brain Decider) and C6 (Applier) into a
// process-wide, mutex-guarded engine, the same way internal/store wires C4's
// Controller: a control-plane handler hands it a TuningInput and gets back
// the decided Action and the params C6 produced from it. Without this, the
// Brain and Applier are reachable only from their own package tests (spec
// §2's "or submits a TuningInput to C5" names this as the second, independent
// entry point per tick).
package brainengine

import (
	"sync"
	"time"

	"github.com/vectune/autotune/brain"
	"github.com/vectune/autotune/memory"
	"github.com/vectune/autotune/params"
	"github.com/vectune/autotune/telemetry/metrics"
)

// Config configures one Engine. Ranges/StepCaps left nil fall back to
// brain.BrainRanges()/brain.DefaultStepCaps, the same defaulting ApplyAction
// and ApplyUpdates already apply.
type Config struct {
	Ranges   params.Ranges
	StepCaps map[params.Knob]float64
	Metrics  metrics.Provider // apply counters bridged here when non-nil
	Memory   *memory.Memory   // C7 sweet-spot source for the memory hook; optional
}

// Engine holds the small amount of cross-request state the Brain/Applier
// pair needs: the multi-knob bundle-cooldown tracker and the aggregate
// apply counters. Everything else (current params, metrics, SLO) is
// supplied fresh on every Decide call by the caller, consistent with Decide
// being a pure function of its input.
type Engine struct {
	mu         sync.Mutex
	ranges     params.Ranges
	stepCaps   map[params.Knob]float64
	counters   *brain.Counters
	multiState *brain.MultiKnobState
	mem        *memory.Memory
}

// New builds an Engine, bridging its apply counters onto cfg.Metrics when
// supplied.
func New(cfg Config) *Engine {
	counters := brain.NewCounters()
	if cfg.Metrics != nil {
		counters = brain.NewCountersWithProvider(cfg.Metrics)
	}
	return &Engine{
		ranges:     cfg.Ranges,
		stepCaps:   cfg.StepCaps,
		counters:   counters,
		multiState: &brain.MultiKnobState{},
		mem:        cfg.Memory,
	}
}

// DecideResult is what one control-plane decide call returns.
type DecideResult struct {
	Action brain.Action
	Params brain.Params
}

// Decide runs the single-knob Decide (consulting memory for bucketID, when
// an Engine-level Memory is configured) or, when multiKnob is set,
// DecideMultiKnob against the engine's bundle-cooldown state, then applies
// the resulting Action through C6 and returns both.
func (e *Engine) Decide(in brain.TuningInput, bucketID string, multiKnob bool, macro brain.MacroIndicators) DecideResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var action brain.Action
	if multiKnob {
		action = brain.DecideMultiKnob(in, macro, e.multiState)
	} else {
		hint := brain.MemoryHint{}
		if e.mem != nil && bucketID != "" {
			hint = e.mem.Hint(bucketID, time.Now())
		}
		action = brain.Decide(in, hint)
	}

	if action.Kind == brain.ActionMultiKnob {
		res := brain.ApplyUpdates(in.Params, action.Updates, brain.ApplyOptions{
			Mode:     action.Mode,
			Ranges:   e.ranges,
			StepCaps: e.stepCaps,
			Counters: e.counters,
		})
		return DecideResult{Action: action, Params: res.Params}
	}

	out := brain.ApplyAction(in.Params, action, e.ranges, e.counters)
	return DecideResult{Action: action, Params: out}
}

// CountersSnapshot exposes the apply counters for the brain/decide
// endpoint's response (the metrics bridge handles /metrics itself).
func (e *Engine) CountersSnapshot() brain.CountersSnapshot {
	return e.counters.Snapshot()
}
