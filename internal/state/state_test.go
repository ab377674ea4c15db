package state

import "testing"

func newTestState() *State {
	return New(Config{MaxHistory: 10, GuardRecallBatches: 3, RescueWindow: 3, CooldownDecreaseBatches: 5}, 128, 1000, 200, 0.9)
}

func TestEMASeedsFromFirstObservation(t *testing.T) {
	s := newTestState()
	s.UpdateMetrics(150, 0.92, 0.99)
	p95, recall := s.EMAValues()
	if p95 == nil || *p95 != 150 {
		t.Fatalf("expected ema seeded to raw p95=150, got %v", p95)
	}
	if recall == nil || *recall != 0.92 {
		t.Fatalf("expected ema seeded to raw recall=0.92, got %v", recall)
	}
}

func TestEMASmoothsSubsequentObservations(t *testing.T) {
	s := newTestState()
	s.cfg.EMAAlpha = 0.5
	s.UpdateMetrics(100, 0.9, 0.99)
	s.UpdateMetrics(200, 0.9, 0.99)
	p95, _ := s.EMAValues()
	if *p95 != 150 {
		t.Fatalf("expected ema(0.5*200+0.5*100)=150, got %v", *p95)
	}
}

func TestUpdateParamsNprobeAliasesEfSearch(t *testing.T) {
	s := newTestState()
	nprobe := 200
	s.UpdateParams(ParamUpdate{Nprobe: &nprobe})
	if s.EfSearch != 200 {
		t.Fatalf("expected nprobe alias to set ef_search=200, got %d", s.EfSearch)
	}
}

func TestUpdateParamsEfSearchWinsOverNprobe(t *testing.T) {
	s := newTestState()
	ef := 150
	nprobe := 999
	s.UpdateParams(ParamUpdate{EfSearch: &ef, Nprobe: &nprobe})
	if s.EfSearch != 150 {
		t.Fatalf("expected explicit ef_search to win, got %d", s.EfSearch)
	}
}

func TestHistoryBoundedByMaxHistory(t *testing.T) {
	s := newTestState()
	for i := 0; i < 50; i++ {
		s.UpdateMetrics(100, 0.9, 0.99)
	}
	if len(s.RecentMetrics()) > 10 {
		t.Fatalf("expected recent metrics bounded to 10, got %d", len(s.RecentMetrics()))
	}
	if s.HistoryLen() != 50 {
		t.Fatalf("expected cumulative history_len=50, got %d", s.HistoryLen())
	}
}

func TestRecentRecallQueueMaxlen(t *testing.T) {
	s := newTestState()
	for i := 0; i < 10; i++ {
		s.UpdateMetrics(100, 0.9, 0.99)
	}
	if len(s.RecentRecallQueue()) != 3 {
		t.Fatalf("expected recall queue capped at guard_recall_batches=3, got %d", len(s.RecentRecallQueue()))
	}
}

func TestBatchesSinceDecreaseClampsAtCooldown(t *testing.T) {
	s := newTestState()
	for i := 0; i < 20; i++ {
		s.AdvanceBatchesSinceDecrease()
	}
	if s.BatchesSinceDecrease() != 5 {
		t.Fatalf("expected clamp at cooldown_decrease_batches=5, got %d", s.BatchesSinceDecrease())
	}
	s.ResetBatchesSinceDecrease()
	if s.BatchesSinceDecrease() != 0 {
		t.Fatalf("expected reset to 0, got %d", s.BatchesSinceDecrease())
	}
}

func TestCheckSafetyLimits(t *testing.T) {
	s := newTestState()
	s.UpdateMetrics(120, 0.97, 1.0)
	safety := s.CheckSafetyLimits(30, 0.95)
	if !safety.CoverageOK {
		t.Fatalf("expected coverage_ok for coverage=1.0")
	}
	if !safety.P95Spike {
		t.Fatalf("expected p95_spike for 120 > 3*30=90")
	}
	if !safety.RecallOK {
		t.Fatalf("expected recall_ok for 0.97 >= 0.8*0.95=0.76")
	}
}

func TestGetSmoothedMetricsFallsBackToRawBeforeFirstObservation(t *testing.T) {
	s := newTestState()
	smoothed := s.GetSmoothedMetrics()
	if smoothed.P95Ms != 0 || smoothed.RecallAt10 != 0 {
		t.Fatalf("expected zero-value raw fallback before any observation, got %+v", smoothed)
	}
}
