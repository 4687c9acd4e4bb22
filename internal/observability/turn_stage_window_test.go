package observability

import "testing"

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("segment_to_first_audio", 500)
	w.Observe("segment_to_first_audio", 700)
	w.Observe("segment_to_first_audio", 900)
	w.ObserveIndicator("barge_in")
	w.ObserveIndicator("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "segment_to_first_audio" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "segment_to_first_audio")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1800 {
		t.Fatalf("TargetP95MS = %.2f, want 1800", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "barge_in" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "barge_in")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestTurnStageWindowRollsOver(t *testing.T) {
	w := newTurnStageWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("turn_total", float64(100*(i+1)))
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4 after rollover", s.Samples)
	}
	if s.LastMS != 1000 {
		t.Fatalf("LastMS = %.2f, want 1000", s.LastMS)
	}
}

func TestTurnStageWindowReset(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("turn_total", 100)
	w.ObserveIndicator("barge_in")
	w.Reset()

	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot not empty after reset: %+v", snap)
	}
}
