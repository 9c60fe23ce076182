package latency

import "testing"

func TestDisabledStatsNeverReport(t *testing.T) {
	s := New(8, 0, false)
	if r := s.Record(Sample{TotalUS: 100}); r != nil {
		t.Fatalf("expected no report when disabled")
	}
}

func TestReportOnlyAfterInterval(t *testing.T) {
	s := New(8, 1<<30, true) // interval effectively never elapses
	for i := 0; i < 5; i++ {
		if r := s.Record(Sample{TotalUS: int64(i)}); r != nil {
			t.Fatalf("unexpected report before interval elapsed")
		}
	}
}

func TestPercentileOrdering(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	p := percentilesOf(sorted)
	if p.P50 > p.P95 || p.P95 > p.P99 {
		t.Fatalf("percentiles out of order: %+v", p)
	}
	if p.P99 != 100 {
		t.Fatalf("p99 = %d, want 100", p.P99)
	}
}

func TestRingBufferWrapsAndReportsAllCapacitySamples(t *testing.T) {
	s := New(4, 0, true)
	for i := int64(1); i <= 6; i++ {
		s.Record(Sample{TotalUS: i})
	}
	rep := s.buildReport()
	if rep.SampleCount != 4 {
		t.Fatalf("sample count = %d, want 4 (capacity)", rep.SampleCount)
	}
}
