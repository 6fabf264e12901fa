package realtime

import (
	"testing"
	"time"

	"GateLens/internal/model"
)

func rec(backend string, up, down uint64, at time.Time) *model.TrafficUpdate {
	return &model.TrafficUpdate{
		BackendID:     backend,
		Domain:        "example.com",
		DestinationIP: "1.1.1.1",
		SourceIP:      "192.168.1.10",
		Chains:        []string{"ProxyA"},
		Rule:          "MATCH",
		Upload:        up,
		Download:      down,
		ObservedAt:    at,
	}
}

func TestOverlay_RecordAndRead(t *testing.T) {
	ov := NewOverlay(180)
	now := time.Now()
	ov.Record(rec("b1", 100, 200, now), "US")
	ov.Record(rec("b1", 10, 20, now), "US")

	s := ov.SummaryDelta("b1")
	if s.Upload != 110 || s.Download != 220 || s.Connections != 2 {
		t.Errorf("unexpected summary: %+v", s)
	}

	domains := ov.Dimension("b1", "domain")
	if d := domains["example.com"]; d.Upload != 110 || d.Count != 2 {
		t.Errorf("unexpected domain delta: %+v", d)
	}
	countries := ov.Dimension("b1", "country")
	if c := countries["US"]; c.Download != 220 {
		t.Errorf("unexpected country delta: %+v", c)
	}

	// Backends are independent.
	if s := ov.SummaryDelta("b2"); s.Upload != 0 {
		t.Errorf("expected empty summary for unknown backend, got %+v", s)
	}
}

func TestOverlay_ReadsAreSnapshots(t *testing.T) {
	ov := NewOverlay(180)
	now := time.Now()
	ov.Record(rec("b1", 5, 5, now), "")

	domains := ov.Dimension("b1", "domain")
	d := domains["example.com"]
	d.Upload = 99999

	fresh := ov.Dimension("b1", "domain")
	if fresh["example.com"].Upload != 5 {
		t.Error("mutating a returned snapshot must not affect the overlay")
	}
}

func TestOverlay_ClearAfterFullSuccess(t *testing.T) {
	ov := NewOverlay(180)
	now := time.Now()
	ov.Record(rec("b1", 100, 200, now), "US")

	ov.Clear("b1", model.FlushResult{DetailOK: true, AggOK: true})

	if s := ov.SummaryDelta("b1"); s.Upload != 0 || s.Connections != 0 {
		t.Errorf("summary must be zeroed after full flush, got %+v", s)
	}
	if len(ov.Dimension("b1", "domain")) != 0 {
		t.Error("dimension maps must be cleared after full flush")
	}
	if len(ov.MinuteSeries("b1")) != 0 {
		t.Error("minute series must be cleared after full flush")
	}
}

func TestOverlay_AsymmetricClear(t *testing.T) {
	ov := NewOverlay(180)
	now := time.Now()

	// Only the detail path succeeded: dimension slices clear, coarse slices stay.
	ov.Record(rec("b1", 100, 200, now), "US")
	ov.Clear("b1", model.FlushResult{DetailOK: true, AggOK: false})
	if len(ov.Dimension("b1", "domain")) != 0 {
		t.Error("detail-only success must clear dimension slices")
	}
	if s := ov.SummaryDelta("b1"); s.Upload != 100 {
		t.Errorf("detail-only success must keep the summary, got %+v", s)
	}
	if len(ov.MinuteSeries("b1")) != 1 {
		t.Error("detail-only success must keep the minute series")
	}

	// Only the aggregate path succeeded: the opposite.
	ov.Record(rec("b2", 7, 7, now), "")
	ov.Clear("b2", model.FlushResult{DetailOK: false, AggOK: true})
	if s := ov.SummaryDelta("b2"); s.Upload != 0 {
		t.Errorf("agg-only success must clear the summary, got %+v", s)
	}
	if len(ov.Dimension("b2", "domain")) != 1 {
		t.Error("agg-only success must keep dimension slices")
	}

	// Total failure clears nothing: unflushed data stays visible.
	ov.Record(rec("b3", 3, 3, now), "")
	ov.Clear("b3", model.FlushResult{})
	if s := ov.SummaryDelta("b3"); s.Upload != 3 {
		t.Errorf("failed flush must leave the overlay intact, got %+v", s)
	}
}

func TestOverlay_MinutePruning(t *testing.T) {
	ov := NewOverlay(180)
	base := time.Now().Truncate(time.Minute)

	ov.Record(rec("b1", 1, 1, base.Add(-200*time.Minute)), "")
	ov.Record(rec("b1", 1, 1, base.Add(-10*time.Minute)), "")
	ov.Record(rec("b1", 1, 1, base), "")

	series := ov.MinuteSeries("b1")
	if len(series) != 2 {
		t.Fatalf("bucket older than the window must be pruned on write, got %d buckets", len(series))
	}
	for _, b := range series {
		if base.Sub(b.Start) > 180*time.Minute {
			t.Errorf("stale bucket survived pruning: %v", b.Start)
		}
	}
}
