package tracker

import (
	"testing"
	"time"

	"GateLens/internal/model"
)

func snapshot(at time.Time, conns ...model.ConnectionInfo) *model.Snapshot {
	return &model.Snapshot{Connections: conns, At: at}
}

func conn(id string, up, down uint64) model.ConnectionInfo {
	return model.ConnectionInfo{
		ID:            id,
		Domain:        "example.com",
		DestinationIP: "1.1.1.1",
		SourceIP:      "192.168.1.10",
		Chains:        []string{"ProxyA"},
		Rule:          "MATCH",
		Upload:        up,
		Download:      down,
	}
}

func TestTracker_FirstSeenEmitsInitialTraffic(t *testing.T) {
	tr := New("b1", 5*time.Minute)
	updates := tr.Apply(snapshot(time.Now(), conn("c1", 100, 200)))
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].Upload != 100 || updates[0].Download != 200 {
		t.Errorf("expected initial traffic 100/200, got %d/%d", updates[0].Upload, updates[0].Download)
	}
	if updates[0].BackendID != "b1" {
		t.Errorf("expected backend id b1, got %q", updates[0].BackendID)
	}
}

func TestTracker_FirstSeenZeroCountersEmitsNothing(t *testing.T) {
	tr := New("b1", 5*time.Minute)
	updates := tr.Apply(snapshot(time.Now(), conn("c1", 0, 0)))
	if len(updates) != 0 {
		t.Fatalf("expected no updates for zero counters, got %d", len(updates))
	}
	if tr.Active() != 1 {
		t.Errorf("connection should still be tracked, active=%d", tr.Active())
	}
}

func TestTracker_DeltaConservation(t *testing.T) {
	// The sum of emitted deltas must equal finalCumulative - initialCumulative
	// across all snapshots where the id was present.
	tr := New("b1", 5*time.Minute)
	now := time.Now()

	readings := [][2]uint64{{10, 20}, {15, 45}, {15, 45}, {300, 500}, {450, 900}}
	var sumUp, sumDown uint64
	for _, r := range readings {
		for _, u := range tr.Apply(snapshot(now, conn("c1", r[0], r[1]))) {
			sumUp += u.Upload
			sumDown += u.Download
		}
	}

	final := readings[len(readings)-1]
	if sumUp != final[0] || sumDown != final[1] {
		t.Errorf("delta sums %d/%d do not match final cumulative %d/%d", sumUp, sumDown, final[0], final[1])
	}
}

func TestTracker_CounterResetNeverGoesNegative(t *testing.T) {
	tr := New("b1", 5*time.Minute)
	now := time.Now()
	tr.Apply(snapshot(now, conn("c1", 1000, 2000)))

	// Gateway restarted; cumulative counters reset below the stored values.
	updates := tr.Apply(snapshot(now, conn("c1", 50, 2500)))
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].Upload != 0 {
		t.Errorf("reset direction must emit 0 delta, got %d", updates[0].Upload)
	}
	if updates[0].Download != 500 {
		t.Errorf("expected download delta 500, got %d", updates[0].Download)
	}

	// The stored counters now follow the reset values.
	updates = tr.Apply(snapshot(now, conn("c1", 60, 2500)))
	if len(updates) != 1 || updates[0].Upload != 10 {
		t.Fatalf("expected upload delta 10 after reset, got %+v", updates)
	}
}

func TestTracker_AbsentConnectionRemoved(t *testing.T) {
	tr := New("b1", 5*time.Minute)
	now := time.Now()
	tr.Apply(snapshot(now, conn("c1", 100, 200), conn("c2", 1, 1)))
	if tr.Active() != 2 {
		t.Fatalf("expected 2 active connections, got %d", tr.Active())
	}

	updates := tr.Apply(snapshot(now, conn("c2", 2, 2)))
	if tr.Active() != 1 {
		t.Errorf("expected c1 to be removed, active=%d", tr.Active())
	}
	for _, u := range updates {
		if u.Upload == 100 {
			t.Errorf("removal must not re-emit traffic: %+v", u)
		}
	}

	// A reappearing id is treated as brand new.
	updates = tr.Apply(snapshot(now, conn("c1", 40, 40), conn("c2", 2, 2)))
	if len(updates) != 1 || updates[0].Upload != 40 {
		t.Fatalf("reappeared connection should emit its cumulative counters, got %+v", updates)
	}
}

func TestTracker_SweepRemovesStaleConnections(t *testing.T) {
	tr := New("b1", 5*time.Minute)
	start := time.Now()
	tr.Apply(snapshot(start, conn("c1", 1, 1)))
	tr.Apply(snapshot(start.Add(4*time.Minute), conn("c2", 1, 1)))

	removed := tr.Sweep(start.Add(6 * time.Minute))
	if removed != 1 {
		t.Fatalf("expected 1 stale connection removed, got %d", removed)
	}
	if tr.Active() != 1 {
		t.Errorf("expected c2 to survive the sweep, active=%d", tr.Active())
	}
}

func TestTracker_MalformedEntriesSkipped(t *testing.T) {
	tr := New("b1", 5*time.Minute)
	updates := tr.Apply(snapshot(time.Now(),
		model.ConnectionInfo{ID: "", Upload: 99, Download: 99},
		conn("c1", 10, 10),
	))
	if len(updates) != 1 {
		t.Fatalf("entry without id must be skipped, got %d updates", len(updates))
	}
	if tr.Active() != 1 {
		t.Errorf("expected 1 tracked connection, got %d", tr.Active())
	}
}
