package aggregator

import (
	"testing"
	"time"

	"GateLens/internal/model"
)

func update(domain, ip string, up, down uint64) *model.TrafficUpdate {
	return &model.TrafficUpdate{
		BackendID:     "b1",
		Domain:        domain,
		DestinationIP: ip,
		SourceIP:      "192.168.1.10",
		Chains:        []string{"ProxyA"},
		Rule:          "MATCH",
		Upload:        up,
		Download:      down,
		ObservedAt:    time.Date(2026, 8, 30, 12, 0, 30, 0, time.UTC),
	}
}

func TestBuffer_MergeSumsExactly(t *testing.T) {
	b := New("b1")
	var wantUp, wantDown uint64
	updates := []*model.TrafficUpdate{
		update("example.com", "1.1.1.1", 100, 200),
		update("example.com", "1.1.1.1", 50, 60),
		update("example.com", "1.1.1.1", 7, 0),
	}
	for _, u := range updates {
		wantUp += u.Upload
		wantDown += u.Download
		b.Add(u)
	}

	batch := b.TryFlush()
	if batch == nil {
		t.Fatal("expected a batch")
	}
	if len(batch.Domains) != 1 {
		t.Fatalf("identical keys must collapse into one entry, got %d", len(batch.Domains))
	}
	d := batch.Domains["example.com"]
	if d.Upload != wantUp || d.Download != wantDown || d.Count != 3 {
		t.Errorf("domain entry %d/%d/%d, want %d/%d/3", d.Upload, d.Download, d.Count, wantUp, wantDown)
	}
	if batch.Upload != wantUp || batch.Download != wantDown {
		t.Errorf("batch totals %d/%d, want %d/%d", batch.Upload, batch.Download, wantUp, wantDown)
	}
}

func TestBuffer_ByteConservationAcrossDimensions(t *testing.T) {
	b := New("b1")
	updates := []*model.TrafficUpdate{
		update("a.com", "1.1.1.1", 10, 20),
		update("b.com", "2.2.2.2", 30, 40),
		update("a.com", "3.3.3.3", 5, 5),
	}
	var wantUp, wantDown uint64
	for _, u := range updates {
		wantUp += u.Upload
		wantDown += u.Download
		b.Add(u)
	}

	batch := b.TryFlush()
	if batch == nil {
		t.Fatal("expected a batch")
	}

	// Each single-valued dimension must account for every byte exactly once.
	var domUp, domDown uint64
	for _, d := range batch.Domains {
		domUp += d.Upload
		domDown += d.Download
	}
	if domUp != wantUp || domDown != wantDown {
		t.Errorf("domain dimension lost bytes: %d/%d, want %d/%d", domUp, domDown, wantUp, wantDown)
	}
	var ipUp, ipDown uint64
	for _, e := range batch.IPs {
		ipUp += e.Upload
		ipDown += e.Download
	}
	if ipUp != wantUp || ipDown != wantDown {
		t.Errorf("ip dimension lost bytes: %d/%d, want %d/%d", ipUp, ipDown, wantUp, wantDown)
	}
	var detUp, detDown uint64
	for _, e := range batch.Details {
		detUp += e.Upload
		detDown += e.Download
	}
	if detUp != wantUp || detDown != wantDown {
		t.Errorf("detail dimension lost bytes: %d/%d, want %d/%d", detUp, detDown, wantUp, wantDown)
	}
}

func TestBuffer_ZeroDeltaDiscarded(t *testing.T) {
	b := New("b1")
	b.Add(update("example.com", "1.1.1.1", 0, 0))
	if b.Pending() != 0 {
		t.Errorf("zero-delta update must not enter the buffer, pending=%d", b.Pending())
	}
	if batch := b.TryFlush(); batch != nil {
		t.Errorf("empty window must not flush, got %+v", batch)
	}
}

func TestBuffer_ConcurrentFlushIsNoOp(t *testing.T) {
	b := New("b1")
	b.Add(update("example.com", "1.1.1.1", 1, 1))

	first := b.TryFlush()
	if first == nil {
		t.Fatal("expected first flush to return a batch")
	}

	// Adds during the in-flight flush go to a fresh window.
	b.Add(update("other.com", "2.2.2.2", 9, 9))

	if second := b.TryFlush(); second != nil {
		t.Fatalf("flush while one is in progress must be a no-op, got %+v", second)
	}

	b.FlushDone()
	second := b.TryFlush()
	if second == nil {
		t.Fatal("expected the new window to flush after FlushDone")
	}
	if _, ok := second.Domains["other.com"]; !ok {
		t.Error("new window should contain adds made during the in-flight flush")
	}
	if _, ok := second.Domains["example.com"]; ok {
		t.Error("new window must not contain entries from the flushed batch")
	}
}

func TestBuffer_ProxyHopsEachReceiveDelta(t *testing.T) {
	b := New("b1")
	u := update("example.com", "1.1.1.1", 10, 20)
	u.Chains = []string{"Egress", "Relay"}
	b.Add(u)

	batch := b.TryFlush()
	if batch == nil {
		t.Fatal("expected a batch")
	}
	for _, hop := range []string{"Egress", "Relay"} {
		p := batch.Proxies[hop]
		if p == nil || p.Upload != 10 || p.Download != 20 {
			t.Errorf("hop %s missing or wrong counters: %+v", hop, p)
		}
	}
}

func TestBuffer_SetValuedAttributes(t *testing.T) {
	b := New("b1")
	b.Add(update("example.com", "1.1.1.1", 1, 1))
	b.Add(update("example.com", "8.8.8.8", 1, 1))

	batch := b.TryFlush()
	d := batch.Domains["example.com"]
	if len(d.IPs) != 2 {
		t.Errorf("expected 2 distinct IPs for domain, got %d", len(d.IPs))
	}
	if len(batch.IPs) != 2 {
		t.Errorf("expected 2 ip entries, got %d", len(batch.IPs))
	}
}
