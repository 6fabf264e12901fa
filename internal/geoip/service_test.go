package geoip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"GateLens/internal/model"
)

// countingProvider counts lookups and optionally blocks until released.
type countingProvider struct {
	calls int32
	err   error
	block chan struct{} // when non-nil, Lookup waits for it
}

func (p *countingProvider) Lookup(ctx context.Context, ip string) (*model.GeoIPRecord, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &model.GeoIPRecord{IP: ip, Country: "US", QueriedAt: time.Now()}, nil
}

// memStore is an in-memory CacheStore.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*model.GeoIPRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*model.GeoIPRecord)}
}

func (m *memStore) GetGeoIP(ctx context.Context, ip string) (*model.GeoIPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[ip], nil
}

func (m *memStore) PutGeoIP(ctx context.Context, rec *model.GeoIPRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.IP] = rec
	return nil
}

func TestService_PrivateAddressesShortCircuit(t *testing.T) {
	p := &countingProvider{}
	s := NewService(p, newMemStore(), Options{Spacing: time.Millisecond})
	defer s.Stop()

	for _, ip := range []string{"127.0.0.1", "192.168.1.5", "10.0.0.1", "169.254.1.1", "100.64.0.1"} {
		rec := s.Resolve(context.Background(), ip)
		if rec == nil || rec.Country != "LOCAL" {
			t.Errorf("%s: expected synthetic local record, got %+v", ip, rec)
		}
	}
	if n := atomic.LoadInt32(&p.calls); n != 0 {
		t.Errorf("local addresses must never hit the provider, got %d calls", n)
	}
}

func TestService_SingleFlight(t *testing.T) {
	p := &countingProvider{block: make(chan struct{})}
	s := NewService(p, newMemStore(), Options{Spacing: time.Millisecond})
	defer s.Stop()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*model.GeoIPRecord, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Resolve(context.Background(), "1.2.3.4")
		}(i)
	}

	// Let every caller join the in-flight lookup, then release it.
	time.Sleep(50 * time.Millisecond)
	close(p.block)
	wg.Wait()

	if n := atomic.LoadInt32(&p.calls); n != 1 {
		t.Errorf("concurrent resolves must issue exactly one external query, got %d", n)
	}
	for i, rec := range results {
		if rec == nil || rec.Country != "US" {
			t.Errorf("caller %d did not share the result: %+v", i, rec)
		}
	}
}

func TestService_ResultCachedInMemoryAndStore(t *testing.T) {
	p := &countingProvider{}
	store := newMemStore()
	s := NewService(p, store, Options{Spacing: time.Millisecond})
	defer s.Stop()

	if rec := s.Resolve(context.Background(), "1.2.3.4"); rec == nil {
		t.Fatal("expected a record")
	}
	if got, _ := store.GetGeoIP(context.Background(), "1.2.3.4"); got == nil {
		t.Error("successful lookup must be persisted to the durable cache")
	}

	// A second resolve is answered from cache without a provider call.
	if rec := s.Resolve(context.Background(), "1.2.3.4"); rec == nil {
		t.Fatal("expected cached record")
	}
	if n := atomic.LoadInt32(&p.calls); n != 1 {
		t.Errorf("cached ip must not re-query, got %d calls", n)
	}

	if cc := s.CachedCountry("1.2.3.4"); cc != "US" {
		t.Errorf("CachedCountry = %q, want US", cc)
	}
}

func TestService_DurableCacheSurvivesRestart(t *testing.T) {
	store := newMemStore()
	store.PutGeoIP(context.Background(), &model.GeoIPRecord{IP: "9.9.9.9", Country: "CH"})

	p := &countingProvider{}
	s := NewService(p, store, Options{Spacing: time.Millisecond})
	defer s.Stop()

	rec := s.Resolve(context.Background(), "9.9.9.9")
	if rec == nil || rec.Country != "CH" {
		t.Fatalf("expected record from durable cache, got %+v", rec)
	}
	if n := atomic.LoadInt32(&p.calls); n != 0 {
		t.Errorf("durable cache hit must not query the provider, got %d calls", n)
	}
}

func TestService_FailureCooldown(t *testing.T) {
	p := &countingProvider{err: errors.New("upstream down")}
	s := NewService(p, newMemStore(), Options{Spacing: time.Millisecond, Cooldown: time.Hour})
	defer s.Stop()

	if rec := s.Resolve(context.Background(), "1.2.3.4"); rec != nil {
		t.Fatalf("failed lookup must resolve to nil, got %+v", rec)
	}
	if rec := s.Resolve(context.Background(), "1.2.3.4"); rec != nil {
		t.Fatalf("cooldown must short-circuit to nil, got %+v", rec)
	}
	if n := atomic.LoadInt32(&p.calls); n != 1 {
		t.Errorf("cooldown must prevent re-query, got %d calls", n)
	}
}

func TestService_QueueBound(t *testing.T) {
	p := &countingProvider{block: make(chan struct{})}
	s := NewService(p, newMemStore(), Options{Spacing: time.Millisecond, QueueSize: 1})
	defer s.Stop()

	// First lookup occupies the worker; second fills the queue.
	for _, ip := range []string{"1.1.1.1", "2.2.2.2"} {
		go s.Resolve(context.Background(), ip)
	}
	time.Sleep(50 * time.Millisecond)

	// The queue is full now; the excess resolve must return nil immediately.
	done := make(chan *model.GeoIPRecord, 1)
	go func() { done <- s.Resolve(context.Background(), "3.3.3.3") }()

	select {
	case rec := <-done:
		if rec != nil {
			t.Errorf("overflow resolve must return nil, got %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("overflow resolve must not block on the full queue")
	}

	close(p.block)
}
