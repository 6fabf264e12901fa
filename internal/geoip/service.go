package geoip

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/singleflight"

	"GateLens/internal/model"
)

// CacheStore is the durable cache behind the in-process one.
type CacheStore interface {
	GetGeoIP(ctx context.Context, ip string) (*model.GeoIPRecord, error)
	PutGeoIP(ctx context.Context, rec *model.GeoIPRecord) error
}

// Options tunes the service; zero values take the documented defaults.
type Options struct {
	Spacing   time.Duration // minimum delay between external queries
	QueueSize int           // bounded lookup queue; overflow resolves to nil
	Cooldown  time.Duration // per-IP backoff after a failed external query
}

func (o *Options) fill() {
	if o.Spacing <= 0 {
		o.Spacing = 100 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Minute
	}
}

// cgnat is the 100.64.0.0/10 shared-address block.
var cgnat = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("100.64.0.0/10")
	return n
}()

type job struct {
	ip   string
	done chan *model.GeoIPRecord
}

// Service resolves IPs to geolocation records. It is shared by every backend
// pipeline in the process and is safe for concurrent use. Private addresses
// short-circuit to a synthetic local record; external queries go through a
// bounded FIFO queue with a minimum inter-request spacing, with at most one
// outstanding query per IP.
type Service struct {
	provider Provider
	store    CacheStore
	opts     Options

	mem      cmap.ConcurrentMap[string, *model.GeoIPRecord]
	cooldown cmap.ConcurrentMap[string, time.Time]
	group    singleflight.Group

	queue    chan job
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates and starts the enrichment service.
func NewService(provider Provider, store CacheStore, opts Options) *Service {
	opts.fill()
	s := &Service{
		provider: provider,
		store:    store,
		opts:     opts,
		mem:      cmap.New[*model.GeoIPRecord](),
		cooldown: cmap.New[time.Time](),
		queue:    make(chan job, opts.QueueSize),
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Resolve returns the geolocation record for ip, or nil when it cannot be
// resolved right now (queue full, cooldown, lookup failure). It may block for
// the duration of one external query but never blocks the ingestion path that
// produced the traffic event, which calls it from its own goroutine.
func (s *Service) Resolve(ctx context.Context, ip string) *model.GeoIPRecord {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	if isLocal(parsed) {
		return localRecord(ip)
	}

	if rec, ok := s.mem.Get(ip); ok {
		return rec
	}

	if s.store != nil {
		rec, err := s.store.GetGeoIP(ctx, ip)
		if err != nil {
			log.Printf("geoip cache read for %s failed: %v", ip, err)
		} else if rec != nil {
			s.mem.Set(ip, rec)
			return rec
		}
	}

	if until, ok := s.cooldown.Get(ip); ok {
		if time.Now().Before(until) {
			return nil
		}
		s.cooldown.Remove(ip)
	}

	// Concurrent callers for the same IP share one queued lookup.
	v, _, _ := s.group.Do(ip, func() (interface{}, error) {
		j := job{ip: ip, done: make(chan *model.GeoIPRecord, 1)}
		select {
		case s.queue <- j:
		default:
			// Queue full: drop rather than grow unbounded.
			return (*model.GeoIPRecord)(nil), nil
		}
		select {
		case rec := <-j.done:
			return rec, nil
		case <-ctx.Done():
			return (*model.GeoIPRecord)(nil), nil
		case <-s.stop:
			return (*model.GeoIPRecord)(nil), nil
		}
	})
	rec, _ := v.(*model.GeoIPRecord)
	return rec
}

// CachedCountry returns the country code for an IP using only in-memory state.
// It never queries upstream and is cheap enough for the hot ingestion path.
func (s *Service) CachedCountry(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if isLocal(parsed) {
		return "LOCAL"
	}
	if rec, ok := s.mem.Get(ip); ok {
		return rec.Country
	}
	return ""
}

// worker serializes external queries through the FIFO queue, honoring the
// minimum inter-request spacing between dequeues.
func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case j := <-s.queue:
			s.lookup(j)
			select {
			case <-s.stop:
				return
			case <-time.After(s.opts.Spacing):
			}
		}
	}
}

func (s *Service) lookup(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	rec, err := s.provider.Lookup(ctx, j.ip)
	if err != nil {
		log.Printf("geoip lookup for %s failed: %v, cooling down", j.ip, err)
		s.cooldown.Set(j.ip, time.Now().Add(s.opts.Cooldown))
		j.done <- nil
		return
	}

	// Persist before returning so a restart does not re-query.
	if s.store != nil {
		if err := s.store.PutGeoIP(ctx, rec); err != nil {
			log.Printf("geoip cache write for %s failed: %v", j.ip, err)
		}
	}
	s.mem.Set(j.ip, rec)
	j.done <- rec
}

// Stop shuts the worker down. Pending resolves return nil.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func isLocal(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || cgnat.Contains(ip)
}

func localRecord(ip string) *model.GeoIPRecord {
	return &model.GeoIPRecord{
		IP:          ip,
		Country:     "LOCAL",
		CountryName: "Local Network",
		QueriedAt:   time.Now(),
	}
}
