package realtime

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"GateLens/internal/model"
)

// Delta is an in-memory accumulator for one dimension key. Deltas only exist
// between a successful ingest and the next successful durable flush.
type Delta struct {
	Upload   uint64 `json:"upload"`
	Download uint64 `json:"download"`
	Count    uint64 `json:"count"`
}

// backendOverlay is the not-yet-durable view for one backend. Writes come
// from that backend's pipeline only; reads come from the API goroutines.
type backendOverlay struct {
	mu sync.RWMutex

	summary  model.Summary
	today    model.Summary
	todayDay int // yyyymmdd of the day the today counters belong to

	minutes map[int64]*model.BucketStat

	domains   map[string]*Delta
	ips       map[string]*Delta
	proxies   map[string]*Delta
	devices   map[string]*Delta
	rules     map[string]*Delta
	chains    map[string]*Delta
	countries map[string]*Delta
}

func newBackendOverlay() *backendOverlay {
	o := &backendOverlay{minutes: make(map[int64]*model.BucketStat)}
	o.resetDimensions()
	return o
}

func (o *backendOverlay) resetDimensions() {
	o.domains = make(map[string]*Delta)
	o.ips = make(map[string]*Delta)
	o.proxies = make(map[string]*Delta)
	o.devices = make(map[string]*Delta)
	o.rules = make(map[string]*Delta)
	o.chains = make(map[string]*Delta)
	o.countries = make(map[string]*Delta)
}

// Overlay is the in-memory rolling-window view of traffic that has not yet
// been durably flushed, keyed by backend. It is safe for concurrent use.
type Overlay struct {
	window   time.Duration
	backends cmap.ConcurrentMap[string, *backendOverlay]
}

// NewOverlay creates an overlay whose minute series keeps windowMinutes of
// history, pruned lazily on write.
func NewOverlay(windowMinutes int) *Overlay {
	if windowMinutes <= 0 {
		windowMinutes = 180
	}
	return &Overlay{
		window:   time.Duration(windowMinutes) * time.Minute,
		backends: cmap.New[*backendOverlay](),
	}
}

func (ov *Overlay) backend(backendID string) *backendOverlay {
	if b, ok := ov.backends.Get(backendID); ok {
		return b
	}
	b := newBackendOverlay()
	if !ov.backends.SetIfAbsent(backendID, b) {
		b, _ = ov.backends.Get(backendID)
	}
	return b
}

// Record merges one traffic update into the backend's overlay. country may be
// empty when geolocation data is not available yet.
func (ov *Overlay) Record(u *model.TrafficUpdate, country string) {
	if u == nil || (u.Upload == 0 && u.Download == 0) {
		return
	}
	b := ov.backend(u.BackendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.summary.Upload += u.Upload
	b.summary.Download += u.Download
	b.summary.Connections++

	day := u.ObservedAt.Year()*10000 + int(u.ObservedAt.Month())*100 + u.ObservedAt.Day()
	if day != b.todayDay {
		b.todayDay = day
		b.today = model.Summary{}
	}
	b.today.Upload += u.Upload
	b.today.Download += u.Download
	b.today.Connections++

	minute := u.ObservedAt.Truncate(time.Minute)
	mb := b.minutes[minute.Unix()]
	if mb == nil {
		mb = &model.BucketStat{Start: minute}
		b.minutes[minute.Unix()] = mb
	}
	mb.Upload += u.Upload
	mb.Download += u.Download
	mb.Count++

	// Lazy prune of minute buckets that fell out of the rolling window.
	cutoff := minute.Add(-ov.window).Unix()
	for ts := range b.minutes {
		if ts < cutoff {
			delete(b.minutes, ts)
		}
	}

	addDelta(b.domains, u.Domain, u)
	addDelta(b.ips, u.DestinationIP, u)
	for _, hop := range u.Chains {
		addDelta(b.proxies, hop, u)
	}
	addDelta(b.devices, u.SourceIP, u)
	addDelta(b.rules, u.Rule, u)
	addDelta(b.chains, u.Rule+"|"+u.Chain(), u)
	if country != "" {
		addDelta(b.countries, country, u)
	}
}

func addDelta(m map[string]*Delta, key string, u *model.TrafficUpdate) {
	if key == "" {
		return
	}
	d := m[key]
	if d == nil {
		d = &Delta{}
		m[key] = d
	}
	d.Upload += u.Upload
	d.Download += u.Download
	d.Count++
}

// SummaryDelta returns the backend's not-yet-durable summary.
func (ov *Overlay) SummaryDelta(backendID string) model.Summary {
	b := ov.backend(backendID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.summary
}

// TodayDelta returns the backend's not-yet-durable totals for the current day.
func (ov *Overlay) TodayDelta(backendID string) model.Summary {
	b := ov.backend(backendID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.today
}

// MinuteSeries returns a copy of the backend's minute-bucketed series.
func (ov *Overlay) MinuteSeries(backendID string) []model.BucketStat {
	b := ov.backend(backendID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.BucketStat, 0, len(b.minutes))
	for _, mb := range b.minutes {
		out = append(out, *mb)
	}
	return out
}

// Dimension returns a copy of one per-dimension delta map. Known dimensions
// are domain, ip, proxy, device, rule, chain and country.
func (ov *Overlay) Dimension(backendID, dimension string) map[string]Delta {
	b := ov.backend(backendID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	var src map[string]*Delta
	switch dimension {
	case "domain":
		src = b.domains
	case "ip":
		src = b.ips
	case "proxy":
		src = b.proxies
	case "device":
		src = b.devices
	case "rule":
		src = b.rules
	case "chain":
		src = b.chains
	case "country":
		src = b.countries
	default:
		return nil
	}

	out := make(map[string]Delta, len(src))
	for k, v := range src {
		out[k] = *v
	}
	return out
}

// Clear drops the backend's overlay slices covered by a successful durable
// flush. The durable store is now authoritative for those slices, so they are
// cleared, never decremented. A partially successful flush clears only the
// slices its successful path made durable:
// detail path -> dimension-keyed maps, aggregate path -> summary and minutes.
func (ov *Overlay) Clear(backendID string, r model.FlushResult) {
	if !r.DetailOK && !r.AggOK {
		return
	}
	b := ov.backend(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.DetailOK {
		b.resetDimensions()
	}
	if r.AggOK {
		b.summary = model.Summary{}
		b.today = model.Summary{}
		b.minutes = make(map[int64]*model.BucketStat)
	}
}

// Drop removes a backend's overlay entirely, for backend deregistration.
func (ov *Overlay) Drop(backendID string) {
	ov.backends.Remove(backendID)
}
