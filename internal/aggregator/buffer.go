package aggregator

import (
	"sync"
	"time"

	"GateLens/internal/model"
)

// Buffer accumulates traffic updates for one backend into per-dimension rollup
// maps until the owning pipeline flushes it. Add coalesces repeated keys in
// O(1) amortized and never blocks on I/O. A flush swaps the whole window out
// under the lock (swap-then-clear), so adds arriving during a slow durable
// write land in a fresh window instead of the in-flight batch.
type Buffer struct {
	backendID string

	mu       sync.Mutex
	batch    *model.Batch
	flushing bool
}

// New creates an empty buffer for one backend.
func New(backendID string) *Buffer {
	return &Buffer{
		backendID: backendID,
		batch:     newBatch(backendID),
	}
}

func newBatch(backendID string) *model.Batch {
	return &model.Batch{
		BackendID: backendID,
		Domains:   make(map[string]*model.DomainStat),
		IPs:       make(map[string]*model.IPStat),
		Proxies:   make(map[string]*model.ProxyStat),
		Rules:     make(map[string]*model.RuleStat),
		Devices:   make(map[string]*model.DeviceStat),
		Chains:    make(map[string]*model.ChainStat),
		Minutes:   make(map[int64]*model.BucketStat),
		Hours:     make(map[int64]*model.BucketStat),
		Details:   make(map[string]*model.DetailStat),
	}
}

// Add merges one traffic update into the current window. Updates with both
// deltas zero carry no information and are discarded.
func (b *Buffer) Add(u *model.TrafficUpdate) {
	if u == nil || (u.Upload == 0 && u.Download == 0) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.batch
	if batch.Events == 0 {
		batch.Start = u.ObservedAt
	}
	batch.End = u.ObservedAt
	batch.Events++
	batch.Upload += u.Upload
	batch.Download += u.Download

	chain := u.Chain()
	minute := u.ObservedAt.Truncate(time.Minute)
	hour := u.ObservedAt.Truncate(time.Hour)

	d := batch.Domains[u.Domain]
	if d == nil {
		d = &model.DomainStat{Domain: u.Domain, IPs: make(map[string]struct{})}
		batch.Domains[u.Domain] = d
	}
	d.Upload += u.Upload
	d.Download += u.Download
	d.Count++
	if u.DestinationIP != "" {
		d.IPs[u.DestinationIP] = struct{}{}
	}

	ip := batch.IPs[u.DestinationIP]
	if ip == nil {
		ip = &model.IPStat{IP: u.DestinationIP, Domains: make(map[string]struct{})}
		batch.IPs[u.DestinationIP] = ip
	}
	ip.Upload += u.Upload
	ip.Download += u.Download
	ip.Count++
	if u.Domain != "" {
		ip.Domains[u.Domain] = struct{}{}
	}

	// Every hop of the chain carried the bytes, so every hop gets the delta.
	for _, hop := range u.Chains {
		p := batch.Proxies[hop]
		if p == nil {
			p = &model.ProxyStat{Proxy: hop}
			batch.Proxies[hop] = p
		}
		p.Upload += u.Upload
		p.Download += u.Download
		p.Count++
	}

	ruleKey := u.Rule + "|" + u.RulePayload
	r := batch.Rules[ruleKey]
	if r == nil {
		r = &model.RuleStat{Rule: u.Rule, Payload: u.RulePayload}
		batch.Rules[ruleKey] = r
	}
	r.Upload += u.Upload
	r.Download += u.Download
	r.Count++

	dev := batch.Devices[u.SourceIP]
	if dev == nil {
		dev = &model.DeviceStat{SourceIP: u.SourceIP, Domains: make(map[string]struct{})}
		batch.Devices[u.SourceIP] = dev
	}
	dev.Upload += u.Upload
	dev.Download += u.Download
	dev.Count++
	if u.Domain != "" {
		dev.Domains[u.Domain] = struct{}{}
	}

	chainKey := u.Rule + "|" + chain
	c := batch.Chains[chainKey]
	if c == nil {
		c = &model.ChainStat{Rule: u.Rule, Chain: chain}
		batch.Chains[chainKey] = c
	}
	c.Upload += u.Upload
	c.Download += u.Download
	c.Count++

	addBucket(batch.Minutes, minute, u)
	addBucket(batch.Hours, hour, u)

	detailKey := minute.Format("200601021504") + "|" + u.Domain + "|" + u.DestinationIP + "|" + u.SourceIP + "|" + chain + "|" + u.Rule
	det := batch.Details[detailKey]
	if det == nil {
		det = &model.DetailStat{
			Minute:   minute,
			Domain:   u.Domain,
			IP:       u.DestinationIP,
			SourceIP: u.SourceIP,
			Chain:    chain,
			Rule:     u.Rule,
		}
		batch.Details[detailKey] = det
	}
	det.Upload += u.Upload
	det.Download += u.Download
	det.Count++
}

func addBucket(buckets map[int64]*model.BucketStat, start time.Time, u *model.TrafficUpdate) {
	b := buckets[start.Unix()]
	if b == nil {
		b = &model.BucketStat{Start: start}
		buckets[start.Unix()] = b
	}
	b.Upload += u.Upload
	b.Download += u.Download
	b.Count++
}

// Pending returns the number of events merged into the current window.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batch.Events
}

// TryFlush swaps the current window out and returns it for writing. It
// returns nil when the window is empty or another flush is still in progress,
// so concurrent flush triggers collapse into a single batch.
// The caller must call FlushDone once the returned batch has been handed to
// the sinks.
func (b *Buffer) TryFlush() *model.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushing || b.batch.Events == 0 {
		return nil
	}
	b.flushing = true
	out := b.batch
	b.batch = newBatch(b.backendID)
	return out
}

// FlushDone marks the in-flight flush as finished, allowing the next one.
func (b *Buffer) FlushDone() {
	b.mu.Lock()
	b.flushing = false
	b.mu.Unlock()
}
