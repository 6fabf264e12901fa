package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"GateLens/internal/aggregator"
	"GateLens/internal/config"
	"GateLens/internal/geoip"
	"GateLens/internal/model"
	"GateLens/internal/realtime"
	"GateLens/internal/tracker"
	"GateLens/internal/transport"
)

const flushWriteTimeout = 60 * time.Second

// PushFunc is the post-flush notification hook. It receives the totals of the
// batch that just became durable.
type PushFunc func(backendID string, summary model.Summary)

// Deps are the process-wide collaborators shared by every pipeline.
type Deps struct {
	Overlay *realtime.Overlay
	Geo     *geoip.Service
	Sink    model.Sink
	Push    PushFunc // may be nil
}

// Pipeline is the ingestion pipeline for one backend: transport, connection
// tracker, aggregation buffer and the timers that drive flush and sweep.
// Pipelines for different backends share no mutable state except the geo
// service and the sinks, which are concurrency-safe. Within a pipeline the
// transport callback, the flush trigger and the staleness sweep all mutate
// the tracker+buffer pair and are serialized behind one mutex.
type Pipeline struct {
	backendID string
	deps      Deps

	flushInterval time.Duration
	sweepInterval time.Duration
	maxPending    int

	mu      sync.Mutex
	tracker *tracker.Tracker
	buffer  *aggregator.Buffer

	gateway *transport.Gateway

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	flushWg  sync.WaitGroup
}

// New creates a pipeline for one backend definition.
func New(def config.BackendDef, pcfg config.PipelineConfig, deps Deps) *Pipeline {
	p := &Pipeline{
		backendID:     def.ID,
		deps:          deps,
		flushInterval: config.Duration(pcfg.FlushInterval, 30*time.Second),
		sweepInterval: config.Duration(pcfg.SweepInterval, 2*time.Minute),
		maxPending:    pcfg.MaxPendingEvents,
		tracker:       tracker.New(def.ID, config.Duration(pcfg.StaleTimeout, 5*time.Minute)),
		buffer:        aggregator.New(def.ID),
		done:          make(chan struct{}),
	}
	if p.maxPending <= 0 {
		p.maxPending = 5000
	}
	p.gateway = transport.NewGateway(def.ID, def.URL, def.Token,
		config.Duration(pcfg.ReconnectInterval, 5*time.Second), p.handleSnapshot)
	return p
}

// Start connects the transport and launches the flush/sweep timers.
func (p *Pipeline) Start() {
	p.gateway.Start()

	p.wg.Add(1)
	go p.runTimers()
	log.Printf("[%s] pipeline started (flush %s, sweep %s)", p.backendID, p.flushInterval, p.sweepInterval)
}

func (p *Pipeline) runTimers() {
	defer p.wg.Done()
	flushTicker := time.NewTicker(p.flushInterval)
	defer flushTicker.Stop()
	sweepTicker := time.NewTicker(p.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			p.flush()
		case <-sweepTicker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

// handleSnapshot is the transport's message-delivery callback. It stays off
// any blocking I/O: durable writes happen on the flush timer and geolocation
// enrichment runs on its own goroutine.
func (p *Pipeline) handleSnapshot(snap *model.Snapshot) {
	p.mu.Lock()
	updates := p.tracker.Apply(snap)
	unresolved := make(map[string]struct{})
	for i := range updates {
		u := &updates[i]
		p.buffer.Add(u)
		country := p.deps.Geo.CachedCountry(u.DestinationIP)
		p.deps.Overlay.Record(u, country)
		if country == "" && u.DestinationIP != "" {
			unresolved[u.DestinationIP] = struct{}{}
		}
	}
	pending := p.buffer.Pending()
	p.mu.Unlock()

	if len(unresolved) > 0 {
		go p.enrich(unresolved)
	}

	if pending >= p.maxPending {
		go p.flush()
	}
}

// enrich resolves destination IPs asynchronously so their geolocation is
// available to later updates and to the read path. Failures are absorbed by
// the geo service's cooldown.
func (p *Pipeline) enrich(ips map[string]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for ip := range ips {
		select {
		case <-p.done:
			return
		default:
		}
		p.deps.Geo.Resolve(ctx, ip)
	}
}

// flush swaps the buffer's window out, commits it and clears the overlay
// slices the durable store now covers. A flush already in progress makes this
// call a no-op via the buffer.
func (p *Pipeline) flush() {
	batch := p.buffer.TryFlush()
	if batch == nil {
		return
	}

	p.flushWg.Add(1)
	defer p.flushWg.Done()
	defer p.buffer.FlushDone()

	ctx, cancel := context.WithTimeout(context.Background(), flushWriteTimeout)
	defer cancel()

	res, err := p.deps.Sink.Write(ctx, batch)
	if err != nil {
		// The batch for this window is lost from the durable store; it stays
		// visible in the overlay until it ages out. No requeue.
		log.Printf("[%s] flush of %d events failed: %v", p.backendID, batch.Events, err)
	}

	p.deps.Overlay.Clear(p.backendID, res)

	if res.OK() && p.deps.Push != nil {
		p.deps.Push(p.backendID, model.Summary{
			Upload:      batch.Upload,
			Download:    batch.Download,
			Connections: uint64(batch.Events),
		})
	}
}

func (p *Pipeline) sweep() {
	p.mu.Lock()
	removed := p.tracker.Sweep(time.Now())
	p.mu.Unlock()
	if removed > 0 {
		log.Printf("[%s] sweep removed %d stale connections", p.backendID, removed)
	}
}

// ActiveConnections returns the number of currently tracked connections.
func (p *Pipeline) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.Active()
}

// Connected reports whether the gateway channel is up.
func (p *Pipeline) Connected() bool {
	return p.gateway.Connected()
}

// Stop shuts the pipeline down: transport first, then the timers, then any
// in-progress flush, then one final flush so buffered data is not dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.gateway.Disconnect()
		close(p.done)
		p.wg.Wait()
		p.flushWg.Wait()
		p.flush()
		log.Printf("[%s] pipeline stopped", p.backendID)
	})
}
