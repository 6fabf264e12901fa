package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"GateLens/internal/alerter"
	"GateLens/internal/config"
	"GateLens/internal/geoip"
	"GateLens/internal/model"
	"GateLens/internal/notification"
	"GateLens/internal/realtime"
	"GateLens/internal/writer"
)

// Manager owns every backend pipeline plus the process-wide collaborators:
// the row store, the optional columnar mirror, the realtime overlay, the
// geolocation service, the push publisher and the alerter.
type Manager struct {
	cfg *config.Config

	store   *writer.RowStore
	sink    *writer.DualSink
	overlay *realtime.Overlay
	geo     *geoip.Service
	push    *notification.PushPublisher
	alertr  *alerter.Alerter

	pipelines cmap.ConcurrentMap[string, *Pipeline]

	done      chan struct{}
	cleanupWg sync.WaitGroup
}

// NewManager wires the whole ingestion side together from configuration.
func NewManager(cfg *config.Config) (*Manager, error) {
	store, err := writer.NewRowStore(cfg.Store.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open row store: %w", err)
	}

	var columnar model.Sink
	if cfg.Store.ClickHouse.Enabled {
		ch, err := writer.NewClickHouseSink(cfg.Store.ClickHouse)
		if err != nil {
			// The analytical mirror is best-effort; the row store alone keeps
			// ingestion durable.
			log.Printf("Warning: failed to create ClickHouse sink: %v, continuing without mirror.", err)
		} else {
			columnar = ch
		}
	}

	provider, err := buildProvider(cfg.GeoIP)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		sink:    writer.NewDualSink(store, columnar),
		overlay: realtime.NewOverlay(cfg.Realtime.WindowMinutes),
		geo: geoip.NewService(provider, store, geoip.Options{
			Spacing:   config.Duration(cfg.GeoIP.Spacing, 100*time.Millisecond),
			QueueSize: cfg.GeoIP.QueueSize,
			Cooldown:  config.Duration(cfg.GeoIP.Cooldown, 30*time.Minute),
		}),
		pipelines: cmap.New[*Pipeline](),
		done:      make(chan struct{}),
	}

	if cfg.Notify.NATS.Enabled {
		push, err := notification.NewPushPublisher(cfg.Notify.NATS,
			config.Duration(cfg.Notify.MinPushInterval, 5*time.Second))
		if err != nil {
			log.Printf("Warning: failed to connect push publisher: %v, continuing without push.", err)
		} else {
			m.push = push
		}
	}

	if cfg.Alerter.Enabled {
		var notifier model.Notifier
		if cfg.SMTP.Host != "" {
			notifier = notification.NewEmailNotifier(cfg.SMTP)
		}
		if notifier != nil {
			m.alertr = alerter.NewAlerter(&cfg.Alerter, m.overlay, m.ActiveConnections, notifier)
			log.Println("Alerter enabled and initialized.")
		} else {
			log.Println("Alerter is enabled in config, but no notifiers are configured. Alerter will not run.")
		}
	}

	return m, nil
}

func buildProvider(cfg config.GeoIPConfig) (geoip.Provider, error) {
	switch cfg.Provider {
	case "local":
		p, err := geoip.NewLocalProvider(cfg.LocalDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load local geoip db: %w", err)
		}
		return p, nil
	default:
		url := cfg.URL
		if url == "" {
			url = "https://api.ipapi.is/?q=%s"
		}
		return geoip.NewOnlineProvider(url, config.Duration(cfg.Timeout, 8*time.Second)), nil
	}
}

// Start launches a pipeline for every enabled backend plus the retention
// cleanup loop and the alerter.
func (m *Manager) Start() {
	for _, def := range m.cfg.Backends {
		if !def.Enabled {
			continue
		}
		if err := m.AddBackend(def); err != nil {
			log.Printf("Warning: failed to start pipeline for backend '%s': %v", def.ID, err)
		}
	}

	if m.cfg.Retention.AutoCleanup {
		m.cleanupWg.Add(1)
		go m.runCleanup()
	}

	if m.alertr != nil {
		go m.alertr.Start()
	}

	log.Printf("Manager started with %d pipelines.", m.pipelines.Count())
}

// AddBackend starts a pipeline for a newly registered backend. Registering an
// already-running backend id is an error.
func (m *Manager) AddBackend(def config.BackendDef) error {
	if def.ID == "" || def.URL == "" {
		return fmt.Errorf("backend requires id and url")
	}
	p := New(def, m.cfg.Pipeline, Deps{
		Overlay: m.overlay,
		Geo:     m.geo,
		Sink:    m.sink,
		Push:    m.pushFunc(),
	})
	if !m.pipelines.SetIfAbsent(def.ID, p) {
		return fmt.Errorf("backend '%s' already has a running pipeline", def.ID)
	}
	p.Start()
	return nil
}

// RemoveBackend stops and removes one backend's pipeline, flushing its
// buffered data, and drops its realtime overlay.
func (m *Manager) RemoveBackend(backendID string) {
	if p, ok := m.pipelines.Get(backendID); ok {
		m.pipelines.Remove(backendID)
		p.Stop()
		m.overlay.Drop(backendID)
	}
}

func (m *Manager) pushFunc() PushFunc {
	if m.push == nil {
		return nil
	}
	return m.push.PublishSummary
}

func (m *Manager) runCleanup() {
	defer m.cleanupWg.Done()
	interval := config.Duration(m.cfg.Retention.Interval, 6*time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := m.store.Cleanup(ctx, m.cfg.Retention.DetailDays, m.cfg.Retention.RollupDays)
			cancel()
			if err != nil {
				log.Printf("retention cleanup failed: %v", err)
			}
		case <-m.done:
			return
		}
	}
}

// Overlay exposes the realtime overlay for the read path.
func (m *Manager) Overlay() *realtime.Overlay {
	return m.overlay
}

// Store exposes the row store for the read path.
func (m *Manager) Store() *writer.RowStore {
	return m.store
}

// Geo exposes the enrichment service for the read path.
func (m *Manager) Geo() *geoip.Service {
	return m.geo
}

// ActiveConnections returns the live connection count for one backend, or 0
// when no pipeline is running for it.
func (m *Manager) ActiveConnections(backendID string) int {
	if p, ok := m.pipelines.Get(backendID); ok {
		return p.ActiveConnections()
	}
	return 0
}

// Connected reports whether the backend's gateway channel is up.
func (m *Manager) Connected(backendID string) bool {
	if p, ok := m.pipelines.Get(backendID); ok {
		return p.Connected()
	}
	return false
}

// Stop shuts everything down in dependency order: pipelines first (each takes
// a final flush), then the alerter, the cleanup loop, the geo service and the
// sinks. Buffered data is never silently dropped.
func (m *Manager) Stop() {
	log.Println("Manager stopping...")

	var wg sync.WaitGroup
	for _, id := range m.pipelines.Keys() {
		if p, ok := m.pipelines.Get(id); ok {
			wg.Add(1)
			go func(p *Pipeline) {
				defer wg.Done()
				p.Stop()
			}(p)
		}
	}
	wg.Wait()

	if m.alertr != nil {
		m.alertr.Stop()
	}

	close(m.done)
	m.cleanupWg.Wait()

	m.geo.Stop()
	if m.push != nil {
		m.push.Close()
	}
	if err := m.sink.Close(); err != nil {
		log.Printf("error closing sinks: %v", err)
	}

	log.Println("Manager stopped.")
}
