package notification

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"GateLens/internal/config"
	"GateLens/internal/model"
)

// pushMessage is the payload published after each successful flush.
type pushMessage struct {
	BackendID string        `json:"backend_id"`
	Summary   model.Summary `json:"summary"`
	At        time.Time     `json:"at"`
}

// PushPublisher pushes per-backend summaries to subscribers over NATS after
// each successful flush, with a minimum inter-push interval per backend so a
// short flush cadence cannot flood subscribers.
type PushPublisher struct {
	nc          *nats.Conn
	subject     string
	minInterval time.Duration

	// publish is swapped out in tests.
	publish func(subject string, data []byte) error

	mu   sync.Mutex
	last map[string]time.Time
}

// NewPushPublisher connects to the NATS server.
func NewPushPublisher(cfg config.NATSConfig, minInterval time.Duration) (*PushPublisher, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	p := &PushPublisher{
		nc:          nc,
		subject:     cfg.Subject,
		minInterval: minInterval,
		last:        make(map[string]time.Time),
	}
	p.publish = nc.Publish
	return p, nil
}

// PublishSummary serializes the summary and publishes it, unless the backend
// was pushed to within the minimum interval.
func (p *PushPublisher) PublishSummary(backendID string, summary model.Summary) {
	if !p.allow(backendID, time.Now()) {
		return
	}

	data, err := json.Marshal(pushMessage{BackendID: backendID, Summary: summary, At: time.Now()})
	if err != nil {
		log.Printf("failed to marshal push message for %s: %v", backendID, err)
		return
	}
	if err := p.publish(p.subject, data); err != nil {
		log.Printf("failed to publish summary for %s: %v", backendID, err)
	}
}

func (p *PushPublisher) allow(backendID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.last[backendID]; ok && now.Sub(last) < p.minInterval {
		return false
	}
	p.last[backendID] = now
	return true
}

// Close drains and closes the NATS connection.
func (p *PushPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
