package transport

import (
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"GateLens/internal/model"
)

// SnapshotHandler receives each parsed snapshot from a gateway.
type SnapshotHandler func(snap *model.Snapshot)

// Gateway maintains the long-lived websocket push channel to one backend. On
// any non-explicit disconnect it reconnects after a fixed interval, forever,
// until Disconnect is called. Malformed messages are logged and dropped.
type Gateway struct {
	backendID string
	url       string
	token     string
	reconnect time.Duration
	handler   SnapshotHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGateway creates a transport for one backend. rawURL is the gateway's
// base URL (ws:// or http://); the connections endpoint is appended when the
// URL carries no path.
func NewGateway(backendID, rawURL, token string, reconnect time.Duration, handler SnapshotHandler) *Gateway {
	return &Gateway{
		backendID: backendID,
		url:       connectionsURL(rawURL),
		token:     token,
		reconnect: reconnect,
		handler:   handler,
		stop:      make(chan struct{}),
	}
}

func connectionsURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/connections"
	}
	return u.String()
}

// Start launches the connect/read/reconnect loop. It returns immediately.
func (g *Gateway) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	g.wg.Add(1)
	go g.run()
}

func (g *Gateway) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stop:
			return
		default:
		}

		if err := g.connectAndRead(); err != nil {
			log.Printf("[%s] gateway connection lost: %v, reconnecting in %s", g.backendID, err, g.reconnect)
		}

		select {
		case <-g.stop:
			return
		case <-time.After(g.reconnect):
		}
	}
}

func (g *Gateway) connectAndRead() error {
	header := http.Header{}
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(g.url, header)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	log.Printf("[%s] connected to gateway at %s", g.backendID, g.url)

	defer func() {
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		snap, ok, err := ParseSnapshot(data, time.Now())
		if err != nil {
			log.Printf("[%s] dropping malformed gateway message: %v", g.backendID, err)
			continue
		}
		if !ok {
			// Keepalive.
			continue
		}
		g.handler(snap)
	}
}

// Disconnect stops the transport and closes the connection. It is idempotent
// and never triggers a reconnect.
func (g *Gateway) Disconnect() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.mu.Lock()
		if g.conn != nil {
			g.conn.Close()
		}
		g.mu.Unlock()
	})
	g.wg.Wait()
}

// Connected reports whether the gateway channel is currently established.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}
