package tracker

import (
	"time"

	"GateLens/internal/model"
)

// trackedConnection is the stored state for one live gateway connection.
// Upload and Download hold the last cumulative counter readings.
type trackedConnection struct {
	domain      string
	destIP      string
	sourceIP    string
	chains      []string
	rule        string
	rulePayload string
	upload      uint64
	download    uint64
	lastSeen    time.Time
}

// Tracker converts the cumulative per-connection counters of successive
// gateway snapshots into traffic deltas. It is owned by a single pipeline and
// is not safe for concurrent use; the owning pipeline serializes access.
type Tracker struct {
	backendID    string
	staleTimeout time.Duration
	conns        map[string]*trackedConnection
}

// New creates a tracker for one backend.
func New(backendID string, staleTimeout time.Duration) *Tracker {
	return &Tracker{
		backendID:    backendID,
		staleTimeout: staleTimeout,
		conns:        make(map[string]*trackedConnection),
	}
}

// Apply processes one full snapshot and returns the traffic updates it
// implies, in snapshot order. Connections absent from the snapshot are
// forgotten; their last delta was already emitted while they were present, so
// no synthetic close event is produced.
func (t *Tracker) Apply(snap *model.Snapshot) []model.TrafficUpdate {
	if snap == nil {
		return nil
	}
	now := snap.At
	if now.IsZero() {
		now = time.Now()
	}

	var updates []model.TrafficUpdate
	present := make(map[string]struct{}, len(snap.Connections))

	for i := range snap.Connections {
		c := &snap.Connections[i]
		if c.ID == "" {
			continue
		}
		present[c.ID] = struct{}{}

		tc, ok := t.conns[c.ID]
		if !ok {
			// First appearance. The cumulative counters are traffic that
			// happened before we started watching and must not be dropped.
			t.conns[c.ID] = &trackedConnection{
				domain:      c.Domain,
				destIP:      c.DestinationIP,
				sourceIP:    c.SourceIP,
				chains:      c.Chains,
				rule:        c.Rule,
				rulePayload: c.RulePayload,
				upload:      c.Upload,
				download:    c.Download,
				lastSeen:    now,
			}
			if c.Upload > 0 || c.Download > 0 {
				updates = append(updates, t.update(c, c.Upload, c.Download, now))
			}
			continue
		}

		// The guard against new < last absorbs counter resets from
		// gateway-side reconnects: the delta for that direction is 0 on the
		// snapshot where the reset is observed.
		var up, down uint64
		if c.Upload > tc.upload {
			up = c.Upload - tc.upload
		}
		if c.Download > tc.download {
			down = c.Download - tc.download
		}
		tc.upload = c.Upload
		tc.download = c.Download
		tc.lastSeen = now
		if c.Domain != "" {
			tc.domain = c.Domain
		}
		if up > 0 || down > 0 {
			updates = append(updates, t.update(c, up, down, now))
		}
	}

	for id := range t.conns {
		if _, ok := present[id]; !ok {
			delete(t.conns, id)
		}
	}

	return updates
}

// Sweep removes connections that have not been updated within the staleness
// timeout and returns how many were dropped. It bounds memory under a gateway
// that stops sending snapshots without disconnecting.
func (t *Tracker) Sweep(now time.Time) int {
	removed := 0
	for id, tc := range t.conns {
		if now.Sub(tc.lastSeen) > t.staleTimeout {
			delete(t.conns, id)
			removed++
		}
	}
	return removed
}

// Active returns the number of currently tracked connections.
func (t *Tracker) Active() int {
	return len(t.conns)
}

func (t *Tracker) update(c *model.ConnectionInfo, up, down uint64, now time.Time) model.TrafficUpdate {
	return model.TrafficUpdate{
		BackendID:     t.backendID,
		Domain:        c.Domain,
		DestinationIP: c.DestinationIP,
		SourceIP:      c.SourceIP,
		Chains:        c.Chains,
		Rule:          c.Rule,
		RulePayload:   c.RulePayload,
		Upload:        up,
		Download:      down,
		ObservedAt:    now,
	}
}
