package model

import (
	"time"
)

// ConnectionInfo is a single entry of a gateway snapshot. Upload and Download
// are cumulative counters for the lifetime of the connection, never deltas.
type ConnectionInfo struct {
	ID            string
	Domain        string
	DestinationIP string
	SourceIP      string
	Chains        []string // ordered proxy hop names, first = final egress proxy
	Rule          string
	RulePayload   string
	Upload        uint64
	Download      uint64
}

// Snapshot is a full point-in-time listing of the currently-open connections
// reported by one gateway backend.
type Snapshot struct {
	Connections []ConnectionInfo
	At          time.Time
}

// TrafficUpdate is one per-connection traffic delta computed between two
// successive snapshots. Upload and Download are non-negative deltas; an update
// with both deltas zero carries no information and is discarded upstream.
type TrafficUpdate struct {
	BackendID     string
	Domain        string
	DestinationIP string
	SourceIP      string
	Chains        []string
	Rule          string
	RulePayload   string
	Upload        uint64
	Download      uint64
	ObservedAt    time.Time
}

// Chain returns the proxy chain as a single display string, outermost hop first.
func (u *TrafficUpdate) Chain() string {
	if len(u.Chains) == 0 {
		return ""
	}
	s := u.Chains[0]
	for _, hop := range u.Chains[1:] {
		s += "/" + hop
	}
	return s
}

// Summary holds the coarse traffic totals for one backend.
type Summary struct {
	Upload      uint64 `json:"upload"`
	Download    uint64 `json:"download"`
	Connections uint64 `json:"connections"`
}

// GeoIPRecord is the geolocation metadata for a single IP. At most one record
// exists per IP; a refresh replaces the whole record, never a part of it.
type GeoIPRecord struct {
	IP            string    `json:"ip"`
	Country       string    `json:"country"`
	CountryName   string    `json:"country_name"`
	City          string    `json:"city"`
	ASN           string    `json:"asn"`
	ASName        string    `json:"as_name"`
	ASDomain      string    `json:"as_domain"`
	Continent     string    `json:"continent"`
	ContinentName string    `json:"continent_name"`
	QueriedAt     time.Time `json:"queried_at"`
}
