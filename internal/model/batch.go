package model

import (
	"time"
)

// DomainStat is the per-domain rollup entry of one flush window.
type DomainStat struct {
	Domain   string
	Upload   uint64
	Download uint64
	Count    uint64
	IPs      map[string]struct{} // distinct destination IPs seen for this domain
}

// IPStat is the per-destination-IP rollup entry of one flush window.
type IPStat struct {
	IP       string
	Upload   uint64
	Download uint64
	Count    uint64
	Domains  map[string]struct{}
}

// ProxyStat is the per-proxy-hop rollup entry of one flush window. Every hop of
// a connection's chain receives the full delta.
type ProxyStat struct {
	Proxy    string
	Upload   uint64
	Download uint64
	Count    uint64
}

// RuleStat is the per-routing-rule rollup entry of one flush window.
type RuleStat struct {
	Rule     string
	Payload  string
	Upload   uint64
	Download uint64
	Count    uint64
}

// DeviceStat is the per-source-device rollup entry of one flush window.
type DeviceStat struct {
	SourceIP string
	Upload   uint64
	Download uint64
	Count    uint64
	Domains  map[string]struct{}
}

// ChainStat is the rule-by-chain rollup entry of one flush window.
type ChainStat struct {
	Rule     string
	Chain    string
	Upload   uint64
	Download uint64
	Count    uint64
}

// BucketStat is a time-bucketed rollup entry (minute or hour granularity).
type BucketStat struct {
	Start    time.Time
	Upload   uint64
	Download uint64
	Count    uint64
}

// DetailStat is the fine-grained rollup entry combining every dimension at
// minute granularity. It backs the detail tables and the columnar detail path.
type DetailStat struct {
	Minute   time.Time
	Domain   string
	IP       string
	SourceIP string
	Chain    string
	Rule     string
	Upload   uint64
	Download uint64
	Count    uint64
}

// Batch is the aggregated content of one flush window for a single backend.
// The invariant maintained by the aggregation buffer is that the sum of Upload
// and Download over any one rollup map equals the sum of the TrafficUpdate
// deltas that fed the window.
type Batch struct {
	BackendID string
	Start     time.Time
	End       time.Time
	Events    int
	Upload    uint64
	Download  uint64

	Domains map[string]*DomainStat
	IPs     map[string]*IPStat
	Proxies map[string]*ProxyStat
	Rules   map[string]*RuleStat
	Devices map[string]*DeviceStat
	Chains  map[string]*ChainStat
	Minutes map[int64]*BucketStat
	Hours   map[int64]*BucketStat
	Details map[string]*DetailStat
}

// Empty reports whether the batch carries no aggregated events.
func (b *Batch) Empty() bool {
	return b == nil || b.Events == 0
}
