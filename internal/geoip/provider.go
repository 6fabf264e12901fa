package geoip

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"GateLens/internal/model"
)

// Provider resolves one IP to a geolocation record via some upstream source.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*model.GeoIPRecord, error)
}

// onlineResponse mirrors the JSON shape of the online lookup endpoint.
type onlineResponse struct {
	Country       string `json:"country_code"`
	CountryName   string `json:"country"`
	City          string `json:"city"`
	ASN           string `json:"asn"`
	ASName        string `json:"as_name"`
	ASDomain      string `json:"as_domain"`
	Continent     string `json:"continent_code"`
	ContinentName string `json:"continent"`
}

// OnlineProvider queries an HTTP JSON endpoint per IP.
type OnlineProvider struct {
	urlTemplate string // %s is replaced with the IP
	client      *http.Client
}

// NewOnlineProvider creates the HTTP provider. urlTemplate must contain a %s
// placeholder for the IP; when it does not, the IP is appended as a path
// segment.
func NewOnlineProvider(urlTemplate string, timeout time.Duration) *OnlineProvider {
	if !strings.Contains(urlTemplate, "%s") {
		urlTemplate = strings.TrimRight(urlTemplate, "/") + "/%s"
	}
	return &OnlineProvider{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: timeout},
	}
}

// Lookup performs one HTTP GET for the IP.
func (p *OnlineProvider) Lookup(ctx context.Context, ip string) (*model.GeoIPRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(p.urlTemplate, ip), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geoip query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geoip query: unexpected status %d", resp.StatusCode)
	}

	var body onlineResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("geoip decode: %w", err)
	}

	return &model.GeoIPRecord{
		IP:            ip,
		Country:       body.Country,
		CountryName:   body.CountryName,
		City:          body.City,
		ASN:           body.ASN,
		ASName:        body.ASName,
		ASDomain:      body.ASDomain,
		Continent:     body.Continent,
		ContinentName: body.ContinentName,
		QueriedAt:     time.Now(),
	}, nil
}

// ipRange is one CIDR block of the local database mapped to a country.
type ipRange struct {
	start uint32
	end   uint32
	cc    string
	name  string
}

// LocalProvider answers lookups from an on-disk range database instead of the
// network. The file holds one "CIDR,CC[,CountryName]" entry per line; blank
// lines and # comments are skipped.
type LocalProvider struct {
	ranges []ipRange
}

// NewLocalProvider loads and sorts the range database.
func NewLocalProvider(path string) (*LocalProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open local geoip db: %w", err)
	}
	defer f.Close()

	var ranges []ipRange
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		_, ipnet, perr := net.ParseCIDR(strings.TrimSpace(parts[0]))
		if perr != nil || ipnet == nil {
			continue
		}
		v4 := ipnet.IP.To4()
		if v4 == nil {
			continue
		}
		start := binary.BigEndian.Uint32(v4)
		mask := binary.BigEndian.Uint32(ipnet.Mask)
		r := ipRange{start: start, end: start | ^mask, cc: strings.ToUpper(strings.TrimSpace(parts[1]))}
		if len(parts) > 2 {
			r.name = strings.TrimSpace(parts[2])
		}
		ranges = append(ranges, r)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read local geoip db: %w", err)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	return &LocalProvider{ranges: ranges}, nil
}

// Lookup binary-searches the range table. IPs outside every range resolve to
// an empty-country record rather than an error, since the database is the
// authority the operator chose.
func (p *LocalProvider) Lookup(ctx context.Context, ipStr string) (*model.GeoIPRecord, error) {
	rec := &model.GeoIPRecord{IP: ipStr, QueriedAt: time.Now()}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip %q", ipStr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return rec, nil
	}

	val := binary.BigEndian.Uint32(v4)
	i := sort.Search(len(p.ranges), func(i int) bool { return p.ranges[i].start > val })
	if i > 0 {
		r := p.ranges[i-1]
		if val >= r.start && val <= r.end {
			rec.Country = r.cc
			rec.CountryName = r.name
		}
	}
	return rec, nil
}
