package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"GateLens/internal/model"
)

// DimensionRow is one entry of a dimension listing, ordered by total traffic.
type DimensionRow struct {
	Key      string `json:"key"`
	Payload  string `json:"payload,omitempty"` // rule payload or chain, when the dimension has one
	Upload   uint64 `json:"upload"`
	Download uint64 `json:"download"`
	Count    uint64 `json:"count"`
	Members  string `json:"members,omitempty"` // comma-joined set column (ips or domains)
}

// DetailRow is one fine-grained minute-resolution entry.
type DetailRow struct {
	Bucket   time.Time `json:"bucket"`
	Domain   string    `json:"domain"`
	IP       string    `json:"ip"`
	SourceIP string    `json:"source_ip"`
	Chain    string    `json:"chain"`
	Rule     string    `json:"rule"`
	Upload   uint64    `json:"upload"`
	Download uint64    `json:"download"`
	Count    uint64    `json:"count"`
}

// Querier defines the read interface over the durable traffic statistics.
type Querier interface {
	Totals(ctx context.Context, backendID string) (*model.Summary, error)
	Dimension(ctx context.Context, backendID, dimension string, limit, offset int) ([]DimensionRow, error)
	Series(ctx context.Context, backendID, granularity string, from, to time.Time) ([]model.BucketStat, error)
	Details(ctx context.Context, backendID string, filters map[string]string, from, to time.Time, limit, offset int) ([]DetailRow, error)
}

// sqliteQuerier implements Querier over the row store's database handle.
type sqliteQuerier struct {
	db *sql.DB
}

// NewSQLiteQuerier creates a querier over the row store's handle.
func NewSQLiteQuerier(db *sql.DB) Querier {
	return &sqliteQuerier{db: db}
}

// Totals sums the minute buckets, which carry every committed aggregate window.
func (q *sqliteQuerier) Totals(ctx context.Context, backendID string) (*model.Summary, error) {
	var sum model.Summary
	err := q.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(upload), 0), COALESCE(SUM(download), 0), COALESCE(SUM(conn_count), 0)
		FROM stats_minute WHERE backend_id = ?`, backendID).
		Scan(&sum.Upload, &sum.Download, &sum.Connections)
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	return &sum, nil
}

// dimensionQuery maps an external dimension name onto its table and columns.
// Only whitelisted dimensions are queryable.
type dimensionQuery struct {
	table   string
	key     string
	payload string
	members string
}

var dimensions = map[string]dimensionQuery{
	"domain": {table: "stats_domain", key: "domain", members: "ips"},
	"ip":     {table: "stats_ip", key: "ip", members: "domains"},
	"proxy":  {table: "stats_proxy", key: "proxy"},
	"rule":   {table: "stats_rule", key: "rule", payload: "payload"},
	"chain":  {table: "stats_chain", key: "rule", payload: "chain"},
	"device": {table: "stats_device", key: "source_ip", members: "domains"},
}

// Dimension returns one page of a dimension's rollup, heaviest traffic first.
func (q *sqliteQuerier) Dimension(ctx context.Context, backendID, dimension string, limit, offset int) ([]DimensionRow, error) {
	d, ok := dimensions[dimension]
	if !ok {
		return nil, fmt.Errorf("unsupported dimension: %s", dimension)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var b strings.Builder
	b.WriteString("SELECT " + d.key)
	if d.payload != "" {
		b.WriteString(", " + d.payload)
	}
	b.WriteString(", upload, download, conn_count")
	if d.members != "" {
		b.WriteString(", " + d.members)
	}
	b.WriteString(" FROM " + d.table + " WHERE backend_id = ?")
	b.WriteString(" ORDER BY upload + download DESC LIMIT ? OFFSET ?")

	rows, err := q.db.QueryContext(ctx, b.String(), backendID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query dimension %s: %w", dimension, err)
	}
	defer rows.Close()

	var out []DimensionRow
	for rows.Next() {
		var r DimensionRow
		dest := []interface{}{&r.Key}
		if d.payload != "" {
			dest = append(dest, &r.Payload)
		}
		dest = append(dest, &r.Upload, &r.Download, &r.Count)
		if d.members != "" {
			dest = append(dest, &r.Members)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan dimension row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Series returns the time-bucketed traffic between from and to, ascending.
func (q *sqliteQuerier) Series(ctx context.Context, backendID, granularity string, from, to time.Time) ([]model.BucketStat, error) {
	var table string
	switch granularity {
	case "minute":
		table = "stats_minute"
	case "hour":
		table = "stats_hour"
	default:
		return nil, fmt.Errorf("unsupported granularity: %s", granularity)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT bucket_start, upload, download, conn_count
		FROM `+table+`
		WHERE backend_id = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC`,
		backendID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s series: %w", granularity, err)
	}
	defer rows.Close()

	var out []model.BucketStat
	for rows.Next() {
		var b model.BucketStat
		var start int64
		if err := rows.Scan(&start, &b.Upload, &b.Download, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan series row: %w", err)
		}
		b.Start = time.Unix(start, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Details returns one page of minute-resolution detail rows, newest first.
// Filter keys are restricted to the detail table's dimension columns.
func (q *sqliteQuerier) Details(ctx context.Context, backendID string, filters map[string]string, from, to time.Time, limit, offset int) ([]DetailRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var b strings.Builder
	b.WriteString(`
		SELECT bucket_start, domain, ip, source_ip, chain, rule, upload, download, conn_count
		FROM stats_detail
		WHERE backend_id = ? AND bucket_start >= ? AND bucket_start < ?`)
	args := []interface{}{backendID, from.Unix(), to.Unix()}

	for key, value := range filters {
		switch key {
		case "domain", "ip", "source_ip", "chain", "rule":
			b.WriteString(fmt.Sprintf(" AND %s = ?", key))
			args = append(args, value)
		default:
			return nil, fmt.Errorf("unsupported filter key: %s", key)
		}
	}

	b.WriteString(" ORDER BY bucket_start DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query details: %w", err)
	}
	defer rows.Close()

	var out []DetailRow
	for rows.Next() {
		var r DetailRow
		var start int64
		if err := rows.Scan(&start, &r.Domain, &r.IP, &r.SourceIP, &r.Chain, &r.Rule,
			&r.Upload, &r.Download, &r.Count); err != nil {
			return nil, fmt.Errorf("failed to scan detail row: %w", err)
		}
		r.Bucket = time.Unix(start, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}
