package writer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"GateLens/internal/model"
)

// setColumnCap bounds the growth of set-valued text columns. Past the cap the
// existing value is kept and no further widening happens, so a high-cardinality
// key cannot grow a row without bound.
const setColumnCap = 4096

const schema = `
CREATE TABLE IF NOT EXISTS stats_domain (
	backend_id TEXT NOT NULL,
	domain     TEXT NOT NULL,
	upload     INTEGER NOT NULL DEFAULT 0,
	download   INTEGER NOT NULL DEFAULT 0,
	conn_count INTEGER NOT NULL DEFAULT 0,
	ips        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (backend_id, domain)
);

CREATE TABLE IF NOT EXISTS stats_ip (
	backend_id TEXT NOT NULL,
	ip         TEXT NOT NULL,
	upload     INTEGER NOT NULL DEFAULT 0,
	download   INTEGER NOT NULL DEFAULT 0,
	conn_count INTEGER NOT NULL DEFAULT 0,
	domains    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (backend_id, ip)
);

CREATE TABLE IF NOT EXISTS stats_proxy (
	backend_id TEXT NOT NULL,
	proxy      TEXT NOT NULL,
	upload     INTEGER NOT NULL DEFAULT 0,
	download   INTEGER NOT NULL DEFAULT 0,
	conn_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, proxy)
);

CREATE TABLE IF NOT EXISTS stats_rule (
	backend_id TEXT NOT NULL,
	rule       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '',
	upload     INTEGER NOT NULL DEFAULT 0,
	download   INTEGER NOT NULL DEFAULT 0,
	conn_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, rule, payload)
);

CREATE TABLE IF NOT EXISTS stats_chain (
	backend_id TEXT NOT NULL,
	rule       TEXT NOT NULL,
	chain      TEXT NOT NULL,
	upload     INTEGER NOT NULL DEFAULT 0,
	download   INTEGER NOT NULL DEFAULT 0,
	conn_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, rule, chain)
);

CREATE TABLE IF NOT EXISTS stats_detail (
	backend_id   TEXT NOT NULL,
	bucket_start INTEGER NOT NULL,
	domain       TEXT NOT NULL,
	ip           TEXT NOT NULL,
	source_ip    TEXT NOT NULL,
	chain        TEXT NOT NULL,
	rule         TEXT NOT NULL,
	upload       INTEGER NOT NULL DEFAULT 0,
	download     INTEGER NOT NULL DEFAULT 0,
	conn_count   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, bucket_start, domain, ip, source_ip, chain, rule)
);

CREATE TABLE IF NOT EXISTS stats_minute (
	backend_id   TEXT NOT NULL,
	bucket_start INTEGER NOT NULL,
	upload       INTEGER NOT NULL DEFAULT 0,
	download     INTEGER NOT NULL DEFAULT 0,
	conn_count   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, bucket_start)
);

CREATE TABLE IF NOT EXISTS stats_hour (
	backend_id   TEXT NOT NULL,
	bucket_start INTEGER NOT NULL,
	upload       INTEGER NOT NULL DEFAULT 0,
	download     INTEGER NOT NULL DEFAULT 0,
	conn_count   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, bucket_start)
);

CREATE TABLE IF NOT EXISTS stats_device (
	backend_id TEXT NOT NULL,
	source_ip  TEXT NOT NULL,
	upload     INTEGER NOT NULL DEFAULT 0,
	download   INTEGER NOT NULL DEFAULT 0,
	conn_count INTEGER NOT NULL DEFAULT 0,
	domains    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (backend_id, source_ip)
);

CREATE TABLE IF NOT EXISTS geoip_cache (
	ip             TEXT PRIMARY KEY,
	country        TEXT NOT NULL DEFAULT '',
	country_name   TEXT NOT NULL DEFAULT '',
	city           TEXT NOT NULL DEFAULT '',
	asn            TEXT NOT NULL DEFAULT '',
	as_name        TEXT NOT NULL DEFAULT '',
	as_domain      TEXT NOT NULL DEFAULT '',
	continent      TEXT NOT NULL DEFAULT '',
	continent_name TEXT NOT NULL DEFAULT '',
	queried_at     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_detail_bucket ON stats_detail (backend_id, bucket_start);
`

// RowStore is the durable row-oriented sink backed by SQLite. Each flushed
// batch is applied as three sub-transactions (core stats, time buckets,
// device tables); every statement is an idempotent upsert, so a crash between
// sub-transactions loses only the remaining sub-transactions' data, it never
// corrupts what was committed.
type RowStore struct {
	db *sql.DB
}

// NewRowStore opens (creating if needed) the SQLite database at path and
// ensures the schema exists.
func NewRowStore(path string) (*RowStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &RowStore{db: db}, nil
}

// DB exposes the underlying handle for the read-path querier.
func (s *RowStore) DB() *sql.DB {
	return s.db
}

// Write applies one flushed batch. The detail path covers the dimensional
// rollups (core stats plus device tables); the aggregate path covers the time
// buckets. The two paths are reported independently so the realtime overlay
// can clear exactly the slices that became durable.
func (s *RowStore) Write(ctx context.Context, batch *model.Batch) (model.FlushResult, error) {
	if batch.Empty() {
		return model.FlushResult{DetailOK: true, AggOK: true}, nil
	}

	var res model.FlushResult

	coreErr := s.inTx(ctx, func(tx *sql.Tx) error { return s.writeCore(ctx, tx, batch) })
	if coreErr != nil {
		log.Printf("[%s] row store core write failed: %v", batch.BackendID, coreErr)
	}

	bucketErr := s.inTx(ctx, func(tx *sql.Tx) error { return s.writeBuckets(ctx, tx, batch) })
	if bucketErr != nil {
		log.Printf("[%s] row store time-bucket write failed: %v", batch.BackendID, bucketErr)
	}
	res.AggOK = bucketErr == nil

	deviceErr := s.inTx(ctx, func(tx *sql.Tx) error { return s.writeDevices(ctx, tx, batch) })
	if deviceErr != nil {
		log.Printf("[%s] row store device write failed: %v", batch.BackendID, deviceErr)
	}
	res.DetailOK = coreErr == nil && deviceErr == nil

	if coreErr != nil && bucketErr != nil && deviceErr != nil {
		return res, fmt.Errorf("row store write failed entirely: %w", coreErr)
	}
	return res, nil
}

func (s *RowStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *RowStore) writeCore(ctx context.Context, tx *sql.Tx, batch *model.Batch) error {
	for _, d := range batch.Domains {
		ips, err := widenInTx(ctx, tx,
			`SELECT ips FROM stats_domain WHERE backend_id = ? AND domain = ?`,
			d.IPs, batch.BackendID, d.Domain)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stats_domain (backend_id, domain, upload, download, conn_count, ips)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(backend_id, domain) DO UPDATE SET
				upload = upload + excluded.upload,
				download = download + excluded.download,
				conn_count = conn_count + excluded.conn_count,
				ips = excluded.ips`,
			batch.BackendID, d.Domain, d.Upload, d.Download, d.Count, ips)
		if err != nil {
			return fmt.Errorf("upsert stats_domain: %w", err)
		}
	}

	for _, e := range batch.IPs {
		domains, err := widenInTx(ctx, tx,
			`SELECT domains FROM stats_ip WHERE backend_id = ? AND ip = ?`,
			e.Domains, batch.BackendID, e.IP)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stats_ip (backend_id, ip, upload, download, conn_count, domains)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(backend_id, ip) DO UPDATE SET
				upload = upload + excluded.upload,
				download = download + excluded.download,
				conn_count = conn_count + excluded.conn_count,
				domains = excluded.domains`,
			batch.BackendID, e.IP, e.Upload, e.Download, e.Count, domains)
		if err != nil {
			return fmt.Errorf("upsert stats_ip: %w", err)
		}
	}

	for _, p := range batch.Proxies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stats_proxy (backend_id, proxy, upload, download, conn_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(backend_id, proxy) DO UPDATE SET
				upload = upload + excluded.upload,
				download = download + excluded.download,
				conn_count = conn_count + excluded.conn_count`,
			batch.BackendID, p.Proxy, p.Upload, p.Download, p.Count)
		if err != nil {
			return fmt.Errorf("upsert stats_proxy: %w", err)
		}
	}

	for _, r := range batch.Rules {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stats_rule (backend_id, rule, payload, upload, download, conn_count)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(backend_id, rule, payload) DO UPDATE SET
				upload = upload + excluded.upload,
				download = download + excluded.download,
				conn_count = conn_count + excluded.conn_count`,
			batch.BackendID, r.Rule, r.Payload, r.Upload, r.Download, r.Count)
		if err != nil {
			return fmt.Errorf("upsert stats_rule: %w", err)
		}
	}

	for _, c := range batch.Chains {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stats_chain (backend_id, rule, chain, upload, download, conn_count)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(backend_id, rule, chain) DO UPDATE SET
				upload = upload + excluded.upload,
				download = download + excluded.download,
				conn_count = conn_count + excluded.conn_count`,
			batch.BackendID, c.Rule, c.Chain, c.Upload, c.Download, c.Count)
		if err != nil {
			return fmt.Errorf("upsert stats_chain: %w", err)
		}
	}

	for _, d := range batch.Details {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stats_detail (backend_id, bucket_start, domain, ip, source_ip, chain, rule, upload, download, conn_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(backend_id, bucket_start, domain, ip, source_ip, chain, rule) DO UPDATE SET
				upload = upload + excluded.upload,
				download = download + excluded.download,
				conn_count = conn_count + excluded.conn_count`,
			batch.BackendID, d.Minute.Unix(), d.Domain, d.IP, d.SourceIP, d.Chain, d.Rule,
			d.Upload, d.Download, d.Count)
		if err != nil {
			return fmt.Errorf("upsert stats_detail: %w", err)
		}
	}
	return nil
}

func (s *RowStore) writeBuckets(ctx context.Context, tx *sql.Tx, batch *model.Batch) error {
	for table, buckets := range map[string]map[int64]*model.BucketStat{
		"stats_minute": batch.Minutes,
		"stats_hour":   batch.Hours,
	} {
		for _, b := range buckets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO `+table+` (backend_id, bucket_start, upload, download, conn_count)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(backend_id, bucket_start) DO UPDATE SET
					upload = upload + excluded.upload,
					download = download + excluded.download,
					conn_count = conn_count + excluded.conn_count`,
				batch.BackendID, b.Start.Unix(), b.Upload, b.Download, b.Count)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", table, err)
			}
		}
	}
	return nil
}

func (s *RowStore) writeDevices(ctx context.Context, tx *sql.Tx, batch *model.Batch) error {
	for _, dev := range batch.Devices {
		domains, err := widenInTx(ctx, tx,
			`SELECT domains FROM stats_device WHERE backend_id = ? AND source_ip = ?`,
			dev.Domains, batch.BackendID, dev.SourceIP)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stats_device (backend_id, source_ip, upload, download, conn_count, domains)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(backend_id, source_ip) DO UPDATE SET
				upload = upload + excluded.upload,
				download = download + excluded.download,
				conn_count = conn_count + excluded.conn_count,
				domains = excluded.domains`,
			batch.BackendID, dev.SourceIP, dev.Upload, dev.Download, dev.Count, domains)
		if err != nil {
			return fmt.Errorf("upsert stats_device: %w", err)
		}
	}
	return nil
}

// widenInTx reads the current set-valued column with query, widens it with the
// new members and returns the capped result.
func widenInTx(ctx context.Context, tx *sql.Tx, query string, add map[string]struct{}, args ...interface{}) (string, error) {
	var existing string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read set column: %w", err)
	}
	return widenSet(existing, add, setColumnCap), nil
}

// widenSet merges new members into a comma-joined set column, stopping once
// the column would exceed max characters. Past the cap the value stays as-is.
func widenSet(existing string, add map[string]struct{}, max int) string {
	if len(existing) >= max {
		return existing
	}

	seen := make(map[string]struct{})
	if existing != "" {
		for _, v := range strings.Split(existing, ",") {
			seen[v] = struct{}{}
		}
	}

	missing := make([]string, 0, len(add))
	for v := range add {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; !ok {
			missing = append(missing, v)
		}
	}
	sort.Strings(missing)

	result := existing
	for _, v := range missing {
		candidate := v
		if result != "" {
			candidate = result + "," + v
		}
		if len(candidate) > max {
			break
		}
		result = candidate
	}
	return result
}

// Cleanup deletes aged rows per the retention configuration: detail rows older
// than detailDays, time-bucket rows older than rollupDays.
func (s *RowStore) Cleanup(ctx context.Context, detailDays, rollupDays int) error {
	now := time.Now()
	if detailDays > 0 {
		cutoff := now.AddDate(0, 0, -detailDays).Unix()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM stats_detail WHERE bucket_start < ?`, cutoff); err != nil {
			return fmt.Errorf("cleanup stats_detail: %w", err)
		}
	}
	if rollupDays > 0 {
		cutoff := now.AddDate(0, 0, -rollupDays).Unix()
		for _, table := range []string{"stats_minute", "stats_hour"} {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE bucket_start < ?`, cutoff); err != nil {
				return fmt.Errorf("cleanup %s: %w", table, err)
			}
		}
	}
	return nil
}

// GetGeoIP returns the cached geolocation record for an IP, or nil when the
// IP has never been resolved.
func (s *RowStore) GetGeoIP(ctx context.Context, ip string) (*model.GeoIPRecord, error) {
	var rec model.GeoIPRecord
	var queriedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT ip, country, country_name, city, asn, as_name, as_domain, continent, continent_name, queried_at
		FROM geoip_cache WHERE ip = ?`, ip).Scan(
		&rec.IP, &rec.Country, &rec.CountryName, &rec.City, &rec.ASN,
		&rec.ASName, &rec.ASDomain, &rec.Continent, &rec.ContinentName, &queriedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read geoip cache: %w", err)
	}
	rec.QueriedAt = time.Unix(queriedAt, 0)
	return &rec, nil
}

// PutGeoIP stores or replaces the record for an IP. Replacement is whole-row;
// a record is never partially updated.
func (s *RowStore) PutGeoIP(ctx context.Context, rec *model.GeoIPRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geoip_cache (ip, country, country_name, city, asn, as_name, as_domain, continent, continent_name, queried_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			country = excluded.country,
			country_name = excluded.country_name,
			city = excluded.city,
			asn = excluded.asn,
			as_name = excluded.as_name,
			as_domain = excluded.as_domain,
			continent = excluded.continent,
			continent_name = excluded.continent_name,
			queried_at = excluded.queried_at`,
		rec.IP, rec.Country, rec.CountryName, rec.City, rec.ASN,
		rec.ASName, rec.ASDomain, rec.Continent, rec.ContinentName, rec.QueriedAt.Unix())
	if err != nil {
		return fmt.Errorf("write geoip cache: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *RowStore) Close() error {
	return s.db.Close()
}
