package writer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"GateLens/internal/config"
	"GateLens/internal/model"
)

const createDetailTable = `
CREATE TABLE IF NOT EXISTS traffic_detail (
    Timestamp   DateTime,
    BackendID   String,
    Bucket      DateTime,
    Domain      String,
    IP          String,
    SourceIP    String,
    Chain       String,
    Rule        String,
    Upload      UInt64,
    Download    UInt64,
    ConnCount   UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Bucket)
ORDER BY (BackendID, Bucket, Domain);
`

const createSummaryTable = `
CREATE TABLE IF NOT EXISTS traffic_summary (
    Timestamp   DateTime,
    BackendID   String,
    Bucket      DateTime,
    Upload      UInt64,
    Download    UInt64,
    ConnCount   UInt64
) ENGINE = SummingMergeTree()
PARTITION BY toYYYYMM(Bucket)
ORDER BY (BackendID, Bucket);
`

// ClickHouseSink mirrors flushed batches into the columnar analytical store.
// The detail and summary insert paths are separate statements and succeed or
// fail independently; a failed mirror is logged and dropped, never retried
// within the same flush.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to ClickHouse and ensures both tables exist.
func NewClickHouseSink(cfg config.ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	for _, stmt := range []string{createDetailTable, createSummaryTable} {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	log.Println("Successfully connected to ClickHouse and ensured tables exist.")

	return &ClickHouseSink{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: false,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})

	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return conn, nil
}

// Write inserts the batch on both paths and reports them independently.
func (s *ClickHouseSink) Write(ctx context.Context, batch *model.Batch) (model.FlushResult, error) {
	if batch.Empty() {
		return model.FlushResult{DetailOK: true, AggOK: true}, nil
	}
	now := time.Now()
	var res model.FlushResult

	if err := s.writeDetail(ctx, batch, now); err != nil {
		log.Printf("[%s] clickhouse detail insert failed: %v", batch.BackendID, err)
	} else {
		res.DetailOK = true
	}

	if err := s.writeSummary(ctx, batch, now); err != nil {
		log.Printf("[%s] clickhouse summary insert failed: %v", batch.BackendID, err)
	} else {
		res.AggOK = true
	}

	if !res.DetailOK && !res.AggOK {
		return res, fmt.Errorf("clickhouse write failed on both paths")
	}
	return res, nil
}

func (s *ClickHouseSink) writeDetail(ctx context.Context, batch *model.Batch, now time.Time) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO traffic_detail")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, d := range batch.Details {
		err = b.Append(now, batch.BackendID, d.Minute, d.Domain, d.IP, d.SourceIP,
			d.Chain, d.Rule, d.Upload, d.Download, d.Count)
		if err != nil {
			return fmt.Errorf("failed to append detail row: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) writeSummary(ctx context.Context, batch *model.Batch, now time.Time) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO traffic_summary")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, m := range batch.Minutes {
		err = b.Append(now, batch.BackendID, m.Start, m.Upload, m.Download, m.Count)
		if err != nil {
			return fmt.Errorf("failed to append summary row: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Close closes the ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
