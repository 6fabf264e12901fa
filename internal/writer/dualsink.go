package writer

import (
	"context"
	"log"
	"sync"
	"time"

	"GateLens/internal/model"
)

const mirrorTimeout = 30 * time.Second

// DualSink commits each flushed batch to the durable row store and, when a
// columnar sink is configured, mirrors it there asynchronously. The returned
// FlushResult is the row store's: it is what decides which realtime overlay
// slices may be cleared. The mirror is best-effort; its outcome is logged but
// never blocks or rolls back the row-store commit.
type DualSink struct {
	row      model.Sink
	columnar model.Sink // nil when no analytical store is configured

	wg sync.WaitGroup
}

// NewDualSink wraps a row store and an optional columnar mirror.
func NewDualSink(row, columnar model.Sink) *DualSink {
	return &DualSink{row: row, columnar: columnar}
}

// Write commits the batch to the row store and kicks off the async mirror.
func (d *DualSink) Write(ctx context.Context, batch *model.Batch) (model.FlushResult, error) {
	res, err := d.row.Write(ctx, batch)

	if d.columnar != nil && !batch.Empty() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			mctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()
			mres, merr := d.columnar.Write(mctx, batch)
			if merr != nil {
				log.Printf("[%s] columnar mirror failed: %v", batch.BackendID, merr)
				return
			}
			if !mres.OK() {
				log.Printf("[%s] columnar mirror partial: detailOk=%v aggOk=%v",
					batch.BackendID, mres.DetailOK, mres.AggOK)
			}
		}()
	}

	return res, err
}

// Close waits for in-flight mirrors and closes both sinks.
func (d *DualSink) Close() error {
	d.wg.Wait()
	var err error
	if d.columnar != nil {
		if cerr := d.columnar.Close(); cerr != nil {
			err = cerr
		}
	}
	if rerr := d.row.Close(); rerr != nil {
		err = rerr
	}
	return err
}
