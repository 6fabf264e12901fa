package writer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"GateLens/internal/model"
)

// fakeSink records writes and returns a canned result.
type fakeSink struct {
	writes int32
	res    model.FlushResult
	err    error
	delay  time.Duration
}

func (f *fakeSink) Write(ctx context.Context, batch *model.Batch) (model.FlushResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	atomic.AddInt32(&f.writes, 1)
	return f.res, f.err
}

func (f *fakeSink) Close() error { return nil }

func smallBatch() *model.Batch {
	b := testBatch("b1")
	return b
}

func TestDualSink_ResultComesFromRowStore(t *testing.T) {
	row := &fakeSink{res: model.FlushResult{DetailOK: true, AggOK: false}}
	col := &fakeSink{res: model.FlushResult{DetailOK: true, AggOK: true}}
	d := NewDualSink(row, col)

	res, err := d.Write(context.Background(), smallBatch())
	if err != nil {
		t.Fatal(err)
	}
	if !res.DetailOK || res.AggOK {
		t.Errorf("result must mirror the row store outcome, got %+v", res)
	}
	d.Close()
}

func TestDualSink_MirrorDoesNotBlockRowCommit(t *testing.T) {
	row := &fakeSink{res: model.FlushResult{DetailOK: true, AggOK: true}}
	col := &fakeSink{res: model.FlushResult{DetailOK: true, AggOK: true}, delay: 300 * time.Millisecond}
	d := NewDualSink(row, col)

	start := time.Now()
	if _, err := d.Write(context.Background(), smallBatch()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("row commit waited on the mirror: %s", elapsed)
	}

	// Close waits for the in-flight mirror.
	d.Close()
	if n := atomic.LoadInt32(&col.writes); n != 1 {
		t.Errorf("expected exactly one mirror write after Close, got %d", n)
	}
}

func TestDualSink_MirrorFailureDoesNotAffectResult(t *testing.T) {
	row := &fakeSink{res: model.FlushResult{DetailOK: true, AggOK: true}}
	col := &fakeSink{err: errors.New("clickhouse down")}
	d := NewDualSink(row, col)

	res, err := d.Write(context.Background(), smallBatch())
	if err != nil {
		t.Fatalf("mirror failure must not surface as a write error: %v", err)
	}
	if !res.OK() {
		t.Errorf("mirror failure must not degrade the row result, got %+v", res)
	}
	d.Close()
}

func TestDualSink_NoColumnarConfigured(t *testing.T) {
	row := &fakeSink{res: model.FlushResult{DetailOK: true, AggOK: true}}
	d := NewDualSink(row, nil)

	if _, err := d.Write(context.Background(), smallBatch()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&row.writes) != 1 {
		t.Error("row store must still be written without a columnar sink")
	}
	d.Close()
}
