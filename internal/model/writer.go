package model

import "context"

// FlushResult reports the per-path outcome of one durable flush. The detail
// path covers the dimensional rollups (domain, IP, proxy, rule, device,
// rule-chain, fine-grained detail); the aggregate path covers the coarse
// summary and time-bucket rollups. The two paths are separate write statements
// and may fail independently.
type FlushResult struct {
	DetailOK bool
	AggOK    bool
}

// OK reports whether both write paths succeeded.
func (r FlushResult) OK() bool {
	return r.DetailOK && r.AggOK
}

// Sink persists a flushed batch to a durable store.
type Sink interface {
	// Write persists the batch. The returned FlushResult records which of the
	// two write paths succeeded; err is non-nil only when nothing was written.
	Write(ctx context.Context, batch *Batch) (FlushResult, error)

	// Close releases the sink's resources.
	Close() error
}
