package persistence

import (
	"context"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConcurrency is the default number of in-flight writes
	DefaultConcurrency = 16
)

// ItemFailure is one item whose write was abandoned.
type ItemFailure struct {
	ID  string
	Err error
}

// BatchResult holds the outcome of a batch write
type BatchResult struct {
	Succeeded []string
	Failures  []ItemFailure
	Throttled int
	Retried   int
}

// Failed returns the number of abandoned items.
func (r *BatchResult) Failed() int { return len(r.Failures) }

// FailedIDs returns the set of ids whose write was abandoned.
func (r *BatchResult) FailedIDs() map[string]bool {
	out := make(map[string]bool, len(r.Failures))
	for _, f := range r.Failures {
		out[f.ID] = true
	}
	return out
}

func (r *BatchResult) add(id string, report retry.Report, err error) {
	r.Throttled += report.Throttles
	r.Retried += report.Retries
	if err != nil {
		r.Failures = append(r.Failures, ItemFailure{ID: id, Err: err})
		return
	}
	r.Succeeded = append(r.Succeeded, id)
}

// WriteFunc performs one idempotent upsert.
type WriteFunc[T any] func(ctx context.Context, item T) error

// BatchWriteFunc upserts many items in one call. It either writes all of them or fails.
type BatchWriteFunc[T any] func(ctx context.Context, items []T) error

// Writer upserts items of one target through a retry policy.
type Writer[T any] struct {
	target string
	write  WriteFunc[T]
	batch  BatchWriteFunc[T]
	id     func(T) string
	policy *retry.Policy
	logger ectologger.Logger
}

// NewWriter creates a writer. target names the destination in logs and metrics.
func NewWriter[T any](target string, write WriteFunc[T], id func(T) string, policy *retry.Policy, logger ectologger.Logger) *Writer[T] {
	return &Writer[T]{
		target: target,
		write:  write,
		id:     id,
		policy: policy,
		logger: logger,
	}
}

// WithBatch enables WriteChunkedBatch.
func (w *Writer[T]) WithBatch(batch BatchWriteFunc[T]) *Writer[T] {
	w.batch = batch
	return w
}

// WriteOne upserts a single item with retry.
func (w *Writer[T]) WriteOne(ctx context.Context, item T) (retry.Report, error) {
	report, err := w.policy.Do(ctx, func(ctx context.Context) error {
		return w.write(ctx, item)
	})
	if err != nil {
		metrics.RecordWrite(w.target, "failed")
		w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"target":   w.target,
			"id":       w.id(item),
			"attempts": report.Attempts,
		}).Warn("write abandoned")
		return report, err
	}
	metrics.RecordWrite(w.target, "succeeded")
	return report, nil
}

// WriteBatch upserts items one after another. A failed item does not stop the batch.
func (w *Writer[T]) WriteBatch(ctx context.Context, items []T) *BatchResult {
	ctx, span := tracing.StartSpan(ctx, "persistence.Writer.WriteBatch")
	defer span.End()

	result := &BatchResult{}
	for _, item := range items {
		if ctx.Err() != nil {
			result.add(w.id(item), retry.Report{}, ctx.Err())
			continue
		}
		report, err := w.WriteOne(ctx, item)
		result.add(w.id(item), report, err)
	}
	return result
}

// WriteParallelBatch upserts items with at most concurrency writes in flight.
// Each item retries independently; a failed item never cancels its siblings.
func (w *Writer[T]) WriteParallelBatch(ctx context.Context, items []T, concurrency int) *BatchResult {
	ctx, span := tracing.StartSpan(ctx, "persistence.Writer.WriteParallelBatch")
	defer span.End()

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	result := &BatchResult{}
	if len(items) == 0 {
		return result
	}

	w.logger.WithContext(ctx).Debugf("writing %d items to %s with concurrency %d", len(items), w.target, concurrency)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, item := range items {
		g.Go(func() error {
			report, err := w.WriteOne(ctx, item)
			mu.Lock()
			result.add(w.id(item), report, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// WriteChunkedBatch upserts items in chunks of chunkSize, with at most concurrency chunks
// in flight. A chunk that fails after retries is written again item by item, so only the
// items that fail on their own are reported. Without a batch func, or with chunkSize
// below 2, it behaves like WriteParallelBatch.
func (w *Writer[T]) WriteChunkedBatch(ctx context.Context, items []T, chunkSize, concurrency int) *BatchResult {
	if w.batch == nil || chunkSize < 2 {
		return w.WriteParallelBatch(ctx, items, concurrency)
	}

	ctx, span := tracing.StartSpan(ctx, "persistence.Writer.WriteChunkedBatch")
	defer span.End()

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	result := &BatchResult{}
	if len(items) == 0 {
		return result
	}

	w.logger.WithContext(ctx).Debugf("writing %d items to %s in chunks of %d", len(items), w.target, chunkSize)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrency)
	for start := 0; start < len(items); start += chunkSize {
		chunk := items[start:min(start+chunkSize, len(items))]
		g.Go(func() error {
			chunkResult := w.writeChunk(ctx, chunk)
			mu.Lock()
			result.merge(chunkResult)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (w *Writer[T]) writeChunk(ctx context.Context, chunk []T) *BatchResult {
	report, err := w.policy.Do(ctx, func(ctx context.Context) error {
		return w.batch(ctx, chunk)
	})

	result := &BatchResult{Throttled: report.Throttles, Retried: report.Retries}
	if err == nil {
		for _, item := range chunk {
			metrics.RecordWrite(w.target, "succeeded")
			result.Succeeded = append(result.Succeeded, w.id(item))
		}
		return result
	}

	w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"target":   w.target,
		"count":    len(chunk),
		"attempts": report.Attempts,
	}).Warn("batch write failed, writing items individually")

	for _, item := range chunk {
		if ctx.Err() != nil {
			result.add(w.id(item), retry.Report{}, ctx.Err())
			continue
		}
		itemReport, itemErr := w.WriteOne(ctx, item)
		result.add(w.id(item), itemReport, itemErr)
	}
	return result
}

func (r *BatchResult) merge(o *BatchResult) {
	r.Succeeded = append(r.Succeeded, o.Succeeded...)
	r.Failures = append(r.Failures, o.Failures...)
	r.Throttled += o.Throttled
	r.Retried += o.Retried
}
