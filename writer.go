package loader

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"
)

// BatchWriter persists chunks of records through unordered bulk inserts and
// falls back to one insert per record when a bulk is rejected. Records whose
// single insert also fails are recorded as skipped and their source file is
// quarantined.
type BatchWriter struct {
	store      Store
	batchSize  int
	metrics    MetricsSink
	errs       ErrorSink
	quarantine *Quarantine
}

func NewBatchWriter(
	store Store,
	batchSize int,
	metrics MetricsSink,
	errs ErrorSink,
	quarantine *Quarantine,
) *BatchWriter {
	return &BatchWriter{
		store:      store,
		batchSize:  max(batchSize, 1),
		metrics:    metrics,
		errs:       errs,
		quarantine: quarantine,
	}
}

// Write sends the chunk in bulks of at most batchSize documents and returns
// one outcome per record, in chunk order. The buffer is flushed at the end of
// the chunk, so a bulk never spans two chunks.
func (w *BatchWriter) Write(ctx context.Context, chunk []TransformedRecord) []WriteOutcome {
	outcomes := make([]WriteOutcome, 0, len(chunk))
	pending := make([]TransformedRecord, 0, min(len(chunk), w.batchSize))

	for _, rec := range chunk {
		pending = append(pending, rec)
		if len(pending) == w.batchSize {
			outcomes = append(outcomes, w.flush(ctx, pending)...)
			pending = pending[:0]
		}
	}
	if len(pending) > 0 {
		outcomes = append(outcomes, w.flush(ctx, pending)...)
	}
	return outcomes
}

func (w *BatchWriter) flush(ctx context.Context, batch []TransformedRecord) []WriteOutcome {
	docs := make([]Document, len(batch))
	for i, rec := range batch {
		docs[i] = toDocument(rec)
	}

	start := time.Now()
	err := w.store.InsertMany(ctx, docs)
	elapsed := time.Since(start).Milliseconds()

	outcomes := make([]WriteOutcome, len(batch))
	if err == nil {
		for i, rec := range batch {
			outcomes[i] = WriteOutcome{Kind: OutcomeSuccess, Filename: rec.Filename}
		}
		w.metrics.RecordWrite(elapsed)
		w.metrics.RecordWritten(len(batch))
		return outcomes
	}

	zap.S().Warnw(
		"bulk insert failed, falling back to single inserts",
		"size", len(batch),
		"error", err,
	)

	// Without per-document detail every document goes through the
	// fallback; duplicates of already applied ones are recognised there.
	retry := make([]int, 0, len(batch))
	var bulkErr *BulkWriteError
	if errors.As(err, &bulkErr) && bulkErr.Partial() {
		applied := 0
		for i, rec := range batch {
			if _, failed := bulkErr.Failed[i]; failed {
				retry = append(retry, i)
				continue
			}
			outcomes[i] = WriteOutcome{Kind: OutcomeSuccess, Filename: rec.Filename}
			applied++
		}
		if applied > 0 {
			w.metrics.RecordWrite(elapsed)
			w.metrics.RecordWritten(applied)
		}
	} else {
		for i := range batch {
			retry = append(retry, i)
		}
	}

	for _, i := range retry {
		outcomes[i] = w.insertOne(ctx, batch[i].Filename, docs[i])
	}
	return outcomes
}

func (w *BatchWriter) insertOne(ctx context.Context, filename string, doc Document) WriteOutcome {
	start := time.Now()
	err := w.store.InsertOne(ctx, doc)
	elapsed := time.Since(start).Milliseconds()

	if err == nil || errors.Is(err, ErrAlreadyApplied) {
		w.metrics.RecordWrite(elapsed)
		w.metrics.RecordWritten(1)
		return WriteOutcome{Kind: OutcomeSuccess, Filename: filename}
	}

	zap.S().Errorw("failed to insert document", "file", filename, "error", err)
	w.metrics.RecordFailed(StageWrite, 1)
	w.errs.RecordSkip(filename, StageWrite, err.Error())
	// a refused write says nothing about the file, it stays for the next run
	if w.quarantine != nil && !errors.Is(err, ErrStoreUnavailable) {
		if err := w.quarantine.Move(filename); err != nil {
			zap.S().Errorw("failed to quarantine file", "file", filename, "error", err)
		}
	}
	return WriteOutcome{
		Kind:     OutcomeItemFailed,
		Filename: filename,
		Reason:   fmt.Errorf("%w: %s: %w", ErrItemWrite, filename, err),
	}
}

// toDocument copies the record fields so a store setting "_id" never touches
// the record itself.
func toDocument(rec TransformedRecord) Document {
	doc := make(Document, len(rec.Fields)+1)
	maps.Copy(doc, rec.Fields)
	doc[SourceFileField] = rec.Filename
	return doc
}
