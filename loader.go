// Package loader moves a directory of XML documents into a document store.
//
// A [Pipeline] lists the input files, parses them on a worker pool, hands the
// parsed records to a [BatchWriter] in chunks, and keeps a durable trail of
// every skipped file and of every run.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiltia/invoiceloader/config"
	"go.uber.org/zap"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

type Pipeline struct {
	cfg         *config.Config
	source      *FileSource
	transformer Transformer
	writer      *BatchWriter
	metrics     *Metrics
	skips       ErrorSink
	summaries   []SummarySink
	chunks      chunkBuffer

	runID     string
	state     atomic.Int32
	total     atomic.Int64
	skipCount atomic.Int64
	aborted   atomic.Bool

	// Workers record outcomes under a read lock. Once sealed, a late worker
	// leaves its file untouched and unaccounted.
	sealMu sync.RWMutex
	sealed bool
}

// Option customises a [Pipeline] built by [New].
type Option func(*Pipeline)

// WithTransformer replaces the XML transformer.
func WithTransformer(t Transformer) Option {
	return func(p *Pipeline) { p.transformer = t }
}

// WithErrorSink replaces the CSV skip log.
func WithErrorSink(s ErrorSink) Option {
	return func(p *Pipeline) { p.skips = s }
}

// WithSummarySinks adds sinks that receive the run summary after the CSV
// summary log.
func WithSummarySinks(sinks ...SummarySink) Option {
	return func(p *Pipeline) { p.summaries = append(p.summaries, sinks...) }
}

func New(cfg *config.Config, store Store, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	skips, err := OpenSkipLog(cfg.ErrorLog)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:         cfg,
		source:      NewFileSource(cfg.InputDir, cfg.Extension),
		transformer: XMLTransformer{},
		metrics:     NewMetrics(),
		skips:       skips,
		summaries:   []SummarySink{NewSummaryLog(cfg.SummaryLog, cfg.SummaryTail)},
		chunks:      chunkBuffer{size: cfg.ChunkSize},
		runID:       uuid.NewString(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.writer = NewBatchWriter(
		store,
		cfg.WriterBatchSize,
		p.metrics,
		p.skips,
		NewQuarantine(cfg.InputDir, cfg.FailedDir),
	)
	return p, nil
}

func (p *Pipeline) RunID() string { return p.runID }

func (p *Pipeline) State() State { return State(p.state.Load()) }

// Total is the number of files found at run start.
func (p *Pipeline) Total() int { return int(p.total.Load()) }

func (p *Pipeline) Metrics() MetricsSnapshot { return p.metrics.Snapshot() }

// Skipped is the number of files that did not end up in the store.
func (p *Pipeline) Skipped() int64 { return p.skipCount.Load() }

// Run processes the input directory once. The summary is returned, and
// appended to every summary sink, for any run that got past the directory
// check. A run that aborts returns [ErrSkipLimitExceeded] or
// [ErrRunCancelled] along with its summary.
func (p *Pipeline) Run(ctx context.Context) (RunSummary, error) {
	logger := zap.S().With("run_id", p.runID)

	refs, err := p.source.List()
	if err != nil {
		return RunSummary{}, err
	}
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return RunSummary{}, ErrAlreadyStarted
	}
	p.total.Store(int64(len(refs)))
	logger.Infow(
		"starting import",
		"input_dir", p.cfg.InputDir,
		"files", len(refs),
		"threads", p.cfg.Threads,
		"chunk_size", p.cfg.ChunkSize,
		"writer_batch_size", p.cfg.WriterBatchSize,
		"unacknowledged_writes", p.cfg.UnacknowledgedWrites,
	)

	progressCtx, stopProgress := context.WithCancel(ctx)
	var progressWg sync.WaitGroup
	if !p.cfg.TUI && p.cfg.ProgressInterval > 0 {
		progressWg.Go(func() { p.reportProgress(progressCtx, p.cfg.ProgressInterval) })
	}

	pool := NewPool(p.cfg.Threads, p.cfg.QueueSize)
	p.dispatch(ctx, pool, refs)

	var runErr error
	if err := pool.Shutdown(p.cfg.Shutdown.GracePeriod); err != nil {
		logger.Errorw("workers did not finish within the grace period", "error", err)
		runErr = err
		p.aborted.Store(true)
	}
	// waits for chunk writes still in flight
	p.seal()
	stopProgress()
	progressWg.Wait()

	// the last partial chunk is written even for an aborted run
	if rest := p.chunks.drain(); len(rest) > 0 {
		p.writeChunk(ctx, rest)
	}

	status := StatusCompleted
	switch {
	case p.skipCount.Load() > int64(p.cfg.SkipLimit):
		status = StatusAborted
		runErr = errors.Join(ErrSkipLimitExceeded, runErr)
	case ctx.Err() != nil:
		status = StatusAborted
		runErr = errors.Join(ErrRunCancelled, runErr)
	case runErr != nil:
		status = StatusAborted
	}
	if status == StatusAborted {
		p.state.Store(int32(StateAborted))
	} else {
		p.state.Store(int32(StateCompleted))
	}

	summary := p.finalize(ctx, status)
	logger.Infow(
		"import finished",
		"status", summary.Status,
		"read", summary.Read,
		"written", summary.Written,
		"skipped", summary.Skipped,
	)
	return summary, runErr
}

func (p *Pipeline) dispatch(ctx context.Context, pool *Pool, refs []FileRef) {
	for _, ref := range refs {
		if p.aborted.Load() || ctx.Err() != nil {
			return
		}
		if err := pool.Submit(ctx, func() { p.process(ctx, ref) }); err != nil {
			zap.S().Debugw("stopped dispatching files", "error", err)
			return
		}
	}
}

// process runs on a pool worker. Files picked up after an abort are left
// untouched for the next run.
func (p *Pipeline) process(ctx context.Context, ref FileRef) {
	if p.aborted.Load() || ctx.Err() != nil {
		return
	}

	record, err := p.parse(ref)

	p.sealMu.RLock()
	defer p.sealMu.RUnlock()
	if p.sealed {
		zap.S().Warnw("run already finished, leaving file for the next run", "file", ref.Filename)
		return
	}

	if err != nil {
		zap.S().Errorw("failed to parse file", "file", ref.Filename, "error", err)
		p.metrics.RecordFailed(StageParse, 1)
		p.skips.RecordSkip(ref.Filename, StageParse, err.Error())
		p.countSkips(1)
		return
	}
	p.metrics.RecordParse(record.ParseMs)
	p.metrics.RecordProcessed()

	if chunk := p.chunks.add(record); chunk != nil {
		p.writeChunk(ctx, chunk)
	}
}

func (p *Pipeline) seal() {
	p.sealMu.Lock()
	defer p.sealMu.Unlock()
	p.sealed = true
}

func (p *Pipeline) parse(ref FileRef) (TransformedRecord, error) {
	payload, err := ref.Load()
	if err != nil {
		return TransformedRecord{}, &ParseError{Filename: ref.Filename, Cause: err}
	}
	return p.transformer.Transform(payload)
}

// writeChunk is not cut short by cancellation: records already parsed must
// reach a terminal outcome.
func (p *Pipeline) writeChunk(ctx context.Context, chunk []TransformedRecord) {
	outcomes := p.writer.Write(context.WithoutCancel(ctx), chunk)
	failed := 0
	for _, o := range outcomes {
		if o.Kind == OutcomeItemFailed {
			failed++
		}
	}
	if failed > 0 {
		p.countSkips(failed)
	}
}

func (p *Pipeline) countSkips(n int) {
	total := p.skipCount.Add(int64(n))
	if total > int64(p.cfg.SkipLimit) && p.aborted.CompareAndSwap(false, true) {
		zap.S().Errorw(
			"skip limit exceeded, stopping the run",
			"run_id", p.runID,
			"skipped", total,
			"skip_limit", p.cfg.SkipLimit,
		)
	}
}

func (p *Pipeline) reportProgress(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.metrics.Snapshot()
			zap.S().Infow(
				"import progress",
				"run_id", p.runID,
				"read", snap.Read(),
				"total", p.Total(),
				"written", snap.Written,
				"skipped", p.skipCount.Load(),
			)
		}
	}
}

func (p *Pipeline) finalize(ctx context.Context, status RunStatus) RunSummary {
	p.metrics.LogReport()

	snap := p.metrics.Snapshot()
	summary := RunSummary{
		RunID:     p.runID,
		Timestamp: time.Now().UTC(),
		Read:      snap.Read(),
		Written:   snap.Written,
		Skipped:   p.skipCount.Load(),
		Status:    status,
	}

	sinkCtx := context.WithoutCancel(ctx)
	for _, sink := range p.summaries {
		if err := sink.AppendSummary(sinkCtx, summary); err != nil {
			zap.S().Errorw("failed to store run summary", "run_id", p.runID, "error", err)
		}
	}
	return summary
}

// chunkBuffer groups parsed records into chunks of a fixed size. The worker
// whose record completes a chunk takes it out and writes it.
type chunkBuffer struct {
	size int

	mu      sync.Mutex
	records []TransformedRecord
}

func (b *chunkBuffer) add(rec TransformedRecord) []TransformedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	if len(b.records) < max(b.size, 1) {
		return nil
	}
	chunk := b.records
	b.records = nil
	return chunk
}

func (b *chunkBuffer) drain() []TransformedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	chunk := b.records
	b.records = nil
	return chunk
}
