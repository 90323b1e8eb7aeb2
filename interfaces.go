package loader

import (
	"context"
	"time"
)

type Stage string

const (
	StageParse Stage = "PARSE"
	StageWrite Stage = "WRITE"
)

// FilePayload is the raw content of one input file.
type FilePayload struct {
	Filename string
	Content  []byte
}

// TransformedRecord is a parsed input file ready to be written.
type TransformedRecord struct {
	Filename string
	Fields   map[string]any
	ParseMs  int64
}

// Document is the shape handed to a [Store]: the parsed fields plus the
// source_file attribute.
type Document map[string]any

const SourceFileField = "source_file"

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeBulkFailed
	OutcomeItemFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeBulkFailed:
		return "bulk_failed"
	case OutcomeItemFailed:
		return "item_failed"
	}
	return "unknown"
}

// WriteOutcome is the fate of a single record in the write phase.
// Reason is set only for OutcomeItemFailed.
type WriteOutcome struct {
	Kind     OutcomeKind
	Filename string
	Reason   error
}

// SkipRecord is one line of the skip log.
type SkipRecord struct {
	Filename string
	Stage    Stage
	Reason   string
}

type RunStatus string

const (
	StatusCompleted RunStatus = "COMPLETED"
	StatusAborted   RunStatus = "ABORTED"
)

// RunSummary is the one-line audit record of a pipeline run.
type RunSummary struct {
	RunID     string
	Timestamp time.Time
	Read      int64
	Written   int64
	Skipped   int64
	Status    RunStatus
}

// MetricsSink receives counters and timing samples from the parse and write
// stages. Implementations must be safe for concurrent use.
type MetricsSink interface {
	RecordParse(ms int64)
	RecordWrite(ms int64)
	RecordProcessed()
	RecordWritten(n int)
	RecordFailed(stage Stage, n int)
}

// ErrorSink durably records why an item was skipped. It never fails the
// caller.
type ErrorSink interface {
	RecordSkip(filename string, stage Stage, reason string)
}

// Store is the document store the batch writer persists into.
//
// InsertMany is an unordered bulk insert: the store may apply the documents in
// any order and keeps going past individual failures. It may set "_id" on
// the given documents. When it can tell which documents failed, it returns a
// [*BulkWriteError] carrying their positions.
type Store interface {
	InsertMany(ctx context.Context, docs []Document) error
	InsertOne(ctx context.Context, doc Document) error
}

// SummarySink stores run summaries.
type SummarySink interface {
	AppendSummary(ctx context.Context, summary RunSummary) error
}
