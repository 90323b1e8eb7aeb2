package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiltia/invoiceloader/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const invoiceXML = `<invoice number="%d"><total>10.00</total></invoice>`

func testConfig(t *testing.T, input string) *config.Config {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))))
	cfg := config.Default()
	cfg.InputDir = input
	cfg.AppPath = t.TempDir()
	cfg.ProgressInterval = 0
	cfg.Resolve()
	return cfg
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

type recordingSummarySink struct {
	mu        sync.Mutex
	summaries []RunSummary
}

func (s *recordingSummarySink) AppendSummary(_ context.Context, summary RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

func TestPipelineEndToEnd(t *testing.T) {
	input := t.TempDir()
	writeFile(t, input, "inv-1.xml", fmt.Sprintf(invoiceXML, 1))
	writeFile(t, input, "inv-2.xml", fmt.Sprintf(invoiceXML, 2))
	writeFile(t, input, "inv-3.xml", "")
	writeFile(t, input, "readme.md", "ignored")

	cfg := testConfig(t, input)
	store := &memStore{}
	sink := &recordingSummarySink{}
	p, err := New(cfg, store, WithSummarySinks(sink))
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, p.State())
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, int64(3), summary.Read)
	assert.Equal(t, int64(2), summary.Written)
	assert.Equal(t, int64(1), summary.Skipped)
	assert.Equal(t, p.RunID(), summary.RunID)

	docs := store.written()
	require.Len(t, docs, 2)
	var sources []any
	for _, doc := range docs {
		sources = append(sources, doc[SourceFileField])
		assert.Equal(t, "10.00", doc["total"])
	}
	assert.ElementsMatch(t, []any{"inv-1.xml", "inv-2.xml"}, sources)

	skips := readLines(t, cfg.ErrorLog)
	require.Len(t, skips, 1)
	rec, err := ParseSkipLine(skips[0])
	require.NoError(t, err)
	assert.Equal(t, "inv-3.xml", rec.Filename)
	assert.Equal(t, StageParse, rec.Stage)

	rows := readLines(t, cfg.SummaryLog)
	require.Len(t, rows, 2)
	assert.Equal(t, SummaryHeader, rows[0])
	assert.True(t, strings.HasSuffix(rows[1], ",3,2,1,COMPLETED"), rows[1])

	require.Len(t, sink.summaries, 1)
	assert.Equal(t, summary, sink.summaries[0])
	// parse failures stay in place, only write failures are quarantined
	assert.FileExists(t, filepath.Join(input, "inv-3.xml"))
}

func TestPipelineAccounting(t *testing.T) {
	input := t.TempDir()
	for i := range 6 {
		writeFile(t, input, fmt.Sprintf("good-%d.xml", i), fmt.Sprintf(invoiceXML, i))
	}
	for i := range 2 {
		writeFile(t, input, fmt.Sprintf("reject-%d.xml", i), "<invoice><reject>yes</reject></invoice>")
		writeFile(t, input, fmt.Sprintf("broken-%d.xml", i), "<invoice>")
	}

	cfg := testConfig(t, input)
	cfg.Threads = 3
	cfg.ChunkSize = 3
	cfg.WriterBatchSize = 2
	store := &memStore{}
	p, err := New(cfg, store)
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	s := p.Metrics()
	assert.Equal(t, int64(p.Total()), s.Processed+s.ParseFailed)
	assert.Equal(t, s.Processed, s.Written+s.WriteFailed)
	assert.Equal(t, int64(6), s.Written)
	assert.Equal(t, int64(2), s.WriteFailed)
	assert.Equal(t, int64(2), s.ParseFailed)
	assert.Equal(t, int64(10), summary.Read)
	assert.Equal(t, int64(4), summary.Skipped)
	assert.Len(t, store.written(), 6)

	for i := range 2 {
		assert.FileExists(t, filepath.Join(cfg.FailedDir, fmt.Sprintf("reject-%d.xml", i)))
	}
	assert.Len(t, readLines(t, cfg.ErrorLog), 4)
}

func TestPipelineSkipLimitAborts(t *testing.T) {
	input := t.TempDir()
	for i := range 3 {
		writeFile(t, input, fmt.Sprintf("a-%d.xml", i), "")
	}
	for i := range 7 {
		writeFile(t, input, fmt.Sprintf("b-%d.xml", i), fmt.Sprintf(invoiceXML, i))
	}

	cfg := testConfig(t, input)
	cfg.Threads = 1
	cfg.SkipLimit = 2
	store := &memStore{}
	p, err := New(cfg, store)
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrSkipLimitExceeded)

	assert.Equal(t, StateAborted, p.State())
	assert.Equal(t, StatusAborted, summary.Status)
	assert.Equal(t, int64(3), summary.Read)
	assert.Equal(t, int64(3), summary.Skipped)
	assert.Zero(t, summary.Written)
	assert.Empty(t, store.written())

	rows := readLines(t, cfg.SummaryLog)
	require.Len(t, rows, 2)
	assert.True(t, strings.HasSuffix(rows[1], ",3,0,3,ABORTED"), rows[1])
}

func TestPipelineCancelledBeforeStart(t *testing.T) {
	input := t.TempDir()
	writeFile(t, input, "inv-1.xml", fmt.Sprintf(invoiceXML, 1))

	cfg := testConfig(t, input)
	p, err := New(cfg, &memStore{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := p.Run(ctx)
	assert.ErrorIs(t, err, ErrRunCancelled)
	assert.Equal(t, StatusAborted, summary.Status)
	assert.Zero(t, summary.Read)
	assert.FileExists(t, cfg.SummaryLog)
}

func TestPipelineMissingInputDir(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing"))
	p, err := New(cfg, &memStore{})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
	assert.Equal(t, StateIdle, p.State())
	assert.NoFileExists(t, cfg.SummaryLog)
}

func TestPipelineRunsOnce(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	p, err := New(cfg, &memStore{})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := New(cfg, &memStore{})
	assert.Error(t, err)
}

func TestChunkBuffer(t *testing.T) {
	b := chunkBuffer{size: 2}
	assert.Nil(t, b.add(TransformedRecord{Filename: "a"}))
	chunk := b.add(TransformedRecord{Filename: "b"})
	require.Len(t, chunk, 2)
	assert.Nil(t, b.add(TransformedRecord{Filename: "c"}))
	assert.Equal(t, []TransformedRecord{{Filename: "c"}}, b.drain())
	assert.Empty(t, b.drain())
}

type schemaTransformer struct{ XMLTransformer }

func (t schemaTransformer) Transform(payload FilePayload) (TransformedRecord, error) {
	if payload.Filename == "boom.xml" {
		return TransformedRecord{}, &ParseError{Filename: payload.Filename, Cause: fmt.Errorf("unsupported schema")}
	}
	return t.XMLTransformer.Transform(payload)
}

func TestPipelineCustomTransformerAndErrorSink(t *testing.T) {
	input := t.TempDir()
	writeFile(t, input, "boom.xml", fmt.Sprintf(invoiceXML, 1))
	writeFile(t, input, "fine.xml", fmt.Sprintf(invoiceXML, 2))

	errs := &recordingErrorSink{}
	cfg := testConfig(t, input)
	p, err := New(cfg, &memStore{}, WithTransformer(schemaTransformer{}), WithErrorSink(errs))
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Written)
	assert.Equal(t, []SkipRecord{{
		Filename: "boom.xml",
		Stage:    StageParse,
		Reason:   "parsing boom.xml: unsupported schema",
	}}, errs.records())
	assert.NoFileExists(t, cfg.ErrorLog)
}

// blockingTransformer holds every parse until release is closed.
type blockingTransformer struct {
	started chan struct{}
	release chan struct{}
}

func (t blockingTransformer) Transform(payload FilePayload) (TransformedRecord, error) {
	t.started <- struct{}{}
	<-t.release
	return XMLTransformer{}.Transform(payload)
}

func TestPipelineLateWorkerAfterGracePeriod(t *testing.T) {
	input := t.TempDir()
	writeFile(t, input, "slow.xml", fmt.Sprintf(invoiceXML, 1))

	cfg := testConfig(t, input)
	cfg.Threads = 1
	cfg.Shutdown.GracePeriod = 20 * time.Millisecond
	transformer := blockingTransformer{started: make(chan struct{}, 1), release: make(chan struct{})}
	errs := &recordingErrorSink{}
	store := &memStore{}
	p, err := New(cfg, store, WithTransformer(transformer), WithErrorSink(errs))
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrPoolShutdownTimeout)
	assert.Equal(t, StatusAborted, summary.Status)
	assert.Zero(t, summary.Read)

	<-transformer.started
	close(transformer.release)
	time.Sleep(100 * time.Millisecond)

	s := p.Metrics()
	assert.Zero(t, s.Processed)
	assert.Zero(t, s.Read())
	assert.Equal(t, s.Processed, s.Written+s.WriteFailed)
	assert.Empty(t, store.written())
	assert.Empty(t, errs.records())
	assert.Empty(t, p.chunks.drain())
	assert.FileExists(t, filepath.Join(input, "slow.xml"))
}
