package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jszwec/csvutil"
	"go.uber.org/zap"
)

const SummaryHeader = "timestamp,read,write,skip,status"

// summaryRow is the CSV shape of a [RunSummary]. The run id is not part of
// the file.
type summaryRow struct {
	Timestamp time.Time `csv:"timestamp"`
	Read      int64     `csv:"read"`
	Write     int64     `csv:"write"`
	Skip      int64     `csv:"skip"`
	Status    RunStatus `csv:"status"`
}

func newSummaryRow(s RunSummary) summaryRow {
	return summaryRow{
		Timestamp: s.Timestamp.UTC(),
		Read:      s.Read,
		Write:     s.Written,
		Skip:      s.Skipped,
		Status:    s.Status,
	}
}

func (r summaryRow) summary() RunSummary {
	return RunSummary{
		Timestamp: r.Timestamp,
		Read:      r.Read,
		Written:   r.Write,
		Skipped:   r.Skip,
		Status:    r.Status,
	}
}

// SummaryLog is the append-only CSV audit trail of runs. The header is
// written once, when the file is created or found empty.
type SummaryLog struct {
	path string
	tail int
	mu   sync.Mutex
}

// NewSummaryLog returns a log that, after every append, prints the last tail
// rows to the operational log. A tail of zero disables the printout.
func NewSummaryLog(path string, tail int) *SummaryLog {
	return &SummaryLog{path: path, tail: tail}
}

func (l *SummaryLog) Path() string { return l.path }

func (l *SummaryLog) AppendSummary(_ context.Context, s RunSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(s); err != nil {
		return err
	}
	if l.tail > 0 {
		l.logTail()
	}
	return nil
}

func (l *SummaryLog) append(s RunSummary) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating summary log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening summary log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("inspecting summary log: %w", err)
	}

	data, err := encodeSummaryRows([]summaryRow{newSummaryRow(s)}, info.Size() == 0)
	if err != nil {
		return fmt.Errorf("encoding summary row: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing summary log: %w", err)
	}
	return nil
}

// encodeSummaryRows renders rows into one buffer so each append is a single
// write.
func encodeSummaryRows(rows []summaryRow, header bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	enc := csvutil.NewEncoder(w)
	enc.AutoHeader = header
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (l *SummaryLog) logTail() {
	summaries, err := l.Tail(l.tail)
	if err != nil {
		zap.S().Errorw("failed to read summary log for metrics display", "path", l.path, "error", err)
		return
	}
	rows := make([]summaryRow, len(summaries))
	for i, s := range summaries {
		rows[i] = newSummaryRow(s)
	}
	data, err := encodeSummaryRows(rows, true)
	if err != nil {
		zap.S().Errorw("failed to render summary rows", "error", err)
		return
	}

	zap.S().Infow("last execution metrics", "count", len(rows), "path", l.path)
	if len(rows) == 0 {
		return
	}
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		zap.S().Info(line)
	}
}

// Tail returns up to n of the most recent runs, oldest first.
func (l *SummaryLog) Tail(n int) ([]RunSummary, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var rows []summaryRow
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding summary log: %w", err)
	}
	rows = rows[max(0, len(rows)-n):]

	summaries := make([]RunSummary, len(rows))
	for i, row := range rows {
		summaries[i] = row.summary()
	}
	return summaries, nil
}

var _ SummarySink = (*SummaryLog)(nil)
