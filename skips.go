package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Commas separate the columns and every record must stay on one line.
var skipFieldReplacer = strings.NewReplacer(",", ";", "\r\n", " ", "\n", " ", "\r", " ")

// SkipLog appends one `filename,stage,message` line per skipped item.
type SkipLog struct {
	path string
	mu   sync.Mutex
}

// OpenSkipLog prepares the directory of the skip log. The file itself is
// created on the first skip.
func OpenSkipLog(path string) (*SkipLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating skip log dir: %w", err)
	}
	return &SkipLog{path: path}, nil
}

func (l *SkipLog) Path() string { return l.path }

// RecordSkip never fails: write errors go to the operational log only.
func (l *SkipLog) RecordSkip(filename string, stage Stage, reason string) {
	line := FormatSkipLine(SkipRecord{Filename: filename, Stage: stage, Reason: reason})

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		zap.S().Errorw("failed to open error log", "path", l.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		zap.S().Errorw("failed to write error log", "path", l.path, "error", err)
	}
}

// FormatSkipLine renders a skip record as a single newline-terminated line.
func FormatSkipLine(rec SkipRecord) string {
	return skipFieldReplacer.Replace(rec.Filename) + "," +
		string(rec.Stage) + "," +
		skipFieldReplacer.Replace(rec.Reason) + "\n"
}

// ParseSkipLine is the inverse of [FormatSkipLine].
func ParseSkipLine(line string) (SkipRecord, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), ",", 3)
	if len(parts) != 3 {
		return SkipRecord{}, fmt.Errorf("malformed skip line %q", line)
	}
	return SkipRecord{Filename: parts[0], Stage: Stage(parts[1]), Reason: parts[2]}, nil
}

var _ ErrorSink = (*SkipLog)(nil)
