package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Quarantine relocates input files whose write permanently failed, so the
// next run does not pick them up again.
type Quarantine struct {
	inputDir  string
	failedDir string
}

func NewQuarantine(inputDir, failedDir string) *Quarantine {
	return &Quarantine{inputDir: inputDir, failedDir: failedDir}
}

func (q *Quarantine) Dir() string { return q.failedDir }

// Move moves the file out of the input dir, replacing a same-named entry
// already in quarantine. A source that no longer exists is not an error.
func (q *Quarantine) Move(filename string) error {
	name := filepath.Base(filename)
	src := filepath.Join(q.inputDir, name)
	dst := filepath.Join(q.failedDir, name)

	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		zap.S().Warnw("failed file is gone from the input dir, nothing to move", "file", name)
		return nil
	}
	if err := os.MkdirAll(q.failedDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrQuarantineMove, q.failedDir, err)
	}
	if err := os.Rename(src, dst); err != nil {
		// rename does not work across filesystems
		if err := copyAndRemove(src, dst); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrQuarantineMove, name, err)
		}
	}
	zap.S().Warnw("moved failed file", "file", name, "failed_dir", q.failedDir)
	return nil
}

func copyAndRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
