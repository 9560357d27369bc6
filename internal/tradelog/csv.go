package tradelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Log is the append-only audit sink the coordinator writes to.
type Log interface {
	Append(entry Entry) error
	Close() error
}

// CSVLog writes comma-delimited audit records with quote escaping, one
// file per calendar day, header row written once per file.
type CSVLog struct {
	dir string
	log *zap.Logger
	now func() time.Time

	mu     sync.Mutex
	day    string
	file   *os.File
	writer *csv.Writer
}

func NewCSVLog(dir string, log *zap.Logger) (*CSVLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &CSVLog{dir: dir, log: log, now: time.Now}, nil
}

// WithClock swaps the time source. Test hook.
func (l *CSVLog) WithClock(now func() time.Time) *CSVLog {
	l.now = now
	return l
}

func (l *CSVLog) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(entry.Timestamp); err != nil {
		return err
	}
	if err := l.writer.Write(entry.row()); err != nil {
		return err
	}
	l.writer.Flush()
	return l.writer.Error()
}

func (l *CSVLog) rotateLocked(at time.Time) error {
	day := at.UTC().Format("2006-01-02")
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		l.writer.Flush()
		if err := l.file.Close(); err != nil && l.log != nil {
			l.log.Warn("trade log close failed", zap.Error(err))
		}
		l.file = nil
		l.writer = nil
	}
	path := filepath.Join(l.dir, fmt.Sprintf("trades-%s.csv", day))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			_ = file.Close()
			return err
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			_ = file.Close()
			return err
		}
	}
	l.day = day
	l.file = file
	l.writer = writer
	return nil
}

func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.writer.Flush()
	err := l.file.Close()
	l.file = nil
	l.writer = nil
	return err
}
