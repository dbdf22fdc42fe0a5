package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

const (
	spoolFile = "usage.spool"
	dlqFile   = "usage.dlq"
)

var errSpoolDisabled = errors.New("usage spool is not configured")

// spoolEntry wraps a record with its delivery attempt count.
type spoolEntry struct {
	Attempts int                 `json:"attempts"`
	Record   *models.UsageRecord `json:"record"`
}

// Spool is a bounded JSONL overflow buffer for usage records. Appends happen
// on the request path and must be cheap; draining is the worker's job.
type Spool struct {
	dir        string
	maxBytes   int64
	maxRetries int
	logger     *zap.Logger

	mu sync.Mutex
}

func NewSpool(dir string, maxBytes int64, maxRetries int, logger *zap.Logger) (*Spool, error) {
	if dir == "" {
		return nil, errSpoolDisabled
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Spool{dir: dir, maxBytes: maxBytes, maxRetries: maxRetries, logger: logger}, nil
}

func (s *Spool) path() string    { return filepath.Join(s.dir, spoolFile) }
func (s *Spool) dlqPath() string { return filepath.Join(s.dir, dlqFile) }

// Append adds one record to the spool, refusing once the size bound is hit
// so a long outage cannot fill the disk.
func (s *Spool) Append(rec *models.UsageRecord) error {
	return s.appendEntry(&spoolEntry{Record: rec})
}

func (s *Spool) appendEntry(entry *spoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path()); err == nil && info.Size() >= s.maxBytes {
		return fmt.Errorf("usage spool is full (%d bytes)", info.Size())
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Len reports the number of spooled entries.
func (s *Spool) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countLines(s.path())
}

// DLQLen reports the number of dead-lettered entries.
func (s *Spool) DLQLen() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countLines(s.dlqPath())
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}

// Drain moves the spool aside and redelivers each entry. Entries that fail
// again go back to the spool with their attempt count bumped; entries out of
// attempts land in the DLQ file for manual handling. Returns the number
// delivered.
func (s *Spool) Drain(ctx context.Context, deliver func(context.Context, *models.UsageRecord) error) (int, error) {
	s.mu.Lock()
	working := filepath.Join(s.dir, fmt.Sprintf("draining-%d.spool", time.Now().UnixNano()))
	err := os.Rename(s.path(), working)
	s.mu.Unlock()
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer os.Remove(working)

	f, err := os.Open(working)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	delivered := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			// Push the rest back for the next cycle.
			var entry spoolEntry
			if json.Unmarshal(scanner.Bytes(), &entry) == nil {
				_ = s.appendEntry(&entry)
			}
			continue
		}

		var entry spoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			s.logger.Error("dropping unreadable spool line", zap.Error(err))
			continue
		}

		if err := deliver(ctx, entry.Record); err != nil {
			entry.Attempts++
			if entry.Attempts >= s.maxRetries {
				s.deadLetter(&entry)
			} else if appendErr := s.appendEntry(&entry); appendErr != nil {
				s.deadLetter(&entry)
			}
			continue
		}
		delivered++
	}
	return delivered, scanner.Err()
}

func (s *Spool) deadLetter(entry *spoolEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.dlqPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error("failed to open usage DLQ", zap.Error(err))
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
	s.logger.Error("usage record dead-lettered",
		zap.String("request_id", entry.Record.RequestID),
		zap.Int("attempts", entry.Attempts))
}
