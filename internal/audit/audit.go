// Package audit keeps the append-only record of every skill lifecycle
// decision. Entries go to plugins/audit.log as newline-delimited JSON and are
// forwarded upstream in the background, best effort.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names every auditable lifecycle decision. Nothing else is written.
type Action string

const (
	ActionDeploy    Action = "deploy"
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionUpdate    Action = "update"
	ActionRollback  Action = "rollback"
	ActionUninstall Action = "uninstall"
	ActionError     Action = "error"
)

// Entry is one audit record. Entries are never mutated or deleted.
type Entry struct {
	ID          string    `json:"id"`
	Action      Action    `json:"action"`
	ToolID      string    `json:"toolId"`
	Version     string    `json:"version,omitempty"`
	InitiatedBy string    `json:"initiatedBy,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Uploader forwards a batch of entries upstream. Failures are retried on the
// next sync tick with the same batch; they never reach the caller of Append.
type Uploader func(ctx context.Context, entries []Entry) error

// Logger appends audit entries to a JSONL file.
type Logger struct {
	path   string
	logger *slog.Logger

	uploader     Uploader
	syncInterval time.Duration

	mu       sync.Mutex
	unsynced []Entry

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithUploader enables background forwarding of entries upstream.
func WithUploader(u Uploader) Option {
	return func(l *Logger) { l.uploader = u }
}

// WithSyncInterval sets how often unsynced entries are forwarded.
func WithSyncInterval(d time.Duration) Option {
	return func(l *Logger) { l.syncInterval = d }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Logger) { l.logger = lg }
}

// NewLogger creates an audit logger writing to path.
func NewLogger(path string, opts ...Option) *Logger {
	l := &Logger{
		path:         path,
		logger:       slog.Default(),
		syncInterval: time.Minute,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit")
	return l
}

// Append writes one entry. ID and timestamp are filled in when empty.
func (l *Logger) Append(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if l.uploader != nil {
		l.unsynced = append(l.unsynced, e)
	}
	return nil
}

// Recent returns up to limit entries, newest first. limit <= 0 or > 500 is
// normalized to 100.
func (l *Logger) Recent(limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.logger.Warn("skipping corrupt audit line", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// StartSync launches the background upload loop. No-op without an uploader.
func (l *Logger) StartSync(ctx context.Context) {
	if l.uploader == nil {
		return
	}
	l.started = true
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.flush(ctx)
			}
		}
	}()
}

// Close stops the background upload loop.
func (l *Logger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.started {
		<-l.done
	}
}

func (l *Logger) flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.unsynced
	l.unsynced = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := l.uploader(ctx, batch); err != nil {
		l.logger.Debug("audit upload failed; will retry", "entries", len(batch), "error", err)
		l.mu.Lock()
		l.unsynced = append(batch, l.unsynced...)
		l.mu.Unlock()
	}
}
