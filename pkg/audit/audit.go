// Package audit records data-processing actions as JSON lines and keeps
// a bounded in-memory window for queries. The file is the durable trail;
// the ring exists so recent activity can be inspected without re-reading
// the log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goflare.io/aegis/pkg/driver"
)

// DefaultRingSize bounds the queryable window.
const DefaultRingSize = 10000

// Logger is a driver.AuditLogger writing JSON lines to a sink.
type Logger struct {
	logger *zap.Logger

	mu      sync.Mutex
	file    *os.File // non-nil when the logger owns the sink
	enc     *json.Encoder
	ring    []driver.AuditEntry
	ringCap int
	closed  bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithRingSize overrides the queryable window size.
func WithRingSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.ringCap = n
		}
	}
}

// NewLogger writes entries to w. The caller keeps ownership of w.
func NewLogger(w io.Writer, logger *zap.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Logger{
		logger:  logger,
		enc:     json.NewEncoder(w),
		ringCap: DefaultRingSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewFileLogger appends entries to the file at path, creating it when
// missing. Close releases the file.
func NewFileLogger(path string, logger *zap.Logger, opts ...Option) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l := NewLogger(f, logger, opts...)
	l.file = f
	return l, nil
}

// LogOperation appends one entry. Missing ids and timestamps are filled
// in so callers can log partial entries.
func (l *Logger) LogOperation(ctx context.Context, entry driver.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("audit logger closed")
	}
	if err := l.enc.Encode(entry); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.remember(entry)
	return nil
}

// LogConsentChange records a consent grant or withdrawal.
func (l *Logger) LogConsentChange(ctx context.Context, userID, purposeID, change string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["purpose"] = purposeID
	return l.LogOperation(ctx, driver.AuditEntry{
		UserID:   userID,
		Action:   "consent_" + change,
		Resource: "consent",
		Success:  true,
		Details:  details,
	})
}

// remember appends to the ring, dropping the oldest half when full so
// appends stay amortized O(1).
func (l *Logger) remember(entry driver.AuditEntry) {
	if len(l.ring) >= l.ringCap {
		keep := l.ringCap / 2
		l.ring = append(l.ring[:0], l.ring[len(l.ring)-keep:]...)
		l.logger.Debug("Audit query window trimmed", zap.Int("kept", keep))
	}
	l.ring = append(l.ring, entry)
}

// Query filters the in-memory window, newest first.
func (l *Logger) Query(ctx context.Context, q driver.AuditQuery) ([]driver.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]driver.AuditEntry, 0)
	for i := len(l.ring) - 1; i >= 0; i-- {
		entry := l.ring[i]
		if q.UserID != "" && entry.UserID != q.UserID {
			continue
		}
		if q.Action != "" && entry.Action != q.Action {
			continue
		}
		if q.Resource != "" && entry.Resource != q.Resource {
			continue
		}
		if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && entry.Timestamp.After(q.Until) {
			continue
		}
		if q.Success != nil && entry.Success != *q.Success {
			continue
		}
		out = append(out, entry)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Ready reports whether the logger accepts entries.
func (l *Logger) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close stops accepting entries and releases an owned file sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
