package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// OldSuffix is appended to the rotated log generation.
const OldSuffix = ".old"

// Log is the durable append-only NDJSON event log. One line per event;
// when the file grows past maxBytes it is rotated to path.old (single
// generation); Prune drops entries older than maxAge.
type Log struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	maxAge   time.Duration
	f        *os.File
	size     int64
}

// OpenLog opens (or creates) the log at path.
func OpenLog(path string, maxBytes int64, maxAge time.Duration) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat event log: %w", err)
	}
	return &Log{path: path, maxBytes: maxBytes, maxAge: maxAge, f: f, size: info.Size()}, nil
}

// Append writes one event line, rotating first when the file is full.
func (l *Log) Append(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxBytes > 0 && l.size+int64(len(data)) > l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := l.f.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LogQuery filters Query results. Type accepts an exact type or "prefix*";
// zero Since means no time bound; Limit defaults to DefaultRecentLimit.
type LogQuery struct {
	Type  string
	Since time.Time
	Limit int
}

// Query reads the current generation, skipping malformed lines, and
// returns at most Limit most-recent matches in chronological order.
func (l *Log) Query(q LogQuery) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var matched []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if q.Type != "" && !MatchPattern(q.Type, e.Type) {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		matched = append(matched, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// Prune rewrites the current generation keeping only entries younger than
// maxAge. Returns the number of lines dropped.
func (l *Log) Prune() (int, error) {
	if l.maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-l.maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read event log: %w", err)
	}

	var keep []byte
	dropped := 0
	for line := range splitLines(data) {
		var e Event
		if err := json.Unmarshal(line, &e); err != nil || e.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		keep = append(keep, line...)
		keep = append(keep, '\n')
	}
	if dropped == 0 {
		return 0, nil
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, keep, 0o644); err != nil {
		return 0, fmt.Errorf("write pruned log: %w", err)
	}
	if err := l.reopenLocked(tmp); err != nil {
		return 0, err
	}
	slog.Info("Pruned event log", "dropped", dropped, "bytes", len(keep))
	return dropped, nil
}

// Attach registers the log as a wildcard bus handler; append failures are
// logged and never propagate. Returns the unsubscribe func.
func (l *Log) Attach(bus *Bus) func() {
	return bus.On(Wildcard, func(e Event) {
		if err := l.Append(e); err != nil {
			slog.Error("Event log append failed", "event_type", e.Type, "error", err)
		}
	})
}

// Size returns the current generation size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// rotateLocked moves the current generation to path.old and starts fresh.
func (l *Log) rotateLocked() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}
	if err := os.Rename(l.path, l.path+OldSuffix); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen event log: %w", err)
	}
	l.f = f
	l.size = 0
	slog.Info("Rotated event log", "path", l.path)
	return nil
}

// reopenLocked atomically replaces the log with tmp and reopens for append.
func (l *Log) reopenLocked(tmp string) error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close for rewrite: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace event log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen event log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("stat event log: %w", err)
	}
	l.f = f
	l.size = info.Size()
	return nil
}

// splitLines iterates non-empty newline-separated slices of data.
func splitLines(data []byte) func(yield func([]byte) bool) {
	return func(yield func([]byte) bool) {
		start := 0
		for i := 0; i <= len(data); i++ {
			if i == len(data) || data[i] == '\n' {
				if i > start {
					if !yield(data[start:i]) {
						return
					}
				}
				start = i + 1
			}
		}
	}
}
