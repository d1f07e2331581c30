// Package file implements eventlog.EventLog backed by an append-only JSONL
// file. One JSON object per line; cursors are byte offsets, so Poll after a
// cursor is a seek, not a scan. A read-only adapter for plain text files
// (used for systemd unit output) shares the same reading machinery.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/servvia/stackup/internal/eventlog"
)

// followInterval is how often Follow re-checks the file for new entries.
const followInterval = 100 * time.Millisecond

type entry struct {
	TS      time.Time         `json:"ts"`
	Message string            `json:"msg"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Log is a JSONL-backed event log.
type Log struct {
	path string

	mu sync.Mutex
	w  *os.File // nil when read-only
}

var _ eventlog.EventLog = (*Log)(nil)

// Create opens (creating if needed) a writable event log at path.
func Create(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating eventlog dir: %w", err)
	}
	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening eventlog: %w", err)
	}
	return &Log{path: path, w: w}, nil
}

// Open opens an existing event log read-only. Write returns an error.
func Open(path string) (*Log, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening eventlog: %w", err)
	}
	return &Log{path: path}, nil
}

// Close releases resources.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	err := l.w.Close()
	l.w = nil
	return err
}

// Write appends an entry.
func (l *Log) Write(message string, fields map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return fmt.Errorf("eventlog is read-only")
	}

	data, err := json.Marshal(entry{TS: time.Now().UTC(), Message: message, Fields: fields})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("appending eventlog entry: %w", err)
	}
	return nil
}

// Poll reads entries matching filters since cursor.
func (l *Log) Poll(ctx context.Context, filters []eventlog.Filter, cursor string) ([]eventlog.Record, string, error) {
	return pollLines(l.path, cursor, func(line []byte, cur string) (eventlog.Record, bool) {
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return eventlog.Record{}, false
		}
		rec := eventlog.Record{
			Cursor:    cur,
			Timestamp: e.TS,
			Message:   e.Message,
			Fields:    e.Fields,
		}
		if rec.Fields == nil {
			rec.Fields = map[string]string{}
		}
		return rec, eventlog.Matches(rec, filters)
	})
}

// Follow returns an iterator over entries matching filters.
func (l *Log) Follow(ctx context.Context, filters []eventlog.Filter) iter.Seq[eventlog.Record] {
	return followLines(ctx, func(cursor string) ([]eventlog.Record, string, error) {
		return l.Poll(ctx, filters, cursor)
	})
}

// PlainLog exposes a plain text file (one line per record) through the
// eventlog interface. All records carry the given service field and FD 1.
// It is read-only; systemd writes the file, we only tail it.
type PlainLog struct {
	path    string
	service string
}

var _ eventlog.EventLog = (*PlainLog)(nil)

// OpenPlain opens a plain text log for the named service.
func OpenPlain(path, service string) (*PlainLog, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening output file: %w", err)
	}
	return &PlainLog{path: path, service: service}, nil
}

func (l *PlainLog) Close() error { return nil }

func (l *PlainLog) Write(message string, fields map[string]string) error {
	return fmt.Errorf("output file is read-only")
}

func (l *PlainLog) Poll(ctx context.Context, filters []eventlog.Filter, cursor string) ([]eventlog.Record, string, error) {
	return pollLines(l.path, cursor, func(line []byte, cur string) (eventlog.Record, bool) {
		rec := eventlog.Record{
			Cursor:  cur,
			Message: string(line),
			Fields: map[string]string{
				eventlog.FieldEvent:   eventlog.EventOutput,
				eventlog.FieldService: l.service,
				eventlog.FieldFD:      "1",
			},
		}
		return rec, eventlog.Matches(rec, filters)
	})
}

func (l *PlainLog) Follow(ctx context.Context, filters []eventlog.Filter) iter.Seq[eventlog.Record] {
	return followLines(ctx, func(cursor string) ([]eventlog.Record, string, error) {
		return l.Poll(ctx, filters, cursor)
	})
}

// pollLines scans complete lines from the file starting at the cursor offset.
// decode turns one line into a record and says whether to keep it. A trailing
// partial line (no newline yet) is left for the next poll.
func pollLines(path, cursor string, decode func(line []byte, cur string) (eventlog.Record, bool)) ([]eventlog.Record, string, error) {
	offset := int64(0)
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor %q", cursor)
		}
		offset = n
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("opening eventlog: %w", err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, "", err
	}
	if offset > size {
		// File was truncated or rotated; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, "", err
	}

	data := make([]byte, size-offset)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, "", fmt.Errorf("reading eventlog: %w", err)
	}

	var records []eventlog.Record
	pos := 0
	for pos < len(data) {
		nl := -1
		for i := pos; i < len(data); i++ {
			if data[i] == '\n' {
				nl = i
				break
			}
		}
		if nl < 0 {
			break // partial line, re-read next time
		}
		line := data[pos:nl]
		offsetAfter := offset + int64(nl) + 1
		cur := strconv.FormatInt(offsetAfter, 10)
		if len(line) > 0 {
			if rec, keep := decode(line, cur); keep {
				records = append(records, rec)
			}
		}
		pos = nl + 1
	}

	return records, strconv.FormatInt(offset+int64(pos), 10), nil
}

// followLines repeatedly polls and yields new records until ctx is done.
func followLines(ctx context.Context, poll func(cursor string) ([]eventlog.Record, string, error)) iter.Seq[eventlog.Record] {
	return func(yield func(eventlog.Record) bool) {
		cursor := ""
		for {
			records, next, err := poll(cursor)
			if err == nil {
				cursor = next
				for _, rec := range records {
					if !yield(rec) {
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(followInterval):
			}
		}
	}
}
