// Package eventlog implements the per-agent, crash-safe append-only event
// log that is substrat's source of truth for recovery. Every entry is
// written through a pending-file write-ahead-log so that a crash at any
// point leaves events.jsonl as a valid prefix of everything ever
// acknowledged to a caller.
package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	eventsFile  = "events.jsonl"
	pendingFile = "events.pending"
)

// Entry is one decoded line from events.jsonl.
type Entry struct {
	Context map[string]any `json:"-"`
	Ts      time.Time      `json:"ts"`
	Event   string         `json:"event"`
	Data    map[string]any `json:"data"`
}

// EventLog is a single agent's append-only JSONL history plus the WAL
// scratch file used to make each append crash-safe.
type EventLog struct {
	mu      sync.Mutex
	dir     string
	context map[string]any
}

// Open returns an EventLog rooted at dir, creating dir if needed. context
// fields (at minimum session_id) are merged into every emitted entry.
func Open(dir string, context map[string]any) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir %s: %w", dir, err)
	}
	ctxCopy := make(map[string]any, len(context))
	for k, v := range context {
		ctxCopy[k] = v
	}
	return &EventLog{dir: dir, context: ctxCopy}, nil
}

func (l *EventLog) eventsPath() string  { return filepath.Join(l.dir, eventsFile) }
func (l *EventLog) pendingPath() string { return filepath.Join(l.dir, pendingFile) }

// Log serializes {context..., ts, event, data} as one JSON line and appends
// it durably: (1) truncate+write+fsync events.pending, (2) append+fsync
// events.jsonl, (3) unlink events.pending. A crash at any point of this
// sequence leaves events.jsonl a valid prefix; RecoverPending finishes an
// interrupted append on the next startup.
func (l *EventLog) Log(event string, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := l.encode(event, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("eventlog: encode: %w", err)
	}

	if err := writeFileFsync(l.pendingPath(), line); err != nil {
		return fmt.Errorf("eventlog: write pending: %w", err)
	}
	if err := appendFsync(l.eventsPath(), line); err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	if err := os.Remove(l.pendingPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("eventlog: unlink pending: %w", err)
	}
	return nil
}

func (l *EventLog) encode(event string, data map[string]any, ts time.Time) ([]byte, error) {
	obj := make(map[string]any, len(l.context)+3)
	for k, v := range l.context {
		obj[k] = v
	}
	obj["ts"] = ts.Format("2006-01-02T15:04:05.000Z")
	obj["event"] = event
	if data == nil {
		data = map[string]any{}
	}
	obj["data"] = data

	buf, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}

// ReadAll parses events.jsonl, truncating any partial trailing line left by
// a crash mid-append before returning.
func (l *EventLog) ReadAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := truncatePartialTrailingLine(l.eventsPath()); err != nil {
		return nil, fmt.Errorf("eventlog: truncate partial line: %w", err)
	}
	return readAllLocked(l.eventsPath())
}

func readAllLocked(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: read %s: %w", path, err)
	}

	lines := splitCompleteLines(data)
	entries := make([]Entry, 0, len(lines))
	for _, raw := range lines {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("eventlog: corrupt-log parsing %s: %w", path, err)
		}
		var full map[string]any
		if err := json.Unmarshal(raw, &full); err == nil {
			delete(full, "ts")
			delete(full, "event")
			delete(full, "data")
			e.Context = full
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// splitCompleteLines splits data on '\n' and drops any final fragment that
// isn't newline-terminated (a partial write from a crash mid-append).
func splitCompleteLines(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if data[len(data)-1] != '\n' {
		if idx := bytes.LastIndexByte(data, '\n'); idx >= 0 {
			data = data[:idx+1]
		} else {
			return nil
		}
	}
	trimmed := bytes.TrimSuffix(data, []byte("\n"))
	if len(trimmed) == 0 {
		return nil
	}
	return bytes.Split(trimmed, []byte("\n"))
}

// RecoverPending finishes an interrupted append: if events.pending exists,
// ensure its content is the last line of events.jsonl (appending it if
// necessary), fsync, then unlink the pending file. Also truncates any
// partial trailing line already present in events.jsonl.
func (l *EventLog) RecoverPending() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return recoverPendingLocked(l.dir)
}

func recoverPendingLocked(dir string) error {
	eventsPath := filepath.Join(dir, eventsFile)
	pendingPath := filepath.Join(dir, pendingFile)

	if err := truncatePartialTrailingLine(eventsPath); err != nil {
		return fmt.Errorf("eventlog: truncate partial line: %w", err)
	}

	pending, err := os.ReadFile(pendingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("eventlog: read pending: %w", err)
	}
	if len(bytes.TrimSpace(pending)) == 0 {
		return os.Remove(pendingPath)
	}

	alreadyLast, err := isLastLine(eventsPath, pending)
	if err != nil {
		return err
	}
	if !alreadyLast {
		if err := appendFsync(eventsPath, pending); err != nil {
			return fmt.Errorf("eventlog: recover append: %w", err)
		}
	}
	if err := os.Remove(pendingPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("eventlog: unlink pending: %w", err)
	}
	return nil
}

func isLastLine(path string, candidate []byte) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	want := bytes.TrimRight(candidate, "\n")
	lines := splitCompleteLines(data)
	if len(lines) == 0 {
		return false, nil
	}
	return bytes.Equal(bytes.TrimRight(lines[len(lines)-1], "\n"), want), nil
}

func truncatePartialTrailingLine(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	idx := bytes.LastIndexByte(data, '\n')
	trimmed := data[:idx+1] // idx == -1 => empty slice, correct
	return writeFileFsync(path, trimmed)
}

func writeFileFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func appendFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
