package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hoistsec/hoist/types"
)

// Entry is a single WAL line: one audit event with its local sequence.
type Entry struct {
	Sequence int64            `json:"sequence"`
	Written  time.Time        `json:"written"`
	Event    types.AuditEvent `json:"event"`
}

// WAL is an append-only local log of audit events. It backs the durable
// WALSink and serves as the recorder's overflow spill when the remote
// sink is unreachable.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
}

// OpenWAL creates or opens a WAL in the specified directory.
func OpenWAL(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := fmt.Sprintf("hoist-%s.wal", time.Now().Format("20060102-150405"))
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 -- path built from operator-supplied dir
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		file:   file,
		writer: bufio.NewWriter(file),
		dir:    dir,
	}, nil
}

// Append writes one audit event and syncs it to disk.
func (w *WAL) Append(event types.AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	entry := Entry{
		Sequence: w.sequence,
		Written:  time.Now().UTC(),
		Event:    event,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if _, err := w.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately: audit records must survive a crash.
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// WALSink adapts a WAL to the Sink interface.
type WALSink struct {
	wal *WAL
}

// NewWALSink opens a WAL-backed sink in the given directory.
func NewWALSink(dir string) (*WALSink, error) {
	wal, err := OpenWAL(dir)
	if err != nil {
		return nil, err
	}
	return &WALSink{wal: wal}, nil
}

// Write implements Sink.
func (s *WALSink) Write(_ context.Context, event types.AuditEvent) error {
	return s.wal.Append(event)
}

// Close implements Sink.
func (s *WALSink) Close() error {
	return s.wal.Close()
}

// Reader replays WAL entries from one file.
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a WAL file for replay.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304 -- replay path comes from Replay's glob
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry, returning io.EOF at the end.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay invokes handler for every WAL event recorded after since.
// Used to re-deliver spilled events once the durable sink recovers.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	files, err := filepath.Glob(filepath.Join(dir, "hoist-*.wal"))
	if err != nil {
		return fmt.Errorf("failed to list WAL files: %w", err)
	}

	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Written.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
