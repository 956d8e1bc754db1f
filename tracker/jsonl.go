// ABOUTME: Append-only JSONL writer for durable event storage.
// ABOUTME: One JSON-serialized event per line, fsynced on append; replay reads them back in order.
package tracker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389-research/massgen/coord"
)

// jsonlWriter is an append-only JSONL event log backed by a file.
type jsonlWriter struct {
	path string
	file *os.File
}

// openJsonl opens (or creates) a JSONL log file at the given path, creating
// parent directories as needed. The file is opened in append mode.
func openJsonl(path string) (*jsonlWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl file: %w", err)
	}
	return &jsonlWriter{path: path, file: file}, nil
}

// Append serializes one event as a JSON line and fsyncs it to disk.
func (w *jsonlWriter) Append(event coord.Event) error {
	if w.file == nil {
		return fmt.Errorf("jsonl writer not open")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event line: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *jsonlWriter) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// ReplayEvents reads all events from a JSONL file in order. Empty lines are
// skipped; a malformed line is an error carrying its line number.
func ReplayEvents(path string) ([]coord.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl for replay: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []coord.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event coord.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return events, nil
}
