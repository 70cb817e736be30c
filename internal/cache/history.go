package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// HistoryWriter appends CallRecords to an append-only JSON-lines file
// (tool-calls.jsonl). Truncate trims it to the newest maxRecords entries;
// the writer runs no timer of its own, so the file keeps growing until
// Truncate is called. A malformed line on read is skipped rather than
// failing the whole read, since the file is diagnostic, not
// authoritative state.
type HistoryWriter struct {
	path       string
	maxRecords int

	mu sync.Mutex
	f  *os.File
}

// OpenHistoryWriter opens (creating if necessary) path for appending.
func OpenHistoryWriter(path string, maxRecords int) (*HistoryWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &HistoryWriter{path: path, maxRecords: maxRecords, f: f}, nil
}

// Append writes one record as a JSON line.
func (h *HistoryWriter) Append(rec gwtypes.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal record: %w", err)
	}
	data = append(data, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.f.Write(data); err != nil {
		return fmt.Errorf("history: write record: %w", err)
	}
	return nil
}

// ReadAll returns every well-formed record currently in the file, in
// file order. Lines that fail to parse are skipped.
func (h *HistoryWriter) ReadAll() ([]gwtypes.CallRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", h.path, err)
	}
	defer f.Close()

	var records []gwtypes.CallRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec gwtypes.CallRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Truncate rewrites the file atomically (temp file + rename) keeping
// only the newest maxRecords entries, dropping the rest.
func (h *HistoryWriter) Truncate() error {
	records, err := h.ReadAll()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(records) > h.maxRecords {
		records = records[len(records)-h.maxRecords:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(h.path), "tool-calls-*.tmp")
	if err != nil {
		return fmt.Errorf("history: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("history: marshal record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("history: write record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("history: flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("history: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history: close temp file: %w", err)
	}

	if err := h.f.Close(); err != nil {
		return fmt.Errorf("history: close current file handle: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		return fmt.Errorf("history: rename into place: %w", err)
	}
	cleanup = false

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history: reopen %q: %w", h.path, err)
	}
	h.f = f
	return nil
}

// Close closes the underlying file handle.
func (h *HistoryWriter) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Close()
}
