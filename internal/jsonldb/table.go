// Package jsonldb provides a generic, concurrency-safe, JSONL-backed table.
//
// A table file holds a schema header on its first line followed by one JSON
// row per line. All rows are cached in memory; writes rewrite or append to the
// file while holding the write lock.
package jsonldb

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrNotFound is returned when no row has the requested identifier.
	ErrNotFound = errors.New("row not found")
	// ErrDuplicateID is returned when appending a row whose identifier exists.
	ErrDuplicateID = errors.New("duplicate row id")
)

// Row is implemented by types stored in a [Table].
type Row[T any] interface {
	Clone() T
	GetID() string
	Validate() error
}

// Table handles storage and in-memory caching for a single JSONL file.
type Table[T Row[T]] struct {
	path   string
	header *schemaHeader
	mu     sync.RWMutex
	rows   []T
}

// NewTable opens the table at path, loading existing rows.
func NewTable[T Row[T]](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: data directories are shared with the user
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	header, err := schemaFromType[T]()
	if err != nil {
		return nil, err
	}
	t := &Table[T]{path: path, header: header}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table[T]) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.rows = []T{}
			return nil
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var rows []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var h schemaHeader
			if err := json.Unmarshal(line, &h); err != nil {
				return fmt.Errorf("failed to read schema header in %s: %w", t.path, err)
			}
			if err := h.validate(); err != nil {
				return fmt.Errorf("invalid schema header in %s: %w", t.path, err)
			}
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("failed to unmarshal row in %s: %w", t.path, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	t.rows = rows
	return nil
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// All returns an iterator over clones of all rows in file order.
func (t *Table[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, row := range t.rows {
			if !yield(row.Clone()) {
				return
			}
		}
	}
}

// Get returns a clone of the row with the given identifier.
func (t *Table[T]) Get(id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, row := range t.rows {
		if row.GetID() == id {
			return row.Clone(), nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Append validates row, adds it to the table and persists it.
func (t *Table[T]) Append(row T) error {
	if err := row.Validate(); err != nil {
		return fmt.Errorf("invalid row: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.rows {
		if r.GetID() == row.GetID() {
			return fmt.Errorf("%w: %s", ErrDuplicateID, row.GetID())
		}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	if len(t.rows) == 0 {
		// Rewrite so the file starts with the header.
		if err := t.writeLocked([]T{row}); err != nil {
			return err
		}
		t.rows = []T{row.Clone()}
		return nil
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G302: table files are not secret
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	t.rows = append(t.rows, row.Clone())
	return nil
}

// Modify applies fn to a clone of the row with the given identifier and
// persists the result. The write lock is held for the whole operation.
func (t *Table[T]) Modify(id string, fn func(T) error) (T, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := -1
	for i, r := range t.rows {
		if r.GetID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	row := t.rows[idx].Clone()
	if err := fn(row); err != nil {
		return zero, err
	}
	if row.GetID() != id {
		return zero, fmt.Errorf("row id changed from %s to %s", id, row.GetID())
	}
	if err := row.Validate(); err != nil {
		return zero, fmt.Errorf("invalid row: %w", err)
	}
	next := make([]T, len(t.rows))
	copy(next, t.rows)
	next[idx] = row
	if err := t.writeLocked(next); err != nil {
		return zero, err
	}
	t.rows = next
	return row.Clone(), nil
}

// Delete removes the rows for which match returns true and persists the
// table. It returns the number of rows removed.
func (t *Table[T]) Delete(match func(T) bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make([]T, 0, len(t.rows))
	for _, r := range t.rows {
		if !match(r) {
			next = append(next, r)
		}
	}
	n := len(t.rows) - len(next)
	if n == 0 {
		return 0, nil
	}
	if err := t.writeLocked(next); err != nil {
		return 0, err
	}
	t.rows = next
	return n, nil
}

// Replace replaces all rows and persists them.
func (t *Table[T]) Replace(rows []T) error {
	for _, r := range rows {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid row %s: %w", r.GetID(), err)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLocked(rows); err != nil {
		return err
	}
	t.rows = make([]T, len(rows))
	for i, r := range rows {
		t.rows[i] = r.Clone()
	}
	return nil
}

// writeLocked rewrites the whole file through a temporary file and rename.
func (t *Table[T]) writeLocked(rows []T) error {
	tmp := t.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create table file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(t.header); err != nil {
		return fmt.Errorf("failed to write schema header: %w", err)
	}
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace table file: %w", err)
	}
	return nil
}
