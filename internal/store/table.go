// Package store persists stage outputs as keyed CSV tables.
package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrBadRow is returned when a persisted row cannot be decoded
var ErrBadRow = errors.New("malformed row")

// Schema describes how records of type T map to CSV rows
type Schema[T any] struct {
	Header []string
	Encode func(T) []string
	Decode func([]string) (T, error)
	Key    func(T) string
	// Org returns the organization used by Load filtering; nil disables filtering
	Org func(T) string
}

// Policy decides what Append does with a key that is already stored
type Policy int

const (
	// SkipExisting keeps the stored row and drops the new one
	SkipExisting Policy = iota
	// ReplaceExisting overwrites the stored row in place
	ReplaceExisting
)

// AppendResult counts what an Append call did
type AppendResult struct {
	Added    int
	Replaced int
	Skipped  int
}

// Table is a CSV file indexed by record key
type Table[T any] struct {
	mu     sync.Mutex
	path   string
	schema Schema[T]
	policy Policy
	rows   []T
	index  map[string]int
	// rewrite is set when the loaded file held duplicates and must be compacted
	// before the next append
	rewrite bool
}

// Open loads the table at path, creating nothing until the first Append.
// Duplicate keys in an existing file collapse to the first position with the
// last value.
func Open[T any](path string, schema Schema[T], policy Policy) (*Table[T], error) {
	t := &Table[T]{
		path:   path,
		schema: schema,
		policy: policy,
		index:  make(map[string]int),
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	if len(header) < len(schema.Header) {
		return nil, fmt.Errorf("%w: %s header %v", ErrBadRow, path, header)
	}

	for line := 2; ; line++ {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		rec, err := schema.Decode(fields)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		key := schema.Key(rec)
		if i, ok := t.index[key]; ok {
			t.rows[i] = rec
			t.rewrite = true
			continue
		}
		t.index[key] = len(t.rows)
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

// Append adds records. New keys are appended to the file; existing keys are
// handled according to the table's policy. The table only changes once the
// file write succeeds; on error nothing is recorded.
func (t *Table[T]) Append(records ...T) (AppendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res AppendResult
	var added []T
	replaced := make(map[int]T)
	pending := make(map[string]int)
	for _, rec := range records {
		key := t.schema.Key(rec)
		i, stored := t.index[key]
		j, queued := pending[key]
		switch {
		case (stored || queued) && t.policy == SkipExisting:
			res.Skipped++
		case stored:
			replaced[i] = rec
			res.Replaced++
		case queued:
			added[j] = rec
			res.Replaced++
		default:
			pending[key] = len(added)
			added = append(added, rec)
			res.Added++
		}
	}

	base := len(t.rows)
	switch {
	case len(replaced) > 0 || t.rewrite:
		rows := make([]T, base, base+len(added))
		copy(rows, t.rows)
		for i, rec := range replaced {
			rows[i] = rec
		}
		rows = append(rows, added...)
		if err := writeFile(t.path, t.schema, rows); err != nil {
			return AppendResult{}, err
		}
		t.rows = rows
		t.rewrite = false
	case len(added) > 0:
		if err := t.appendRows(added); err != nil {
			return AppendResult{}, err
		}
		t.rows = append(t.rows, added...)
	}
	for j, rec := range added {
		t.index[t.schema.Key(rec)] = base + j
	}
	return res, nil
}

func (t *Table[T]) appendRows(rows []T) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", t.path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(t.schema.Header); err != nil {
			_ = f.Close()
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, rec := range rows {
		if err := w.Write(t.schema.Encode(rec)); err != nil {
			_ = f.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush %s: %w", t.path, err)
	}
	return f.Close()
}

// Load returns rows in file order. A non-empty org keeps only that
// organization's rows.
func (t *Table[T]) Load(org string) []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]T, 0, len(t.rows))
	for _, rec := range t.rows {
		if org != "" && t.schema.Org != nil && t.schema.Org(rec) != org {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Get returns the record stored under key
func (t *Table[T]) Get(key string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[key]
	if !ok {
		var zero T
		return zero, false
	}
	return t.rows[i], true
}

// Len returns the number of distinct keys
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Path returns the backing file
func (t *Table[T]) Path() string {
	return t.path
}

// WriteAll writes rows as a fresh table at path, replacing any existing file
func WriteAll[T any](path string, schema Schema[T], rows []T) error {
	return writeFile(path, schema, rows)
}

// writeFile writes header and rows to a temp file and renames it over path
func writeFile[T any](path string, schema Schema[T], rows []T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	w := csv.NewWriter(tmp)
	if err := w.Write(schema.Header); err != nil {
		cleanup()
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range rows {
		if err := w.Write(schema.Encode(rec)); err != nil {
			cleanup()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		cleanup()
		return fmt.Errorf("flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
