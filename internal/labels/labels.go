// Package labels resolves model class indices to human-readable diagnoses.
//
// Two inputs are combined at startup: a static table of short codes with
// their display strings, and a JSON class index mapping produced by the
// training pipeline ({"nv": 0, "mel": 1, ...}). The resulting Table is
// immutable and safe for concurrent use.
package labels

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/samber/lo"
)

var (
	ErrUnknownCode        = errors.New("short code missing from display table")
	ErrNonContiguous      = errors.New("class indices are not contiguous from 0")
	ErrEmptyMapping       = errors.New("class index mapping is empty")
	ErrUnknownClass       = errors.New("no label for predicted class index")
	ErrClassCountMismatch = errors.New("model class count does not match label mapping")
)

// Entry is one classification category.
type Entry struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

// Display is the static short code to display string table, in the
// HAM10000 category order.
var Display = []Entry{
	{Code: "nv", Display: "正常／ほくろ"},
	{Code: "mel", Display: "メラノーマ"},
	{Code: "bkl", Display: "良性角化症"},
	{Code: "bcc", Display: "基底細胞がん"},
	{Code: "akiec", Display: "光線角化症"},
	{Code: "vasc", Display: "血管腫"},
	{Code: "df", Display: "皮膚線維腫"},
}

// DisplayFor returns the display string for a short code.
func DisplayFor(code string) (string, bool) {
	e, ok := lo.Find(Display, func(e Entry) bool { return e.Code == code })
	return e.Display, ok
}

// ClassIndex maps short codes to class indices.
type ClassIndex map[string]int

// LoadClassIndex reads a class index mapping from a JSON file.
func LoadClassIndex(path string) (ClassIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read label map: %w", err)
	}
	var idx ClassIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse label map %s: %w", path, err)
	}
	return idx, nil
}

// DefaultClassIndex maps the first n codes of the display table to 0..n-1.
func DefaultClassIndex(n int) ClassIndex {
	n = min(n, len(Display))
	idx := make(ClassIndex, n)
	for i, e := range Display[:n] {
		idx[e.Code] = i
	}
	return idx
}

// Save writes the mapping as indented JSON.
func (c ClassIndex) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode label map: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write label map: %w", err)
	}
	return nil
}

// Table is the index to label lookup built once at startup.
type Table struct {
	entries []Entry
}

// NewTable validates the mapping eagerly: every code must have a display
// string and the indices must cover 0..N-1 exactly once.
func NewTable(idx ClassIndex) (*Table, error) {
	if len(idx) == 0 {
		return nil, ErrEmptyMapping
	}

	missing := lo.Filter(lo.Keys(idx), func(code string, _ int) bool {
		_, ok := DisplayFor(code)
		return !ok
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrUnknownCode, strings.Join(missing, ", "))
	}

	byIndex := lo.Invert(idx)
	if len(byIndex) != len(idx) {
		return nil, fmt.Errorf("%w: duplicate indices", ErrNonContiguous)
	}

	entries := make([]Entry, len(idx))
	for i := range entries {
		code, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("%w: index %d missing", ErrNonContiguous, i)
		}
		display, _ := DisplayFor(code)
		entries[i] = Entry{Index: i, Code: code, Display: display}
	}
	return &Table{entries: entries}, nil
}

// Len is the number of classes.
func (t *Table) Len() int {
	return len(t.entries)
}

// Lookup resolves a predicted class index.
func (t *Table) Lookup(index int) (Entry, error) {
	if index < 0 || index >= len(t.entries) {
		return Entry{}, fmt.Errorf("%w: %d", ErrUnknownClass, index)
	}
	return t.entries[index], nil
}

// Entries returns a copy of the table in index order.
func (t *Table) Entries() []Entry {
	return slices.Clone(t.entries)
}

// CheckClasses fails when a model emits a different number of classes than
// the mapping describes.
func (t *Table) CheckClasses(n int) error {
	if n != len(t.entries) {
		return fmt.Errorf("%w: model has %d outputs, label map has %d entries",
			ErrClassCountMismatch, n, len(t.entries))
	}
	return nil
}
