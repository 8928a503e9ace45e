// Package staging projects loosely shaped rows onto a table's columns and
// renders the merge clause shared by the SQLite and PostgreSQL upsert paths.
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/j-veylop/provider-ingest/internal/models"
)

// Validation errors.
var (
	ErrUnknownTable        = errors.New("unknown table")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrInvalidConflictKeys = errors.New("invalid conflict keys")
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to splice into SQL as a table or column name.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// Normalizer converts one field value into something the driver can bind.
type Normalizer func(any) (any, error)

// Batch is a set of rows projected onto a table's columns.
type Batch struct {
	Columns      []string
	ConflictKeys []string
	Values       [][]any
}

// UpdateColumns returns the non-key columns, in column order.
func (b *Batch) UpdateColumns() []string {
	keys := make(map[string]bool, len(b.ConflictKeys))
	for _, k := range b.ConflictKeys {
		keys[k] = true
	}
	var cols []string
	for _, c := range b.Columns {
		if !keys[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// ConflictClause renders the ON CONFLICT clause: last write wins on every
// non-key column, or DO NOTHING when the keys are the only columns.
func (b *Batch) ConflictClause() string {
	target := strings.Join(b.ConflictKeys, ", ")
	update := b.UpdateColumns()
	if len(update) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
}

// Project keeps only the table columns that appear in at least one row,
// normalizes values and collapses rows sharing a conflict key so the last one
// wins. Every row must carry a value for every conflict key.
//
// A row that lacks a column carried by another row of the same batch is
// staged with NULL there. The merge is last write wins on every staged
// column, so that NULL replaces a stored value, and a NOT NULL column fails
// the whole batch. Collectors that want to leave a column alone must omit it
// from every row of the batch.
func Project(tableColumns []string, rows []models.Row, conflictKeys []string, normalize Normalizer) (*Batch, error) {
	if len(conflictKeys) == 0 {
		return nil, fmt.Errorf("%w: none given", ErrInvalidConflictKeys)
	}
	if normalize == nil {
		normalize = JSONText
	}

	known := make(map[string]bool, len(tableColumns))
	for _, c := range tableColumns {
		known[c] = true
	}
	for _, k := range conflictKeys {
		if !known[k] {
			return nil, fmt.Errorf("%w: %q is not a column", ErrInvalidConflictKeys, k)
		}
	}

	present := make(map[string]bool, len(tableColumns))
	for _, row := range rows {
		for field := range row {
			if known[field] {
				present[field] = true
			}
		}
	}
	for _, k := range conflictKeys {
		present[k] = true
	}

	batch := &Batch{ConflictKeys: conflictKeys}
	keyPos := make([]int, 0, len(conflictKeys))
	for _, c := range tableColumns {
		if present[c] {
			batch.Columns = append(batch.Columns, c)
		}
	}
	for _, k := range conflictKeys {
		for j, c := range batch.Columns {
			if c == k {
				keyPos = append(keyPos, j)
			}
		}
	}

	index := make(map[string]int, len(rows))
	for i, row := range rows {
		values := make([]any, len(batch.Columns))
		for j, c := range batch.Columns {
			v, err := normalize(row[c])
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, c, err)
			}
			values[j] = v
		}

		parts := make([]string, len(keyPos))
		for p, j := range keyPos {
			if values[j] == nil {
				return nil, fmt.Errorf("row %d: %w: missing value for %q",
					i, ErrInvalidConflictKeys, batch.Columns[j])
			}
			parts[p] = fmt.Sprintf("%v", values[j])
		}
		key := strings.Join(parts, "\x1f")

		if pos, ok := index[key]; ok {
			batch.Values[pos] = values
			continue
		}
		index[key] = len(batch.Values)
		batch.Values = append(batch.Values, values)
	}

	return batch, nil
}

// JSONText renders composite values as JSON text and times as UTC text
// timestamps. It suits SQLite, where column affinity decides storage.
func JSONText(v any) (any, error) {
	return normalize(v, func(t time.Time) any { return t.UTC().Format("2006-01-02 15:04:05.000") })
}

// Native keeps times as time.Time and only flattens maps, structs and untyped
// slices into JSON text. Typed scalar slices pass through for array columns.
func Native(v any) (any, error) {
	switch v.(type) {
	case []string, []int64, []int32, []float64, []bool:
		return v, nil
	}
	return normalize(v, func(t time.Time) any { return t })
}

func normalize(v any, timeValue func(time.Time) any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return timeValue(val), nil
	case []byte, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return val, nil
	case json.Number:
		return val.String(), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), timeValue)
	default:
		return fmt.Sprint(v), nil
	}
}
