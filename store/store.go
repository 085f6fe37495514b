// Package store implements beem's durable user store: a small set of
// sqlite-backed tables fronted by a write-through in-memory mirror.
//
// Reads touch only the mirror, so any goroutine may read concurrently.
// Writes go to the backing store first and update the mirror only on
// success; they all serialize through the store's write lock.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	Text    FieldType = "text"
	Integer FieldType = "integer"
)

// Field declares one column of a table. Text fields collate
// case-insensitively; primary fields form the row key.
type Field struct {
	Name    string
	Type    FieldType
	Primary bool
	Default any
}

// Schema maps table names to their field declarations.
type Schema map[string][]Field

// Keys returns the primary key fields of a table, in declaration order.
func (s Schema) Keys(table string) []Field {
	var keys []Field
	for _, f := range s[table] {
		if f.Primary {
			keys = append(keys, f)
		}
	}
	return keys
}

// Row is a single table row, field name to value. Text values are string,
// integer values int64.
type Row map[string]any

// Str returns a text field, or "" when unset.
func (r Row) Str(field string) string {
	v, _ := r[field].(string)
	return v
}

// Int returns an integer field, or 0 when unset.
func (r Row) Int(field string) int64 {
	switch v := r[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Driver is the backing relational store.
type Driver interface {
	// CreateMissingTables creates any schema table that does not exist yet.
	CreateMissingTables(ctx context.Context, schema Schema) error
	// LoadTable reads every row of a table.
	LoadTable(ctx context.Context, table string, fields []Field) ([]Row, error)
	// InsertRow writes a complete row.
	InsertRow(ctx context.Context, table string, fields []Field, row Row) error
	// UpdateField sets one field of the row identified by the key values.
	UpdateField(ctx context.Context, table string, keys []Field, keyVals []any, field string, value any) error
	Close() error
}

// Store holds the in-memory mirror over a Driver.
type Store struct {
	driver Driver
	schema Schema

	mu   sync.RWMutex
	data map[string]map[string]Row
}

// New creates a Store over the given driver and schema. Call Load before
// anything else.
func New(driver Driver, schema Schema) *Store {
	return &Store{
		driver: driver,
		schema: schema,
		data:   make(map[string]map[string]Row),
	}
}

// Load creates missing tables and reads every declared table into the
// mirror.
func (s *Store) Load(ctx context.Context) error {
	if err := s.driver.CreateMissingTables(ctx, s.schema); err != nil {
		return errors.Wrapf(beemerr.ErrStoreInit, "create tables: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for table, fields := range s.schema {
		rows, err := s.driver.LoadTable(ctx, table, fields)
		if err != nil {
			return errors.Wrapf(beemerr.ErrStoreInit, "load table %s: %v", table, err)
		}
		entries := make(map[string]Row, len(rows))
		for _, row := range rows {
			entries[s.rowKey(table, row)] = row
		}
		s.data[table] = entries
	}
	return nil
}

// GetRow looks a row up by its key values, case-insensitively for text
// keys. The returned row is a copy; missing rows return ok=false.
func (s *Store) GetRow(table string, keys ...any) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.data[table][keyString(keys)]
	if !ok {
		return nil, false
	}
	return row.clone(), true
}

// AddRow inserts a new row, filling unset fields with their declared
// defaults. Fails with ErrDuplicate when the primary key is taken. The
// backing store is written first; on write failure the mirror is unchanged.
func (s *Store) AddRow(ctx context.Context, table string, row Row) (Row, error) {
	fields, ok := s.schema[table]
	if !ok {
		return nil, errors.Errorf("unknown table %s", table)
	}

	full := make(Row, len(fields))
	for _, f := range fields {
		if v, ok := row[f.Name]; ok {
			full[f.Name] = normalize(f, v)
		} else {
			full[f.Name] = normalize(f, f.Default)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.rowKey(table, full)
	if _, exists := s.data[table][key]; exists {
		return nil, errors.Wrapf(beemerr.ErrDuplicate, "table %s key %q", table, key)
	}

	if err := s.driver.InsertRow(ctx, table, fields, full); err != nil {
		return nil, errors.Wrapf(err, "insert into %s", table)
	}
	s.data[table][key] = full
	return full.clone(), nil
}

// SetRowField updates one field of an existing row, write-through.
func (s *Store) SetRowField(ctx context.Context, table string, keys []any, field string, value any) error {
	keyFields := s.schema.Keys(table)

	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.data[table][keyString(keys)]
	if !ok {
		return errors.Wrapf(beemerr.ErrNotFound, "table %s key %v", table, keys)
	}

	value = normalize(s.field(table, field), value)
	if err := s.driver.UpdateField(ctx, table, keyFields, keys, field, value); err != nil {
		return errors.Wrapf(err, "update %s.%s", table, field)
	}
	row[field] = value
	return nil
}

// Close closes the backing store.
func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) field(table, name string) Field {
	for _, f := range s.schema[table] {
		if f.Name == name {
			return f
		}
	}
	return Field{Name: name, Type: Text}
}

func (s *Store) rowKey(table string, row Row) string {
	var vals []any
	for _, f := range s.schema.Keys(table) {
		vals = append(vals, row[f.Name])
	}
	return keyString(vals)
}

// keyString folds text key parts to lower case and joins the parts with an
// unprintable separator. Stored case is preserved in the row itself.
func keyString(keys []any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		switch v := k.(type) {
		case string:
			parts[i] = strings.ToLower(v)
		default:
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	return strings.Join(parts, "\x00")
}

func normalize(f Field, v any) any {
	if f.Type == Integer {
		switch n := v.(type) {
		case int:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		case bool:
			if n {
				return int64(1)
			}
			return int64(0)
		}
		return int64(0)
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
