// Package sqlite implements store.Driver over a local sqlite file using the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/beembot/beem/store"
)

type DB struct {
	db *sql.DB
}

// NewDB opens (creating if necessary) the sqlite database at path.
//
// Connection settings:
// - Journal mode WAL, the recommended mode for applications.
// - busy_timeout so a concurrent reader does not surface SQLITE_BUSY.
// - Foreign keys off; the schema has none and being explicit prevents
//   surprises on sqlite upgrades.
//
// With the modernc.org/sqlite driver each pragma is passed as a `_pragma=`
// query parameter. A single connection is optimal with WAL for a local file.
func NewDB(path string) (store.Driver, error) {
	if path == "" {
		return nil, errors.New("database path required")
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "open db %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// CreateMissingTables issues CREATE TABLE IF NOT EXISTS for every schema
// table. Text columns collate NOCASE so lookups ignore letter case the same
// way the in-memory mirror does.
func (d *DB) CreateMissingTables(ctx context.Context, schema store.Schema) error {
	for table, fields := range schema {
		var cols []string
		var keys []string
		for _, f := range fields {
			col := f.Name + " " + columnType(f.Type)
			cols = append(cols, col)
			if f.Primary {
				keys = append(keys, f.Name)
			}
		}
		if len(keys) > 0 {
			cols = append(cols, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", "))
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "create table %s", table)
		}
	}
	return nil
}

// LoadTable reads all rows of a table.
func (d *DB) LoadTable(ctx context.Context, table string, fields []store.Field) ([]store.Row, error) {
	names := fieldNames(fields)
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), table))
	if err != nil {
		return nil, errors.Wrapf(err, "select from %s", table)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		dest := make([]any, len(fields))
		for i, f := range fields {
			if f.Type == store.Integer {
				dest[i] = new(int64)
			} else {
				dest[i] = new(string)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrapf(err, "scan row from %s", table)
		}
		row := make(store.Row, len(fields))
		for i, f := range fields {
			if f.Type == store.Integer {
				row[f.Name] = *dest[i].(*int64)
			} else {
				row[f.Name] = *dest[i].(*string)
			}
		}
		out = append(out, row)
	}
	return out, errors.Wrapf(rows.Err(), "read %s", table)
}

// InsertRow writes a complete row.
func (d *DB) InsertRow(ctx context.Context, table string, fields []store.Field, row store.Row) error {
	names := fieldNames(fields)
	marks := make([]string, len(fields))
	args := make([]any, len(fields))
	for i, f := range fields {
		marks[i] = "?"
		args[i] = row[f.Name]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(marks, ", "))
	_, err := d.db.ExecContext(ctx, stmt, args...)
	return errors.Wrapf(err, "insert into %s", table)
}

// UpdateField sets one field of the row identified by the key values.
func (d *DB) UpdateField(ctx context.Context, table string, keys []store.Field, keyVals []any, field string, value any) error {
	if len(keys) != len(keyVals) {
		return errors.Errorf("table %s: %d key fields, %d values", table, len(keys), len(keyVals))
	}
	conds := make([]string, len(keys))
	args := []any{value}
	for i, k := range keys {
		conds[i] = k.Name + " = ?"
		args = append(args, keyVals[i])
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s", table, field, strings.Join(conds, " AND "))
	res, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return errors.Wrapf(err, "update %s.%s", table, field)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("update %s.%s matched no rows", table, field)
	}
	return nil
}

func columnType(t store.FieldType) string {
	if t == store.Integer {
		return "INTEGER"
	}
	return "TEXT COLLATE NOCASE"
}

func fieldNames(fields []store.Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}
