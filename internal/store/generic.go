package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// GenericOps centralizes the column-targeted CRUD patterns every repository
// in this package builds on, so no repository ever issues a whole-row
// flush of an in-memory struct. This mirrors the generic-repository idiom
// used elsewhere in the stack, re-grounded onto column-targeted SQL instead
// of REST filters.
type GenericOps struct{}

// GenericInsert inserts a single row built from cols/vals and returns the
// generated primary key. The row is built positionally; callers encrypt any
// sensitive value before it reaches vals.
func GenericInsert(ctx context.Context, db *sqlx.DB, table string, cols []string, vals []interface{}) (int64, error) {
	if len(cols) != len(vals) {
		return 0, fmt.Errorf("%s: column/value count mismatch", table)
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)

	var id int64
	if err := db.QueryRowxContext(ctx, query, vals...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return id, nil
}

// GenericSurgicalUpdate writes only the keys present in fields, keyed by
// primary key. No other column of the row is touched by this call. The
// iteration order over fields is stabilized by sorting keys so the
// generated SQL is deterministic for tests.
func GenericSurgicalUpdate(ctx context.Context, db *sqlx.DB, table string, id int64, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return fmt.Errorf("%s: update requires at least one field", table)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	setClauses := make([]string, 0, len(keys)+1)
	args := make([]interface{}, 0, len(keys)+1)
	for i, k := range keys {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", k, i+1))
		args = append(args, fields[k])
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", len(keys)+1))
	args = append(args, time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = $%d",
		table, strings.Join(setClauses, ", "), len(args),
	)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n == 0 {
		return NewNotFoundError(table, fmt.Sprintf("%d", id))
	}
	return nil
}

// GenericGetByField loads a single row scanned into T where field = value.
// The returned value is a plain struct, never a reference into the driver's
// connection or transaction — there is nothing to detach because nothing is
// ever attached.
func GenericGetByField[T any](ctx context.Context, db *sqlx.DB, table, field string, value interface{}) (*T, error) {
	var out T
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table, field)
	if err := db.GetContext(ctx, &out, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError(table, fmt.Sprintf("%v", value))
		}
		return nil, fmt.Errorf("get %s by %s: %w", table, field, err)
	}
	return &out, nil
}

// GenericListByField loads every row where field = value, ordered by the
// given column.
func GenericListByField[T any](ctx context.Context, db *sqlx.DB, table, field string, value interface{}, orderBy string) ([]T, error) {
	var out []T
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 ORDER BY %s", table, field, orderBy)
	if err := db.SelectContext(ctx, &out, query, value); err != nil {
		return nil, fmt.Errorf("list %s by %s: %w", table, field, err)
	}
	return out, nil
}

// GenericDelete removes the row with the given primary key.
func GenericDelete(ctx context.Context, db *sqlx.DB, table string, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	if n == 0 {
		return NewNotFoundError(table, fmt.Sprintf("%d", id))
	}
	return nil
}
