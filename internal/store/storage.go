// Package store holds the relational storage contract and its two
// implementations: MySQL for production and an in-memory table set used in
// tests and single-process development runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"membersite/internal/codec"
)

var (
	ErrInvalidIdentifier = errors.New("invalid table or column name")
	ErrUnknownTable      = errors.New("unknown table")
	ErrUnknownColumn     = errors.New("unknown column")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrInvalidValue      = errors.New("invalid value for column")
)

// Storage is the table-level contract the rest of the service consumes.
// Every value on the write path is raw text; the backend converts it to the
// column's type and rejects what does not fit.
type Storage interface {
	RowsMatching(ctx context.Context, table, column, value string) (Rows, error)
	RowsWithPrefix(ctx context.Context, table, column, prefix string) (Rows, error)
	AllRows(ctx context.Context, table string, orderedByID bool) (Rows, error)
	Insert(ctx context.Context, table string, columns, values []string) error
	UpdateWhere(ctx context.Context, table, keyColumn, keyValue, targetColumn, newValue string) error
	DeleteWhere(ctx context.Context, table, keyColumn, keyValue string) error
	ColumnMetadata(ctx context.Context, table string) ([]Column, error)
	MinID(ctx context.Context, table string) (int64, error)
	MaxID(ctx context.Context, table string) (int64, error)
	Exists(ctx context.Context, table, column, value string) (bool, error)
}

type Column struct {
	Name string `db:"COLUMN_NAME" json:"name"`
	Type string `db:"COLUMN_TYPE" json:"type"`
}

// Rows is a positional result set. Values keep whatever shape the backend
// produced; use the accessors or the codec to read them.
type Rows struct {
	Columns []string
	Values  [][]any
}

func (r Rows) Len() int { return len(r.Values) }

func (r Rows) index(column string) int {
	for i, c := range r.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

func (r Rows) Raw(i int, column string) (any, bool) {
	idx := r.index(column)
	if idx < 0 || i < 0 || i >= len(r.Values) || idx >= len(r.Values[i]) {
		return nil, false
	}
	return r.Values[i][idx], true
}

// Text renders a cell as plain text. Missing cells read as "".
func (r Rows) Text(i int, column string) string {
	v, ok := r.Raw(i, column)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format(codec.DateLayout)
	default:
		return fmt.Sprint(x)
	}
}

func (r Rows) Int(i int, column string) (int64, error) {
	s := r.Text(i, column)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", column, err)
	}
	return n, nil
}

func (r Rows) Date(i int, column string) (time.Time, error) {
	if v, ok := r.Raw(i, column); ok {
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	}
	s := r.Text(i, column)
	if len(s) > len(codec.DateLayout) {
		s = s[:len(codec.DateLayout)]
	}
	t, err := time.Parse(codec.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("column %s: %w", column, err)
	}
	return t, nil
}

// Types returns the declared type of each result column, in result order.
func Types(columns []Column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Type
	}
	return out
}

func Names(columns []Column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdentifier(names ...string) error {
	for _, n := range names {
		if !identifierRe.MatchString(n) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, n)
		}
	}
	return nil
}
