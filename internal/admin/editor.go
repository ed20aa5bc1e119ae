package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"membersite/internal/codec"
	"membersite/internal/logging"
	"membersite/internal/store"
)

var ErrRowNotFound = errors.New("row not found")

// RejectedError reports a write the storage layer refused, e.g. a value that
// does not fit its column. The message is shown to the administrator.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string       { return e.Err.Error() }
func (e *RejectedError) Unwrap() error       { return e.Err }
func (e *RejectedError) UserMessage() string { return e.Err.Error() }

// Table is an encoded snapshot of one table.
type Table struct {
	Columns []string
	Rows    [][]string
	Types   []string
}

// Moved is the result of a reorder: the row at its new id and the id it
// had before.
type Moved struct {
	Row   []string
	NewID string
	OldID string
}

type Editor struct {
	storage store.Storage
	pub     publisher
	logger  logging.Logger
}

func NewEditor(storage store.Storage, feed Publisher, logger logging.Logger) *Editor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Editor{
		storage: storage,
		pub:     publisher{p: feed, logger: logger},
		logger:  logger,
	}
}

func (e *Editor) ListTable(ctx context.Context, g Grant, table string) (Table, error) {
	if err := g.check(); err != nil {
		return Table{}, err
	}
	cols, err := e.storage.ColumnMetadata(ctx, table)
	if err != nil {
		return Table{}, fmt.Errorf("columns of %s: %w", table, err)
	}
	names := store.Names(cols)
	rows, err := e.storage.AllRows(ctx, table, slices.Contains(names, "id"))
	if err != nil {
		return Table{}, fmt.Errorf("rows of %s: %w", table, err)
	}
	types := store.Types(cols)
	encoded, err := codec.EncodeRows(types, rows.Values)
	if err != nil {
		return Table{}, fmt.Errorf("encode %s: %w", table, err)
	}
	return Table{Columns: names, Rows: encoded, Types: types}, nil
}

// ListTitles returns the title column of table in id order.
func (e *Editor) ListTitles(ctx context.Context, g Grant, table string) ([]string, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	rows, err := e.storage.AllRows(ctx, table, true)
	if err != nil {
		return nil, fmt.Errorf("rows of %s: %w", table, err)
	}
	if !slices.Contains(rows.Columns, "title") {
		return nil, fmt.Errorf("%s: %w", table, store.ErrUnknownColumn)
	}
	titles := make([]string, rows.Len())
	for i := range titles {
		titles[i] = rows.Text(i, "title")
	}
	return titles, nil
}

// InsertRow adds a row and returns it as stored, read back from the highest
// id in the table.
func (e *Editor) InsertRow(ctx context.Context, g Grant, table string, columns, values []string) (string, []string, error) {
	if err := g.check(); err != nil {
		return "", nil, err
	}
	if err := e.storage.Insert(ctx, table, columns, values); err != nil {
		return "", nil, rejected(err)
	}
	maxID, err := e.storage.MaxID(ctx, table)
	if err != nil {
		return "", nil, fmt.Errorf("max id of %s: %w", table, err)
	}
	id := strconv.FormatInt(maxID, 10)
	row, err := e.encodedRow(ctx, table, id)
	if err != nil {
		return "", nil, err
	}
	e.logger.Info(ctx, "row added", "table", table, "id", id, "admin", g.email)
	e.pub.publish(ctx, Event{Type: RowAdded, Table: table, ID: id, Row: row})
	return id, row, nil
}

func (e *Editor) UpdateField(ctx context.Context, g Grant, table, id, column, value string) error {
	if err := g.check(); err != nil {
		return err
	}
	if err := e.storage.UpdateWhere(ctx, table, "id", id, column, value); err != nil {
		return rejected(err)
	}
	e.logger.Info(ctx, "row updated", "table", table, "id", id, "column", column, "admin", g.email)
	e.pub.publish(ctx, Event{Type: RowUpdated, Table: table, ID: id, Column: column})
	return nil
}

func (e *Editor) DeleteRow(ctx context.Context, g Grant, table, id string) error {
	if err := g.check(); err != nil {
		return err
	}
	if err := e.storage.DeleteWhere(ctx, table, "id", id); err != nil {
		return rejected(err)
	}
	e.logger.Info(ctx, "row deleted", "table", table, "id", id, "admin", g.email)
	e.pub.publish(ctx, Event{Type: RowDeleted, Table: table, ID: id})
	return nil
}

// MoveToEnd gives the row id max+1 so it sorts last.
func (e *Editor) MoveToEnd(ctx context.Context, g Grant, table, id string) (Moved, error) {
	return e.move(ctx, g, table, id, func(ctx context.Context) (int64, error) {
		maxID, err := e.storage.MaxID(ctx, table)
		return maxID + 1, err
	})
}

// MoveToStart gives the row id min-1 so it sorts first. Ids may go
// negative.
func (e *Editor) MoveToStart(ctx context.Context, g Grant, table, id string) (Moved, error) {
	return e.move(ctx, g, table, id, func(ctx context.Context) (int64, error) {
		minID, err := e.storage.MinID(ctx, table)
		return minID - 1, err
	})
}

func (e *Editor) move(ctx context.Context, g Grant, table, id string, target func(context.Context) (int64, error)) (Moved, error) {
	if err := g.check(); err != nil {
		return Moved{}, err
	}
	found, err := e.storage.Exists(ctx, table, "id", id)
	if err != nil {
		return Moved{}, fmt.Errorf("find row %s/%s: %w", table, id, err)
	}
	if !found {
		return Moved{}, ErrRowNotFound
	}
	next, err := target(ctx)
	if err != nil {
		return Moved{}, fmt.Errorf("bound id of %s: %w", table, err)
	}
	newID := strconv.FormatInt(next, 10)
	if err := e.storage.UpdateWhere(ctx, table, "id", id, "id", newID); err != nil {
		return Moved{}, rejected(err)
	}
	row, err := e.encodedRow(ctx, table, newID)
	if err != nil {
		return Moved{}, err
	}
	e.logger.Info(ctx, "row moved", "table", table, "from", id, "to", newID, "admin", g.email)
	e.pub.publish(ctx, Event{Type: RowMoved, Table: table, ID: newID, OldID: id, Row: row})
	return Moved{Row: row, NewID: newID, OldID: id}, nil
}

func (e *Editor) encodedRow(ctx context.Context, table, id string) ([]string, error) {
	cols, err := e.storage.ColumnMetadata(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	rows, err := e.storage.RowsMatching(ctx, table, "id", id)
	if err != nil {
		return nil, fmt.Errorf("row %s/%s: %w", table, id, err)
	}
	if rows.Len() == 0 {
		return nil, ErrRowNotFound
	}
	return codec.Encode(store.Types(cols), rows.Values[0])
}

// rejected marks storage refusals caused by the administrator's input so
// their text reaches the console. Other faults pass through unchanged.
func rejected(err error) error {
	for _, target := range []error{
		store.ErrInvalidIdentifier,
		store.ErrUnknownTable,
		store.ErrUnknownColumn,
		store.ErrDuplicateKey,
		store.ErrInvalidValue,
	} {
		if errors.Is(err, target) {
			return &RejectedError{Err: err}
		}
	}
	return err
}
