package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"membersite/internal/codec"
	"membersite/internal/logging"
)

type TableSchema struct {
	Name    string
	Columns []Column
	// Unique names columns, besides id, that no two rows may share.
	Unique []string
}

// DefaultSchema mirrors the tables created by the embedded migrations, with
// the same column order and the type strings MySQL reports for them.
func DefaultSchema() []TableSchema {
	return []TableSchema{
		{Name: "users", Columns: []Column{
			{Name: "email", Type: "varchar(255)"},
			{Name: "password", Type: "varchar(255)"},
			{Name: "id", Type: "int"},
			{Name: "verified", Type: "tinyint"},
			{Name: "admin", Type: "tinyint"},
			{Name: "subscription_policy", Type: "tinyint"},
			{Name: "invalid_email", Type: "tinyint"},
		}, Unique: []string{"email"}},
		{Name: "admin", Columns: []Column{
			{Name: "email", Type: "varchar(255)"},
			{Name: "refresh_token", Type: "varchar(512)"},
		}, Unique: []string{"email"}},
		{Name: "articles", Columns: []Column{
			{Name: "id", Type: "int"},
			{Name: "title", Type: "varchar(255)"},
			{Name: "text", Type: "text"},
			{Name: "expiry", Type: "date"},
		}},
		{Name: "songs", Columns: []Column{
			{Name: "id", Type: "int"},
			{Name: "name", Type: "varchar(255)"},
			{Name: "link", Type: "varchar(512)"},
			{Name: "role", Type: "varchar(255)"},
			{Name: "article", Type: "varchar(255)"},
		}},
		{Name: "calendar", Columns: []Column{
			{Name: "id", Type: "int"},
			{Name: "title", Type: "varchar(255)"},
			{Name: "date", Type: "date"},
			{Name: "start_time", Type: "varchar(16)"},
			{Name: "end_time", Type: "varchar(16)"},
			{Name: "notes", Type: "text"},
		}},
	}
}

type memTable struct {
	columns []Column
	rows    [][]any
	unique  []int
}

func (t *memTable) index(column string) int {
	for i, c := range t.columns {
		if c.Name == column {
			return i
		}
	}
	return -1
}

func (t *memTable) names() []string { return Names(t.columns) }

func (t *memTable) isUnique(idx int) bool {
	for _, u := range t.unique {
		if u == idx {
			return true
		}
	}
	return false
}

// Memory is an in-process Storage. Values are held typed (int64, time.Time,
// string) so reads look like what the MySQL driver returns.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*memTable

	mutations int

	stateFile string
	persistMu sync.Mutex
	logger    logging.Logger
}

type MemoryOptions struct {
	// StateFile, when set, is loaded on start and rewritten after every
	// mutation.
	StateFile string
	Logger    logging.Logger
}

func NewMemory(schema []TableSchema) *Memory {
	return NewMemoryWithOptions(schema, MemoryOptions{})
}

func NewMemoryWithOptions(schema []TableSchema, opts MemoryOptions) *Memory {
	m := &Memory{
		tables:    make(map[string]*memTable, len(schema)),
		stateFile: opts.StateFile,
		logger:    opts.Logger,
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	for _, ts := range schema {
		cols := make([]Column, len(ts.Columns))
		copy(cols, ts.Columns)
		t := &memTable{columns: cols}
		for _, name := range ts.Unique {
			if idx := t.index(name); idx >= 0 {
				t.unique = append(t.unique, idx)
			}
		}
		m.tables[ts.Name] = t
	}

	if m.stateFile != "" {
		if err := m.loadSnapshot(m.stateFile); err != nil {
			m.logger.Error(context.Background(), "memory store: load failed", "file", m.stateFile, "err", err)
		}
	}
	return m
}

// Mutations counts every Insert, UpdateWhere and DeleteWhere call, failed
// ones included.
func (m *Memory) Mutations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mutations
}

func (m *Memory) tableLocked(name string) (*memTable, error) {
	if err := checkIdentifier(name); err != nil {
		return nil, err
	}
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

func (m *Memory) columnLocked(t *memTable, name string) (int, error) {
	if err := checkIdentifier(name); err != nil {
		return -1, err
	}
	idx := t.index(name)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}
	return idx, nil
}

func (m *Memory) selectLocked(t *memTable, keep func(row []any) bool) Rows {
	out := Rows{Columns: t.names(), Values: [][]any{}}
	for _, row := range t.rows {
		if keep(row) {
			out.Values = append(out.Values, cloneRow(row))
		}
	}
	return out
}

func (m *Memory) RowsMatching(_ context.Context, table, column, value string) (Rows, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.tableLocked(table)
	if err != nil {
		return Rows{}, err
	}
	idx, err := m.columnLocked(t, column)
	if err != nil {
		return Rows{}, err
	}
	return m.selectLocked(t, func(row []any) bool {
		return cellText(t.columns[idx], row[idx]) == value
	}), nil
}

func (m *Memory) RowsWithPrefix(_ context.Context, table, column, prefix string) (Rows, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.tableLocked(table)
	if err != nil {
		return Rows{}, err
	}
	idx, err := m.columnLocked(t, column)
	if err != nil {
		return Rows{}, err
	}
	rows := m.selectLocked(t, func(row []any) bool {
		return strings.HasPrefix(cellText(t.columns[idx], row[idx]), prefix)
	})
	sortByID(t, rows.Values)
	return rows, nil
}

func (m *Memory) AllRows(_ context.Context, table string, orderedByID bool) (Rows, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.tableLocked(table)
	if err != nil {
		return Rows{}, err
	}
	rows := m.selectLocked(t, func([]any) bool { return true })
	if orderedByID {
		sortByID(t, rows.Values)
	}
	return rows, nil
}

func (m *Memory) Insert(_ context.Context, table string, columns, values []string) error {
	m.mu.Lock()
	m.mutations++
	err := m.insertLocked(table, columns, values)
	snapshot := m.snapshotIfPersistingLocked(err)
	m.mu.Unlock()

	m.persist(snapshot)
	return err
}

func (m *Memory) insertLocked(table string, columns, values []string) error {
	t, err := m.tableLocked(table)
	if err != nil {
		return err
	}
	if len(columns) != len(values) {
		return fmt.Errorf("%w: %d columns, %d values", ErrInvalidValue, len(columns), len(values))
	}

	row := make([]any, len(t.columns))
	for i, c := range t.columns {
		row[i] = zeroValue(c)
	}
	assigned := make(map[int]bool, len(columns))
	for i, name := range columns {
		idx, err := m.columnLocked(t, name)
		if err != nil {
			return err
		}
		v, err := parseValue(t.columns[idx], values[i])
		if err != nil {
			return err
		}
		row[idx] = v
		assigned[idx] = true
	}

	if idIdx := t.index("id"); idIdx >= 0 {
		if !assigned[idIdx] {
			row[idIdx] = maxIDLocked(t, idIdx) + 1
		} else if takenLocked(t, idIdx, row[idIdx], -1) {
			return fmt.Errorf("%w: id %v", ErrDuplicateKey, row[idIdx])
		}
	}
	for _, idx := range t.unique {
		if takenLocked(t, idx, row[idx], -1) {
			return fmt.Errorf("%w: %s %v", ErrDuplicateKey, t.columns[idx].Name, row[idx])
		}
	}

	t.rows = append(t.rows, row)
	return nil
}

func (m *Memory) UpdateWhere(_ context.Context, table, keyColumn, keyValue, targetColumn, newValue string) error {
	m.mu.Lock()
	m.mutations++
	err := m.updateLocked(table, keyColumn, keyValue, targetColumn, newValue)
	snapshot := m.snapshotIfPersistingLocked(err)
	m.mu.Unlock()

	m.persist(snapshot)
	return err
}

func (m *Memory) updateLocked(table, keyColumn, keyValue, targetColumn, newValue string) error {
	t, err := m.tableLocked(table)
	if err != nil {
		return err
	}
	keyIdx, err := m.columnLocked(t, keyColumn)
	if err != nil {
		return err
	}
	targetIdx, err := m.columnLocked(t, targetColumn)
	if err != nil {
		return err
	}
	v, err := parseValue(t.columns[targetIdx], newValue)
	if err != nil {
		return err
	}

	var hits []int
	for i, row := range t.rows {
		if cellText(t.columns[keyIdx], row[keyIdx]) == keyValue {
			hits = append(hits, i)
		}
	}
	if targetColumn == "id" || t.isUnique(targetIdx) {
		if len(hits) > 1 {
			return fmt.Errorf("%w: %s %v", ErrDuplicateKey, targetColumn, v)
		}
		for _, i := range hits {
			if takenLocked(t, targetIdx, v, i) {
				return fmt.Errorf("%w: %s %v", ErrDuplicateKey, targetColumn, v)
			}
		}
	}
	for _, i := range hits {
		t.rows[i][targetIdx] = v
	}
	return nil
}

func (m *Memory) DeleteWhere(_ context.Context, table, keyColumn, keyValue string) error {
	m.mu.Lock()
	m.mutations++
	err := m.deleteLocked(table, keyColumn, keyValue)
	snapshot := m.snapshotIfPersistingLocked(err)
	m.mu.Unlock()

	m.persist(snapshot)
	return err
}

func (m *Memory) deleteLocked(table, keyColumn, keyValue string) error {
	t, err := m.tableLocked(table)
	if err != nil {
		return err
	}
	idx, err := m.columnLocked(t, keyColumn)
	if err != nil {
		return err
	}
	kept := t.rows[:0]
	for _, row := range t.rows {
		if cellText(t.columns[idx], row[idx]) != keyValue {
			kept = append(kept, row)
		}
	}
	for i := len(kept); i < len(t.rows); i++ {
		t.rows[i] = nil
	}
	t.rows = kept
	return nil
}

func (m *Memory) ColumnMetadata(_ context.Context, table string) ([]Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.tableLocked(table)
	if err != nil {
		return nil, err
	}
	out := make([]Column, len(t.columns))
	copy(out, t.columns)
	return out, nil
}

func (m *Memory) MinID(_ context.Context, table string) (int64, error) {
	return m.boundID(table, func(a, b int64) bool { return a < b })
}

func (m *Memory) MaxID(_ context.Context, table string) (int64, error) {
	return m.boundID(table, func(a, b int64) bool { return a > b })
}

func (m *Memory) boundID(table string, better func(a, b int64) bool) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.tableLocked(table)
	if err != nil {
		return 0, err
	}
	idx, err := m.columnLocked(t, "id")
	if err != nil {
		return 0, err
	}
	var (
		out  int64
		seen bool
	)
	for _, row := range t.rows {
		id, _ := row[idx].(int64)
		if !seen || better(id, out) {
			out, seen = id, true
		}
	}
	return out, nil
}

func (m *Memory) Exists(ctx context.Context, table, column, value string) (bool, error) {
	rows, err := m.RowsMatching(ctx, table, column, value)
	if err != nil {
		return false, err
	}
	return rows.Len() > 0, nil
}

// takenLocked reports whether a row other than skip holds v in column idx.
func takenLocked(t *memTable, idx int, v any, skip int) bool {
	for i, row := range t.rows {
		if i != skip && row[idx] == v {
			return true
		}
	}
	return false
}

func maxIDLocked(t *memTable, idIdx int) int64 {
	var out int64
	for _, row := range t.rows {
		if id, ok := row[idIdx].(int64); ok && id > out {
			out = id
		}
	}
	return out
}

func sortByID(t *memTable, rows [][]any) {
	idx := t.index("id")
	if idx < 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i][idx].(int64)
		b, _ := rows[j][idx].(int64)
		return a < b
	})
}

func cloneRow(row []any) []any {
	out := make([]any, len(row))
	copy(out, row)
	return out
}

func cellText(c Column, v any) string {
	s, err := codec.EncodeValue(c.Type, v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

func zeroValue(c Column) any {
	switch codec.KindOf(c.Type) {
	case codec.KindInt:
		return int64(0)
	case codec.KindDate:
		return nil
	default:
		return ""
	}
}

func parseValue(c Column, raw string) (any, error) {
	switch codec.KindOf(c.Type) {
	case codec.KindInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %q", ErrInvalidValue, c.Name, raw)
		}
		return n, nil
	case codec.KindDate:
		d, err := time.Parse(codec.DateLayout, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w %s: %q", ErrInvalidValue, c.Name, raw)
		}
		return d, nil
	default:
		return raw, nil
	}
}
