package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"membersite/internal/logging"
	"membersite/internal/store/migrations"
)

// MySQL implements Storage over a sqlx handle. Table and column names are
// checked against a strict identifier pattern and backtick quoted; every
// value travels as a bind parameter.
type MySQL struct {
	db *sqlx.DB
}

func NewMySQL(db *sqlx.DB) *MySQL {
	return &MySQL{db: db}
}

func (s *MySQL) DB() *sqlx.DB { return s.db }

func quote(name string) string { return "`" + name + "`" }

func (s *MySQL) query(ctx context.Context, q string, args ...any) (Rows, error) {
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return Rows{}, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Rows{}, fmt.Errorf("db error: %w", err)
	}
	out := Rows{Columns: cols, Values: [][]any{}}
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return Rows{}, fmt.Errorf("db error: %w", err)
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return Rows{}, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (s *MySQL) RowsMatching(ctx context.Context, table, column, value string) (Rows, error) {
	if err := checkIdentifier(table, column); err != nil {
		return Rows{}, err
	}
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quote(table), quote(column))
	return s.query(ctx, q, value)
}

func (s *MySQL) RowsWithPrefix(ctx context.Context, table, column, prefix string) (Rows, error) {
	if err := checkIdentifier(table, column); err != nil {
		return Rows{}, err
	}
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s LIKE ? ORDER BY `id`", quote(table), quote(column))
	return s.query(ctx, q, escapeLike(prefix)+"%")
}

func (s *MySQL) AllRows(ctx context.Context, table string, orderedByID bool) (Rows, error) {
	if err := checkIdentifier(table); err != nil {
		return Rows{}, err
	}
	q := "SELECT * FROM " + quote(table)
	if orderedByID {
		q += " ORDER BY `id`"
	}
	return s.query(ctx, q)
}

func (s *MySQL) Insert(ctx context.Context, table string, columns, values []string) error {
	if len(columns) != len(values) {
		return fmt.Errorf("%w: %d columns, %d values", ErrInvalidValue, len(columns), len(values))
	}
	if err := checkIdentifier(table); err != nil {
		return err
	}
	if err := checkIdentifier(columns...); err != nil {
		return err
	}

	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	args := make([]any, len(values))
	for i := range columns {
		quoted[i] = quote(columns[i])
		marks[i] = "?"
		args[i] = values[i]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return execError(err)
	}
	return nil
}

func (s *MySQL) UpdateWhere(ctx context.Context, table, keyColumn, keyValue, targetColumn, newValue string) error {
	if err := checkIdentifier(table, keyColumn, targetColumn); err != nil {
		return err
	}
	q := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", quote(table), quote(targetColumn), quote(keyColumn))
	if _, err := s.db.ExecContext(ctx, q, newValue, keyValue); err != nil {
		return execError(err)
	}
	return nil
}

func (s *MySQL) DeleteWhere(ctx context.Context, table, keyColumn, keyValue string) error {
	if err := checkIdentifier(table, keyColumn); err != nil {
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(table), quote(keyColumn))
	if _, err := s.db.ExecContext(ctx, q, keyValue); err != nil {
		return execError(err)
	}
	return nil
}

// execError maps server errors caused by the written data onto the
// Storage sentinels.
func execError(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1062:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, me.Message)
		case 1054:
			return fmt.Errorf("%w: %s", ErrUnknownColumn, me.Message)
		case 1146:
			return fmt.Errorf("%w: %s", ErrUnknownTable, me.Message)
		case 1048, 1264, 1292, 1364, 1366, 1406:
			return fmt.Errorf("%w: %s", ErrInvalidValue, me.Message)
		}
	}
	return fmt.Errorf("db error: %w", err)
}

func (s *MySQL) ColumnMetadata(ctx context.Context, table string) ([]Column, error) {
	if err := checkIdentifier(table); err != nil {
		return nil, err
	}
	var cols []Column
	err := s.db.SelectContext(ctx, &cols,
		`SELECT COLUMN_NAME, COLUMN_TYPE FROM information_schema.COLUMNS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		 ORDER BY ORDINAL_POSITION`, table)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return cols, nil
}

func (s *MySQL) MinID(ctx context.Context, table string) (int64, error) {
	return s.boundID(ctx, "MIN", table)
}

func (s *MySQL) MaxID(ctx context.Context, table string) (int64, error) {
	return s.boundID(ctx, "MAX", table)
}

func (s *MySQL) boundID(ctx context.Context, fn, table string) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	var id int64
	q := fmt.Sprintf("SELECT COALESCE(%s(`id`), 0) FROM %s", fn, quote(table))
	if err := s.db.GetContext(ctx, &id, q); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (s *MySQL) Exists(ctx context.Context, table, column, value string) (bool, error) {
	if err := checkIdentifier(table, column); err != nil {
		return false, err
	}
	var found bool
	q := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s = ?)", quote(table), quote(column))
	if err := s.db.GetContext(ctx, &found, q, value); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return found, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// gooseUpContext is a seam for tests.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("mysql"); err != nil {
		return fmt.Errorf("migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

type ConnectOptions struct {
	MaxRetries    int
	RetryInterval time.Duration
	Logger        logging.Logger
}

// ConnectMySQL opens the database, retrying while it comes up.
func ConnectMySQL(ctx context.Context, dsn string, opts ConnectOptions) (*sqlx.DB, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 30
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	var lastErr error
	for i := 0; i < opts.MaxRetries; i++ {
		db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			opts.Logger.Info(ctx, "database connected")
			return db, nil
		}
		lastErr = err
		opts.Logger.Warn(ctx, "database not ready", "attempt", i+1, "max", opts.MaxRetries, "err", err)

		if i == opts.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
	return nil, fmt.Errorf("database connect failed after %d attempts: %w", opts.MaxRetries, lastErr)
}
