// Package codec renders raw storage values as the canonical strings the
// admin console works with. The column's declared type decides the form:
// dates become YYYY-MM-DD, integer columns decimal text, anything else its
// literal text.
package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

var ErrColumnMismatch = errors.New("row width does not match column types")

type Kind int

const (
	KindText Kind = iota
	KindDate
	KindInt
)

// KindOf classifies a declared column type such as "date", "int(11)" or
// "varchar(255)". Date wins over int so "datetime" renders as a date.
func KindOf(columnType string) Kind {
	t := strings.ToLower(columnType)
	switch {
	case strings.Contains(t, "date"):
		return KindDate
	case strings.Contains(t, "int"):
		return KindInt
	default:
		return KindText
	}
}

// Encode converts one positional row using the matching column types.
func Encode(types []string, row []any) ([]string, error) {
	if len(types) != len(row) {
		return nil, fmt.Errorf("%w: %d types, %d values", ErrColumnMismatch, len(types), len(row))
	}
	out := make([]string, len(row))
	for i, v := range row {
		s, err := EncodeValue(types[i], v)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// EncodeRows converts every row. No rows yields an empty, non-nil slice.
func EncodeRows(types []string, rows [][]any) ([][]string, error) {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		encoded, err := Encode(types, row)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

func EncodeValue(columnType string, v any) (string, error) {
	switch KindOf(columnType) {
	case KindDate:
		return encodeDate(v)
	case KindInt:
		return encodeInt(v)
	default:
		return encodeText(v)
	}
}

func encodeDate(v any) (string, error) {
	switch x := v.(type) {
	case time.Time:
		return x.Format(DateLayout), nil
	case *time.Time:
		if x == nil {
			return "", nil
		}
		return x.Format(DateLayout), nil
	case nil:
		return "", nil
	}

	raw, err := encodeText(v)
	if err != nil {
		return "", err
	}
	if len(raw) >= len(DateLayout) {
		if d, err := time.Parse(DateLayout, raw[:len(DateLayout)]); err == nil {
			return d.Format(DateLayout), nil
		}
	}
	return "", fmt.Errorf("not a date: %q", raw)
}

func encodeInt(v any) (string, error) {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case nil:
		return "", nil
	}

	raw, err := encodeText(v)
	if err != nil {
		return "", err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return "", fmt.Errorf("not an integer: %q", raw)
	}
	return strconv.FormatInt(n, 10), nil
}

func encodeText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case nil:
		return "", nil
	case time.Time:
		return x.Format(time.DateTime), nil
	case fmt.Stringer:
		return x.String(), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return fmt.Sprint(x), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
