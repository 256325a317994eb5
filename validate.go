package mssql

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Each validator below implements the C5 validation contract from
// spec.md §4.5: nil passes through as nil, otherwise coerce-and-range-
// check, returning a plain (non-panicking) error on failure.

func intValidator(min, max int64, label string) func(interface{}, *ColumnDef) (interface{}, error) {
	return func(v interface{}, col *ColumnDef) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("Invalid %s.", label)
		}
		if n < min || n > max {
			return nil, fmt.Errorf("Invalid %s: value %d out of range.", label, n)
		}
		return n, nil
	}
}

func floatValidator(label string) func(interface{}, *ColumnDef) (interface{}, error) {
	return func(v interface{}, col *ColumnDef) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		f, err := toFloat64(v)
		if err != nil {
			return nil, fmt.Errorf("Invalid %s.", label)
		}
		return f, nil
	}
}

func boolValidator(v interface{}, col *ColumnDef) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := toBool(v)
	if err != nil {
		return nil, errors.New("Invalid Bit.")
	}
	return b, nil
}

func stringValidator(label string) func(interface{}, *ColumnDef) (interface{}, error) {
	return func(v interface{}, col *ColumnDef) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		s, err := toStringValue(v)
		if err != nil {
			return nil, fmt.Errorf("Invalid %s.", label)
		}
		return s, nil
	}
}

func bytesValidator(label string) func(interface{}, *ColumnDef) (interface{}, error) {
	return func(v interface{}, col *ColumnDef) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		b, err := toBytesValue(v)
		if err != nil {
			return nil, fmt.Errorf("Invalid %s.", label)
		}
		return b, nil
	}
}

func decimalValidator(label string) func(interface{}, *ColumnDef) (interface{}, error) {
	return func(v interface{}, col *ColumnDef) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		d, err := toDecimal(v)
		if err != nil {
			return nil, fmt.Errorf("Invalid %s.", label)
		}
		return d, nil
	}
}

func uuidValidator(v interface{}, col *ColumnDef) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	id, err := toUUID(v)
	if err != nil {
		return nil, errors.New("Invalid UniqueIdentifier.")
	}
	return id, nil
}

func dateValidator(v interface{}, col *ColumnDef) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	d, err := toCivilDate(v)
	if err != nil {
		return nil, errors.New("Invalid date.")
	}
	return d, nil
}

func timeValidator(v interface{}, col *ColumnDef) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, err := toCivilTime(v)
	if err != nil {
		return nil, errors.New("Invalid time.")
	}
	return t, nil
}

func dateTimeValidator(label string) func(interface{}, *ColumnDef) (interface{}, error) {
	return func(v interface{}, col *ColumnDef) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		t, err := toGoTime(v)
		if err != nil {
			return nil, errors.New("Invalid date.")
		}
		if t.Year() < 1753 || t.Year() > 9999 {
			return nil, fmt.Errorf("Invalid %s: year %d out of range.", label, t.Year())
		}
		return t, nil
	}
}

func dateTime2Validator(v interface{}, col *ColumnDef) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, err := toGoTime(v)
	if err != nil {
		return nil, errors.New("Invalid date.")
	}
	return t, nil
}

func dateTimeOffsetValidator(v interface{}, col *ColumnDef) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, err := toGoTime(v)
	if err != nil {
		return nil, errors.New("Invalid date.")
	}
	return t, nil
}

// ---- coercion helpers ----

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("uint64 value %d overflows int64", n)
		}
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		i, err := toInt64(n)
		return float64(i), err
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int:
		return b != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to bit", v)
	}
}

func toStringValue(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", fmt.Errorf("cannot convert %T to string", v)
	}
}

func toBytesValue(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to bytes", v)
	}
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, nil
	case float64:
		return decimal.NewFromFloat(d), nil
	case float32:
		return decimal.NewFromFloat32(d), nil
	case int64:
		return decimal.NewFromInt(d), nil
	case int:
		return decimal.NewFromInt(int64(d)), nil
	case string:
		return decimal.NewFromString(d)
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot convert %T to decimal", v)
	}
}

func toUUID(v interface{}) (uuid.UUID, error) {
	switch id := v.(type) {
	case uuid.UUID:
		return id, nil
	case string:
		return uuid.Parse(id)
	case []byte:
		if len(id) != 16 {
			return uuid.UUID{}, fmt.Errorf("invalid UUID byte length %d", len(id))
		}
		var out uuid.UUID
		copy(out[:], id)
		return out, nil
	default:
		return uuid.UUID{}, fmt.Errorf("cannot convert %T to uuid", v)
	}
}

func toCivilDate(v interface{}) (civil.Date, error) {
	switch d := v.(type) {
	case civil.Date:
		return d, nil
	case time.Time:
		return civil.DateOf(d), nil
	case string:
		return civil.ParseDate(d)
	default:
		return civil.Date{}, fmt.Errorf("cannot convert %T to date", v)
	}
}

func toCivilTime(v interface{}) (civil.Time, error) {
	switch t := v.(type) {
	case civil.Time:
		return t, nil
	case time.Time:
		return civil.TimeOf(t), nil
	case string:
		return civil.ParseTime(t)
	default:
		return civil.Time{}, fmt.Errorf("cannot convert %T to time", v)
	}
}

func toGoTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case civil.Date:
		return t.In(time.UTC), nil
	case civil.DateTime:
		return t.In(time.UTC), nil
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, nil
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed, nil
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a date/time", t)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time.Time", v)
	}
}
