package schema

import (
	"fmt"
	"time"
)

// Kind is the storage type of a column.
type Kind int

const (
	KindText Kind = iota
	KindBool
	KindTime
	KindInt
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindInt:
		return "int"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Normalize converts a driver, JSON or caller supplied value into the canonical
// Go type for the column: string, bool, time.Time (UTC), int64 or nil.
func (c Column) Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch c.Kind {
	case KindText:
		switch val := v.(type) {
		case string:
			return val, nil
		case *string:
			if val == nil {
				return nil, nil
			}
			return *val, nil
		case []byte:
			return string(val), nil
		case fmt.Stringer:
			return val.String(), nil
		}
	case KindBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case *bool:
			if val == nil {
				return nil, nil
			}
			return *val, nil
		}
	case KindTime:
		switch val := v.(type) {
		case time.Time:
			return val.UTC(), nil
		case *time.Time:
			if val == nil {
				return nil, nil
			}
			return val.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, val)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.Name, err)
			}
			return t.UTC(), nil
		}
	case KindInt:
		switch val := v.(type) {
		case int:
			return int64(val), nil
		case int32:
			return int64(val), nil
		case int64:
			return val, nil
		case float64:
			return int64(val), nil
		}
	}

	return nil, fmt.Errorf("column %s: cannot store %T as %s", c.Name, v, c.Kind)
}
