package audit

import (
	"encoding/json"
	"time"

	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// encodeValues renders row values as a JSON object; times use RFC3339Nano so
// they decode back to the same instant. A nil row encodes as NULL.
func encodeValues(t schema.Table, values store.Row) (any, error) {
	if values == nil {
		return nil, nil
	}

	out := make(map[string]any, len(values))
	for col, v := range values {
		if ts, ok := v.(time.Time); ok {
			out[col] = ts.UTC().Format(time.RFC3339Nano)
			continue
		}
		out[col] = v
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// decodeValues parses values written by encodeValues using the table's column
// kinds.
func decodeValues(t schema.Table, raw string) (store.Row, error) {
	if raw == "" {
		return nil, nil
	}

	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}

	row := make(store.Row, len(values))
	for col, v := range values {
		c, ok := t.Column(col)
		if !ok {
			// column dropped since the version was written
			continue
		}
		nv, err := c.Normalize(v)
		if err != nil {
			return nil, err
		}
		row[col] = nv
	}
	return row, nil
}

func equalValues(a, b any) bool {
	ta, aIsTime := a.(time.Time)
	tb, bIsTime := b.(time.Time)
	if aIsTime && bIsTime {
		return ta.Equal(tb)
	}
	return a == b
}
