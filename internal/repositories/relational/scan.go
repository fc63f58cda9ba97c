package relational

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// integrityViolation is the SQLSTATE class for constraint violations.
const integrityViolation = "23"

func quote(col string) string {
	return `"` + strings.ReplaceAll(col, `"`, `""`) + `"`
}

func quoteAll(cols []string) []string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return quoted
}

// bindValue normalises a value for the column before it is sent to the driver.
func bindValue(t schema.Table, col string, v any) (any, error) {
	c, ok := t.Column(col)
	if !ok {
		return nil, fmt.Errorf("unknown column %s.%s", t.Name, col)
	}
	return c.Normalize(v)
}

// scanRow reads one result row into a store.Row using a typed holder per column kind.
func scanRow(t schema.Table, rows *sqlx.Rows) (store.Row, error) {
	holders := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		switch c.Kind {
		case schema.KindBool:
			holders[i] = &sql.NullBool{}
		case schema.KindTime:
			holders[i] = &sql.NullTime{}
		case schema.KindInt:
			holders[i] = &sql.NullInt64{}
		default:
			holders[i] = &sql.NullString{}
		}
	}

	if err := rows.Scan(holders...); err != nil {
		return nil, err
	}

	row := make(store.Row, len(t.Columns))
	for i, c := range t.Columns {
		var v any
		switch h := holders[i].(type) {
		case *sql.NullBool:
			if h.Valid {
				v = h.Bool
			}
		case *sql.NullTime:
			if h.Valid {
				v = h.Time.UTC()
			}
		case *sql.NullInt64:
			if h.Valid {
				v = h.Int64
			}
		case *sql.NullString:
			if h.Valid {
				v = h.String
			}
		}
		row[c.Name] = v
	}
	return row, nil
}
