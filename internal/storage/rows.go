package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/blockadesystems/acmekeeper/internal/model"
)

// column maps a SQL expression to the join path it is reported under.
type column struct {
	expr string
	path string
}

func paths(cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.path
	}
	return out
}

// selectList renders `expr AS "path", ...`.
func selectList(cols []column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.expr + ` AS "` + c.path + `"`
	}
	return strings.Join(parts, ", ")
}

var accountColumns = []column{
	{"a.name", "name"},
	{"a.alg", "alg"},
	{"a.eab_kid", "eab_kid"},
	{"a.contact", "contact"},
	{"a.status", "status"},
	{"a.created_at", "created_at"},
	{"o.name", "order__name"},
	{"o.status", "order__status"},
	{"o.expires", "order__expires"},
	{"o.identifiers", "order__identifiers"},
	{"o.created_at", "order__created_at"},
	{"z.name", "order__authorization__name"},
	{"z.type", "order__authorization__type"},
	{"z.value", "order__authorization__value"},
	{"z.status", "order__authorization__status"},
	{"z.expires", "order__authorization__expires"},
	{"z.token", "order__authorization__token"},
	{"ch.name", "order__authorization__challenge__name"},
	{"ch.type", "order__authorization__challenge__type"},
	{"ch.status", "order__authorization__challenge__status"},
	{"ch.token", "order__authorization__challenge__token"},
	{"ch.expires", "order__authorization__challenge__expires"},
	{"ch.validated", "order__authorization__challenge__validated"},
}

var certificateColumns = []column{
	{"c.name", "name"},
	{"c.csr", "csr"},
	{"c.cert", "cert"},
	{"c.cert_raw", "cert_raw"},
	{"c.poll_identifier", "poll_identifier"},
	{"c.issue_uts", "issue_uts"},
	{"c.expire_uts", "expire_uts"},
	{"c.created_at", "created_at"},
	{"o.name", "order__name"},
	{"o.status", "order__status"},
	{"o.expires", "order__expires"},
	{"a.name", "order__account__name"},
}

var authorizationColumns = []column{
	{"z.name", "name"},
	{"z.type", "type"},
	{"z.value", "value"},
	{"z.status", "status"},
	{"z.expires", "expires"},
	{"z.token", "token"},
	{"z.created_at", "created_at"},
	{"o.name", "order__name"},
	{"a.name", "order__account__name"},
}

var orderColumns = []column{
	{"o.name", "name"},
	{"o.status", "status"},
	{"o.expires", "expires"},
	{"o.identifiers", "identifiers"},
	{"o.created_at", "created_at"},
	{"a.name", "account__name"},
}

// lookupColumns returns the columns of cols named by fields, in the order of
// fields. Unknown names are an error.
func lookupColumns(cols []column, fields []string) ([]column, error) {
	byPath := make(map[string]column, len(cols))
	for _, c := range cols {
		byPath[c.path] = c
	}
	out := make([]column, 0, len(fields))
	for _, f := range fields {
		c, ok := byPath[f]
		if !ok {
			return nil, fmt.Errorf("storage: unknown field '%s'", f)
		}
		out = append(out, c)
	}
	return out, nil
}

// queryRows runs query and returns one model.Row per result row keyed by the
// column labels. NULL values are left out of the row.
func queryRows(ctx context.Context, q Querier, query string, args ...interface{}) ([]model.Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]model.Row, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := []model.Row{}
	for rows.Next() {
		values := make([]any, len(names))
		dest := make([]any, len(names))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(model.Row, len(names))
		for i, name := range names {
			switch v := values[i].(type) {
			case nil:
				continue
			case []byte:
				row[name] = string(v)
			case int:
				row[name] = int64(v)
			case int32:
				row[name] = int64(v)
			default:
				row[name] = v
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
