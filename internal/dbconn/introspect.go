package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	return names
}

// TextColumns lists columns whose values are useful as value hints.
func (t Table) TextColumns() []Column {
	out := make([]Column, 0)
	for _, column := range t.Columns {
		dataType := strings.ToLower(column.DataType)
		if strings.Contains(dataType, "char") || strings.Contains(dataType, "text") || dataType == "varchar" {
			out = append(out, column)
		}
	}
	return out
}

const introspectQuery = `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
ORDER BY table_name ASC, ordinal_position ASC`

// Introspect reads user tables and their columns in ordinal order.
func Introspect(ctx context.Context, q Queryer) ([]Table, error) {
	rows, err := q.QueryContext(ctx, introspectQuery)
	if err != nil {
		return nil, fmt.Errorf("introspect columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]Table, 0)
	index := map[string]int{}
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		position, ok := index[tableName]
		if !ok {
			position = len(tables)
			index[tableName] = position
			tables = append(tables, Table{Name: tableName})
		}
		tables[position].Columns = append(tables[position].Columns, Column{Name: columnName, DataType: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	return tables, nil
}

// SampleValues returns up to limit distinct non-null values per text column.
func SampleValues(ctx context.Context, q Queryer, table Table, limit int) (map[string][]string, error) {
	if limit <= 0 {
		limit = 5
	}
	samples := map[string][]string{}
	for _, column := range table.TextColumns() {
		query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL LIMIT %d`,
			quoteIdent(column.Name), quoteIdent(table.Name), quoteIdent(column.Name), limit)
		rows, err := q.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("sample %s.%s: %w", table.Name, column.Name, err)
		}
		values := make([]string, 0, limit)
		for rows.Next() {
			var value string
			if err := rows.Scan(&value); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan sample %s.%s: %w", table.Name, column.Name, err)
			}
			values = append(values, value)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate sample %s.%s: %w", table.Name, column.Name, err)
		}
		if len(values) > 0 {
			samples[column.Name] = values
		}
	}
	return samples, nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
