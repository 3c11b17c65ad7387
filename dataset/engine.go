package dataset

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ColumnInfo is one column of a loaded table.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema is the described shape of a loaded table.
type TableSchema struct {
	Table    string       `json:"table"`
	Columns  []ColumnInfo `json:"columns"`
	RowCount int64        `json:"rowCount"`
}

// ColumnNames returns the column names in table order.
func (s *TableSchema) ColumnNames() []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, c.Name)
	}
	return out
}

// QueryResult is a fully materialised query answer. Values are JSON safe.
type QueryResult struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"rowCount"`
}

// Engine is the analytical engine the service loads files into. Table names
// and file paths passed in are server-derived; Query runs caller SQL as is.
type Engine interface {
	LoadCSV(ctx context.Context, path, table string) (*TableSchema, error)
	LoadExcel(ctx context.Context, path, table string) (*TableSchema, error)
	Query(ctx context.Context, sql string) (*QueryResult, error)
	DescribeTable(ctx context.Context, table string) (*TableSchema, error)
	RowCount(ctx context.Context, table string) (int64, error)
	DropTable(ctx context.Context, table string) error
	ListTables(ctx context.Context) ([]string, error)
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,254}$`)

// ValidateTableName is the allow-list every identifier passes before it is
// interpolated into SQL.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
