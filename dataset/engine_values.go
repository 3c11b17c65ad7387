package dataset

import (
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb/v2"
)

// maxSafeInteger is the largest integer a JSON number holds without loss in
// a float64 consumer.
const maxSafeInteger = 1<<53 - 1

func materialize(rows *sql.Rows) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}
	dbTypes := make([]string, len(types))
	for i, ct := range types {
		dbTypes[i] = ct.DatabaseTypeName()
	}

	result := &QueryResult{Columns: cols, Rows: make([][]any, 0)}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]any, len(cols))
		for i, v := range raw {
			row[i] = sanitizeColumnValue(dbTypes[i], v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

func sanitizeColumnValue(dbType string, v any) any {
	if b, ok := v.([]byte); ok && dbType == "UUID" && len(b) == 16 {
		if id, err := uuid.FromBytes(b); err == nil {
			return id.String()
		}
	}
	return sanitizeValue(v)
}

// sanitizeValue converts one driver value into something encoding/json
// renders without loss: integers beyond the float64-safe range become
// decimal strings and timestamps become RFC 3339 strings.
func sanitizeValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, float32, float64,
		int8, int16, int32, uint8, uint16, uint32:
		return x
	case int:
		return safeInt64(int64(x))
	case int64:
		return safeInt64(x)
	case uint:
		return safeUint64(uint64(x))
	case uint64:
		return safeUint64(x)
	case *big.Int:
		if x == nil {
			return nil
		}
		if x.IsInt64() {
			return safeInt64(x.Int64())
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case duckdb.Decimal:
		return x.Float64()
	case duckdb.Interval:
		return map[string]any{"months": x.Months, "days": x.Days, "micros": safeInt64(x.Micros)}
	case []byte:
		return string(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = sanitizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = sanitizeValue(item)
		}
		return out
	case duckdb.Map:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(sanitizeValue(k))] = sanitizeValue(item)
		}
		return out
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}

func safeInt64(n int64) any {
	if n > maxSafeInteger || n < -maxSafeInteger {
		return strconv.FormatInt(n, 10)
	}
	return n
}

func safeUint64(n uint64) any {
	if n > maxSafeInteger {
		return strconv.FormatUint(n, 10)
	}
	return int64(n)
}
