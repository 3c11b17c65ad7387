package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NoDataSchema is returned by GetUserSchema for users without loaded files.
// Chat prompt builders match on it.
const NoDataSchema = "No data files loaded."

// ListFiles returns userID's records, newest first.
func (s *Service) ListFiles(ctx context.Context, userID string) ([]FileRecord, error) {
	recs, err := s.records.FindByUser(ctx, userID)
	if err != nil {
		return nil, newError(KindStorage, "Failed to list files", err)
	}
	return recs, nil
}

// GetFile returns one of userID's records.
func (s *Service) GetFile(ctx context.Context, userID, fileID string) (*FileRecord, error) {
	rec, err := s.records.FindByIDAndUser(ctx, fileID, userID)
	if err != nil {
		return nil, newError(KindStorage, "Failed to read file", err)
	}
	if rec == nil {
		return nil, newError(KindNotFound, MsgFileNotFound, fmt.Errorf("record %s", fileID))
	}
	return rec, nil
}

// ExecuteQuery runs sql against the engine. A query whose text has no LIMIT
// anywhere gets " LIMIT <limit>" appended; limit <= 0 uses the service
// default. The check is textual, so subqueries and set operations can still
// return more rows.
func (s *Service) ExecuteQuery(ctx context.Context, userID, sql string, limit int) (*QueryResult, error) {
	start := time.Now()
	res, err := s.executeQuery(ctx, sql, limit)

	rows := 0
	if res != nil {
		rows = res.RowCount
	}
	latency := time.Since(start).Milliseconds()
	s.metrics.RecordQuery(userID, latency, rows, err)
	if err != nil {
		s.logger.WarnContext(ctx, "query failed", "user_id", userID, "error", err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "query completed", "user_id", userID, "rows", rows, "latency_ms", latency)
	return res, nil
}

func (s *Service) executeQuery(ctx context.Context, sql string, limit int) (*QueryResult, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil, newError(KindValidation, "SQL query is required", nil)
	}
	if limit <= 0 {
		limit = s.defaultQueryLimit
	}

	res, err := s.engine.Query(ctx, addLimitIfMissing(sql, limit))
	if err != nil {
		return nil, newError(KindQuery, "Query error: "+err.Error(), err)
	}
	return res, nil
}

// addLimitIfMissing appends " LIMIT n" unless the text already mentions LIMIT
// anywhere. The check is textual: a LIMIT inside a CTE or one UNION branch
// leaves the outer query uncapped.
func addLimitIfMissing(sql string, limit int) string {
	if strings.Contains(strings.ToUpper(sql), "LIMIT") {
		return sql
	}
	return fmt.Sprintf("%s LIMIT %d", strings.TrimSpace(sql), limit)
}

// GetUserSchema renders the tables of userID's loaded files as text for an
// LLM prompt. Tables that fail to describe are left out.
func (s *Service) GetUserSchema(ctx context.Context, userID string) (string, error) {
	recs, err := s.records.FindByUser(ctx, userID)
	if err != nil {
		return "", newError(KindStorage, "Failed to read file records", err)
	}

	// Records arrive newest first; the newest load owns a shared table.
	blocks := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if !rec.IsLoaded {
			continue
		}
		if _, dup := seen[rec.TableName]; dup {
			continue
		}
		seen[rec.TableName] = struct{}{}
		schema, err := s.engine.DescribeTable(ctx, rec.TableName)
		if err != nil {
			s.logger.DebugContext(ctx, "describe skipped", "user_id", userID, "table", rec.TableName, "error", err)
			continue
		}
		blocks = append(blocks, formatTableSchema(rec, schema))
	}
	if len(blocks) == 0 {
		return NoDataSchema, nil
	}
	return strings.Join(blocks, "\n\n"), nil
}

func formatTableSchema(rec FileRecord, schema *TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: \"%s\" (from file: \"%s\", %d rows)\nColumns:", rec.TableName, rec.OriginalName, rec.RowCount)
	for _, col := range schema.Columns {
		fmt.Fprintf(&b, "\n  %s (%s)", col.Name, col.Type)
	}
	return b.String()
}
