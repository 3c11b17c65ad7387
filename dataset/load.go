package dataset

import (
	"context"
	"fmt"
)

// loadRecord loads rec's file into its table and marks the record loaded.
func (s *Service) loadRecord(ctx context.Context, rec *FileRecord) (*FileRecord, error) {
	format, ok := FormatForName(rec.OriginalName)
	if !ok {
		format, ok = FormatForName(rec.StoredName)
	}
	if !ok {
		return nil, newError(KindValidation, MsgUnsupportedFormat, fmt.Errorf("%w: %s", ErrUnsupportedFormat, rec.OriginalName))
	}

	var (
		schema *TableSchema
		err    error
	)
	switch format {
	case FormatExcel:
		schema, err = s.engine.LoadExcel(ctx, rec.FilePath, rec.TableName)
	default:
		schema, err = s.engine.LoadCSV(ctx, rec.FilePath, rec.TableName)
	}
	if err != nil {
		return nil, newError(KindEngineLoad, MsgLoadFailed, fmt.Errorf("load %s into %s: %w", rec.FilePath, rec.TableName, err))
	}

	updated, err := s.records.UpdateLoaded(ctx, rec.ID, schema.ColumnNames(), schema.RowCount)
	if err != nil {
		return nil, newError(KindStorage, MsgLoadFailed, fmt.Errorf("record load of %s: %w", rec.ID, err))
	}
	if updated == nil {
		return nil, newError(KindNotFound, MsgFileNotFound, fmt.Errorf("record %s removed during load", rec.ID))
	}

	s.logger.InfoContext(ctx, "file loaded",
		"user_id", rec.UserID,
		"file_id", rec.ID,
		"table", rec.TableName,
		"columns", len(updated.Columns),
		"rows", updated.RowCount,
	)
	return updated, nil
}

// tableHeir returns the newest other record of rec's user that maps to the
// same table and whose file still exists, or nil.
func (s *Service) tableHeir(ctx context.Context, rec *FileRecord) (*FileRecord, error) {
	recs, err := s.records.FindByUser(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("find records of %s: %w", rec.UserID, err)
	}
	for i := range recs {
		other := &recs[i]
		if other.ID == rec.ID || other.TableName != rec.TableName {
			continue
		}
		if s.blobs.Exists(ctx, other.FilePath) {
			return other, nil
		}
	}
	return nil, nil
}

// releaseTable is called when rec stops backing its table. The table is
// dropped, unless another live record maps to the same name; that record is
// then reloaded so the table reflects a file that still exists.
func (s *Service) releaseTable(ctx context.Context, rec *FileRecord) error {
	heir, err := s.tableHeir(ctx, rec)
	if err != nil {
		return err
	}
	if heir == nil {
		if err := s.engine.DropTable(ctx, rec.TableName); err != nil {
			return fmt.Errorf("drop %s: %w", rec.TableName, err)
		}
		return nil
	}

	if _, err := s.loadRecord(ctx, heir); err != nil {
		s.logger.WarnContext(ctx, "reload of shared table failed",
			"user_id", heir.UserID,
			"file_id", heir.ID,
			"table", heir.TableName,
			"error", err,
		)
		s.markUnloaded(ctx, heir)
	}
	return nil
}

func (s *Service) markUnloaded(ctx context.Context, rec *FileRecord) {
	if err := s.records.MarkUnloaded(ctx, rec.ID); err != nil {
		s.logger.ErrorContext(ctx, "mark record unloaded failed",
			"user_id", rec.UserID,
			"file_id", rec.ID,
			"error", err,
		)
	}
}
