package dataset

import (
	"context"
	"fmt"
)

// DeleteFile removes one of userID's files: its table (unless another live
// file maps to the same table), the file on disk, the archived copy and the
// record. File and archive removal are best effort; a leftover file with no
// record is picked up again by the next discovery pass.
func (s *Service) DeleteFile(ctx context.Context, userID, fileID string) error {
	if err := ValidateUserID(userID); err != nil {
		return newError(KindValidation, "Invalid user id", err)
	}

	return s.withUserLease(ctx, userID, func(ctx context.Context) error {
		rec, err := s.records.FindByIDAndUser(ctx, fileID, userID)
		if err != nil {
			return newError(KindStorage, MsgDeleteFailed, fmt.Errorf("find record %s: %w", fileID, err))
		}
		if rec == nil {
			return newError(KindNotFound, MsgFileNotFound, fmt.Errorf("record %s", fileID))
		}

		if err := s.releaseTable(ctx, rec); err != nil {
			return newError(KindStorage, MsgDeleteFailed, err)
		}
		s.deleteBlobBestEffort(ctx, userID, rec.FilePath)
		s.archiveDelete(ctx, rec)

		if _, err := s.records.DeleteByIDAndUser(ctx, rec.ID, userID); err != nil {
			return newError(KindStorage, MsgDeleteFailed, fmt.Errorf("delete record %s: %w", rec.ID, err))
		}

		s.logger.InfoContext(ctx, "file deleted",
			"user_id", userID,
			"file_id", rec.ID,
			"table", rec.TableName,
		)
		return nil
	})
}
