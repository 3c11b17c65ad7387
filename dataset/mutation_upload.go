package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

const maxStoredNameAttempts = 5

// UploadFile stores body as a new file for userID, records it and loads it
// into its table. The three steps succeed together or are undone: on a load
// failure the record, the file and any table left behind are removed before
// the error is returned.
func (s *Service) UploadFile(ctx context.Context, userID, fileName, mimeType string, body io.Reader) (*FileRecord, error) {
	start := time.Now()
	rec, err := s.uploadFile(ctx, userID, fileName, mimeType, body)

	var size, rows int64
	if rec != nil {
		size, rows = rec.SizeBytes, rec.RowCount
	}
	s.metrics.RecordUpload(userID, time.Since(start).Milliseconds(), size, rows, err)
	return rec, err
}

func (s *Service) uploadFile(ctx context.Context, userID, fileName, mimeType string, body io.Reader) (*FileRecord, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, newError(KindValidation, "Invalid user id", err)
	}
	originalName := strings.TrimSpace(fileName)
	if _, ok := FormatForName(originalName); !ok {
		return nil, newError(KindValidation, MsgUnsupportedFormat, fmt.Errorf("%w: %q", ErrUnsupportedFormat, originalName))
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = MimeTypeForExt(originalName)
	}

	var loaded *FileRecord
	err := s.withUserLease(ctx, userID, func(ctx context.Context) error {
		obj, storedName, err := s.writeUpload(ctx, userID, originalName, body)
		if err != nil {
			return err
		}

		created, err := s.records.Create(ctx, FileRecord{
			UserID:       userID,
			OriginalName: originalName,
			StoredName:   storedName,
			MimeType:     mimeType,
			SizeBytes:    obj.Size,
			FilePath:     obj.Path,
			TableName:    DeriveTableName(originalName, userID),
			Columns:      []string{},
		})
		if err != nil {
			s.deleteBlobBestEffort(context.WithoutCancel(ctx), userID, obj.Path)
			return newError(KindStorage, MsgUploadFailed, fmt.Errorf("create record: %w", err))
		}

		loaded, err = s.loadRecord(ctx, created)
		if err != nil {
			s.compensateUpload(context.WithoutCancel(ctx), created)
			return err
		}
		s.archiveUpload(ctx, loaded)
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "upload failed", "user_id", userID, "file_name", originalName, "error", err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "upload completed",
		"user_id", userID,
		"file_id", loaded.ID,
		"table", loaded.TableName,
		"size_bytes", loaded.SizeBytes,
		"rows", loaded.RowCount,
	)
	return loaded, nil
}

// writeUpload picks a free stored name and streams body to it. The name's
// millisecond stamp is bumped while the name is taken.
func (s *Service) writeUpload(ctx context.Context, userID, originalName string, body io.Reader) (*BlobObjectInfo, string, error) {
	dir, err := s.blobs.UserDir(userID)
	if err != nil {
		return nil, "", newError(KindValidation, "Invalid user id", err)
	}

	now := s.now()
	storedName := StoredName(now, originalName)
	for attempt := 1; s.blobs.Exists(ctx, filepath.Join(dir, storedName)); attempt++ {
		if attempt >= maxStoredNameAttempts {
			return nil, "", newError(KindStorage, MsgUploadFailed, fmt.Errorf("%w: %s", ErrBlobExists, storedName))
		}
		storedName = StoredName(now.Add(time.Duration(attempt)*time.Millisecond), originalName)
	}

	obj, err := s.blobs.Write(ctx, userID, storedName, body)
	if err != nil {
		if errors.Is(err, ErrInvalidUserID) {
			return nil, "", newError(KindValidation, "Invalid user id", err)
		}
		return nil, "", newError(KindStorage, MsgUploadFailed, err)
	}
	return obj, storedName, nil
}

// compensateUpload undoes a half-finished upload. Each step is best effort
// and logged; the caller still reports the original failure.
func (s *Service) compensateUpload(ctx context.Context, rec *FileRecord) {
	if _, err := s.records.DeleteByIDAndUser(ctx, rec.ID, rec.UserID); err != nil {
		s.logger.ErrorContext(ctx, "upload compensation: record delete failed",
			"user_id", rec.UserID,
			"file_id", rec.ID,
			"error", err,
		)
	}
	s.deleteBlobBestEffort(ctx, rec.UserID, rec.FilePath)
	if err := s.releaseTable(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "upload compensation: table release failed",
			"user_id", rec.UserID,
			"table", rec.TableName,
			"error", err,
		)
	}
}

func (s *Service) deleteBlobBestEffort(ctx context.Context, userID, path string) {
	if err := s.blobs.Delete(ctx, path); err != nil {
		s.logger.WarnContext(ctx, "file delete failed", "user_id", userID, "path", path, "error", err)
	}
}
