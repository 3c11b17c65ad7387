package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ArchiveStore keeps an off-box copy of uploaded files. Reconciliation never
// reads from it.
type ArchiveStore interface {
	Put(ctx context.Context, key, srcPath string) error
	Delete(ctx context.Context, key string) error
}

// S3ArchiveStore implements ArchiveStore using AWS S3.
type S3ArchiveStore struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3ArchiveStore creates an S3-backed archive. The prefix is optional and
// is prepended to all keys.
func NewS3ArchiveStore(client *s3.Client, bucket, prefix string) *S3ArchiveStore {
	return &S3ArchiveStore{
		Client: client,
		Bucket: bucket,
		Prefix: prefix,
	}
}

func (s *S3ArchiveStore) fullKey(key string) string {
	return s.Prefix + key
}

func (s *S3ArchiveStore) Put(ctx context.Context, key, srcPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive %s: stat: %w", key, err)
	}

	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(s.fullKey(key)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("archive %s: put object: %w", key, err)
	}
	return nil
}

// Delete removes the archived object. A missing object is not an error.
func (s *S3ArchiveStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var responseErr *smithyhttp.ResponseError
		if errors.As(err, &responseErr) && responseErr.HTTPStatusCode() == 404 {
			return nil
		}
		return fmt.Errorf("archive delete %s: %w", key, err)
	}
	return nil
}

func archiveKey(rec *FileRecord) string {
	return rec.UserID + "/" + rec.StoredName
}

func (s *Service) archiveUpload(ctx context.Context, rec *FileRecord) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Put(ctx, archiveKey(rec), rec.FilePath); err != nil {
		s.logger.WarnContext(ctx, "archive upload failed", "user_id", rec.UserID, "file_id", rec.ID, "error", err)
	}
}

func (s *Service) archiveDelete(ctx context.Context, rec *FileRecord) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Delete(ctx, archiveKey(rec)); err != nil {
		s.logger.WarnContext(ctx, "archive delete failed", "user_id", rec.UserID, "file_id", rec.ID, "error", err)
	}
}
