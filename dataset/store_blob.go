package dataset

import (
	"context"
	"io"
	"time"
)

// BlobObjectInfo describes a stored dataset file.
type BlobObjectInfo struct {
	Path      string
	Name      string
	UpdatedAt time.Time
	Size      int64
}

// BlobStore is the durable per-user file store. Paths it returns are
// absolute and are the values persisted in FileRecord.FilePath.
type BlobStore interface {
	UserDir(userID string) (string, error)
	Write(ctx context.Context, userID, fileName string, r io.Reader) (*BlobObjectInfo, error)
	Exists(ctx context.Context, path string) bool
	Stat(ctx context.Context, path string) (*BlobObjectInfo, error)
	Delete(ctx context.Context, path string) error
	ListUserDirectories(ctx context.Context) ([]string, error)
	ListUserFiles(ctx context.Context, userID string) ([]string, error)
}
