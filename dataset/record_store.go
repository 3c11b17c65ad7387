package dataset

import (
	"context"
	"time"
)

// FileRecord is the durable metadata for one uploaded or discovered file.
type FileRecord struct {
	ID           string    `json:"id" bson:"-"`
	UserID       string    `json:"userId" bson:"userId"`
	OriginalName string    `json:"originalName" bson:"originalName"`
	StoredName   string    `json:"storedName" bson:"storedName"`
	MimeType     string    `json:"mimeType" bson:"mimeType"`
	SizeBytes    int64     `json:"sizeBytes" bson:"sizeBytes"`
	FilePath     string    `json:"filePath" bson:"filePath"`
	TableName    string    `json:"tableName" bson:"tableName"`
	IsLoaded     bool      `json:"isLoaded" bson:"isLoaded"`
	Columns      []string  `json:"columns" bson:"columns"`
	RowCount     int64     `json:"rowCount" bson:"rowCount"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt" bson:"updatedAt"`
}

func (r *FileRecord) clone() *FileRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Columns = append([]string(nil), r.Columns...)
	return &out
}

// RecordStore persists FileRecords. Lookups that find nothing return
// (nil, nil) or false; errors are reserved for store failures. Create fails
// with ErrRecordExists when (UserID, StoredName) is taken.
//
// FindAll and DeleteByID are unscoped and only used by reconciliation.
type RecordStore interface {
	Create(ctx context.Context, rec FileRecord) (*FileRecord, error)
	FindAll(ctx context.Context) ([]FileRecord, error)
	FindByUser(ctx context.Context, userID string) ([]FileRecord, error)
	FindByIDAndUser(ctx context.Context, id, userID string) (*FileRecord, error)
	FindByStoredNameAndUser(ctx context.Context, storedName, userID string) (*FileRecord, error)
	UpdateLoaded(ctx context.Context, id string, columns []string, rowCount int64) (*FileRecord, error)
	MarkUnloaded(ctx context.Context, id string) error
	DeleteByIDAndUser(ctx context.Context, id, userID string) (bool, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
}
