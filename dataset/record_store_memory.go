package dataset

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRecordStore is a process-local RecordStore used when no Mongo URI is
// configured, and by tests.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]*FileRecord
	now     func() time.Time
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]*FileRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryRecordStore) Create(ctx context.Context, rec FileRecord) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.UserID == rec.UserID && existing.StoredName == rec.StoredName {
			return nil, ErrRecordExists
		}
	}

	now := s.now()
	rec.ID = uuid.NewString()
	rec.Columns = append([]string{}, rec.Columns...)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ID] = &rec
	return rec.clone(), nil
}

func (s *MemoryRecordStore) FindAll(ctx context.Context) ([]FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.collect(func(*FileRecord) bool { return true }), nil
}

func (s *MemoryRecordStore) FindByUser(ctx context.Context, userID string) ([]FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.collect(func(r *FileRecord) bool { return r.UserID == userID }), nil
}

func (s *MemoryRecordStore) FindByIDAndUser(ctx context.Context, id, userID string) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.UserID != userID {
		return nil, nil
	}
	return rec.clone(), nil
}

func (s *MemoryRecordStore) FindByStoredNameAndUser(ctx context.Context, storedName, userID string) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.UserID == userID && rec.StoredName == storedName {
			return rec.clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryRecordStore) UpdateLoaded(ctx context.Context, id string, columns []string, rowCount int64) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	rec.IsLoaded = true
	rec.Columns = append([]string{}, columns...)
	rec.RowCount = rowCount
	rec.UpdatedAt = s.now()
	return rec.clone(), nil
}

func (s *MemoryRecordStore) MarkUnloaded(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.IsLoaded = false
		rec.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemoryRecordStore) DeleteByIDAndUser(ctx context.Context, id, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.UserID != userID {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

func (s *MemoryRecordStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

// collect returns matching records newest first.
func (s *MemoryRecordStore) collect(match func(*FileRecord) bool) []FileRecord {
	s.mu.Lock()
	out := make([]FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, *rec.clone())
		}
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	return out
}

func sortNewestFirst(records []FileRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].StoredName > records[j].StoredName
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
