package dataset

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReconcileScopeAll names the startup pass over every user.
const ReconcileScopeAll = "all"

// ReconcileAction is what a pass did with one file.
type ReconcileAction string

const (
	ActionUnchanged  ReconcileAction = "unchanged"
	ActionLoaded     ReconcileAction = "loaded"
	ActionOrphaned   ReconcileAction = "orphaned"
	ActionDiscovered ReconcileAction = "discovered"
	ActionSkipped    ReconcileAction = "skipped"
	ActionFailed     ReconcileAction = "failed"
)

// FileOutcome is the per-file result of a reconcile pass.
type FileOutcome struct {
	UserID     string          `json:"userId"`
	FileID     string          `json:"fileId,omitempty"`
	StoredName string          `json:"storedName"`
	TableName  string          `json:"tableName,omitempty"`
	Action     ReconcileAction `json:"action"`
	Error      string          `json:"error,omitempty"`
}

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Scope      string        `json:"scope"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Users      int           `json:"users"`
	Unchanged  int           `json:"unchanged"`
	Loaded     int           `json:"loaded"`
	Orphaned   int           `json:"orphaned"`
	Discovered int           `json:"discovered"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Outcomes   []FileOutcome `json:"outcomes"`

	mu sync.Mutex
}

func newReconcileReport(scope string, now time.Time) *ReconcileReport {
	return &ReconcileReport{Scope: scope, StartedAt: now, Outcomes: []FileOutcome{}}
}

func (r *ReconcileReport) add(outcomes ...FileOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range outcomes {
		switch o.Action {
		case ActionUnchanged:
			r.Unchanged++
		case ActionLoaded:
			r.Loaded++
		case ActionOrphaned:
			r.Orphaned++
		case ActionDiscovered:
			r.Discovered++
		case ActionSkipped:
			r.Skipped++
		case ActionFailed:
			r.Failed++
		}
		r.Outcomes = append(r.Outcomes, o)
	}
}

// ReconcileAll runs a pass over every user that has records or a directory.
// It is the startup pass: the engine starts empty, so every surviving record
// is reloaded. Per-user failures are recorded and the pass moves on; an
// error is returned only when users cannot be enumerated or ctx ends.
func (s *Service) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()
	report := newReconcileReport(ReconcileScopeAll, s.now())
	err := s.reconcileAll(ctx, report)
	report.FinishedAt = s.now()
	s.metrics.RecordReconcile(ReconcileScopeAll, time.Since(start).Milliseconds(), report, err)

	attrs := []any{
		"users", report.Users,
		"unchanged", report.Unchanged,
		"loaded", report.Loaded,
		"orphaned", report.Orphaned,
		"discovered", report.Discovered,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"latency_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "reconcile incomplete", append(attrs, "error", err)...)
		return report, err
	}
	s.logger.InfoContext(ctx, "reconcile completed", attrs...)
	return report, nil
}

func (s *Service) reconcileAll(ctx context.Context, report *ReconcileReport) error {
	recs, err := s.records.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	dirs, err := s.blobs.ListUserDirectories(ctx)
	if err != nil {
		return fmt.Errorf("list user directories: %w", err)
	}

	seen := make(map[string]struct{}, len(dirs))
	users := make([]string, 0, len(dirs))
	for _, u := range dirs {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			users = append(users, u)
		}
	}
	for _, rec := range recs {
		if _, ok := seen[rec.UserID]; !ok {
			seen[rec.UserID] = struct{}{}
			users = append(users, rec.UserID)
		}
	}
	sort.Strings(users)
	report.Users = len(users)

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.withUserLease(ctx, userID, func(ctx context.Context) error {
			return s.reconcileUser(ctx, userID, report)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WarnContext(ctx, "reconcile user failed", "user_id", userID, "error", err)
			report.add(FileOutcome{UserID: userID, Action: ActionFailed, Error: err.Error()})
		}
	}
	return nil
}

// SyncFiles reconciles one user and returns their refreshed file list.
func (s *Service) SyncFiles(ctx context.Context, userID string) ([]FileRecord, *ReconcileReport, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, nil, newError(KindValidation, "Invalid user id", err)
	}

	start := time.Now()
	report := newReconcileReport(userID, s.now())
	report.Users = 1
	err := s.withUserLease(ctx, userID, func(ctx context.Context) error {
		return s.reconcileUser(ctx, userID, report)
	})
	report.FinishedAt = s.now()
	s.metrics.RecordReconcile("sync", time.Since(start).Milliseconds(), report, err)
	if err != nil {
		return nil, report, err
	}

	s.logger.InfoContext(ctx, "sync completed",
		"user_id", userID,
		"loaded", report.Loaded,
		"orphaned", report.Orphaned,
		"discovered", report.Discovered,
		"failed", report.Failed,
	)

	files, err := s.ListFiles(ctx, userID)
	if err != nil {
		return nil, report, err
	}
	return files, report, nil
}

// reconcileUser runs reclaim, then discovery, for one user. The caller holds
// the user's lease.
func (s *Service) reconcileUser(ctx context.Context, userID string, report *ReconcileReport) error {
	recs, err := s.records.FindByUser(ctx, userID)
	if err != nil {
		return newError(KindStorage, "Failed to read file records", fmt.Errorf("find records of %s: %w", userID, err))
	}
	tableList, err := s.engine.ListTables(ctx)
	if err != nil {
		return newError(KindStorage, "Failed to read engine tables", err)
	}
	tables := make(map[string]bool, len(tableList))
	for _, t := range tableList {
		tables[t] = true
	}

	reclaimed := s.forEach(len(recs), func(i int) FileOutcome {
		return s.reclaimRecord(ctx, &recs[i], tables)
	})
	report.add(reclaimed...)

	if ValidateUserID(userID) != nil {
		// Records can carry ids that were never directory names.
		return nil
	}
	// Orphans removed above no longer claim their stored name, so a file
	// that still sits under that name is discovered in this same pass.
	known := make(map[string]struct{}, len(reclaimed))
	for _, out := range reclaimed {
		if out.Action != ActionOrphaned {
			known[out.StoredName] = struct{}{}
		}
	}
	names, err := s.blobs.ListUserFiles(ctx, userID)
	if err != nil {
		return newError(KindStorage, "Failed to list user files", err)
	}
	candidates := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := known[name]; ok {
			continue
		}
		if _, ok := FormatForName(name); !ok {
			continue
		}
		candidates = append(candidates, name)
	}

	report.add(s.forEach(len(candidates), func(i int) FileOutcome {
		return s.discoverFile(ctx, userID, candidates[i])
	})...)
	return nil
}

// forEach runs fn over [0,n) with bounded parallelism. fn never fails the
// group; each slot carries its own outcome.
func (s *Service) forEach(n int, fn func(i int) FileOutcome) []FileOutcome {
	outcomes := make([]FileOutcome, n)
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			outcomes[i] = fn(i)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *Service) reclaimRecord(ctx context.Context, rec *FileRecord, tables map[string]bool) FileOutcome {
	out := FileOutcome{UserID: rec.UserID, FileID: rec.ID, StoredName: rec.StoredName, TableName: rec.TableName}

	if !s.blobs.Exists(ctx, rec.FilePath) {
		if err := ctx.Err(); err != nil {
			out.Action, out.Error = ActionFailed, err.Error()
			return out
		}
		return s.removeOrphan(ctx, rec, out)
	}
	if rec.IsLoaded && tables[rec.TableName] {
		out.Action = ActionUnchanged
		return out
	}

	if _, err := s.loadRecord(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "reload failed",
			"user_id", rec.UserID,
			"file_id", rec.ID,
			"table", rec.TableName,
			"error", err,
		)
		if rec.IsLoaded {
			s.markUnloaded(ctx, rec)
		}
		out.Action, out.Error = ActionFailed, err.Error()
		return out
	}
	out.Action = ActionLoaded
	return out
}

func (s *Service) removeOrphan(ctx context.Context, rec *FileRecord, out FileOutcome) FileOutcome {
	if err := s.releaseTable(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "orphan table release failed",
			"user_id", rec.UserID,
			"file_id", rec.ID,
			"table", rec.TableName,
			"error", err,
		)
	}
	if _, err := s.records.DeleteByID(ctx, rec.ID); err != nil {
		s.logger.ErrorContext(ctx, "orphan record delete failed",
			"user_id", rec.UserID,
			"file_id", rec.ID,
			"error", err,
		)
		out.Action, out.Error = ActionFailed, err.Error()
		return out
	}

	s.logger.InfoContext(ctx, "orphan record removed",
		"user_id", rec.UserID,
		"file_id", rec.ID,
		"stored_name", rec.StoredName,
		"table", rec.TableName,
	)
	out.Action = ActionOrphaned
	return out
}

func (s *Service) discoverFile(ctx context.Context, userID, storedName string) FileOutcome {
	out := FileOutcome{UserID: userID, StoredName: storedName}

	dir, err := s.blobs.UserDir(userID)
	if err != nil {
		out.Action, out.Error = ActionFailed, err.Error()
		return out
	}
	path := filepath.Join(dir, storedName)
	info, err := s.blobs.Stat(ctx, path)
	if err != nil {
		out.Action, out.Error = ActionFailed, err.Error()
		return out
	}

	original := ExtractOriginalName(storedName)
	rec, err := s.records.Create(ctx, FileRecord{
		UserID:       userID,
		OriginalName: original,
		StoredName:   storedName,
		MimeType:     MimeTypeForExt(storedName),
		SizeBytes:    info.Size,
		FilePath:     path,
		TableName:    DeriveTableName(original, userID),
		Columns:      []string{},
	})
	if err != nil {
		if errors.Is(err, ErrRecordExists) {
			out.Action = ActionSkipped
			return out
		}
		out.Action, out.Error = ActionFailed, err.Error()
		return out
	}
	out.FileID, out.TableName = rec.ID, rec.TableName

	if _, err := s.loadRecord(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "discovered file failed to load",
			"user_id", userID,
			"file_id", rec.ID,
			"stored_name", storedName,
			"error", err,
		)
		out.Action, out.Error = ActionFailed, err.Error()
		return out
	}

	s.logger.InfoContext(ctx, "discovered file registered",
		"user_id", userID,
		"file_id", rec.ID,
		"stored_name", storedName,
		"table", rec.TableName,
	)
	out.Action = ActionDiscovered
	return out
}
