package dataset

import (
	"context"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile(t *testing.T) {
	t.Run("orphan_record_is_removed", testReconcileOrphan)
	t.Run("manual_file_is_discovered", testReconcileDiscovery)
	t.Run("manual_xlsx_is_discovered", testReconcileDiscoveryExcel)
	t.Run("restart_reloads_every_record", testReconcileRestart)
	t.Run("second_pass_is_a_no_op", testReconcileIdempotent)
	t.Run("failed_reload_marks_unloaded", testReconcileFailedReload)
	t.Run("unsupported_and_hidden_files_ignored", testReconcileIgnoresFiles)
	t.Run("records_without_directory", testReconcileRecordsWithoutDirectory)
	t.Run("moved_file_is_rediscovered_in_one_pass", testReconcileStalePathRediscovered)
	t.Run("sync_returns_refreshed_list", testSyncFilesList)
	t.Run("canceled_context", testReconcileCanceled)
}

func actionsOf(report *ReconcileReport) []string {
	out := make([]string, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		out = append(out, o.UserID+":"+o.StoredName+":"+string(o.Action))
	}
	sort.Strings(out)
	return out
}

func testReconcileOrphan(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	rec, err := h.Service().UploadFile(ctx, "alice", "sales.csv", "", strings.NewReader(salesCSV))
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.FilePath))

	files, report, err := h.Service().SyncFiles(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, 1, report.Orphaned)
	assert.Equal(t, []string{"alice:" + rec.StoredName + ":orphaned"}, actionsOf(report))

	tables, err := h.Engine().ListTables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, rec.TableName)

	schema, err := h.Service().GetUserSchema(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, NoDataSchema, schema)
}

func testReconcileDiscovery(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	path := h.WriteUserFile("alice", "Q3 Report.csv", salesCSV)

	files, report, err := h.Service().SyncFiles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discovered)
	require.Len(t, files, 1)

	rec := files[0]
	assert.Equal(t, "Q3 Report.csv", rec.StoredName)
	assert.Equal(t, "Q3 Report.csv", rec.OriginalName)
	assert.Equal(t, path, rec.FilePath)
	assert.Equal(t, DeriveTableName("Q3 Report.csv", "alice"), rec.TableName)
	assert.True(t, strings.HasSuffix(rec.TableName, "_q3_report"))
	assert.True(t, rec.IsLoaded)
	assert.EqualValues(t, 3, rec.RowCount)
	assert.EqualValues(t, len(salesCSV), rec.SizeBytes)

	n, err := h.Engine().RowCount(ctx, rec.TableName)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func testReconcileDiscoveryExcel(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	RequireExcel(t, h.Engine())

	data, err := os.ReadFile(excelFixturePath(t))
	require.NoError(t, err)
	h.WriteUserFile("alice", "budget.xlsx", string(data))

	files, report, err := h.Service().SyncFiles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discovered)
	require.Len(t, files, 1)
	assert.True(t, files[0].IsLoaded)
	assert.EqualValues(t, 3, files[0].RowCount)
}

func testReconcileRestart(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	a, err := h.Service().UploadFile(ctx, "alice", "sales.csv", "", strings.NewReader(salesCSV))
	require.NoError(t, err)
	b, err := h.Service().UploadFile(ctx, "bob", "costs.csv", "", strings.NewReader("item,cost\nx,1\n"))
	require.NoError(t, err)
	h.WriteUserFile("carol", "manual.csv", "k\n1\n2\n")

	restarted := h.Restart()
	tables, err := restarted.Engine().ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables, "a fresh engine starts empty")

	report, err := restarted.Service().ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Users)
	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, 1, report.Discovered)
	assert.Zero(t, report.Failed)

	tables, err = restarted.Engine().ListTables(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.TableName, b.TableName, DeriveTableName("manual.csv", "carol")}, tables)

	schema, err := restarted.Service().GetUserSchema(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, schema, a.TableName)
	assert.NotContains(t, schema, b.TableName)
}

func testReconcileIdempotent(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	h.WriteUserFile("alice", "one.csv", "a\n1\n")
	h.WriteUserFile("alice", "two.csv", "b\n2\n")

	first, err := h.Service().ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Discovered)

	second, err := h.Service().ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Unchanged)
	assert.Zero(t, second.Loaded+second.Discovered+second.Orphaned+second.Failed)

	recs, err := h.Records().FindByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func testReconcileFailedReload(t *testing.T) {
	ctx := context.Background()
	fault := &faultEngine{}
	h := NewTestHarness(t).WithEngineWrapper(withFaultEngine(fault)).Setup()

	rec, err := h.Service().UploadFile(ctx, "alice", "sales.csv", "", strings.NewReader(salesCSV))
	require.NoError(t, err)
	require.NoError(t, h.Engine().DropTable(ctx, rec.TableName))

	fault.failLoads.Store(true)
	report, err := h.Service().ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := h.Records().FindByIDAndUser(ctx, rec.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got, "a failed reload keeps the record")
	assert.False(t, got.IsLoaded)

	schema, err := h.Service().GetUserSchema(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, NoDataSchema, schema)

	fault.failLoads.Store(false)
	report, err = h.Service().ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	got, err = h.Records().FindByIDAndUser(ctx, rec.ID, "alice")
	require.NoError(t, err)
	assert.True(t, got.IsLoaded)
}

func testReconcileIgnoresFiles(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()
	h.WriteUserFile("alice", "notes.txt", "hello")
	h.WriteUserFile("alice", ".hidden.csv", "a\n1\n")
	h.WriteUserFile("alice", "data.csv.tmp-123", "a\n1\n")
	h.WriteUserFile(".trash", "x.csv", "a\n1\n")

	report, err := h.Service().ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Discovered)
	assert.Empty(t, report.Outcomes)

	recs, err := h.Records().FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testReconcileRecordsWithoutDirectory(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	rec, err := h.Records().Create(ctx, sampleRecord("ghost", "1_gone.csv"))
	require.NoError(t, err)

	report, err := h.Service().ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Users)
	assert.Equal(t, 1, report.Orphaned)

	got, err := h.Records().FindByIDAndUser(ctx, rec.ID, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testReconcileStalePathRediscovered(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	const stored = "1700000000000_sales.csv"
	path := h.WriteUserFile("alice", stored, salesCSV)
	stale := sampleRecord("alice", stored)
	stale.FilePath = "/old-mount/alice/" + stored
	stale.IsLoaded = true
	old, err := h.Records().Create(ctx, stale)
	require.NoError(t, err)

	files, report, err := h.Service().SyncFiles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)
	assert.Equal(t, 1, report.Discovered)
	require.Len(t, files, 1)

	rec := files[0]
	assert.NotEqual(t, old.ID, rec.ID)
	assert.Equal(t, path, rec.FilePath)
	assert.Equal(t, "sales.csv", rec.OriginalName)
	assert.True(t, rec.IsLoaded)
	assert.EqualValues(t, 3, rec.RowCount)

	n, err := h.Engine().RowCount(ctx, rec.TableName)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func testSyncFilesList(t *testing.T) {
	ctx := context.Background()
	h := NewTestHarness(t).Setup()

	uploaded, err := h.Service().UploadFile(ctx, "alice", "sales.csv", "", strings.NewReader(salesCSV))
	require.NoError(t, err)
	h.WriteUserFile("alice", "extra.csv", "a\n1\n")
	h.WriteUserFile("bob", "theirs.csv", "a\n1\n")

	files, report, err := h.Service().SyncFiles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 1, report.Discovered)
	require.Len(t, files, 2)

	ids := []string{files[0].ID, files[1].ID}
	assert.Contains(t, ids, uploaded.ID)

	bobs, err := h.Records().FindByUser(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobs, "sync touches only the caller's files")
}

func testReconcileCanceled(t *testing.T) {
	h := NewTestHarness(t).Setup()
	h.WriteUserFile("alice", "one.csv", "a\n1\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Service().ReconcileAll(ctx)
	require.Error(t, err)
}
