package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// Test convention: replicas sharing storage use WithDataDir and
// WithRecordStore with the same values; each harness still opens its own
// engine, like a separate process would.

// TestHarness provides a fluent API for setting up a Service over a temp
// data directory, an in-memory record store and a fresh DuckDB engine.
//
// Example:
//
//	h := NewTestHarness(t).Setup()
//	defer h.Cleanup()
//
//	rec, err := h.Service().UploadFile(ctx, "u1", "sales.csv", "", strings.NewReader(csv))
type TestHarness struct {
	t *testing.T

	dataDir      string
	records      RecordStore
	wrapEngine   func(Engine) Engine
	extraOptions []ServiceOption

	blobs   *LocalBlobStore
	engine  *DuckDBEngine
	service *Service

	initialized bool
	cleanedUp   bool
}

func NewTestHarness(t *testing.T) *TestHarness {
	return &TestHarness{t: t}
}

// WithDataDir shares a data directory between harnesses.
func (h *TestHarness) WithDataDir(dir string) *TestHarness {
	h.dataDir = dir
	return h
}

// WithRecordStore shares a record store between harnesses.
func (h *TestHarness) WithRecordStore(store RecordStore) *TestHarness {
	h.records = store
	return h
}

// WithEngineWrapper decorates the engine the service sees, for fault injection.
func (h *TestHarness) WithEngineWrapper(wrap func(Engine) Engine) *TestHarness {
	h.wrapEngine = wrap
	return h
}

// WithOptions adds service options applied after the harness defaults.
func (h *TestHarness) WithOptions(opts ...ServiceOption) *TestHarness {
	h.extraOptions = append(h.extraOptions, opts...)
	return h
}

func (h *TestHarness) Setup() *TestHarness {
	if h.initialized {
		h.t.Fatal("Harness already initialized")
	}

	if h.dataDir == "" {
		h.dataDir = filepath.Join(h.t.TempDir(), "data")
	}
	if err := os.MkdirAll(h.dataDir, 0o755); err != nil {
		h.t.Fatalf("Failed to create data dir: %v", err)
	}

	blobs, err := NewLocalBlobStore(h.dataDir)
	if err != nil {
		h.t.Fatalf("Failed to create blob store: %v", err)
	}
	h.blobs = blobs

	if h.records == nil {
		h.records = NewMemoryRecordStore()
	}

	engine, err := OpenDuckDBEngine(context.Background(), TestEngineConfig())
	if err != nil {
		h.t.Fatalf("Failed to open engine: %v", err)
	}
	h.engine = engine

	var svcEngine Engine = engine
	if h.wrapEngine != nil {
		svcEngine = h.wrapEngine(engine)
	}

	opts := append([]ServiceOption{WithReconcileParallelism(2)}, h.extraOptions...)
	h.service = NewService(h.blobs, h.records, svcEngine, opts...)

	h.initialized = true
	h.t.Cleanup(h.Cleanup)
	return h
}

// Cleanup closes the engine. Temp directories are removed by t.TempDir().
func (h *TestHarness) Cleanup() {
	if h.cleanedUp {
		return
	}
	if h.engine != nil {
		_ = h.engine.Close()
		h.engine = nil
	}
	h.cleanedUp = true
}

// Restart simulates a process restart: the engine is replaced with an empty
// one while files and records survive.
func (h *TestHarness) Restart() *TestHarness {
	h.mustBeInitialized()
	next := NewTestHarness(h.t).
		WithDataDir(h.dataDir).
		WithRecordStore(h.records).
		WithEngineWrapper(h.wrapEngine).
		WithOptions(h.extraOptions...)
	h.Cleanup()
	return next.Setup()
}

func (h *TestHarness) Service() *Service {
	h.mustBeInitialized()
	return h.service
}

func (h *TestHarness) Engine() *DuckDBEngine {
	h.mustBeInitialized()
	return h.engine
}

func (h *TestHarness) Records() RecordStore {
	h.mustBeInitialized()
	return h.records
}

func (h *TestHarness) Blobs() *LocalBlobStore {
	h.mustBeInitialized()
	return h.blobs
}

func (h *TestHarness) DataDir() string {
	return h.dataDir
}

// WriteUserFile drops a file straight into a user's directory, the way an
// operator copying files onto the volume would.
func (h *TestHarness) WriteUserFile(userID, name, content string) string {
	h.mustBeInitialized()
	dir := filepath.Join(h.dataDir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.t.Fatalf("Failed to create user dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("Failed to write user file: %v", err)
	}
	return path
}

func (h *TestHarness) mustBeInitialized() {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
}

// TestEngineConfig is the engine setup shared by tests. Extensions load from
// the provisioned DefaultExtensionDir; set TOASTER_TEST_DUCKDB_ONLINE=1 to let
// DuckDB install missing ones (excel) on first use.
func TestEngineConfig() EngineConfig {
	return EngineConfig{
		MemoryLimit:       "256MB",
		ExtensionDir:      ResolveExtensionDir(),
		OfflineExtensions: os.Getenv("TOASTER_TEST_DUCKDB_ONLINE") == "",
		ExcelEnabled:      true,
	}
}

// RequireExcel skips t when the engine could not load the excel extension.
func RequireExcel(t testing.TB, engine *DuckDBEngine) {
	t.Helper()
	if !engine.ExcelAvailable() {
		t.Skip("excel extension not provisioned; install it into " + DefaultExtensionDir + " or set TOASTER_TEST_DUCKDB_ONLINE=1")
	}
}
