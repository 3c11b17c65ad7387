package dataset

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

// AppMetrics receives one observation per request, upload, query and
// reconciliation pass. Implementations must be safe for concurrent use.
type AppMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordUpload(userID string, latencyMS int64, sizeBytes int64, rowCount int64, err error)
	RecordQuery(userID string, latencyMS int64, rowCount int, err error)
	RecordReconcile(scope string, latencyMS int64, report *ReconcileReport, err error)
	Snapshot() MetricsSnapshot
}

// OpStats counts outcomes and latency of one kind of operation.
type OpStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

func (s *OpStats) observe(latencyMS int64, failed bool) {
	latencyMS = max(latencyMS, 0)
	s.Count++
	if failed {
		s.ErrorCount++
	}
	s.LatencySumMS += latencyMS
	if s.Count == 1 || latencyMS < s.LatencyMinMS {
		s.LatencyMinMS = latencyMS
	}
	s.LatencyMaxMS = max(s.LatencyMaxMS, latencyMS)
}

type UploadStats struct {
	OpStats
	TotalBytes int64 `json:"total_bytes"`
	TotalRows  int64 `json:"total_rows"`
}

type QueryStats struct {
	OpStats
	TotalRows int64 `json:"total_rows"`
}

type ReconcileStats struct {
	OpStats
	TotalLoaded     int64 `json:"total_loaded"`
	TotalOrphaned   int64 `json:"total_orphaned"`
	TotalDiscovered int64 `json:"total_discovered"`
	TotalFailed     int64 `json:"total_failed"`
}

type RecentRequest struct {
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	At        time.Time `json:"at"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNS      uint64 `json:"gc_pause_ns"`
}

// MetricsSnapshot is a point-in-time copy; callers may mutate it freely.
type MetricsSnapshot struct {
	Routes         map[string]OpStats        `json:"routes"`
	Uploads        map[string]UploadStats    `json:"uploads"`
	Queries        map[string]QueryStats     `json:"queries"`
	Reconciles     map[string]ReconcileStats `json:"reconciles"`
	RecentRequests []RecentRequest           `json:"recent_requests"`
	Runtime        RuntimeStats              `json:"runtime"`
	StartedAt      time.Time                 `json:"started_at"`
	UptimeSeconds  int64                     `json:"uptime_seconds"`
}

// NoopAppMetrics discards everything.
type NoopAppMetrics struct{}

func (NoopAppMetrics) RecordRequest(string, string, int, int64) {}
func (NoopAppMetrics) RecordUpload(string, int64, int64, int64, error) {}
func (NoopAppMetrics) RecordQuery(string, int64, int, error) {}
func (NoopAppMetrics) RecordReconcile(string, int64, *ReconcileReport, error) {}
func (NoopAppMetrics) Snapshot() MetricsSnapshot { return MetricsSnapshot{} }

const appMetricsRecentCapacity = 200

// InMemAppMetrics keeps per-key counters in process memory plus the most
// recent requests, oldest first.
type InMemAppMetrics struct {
	mu         sync.Mutex
	routes     map[string]OpStats
	uploads    map[string]UploadStats
	queries    map[string]QueryStats
	reconciles map[string]ReconcileStats
	recent     []RecentRequest
	startedAt  time.Time
}

func NewInMemAppMetrics() *InMemAppMetrics {
	return &InMemAppMetrics{
		routes:     make(map[string]OpStats),
		uploads:    make(map[string]UploadStats),
		queries:    make(map[string]QueryStats),
		reconciles: make(map[string]ReconcileStats),
		recent:     make([]RecentRequest, 0, appMetricsRecentCapacity),
		startedAt:  time.Now().UTC(),
	}
}

func (m *InMemAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}
	method = strings.ToUpper(normalizeMetricsKey(method))
	if path = strings.TrimSpace(path); path == "" {
		path = "/"
	}
	entry := RecentRequest{
		Method:    method,
		Path:      path,
		Status:    status,
		LatencyMS: max(latencyMS, 0),
		At:        time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := method + " " + path
	s := m.routes[key]
	s.observe(latencyMS, status >= 400)
	m.routes[key] = s

	if len(m.recent) == appMetricsRecentCapacity {
		copy(m.recent, m.recent[1:])
		m.recent = m.recent[:len(m.recent)-1]
	}
	m.recent = append(m.recent, entry)
}

func (m *InMemAppMetrics) RecordUpload(userID string, latencyMS int64, sizeBytes int64, rowCount int64, err error) {
	if m == nil {
		return
	}
	key := normalizeMetricsKey(userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.uploads[key]
	s.observe(latencyMS, err != nil)
	s.TotalBytes += max(sizeBytes, 0)
	s.TotalRows += max(rowCount, 0)
	m.uploads[key] = s
}

func (m *InMemAppMetrics) RecordQuery(userID string, latencyMS int64, rowCount int, err error) {
	if m == nil {
		return
	}
	key := normalizeMetricsKey(userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.queries[key]
	s.observe(latencyMS, err != nil)
	s.TotalRows += int64(max(rowCount, 0))
	m.queries[key] = s
}

func (m *InMemAppMetrics) RecordReconcile(scope string, latencyMS int64, report *ReconcileReport, err error) {
	if m == nil {
		return
	}
	key := normalizeMetricsKey(scope)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.reconciles[key]
	s.observe(latencyMS, err != nil)
	if report != nil {
		s.TotalLoaded += int64(report.Loaded)
		s.TotalOrphaned += int64(report.Orphaned)
		s.TotalDiscovered += int64(report.Discovered)
		s.TotalFailed += int64(report.Failed)
	}
	m.reconciles[key] = s
}

func (m *InMemAppMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	snap := MetricsSnapshot{
		Routes:         cloneStats(m.routes),
		Uploads:        cloneStats(m.uploads),
		Queries:        cloneStats(m.queries),
		Reconciles:     cloneStats(m.reconciles),
		RecentRequests: append([]RecentRequest{}, m.recent...),
		StartedAt:      m.startedAt,
	}
	m.mu.Unlock()

	snap.UptimeSeconds = int64(time.Since(snap.StartedAt).Seconds())
	// ReadMemStats stops the world, so it runs outside m.mu.
	snap.Runtime = readRuntimeStats()
	return snap
}

func readRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		HeapAllocBytes: ms.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          ms.NumGC,
		GCPauseNS:      ms.PauseTotalNs,
	}
}

func normalizeMetricsKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}

func cloneStats[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
