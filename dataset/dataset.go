package dataset

import (
	"log/slog"
	"time"
)

const (
	DefaultQueryLimit           = 100
	defaultReconcileParallelism = 4
)

// Service keeps the file store, the record store and the analytical engine
// coherent. Every user-facing operation takes the caller's user id and only
// touches that user's files.
type Service struct {
	blobs   BlobStore
	records RecordStore
	engine  Engine
	archive ArchiveStore

	leases    UserLeaseManager
	leaseTTL  time.Duration
	leaseWait time.Duration

	parallelism       int
	defaultQueryLimit int

	logger  *slog.Logger
	metrics AppMetrics
	now     func() time.Time
}

// ServiceOption configures Service instances.
type ServiceOption func(*Service)

// WithArchive mirrors uploads to a secondary store.
func WithArchive(archive ArchiveStore) ServiceOption {
	return func(s *Service) {
		s.archive = archive
	}
}

// WithUserLeaseManager sets the lease manager for per-user coordination.
func WithUserLeaseManager(mgr UserLeaseManager) ServiceOption {
	return func(s *Service) {
		if mgr == nil {
			s.leases = NewInMemoryUserLeaseManager()
			return
		}
		s.leases = mgr
	}
}

// WithUserLeaseTTL sets the TTL for user leases.
func WithUserLeaseTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl <= 0 {
			s.leaseTTL = defaultUserLeaseTTL
			return
		}
		s.leaseTTL = ttl
	}
}

// WithUserLeaseWait bounds how long an operation waits for a busy user.
func WithUserLeaseWait(wait time.Duration) ServiceOption {
	return func(s *Service) {
		if wait >= 0 {
			s.leaseWait = wait
		}
	}
}

// WithReconcileParallelism caps concurrent file work within a reconcile phase.
func WithReconcileParallelism(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithDefaultQueryLimit sets the row cap appended to queries without LIMIT.
func WithDefaultQueryLimit(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.defaultQueryLimit = n
		}
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics AppMetrics) ServiceOption {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock replaces the wall clock used for stored names and report stamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the three stores together.
func NewService(blobs BlobStore, records RecordStore, engine Engine, opts ...ServiceOption) *Service {
	s := &Service{
		blobs:             blobs,
		records:           records,
		engine:            engine,
		leases:            NewInMemoryUserLeaseManager(),
		leaseTTL:          defaultUserLeaseTTL,
		leaseWait:         defaultUserLeaseWait,
		parallelism:       defaultReconcileParallelism,
		defaultQueryLimit: DefaultQueryLimit,
		logger:            slog.Default(),
		metrics:           NoopAppMetrics{},
		now:               func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Metrics returns the metrics sink the service records into.
func (s *Service) Metrics() AppMetrics {
	return s.metrics
}
