// Package usage tracks per-request token accounting: lock-free counters for
// the admin surface plus a batched persistence backend (SQLite or Postgres).
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record is one completed relay exchange.
type Record struct {
	Model       string
	Credential  string
	FailureKind string
	RequestedAt time.Time
	Failed      bool
	// Estimated marks token counts derived locally because the upstream
	// reported none.
	Estimated        bool
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	DurationMS       int64
}

// Backend is the persistence contract for usage records. Implementations must
// be safe for concurrent use.
type Backend interface {
	// Enqueue adds a record to the write queue without blocking.
	Enqueue(record Record)

	// Flush forces pending records to storage.
	Flush(ctx context.Context) error

	// QueryGlobalStats returns aggregate statistics since the given time.
	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)

	// QueryDailyStats returns per-day statistics since the given time.
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)

	// QueryHourlyStats returns per-hour-of-day statistics since the given time.
	QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error)

	// QueryModelStats returns per-model statistics since the given time.
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)

	// QueryCredentialStats returns per-credential statistics since the given
	// time. Credentials are stored redacted.
	QueryCredentialStats(ctx context.Context, since time.Time) ([]CredentialStats, error)

	// Cleanup removes records older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start begins the write and cleanup loops.
	Start() error

	// Stop shuts the backend down, flushing pending writes.
	Stop() error
}

// BackendConfig holds parameters for backend initialization.
type BackendConfig struct {
	// DSN selects the store: sqlite://path or postgres://...
	DSN string

	// BatchSize is the number of records batched per write.
	BatchSize int

	// FlushInterval is how often pending writes are flushed.
	FlushInterval time.Duration

	// RetentionDays is how many days of records to keep.
	RetentionDays int
}

// NewBackend creates the backend selected by the DSN scheme.
func NewBackend(cfg BackendConfig) (Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	switch {
	case dsn == "":
		return nil, fmt.Errorf("usage DSN is required (sqlite:// or postgres://)")
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteBackend(strings.TrimPrefix(dsn, "sqlite://"), cfg)
	case strings.HasPrefix(dsn, "sqlite3://"):
		return NewSQLiteBackend(strings.TrimPrefix(dsn, "sqlite3://"), cfg)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresBackend(dsn, cfg)
	default:
		return nil, fmt.Errorf("unsupported usage DSN scheme in %q", dsn)
	}
}
