package usage

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/zrelay/zrelay/internal/logging"
)

var statisticsEnabled atomic.Bool

func init() {
	statisticsEnabled.Store(true)
}

// SetStatisticsEnabled toggles whether records are collected.
func SetStatisticsEnabled(enabled bool) { statisticsEnabled.Store(enabled) }

// StatisticsEnabled reports the current recording state.
func StatisticsEnabled() bool { return statisticsEnabled.Load() }

// Tracker combines lock-free counters for the admin surface with a batched
// persistence backend. A nil Tracker is a no-op, so callers never need to
// branch on whether tracking is configured.
type Tracker struct {
	counters *Counters
	backend  Backend
}

// NewTracker wires counters over backend. backend may be nil for
// counters-only operation.
func NewTracker(backend Backend) *Tracker {
	return &Tracker{
		counters: NewCounters(),
		backend:  backend,
	}
}

// Track records one completed exchange.
func (t *Tracker) Track(record Record) {
	if t == nil || !statisticsEnabled.Load() {
		return
	}
	if record.RequestedAt.IsZero() {
		record.RequestedAt = time.Now()
	}
	if record.Model == "" {
		record.Model = "unknown"
	}
	if record.TotalTokens == 0 {
		record.TotalTokens = record.PromptTokens + record.CompletionTokens
	}

	t.counters.Record(record.Failed, record.TotalTokens)
	if t.backend != nil {
		t.backend.Enqueue(record)
	}
}

// Counters returns the current counter snapshot.
func (t *Tracker) Counters() CounterSnapshot {
	if t == nil {
		return CounterSnapshot{}
	}
	return t.counters.Snapshot()
}

// Backend returns the backend for query operations, or nil.
func (t *Tracker) Backend() Backend {
	if t == nil {
		return nil
	}
	return t.backend
}

// Stop flushes and shuts down the backend.
func (t *Tracker) Stop() error {
	if t == nil || t.backend == nil {
		return nil
	}
	return t.backend.Stop()
}

// Initialize builds a tracker over the configured backend, starts its loops,
// and seeds the counters from history.
func Initialize(cfg BackendConfig) (*Tracker, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Start(); err != nil {
		return nil, err
	}

	tracker := NewTracker(backend)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := backend.QueryGlobalStats(ctx, time.Time{})
	if err != nil {
		log.Warnf("usage: bootstrap from history failed: %v", err)
	} else if stats != nil {
		tracker.counters.Bootstrap(stats.TotalRequests, stats.SuccessCount, stats.FailureCount, stats.TotalTokens)
		log.Infof("usage: bootstrapped counters with %d requests, %d tokens", stats.TotalRequests, stats.TotalTokens)
	}

	return tracker, nil
}
