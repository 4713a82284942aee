package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "usage.db"), BackendConfig{BatchSize: 10})
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func TestSQLiteRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()

	b.Enqueue(Record{
		Model:            "GLM-4.5",
		Credential:       "abcd...wxyz",
		RequestedAt:      now,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	})
	b.Enqueue(Record{
		Model:       "GLM-4.6",
		Credential:  "abcd...wxyz",
		RequestedAt: now,
		Failed:      true,
		FailureKind: "credential",
	})
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	stats, err := b.QueryGlobalStats(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("QueryGlobalStats: %v", err)
	}
	if stats.TotalRequests != 2 {
		t.Errorf("total requests = %d, want 2", stats.TotalRequests)
	}
	if stats.SuccessCount != 1 || stats.FailureCount != 1 {
		t.Errorf("success/failure = %d/%d, want 1/1", stats.SuccessCount, stats.FailureCount)
	}
	if stats.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", stats.TotalTokens)
	}
}

func TestSQLiteModelStats(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.Enqueue(Record{Model: "GLM-4.5", RequestedAt: now, TotalTokens: 10})
	}
	b.Enqueue(Record{Model: "GLM-4.6", RequestedAt: now, Failed: true})
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	models, err := b.QueryModelStats(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("QueryModelStats: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("model rows = %d, want 2", len(models))
	}
	// Ordered by request count descending.
	if models[0].Model != "GLM-4.5" || models[0].Requests != 3 {
		t.Errorf("top model = %+v", models[0])
	}
	if models[1].FailureCount != 1 {
		t.Errorf("GLM-4.6 failures = %d, want 1", models[1].FailureCount)
	}
}

func TestSQLiteCleanup(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -60)
	b.Enqueue(Record{Model: "GLM-4.5", RequestedAt: old})
	b.Enqueue(Record{Model: "GLM-4.5", RequestedAt: time.Now()})
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	deleted, err := b.Cleanup(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestNewBackendDSN(t *testing.T) {
	if _, err := NewBackend(BackendConfig{DSN: ""}); err == nil {
		t.Error("empty DSN must fail")
	}
	if _, err := NewBackend(BackendConfig{DSN: "mysql://nope"}); err == nil {
		t.Error("unknown scheme must fail")
	}
	b, err := NewBackend(BackendConfig{DSN: "sqlite://" + filepath.Join(t.TempDir(), "u.db")})
	if err != nil {
		t.Fatalf("sqlite DSN: %v", err)
	}
	_ = b.Stop()
}

func TestTrackerCounters(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track(Record{Model: "GLM-4.5", PromptTokens: 7, CompletionTokens: 3})
	tr.Track(Record{Model: "GLM-4.5", Failed: true})

	snap := tr.Counters()
	if snap.TotalRequests != 2 || snap.SuccessCount != 1 || snap.FailureCount != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.TotalTokens != 10 {
		t.Errorf("total tokens = %d, want 10 (derived from prompt+completion)", snap.TotalTokens)
	}
}

func TestNilTrackerIsNoOp(t *testing.T) {
	var tr *Tracker
	tr.Track(Record{Model: "GLM-4.5"})
	if snap := tr.Counters(); snap.TotalRequests != 0 {
		t.Errorf("nil tracker recorded: %+v", snap)
	}
	if err := tr.Stop(); err != nil {
		t.Errorf("nil tracker Stop: %v", err)
	}
}
