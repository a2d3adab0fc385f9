package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// no migration is applied twice.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied migrations = %v, want 2", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_messages_thread",
		"idx_jobs_claim",
		"idx_context_vectors_source_file",
		"idx_history_entries_key_score",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "ingest_embed",
		PayloadJSON: `{"doc_id":"d1"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"ingest_embed"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" || got.Type != "ingest_embed" {
		t.Errorf("claimed %+v", got)
	}
	if got.PayloadJSON != `{"doc_id":"d1"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != JobRunning {
		t.Errorf("Status = %q, want %q", got.Status, JobRunning)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"ingest_embed"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "j-future", Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilterAndSkipsRunning(t *testing.T) {
	s := openTestStore(t)

	for _, j := range []Job{
		{ID: "j-a1", Type: "a", PayloadJSON: `{}`},
		{ID: "j-b", Type: "b", PayloadJSON: `{}`},
	} {
		if err := s.EnqueueJob(j); err != nil {
			t.Fatalf("EnqueueJob %s: %v", j.ID, err)
		}
	}

	first, err := s.ClaimNextJob([]string{"a"})
	if err != nil || first == nil || first.ID != "j-a1" {
		t.Fatalf("first claim = %+v, %v", first, err)
	}

	if err := s.EnqueueJob(Job{ID: "j-a2", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	second, err := s.ClaimNextJob([]string{"a"})
	if err != nil || second == nil || second.ID != "j-a2" {
		t.Fatalf("second claim = %+v, %v", second, err)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	j, err := s.GetJob("j-complete")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobCompleted {
		t.Errorf("status = %q, want %q", j.Status, JobCompleted)
	}
	if err := s.CompleteJob("missing"); err != ErrNotFound {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_BacksOffThenDies(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC().Truncate(time.Second)
	dead, err := s.FailJob("j-fail", "something broke")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if dead {
		t.Error("job dead after first failure, want rescheduled")
	}

	j, err := s.GetJob("j-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending || j.Attempts != 1 || j.LastError != "something broke" {
		t.Errorf("after first failure: %+v", j)
	}
	if !j.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", j.RunAfter, before)
	}

	dead, err = s.FailJob("j-fail", "still broken")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if !dead {
		t.Error("job not dead after max attempts")
	}
	j, _ = s.GetJob("j-fail")
	if j.Status != JobFailed {
		t.Errorf("status = %q, want %q", j.Status, JobFailed)
	}

	counts, err := s.CountJobs()
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts[JobFailed] != 1 {
		t.Errorf("CountJobs = %v, want one failed", counts)
	}
}

func TestPragmasApplied(t *testing.T) {
	s := openTestStore(t)

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}

	var timeout int
	if err := s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestDSN(t *testing.T) {
	got := dsn("/tmp/companion.db")
	want := "file:/tmp/companion.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	if got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}
