package engine

import (
	"context"
	"testing"

	"content-engine/internal/models"
	"content-engine/internal/store"
)

func seedJob(t *testing.T, st *fakeStore, jobType string, payload map[string]any) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		Tenant:  "acme",
		Type:    jobType,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestMatcherScanFindsTokenInPayload(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	other := seedJob(t, st, models.TypeVideoGenerate, map[string]any{"task_id": "task-zzz"})
	want := seedJob(t, st, models.TypeVideoGenerate, map[string]any{"task_id": "task-123"})

	m := NewMatcher(st, nil, 50, testLogger())
	got, ok, err := m.Match(ctx, []string{"task-123"}, models.TypeVideoGenerate)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok || got.ID != want.ID {
		t.Fatalf("expected %s, got ok=%v id=%s", want.ID, ok, got.ID)
	}
	if got.ID == other.ID {
		t.Fatal("matched the wrong job")
	}
}

func TestMatcherNoTokensNoMatch(t *testing.T) {
	st := newFakeStore()
	seedJob(t, st, models.TypeVideoGenerate, map[string]any{"task_id": "task-123"})
	m := NewMatcher(st, nil, 50, testLogger())

	_, ok, err := m.Match(context.Background(), nil, models.TypeVideoGenerate)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if ok {
		t.Fatal("expected no match for empty token set")
	}
}

func TestMatcherIgnoresTerminalJobs(t *testing.T) {
	st := newFakeStore()
	job := seedJob(t, st, models.TypeVideoGenerate, map[string]any{"task_id": "task-123"})
	job.Status = models.StatusCompleted
	st.setJob(job)

	m := NewMatcher(st, nil, 50, testLogger())
	_, ok, err := m.Match(context.Background(), []string{"task-123"}, models.TypeVideoGenerate)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if ok {
		t.Fatal("terminal jobs must not be matchable")
	}
}

func TestMatcherIgnoresOtherTypes(t *testing.T) {
	st := newFakeStore()
	seedJob(t, st, models.TypeImageGenerate, map[string]any{"task_id": "task-123"})

	m := NewMatcher(st, nil, 50, testLogger())
	_, ok, err := m.Match(context.Background(), []string{"task-123"}, models.TypeVideoGenerate)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if ok {
		t.Fatal("jobs of other types must not be matchable")
	}
}

func TestMatcherIndexFastPath(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job := seedJob(t, st, models.TypeVideoGenerate, map[string]any{"task_id": "task-123"})

	idx := newFakeIndex()
	if err := idx.Put(ctx, "task-123", job.ID); err != nil {
		t.Fatalf("index put: %v", err)
	}

	// scan limit 0 would still default to a working scan, so prove the index
	// is used by pointing it at a token the payload does not carry anymore
	m := NewMatcher(st, idx, 50, testLogger())
	got, ok, err := m.Match(ctx, []string{"task-123"}, models.TypeVideoGenerate)
	if err != nil || !ok {
		t.Fatalf("match via index failed: ok=%v err=%v", ok, err)
	}
	if got.ID != job.ID {
		t.Fatalf("expected %s, got %s", job.ID, got.ID)
	}
}

func TestMatcherStaleIndexFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job := seedJob(t, st, models.TypeVideoGenerate, map[string]any{"task_id": "task-123"})

	idx := newFakeIndex()
	// stale entry pointing at a deleted job
	if err := idx.Put(ctx, "task-123", "gone"); err != nil {
		t.Fatalf("index put: %v", err)
	}

	m := NewMatcher(st, idx, 50, testLogger())
	got, ok, err := m.Match(ctx, []string{"task-123"}, models.TypeVideoGenerate)
	if err != nil || !ok {
		t.Fatalf("fallback scan failed: ok=%v err=%v", ok, err)
	}
	if got.ID != job.ID {
		t.Fatalf("expected %s, got %s", job.ID, got.ID)
	}
}
