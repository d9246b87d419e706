package store

import (
	"testing"
	"time"
)

func seedItems(t *testing.T, db *DB, jobID string, numbers ...int) {
	t.Helper()
	items := make([]JobItem, len(numbers))
	for i, n := range numbers {
		items[i] = JobItem{JobID: jobID, IssueNumber: n, Title: "issue", Body: "body"}
	}
	if err := db.UpsertJobItems(items); err != nil {
		t.Fatalf("UpsertJobItems failed: %v", err)
	}
}

func TestUpsertJobItemsIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo, _ := db.CreateRepo("o", "r")
	createTestJob(t, db, repo.ID, "job-1", StatusFetching)

	seedItems(t, db, "job-1", 1, 2, 3)

	claimed, err := db.ClaimItems("job-1", 1, 3, time.Now())
	if err != nil {
		t.Fatalf("ClaimItems failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed item, got %d", len(claimed))
	}

	// Re-upserting refreshes text but keeps processing state.
	if err := db.UpsertJobItems([]JobItem{
		{JobID: "job-1", IssueNumber: 1, Title: "renamed", Body: "new body"},
		{JobID: "job-1", IssueNumber: 4, Title: "four"},
	}); err != nil {
		t.Fatalf("UpsertJobItems failed: %v", err)
	}

	items, err := db.ListJobItems("job-1", ItemFilter{})
	if err != nil {
		t.Fatalf("ListJobItems failed: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	if items[0].Title != "renamed" || items[0].Body != "new body" {
		t.Errorf("expected refreshed text, got %+v", items[0])
	}
	if items[0].Status != ItemProcessing {
		t.Errorf("expected status kept as processing, got %s", items[0].Status)
	}
	if items[3].Status != ItemPending {
		t.Errorf("expected new item pending, got %s", items[3].Status)
	}
}

func TestClaimItemsOrdersRetryableErrorsFirst(t *testing.T) {
	db := setupTestDB(t)
	repo, _ := db.CreateRepo("o", "r")
	createTestJob(t, db, repo.ID, "job-1", StatusProcessing)
	seedItems(t, db, "job-1", 1, 2, 3, 4, 5)

	items, _ := db.ListJobItems("job-1", ItemFilter{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// #4 retryable, #5 exhausted, #1 completed.
	err := db.UpdateJobItems([]ItemUpdate{
		{ID: items[0].ID, Status: ItemCompleted, Embedding: []byte{1, 2, 3, 4}, ProcessedAt: &now},
		{ID: items[3].ID, Status: ItemError, ErrorMessage: "boom", RetryCount: 1, LastRetryAt: &now},
		{ID: items[4].ID, Status: ItemError, ErrorMessage: "boom", RetryCount: 3, LastRetryAt: &now},
	})
	if err != nil {
		t.Fatalf("UpdateJobItems failed: %v", err)
	}

	claimed, err := db.ClaimItems("job-1", 10, 3, now)
	if err != nil {
		t.Fatalf("ClaimItems failed: %v", err)
	}
	var got []int
	for _, it := range claimed {
		got = append(got, it.IssueNumber)
		if it.Status != ItemProcessing || it.ProcessedAt == nil || !it.ProcessedAt.Equal(now) {
			t.Errorf("item #%d not marked as claimed: %+v", it.IssueNumber, it)
		}
	}
	want := []int{4, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected claim order %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected claim order %v, got %v", want, got)
			break
		}
	}

	// Nothing else is claimable.
	again, err := db.ClaimItems("job-1", 10, 3, now)
	if err != nil {
		t.Fatalf("ClaimItems failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no items on second claim, got %d", len(again))
	}
}

func TestClaimItemsRespectsLimit(t *testing.T) {
	db := setupTestDB(t)
	repo, _ := db.CreateRepo("o", "r")
	createTestJob(t, db, repo.ID, "job-1", StatusProcessing)
	seedItems(t, db, "job-1", 5, 3, 9, 1)

	claimed, err := db.ClaimItems("job-1", 2, 3, time.Now())
	if err != nil {
		t.Fatalf("ClaimItems failed: %v", err)
	}
	if len(claimed) != 2 || claimed[0].IssueNumber != 1 || claimed[1].IssueNumber != 3 {
		t.Errorf("unexpected claim: %+v", claimed)
	}

	n, err := db.CountJobItems("job-1", ItemFilter{Statuses: []EmbeddingStatus{ItemPending}})
	if err != nil {
		t.Fatalf("CountJobItems failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pending items, got %d", n)
	}
}

func TestResetStaleItems(t *testing.T) {
	db := setupTestDB(t)
	repo, _ := db.CreateRepo("o", "r")
	createTestJob(t, db, repo.ID, "job-1", StatusProcessing)
	seedItems(t, db, "job-1", 1, 2)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := db.ClaimItems("job-1", 1, 3, base); err != nil {
		t.Fatalf("ClaimItems failed: %v", err)
	}
	if _, err := db.ClaimItems("job-1", 1, 3, base.Add(4*time.Minute)); err != nil {
		t.Fatalf("ClaimItems failed: %v", err)
	}

	now := base.Add(6 * time.Minute)
	n, err := db.ResetStaleItems("job-1", now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ResetStaleItems failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset item, got %d", n)
	}

	items, _ := db.ListJobItems("job-1", ItemFilter{})
	if items[0].Status != ItemPending {
		t.Errorf("expected #1 pending, got %s", items[0].Status)
	}
	if items[1].Status != ItemProcessing {
		t.Errorf("expected #2 still processing, got %s", items[1].Status)
	}
}

func TestItemFilters(t *testing.T) {
	db := setupTestDB(t)
	repo, _ := db.CreateRepo("o", "r")
	createTestJob(t, db, repo.ID, "job-1", StatusProcessing)
	seedItems(t, db, "job-1", 1, 2, 3)

	items, _ := db.ListJobItems("job-1", ItemFilter{})
	now := time.Now()
	db.UpdateJobItems([]ItemUpdate{
		{ID: items[0].ID, Status: ItemError, RetryCount: 1, ErrorMessage: "x", LastRetryAt: &now},
		{ID: items[1].ID, Status: ItemError, RetryCount: 3, ErrorMessage: "x", LastRetryAt: &now},
	})

	retryable, err := db.CountJobItems("job-1", ItemFilter{
		Statuses:   []EmbeddingStatus{ItemError},
		RetryBelow: Ptr(3),
	})
	if err != nil {
		t.Fatalf("CountJobItems failed: %v", err)
	}
	if retryable != 1 {
		t.Errorf("expected 1 retryable, got %d", retryable)
	}

	failed, err := db.ListJobItems("job-1", ItemFilter{
		Statuses:     []EmbeddingStatus{ItemError},
		RetryAtLeast: Ptr(3),
	})
	if err != nil {
		t.Fatalf("ListJobItems failed: %v", err)
	}
	if len(failed) != 1 || failed[0].IssueNumber != 2 || failed[0].ErrorMessage != "x" {
		t.Errorf("unexpected permanently failed items: %+v", failed)
	}

	limited, _ := db.ListJobItems("job-1", ItemFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("expected 2 items with limit, got %d", len(limited))
	}

	if err := db.DeleteJobItems("job-1"); err != nil {
		t.Fatalf("DeleteJobItems failed: %v", err)
	}
	n, _ := db.CountJobItems("job-1", ItemFilter{})
	if n != 0 {
		t.Errorf("expected 0 items after delete, got %d", n)
	}
}

func TestDuplicatePairs(t *testing.T) {
	db := setupTestDB(t)
	repo, _ := db.CreateRepo("o", "r")
	createTestJob(t, db, repo.ID, "job-1", StatusAnalyzing)

	pairs := []DuplicatePair{
		{SourceNumber: 1, DuplicateNumber: 7, Confidence: 0.91},
		{SourceNumber: 2, DuplicateNumber: 5, Confidence: 0.97},
	}
	if err := db.ReplaceDuplicatePairs("job-1", pairs); err != nil {
		t.Fatalf("ReplaceDuplicatePairs failed: %v", err)
	}
	// Replacing again must not duplicate rows.
	if err := db.ReplaceDuplicatePairs("job-1", pairs); err != nil {
		t.Fatalf("ReplaceDuplicatePairs (again) failed: %v", err)
	}

	got, err := db.ListDuplicatePairs("job-1")
	if err != nil {
		t.Fatalf("ListDuplicatePairs failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(got))
	}
	if got[0].SourceNumber != 2 || got[0].JobID != "job-1" {
		t.Errorf("expected most confident pair first, got %+v", got[0])
	}

	n, err := db.CountDuplicatePairs("job-1")
	if err != nil || n != 2 {
		t.Errorf("expected count 2, got %d (%v)", n, err)
	}
}

func TestTryConsumeQuota(t *testing.T) {
	db := setupTestDB(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, err := db.TryConsumeQuota("embedding", day, 3)
		if err != nil {
			t.Fatalf("TryConsumeQuota failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected unit %d to be consumed", i+1)
		}
	}

	ok, err := db.TryConsumeQuota("embedding", day, 3)
	if err != nil {
		t.Fatalf("TryConsumeQuota failed: %v", err)
	}
	if ok {
		t.Error("expected quota to be exhausted")
	}

	used, err := db.QuotaUsage("embedding", day)
	if err != nil || used != 3 {
		t.Errorf("expected usage 3, got %d (%v)", used, err)
	}

	// The next window starts empty.
	unused, err := db.QuotaUsage("embedding", day.AddDate(0, 0, 1))
	if err != nil || unused != 0 {
		t.Errorf("expected usage 0 for next day, got %d (%v)", unused, err)
	}
}
