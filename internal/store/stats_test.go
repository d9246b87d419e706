package store

import (
	"testing"
	"time"
)

func TestGetRepoStatsWithoutJobs(t *testing.T) {
	db := setupTestDB(t)
	repo, _ := db.CreateRepo("octocat", "hello-world")

	stats, err := db.GetRepoStats(repo.ID)
	if err != nil {
		t.Fatalf("GetRepoStats failed: %v", err)
	}
	if stats.LatestJob != nil {
		t.Errorf("expected no latest job, got %+v", stats.LatestJob)
	}
	if len(stats.ItemCounts) != 0 {
		t.Errorf("expected empty counts, got %v", stats.ItemCounts)
	}
}

func TestGetAllRepoStats(t *testing.T) {
	db := setupTestDB(t)
	now, advance := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db.SetClock(now)

	a, _ := db.CreateRepo("o", "a")
	db.CreateRepo("o", "b")

	createTestJob(t, db, a.ID, "old", StatusFailed)
	advance(time.Minute)
	createTestJob(t, db, a.ID, "new", StatusProcessing)
	seedItems(t, db, "new", 1, 2, 3)
	if _, err := db.ClaimItems("new", 1, 3, now()); err != nil {
		t.Fatalf("ClaimItems failed: %v", err)
	}

	all, err := db.GetAllRepoStats()
	if err != nil {
		t.Fatalf("GetAllRepoStats failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 repos, got %d", len(all))
	}

	s := all[0]
	if s.LatestJob == nil || s.LatestJob.ID != "new" {
		t.Fatalf("expected latest job 'new', got %+v", s.LatestJob)
	}
	if s.ItemCounts[ItemPending] != 2 || s.ItemCounts[ItemProcessing] != 1 {
		t.Errorf("unexpected item counts: %v", s.ItemCounts)
	}
	if all[1].LatestJob != nil {
		t.Errorf("expected repo b without jobs, got %+v", all[1].LatestJob)
	}
}
