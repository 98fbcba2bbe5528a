package memory

import (
	"context"
	"testing"
	"time"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/pkg/models"
)

func newTestStore(t *testing.T) *InMemStore {
	t.Helper()
	s := NewInMemStore(config.MemoryConfig{
		PersistDir:            t.TempDir(),
		StmTTLHours:           24,
		LtmPromotionThreshold: 0.8,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func testEpisode(id, session string, quality float64, age time.Duration) models.Episode {
	return models.Episode{
		ID:           id,
		Timestamp:    time.Now().Add(-age).UTC(),
		SessionID:    session,
		QueryText:    "query " + id,
		AnswerText:   "answer " + id,
		StrategyUsed: "simple",
		Quality:      quality,
		Status:       models.EpisodeCompleted,
	}
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		ep := testEpisode(id, "s1", 0.5, time.Duration(3-i)*time.Minute)
		if err := s.Append(ctx, ep); err != nil {
			t.Fatalf("Append(%s) error = %v", id, err)
		}
	}
	s.Append(ctx, testEpisode("other", "s2", 0.5, 0))

	got, err := s.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d episodes, want 2", len(got))
	}
	// Most recent first: insertion order was a, b, c.
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("Recent() order = [%s %s], want [c b]", got[0].ID, got[1].ID)
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Append(ctx, models.Episode{ID: "1", Timestamp: time.Now().UTC(), QueryText: "explain kubernetes ingress", Quality: 0.9})
	s.Append(ctx, models.Episode{ID: "2", Timestamp: time.Now().UTC(), QueryText: "debug python crash", Quality: 0.4})

	got, err := s.Search(ctx, "kubernetes", SearchFilter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("Search(kubernetes) = %v, want episode 1", len(got))
	}

	got, _ = s.Search(ctx, "", SearchFilter{MinQuality: 0.5})
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("Search(MinQuality 0.5) returned %d, want 1", len(got))
	}
}

func TestConsolidate_PromotesAndExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Append(ctx, testEpisode("good", "s1", 0.95, time.Minute))
	s.Append(ctx, testEpisode("stale", "s1", 0.3, 48*time.Hour))
	s.Append(ctx, testEpisode("plain", "s1", 0.5, time.Minute))

	result, err := s.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if result.Promoted != 1 {
		t.Errorf("Promoted = %d, want 1", result.Promoted)
	}
	if result.Expired != 1 {
		t.Errorf("Expired = %d, want 1", result.Expired)
	}

	// Promoted episodes remain reachable via Recent.
	got, _ := s.Recent(ctx, "s1", 10)
	found := false
	for _, ep := range got {
		if ep.ID == "good" {
			found = true
		}
	}
	if !found {
		t.Error("promoted episode missing from Recent()")
	}
}

// Consolidate is idempotent: a second pass with no intervening writes
// reports zero work.
func TestConsolidate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Append(ctx, testEpisode("good", "s1", 0.95, time.Minute))
	if _, err := s.Consolidate(ctx); err != nil {
		t.Fatalf("first Consolidate() error = %v", err)
	}

	second, err := s.Consolidate(ctx)
	if err != nil {
		t.Fatalf("second Consolidate() error = %v", err)
	}
	if second.Promoted != 0 || second.Expired != 0 {
		t.Errorf("second Consolidate() = %+v, want {0 0}", second)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := config.MemoryConfig{PersistDir: dir, StmTTLHours: 24, LtmPromotionThreshold: 0.8}

	s := NewInMemStore(cfg)
	s.Append(context.Background(), testEpisode("persisted", "s1", 0.6, 0))
	s.Close() // flushes the snapshot

	reloaded := NewInMemStore(cfg)
	defer reloaded.Close()
	got, err := reloaded.Recent(context.Background(), "s1", 5)
	if err != nil {
		t.Fatalf("Recent() after reload error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "persisted" {
		t.Errorf("reloaded episodes = %d, want the persisted one", len(got))
	}
}
