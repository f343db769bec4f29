package batch

import (
	"context"
	"testing"
	"time"

	"github.com/wyfcoding/recsys/abtest"
	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/recommend"
	"github.com/wyfcoding/recsys/store"
)

// openEndedExperiments keeps the default catalog active regardless of the
// wall clock.
func openEndedExperiments() []config.ExperimentConfig {
	configs := abtest.DefaultExperiments()
	for i := range configs {
		configs[i].StartDate = ""
		configs[i].EndDate = ""
	}
	return configs
}

type rebuildHarness struct {
	interactions    *fakeInteractions
	recommendations *fakeRecommendations
	rebuilder       *Rebuilder
}

func newRebuildHarness(t *testing.T, interactions *fakeInteractions, cfg *config.Config) *rebuildHarness {
	t.Helper()
	logger := testLogger()

	experiments, err := abtest.NewManager(openEndedExperiments(), newFakeAssignments(), logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	collaborative := recommend.NewCollaborativeEngine(interactions, cfg.Recommend, logger, nil)
	content := recommend.NewContentEngine(interactions, cfg.Recommend, logger, nil)
	location := recommend.NewLocationEngine(interactions, cfg.Recommend, logger)
	hybrid := recommend.NewHybridRecommender(collaborative, content, location, logger, nil)
	coldStart := recommend.NewColdStartHandler(interactions, nil, cfg.Recommend, logger)

	recommendations := newFakeRecommendations()
	rebuilder := NewRebuilder(RebuilderDeps{
		Interactions:    interactions,
		Recommendations: recommendations,
		Hybrid:          hybrid,
		Collaborative:   collaborative,
		Content:         content,
		ColdStart:       coldStart,
		Experiments:     experiments,
		Logger:          logger,
	}, cfg.Batch, cfg.Recommend)
	t.Cleanup(rebuilder.Close)

	return &rebuildHarness{
		interactions:    interactions,
		recommendations: recommendations,
		rebuilder:       rebuilder,
	}
}

func rebuildFixture() *fakeInteractions {
	st := &fakeInteractions{
		providers: []store.ProviderProfile{
			{ID: 1, Name: "Sparkle Cleaning", Description: "residential house cleaning deep clean", IsActive: true},
			{ID: 2, Name: "Shiny Homes", Description: "professional house cleaning maid service", IsActive: true},
			{ID: 3, Name: "Volt Electric", Description: "licensed electrician wiring panel repair", IsActive: true},
			{ID: 4, Name: "Gone Fishing", Description: "closed shop", IsActive: false},
		},
	}
	now := time.Now()
	for _, r := range []struct {
		user, provider uint64
		value          float64
	}{
		{1, 1, 5}, {1, 2, 5},
		{2, 1, 5}, {2, 2, 4},
		{3, 3, 5},
	} {
		st.ratings = append(st.ratings, store.Rating{
			UserID: r.user, ProviderID: r.provider, Value: r.value, CreatedAt: now,
		})
	}
	return st
}

func TestRebuildFullRun(t *testing.T) {
	cfg := config.Default()
	h := newRebuildHarness(t, rebuildFixture(), cfg)

	result, err := h.rebuilder.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}

	if !result.TrainedCF || !result.TrainedCont {
		t.Errorf("trained cf=%v content=%v, want both", result.TrainedCF, result.TrainedCont)
	}
	if result.UsersTotal != 3 {
		t.Errorf("UsersTotal = %d, want 3", result.UsersTotal)
	}
	if result.Failed != 0 || result.Skipped != 0 || result.BudgetHit {
		t.Errorf("unexpected failures: %+v", result)
	}

	for _, userID := range []uint64{1, 2} {
		rows := h.recommendations.rows[userID]
		if len(rows) == 0 {
			t.Fatalf("user %d: no recommendations written", userID)
		}
		if len(rows) > cfg.Batch.MaxRecommendations {
			t.Errorf("user %d: %d rows exceed the cap %d", userID, len(rows), cfg.Batch.MaxRecommendations)
		}
		for _, row := range rows {
			if row.Score < cfg.Batch.MinScore {
				t.Errorf("user %d provider %d: score %v below minimum", userID, row.ProviderID, row.Score)
			}
			if row.AlgorithmVersion != recommend.AlgorithmVersion {
				t.Errorf("algorithm version = %q", row.AlgorithmVersion)
			}
			ttl := row.ExpiresAt.Sub(row.CreatedAt)
			if ttl != 24*time.Hour {
				t.Errorf("expiry ttl = %v, want 24h", ttl)
			}
		}
	}
}

func TestRebuildIdempotent(t *testing.T) {
	cfg := config.Default()
	h := newRebuildHarness(t, rebuildFixture(), cfg)
	ctx := context.Background()

	if _, err := h.rebuilder.Run(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := h.rebuilder.Run(ctx, true); err != nil {
		t.Fatal(err)
	}

	for userID, rows := range h.recommendations.rows {
		seen := make(map[uint64]struct{})
		for _, row := range rows {
			if _, dup := seen[row.ProviderID]; dup {
				t.Fatalf("user %d: provider %d written twice after rerun", userID, row.ProviderID)
			}
			seen[row.ProviderID] = struct{}{}
		}
	}
}

func TestRebuildColdStartFallback(t *testing.T) {
	// the user's only behavior is favoriting the single active provider:
	// the candidate set comes out empty, so the run falls back to cold start
	st := &fakeInteractions{
		categories: []store.Category{{ID: 1, Name: "Cleaning"}},
		providers: []store.ProviderProfile{
			{ID: 1, Name: "Sparkle Cleaning", Description: "residential house cleaning", IsActive: true,
				Services: []store.ServiceOffering{{ProviderID: 1, CategoryID: 1}}},
		},
	}
	now := time.Now()
	st.favorites = append(st.favorites, store.FavoriteMark{UserID: 4, ProviderID: 1, CreatedAt: now})
	for i := range 5 {
		st.ratings = append(st.ratings, store.Rating{
			UserID: uint64(101 + i), ProviderID: 1, Value: 5, CreatedAt: now,
		})
	}

	cfg := config.Default()
	h := newRebuildHarness(t, st, cfg)

	result, err := h.rebuilder.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if result.ColdStart == 0 {
		t.Fatalf("expected at least one cold-start user: %+v", result)
	}

	rows := h.recommendations.rows[4]
	if len(rows) != 1 || rows[0].ProviderID != 1 {
		t.Fatalf("user 4 rows = %+v, want the popular provider", rows)
	}
	if rows[0].Score != 0.8 {
		t.Errorf("rank-0 synthetic score = %v, want 0.8", rows[0].Score)
	}
}

func TestRebuildBudgetExhausted(t *testing.T) {
	cfg := config.Default()
	cfg.Batch.TimeBudget = -time.Second
	h := newRebuildHarness(t, rebuildFixture(), cfg)

	result, err := h.rebuilder.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !result.BudgetHit {
		t.Error("expected the budget flag to be set")
	}
	if result.Skipped != result.UsersTotal {
		t.Errorf("skipped = %d, want all %d users", result.Skipped, result.UsersTotal)
	}
	if result.WrittenRows != 0 {
		t.Errorf("written = %d, want 0 after budget exhaustion", result.WrittenRows)
	}
}

func TestRebuildIncrementalSelectsStaleUsers(t *testing.T) {
	st := rebuildFixture()
	// age every behavior beyond the recency window
	old := time.Now().AddDate(0, 0, -30)
	for i := range st.ratings {
		st.ratings[i].CreatedAt = old
	}

	cfg := config.Default()
	h := newRebuildHarness(t, st, cfg)
	ctx := context.Background()

	// no recent activity and no stale rows: nothing to do
	result, err := h.rebuilder.Run(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.UsersTotal != 0 {
		t.Fatalf("UsersTotal = %d, want 0 for an idle incremental run", result.UsersTotal)
	}

	// a user whose recommendations have all expired gets picked up
	h.recommendations.rows[1] = []store.RecommendationRecord{{
		UserID: 1, ProviderID: 2, Score: 0.5,
		CreatedAt: old, ExpiresAt: old.Add(24 * time.Hour),
	}}
	result, err = h.rebuilder.Run(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.UsersTotal != 1 {
		t.Fatalf("UsersTotal = %d, want the one stale user", result.UsersTotal)
	}
}
