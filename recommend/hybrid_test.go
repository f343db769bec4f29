package recommend

import (
	"context"
	"testing"
	"time"

	"github.com/wyfcoding/recsys/store"
)

func TestFuseWeightedAverageBounds(t *testing.T) {
	// candidate 1: all three engines; candidate 2: two engines; candidate 3: one engine
	inputs := []weightedScores{
		{"collaborative", 0.5, Scores{1: 0.9, 2: 0.4}},
		{"content", 0.3, Scores{1: 0.2, 2: 0.8, 3: 0.6}},
		{"location", 0.2, Scores{1: 0.5}},
	}

	recs := fuse(inputs, 10)
	byID := make(map[uint64]float64, len(recs))
	for _, r := range recs {
		byID[r.ProviderID] = r.Score
	}

	cases := []struct {
		id       uint64
		min, max float64
	}{
		{1, 0.2, 0.9},
		{2, 0.4, 0.8},
		{3, 0.6, 0.6},
	}
	for _, c := range cases {
		score, ok := byID[c.id]
		if !ok {
			t.Fatalf("candidate %d missing from fused result", c.id)
		}
		if score < c.min-1e-12 || score > c.max+1e-12 {
			t.Errorf("candidate %d fused score %v outside [%v, %v]", c.id, score, c.min, c.max)
		}
	}

	// candidate 3 was scored by a single engine: no penalty, exact score preserved
	if byID[3] != 0.6 {
		t.Errorf("single-engine candidate score = %v, want 0.6", byID[3])
	}
}

func TestFuseDropsUnscoredCandidates(t *testing.T) {
	inputs := []weightedScores{
		{"collaborative", 0.5, Scores{1: 0.9}},
		{"content", 0.3, nil},
		{"location", 0.2, nil},
	}
	recs := fuse(inputs, 10)
	if len(recs) != 1 || recs[0].ProviderID != 1 {
		t.Fatalf("fused = %+v, want only candidate 1", recs)
	}
}

func TestFuseTieBreakByProviderID(t *testing.T) {
	inputs := []weightedScores{
		{"content", 1.0, Scores{30: 0.5, 10: 0.5, 20: 0.5}},
	}
	recs := fuse(inputs, 10)
	want := []uint64{10, 20, 30}
	for i, id := range want {
		if recs[i].ProviderID != id {
			t.Fatalf("tie order = %+v, want provider ids ascending %v", recs, want)
		}
	}
}

func TestFuseTruncatesToTopK(t *testing.T) {
	inputs := []weightedScores{
		{"content", 1.0, Scores{1: 0.9, 2: 0.8, 3: 0.7, 4: 0.6}},
	}
	recs := fuse(inputs, 2)
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].ProviderID != 1 || recs[1].ProviderID != 2 {
		t.Errorf("top-2 = %+v, want providers 1 and 2", recs)
	}
}

func TestGenerateRecommendationsZeroWeightsFallBackToDefaults(t *testing.T) {
	st := contentFixture()
	st.favorites = append(st.favorites, store.FavoriteMark{UserID: 7, ProviderID: 1, CreatedAt: time.Now()})

	hybrid := NewHybridRecommender(
		NewCollaborativeEngine(st, testRecommendConfig(), testLogger(), nil),
		NewContentEngine(st, testRecommendConfig(), testLogger(), nil),
		NewLocationEngine(st, testRecommendConfig(), testLogger()),
		testLogger(), nil,
	)
	ctx := context.Background()
	if err := hybrid.Train(ctx); err != nil {
		t.Fatal(err)
	}

	candidates := []uint64{2, 3}
	zero := hybrid.GenerateRecommendations(ctx, 7, candidates, 10, Weights{}, nil)
	if len(zero) == 0 {
		t.Fatal("zero-value weights must fall back to the default profile, not drop every candidate")
	}
	explicit := hybrid.GenerateRecommendations(ctx, 7, candidates, 10, DefaultWeights(), nil)
	if len(zero) != len(explicit) {
		t.Fatalf("fallback produced %d results, explicit defaults %d", len(zero), len(explicit))
	}
	for i := range zero {
		if zero[i] != explicit[i] {
			t.Errorf("result %d differs: fallback %+v, explicit %+v", i, zero[i], explicit[i])
		}
	}
}

func TestFuseIgnoresZeroWeightEngines(t *testing.T) {
	inputs := []weightedScores{
		{"collaborative", 0, Scores{1: 1.0}},
		{"content", 0.5, Scores{2: 0.4}},
	}
	recs := fuse(inputs, 10)
	if len(recs) != 1 || recs[0].ProviderID != 2 {
		t.Fatalf("fused = %+v, want only candidate 2", recs)
	}
}
