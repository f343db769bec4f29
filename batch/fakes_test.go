package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/store"
)

func testLogger() *logging.Logger {
	return logging.NewFromConfig(logging.Config{Service: "test", Level: "error", Stdout: true})
}

func ptr[T any](v T) *T { return &v }

// fakeInteractions is an in-memory InteractionStore shared by the batch tests.
// The rebuilder reads from it concurrently, so every method takes the lock.
type fakeInteractions struct {
	mu         sync.Mutex
	events     []store.InteractionEvent
	ratings    []store.Rating
	favorites  []store.FavoriteMark
	providers  []store.ProviderProfile
	categories []store.Category
}

var _ store.InteractionStore = (*fakeInteractions)(nil)

func (f *fakeInteractions) ListInteractions(_ context.Context, filter store.InteractionFilter) ([]store.InteractionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.InteractionEvent
	for _, ev := range f.events {
		if filter.UserID != nil && ev.UserID != *filter.UserID {
			continue
		}
		if filter.ProviderID != nil && (ev.ProviderID == nil || *ev.ProviderID != *filter.ProviderID) {
			continue
		}
		if filter.ActionKind != "" && ev.ActionKind != filter.ActionKind {
			continue
		}
		if !filter.Since.IsZero() && ev.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeInteractions) ListRatings(_ context.Context, userID, providerID *uint64) ([]store.Rating, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Rating
	for _, r := range f.ratings {
		if userID != nil && r.UserID != *userID {
			continue
		}
		if providerID != nil && r.ProviderID != *providerID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeInteractions) ListFavorites(_ context.Context, userID, providerID *uint64) ([]store.FavoriteMark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.FavoriteMark
	for _, fav := range f.favorites {
		if userID != nil && fav.UserID != *userID {
			continue
		}
		if providerID != nil && fav.ProviderID != *providerID {
			continue
		}
		out = append(out, fav)
	}
	return out, nil
}

func (f *fakeInteractions) ListActiveProviders(_ context.Context, _ bool) ([]store.ProviderProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProviderProfile
	for _, p := range f.providers {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeInteractions) GetProviderCoordinate(_ context.Context, providerID uint64) (float64, float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.providers {
		if p.ID == providerID && p.Lat != nil && p.Lng != nil {
			return *p.Lat, *p.Lng, true, nil
		}
	}
	return 0, 0, false, nil
}

func (f *fakeInteractions) PopularProviders(_ context.Context, minRating float64, minReviews int, categoryIDs []uint64, topK int) ([]store.ProviderPopularity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byProvider := make(map[uint64][]float64)
	for _, r := range f.ratings {
		byProvider[r.ProviderID] = append(byProvider[r.ProviderID], r.Value)
	}

	categorySet := make(map[uint64]struct{})
	for _, id := range categoryIDs {
		categorySet[id] = struct{}{}
	}
	inCategory := func(providerID uint64) bool {
		if len(categorySet) == 0 {
			return true
		}
		for _, p := range f.providers {
			if p.ID != providerID {
				continue
			}
			for _, svc := range p.Services {
				if _, ok := categorySet[svc.CategoryID]; ok {
					return true
				}
			}
		}
		return false
	}

	var out []store.ProviderPopularity
	for providerID, values := range byProvider {
		if len(values) < minReviews || !inCategory(providerID) {
			continue
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		avg := sum / float64(len(values))
		if avg < minRating {
			continue
		}
		out = append(out, store.ProviderPopularity{
			ProviderID:  providerID,
			AvgRating:   avg,
			RatingCount: int64(len(values)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgRating != out[j].AvgRating {
			return out[i].AvgRating > out[j].AvgRating
		}
		return out[i].RatingCount > out[j].RatingCount
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeInteractions) ListCategories(_ context.Context, limit int) ([]store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.categories
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeInteractions) CountInteractionsByProvider(_ context.Context, since time.Time, topK int) ([]store.ProviderPopularity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[uint64]int64)
	for _, ev := range f.events {
		if ev.ProviderID != nil && !ev.CreatedAt.Before(since) {
			counts[*ev.ProviderID]++
		}
	}
	var out []store.ProviderPopularity
	for id, c := range counts {
		out = append(out, store.ProviderPopularity{ProviderID: id, RatingCount: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RatingCount > out[j].RatingCount })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeInteractions) ListActiveUserIDs(_ context.Context, since time.Time) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userIDsSince(since), nil
}

func (f *fakeInteractions) ListAllUserIDs(_ context.Context) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userIDsSince(time.Time{}), nil
}

func (f *fakeInteractions) userIDsSince(since time.Time) []uint64 {
	seen := make(map[uint64]struct{})
	var out []uint64
	add := func(id uint64, at time.Time) {
		if at.Before(since) {
			return
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, ev := range f.events {
		add(ev.UserID, ev.CreatedAt)
	}
	for _, r := range f.ratings {
		add(r.UserID, r.CreatedAt)
	}
	for _, fav := range f.favorites {
		add(fav.UserID, fav.CreatedAt)
	}
	return out
}

func (f *fakeInteractions) HasBehavior(_ context.Context, userID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.UserID == userID {
			return true, nil
		}
	}
	for _, r := range f.ratings {
		if r.UserID == userID {
			return true, nil
		}
	}
	for _, fav := range f.favorites {
		if fav.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeInteractions) LogInteraction(_ context.Context, event *store.InteractionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeInteractions) SaveRating(_ context.Context, rating *store.Rating) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratings = append(f.ratings, *rating)
	return nil
}

func (f *fakeInteractions) SaveFavorite(_ context.Context, favorite *store.FavoriteMark) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.favorites = append(f.favorites, *favorite)
	return nil
}

func (f *fakeInteractions) PurgeInteractionsBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []store.InteractionEvent
	var purged int64
	for _, ev := range f.events {
		if ev.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	f.events = kept
	return purged, nil
}

// fakeRecommendations is an in-memory RecommendationStore.
type fakeRecommendations struct {
	mu           sync.Mutex
	rows         map[uint64][]store.RecommendationRecord
	replaceCalls int
}

var _ store.RecommendationStore = (*fakeRecommendations)(nil)

func newFakeRecommendations() *fakeRecommendations {
	return &fakeRecommendations{rows: make(map[uint64][]store.RecommendationRecord)}
}

func (f *fakeRecommendations) ReplaceRecommendations(_ context.Context, userID uint64, records []store.RecommendationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceCalls++
	f.rows[userID] = append([]store.RecommendationRecord(nil), records...)
	return nil
}

func (f *fakeRecommendations) ListRecommendations(_ context.Context, userID uint64, limit int) ([]store.RecommendationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []store.RecommendationRecord
	for _, rec := range f.rows[userID] {
		if rec.ExpiresAt.After(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRecommendations) DeleteRecommendations(_ context.Context, userID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, userID)
	return nil
}

func (f *fakeRecommendations) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for userID, recs := range f.rows {
		var kept []store.RecommendationRecord
		for _, rec := range recs {
			if rec.ExpiresAt.After(now) {
				kept = append(kept, rec)
			} else {
				deleted++
			}
		}
		f.rows[userID] = kept
	}
	return deleted, nil
}

func (f *fakeRecommendations) ListUserIDsWithoutFreshRecommendations(_ context.Context, now time.Time) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint64
	for userID, recs := range f.rows {
		fresh := false
		for _, rec := range recs {
			if rec.ExpiresAt.After(now) {
				fresh = true
				break
			}
		}
		if !fresh {
			out = append(out, userID)
		}
	}
	return out, nil
}

// fakeAssignments is an in-memory AssignmentStore.
type fakeAssignments struct {
	mu   sync.Mutex
	rows map[string]*store.ExperimentAssignment
}

var _ store.AssignmentStore = (*fakeAssignments)(nil)

func newFakeAssignments() *fakeAssignments {
	return &fakeAssignments{rows: make(map[string]*store.ExperimentAssignment)}
}

func assignmentKey(userID uint64, experiment string) string {
	return fmt.Sprintf("%d:%s", userID, experiment)
}

func (f *fakeAssignments) GetAssignment(_ context.Context, userID uint64, experiment string) (*store.ExperimentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[assignmentKey(userID, experiment)], nil
}

func (f *fakeAssignments) CreateAssignment(_ context.Context, a *store.ExperimentAssignment) (*store.ExperimentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := assignmentKey(a.UserID, a.ExperimentName)
	if existing, ok := f.rows[key]; ok {
		return existing, nil
	}
	f.rows[key] = a
	return a, nil
}

func (f *fakeAssignments) ForceAssign(_ context.Context, userID uint64, experiment, variant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[assignmentKey(userID, experiment)] = &store.ExperimentAssignment{
		UserID: userID, ExperimentName: experiment, Variant: variant, AssignedAt: time.Now(),
	}
	return nil
}

func (f *fakeAssignments) CountByVariant(_ context.Context, experiment string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, row := range f.rows {
		if row.ExperimentName == experiment {
			counts[row.Variant]++
		}
	}
	return counts, nil
}

func (f *fakeAssignments) DeleteByExperiment(_ context.Context, experiment string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for key, row := range f.rows {
		if row.ExperimentName == experiment {
			delete(f.rows, key)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeAssignments) DeleteAssignedBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for key, row := range f.rows {
		if row.AssignedAt.Before(before) {
			delete(f.rows, key)
			deleted++
		}
	}
	return deleted, nil
}
