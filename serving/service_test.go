package serving

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wyfcoding/recsys/abtest"
	"github.com/wyfcoding/recsys/cache"
	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/eventbus"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/recommend"
	"github.com/wyfcoding/recsys/store"
)

func testLogger() *logging.Logger {
	return logging.NewFromConfig(logging.Config{Service: "test", Level: "error", Stdout: true})
}

func ptr[T any](v T) *T { return &v }

// waitFor polls until cond holds; bus handlers run asynchronously.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type fakeInteractions struct {
	mu        sync.Mutex
	events    []store.InteractionEvent
	ratings   []store.Rating
	favorites []store.FavoriteMark
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
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeInteractions) ListRatings(_ context.Context, userID, _ *uint64) ([]store.Rating, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Rating
	for _, r := range f.ratings {
		if userID == nil || r.UserID == *userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeInteractions) ListFavorites(_ context.Context, userID, _ *uint64) ([]store.FavoriteMark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.FavoriteMark
	for _, fav := range f.favorites {
		if userID == nil || fav.UserID == *userID {
			out = append(out, fav)
		}
	}
	return out, nil
}

func (f *fakeInteractions) ListActiveProviders(context.Context, bool) ([]store.ProviderProfile, error) {
	return nil, nil
}

func (f *fakeInteractions) GetProviderCoordinate(context.Context, uint64) (float64, float64, bool, error) {
	return 0, 0, false, nil
}

func (f *fakeInteractions) PopularProviders(_ context.Context, minRating float64, minReviews int, _ []uint64, topK int) ([]store.ProviderPopularity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byProvider := make(map[uint64][]float64)
	for _, r := range f.ratings {
		byProvider[r.ProviderID] = append(byProvider[r.ProviderID], r.Value)
	}
	var out []store.ProviderPopularity
	for providerID, values := range byProvider {
		if len(values) < minReviews {
			continue
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		if avg := sum / float64(len(values)); avg >= minRating {
			out = append(out, store.ProviderPopularity{ProviderID: providerID, AvgRating: avg, RatingCount: int64(len(values))})
		}
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeInteractions) ListCategories(context.Context, int) ([]store.Category, error) {
	return nil, nil
}

func (f *fakeInteractions) CountInteractionsByProvider(context.Context, time.Time, int) ([]store.ProviderPopularity, error) {
	return nil, nil
}

func (f *fakeInteractions) ListActiveUserIDs(context.Context, time.Time) ([]uint64, error) {
	return nil, nil
}

func (f *fakeInteractions) ListAllUserIDs(context.Context) ([]uint64, error) { return nil, nil }

func (f *fakeInteractions) HasBehavior(context.Context, uint64) (bool, error) { return false, nil }

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

func (f *fakeInteractions) PurgeInteractionsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeRecommendations struct {
	mu   sync.Mutex
	rows map[uint64][]store.RecommendationRecord
}

var _ store.RecommendationStore = (*fakeRecommendations)(nil)

func newFakeRecommendations() *fakeRecommendations {
	return &fakeRecommendations{rows: make(map[uint64][]store.RecommendationRecord)}
}

func (f *fakeRecommendations) ReplaceRecommendations(_ context.Context, userID uint64, records []store.RecommendationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[userID] = records
	return nil
}

func (f *fakeRecommendations) ListRecommendations(_ context.Context, userID uint64, limit int) ([]store.RecommendationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]store.RecommendationRecord(nil), f.rows[userID]...)
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

func (f *fakeRecommendations) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRecommendations) ListUserIDsWithoutFreshRecommendations(context.Context, time.Time) ([]uint64, error) {
	return nil, nil
}

func (f *fakeRecommendations) has(userID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[userID]
	return ok
}

type fakeAssignments struct {
	mu   sync.Mutex
	rows map[string]*store.ExperimentAssignment
}

var _ store.AssignmentStore = (*fakeAssignments)(nil)

func (f *fakeAssignments) key(userID uint64, experiment string) string {
	return experiment + ":" + strconv.FormatUint(userID, 10)
}

func (f *fakeAssignments) GetAssignment(_ context.Context, userID uint64, experiment string) (*store.ExperimentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[f.key(userID, experiment)], nil
}

func (f *fakeAssignments) CreateAssignment(_ context.Context, a *store.ExperimentAssignment) (*store.ExperimentAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.key(a.UserID, a.ExperimentName)
	if existing, ok := f.rows[key]; ok {
		return existing, nil
	}
	f.rows[key] = a
	return a, nil
}

func (f *fakeAssignments) ForceAssign(_ context.Context, userID uint64, experiment, variant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[f.key(userID, experiment)] = &store.ExperimentAssignment{
		UserID: userID, ExperimentName: experiment, Variant: variant,
	}
	return nil
}

func (f *fakeAssignments) CountByVariant(context.Context, string) (map[string]int64, error) {
	return nil, nil
}

func (f *fakeAssignments) DeleteByExperiment(context.Context, string) (int64, error) {
	return 0, nil
}

func (f *fakeAssignments) DeleteAssignedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(data, value)
}

func (c *memCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.data, key)
	}
	return nil
}

func (c *memCache) DeleteByPattern(_ context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	return nil
}

func (c *memCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok, nil
}

func (c *memCache) Close() error { return nil }

type harness struct {
	interactions    *fakeInteractions
	recommendations *fakeRecommendations
	recCache        *cache.RecommendationCache
	service         *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	logger := testLogger()

	interactions := &fakeInteractions{}
	recommendations := newFakeRecommendations()
	recCache := cache.NewRecommendationCache(newMemCache(), cfg.Cache, logger)

	configs := abtest.DefaultExperiments()
	for i := range configs {
		configs[i].StartDate = ""
		configs[i].EndDate = ""
		// the fakes have no category data, so pin every user to the
		// popular_providers cold-start strategy
		if configs[i].Name == abtest.ExperimentColdStartStrategy {
			configs[i].Variants = []config.VariantConfig{
				{Name: "popular_providers", Weight: 1, Strategy: "popular_providers"},
			}
		}
	}
	experiments, err := abtest.NewManager(configs, &fakeAssignments{rows: make(map[string]*store.ExperimentAssignment)}, logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	coldStart := recommend.NewColdStartHandler(interactions, nil, cfg.Recommend, logger)
	service := NewService(interactions, recommendations, experiments, coldStart, recCache, eventbus.NewLocalBus(), logger)

	return &harness{
		interactions:    interactions,
		recommendations: recommendations,
		recCache:        recCache,
		service:         service,
	}
}

func TestGetVariantUnknownExperimentServesControl(t *testing.T) {
	h := newHarness(t)

	variant, err := h.service.GetVariant(context.Background(), 42, "no_such_experiment")
	if err != nil {
		t.Fatalf("a misconfigured experiment name must not fail the caller: %v", err)
	}
	if variant != abtest.ControlVariant {
		t.Errorf("variant = %s, want control", variant)
	}
}

func TestGetRecommendationsReadThrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.recommendations.rows[42] = []store.RecommendationRecord{
		{UserID: 42, ProviderID: 10, Score: 0.9, AlgorithmVersion: recommend.AlgorithmVersion},
		{UserID: 42, ProviderID: 20, Score: 0.7, AlgorithmVersion: recommend.AlgorithmVersion},
	}

	recs, err := h.service.GetRecommendations(ctx, 42, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ProviderID != 10 {
		t.Fatalf("recs = %+v", recs)
	}

	// the read filled the cache: dropping the store rows must not affect reads
	delete(h.recommendations.rows, 42)
	recs, err = h.service.GetRecommendations(ctx, 42, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("cached read = %+v, want the original 2 rows", recs)
	}
}

func TestGetRecommendationsColdStartFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// no offline rows for user 7, but one provider qualifies for cold start
	for i := range 5 {
		h.interactions.ratings = append(h.interactions.ratings, store.Rating{
			UserID: uint64(100 + i), ProviderID: 1, Value: 5, CreatedAt: time.Now(),
		})
	}

	recs, err := h.service.GetRecommendations(ctx, 7, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ProviderID != 1 {
		t.Fatalf("fallback recs = %+v, want the popular provider", recs)
	}
}

func TestSaveRatingValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, bad := range []float64{0, 0.5, 5.5, -1} {
		if err := h.service.SaveRating(ctx, 1, 2, bad); err == nil {
			t.Errorf("value %v accepted, want an error", bad)
		}
	}
	if err := h.service.SaveRating(ctx, 1, 2, 4.5); err != nil {
		t.Fatal(err)
	}
	if len(h.interactions.ratings) != 1 {
		t.Errorf("ratings stored = %d, want 1", len(h.interactions.ratings))
	}
}

func TestSaveFavoriteInvalidatesRecommendations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.recommendations.rows[42] = []store.RecommendationRecord{
		{UserID: 42, ProviderID: 10, Score: 0.9},
	}

	if err := h.service.SaveFavorite(ctx, 42, 10); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return !h.recommendations.has(42) },
		"favorite must invalidate the user's offline recommendations")
}

func TestLogInteractionDefaultsTimestamp(t *testing.T) {
	h := newHarness(t)

	event := &store.InteractionEvent{UserID: 1, ProviderID: ptr(uint64(2)), ActionKind: store.ActionView}
	if err := h.service.LogInteraction(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if event.CreatedAt.IsZero() {
		t.Error("CreatedAt must default to now")
	}
	if len(h.interactions.events) != 1 {
		t.Fatalf("events stored = %d, want 1", len(h.interactions.events))
	}
}

func TestGetUserBehavior(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	h.interactions.events = []store.InteractionEvent{
		{UserID: 1, ActionKind: store.ActionView, CreatedAt: now.Add(-time.Hour)},
		{UserID: 1, ActionKind: store.ActionView, CreatedAt: now},
		{UserID: 1, ActionKind: store.ActionContact, CreatedAt: now.Add(-time.Minute)},
		{UserID: 2, ActionKind: store.ActionView, CreatedAt: now},
	}
	h.interactions.favorites = []store.FavoriteMark{{UserID: 1, ProviderID: 3}}
	h.interactions.ratings = []store.Rating{{UserID: 1, ProviderID: 3, Value: 5}}

	summary, err := h.service.GetUserBehavior(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ViewCount != 2 || summary.ContactCount != 1 ||
		summary.FavoriteCount != 1 || summary.RatingCount != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if !summary.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", summary.LastSeen, now)
	}

	// second read is served from cache
	h.interactions.events = nil
	cached, err := h.service.GetUserBehavior(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if cached.ViewCount != 2 {
		t.Errorf("cached summary = %+v", cached)
	}
}
