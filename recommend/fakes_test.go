package recommend

import (
	"context"
	"sort"
	"time"

	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/store"
)

func testLogger() *logging.Logger {
	return logging.NewFromConfig(logging.Config{Service: "test", Level: "error", Stdout: true})
}

// fakeStore is an in-memory InteractionStore for engine tests.
type fakeStore struct {
	events     []store.InteractionEvent
	ratings    []store.Rating
	favorites  []store.FavoriteMark
	providers  []store.ProviderProfile
	categories []store.Category
}

var _ store.InteractionStore = (*fakeStore)(nil)

func (f *fakeStore) ListInteractions(_ context.Context, filter store.InteractionFilter) ([]store.InteractionEvent, error) {
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

func (f *fakeStore) ListRatings(_ context.Context, userID, providerID *uint64) ([]store.Rating, error) {
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

func (f *fakeStore) ListFavorites(_ context.Context, userID, providerID *uint64) ([]store.FavoriteMark, error) {
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

func (f *fakeStore) ListActiveProviders(_ context.Context, _ bool) ([]store.ProviderProfile, error) {
	var out []store.ProviderProfile
	for _, p := range f.providers {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetProviderCoordinate(_ context.Context, providerID uint64) (float64, float64, bool, error) {
	for _, p := range f.providers {
		if p.ID == providerID {
			if p.Lat == nil || p.Lng == nil {
				return 0, 0, false, nil
			}
			return *p.Lat, *p.Lng, true, nil
		}
	}
	return 0, 0, false, nil
}

func (f *fakeStore) PopularProviders(_ context.Context, minRating float64, minReviews int, categoryIDs []uint64, topK int) ([]store.ProviderPopularity, error) {
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
		if out[i].RatingCount != out[j].RatingCount {
			return out[i].RatingCount > out[j].RatingCount
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeStore) ListCategories(_ context.Context, limit int) ([]store.Category, error) {
	out := f.categories
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountInteractionsByProvider(_ context.Context, since time.Time, topK int) ([]store.ProviderPopularity, error) {
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

func (f *fakeStore) ListActiveUserIDs(_ context.Context, since time.Time) ([]uint64, error) {
	seen := make(map[uint64]struct{})
	var out []uint64
	add := func(id uint64) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, ev := range f.events {
		if !ev.CreatedAt.Before(since) {
			add(ev.UserID)
		}
	}
	for _, r := range f.ratings {
		if !r.CreatedAt.Before(since) {
			add(r.UserID)
		}
	}
	for _, fav := range f.favorites {
		if !fav.CreatedAt.Before(since) {
			add(fav.UserID)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAllUserIDs(_ context.Context) ([]uint64, error) {
	return f.ListActiveUserIDs(context.Background(), time.Time{})
}

func (f *fakeStore) HasBehavior(_ context.Context, userID uint64) (bool, error) {
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

func (f *fakeStore) LogInteraction(_ context.Context, event *store.InteractionEvent) error {
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeStore) SaveRating(_ context.Context, rating *store.Rating) error {
	for i := range f.ratings {
		if f.ratings[i].UserID == rating.UserID && f.ratings[i].ProviderID == rating.ProviderID {
			f.ratings[i].Value = rating.Value
			return nil
		}
	}
	f.ratings = append(f.ratings, *rating)
	return nil
}

func (f *fakeStore) SaveFavorite(_ context.Context, favorite *store.FavoriteMark) error {
	f.favorites = append(f.favorites, *favorite)
	return nil
}

func (f *fakeStore) PurgeInteractionsBefore(_ context.Context, before time.Time) (int64, error) {
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

func ptr[T any](v T) *T { return &v }

func ratingOf(userID, providerID uint64, value float64) store.Rating {
	return store.Rating{UserID: userID, ProviderID: providerID, Value: value, CreatedAt: time.Now()}
}

func viewOf(userID, providerID uint64, at time.Time) store.InteractionEvent {
	return store.InteractionEvent{
		UserID:     userID,
		ProviderID: ptr(providerID),
		ActionKind: store.ActionView,
		CreatedAt:  at,
	}
}
