package ranking

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/victornm/risingstars/internal/catalog"
	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/event"
	"github.com/victornm/risingstars/internal/gateway"
)

const (
	DefaultLimit = 10
	MaxLimit     = 50

	publishInterval = 200 * time.Millisecond
)

type Gateway interface {
	TopRankings(ctx context.Context, limit int, city string) ([]gateway.RankingEntry, error)
}

type Config struct {
	Gateway  Gateway
	Catalog  *catalog.Catalog
	EventBus *event.Bus
	// PublishLimit is the size of the national ranking published after votes.
	PublishLimit int
}

type Service struct {
	gw    Gateway
	cat   *catalog.Catalog
	eb    *event.Bus
	limit int

	mu        sync.Mutex
	scheduled bool
}

func NewService(c Config) *Service {
	s := &Service{
		gw:    c.Gateway,
		cat:   c.Catalog,
		eb:    c.EventBus,
		limit: ClampLimit(c.PublishLimit),
	}

	if s.eb != nil {
		s.eb.Subscribe(domain.EventNameVoteCast, func(context.Context, event.Event) error {
			s.schedulePublish()
			return nil
		})
	}

	return s
}

// ClampLimit maps a requested ranking size into [1, MaxLimit]; zero or
// negative means DefaultLimit.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// TopN ranks the processed videos of the catalog that pass the city filter.
// The result is recomputed on every call and has at most n entries.
func (s *Service) TopN(n int, city string) []domain.RankingEntry {
	if n <= 0 {
		return []domain.RankingEntry{}
	}

	return Rank(s.cat.Processed(city), n)
}

// Rank orders videos by votes descending, then earliest upload, then video id.
func Rank(vs []domain.Video, n int) []domain.RankingEntry {
	vs = slices.Clone(vs)
	slices.SortFunc(vs, func(a, b domain.Video) int {
		return cmp.Or(
			cmp.Compare(b.VoteCount, a.VoteCount),
			a.UploadedAt.Compare(b.UploadedAt),
			cmp.Compare(a.VideoID, b.VideoID),
		)
	})

	out := make([]domain.RankingEntry, 0, min(n, len(vs)))
	for i, v := range vs {
		if i == n {
			break
		}
		out = append(out, domain.RankingEntry{
			Position:    i + 1,
			VideoID:     v.VideoID,
			DisplayName: v.OwnerName,
			City:        v.City,
			Title:       v.Title,
			VoteCount:   v.VoteCount,
		})
	}
	return out
}

// Fetch refreshes the ranking from the backend, folds the counts into the
// catalog and returns the locally computed view.
func (s *Service) Fetch(ctx context.Context, n int, city string) ([]domain.RankingEntry, error) {
	n = ClampLimit(n)

	var filter string
	if !domain.AllCities(city) {
		filter = strings.TrimSpace(city)
	}

	rs, err := s.gw.TopRankings(ctx, n, filter)
	if err != nil {
		return nil, err
	}

	for _, r := range rs {
		s.reconcile(r)
	}

	entries := s.TopN(n, city)
	s.eb.Publish(ctx, domain.EventRankingUpdated{City: city, Entries: entries})

	return entries, nil
}

// reconcile merges one backend ranking row. Ranked videos are processed.
func (s *Service) reconcile(r gateway.RankingEntry) {
	id := string(r.VideoID)
	if cur, ok := s.cat.Get(id); ok {
		cur.VoteCount = r.Votes
		cur.Status = domain.VideoStatusProcessed
		if r.City != "" {
			cur.City = r.City
		}
		if r.Title != "" {
			cur.Title = r.Title
		}
		if r.Username != "" {
			cur.OwnerName = r.Username
		}
		s.cat.Merge(cur)
		return
	}

	s.cat.Merge(domain.Video{
		VideoID:   id,
		OwnerName: r.Username,
		City:      r.City,
		Title:     r.Title,
		Status:    domain.VideoStatusProcessed,
		VoteCount: r.Votes,
	})
}

// schedulePublish publishes the national ranking once per interval instead of
// once per vote.
func (s *Service) schedulePublish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduled {
		return
	}
	s.scheduled = true

	time.AfterFunc(publishInterval, func() {
		s.mu.Lock()
		s.scheduled = false
		s.mu.Unlock()

		entries := s.TopN(s.limit, domain.CityAll)
		slog.Debug("ranking: publishing", "entries", len(entries))
		s.eb.Publish(context.Background(), domain.EventRankingUpdated{City: domain.CityAll, Entries: entries})
	})
}
