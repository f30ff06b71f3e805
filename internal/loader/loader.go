package loader

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/errors"
	"github.com/victornm/risingstars/internal/event"
)

// ErrStaleView is returned when a newer activation superseded the one that
// issued the refresh. Its results were discarded.
var ErrStaleView = stderrors.New("view superseded by a newer activation")

type Screen string

const (
	ScreenLanding   Screen = "landing"
	ScreenLogin     Screen = "login"
	ScreenDashboard Screen = "dashboard"
	ScreenUpload    Screen = "upload"
	ScreenVideos    Screen = "videos"
	ScreenRankings  Screen = "rankings"
	ScreenProfile   Screen = "profile"
)

// Slice is one independently refreshed piece of a screen.
type Slice string

const (
	SliceProfile  Slice = "profile"
	SlicePublic   Slice = "public_videos"
	SliceMine     Slice = "my_videos"
	SliceRankings Slice = "rankings"
)

var screenSlices = map[Screen][]Slice{
	ScreenLanding:   nil,
	ScreenLogin:     nil,
	ScreenUpload:    nil,
	ScreenDashboard: {SliceProfile, SlicePublic, SliceMine, SliceRankings},
	ScreenVideos:    {SlicePublic},
	ScreenRankings:  {SliceRankings},
	ScreenProfile:   {SliceProfile, SliceMine},
}

func ParseScreen(s string) (Screen, error) {
	sc := Screen(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := screenSlices[sc]; !ok {
		return "", errors.New(errors.CodeValidation, errors.WithMessagef("unknown screen %q", s))
	}
	return sc, nil
}

// Slices returns the refreshes the screen needs.
func (s Screen) Slices() []Slice {
	return slices.Clone(screenSlices[s])
}

type Profiles interface {
	GetCurrentProfile(ctx context.Context) (*domain.Session, error)
}

type Videos interface {
	ListPublic(ctx context.Context, city string) ([]domain.Video, error)
	ListMine(ctx context.Context) ([]domain.Video, error)
	CancelWatches()
}

type Rankings interface {
	Fetch(ctx context.Context, n int, city string) ([]domain.RankingEntry, error)
}

type Config struct {
	Profiles Profiles
	Videos   Videos
	Rankings Rankings
	// RankingLimit is the number of ranking rows requested per activation.
	RankingLimit int
	EventBus     *event.Bus
}

// Snapshot is the consistent view of one screen activation. A slice that
// failed to load is empty and its error is listed in Errors.
type Snapshot struct {
	Screen     Screen                 `json:"screen"`
	City       string                 `json:"city"`
	Generation uint64                 `json:"generation"`
	Profile    *domain.Profile        `json:"profile,omitempty"`
	Public     []domain.Video         `json:"public_videos"`
	Mine       []domain.Video         `json:"my_videos"`
	Rankings   []domain.RankingEntry  `json:"rankings"`
	Errors     map[Slice]*errors.Error `json:"errors,omitempty"`
	LoadedAt   time.Time              `json:"loaded_at"`
}

// Failed reports whether slice s failed to load.
func (s Snapshot) Failed(sl Slice) bool {
	_, ok := s.Errors[sl]
	return ok
}

// Loader coordinates the refreshes of each screen activation.
type Loader struct {
	profiles Profiles
	videos   Videos
	rankings Rankings
	limit    int

	mu     sync.Mutex
	gen    uint64
	screen Screen
	city   string
	snap   *Snapshot
	stale  bool
}

func New(c Config) *Loader {
	l := &Loader{
		profiles: c.Profiles,
		videos:   c.Videos,
		rankings: c.Rankings,
		limit:    c.RankingLimit,
	}

	if c.EventBus != nil {
		invalidate := func(context.Context, event.Event) error {
			l.Invalidate()
			return nil
		}
		c.EventBus.Subscribe(domain.EventNameSessionStarted, invalidate)
		c.EventBus.Subscribe(domain.EventNameSessionEnded, invalidate)
	}

	return l
}

// Activate shows screen with the given city filter. Activating the screen and
// filter already shown returns the current snapshot without any request.
func (l *Loader) Activate(ctx context.Context, screen Screen, city string) (Snapshot, error) {
	if _, ok := screenSlices[screen]; !ok {
		return Snapshot{}, errors.New(errors.CodeValidation, errors.WithMessagef("unknown screen %q", screen))
	}
	city = strings.TrimSpace(city)

	l.mu.Lock()
	if l.snap != nil && !l.stale && l.screen == screen && l.city == city {
		snap := *l.snap
		l.mu.Unlock()
		return snap, nil
	}

	leaving := l.screen
	gen := l.begin(screen, city)
	l.mu.Unlock()

	if leaving == ScreenUpload && screen != ScreenUpload {
		l.videos.CancelWatches()
	}

	return l.load(ctx, gen, screen, city)
}

// Refresh reloads the current screen regardless of the cached snapshot.
func (l *Loader) Refresh(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	screen, city := l.screen, l.city
	if screen == "" {
		l.mu.Unlock()
		return Snapshot{}, errors.New(errors.CodeValidation, errors.WithMessagef("no screen is active"))
	}
	gen := l.begin(screen, city)
	l.mu.Unlock()

	return l.load(ctx, gen, screen, city)
}

// Invalidate makes the next activation of the current screen reload it.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stale = true
}

// Snapshot returns the last snapshot applied, if any.
func (l *Loader) Snapshot() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.snap == nil {
		return Snapshot{}, false
	}
	return *l.snap, true
}

// Generation returns the generation of the latest activation.
func (l *Loader) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.gen
}

// begin must be called with l.mu held.
func (l *Loader) begin(screen Screen, city string) uint64 {
	l.gen++
	l.screen = screen
	l.city = city
	l.stale = false
	return l.gen
}

func (l *Loader) load(ctx context.Context, gen uint64, screen Screen, city string) (Snapshot, error) {
	snap := Snapshot{
		Screen:     screen,
		City:       city,
		Generation: gen,
		Public:     []domain.Video{},
		Mine:       []domain.Video{},
		Rankings:   []domain.RankingEntry{},
	}

	var (
		mu   sync.Mutex
		errs = make(map[Slice]*errors.Error)
	)
	fail := func(sl Slice, err error) {
		slog.WarnContext(ctx, "loader: refresh failed", "screen", screen, "slice", sl, "generation", gen, "error", err)
		mu.Lock()
		errs[sl] = errors.Convert(err)
		mu.Unlock()
	}

	want := screenSlices[screen]
	// My videos are listed for the identity the profile slice resolves, so
	// they load after it when the screen has both.
	chained := slices.Contains(want, SliceProfile) && slices.Contains(want, SliceMine)

	run := map[Slice]func(){
		SliceProfile: func() {
			s, err := l.profiles.GetCurrentProfile(ctx)
			if err != nil {
				fail(SliceProfile, err)
				return
			}
			p := s.Profile
			snap.Profile = &p
		},
		SlicePublic: func() {
			// Public videos are listed for every city; the filter only applies to rankings.
			vs, err := l.videos.ListPublic(ctx, domain.CityAll)
			if err != nil {
				fail(SlicePublic, err)
				return
			}
			snap.Public = vs
		},
		SliceMine: func() {
			vs, err := l.videos.ListMine(ctx)
			if err != nil {
				fail(SliceMine, err)
				return
			}
			snap.Mine = vs
		},
		SliceRankings: func() {
			rs, err := l.rankings.Fetch(ctx, l.limit, city)
			if err != nil {
				fail(SliceRankings, err)
				return
			}
			snap.Rankings = rs
		},
	}

	// Slices never cancel each other, so the group has no shared context.
	var g errgroup.Group
	for _, sl := range want {
		switch {
		case sl == SliceMine && chained:
			continue
		case sl == SliceProfile && chained:
			g.Go(func() error {
				run[SliceProfile]()
				run[SliceMine]()
				return nil
			})
		default:
			g.Go(func() error {
				run[sl]()
				return nil
			})
		}
	}
	_ = g.Wait()

	if len(errs) > 0 {
		snap.Errors = errs
	}
	snap.LoadedAt = time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen {
		slog.DebugContext(ctx, "loader: discarded stale view", "screen", screen, "generation", gen, "current", l.gen)
		return Snapshot{}, ErrStaleView
	}
	l.snap = &snap

	return snap, nil
}
