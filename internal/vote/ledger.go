package vote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/risingstars/internal/catalog"
	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/errors"
	"github.com/victornm/risingstars/internal/event"
	"github.com/victornm/risingstars/internal/gateway"
)

type Gateway interface {
	CastVote(ctx context.Context, videoID string) (*gateway.VoteResponse, error)
}

type Identity interface {
	Profile() (domain.Profile, bool)
}

type Config struct {
	Gateway  Gateway
	Session  Identity
	Catalog  *catalog.Catalog
	Store    Store
	EventBus *event.Bus
}

// Ledger enforces at most one vote per identity and video. The in-memory set is
// a cache of confirmed votes; the store is the source of truth.
type Ledger struct {
	gw    Gateway
	sess  Identity
	cat   *catalog.Catalog
	store Store
	eb    *event.Bus
	locks keyLocks

	mu    sync.RWMutex
	voted map[domain.VoteKey]domain.VoteRecord
}

func NewLedger(c Config) *Ledger {
	l := &Ledger{
		gw:    c.Gateway,
		sess:  c.Session,
		cat:   c.Catalog,
		store: c.Store,
		eb:    c.EventBus,
		voted: make(map[domain.VoteKey]domain.VoteRecord),
	}
	if l.store == nil {
		l.store = NewMemoryStore(DefaultClaimTTL)
	}

	if l.eb != nil {
		l.eb.Subscribe(domain.EventNameSessionStarted, func(ctx context.Context, e event.Event) error {
			return l.Warm(ctx, e.(domain.EventSessionStarted).Profile.UserID)
		})
	}

	return l
}

// CastVote votes for videoID as the current identity and returns the video's
// vote count. Preconditions are checked in order: identity, votable video,
// no prior vote. A repeated vote never reaches the backend.
func (l *Ledger) CastVote(ctx context.Context, videoID string) (int, error) {
	p, ok := l.sess.Profile()
	if !ok {
		return 0, errors.New(errors.CodeAuth, errors.WithMessagef("log in to vote"))
	}

	v, ok := l.cat.Get(videoID)
	if !ok || !v.Votable() {
		return 0, errors.New(errors.CodeNotVotable, errors.WithMessagef("video %s is not available for voting", videoID))
	}

	key := domain.VoteKey{Identity: p.UserID, VideoID: videoID}
	if l.HasVoted(key.Identity, key.VideoID) {
		return 0, alreadyVoted(key, nil)
	}

	unlock := l.locks.lock(key)
	defer unlock()

	// A concurrent call may have finished while this one waited.
	if l.HasVoted(key.Identity, key.VideoID) {
		return 0, alreadyVoted(key, nil)
	}

	claimed, err := l.store.Claim(ctx, key)
	if err != nil {
		return 0, errors.New(errors.CodeNetwork,
			errors.WithMessagef("vote ledger unavailable"),
			errors.WithCause(fmt.Errorf("claim vote %s: %w", key, err)))
	}
	if !claimed {
		return 0, alreadyVoted(key, nil)
	}

	resp, err := l.gw.CastVote(ctx, videoID)
	if errors.Is(err, errors.CodeConflict) {
		// The backend already holds this vote.
		l.confirm(ctx, domain.VoteRecord{Key: key, CastAt: time.Now()})
		return 0, alreadyVoted(key, err)
	}
	if err != nil {
		if rerr := l.store.Release(context.WithoutCancel(ctx), key); rerr != nil {
			slog.ErrorContext(ctx, "ledger: release claim failed", "key", key.String(), "error", rerr)
		}
		return 0, err
	}

	rec := domain.VoteRecord{Key: key, CastAt: time.Now()}
	l.confirm(ctx, rec)

	n, _ := l.cat.IncrementVotes(videoID)
	if resp != nil && resp.VoteCount != nil && *resp.VoteCount != n {
		slog.DebugContext(ctx, "ledger: reconciled vote count", "video_id", videoID, "optimistic", n, "authoritative", *resp.VoteCount)
		n, _ = l.cat.SetVotes(videoID, *resp.VoteCount)
	}

	slog.InfoContext(ctx, "ledger: vote cast", "key", key.String(), "vote_count", n)
	l.eb.Publish(ctx, domain.EventVoteCast{Record: rec, VoteCount: n})

	return n, nil
}

func (l *Ledger) confirm(ctx context.Context, rec domain.VoteRecord) {
	if err := l.store.Confirm(context.WithoutCancel(ctx), rec); err != nil {
		// The backend accepted the vote; the cache still blocks a repeat in this process.
		slog.ErrorContext(ctx, "ledger: confirm vote failed", "key", rec.Key.String(), "error", err)
	}
	l.remember(rec)
}

func (l *Ledger) remember(rec domain.VoteRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.voted[rec.Key]; !ok {
		l.voted[rec.Key] = rec
	}
}

// HasVoted is a local lookup; it never performs I/O.
func (l *Ledger) HasVoted(identity, videoID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.voted[domain.VoteKey{Identity: identity, VideoID: videoID}]
	return ok
}

// Voted returns the video ids identity is known to have voted for.
func (l *Ledger) Voted(identity string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for k := range l.voted {
		if k.Identity == identity {
			out = append(out, k.VideoID)
		}
	}
	return out
}

// Warm loads the confirmed votes of identity from the store into the cache.
func (l *Ledger) Warm(ctx context.Context, identity string) error {
	if identity == "" {
		return nil
	}

	recs, err := l.store.List(ctx, identity)
	if err != nil {
		return fmt.Errorf("warm ledger: %w", err)
	}

	for _, rec := range recs {
		l.remember(rec)
	}

	slog.DebugContext(ctx, "ledger: warmed", "identity", identity, "votes", len(recs))
	return nil
}

func alreadyVoted(key domain.VoteKey, cause error) error {
	opts := []errors.Option{errors.WithMessagef("you already voted for video %s", key.VideoID)}
	if cause != nil {
		opts = append(opts, errors.WithCause(cause))
	}
	return errors.New(errors.CodeAlreadyVoted, opts...)
}

// keyLocks serializes work per vote key inside the process.
type keyLocks struct {
	mu    sync.Mutex
	locks map[domain.VoteKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key domain.VoteKey) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[domain.VoteKey]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
