package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/event"
)

// Context owns the process-wide credential and profile. Only the Manager starts
// or ends it; every other component reads it per request.
type Context struct {
	mu      sync.RWMutex
	token   string
	profile *domain.Profile

	store TokenStore
	eb    *event.Bus
}

func NewContext(store TokenStore, eb *event.Bus) *Context {
	if store == nil {
		store = NewMemoryStore()
	}

	return &Context{store: store, eb: eb}
}

func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// Profile returns the authenticated profile, if a session is active.
func (c *Context) Profile() (domain.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == "" || c.profile == nil {
		return domain.Profile{}, false
	}
	return *c.profile, true
}

func (c *Context) Authenticated() bool {
	return c.Token() != ""
}

// Revoke ends the session after the backend rejected the credential.
func (c *Context) Revoke(ctx context.Context, reason string) {
	c.end(ctx, reason)
}

func (c *Context) begin(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	c.profile = nil
	c.mu.Unlock()

	return c.store.Save(ctx, token)
}

func (c *Context) setProfile(ctx context.Context, p domain.Profile) {
	c.mu.Lock()
	changed := c.profile == nil || c.profile.UserID != p.UserID
	c.profile = &p
	c.mu.Unlock()

	// Profile refreshes of the same identity are not a new session.
	if changed {
		c.eb.Publish(ctx, domain.EventSessionStarted{Profile: p})
	}
}

// restore loads the persisted token without validating it.
func (c *Context) restore(ctx context.Context) (string, error) {
	if tok := c.Token(); tok != "" {
		return tok, nil
	}

	tok, err := c.store.Load(ctx)
	if err != nil || tok == "" {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" {
		c.token = tok
	}
	return c.token, nil
}

// end clears memory and persisted state. It is idempotent.
func (c *Context) end(ctx context.Context, reason string) {
	c.mu.Lock()
	had := c.token != ""
	var uid string
	if c.profile != nil {
		uid = c.profile.UserID
	}
	c.token = ""
	c.profile = nil
	c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "session: clear persisted token failed", "error", err)
	}

	if had {
		slog.InfoContext(ctx, "session: ended", "user_id", uid, "reason", reason)
		c.eb.Publish(ctx, domain.EventSessionEnded{UserID: uid, Reason: reason})
	}
}
