package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/event"
)

const (
	maxConcurrent = 100
	writeTimeout  = 5 * time.Second

	// EventConnected is sent once a client is registered; it receives every
	// notification after it.
	EventConnected = "connected"
)

var notifiedEvents = []string{
	domain.EventNameSessionStarted,
	domain.EventNameSessionEnded,
	domain.EventNameVideoStatusChanged,
	domain.EventNameUploadProgress,
	domain.EventNameVoteCast,
	domain.EventNameRankingUpdated,
}

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	StatusChanged struct {
		Video  domain.Video       `json:"video"`
		From   domain.VideoStatus `json:"from"`
		Reason string             `json:"reason,omitempty"`
	}

	UploadProgress struct {
		VideoID string `json:"video_id"`
		Percent int    `json:"percent"`
	}

	VoteCast struct {
		VideoID   string    `json:"video_id"`
		VoteCount int       `json:"vote_count"`
		CastAt    time.Time `json:"cast_at"`
	}

	RankingUpdated struct {
		City    string                `json:"city"`
		Entries []domain.RankingEntry `json:"entries"`
	}

	SessionChanged struct {
		Authenticated bool            `json:"authenticated"`
		Profile       *domain.Profile `json:"profile,omitempty"`
		Reason        string          `json:"reason,omitempty"`
	}
)

func notification(e event.Event) Notification {
	n := Notification{Event: e.Name()}

	switch e := e.(type) {
	case domain.EventSessionStarted:
		n.Data = SessionChanged{Authenticated: true, Profile: &e.Profile}
	case domain.EventSessionEnded:
		n.Data = SessionChanged{Reason: e.Reason}
	case domain.EventVideoStatusChanged:
		n.Data = StatusChanged{Video: e.Video, From: e.From, Reason: e.Reason}
	case domain.EventUploadProgress:
		n.Data = UploadProgress{VideoID: e.VideoID, Percent: e.Percent}
	case domain.EventVoteCast:
		n.Data = VoteCast{VideoID: e.Record.Key.VideoID, VoteCount: e.VoteCount, CastAt: e.Record.CastAt}
	case domain.EventRankingUpdated:
		n.Data = RankingUpdated{City: e.City, Entries: e.Entries}
	default:
		n.Data = e
	}

	return n
}

// hub fans notifications out to the connected websocket clients.
type hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *hub) add(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c] = struct{}{}
}

func (h *hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c)
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

func (h *hub) broadcast(ctx context.Context, e event.Event) error {
	b, err := json.Marshal(notification(e))
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %v", e.Name(), err)
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, c := range conns {
		eg.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()

			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				// A client that cannot keep up is dropped.
				slog.DebugContext(ctx, "notify: dropping client", "event", e.Name(), "error", err)
				h.remove(c)
				c.CloseNow()
			}
			return nil
		})
	}

	return eg.Wait()
}

func (h *hub) close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (a *API) events(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "notify: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	a.hub.add(conn)
	defer a.hub.remove(conn)
	slog.DebugContext(c.Request.Context(), "notify: client connected", "clients", a.hub.size())

	hello, _ := json.Marshal(Notification{Event: EventConnected, Data: struct{}{}})
	wctx, cancel := context.WithTimeout(c.Request.Context(), writeTimeout)
	err = conn.Write(wctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		slog.DebugContext(c.Request.Context(), "notify: greeting failed", "error", err)
		return
	}

	// Clients only listen; reading is needed to process control frames.
	ctx := conn.CloseRead(c.Request.Context())
	<-ctx.Done()
}
