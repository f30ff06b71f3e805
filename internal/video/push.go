package video

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/victornm/risingstars/internal/domain"
)

type TokenSource interface {
	Token() string
}

type PushConfig struct {
	// URL is the websocket endpoint streaming pipeline events.
	URL         string
	Credentials TokenSource
	HTTPClient  *http.Client
	// Timeout bounds the whole watch, fallback included.
	Timeout time.Duration
	// Fallback takes over when the websocket cannot be dialed or breaks.
	Fallback StatusChannel
}

// PushChannel subscribes to pipeline events over a websocket.
type PushChannel struct {
	url      string
	creds    TokenSource
	hc       *http.Client
	timeout  time.Duration
	fallback StatusChannel
}

func NewPushChannel(c PushConfig) *PushChannel {
	p := &PushChannel{
		url:      c.URL,
		creds:    c.Credentials,
		hc:       c.HTTPClient,
		timeout:  c.Timeout,
		fallback: c.Fallback,
	}
	if p.timeout <= 0 {
		p.timeout = defaultWatchTimeout
	}

	return p
}

type pushMessage struct {
	VideoID  string `json:"video_id"`
	Status   string `json:"status"`
	Progress *int   `json:"progress,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (p *PushChannel) Watch(ctx context.Context, videoID string, r Reporter) error {
	ctx, cancel := context.WithTimeoutCause(ctx, p.timeout, ErrWatchTimeout)
	defer cancel()

	err := p.stream(ctx, videoID, r)
	if err == nil {
		return nil
	}

	if stderrors.Is(context.Cause(ctx), ErrWatchTimeout) {
		r.ReportStatus(videoID, domain.VideoStatusError, ErrWatchTimeout.Error())
		return ErrWatchTimeout
	}
	if ctx.Err() != nil || p.fallback == nil {
		return err
	}

	slog.WarnContext(ctx, "tracker: push channel failed, falling back", "video_id", videoID, "error", err)
	return p.fallback.Watch(ctx, videoID, r)
}

func (p *PushChannel) stream(ctx context.Context, videoID string, r Reporter) error {
	u, err := url.Parse(p.url)
	if err != nil {
		return fmt.Errorf("parse events url: %w", err)
	}
	q := u.Query()
	q.Set("video_id", videoID)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if p.creds != nil {
		if tok := p.creds.Token(); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: p.hc,
		HTTPHeader: h,
	})
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.CloseNow()

	for {
		var m pushMessage
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if m.VideoID != videoID {
			continue
		}

		if m.Progress != nil {
			r.ReportProgress(videoID, *m.Progress)
		}
		if m.Status == "" {
			continue
		}

		st := domain.VideoStatus(strings.ToLower(m.Status))
		r.ReportStatus(videoID, st, m.Reason)
		if st.Terminal() {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}
