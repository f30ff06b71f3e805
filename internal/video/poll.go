package video

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/errors"
	"github.com/victornm/risingstars/internal/gateway"
)

const (
	defaultPollInterval = 5 * time.Second
)

type Lister interface {
	ListMyVideos(ctx context.Context) ([]gateway.Video, error)
}

type PollConfig struct {
	Lister        Lister
	Interval      time.Duration
	Timeout       time.Duration
	NewTickerFunc func(d time.Duration) Ticker
}

// PollChannel asks the backend for the owner's videos at a fixed interval.
type PollChannel struct {
	lister    Lister
	interval  time.Duration
	timeout   time.Duration
	newTicker func(d time.Duration) Ticker
}

func NewPollChannel(c PollConfig) *PollChannel {
	p := &PollChannel{
		lister:    c.Lister,
		interval:  c.Interval,
		timeout:   c.Timeout,
		newTicker: c.NewTickerFunc,
	}
	if p.interval <= 0 {
		p.interval = defaultPollInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultWatchTimeout
	}
	if p.newTicker == nil {
		p.newTicker = newTimeTicker
	}

	return p
}

func (p *PollChannel) Watch(ctx context.Context, videoID string, r Reporter) error {
	ctx, cancel := context.WithTimeoutCause(ctx, p.timeout, ErrWatchTimeout)
	defer cancel()

	tk := p.newTicker(p.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); stderrors.Is(cause, ErrWatchTimeout) {
				r.ReportStatus(videoID, domain.VideoStatusError, ErrWatchTimeout.Error())
				return ErrWatchTimeout
			}
			return ctx.Err()

		case <-tk.C():
			done, err := p.poll(ctx, videoID, r)
			if err != nil || done {
				return err
			}
		}
	}
}

func (p *PollChannel) poll(ctx context.Context, videoID string, r Reporter) (bool, error) {
	vs, err := p.lister.ListMyVideos(ctx)
	if errors.Is(err, errors.CodeAuth) {
		return false, err
	}
	if err != nil {
		// The deadline still bounds the loop.
		slog.WarnContext(ctx, "tracker: poll failed", "video_id", videoID, "error", err)
		return false, nil
	}

	for _, v := range vs {
		if string(v.VideoID) != videoID {
			continue
		}

		st := domain.VideoStatus(strings.ToLower(v.Status))
		r.ReportStatus(videoID, st, "")
		return st.Terminal(), nil
	}

	return false, nil
}
