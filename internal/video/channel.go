package video

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/victornm/risingstars/internal/domain"
)

const defaultWatchTimeout = 10 * time.Minute

// ErrWatchTimeout is returned by a channel when no terminal status was observed
// in time. The video has been reported as error by then.
var ErrWatchTimeout = stderrors.New("processing timed out")

// Reporter receives pipeline updates for one video. The tracker implements it;
// it drops duplicate, backward and post-terminal reports.
type Reporter interface {
	ReportProgress(videoID string, percent int)
	ReportStatus(videoID string, status domain.VideoStatus, reason string)
}

// StatusChannel follows the processing pipeline for a video. Watch blocks
// until the video reaches a terminal status, the channel gives up, or ctx is
// cancelled.
type StatusChannel interface {
	Watch(ctx context.Context, videoID string, r Reporter) error
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }
