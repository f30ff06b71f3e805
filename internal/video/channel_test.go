package video_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/errors"
	"github.com/victornm/risingstars/internal/gateway"
	"github.com/victornm/risingstars/internal/video"
)

type recorder struct {
	mu       sync.Mutex
	statuses []domain.VideoStatus
	reasons  []string
	progress []int
}

func (r *recorder) ReportProgress(_ string, pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
}

func (r *recorder) ReportStatus(_ string, st domain.VideoStatus, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
	r.reasons = append(r.reasons, reason)
}

type fakeTicker struct {
	c chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (*fakeTicker) Stop()                 {}

// sequenceLister answers each poll with the next status for the video.
type sequenceLister struct {
	mu       sync.Mutex
	videoID  string
	statuses []string
	errs     []error
	calls    int
}

func (l *sequenceLister) ListMyVideos(context.Context) ([]gateway.Video, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.calls
	l.calls++
	if i < len(l.errs) && l.errs[i] != nil {
		return nil, l.errs[i]
	}
	st := l.statuses[min(i, len(l.statuses)-1)]
	return []gateway.Video{
		{VideoID: "other", Status: "processed"},
		{VideoID: gateway.ID(l.videoID), Status: st},
	}, nil
}

func TestPollChannel_Watch(t *testing.T) {
	type (
		inputs struct {
			lister *sequenceLister
			ticks  int
		}

		outputs struct {
			err      error
			statuses []domain.VideoStatus
			polls    int
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should stop once processed": {
			arrange: func() inputs {
				return inputs{
					lister: &sequenceLister{videoID: "v1", statuses: []string{"uploaded", "PROCESSING", "processed", "processed"}},
					ticks:  4,
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, 3, out.polls, "no poll after a terminal status")
				assert.Equal(t, []domain.VideoStatus{"uploaded", "processing", "processed"}, out.statuses)
			},
		},
		"should stop on error status": {
			arrange: func() inputs {
				return inputs{
					lister: &sequenceLister{videoID: "v1", statuses: []string{"processing", "error"}},
					ticks:  3,
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, 2, out.polls)
				assert.Equal(t, []domain.VideoStatus{"processing", "error"}, out.statuses)
			},
		},
		"should keep polling through transient failures": {
			arrange: func() inputs {
				return inputs{
					lister: &sequenceLister{
						videoID:  "v1",
						statuses: []string{"processed"},
						errs:     []error{errors.New(errors.CodeNetwork), errors.New(errors.CodeNetwork)},
					},
					ticks: 3,
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, 3, out.polls)
				assert.Equal(t, []domain.VideoStatus{"processed"}, out.statuses)
			},
		},
		"should give up when the session is rejected": {
			arrange: func() inputs {
				return inputs{
					lister: &sequenceLister{videoID: "v1", statuses: []string{"processing"}, errs: []error{errors.New(errors.CodeAuth)}},
					ticks:  2,
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeAuth))
				assert.Equal(t, 1, out.polls)
				assert.Empty(t, out.statuses)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			tk := &fakeTicker{c: make(chan time.Time, in.ticks)}
			for range in.ticks {
				tk.c <- time.Now()
			}

			ch := video.NewPollChannel(video.PollConfig{
				Lister:        in.lister,
				Interval:      time.Millisecond,
				Timeout:       time.Minute,
				NewTickerFunc: func(time.Duration) video.Ticker { return tk },
			})

			rec := &recorder{}
			err := ch.Watch(context.Background(), "v1", rec)

			tt.assert(t, outputs{err: err, statuses: rec.statuses, polls: in.lister.calls})
		})
	}
}

func TestPollChannel_Timeout(t *testing.T) {
	ch := video.NewPollChannel(video.PollConfig{
		Lister:   &sequenceLister{videoID: "v1", statuses: []string{"processing"}},
		Interval: 5 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	})

	rec := &recorder{}
	err := ch.Watch(context.Background(), "v1", rec)
	require.ErrorIs(t, err, video.ErrWatchTimeout)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.statuses)
	assert.Equal(t, domain.VideoStatusError, rec.statuses[len(rec.statuses)-1])
	assert.Equal(t, "processing timed out", rec.reasons[len(rec.reasons)-1])
}

func TestPollChannel_Cancelled(t *testing.T) {
	ch := video.NewPollChannel(video.PollConfig{
		Lister:   &sequenceLister{videoID: "v1", statuses: []string{"processing"}},
		Interval: time.Hour,
		Timeout:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	err := ch.Watch(ctx, "v1", rec)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.statuses, "a cancelled watch reports nothing")
}

func TestPushChannel_Watch(t *testing.T) {
	dialed := make(chan [2]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialed <- [2]string{r.Header.Get("Authorization"), r.URL.Query().Get("video_id")}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		msgs := []map[string]any{
			{"video_id": "other", "status": "error"},
			{"video_id": "v1", "progress": 40},
			{"video_id": "v1", "status": "processing"},
			{"video_id": "v1", "status": "PROCESSED"},
		}
		for _, m := range msgs {
			if err := wsjson.Write(ctx, conn, m); err != nil {
				return
			}
		}

		// Wait for the client to hang up.
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	ch := video.NewPushChannel(video.PushConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/events",
		Credentials: tokenCreds("tok-1"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &recorder{}
	require.NoError(t, ch.Watch(ctx, "v1", rec))

	got := <-dialed
	assert.Equal(t, "Bearer tok-1", got[0])
	assert.Equal(t, "v1", got[1])
	assert.Equal(t, []int{40}, rec.progress)
	assert.Equal(t, []domain.VideoStatus{"processing", "processed"}, rec.statuses)
}

func TestPushChannel_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ch := video.NewPushChannel(video.PushConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})

	err := ch.Watch(context.Background(), "v1", &recorder{})
	assert.Error(t, err)
}

func TestPushChannel_FallsBackToPolling(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	lister := &sequenceLister{videoID: "v1", statuses: []string{"processing", "processed"}}
	ch := video.NewPushChannel(video.PushConfig{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Fallback: video.NewPollChannel(video.PollConfig{
			Lister:   lister,
			Interval: 5 * time.Millisecond,
			Timeout:  time.Second,
		}),
	})

	rec := &recorder{}
	require.NoError(t, ch.Watch(context.Background(), "v1", rec))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []domain.VideoStatus{"processing", "processed"}, rec.statuses)
}

func TestPushChannel_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		// Never reports anything.
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	ch := video.NewPushChannel(video.PushConfig{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Timeout: 50 * time.Millisecond,
	})

	rec := &recorder{}
	err := ch.Watch(context.Background(), "v1", rec)
	require.ErrorIs(t, err, video.ErrWatchTimeout)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []domain.VideoStatus{domain.VideoStatusError}, rec.statuses)
	assert.Equal(t, []string{"processing timed out"}, rec.reasons)
}
