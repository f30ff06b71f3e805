package video

import (
	"bytes"
	"cmp"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/victornm/risingstars/internal/catalog"
	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/errors"
	"github.com/victornm/risingstars/internal/event"
	"github.com/victornm/risingstars/internal/gateway"
)

const (
	MaxTitleLength = 100
	// sniffLen matches mimetype's default read limit.
	sniffLen = 3072
)

type Gateway interface {
	UploadVideo(ctx context.Context, req gateway.UploadRequest) (*gateway.UploadResponse, error)
	ListMyVideos(ctx context.Context) ([]gateway.Video, error)
	ListPublicVideos(ctx context.Context) ([]gateway.Video, error)
}

type Identity interface {
	Profile() (domain.Profile, bool)
}

type Config struct {
	Gateway  Gateway
	Session  Identity
	Catalog  *catalog.Catalog
	Channel  StatusChannel
	EventBus *event.Bus
}

type track struct {
	mu       sync.Mutex
	video    domain.Video
	progress int
	history  []domain.VideoStatus
}

// Tracker owns the status state machine of the current user's submissions.
type Tracker struct {
	gw   Gateway
	sess Identity
	cat  *catalog.Catalog
	ch   StatusChannel
	eb   *event.Bus

	mu      sync.Mutex
	tracks  map[string]*track
	watches map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewTracker(c Config) *Tracker {
	return &Tracker{
		gw:      c.Gateway,
		sess:    c.Session,
		cat:     c.Catalog,
		ch:      c.Channel,
		eb:      c.EventBus,
		tracks:  make(map[string]*track),
		watches: make(map[string]context.CancelFunc),
	}
}

type File struct {
	Name    string
	Size    int64
	Content io.Reader
}

type SubmitRequest struct {
	Title string
	File  File
}

// Submit uploads a new video. Bad input fails with CodeValidation before any
// request. On acknowledgement the video is uploaded and the status channel is
// watched in the background until a terminal status.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (*domain.Video, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errors.New(errors.CodeValidation, errors.WithMessagef("title is required"))
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, errors.New(errors.CodeValidation, errors.WithMessagef("title must be at most %d characters", MaxTitleLength))
	}

	content, contentType, err := sniffVideo(req.File)
	if err != nil {
		return nil, err
	}

	owner, ok := t.sess.Profile()
	if !ok {
		return nil, errors.New(errors.CodeAuth, errors.WithMessagef("log in to upload a video"))
	}

	localID := "local-" + uuid.NewString()
	tr := &track{
		video: domain.Video{
			VideoID:    localID,
			OwnerID:    owner.UserID,
			OwnerName:  owner.DisplayName(),
			City:       owner.City,
			Title:      title,
			UploadedAt: time.Now(),
			Status:     domain.VideoStatusUploading,
		},
		history: []domain.VideoStatus{domain.VideoStatusUploading},
	}
	t.mu.Lock()
	t.tracks[localID] = tr
	t.mu.Unlock()

	t.eb.Publish(ctx, domain.EventVideoStatusChanged{Video: tr.video})

	total := req.File.Size
	resp, err := t.gw.UploadVideo(ctx, gateway.UploadRequest{
		Title:       title,
		FileName:    req.File.Name,
		ContentType: contentType,
		Size:        total,
		Content:     content,
		Progress: func(sent, total int64) {
			if total > 0 {
				// 100 is reserved for the acknowledgement.
				t.ReportProgress(localID, min(int(sent*100/total), 99))
			}
		},
	})
	if err != nil {
		t.ReportStatus(localID, domain.VideoStatusError, errors.Convert(err).Message)
		slog.ErrorContext(ctx, "tracker: upload failed", "video_id", localID, "error", err)

		if errors.Is(err, errors.CodeUpload) || errors.Is(err, errors.CodeAuth) {
			return nil, err
		}
		return nil, errors.New(errors.CodeUpload, errors.WithMessagef("%s", errors.Convert(err).Message), errors.WithCause(err))
	}

	videoID := string(resp.VideoID)
	t.rekey(localID, videoID)

	t.ReportProgress(videoID, 100)
	t.ReportStatus(videoID, domain.VideoStatusUploaded, "")
	if st := domain.VideoStatus(strings.ToLower(resp.Status)); st != "" && st != domain.VideoStatusUploaded {
		t.ReportStatus(videoID, st, "")
	}

	v, _ := t.Video(videoID)
	if !v.Status.Terminal() {
		t.watch(videoID)
	}

	slog.InfoContext(ctx, "tracker: upload acknowledged", "video_id", videoID, "status", v.Status)
	return &v, nil
}

func sniffVideo(f File) (io.Reader, string, error) {
	if f.Content == nil {
		return nil, "", errors.New(errors.CodeValidation, errors.WithMessagef("a video file is required"))
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f.Content, head)
	if err != nil && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, io.ErrUnexpectedEOF) {
		return nil, "", errors.New(errors.CodeUpload, errors.WithMessagef("read video file"), errors.WithCause(err))
	}
	head = head[:n]

	mt := mimetype.Detect(head)
	if n == 0 || !isVideo(mt) {
		return nil, "", errors.New(errors.CodeValidation, errors.WithMessagef("%s is not a video file (%s)", f.Name, mt.String()))
	}

	return io.MultiReader(bytes.NewReader(head), f.Content), mt.String(), nil
}

func isVideo(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	return false
}

func (t *Tracker) rekey(from, to string) {
	t.mu.Lock()
	tr := t.tracks[from]
	delete(t.tracks, from)
	t.tracks[to] = tr
	t.mu.Unlock()

	tr.mu.Lock()
	tr.video.VideoID = to
	tr.mu.Unlock()
}

func (t *Tracker) get(videoID string) *track {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tracks[videoID]
}

// ReportProgress records upload progress, clamped to [0,100]. Progress never
// decreases and is frozen once the upload failed.
func (t *Tracker) ReportProgress(videoID string, percent int) {
	tr := t.get(videoID)
	if tr == nil {
		return
	}

	percent = min(max(percent, 0), 100)

	tr.mu.Lock()
	if tr.video.Status == domain.VideoStatusError || percent <= tr.progress {
		tr.mu.Unlock()
		return
	}
	tr.progress = percent
	// Published under the lock so subscribers observe the same order.
	t.eb.Publish(context.Background(), domain.EventUploadProgress{VideoID: videoID, Percent: percent})
	tr.mu.Unlock()
}

// ReportStatus applies a status reported for videoID. A status more than one
// step ahead is walked through its intermediate states; anything that is not a
// forward move is dropped.
func (t *Tracker) ReportStatus(videoID string, status domain.VideoStatus, reason string) {
	tr := t.get(videoID)
	if tr == nil {
		return
	}

	tr.mu.Lock()
	path, ok := tr.video.Status.PathTo(status)
	if !ok {
		cur := tr.video.Status
		tr.mu.Unlock()
		if cur != status {
			slog.Debug("tracker: dropped status report", "video_id", videoID, "from", cur, "to", status)
		}
		return
	}

	for _, next := range path {
		from := tr.video.Status
		tr.video.Status = next
		tr.history = append(tr.history, next)
		t.eb.Publish(context.Background(), domain.EventVideoStatusChanged{Video: tr.video, From: from, Reason: reason})
	}
	v := tr.video
	tr.mu.Unlock()

	if !strings.HasPrefix(videoID, "local-") {
		t.cat.MergeStatus(v)
	}

	if v.Status.Terminal() {
		slog.Info("tracker: video reached terminal status", "video_id", videoID, "status", v.Status, "reason", reason)
		t.stopWatch(videoID)
	}
}

func (t *Tracker) watch(videoID string) {
	if t.ch == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if _, ok := t.watches[videoID]; ok {
		t.mu.Unlock()
		cancel()
		return
	}
	t.watches[videoID] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.stopWatch(videoID)

		err := t.ch.Watch(ctx, videoID, t)
		if err == nil || ctx.Err() != nil {
			return
		}

		// The pipeline can no longer be followed; the video is reported as failed.
		slog.Error("tracker: status channel stopped", "video_id", videoID, "error", err)
		t.ReportStatus(videoID, domain.VideoStatusError, "status updates unavailable: "+err.Error())
	}()
}

func (t *Tracker) stopWatch(videoID string) {
	t.mu.Lock()
	cancel, ok := t.watches[videoID]
	delete(t.watches, videoID)
	t.mu.Unlock()

	if ok {
		cancel()
	}
}

// CancelWatches stops every background status watch.
func (t *Tracker) CancelWatches() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.watches))
	for id, cancel := range t.watches {
		cancels = append(cancels, cancel)
		delete(t.watches, id)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Watching reports the number of active status watches.
func (t *Tracker) Watching() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.watches)
}

// Close cancels all watches and waits for them to return.
func (t *Tracker) Close() {
	t.CancelWatches()
	t.wg.Wait()
}

func (t *Tracker) Video(videoID string) (domain.Video, bool) {
	tr := t.get(videoID)
	if tr == nil {
		return domain.Video{}, false
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	return tr.video, true
}

func (t *Tracker) Progress(videoID string) (int, bool) {
	tr := t.get(videoID)
	if tr == nil {
		return 0, false
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	return tr.progress, true
}

// History returns every status the video went through, oldest first.
func (t *Tracker) History(videoID string) []domain.VideoStatus {
	tr := t.get(videoID)
	if tr == nil {
		return nil
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	return slices.Clone(tr.history)
}

// ListMine refreshes and returns the current user's videos, most recent first.
func (t *Tracker) ListMine(ctx context.Context) ([]domain.Video, error) {
	owner, ok := t.sess.Profile()
	if !ok {
		return nil, errors.New(errors.CodeAuth, errors.WithMessagef("log in to list your videos"))
	}

	vs, err := t.gw.ListMyVideos(ctx)
	if err != nil {
		return nil, err
	}

	for _, gv := range vs {
		v := gv.ToDomain()
		if v.OwnerID == "" {
			v.OwnerID = owner.UserID
		}
		if v.OwnerID != owner.UserID {
			continue
		}
		t.observe(v)
	}

	t.mu.Lock()
	tracks := make([]*track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		tracks = append(tracks, tr)
	}
	t.mu.Unlock()

	out := make([]domain.Video, 0, len(tracks))
	for _, tr := range tracks {
		tr.mu.Lock()
		v := tr.video
		tr.mu.Unlock()

		if v.OwnerID == owner.UserID {
			out = append(out, v)
		}
	}

	sortRecentFirst(out)
	return out, nil
}

// observe folds a backend view of an owned video into its track.
func (t *Tracker) observe(v domain.Video) {
	t.mu.Lock()
	tr, ok := t.tracks[v.VideoID]
	if !ok {
		status := v.Status
		if !status.Valid() {
			status = domain.VideoStatusUploaded
		}
		tr = &track{
			video:    v,
			progress: 100,
			history:  []domain.VideoStatus{status},
		}
		tr.video.Status = status
		t.tracks[v.VideoID] = tr
	}
	t.mu.Unlock()

	if ok {
		tr.mu.Lock()
		if v.UploadedAt.IsZero() {
			v.UploadedAt = tr.video.UploadedAt
		}
		status := tr.video.Status
		tr.video = v
		tr.video.Status = status
		tr.mu.Unlock()

		t.ReportStatus(v.VideoID, v.Status, "")
	}

	cur, _ := t.Video(v.VideoID)
	t.cat.Merge(cur)
}

// ListPublic returns processed videos in the city, most recent first. Every
// listed video is merged into the catalog.
func (t *Tracker) ListPublic(ctx context.Context, city string) ([]domain.Video, error) {
	vs, err := t.gw.ListPublicVideos(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Video, 0, len(vs))
	for _, gv := range vs {
		v := gv.ToDomain()
		if t.get(v.VideoID) != nil {
			t.ReportStatus(v.VideoID, v.Status, "")
		}

		merged := t.cat.Merge(v)
		if merged.Status == domain.VideoStatusProcessed && domain.MatchCity(city, merged.City) {
			out = append(out, merged)
		}
	}

	sortRecentFirst(out)
	return out, nil
}

func sortRecentFirst(vs []domain.Video) {
	slices.SortFunc(vs, func(a, b domain.Video) int {
		return cmp.Or(b.UploadedAt.Compare(a.UploadedAt), cmp.Compare(a.VideoID, b.VideoID))
	})
}
