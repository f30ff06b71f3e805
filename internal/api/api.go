package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/risingstars/internal/catalog"
	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/errors"
	"github.com/victornm/risingstars/internal/event"
	"github.com/victornm/risingstars/internal/loader"
	"github.com/victornm/risingstars/internal/ranking"
	"github.com/victornm/risingstars/internal/session"
	"github.com/victornm/risingstars/internal/video"
	"github.com/victornm/risingstars/internal/vote"
)

// maxUploadMemory is the part of a multipart upload kept in memory; the rest
// spills to temporary files.
const maxUploadMemory = 32 << 20

type Config struct {
	EventBus *event.Bus
	Sessions *session.Manager
	Session  *session.Context
	Catalog  *catalog.Catalog
	Tracker  *video.Tracker
	Ledger   *vote.Ledger
	Ranking  *ranking.Service
	Loader   *loader.Loader
}

// API is the local HTTP surface the presentation layer talks to.
type API struct {
	sm  *session.Manager
	sc  *session.Context
	cat *catalog.Catalog
	tr  *video.Tracker
	led *vote.Ledger
	rk  *ranking.Service
	ld  *loader.Loader
	hub *hub
}

func New(c Config) *API {
	a := &API{
		sm:  c.Sessions,
		sc:  c.Session,
		cat: c.Catalog,
		tr:  c.Tracker,
		led: c.Ledger,
		rk:  c.Ranking,
		ld:  c.Loader,
		hub: newHub(),
	}

	// Register event handlers
	for _, name := range notifiedEvents {
		c.EventBus.SubscribeOrdered(name, func(ctx context.Context, e event.Event) error {
			return a.hub.broadcast(ctx, e)
		})
	}

	return a
}

// Register mounts the API routes on r.
func (a *API) Register(r gin.IRouter) error {
	doc, err := handleOpenAPI()
	if err != nil {
		return err
	}
	r.GET("/openapi.json", doc)
	r.GET("/docs/*any", gin.WrapH(swaggerUI()))

	v1 := r.Group("/v1")
	v1.POST("/auth/signup", a.signUp)
	v1.POST("/auth/login", a.logIn)
	v1.POST("/auth/logout", a.logOut)
	v1.GET("/auth/profile", a.profile)
	v1.POST("/views/:screen", a.activate)
	v1.POST("/videos", a.submitVideo)
	v1.GET("/videos/:id", a.getVideo)
	v1.POST("/videos/:id/vote", a.castVote)
	v1.GET("/videos/:id/vote", a.hasVoted)
	v1.GET("/rankings", a.rankings)
	v1.GET("/events", a.events)

	return nil
}

// Close disconnects every notification client.
func (a *API) Close() {
	a.hub.close()
}

type (
	ErrorResponse struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	LogInRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	SessionResponse struct {
		Profile domain.Profile `json:"profile"`
		// Voted lists the video ids the user is known to have voted for.
		Voted []string `json:"voted,omitempty"`
	}

	VideoResponse struct {
		Video    domain.Video         `json:"video"`
		Progress int                  `json:"progress"`
		History  []domain.VideoStatus `json:"history,omitempty"`
	}

	VoteResponse struct {
		VideoID   string `json:"video_id"`
		VoteCount int    `json:"vote_count"`
	}

	HasVotedResponse struct {
		VideoID string `json:"video_id"`
		Voted   bool   `json:"voted"`
	}

	RankingsResponse struct {
		City    string                `json:"city"`
		Entries []domain.RankingEntry `json:"entries"`
	}
)

func (a *API) signUp(c *gin.Context) {
	var req session.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeValidation, errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	s, err := a.sm.SignUp(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, SessionResponse{Profile: s.Profile})
}

func (a *API) logIn(c *gin.Context) {
	var req LogInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeValidation, errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	s, err := a.sm.LogIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{Profile: s.Profile})
}

func (a *API) logOut(c *gin.Context) {
	a.sm.LogOut(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (a *API) profile(c *gin.Context) {
	s, err := a.sm.GetCurrentProfile(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{Profile: s.Profile, Voted: a.led.Voted(s.Profile.UserID)})
}

func (a *API) activate(c *gin.Context) {
	screen, err := loader.ParseScreen(c.Param("screen"))
	if err != nil {
		abort(c, err)
		return
	}

	snap, err := a.ld.Activate(c.Request.Context(), screen, c.Query("city"))
	if stderrors.Is(err, loader.ErrStaleView) {
		abort(c, errors.New(errors.CodeConflict, errors.WithMessagef("a newer view was requested"), errors.WithCause(err)))
		return
	}
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (a *API) submitVideo(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		abort(c, errors.New(errors.CodeValidation, errors.WithMessagef("expected a multipart form"), errors.WithCause(err)))
		return
	}

	fh, err := c.FormFile("video")
	if err != nil {
		abort(c, errors.New(errors.CodeValidation, errors.WithMessagef("select a video file"), errors.WithCause(err)))
		return
	}

	f, err := fh.Open()
	if err != nil {
		abort(c, errors.Internal(err))
		return
	}
	defer f.Close()

	v, err := a.tr.Submit(c.Request.Context(), video.SubmitRequest{
		Title: c.PostForm("title"),
		File: video.File{
			Name:    fh.Filename,
			Size:    fh.Size,
			Content: f,
		},
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, a.videoResponse(*v))
}

func (a *API) getVideo(c *gin.Context) {
	id := c.Param("id")

	v, ok := a.tr.Video(id)
	if !ok {
		v, ok = a.cat.Get(id)
	}
	if !ok {
		abort(c, errors.New(errors.CodeNotFound, errors.WithMessagef("video %s not found", id)))
		return
	}

	c.JSON(http.StatusOK, a.videoResponse(v))
}

func (a *API) videoResponse(v domain.Video) VideoResponse {
	resp := VideoResponse{Video: v, History: a.tr.History(v.VideoID)}
	if p, ok := a.tr.Progress(v.VideoID); ok {
		resp.Progress = p
	} else if v.Status != domain.VideoStatusUploading && v.Status != domain.VideoStatusError {
		resp.Progress = 100
	}
	return resp
}

func (a *API) castVote(c *gin.Context) {
	id := c.Param("id")

	n, err := a.led.CastVote(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, VoteResponse{VideoID: id, VoteCount: n})
}

func (a *API) hasVoted(c *gin.Context) {
	id := c.Param("id")

	p, ok := a.sc.Profile()
	if !ok {
		abort(c, errors.New(errors.CodeAuth, errors.WithMessagef("not authenticated")))
		return
	}

	c.JSON(http.StatusOK, HasVotedResponse{VideoID: id, Voted: a.led.HasVoted(p.UserID, id)})
}

func (a *API) rankings(c *gin.Context) {
	limit := ranking.DefaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			abort(c, errors.New(errors.CodeValidation, errors.WithMessagef("limit must be a number")))
			return
		}
		limit = ranking.ClampLimit(n)
	}

	city := c.DefaultQuery("city", domain.CityAll)

	c.JSON(http.StatusOK, RankingsResponse{City: city, Entries: a.rk.TopN(limit, city)})
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), ErrorResponse{Code: e.Code.String(), Message: e.Message})
}
