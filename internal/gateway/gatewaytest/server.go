// Package gatewaytest provides an in-memory competition backend speaking the
// gateway HTTP/JSON contract, for tests.
package gatewaytest

import (
	"cmp"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/gateway"
)

type User struct {
	UserID    string
	FirstName string
	LastName  string
	Email     string
	Password  string
	City      string
	Country   string
}

type failure struct {
	status int
	msg    string
}

// Server is a fake backend. Request handling is serialized per server.
type Server struct {
	URL string

	srv *httptest.Server

	mu       sync.Mutex
	seq      int
	users    map[string]*User
	tokens   map[string]string
	videos   map[string]*gateway.Video
	votes    map[string]bool
	calls    map[string]int
	failures map[string]failure
	holds    map[string]chan struct{}

	// VoteNoContent makes successful votes answer 204 without a body.
	VoteNoContent bool
}

func NewServer(t testing.TB) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		users:    make(map[string]*User),
		tokens:   make(map[string]string),
		videos:   make(map[string]*gateway.Video),
		votes:    make(map[string]bool),
		calls:    make(map[string]int),
		failures: make(map[string]failure),
		holds:    make(map[string]chan struct{}),
	}

	e := gin.New()
	e.POST("/api/auth/signup", s.track("signup"), s.signUp)
	e.POST("/api/auth/login", s.track("login"), s.logIn)
	e.GET("/api/auth/profile", s.track("profile"), s.auth, s.profile)
	e.POST("/api/videos/upload", s.track("upload"), s.auth, s.upload)
	e.GET("/api/videos", s.track("my_videos"), s.auth, s.myVideos)
	e.GET("/api/ranking/public", s.track("public_videos"), s.publicVideos)
	e.POST("/api/ranking/public/:video_id/vote", s.track("vote"), s.auth, s.vote)
	e.GET("/api/ranking/top", s.track("top_rankings"), s.topRankings)

	s.srv = httptest.NewServer(e)
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)

	return s
}

// AddUser registers a user and returns its id.
func (s *Server) AddUser(u User) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addUserLocked(u)
}

func (s *Server) addUserLocked(u User) string {
	s.seq++
	if u.UserID == "" {
		u.UserID = strconv.Itoa(s.seq)
	}
	s.users[strings.ToLower(u.Email)] = &u
	return u.UserID
}

// IssueToken logs the user in out of band and returns a valid token.
func (s *Server) IssueToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[strings.ToLower(email)]
	if u == nil {
		panic(fmt.Sprintf("gatewaytest: unknown user %s", email))
	}
	return s.issueLocked(u)
}

func (s *Server) issueLocked(u *User) string {
	s.seq++
	tok := fmt.Sprintf("token-%s-%d", u.UserID, s.seq)
	s.tokens[tok] = u.UserID
	return tok
}

// ExpireTokens invalidates every issued token.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.tokens)
}

// AddVideo stores v as is. Owner name and city are filled from the owner when empty.
func (s *Server) AddVideo(v gateway.Video) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u := s.userByIDLocked(string(v.UserID)); u != nil {
		if v.Username == "" {
			v.Username = u.FirstName + " " + u.LastName
		}
		if v.City == "" {
			v.City = u.City
		}
	}
	if v.UploadedAt.IsZero() {
		v.UploadedAt = time.Now().UTC()
	}
	s.videos[string(v.VideoID)] = &v
}

func (s *Server) SetStatus(videoID string, status domain.VideoStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.videos[videoID]; ok {
		v.Status = string(status)
	}
}

func (s *Server) Video(videoID string) (gateway.Video, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[videoID]
	if !ok {
		return gateway.Video{}, false
	}
	return *v, true
}

// Calls returns how many requests reached op.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[op]
}

func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Fail makes every request to op answer status with an error body until Recover is called.
func (s *Server) Fail(op string, status int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[op] = failure{status: status, msg: msg}
}

func (s *Server) Recover(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failures, op)
}

// Hold blocks requests to op until the returned release func is called.
func (s *Server) Hold(op string) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{})
	s.holds[op] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.holds, op)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Server) track(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.calls[op]++
		f, failing := s.failures[op]
		hold := s.holds[op]
		s.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-c.Request.Context().Done():
				c.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
		}

		if failing {
			c.AbortWithStatusJSON(f.status, gin.H{"error": f.msg})
			return
		}
	}
}

func (s *Server) auth(c *gin.Context) {
	tok, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	s.mu.Lock()
	id, valid := s.tokens[tok]
	s.mu.Unlock()

	if !valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	c.Set("user_id", id)
}

func (s *Server) signUp(c *gin.Context) {
	var req gateway.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Password != req.ConfirmPassword {
		c.JSON(http.StatusBadRequest, gin.H{"error": "passwords do not match"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[strings.ToLower(req.Email)]; exists {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	}

	id := s.addUserLocked(User{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Password:  req.Password,
		City:      req.City,
		Country:   req.Country,
	})
	c.JSON(http.StatusCreated, s.profileJSON(s.userByIDLocked(id)))
}

func (s *Server) logIn(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[strings.ToLower(req.Email)]
	if u == nil || u.Password != req.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": s.issueLocked(u),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) profile(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.JSON(http.StatusOK, s.profileJSON(s.userByIDLocked(c.GetString("user_id"))))
}

func (s *Server) upload(c *gin.Context) {
	title := c.PostForm("title")
	fh, err := c.FormFile("video")
	if err != nil || strings.TrimSpace(title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and video are required"})
		return
	}
	if fh.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty video"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("v%d", s.seq)
	u := s.userByIDLocked(c.GetString("user_id"))
	s.videos[id] = &gateway.Video{
		VideoID:    gateway.ID(id),
		UserID:     gateway.ID(u.UserID),
		Username:   u.FirstName + " " + u.LastName,
		City:       u.City,
		Title:      title,
		Status:     string(domain.VideoStatusUploaded),
		UploadedAt: time.Now().UTC(),
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":  "Video subido correctamente. Procesamiento en curso.",
		"video_id": id,
		"status":   domain.VideoStatusUploaded,
	})
}

func (s *Server) myVideos(c *gin.Context) {
	uid := c.GetString("user_id")

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]gateway.Video, 0)
	for _, v := range s.videos {
		if string(v.UserID) == uid {
			out = append(out, *v)
		}
	}
	sortVideos(out)
	c.JSON(http.StatusOK, out)
}

// publicVideos deliberately returns every status; clients filter.
func (s *Server) publicVideos(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]gateway.Video, 0, len(s.videos))
	for _, v := range s.videos {
		out = append(out, *v)
	}
	sortVideos(out)
	c.JSON(http.StatusOK, out)
}

func (s *Server) vote(c *gin.Context) {
	uid, vid := c.GetString("user_id"), c.Param("video_id")

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[vid]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}
	if v.Status != string(domain.VideoStatusProcessed) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video is not available for voting"})
		return
	}

	key := uid + "|" + vid
	if s.votes[key] {
		c.JSON(http.StatusConflict, gin.H{"error": "already voted"})
		return
	}
	s.votes[key] = true
	v.Votes++

	if s.VoteNoContent {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "vote registered", "vote_count": v.Votes})
}

func (s *Server) topRankings(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit < 1 || limit > 50 {
		limit = 10
	}
	city := c.Query("city")

	s.mu.Lock()
	defer s.mu.Unlock()

	vs := make([]gateway.Video, 0)
	for _, v := range s.videos {
		if v.Status == string(domain.VideoStatusProcessed) && domain.MatchCity(city, v.City) {
			vs = append(vs, *v)
		}
	}
	slices.SortFunc(vs, func(a, b gateway.Video) int {
		return cmp.Or(
			cmp.Compare(b.Votes, a.Votes),
			a.UploadedAt.Compare(b.UploadedAt),
			cmp.Compare(a.VideoID, b.VideoID),
		)
	})

	out := make([]gateway.RankingEntry, 0, min(limit, len(vs)))
	for i, v := range vs {
		if i == limit {
			break
		}
		out = append(out, gateway.RankingEntry{
			Position: i + 1,
			VideoID:  v.VideoID,
			Username: v.Username,
			City:     v.City,
			Title:    v.Title,
			Votes:    v.Votes,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) userByIDLocked(id string) *User {
	for _, u := range s.users {
		if u.UserID == id {
			return u
		}
	}
	return nil
}

func (s *Server) profileJSON(u *User) gin.H {
	if u == nil {
		return gin.H{}
	}

	// Numeric ids, as the production backend sends them.
	var id any = u.UserID
	if n, err := strconv.ParseInt(u.UserID, 10, 64); err == nil {
		id = n
	}

	return gin.H{
		"user_id":    id,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"email":      u.Email,
		"city":       u.City,
		"country":    u.Country,
	}
}

func sortVideos(vs []gateway.Video) {
	slices.SortFunc(vs, func(a, b gateway.Video) int {
		return cmp.Or(b.UploadedAt.Compare(a.UploadedAt), cmp.Compare(a.VideoID, b.VideoID))
	})
}
