package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/victornm/risingstars/internal/api"
	"github.com/victornm/risingstars/internal/catalog"
	"github.com/victornm/risingstars/internal/domain"
	"github.com/victornm/risingstars/internal/event"
	"github.com/victornm/risingstars/internal/gateway"
	"github.com/victornm/risingstars/internal/gateway/gatewaytest"
	"github.com/victornm/risingstars/internal/loader"
	"github.com/victornm/risingstars/internal/ranking"
	"github.com/victornm/risingstars/internal/session"
	"github.com/victornm/risingstars/internal/video"
	"github.com/victornm/risingstars/internal/vote"
)

var mp4Header = []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2avc1mp41")

type fixture struct {
	backend *gatewaytest.Server
	srv     *httptest.Server
	eb      *event.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gin.SetMode(gin.TestMode)

	backend := gatewaytest.NewServer(t)
	backend.AddUser(gatewaytest.User{FirstName: "Ana", LastName: "Rojas", Email: "ana@example.com", Password: "secret123", City: "Cali"})
	luis := backend.AddUser(gatewaytest.User{FirstName: "Luis", LastName: "Mora", Email: "luis@example.com", Password: "secret123", City: "Medellín"})
	backend.AddVideo(gateway.Video{VideoID: "p1", UserID: gateway.ID(luis), Title: "Salsa", Status: "processed", Votes: 3})
	backend.AddVideo(gateway.Video{VideoID: "p2", UserID: gateway.ID(luis), Title: "Cumbia", Status: "processing"})

	eb := event.NewBus()

	sc := session.NewContext(session.NewMemoryStore(), eb)
	gw := gateway.New(gateway.Config{BaseURL: backend.URL, Credentials: sc})
	cat := catalog.New()

	tr := video.NewTracker(video.Config{
		Gateway:  gw,
		Session:  sc,
		Catalog:  cat,
		Channel:  video.NewPollChannel(video.PollConfig{Lister: gw, Interval: 10 * time.Millisecond, Timeout: 5 * time.Second}),
		EventBus: eb,
	})

	rk := ranking.NewService(ranking.Config{Gateway: gw, Catalog: cat, EventBus: eb, PublishLimit: ranking.MaxLimit})

	a := api.New(api.Config{
		EventBus: eb,
		Sessions: session.NewManager(session.Config{Gateway: gw, Context: sc}),
		Session:  sc,
		Catalog:  cat,
		Tracker:  tr,
		Ledger:   vote.NewLedger(vote.Config{Gateway: gw, Session: sc, Catalog: cat, EventBus: eb}),
		Ranking:  rk,
		Loader: loader.New(loader.Config{
			Profiles:     session.NewManager(session.Config{Gateway: gw, Context: sc}),
			Videos:       tr,
			Rankings:     rk,
			RankingLimit: ranking.MaxLimit,
			EventBus:     eb,
		}),
	})

	e := gin.New()
	require.NoError(t, a.Register(e))

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		a.Close()
		srv.Close()
		tr.Close()
		eb.Stop()
	})

	return &fixture{backend: backend, srv: srv, eb: eb}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return send(t, req)
}

func send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]any{}
	if len(b) > 0 {
		require.NoError(t, json.Unmarshal(b, &out), string(b))
	}
	return resp.StatusCode, out
}

func (f *fixture) logIn(t *testing.T) {
	t.Helper()

	status, body := f.do(t, http.MethodPost, "/v1/auth/login", api.LogInRequest{Email: "ana@example.com", Password: "secret123"})
	require.Equal(t, http.StatusOK, status, body)
}

func TestAPI_SignUp(t *testing.T) {
	tests := map[string]struct {
		req    session.SignUpRequest
		status int
		code   string
		calls  int
	}{
		"password mismatch never reaches the backend": {
			req: session.SignUpRequest{
				FirstName: "Eva", LastName: "Paz", Email: "eva@example.com",
				Password: "secret123", ConfirmPassword: "secret124", City: "Cali",
			},
			status: http.StatusBadRequest,
			code:   "validation",
			calls:  0,
		},
		"duplicate email is a conflict": {
			req: session.SignUpRequest{
				FirstName: "Ana", LastName: "Rojas", Email: "ana@example.com",
				Password: "secret123", ConfirmPassword: "secret123", City: "Cali",
			},
			status: http.StatusConflict,
			code:   "conflict",
			calls:  1,
		},
		"new user is signed up and logged in": {
			req: session.SignUpRequest{
				FirstName: "Eva", LastName: "Paz", Email: "eva@example.com",
				Password: "secret123", ConfirmPassword: "secret123", City: "Bogotá",
			},
			status: http.StatusCreated,
			calls:  3,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			status, body := f.do(t, http.MethodPost, "/v1/auth/signup", tt.req)

			assert.Equal(t, tt.status, status, body)
			if tt.code != "" {
				assert.Equal(t, tt.code, body["code"])
				assert.NotEmpty(t, body["message"])
			} else {
				profile := body["profile"].(map[string]any)
				assert.Equal(t, "Colombia", profile["country"])
			}
			assert.Equal(t, tt.calls, f.backend.TotalCalls())
		})
	}
}

func TestAPI_Session(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/v1/auth/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth", body["code"])

	f.logIn(t)

	status, body = f.do(t, http.MethodGet, "/v1/auth/profile", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ana@example.com", body["profile"].(map[string]any)["email"])

	status, _ = f.do(t, http.MethodPost, "/v1/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = f.do(t, http.MethodGet, "/v1/auth/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_Vote(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/v1/views/videos", nil)
	require.Equal(t, http.StatusOK, status, body)
	public := body["public_videos"].([]any)
	require.Len(t, public, 1, "only processed videos are public")

	status, body = f.do(t, http.MethodPost, "/v1/videos/p1/vote", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth", body["code"])

	f.logIn(t)

	status, body = f.do(t, http.MethodPost, "/v1/videos/p1/vote", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 4, body["vote_count"])

	votes := f.backend.Calls("vote")

	status, body = f.do(t, http.MethodPost, "/v1/videos/p1/vote", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_voted", body["code"])
	assert.Equal(t, votes, f.backend.Calls("vote"), "a repeated vote never reaches the backend")

	status, body = f.do(t, http.MethodGet, "/v1/videos/p1/vote", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["voted"])

	status, body = f.do(t, http.MethodGet, "/v1/auth/profile", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"p1"}, body["voted"])

	status, body = f.do(t, http.MethodPost, "/v1/videos/p2/vote", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "not_votable", body["code"])
}

func TestAPI_Views(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/v1/views/settings", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["code"])

	status, body = f.do(t, http.MethodPost, "/v1/views/dashboard?city=Medell%C3%ADn", nil)
	require.Equal(t, http.StatusOK, status, body)

	// Anonymous: the profile and my videos slices fail, the rest loads.
	errs := body["errors"].(map[string]any)
	assert.Contains(t, errs, string(loader.SliceProfile))
	assert.Contains(t, errs, string(loader.SliceMine))
	assert.NotContains(t, errs, string(loader.SliceRankings))
	assert.Len(t, body["rankings"].([]any), 1)
	assert.Empty(t, body["my_videos"].([]any))

	calls := f.backend.TotalCalls()
	status, _ = f.do(t, http.MethodPost, "/v1/views/dashboard?city=Medell%C3%ADn", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, calls, f.backend.TotalCalls(), "re-rendering issues no request")
}

func TestAPI_Rankings(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/v1/rankings", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["entries"])

	status, _ = f.do(t, http.MethodPost, "/v1/views/rankings", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodGet, "/v1/rankings?limit=5&city=cali", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["entries"])

	status, body = f.do(t, http.MethodGet, "/v1/rankings?city=todas", nil)
	require.Equal(t, http.StatusOK, status)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "p1", entries[0].(map[string]any)["video_id"])
	assert.Equal(t, "Luis Mora", entries[0].(map[string]any)["display_name"])

	status, body = f.do(t, http.MethodGet, "/v1/rankings?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["code"])
}

func TestAPI_SubmitVideo(t *testing.T) {
	f := newFixture(t)
	f.logIn(t)

	upload := func(title string, content []byte) (int, map[string]any) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("title", title))
		fw, err := mw.CreateFormFile("video", "clip.mp4")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/videos", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return send(t, req)
	}

	status, body := upload("Mi baile", []byte("this is not a video at all"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["code"])
	assert.Equal(t, 0, f.backend.Calls("upload"))

	status, body = upload(strings.Repeat("x", 101), append(bytes.Clone(mp4Header), make([]byte, 512)...))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = upload("Mi baile", append(bytes.Clone(mp4Header), make([]byte, 512)...))
	require.Equal(t, http.StatusCreated, status, body)
	v := body["video"].(map[string]any)
	id := v["video_id"].(string)
	assert.Equal(t, "uploaded", v["status"])
	assert.EqualValues(t, 100, body["progress"])

	f.backend.SetStatus(id, domain.VideoStatusProcessed)

	require.Eventually(t, func() bool {
		status, body := f.do(t, http.MethodGet, "/v1/videos/"+id, nil)
		return status == http.StatusOK && body["video"].(map[string]any)["status"] == "processed"
	}, 2*time.Second, 10*time.Millisecond)

	_, body = f.do(t, http.MethodGet, "/v1/videos/"+id, nil)
	assert.Equal(t, []any{"uploading", "uploaded", "processing", "processed"}, body["history"])

	status, _ = f.do(t, http.MethodGet, "/v1/videos/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_Events(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/v1/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, b, err := conn.Read(ctx)
	require.NoError(t, err)
	var hello api.Notification
	require.NoError(t, json.Unmarshal(b, &hello))
	require.Equal(t, api.EventConnected, hello.Event)

	f.logIn(t)

	got := map[string]bool{}
	for !got[domain.EventNameSessionStarted] {
		_, b, err := conn.Read(ctx)
		require.NoError(t, err)

		var n api.Notification
		require.NoError(t, json.Unmarshal(b, &n))
		got[n.Event] = true
	}

	status, _ := f.do(t, http.MethodPost, "/v1/views/videos", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/v1/videos/p1/vote", nil)
	require.Equal(t, http.StatusOK, status)

	for {
		_, b, err := conn.Read(ctx)
		require.NoError(t, err)

		var n struct {
			Event string       `json:"event"`
			Data  api.VoteCast `json:"data"`
		}
		require.NoError(t, json.Unmarshal(b, &n))
		if n.Event != domain.EventNameVoteCast {
			continue
		}

		assert.Equal(t, "p1", n.Data.VideoID)
		assert.Equal(t, 4, n.Data.VoteCount)
		return
	}
}

func TestAPI_OpenAPI(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, status)

	paths := body["paths"].(map[string]any)
	for _, p := range []string{"/v1/auth/login", "/v1/views/{screen}", "/v1/videos/{id}/vote", "/v1/rankings", "/v1/events"} {
		assert.Contains(t, paths, p)
	}

	resp, err := http.Get(f.srv.URL + "/docs/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
