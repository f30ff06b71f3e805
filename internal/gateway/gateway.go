package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/risingstars/internal/errors"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Credentials is the read side of the session context. The token is re-read
// on every request.
type Credentials interface {
	Token() string
	// Revoke clears the credential after the backend rejected it.
	Revoke(ctx context.Context, reason string)
}

// Observer receives one call per finished request.
type Observer interface {
	ObserveRequest(op string, status int, err error, d time.Duration)
}

type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials Credentials
	Observer    Observer
}

// Client talks to the competition backend over HTTP/JSON.
type Client struct {
	base  string
	hc    *http.Client
	creds Credentials
	obs   Observer
}

func New(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		base:  strings.TrimRight(c.BaseURL, "/"),
		hc:    hc,
		creds: c.Credentials,
		obs:   c.Observer,
	}
}

type authMode int

const (
	authNone authMode = iota
	authOptional
	authRequired
)

type call struct {
	op          string
	method      string
	path        string
	query       url.Values
	auth        authMode
	body        io.Reader
	contentType string
	// failure is the code used for transport errors and unclassified statuses.
	failure errors.Code
}

func (c *Client) SignUp(ctx context.Context, req SignUpRequest) (*Profile, error) {
	b, err := c.do(ctx, jsonCall("signup", http.MethodPost, "/api/auth/signup", authNone, req))
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := decode(b, &p); err != nil {
		return nil, errors.New(errors.CodeNetwork, errors.WithMessagef("signup: decode response"), errors.WithCause(err))
	}
	return &p, nil
}

func (c *Client) LogIn(ctx context.Context, email, password string) (*Token, error) {
	b, err := c.do(ctx, jsonCall("login", http.MethodPost, "/api/auth/login", authNone, logInRequest{
		Email:    email,
		Password: password,
	}))
	if err != nil {
		return nil, err
	}

	var t Token
	if err := decode(b, &t); err != nil {
		return nil, errors.New(errors.CodeNetwork, errors.WithMessagef("login: decode response"), errors.WithCause(err))
	}
	if t.AccessToken == "" {
		return nil, errors.New(errors.CodeAuth, errors.WithMessagef("login: backend returned no access token"))
	}
	return &t, nil
}

func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	b, err := c.do(ctx, call{op: "profile", method: http.MethodGet, path: "/api/auth/profile", auth: authRequired, failure: errors.CodeNetwork})
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := decode(b, &p); err != nil {
		return nil, errors.New(errors.CodeNetwork, errors.WithMessagef("profile: decode response"), errors.WithCause(err))
	}
	return &p, nil
}

func (c *Client) ListMyVideos(ctx context.Context) ([]Video, error) {
	b, err := c.do(ctx, call{op: "my_videos", method: http.MethodGet, path: "/api/videos", auth: authRequired, failure: errors.CodeNetwork})
	if err != nil {
		return nil, err
	}

	vs, err := decodeList[Video](b, "videos")
	if err != nil {
		return nil, errors.New(errors.CodeNetwork, errors.WithMessagef("my videos: decode response"), errors.WithCause(err))
	}
	return vs, nil
}

func (c *Client) ListPublicVideos(ctx context.Context) ([]Video, error) {
	b, err := c.do(ctx, call{op: "public_videos", method: http.MethodGet, path: "/api/ranking/public", auth: authOptional, failure: errors.CodeNetwork})
	if err != nil {
		return nil, err
	}

	vs, err := decodeList[Video](b, "videos")
	if err != nil {
		return nil, errors.New(errors.CodeNetwork, errors.WithMessagef("public videos: decode response"), errors.WithCause(err))
	}
	return vs, nil
}

func (c *Client) CastVote(ctx context.Context, videoID string) (*VoteResponse, error) {
	b, err := c.do(ctx, call{
		op:      "vote",
		method:  http.MethodPost,
		path:    "/api/ranking/public/" + url.PathEscape(videoID) + "/vote",
		auth:    authRequired,
		failure: errors.CodeNetwork,
	})
	if err != nil {
		return nil, err
	}

	var r VoteResponse
	if err := decode(b, &r); err != nil {
		return nil, errors.New(errors.CodeNetwork, errors.WithMessagef("vote: decode response"), errors.WithCause(err))
	}
	return &r, nil
}

func (c *Client) TopRankings(ctx context.Context, limit int, city string) ([]RankingEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if city != "" {
		q.Set("city", city)
	}

	b, err := c.do(ctx, call{op: "top_rankings", method: http.MethodGet, path: "/api/ranking/top", query: q, auth: authNone, failure: errors.CodeNetwork})
	if err != nil {
		return nil, err
	}

	rs, err := decodeList[RankingEntry](b, "rankings")
	if err != nil {
		return nil, errors.New(errors.CodeNetwork, errors.WithMessagef("top rankings: decode response"), errors.WithCause(err))
	}
	return rs, nil
}

func jsonCall(op, method, path string, auth authMode, body any) call {
	b, err := json.Marshal(body)
	if err != nil {
		// Request types are plain structs; this cannot fail.
		panic(fmt.Sprintf("gateway: marshal %s request: %v", op, err))
	}

	return call{
		op:          op,
		method:      method,
		path:        path,
		auth:        auth,
		body:        bytes.NewReader(b),
		contentType: "application/json",
		failure:     errors.CodeNetwork,
	}
}

// do executes the call and returns the response body of a 2xx answer.
// A 204 yields an empty body.
func (c *Client) do(ctx context.Context, cl call) (body []byte, err error) {
	token := c.token()
	if cl.auth == authRequired && token == "" {
		return nil, errors.New(errors.CodeAuth, errors.WithMessagef("%s: not authenticated", cl.op))
	}

	start := time.Now()
	status := 0
	defer func() {
		if c.obs != nil {
			c.obs.ObserveRequest(cl.op, status, err, time.Since(start))
		}
	}()

	u := c.base + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, u, cl.body)
	if err != nil {
		return nil, errors.New(cl.failure, errors.WithMessagef("%s: build request", cl.op), errors.WithCause(err))
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	if token != "" && cl.auth != authNone {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.New(cl.failure, errors.WithMessagef("%s: request failed", cl.op), errors.WithCause(err))
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.New(cl.failure, errors.WithMessagef("%s: read response", cl.op), errors.WithCause(err))
		}
		return b, nil
	}

	msg := readErrorMessage(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized && token != "" && cl.auth != authNone {
		slog.InfoContext(ctx, "gateway: credential rejected, revoking session", "op", cl.op)
		c.creds.Revoke(ctx, msg)
	}

	return nil, statusError(cl, resp.StatusCode, msg)
}

func (c *Client) token() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.Token()
}

func statusError(cl call, status int, msg string) *errors.Error {
	if msg == "" {
		msg = fmt.Sprintf("HTTP error! status: %d", status)
	}

	code := cl.failure
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = errors.CodeAuth
	case http.StatusConflict:
		code = errors.CodeConflict
	case http.StatusNotFound:
		code = errors.CodeNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if cl.failure != errors.CodeUpload {
			code = errors.CodeValidation
		}
	}

	return errors.New(code, errors.WithMessagef("%s", msg), errors.WithCause(fmt.Errorf("%s: status %d", cl.op, status)))
}

func readErrorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))

	var er errorResponse
	if err := json.Unmarshal(b, &er); err == nil {
		if er.Error != "" {
			return er.Error
		}
		return er.Message
	}

	return strings.TrimSpace(string(b))
}

func decode(b []byte, v any) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
