package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"
	"github.com/swaggest/swgui/v5emb"

	"github.com/victornm/risingstars/internal/loader"
	"github.com/victornm/risingstars/internal/session"
)

type (
	screenPath struct {
		Screen string `path:"screen" enum:"landing,login,dashboard,upload,videos,rankings,profile"`
		City   string `query:"city" description:"City filter; all, todas or empty disable it."`
	}

	videoPath struct {
		ID string `path:"id"`
	}

	rankingsQuery struct {
		Limit int    `query:"limit" minimum:"1" maximum:"50" default:"10"`
		City  string `query:"city" default:"all"`
	}

	uploadForm struct {
		Title string `formData:"title" maxLength:"100" required:"true"`
		Video []byte `formData:"video" format:"binary" required:"true"`
	}
)

func newOpenAPISpec() (*openapi3.Spec, error) {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "Rising Stars local API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Session, submission, voting and ranking operations of the competition client.")

	var errs []error
	add := func(method, path string, describe func(oc openapi.OperationContext)) {
		oc, err := r.NewOperationContext(method, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", method, path, err))
			return
		}
		describe(oc)
		if err := r.AddOperation(oc); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", method, path, err))
		}
	}

	add(http.MethodPost, "/v1/auth/signup", func(oc openapi.OperationContext) {
		oc.SetSummary("Sign up")
		oc.SetDescription("Registers the user, then logs in with the same credentials.")
		oc.AddReqStructure(session.SignUpRequest{})
		oc.AddRespStructure(SessionResponse{}, openapi.WithHTTPStatus(http.StatusCreated))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	})

	add(http.MethodPost, "/v1/auth/login", func(oc openapi.OperationContext) {
		oc.SetSummary("Log in")
		oc.AddReqStructure(LogInRequest{})
		oc.AddRespStructure(SessionResponse{}, openapi.WithHTTPStatus(http.StatusOK))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	})

	add(http.MethodPost, "/v1/auth/logout", func(oc openapi.OperationContext) {
		oc.SetSummary("Log out")
		oc.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusNoContent))
	})

	add(http.MethodGet, "/v1/auth/profile", func(oc openapi.OperationContext) {
		oc.SetSummary("Current profile")
		oc.SetDescription("Restores the persisted session when needed. A rejected token ends the session.")
		oc.AddRespStructure(SessionResponse{}, openapi.WithHTTPStatus(http.StatusOK))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	})

	add(http.MethodPost, "/v1/views/{screen}", func(oc openapi.OperationContext) {
		oc.SetSummary("Activate screen")
		oc.SetDescription("Returns the screen snapshot. The same screen and filter are served without new requests.")
		oc.AddReqStructure(screenPath{})
		oc.AddRespStructure(loader.Snapshot{}, openapi.WithHTTPStatus(http.StatusOK))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	})

	add(http.MethodPost, "/v1/videos", func(oc openapi.OperationContext) {
		oc.SetSummary("Submit video")
		oc.SetDescription("Uploads a video. Processing is tracked in the background; follow /v1/events.")
		oc.AddReqStructure(uploadForm{}, openapi.WithContentType("multipart/form-data"))
		oc.AddRespStructure(VideoResponse{}, openapi.WithHTTPStatus(http.StatusCreated))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadGateway))
	})

	add(http.MethodGet, "/v1/videos/{id}", func(oc openapi.OperationContext) {
		oc.SetSummary("Get video")
		oc.AddReqStructure(videoPath{})
		oc.AddRespStructure(VideoResponse{}, openapi.WithHTTPStatus(http.StatusOK))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	})

	add(http.MethodPost, "/v1/videos/{id}/vote", func(oc openapi.OperationContext) {
		oc.SetSummary("Cast vote")
		oc.SetDescription("One vote per user and video. A repeated vote never reaches the backend.")
		oc.AddReqStructure(videoPath{})
		oc.AddRespStructure(VoteResponse{}, openapi.WithHTTPStatus(http.StatusOK))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnprocessableEntity))
	})

	add(http.MethodGet, "/v1/videos/{id}/vote", func(oc openapi.OperationContext) {
		oc.SetSummary("Has voted")
		oc.AddReqStructure(videoPath{})
		oc.AddRespStructure(HasVotedResponse{}, openapi.WithHTTPStatus(http.StatusOK))
		oc.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	})

	add(http.MethodGet, "/v1/rankings", func(oc openapi.OperationContext) {
		oc.SetSummary("Rankings")
		oc.SetDescription("Ranks the processed videos known locally. Activate the rankings screen to refresh them.")
		oc.AddReqStructure(rankingsQuery{})
		oc.AddRespStructure(RankingsResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	})

	add(http.MethodGet, "/v1/events", func(oc openapi.OperationContext) {
		oc.SetSummary("Notifications")
		oc.SetDescription("Upgrades to a WebSocket streaming {event, data} notifications.")
		oc.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusSwitchingProtocols))
	})

	return r.Spec, stderrors.Join(errs...)
}

func handleOpenAPI() (gin.HandlerFunc, error) {
	spec, err := newOpenAPISpec()
	if err != nil {
		return nil, fmt.Errorf("openapi: build document: %w", err)
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("openapi: encode document: %w", err)
	}

	return func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", data)
	}, nil
}

func swaggerUI() http.Handler {
	return v5emb.New("Rising Stars local API", "/openapi.json", "/docs/")
}
