package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/victornm/risingstars/internal/domain"
)

// ID accepts both JSON strings and numbers, the backend uses numeric user ids
// and string video ids.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type SignUpRequest struct {
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Email           string `json:"email"`
	Password        string `json:"password1"`
	ConfirmPassword string `json:"password2"`
	City            string `json:"city"`
	Country         string `json:"country"`
}

type logInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type Profile struct {
	UserID    ID     `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	City      string `json:"city"`
	Country   string `json:"country"`
}

func (p Profile) ToDomain() domain.Profile {
	return domain.Profile{
		UserID:    string(p.UserID),
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		City:      p.City,
		Country:   p.Country,
	}
}

type Video struct {
	VideoID    ID        `json:"video_id"`
	UserID     ID        `json:"user_id"`
	Username   string    `json:"username"`
	City       string    `json:"city"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
	Votes      int       `json:"votes"`
}

func (v Video) ToDomain() domain.Video {
	return domain.Video{
		VideoID:    string(v.VideoID),
		OwnerID:    string(v.UserID),
		OwnerName:  v.Username,
		City:       v.City,
		Title:      v.Title,
		UploadedAt: v.UploadedAt,
		Status:     domain.VideoStatus(strings.ToLower(v.Status)),
		VoteCount:  max(v.Votes, 0),
	}
}

type UploadRequest struct {
	Title       string
	FileName    string
	ContentType string
	Size        int64
	Content     io.Reader
	// Progress is called with the number of file bytes sent so far.
	Progress func(sent, total int64)
}

type UploadResponse struct {
	VideoID ID     `json:"video_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// VoteResponse carries the authoritative vote count. VoteCount is nil when the
// backend answered 204 or omitted the field.
type VoteResponse struct {
	VoteCount *int `json:"vote_count"`
}

type RankingEntry struct {
	Position int    `json:"position"`
	VideoID  ID     `json:"video_id"`
	Username string `json:"username"`
	City     string `json:"city"`
	Title    string `json:"title"`
	Votes    int    `json:"votes"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// decodeList accepts either a bare JSON array or an object wrapping it under key.
func decodeList[T any](b []byte, key string) ([]T, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return []T{}, nil
	}

	if b[0] == '[' {
		var out []T
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return nil, err
	}

	raw, ok := wrapped[key]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return []T{}, nil
	}

	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
