package domain

import (
	"strings"
	"time"
)

// Profile is the identity of an authenticated user.
type Profile struct {
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	City      string `json:"city"`
	Country   string `json:"country"`
}

func (p Profile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Session is an authenticated identity plus its bearer credential.
type Session struct {
	Profile
	Token string `json:"-"`
}

type VideoStatus string

const (
	VideoStatusUploading  VideoStatus = "uploading"
	VideoStatusUploaded   VideoStatus = "uploaded"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusProcessed  VideoStatus = "processed"
	VideoStatusError      VideoStatus = "error"
)

// forward lists the non-error statuses in lifecycle order.
var forward = []VideoStatus{
	VideoStatusUploading,
	VideoStatusUploaded,
	VideoStatusProcessing,
	VideoStatusProcessed,
}

func (s VideoStatus) rank() int {
	for i, f := range forward {
		if f == s {
			return i
		}
	}
	return -1
}

func (s VideoStatus) Valid() bool {
	return s == VideoStatusError || s.rank() >= 0
}

func (s VideoStatus) Terminal() bool {
	return s == VideoStatusProcessed || s == VideoStatusError
}

// PathTo returns the single-step transitions that lead from s to next, in order.
// It reports false for backward, duplicate or otherwise illegal moves.
// Error is only entered from uploading or processing, so reaching it from uploaded
// goes through processing first.
func (s VideoStatus) PathTo(next VideoStatus) ([]VideoStatus, bool) {
	if s.Terminal() || !s.Valid() || !next.Valid() {
		return nil, false
	}

	if next == VideoStatusError {
		switch s {
		case VideoStatusUploading, VideoStatusProcessing:
			return []VideoStatus{VideoStatusError}, true
		case VideoStatusUploaded:
			return []VideoStatus{VideoStatusProcessing, VideoStatusError}, true
		}
		return nil, false
	}

	from, to := s.rank(), next.rank()
	if to <= from {
		return nil, false
	}

	return append([]VideoStatus(nil), forward[from+1:to+1]...), true
}

// Video is one user's competition entry.
type Video struct {
	VideoID    string      `json:"video_id"`
	OwnerID    string      `json:"owner_id"`
	OwnerName  string      `json:"owner_name"`
	City       string      `json:"city"`
	Title      string      `json:"title"`
	UploadedAt time.Time   `json:"uploaded_at"`
	Status     VideoStatus `json:"status"`
	VoteCount  int         `json:"vote_count"`
}

func (v Video) Votable() bool {
	return v.Status == VideoStatusProcessed
}

// VoteKey identifies at most one vote of an identity for a video.
type VoteKey struct {
	Identity string
	VideoID  string
}

func (k VoteKey) String() string {
	return k.Identity + "|" + k.VideoID
}

type VoteRecord struct {
	Key    VoteKey
	CastAt time.Time
}

// RankingEntry is a derived leaderboard row. Position starts at 1.
type RankingEntry struct {
	Position    int    `json:"position"`
	VideoID     string `json:"video_id"`
	DisplayName string `json:"display_name"`
	City        string `json:"city"`
	Title       string `json:"title"`
	VoteCount   int    `json:"vote_count"`
}

// CityAll is the filter value that disables city filtering.
const CityAll = "all"

// AllCities reports whether filter disables city filtering: empty, "all" or "todas".
func AllCities(filter string) bool {
	f := strings.TrimSpace(filter)
	return f == "" || strings.EqualFold(f, CityAll) || strings.EqualFold(f, "todas")
}

// MatchCity reports whether city passes filter. The comparison is case-insensitive.
func MatchCity(filter, city string) bool {
	if AllCities(filter) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(filter), strings.TrimSpace(city))
}
