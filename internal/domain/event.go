package domain

const (
	EventNameSessionStarted     = "session.started"
	EventNameSessionEnded       = "session.ended"
	EventNameVideoStatusChanged = "video.status_changed"
	EventNameUploadProgress     = "video.upload_progress"
	EventNameVoteCast           = "vote.cast"
	EventNameRankingUpdated     = "ranking.updated"
)

type EventSessionStarted struct {
	Profile Profile
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

type EventSessionEnded struct {
	UserID string
	Reason string
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventVideoStatusChanged struct {
	Video  Video
	From   VideoStatus
	Reason string
}

func (EventVideoStatusChanged) Name() string { return EventNameVideoStatusChanged }

type EventUploadProgress struct {
	VideoID string
	Percent int
}

func (EventUploadProgress) Name() string { return EventNameUploadProgress }

type EventVoteCast struct {
	Record    VoteRecord
	VoteCount int
}

func (EventVoteCast) Name() string { return EventNameVoteCast }

type EventRankingUpdated struct {
	City    string
	Entries []RankingEntry
}

func (EventRankingUpdated) Name() string { return EventNameRankingUpdated }
