package server

import (
	"time"

	"campaignsync/internal/protocol"
)

type presenceUser struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	Online       bool      `json:"online"`
	Typing       bool      `json:"typing"`
	LastActivity time.Time `json:"last_activity"`
}

type presenceResponse struct {
	Room  string         `json:"room"`
	Users []presenceUser `json:"users"`
}

type eventsResponse struct {
	Room           string           `json:"room"`
	LatestSequence uint64           `json:"latest_sequence"`
	Events         []protocol.Frame `json:"events"`
}
