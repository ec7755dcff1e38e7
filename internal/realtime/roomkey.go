package realtime

import (
	"strings"

	"campaignsync/internal/apperr"
)

// Scope is the kind of room.
type Scope string

const (
	ScopeCampaign Scope = "campaign"
	ScopeSession  Scope = "session"
)

// RoomKey identifies a room. The zero value is invalid.
type RoomKey struct {
	Scope Scope
	ID    string
}

// NewRoomKey validates scope and id.
func NewRoomKey(scope, id string) (RoomKey, error) {
	key := RoomKey{Scope: Scope(strings.TrimSpace(scope)), ID: strings.TrimSpace(id)}
	switch key.Scope {
	case ScopeCampaign, ScopeSession:
	default:
		return RoomKey{}, apperr.New(apperr.CodeInvalidArgument, "unknown room scope "+scope)
	}
	if key.ID == "" || strings.ContainsAny(key.ID, ": ") {
		return RoomKey{}, apperr.New(apperr.CodeInvalidArgument, "invalid room id")
	}
	return key, nil
}

// ParseRoomKey parses the "scope:id" form returned by String.
func ParseRoomKey(s string) (RoomKey, error) {
	scope, id, ok := strings.Cut(s, ":")
	if !ok {
		return RoomKey{}, apperr.New(apperr.CodeInvalidArgument, "room key must be scope:id")
	}
	return NewRoomKey(scope, id)
}

func (k RoomKey) String() string {
	return string(k.Scope) + ":" + k.ID
}
