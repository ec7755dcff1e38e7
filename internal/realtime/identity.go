package realtime

import (
	"context"
	"strings"

	"campaignsync/internal/apperr"
)

// Role is a user's role within a campaign.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// ParseRole normalizes a role string.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleOwner:
		return RoleOwner, true
	case RoleGM:
		return RoleGM, true
	case RolePlayer:
		return RolePlayer, true
	}
	return "", false
}

// IsGM reports whether the role may run the table.
func (r Role) IsGM() bool {
	return r == RoleOwner || r == RoleGM
}

// Identity is the verified caller attached to a connection.
type Identity struct {
	UserID      string
	DisplayName string
	Role        Role
}

func (id Identity) validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return apperr.New(apperr.CodeUnauthenticated, "identity has no user id")
	}
	if _, ok := ParseRole(string(id.Role)); !ok {
		return apperr.New(apperr.CodeUnauthenticated, "identity has no valid role")
	}
	return nil
}

// Permissions decides whether a user may enter a room and with which role.
// Implementations return a FORBIDDEN error when the user is not a member.
type Permissions interface {
	RoleIn(ctx context.Context, identity Identity, key RoomKey) (Role, error)
}

// TokenRoles grants every authenticated user the role carried by their
// identity token. It is used when no membership store is configured.
type TokenRoles struct{}

func (TokenRoles) RoleIn(_ context.Context, identity Identity, _ RoomKey) (Role, error) {
	return identity.Role, nil
}
