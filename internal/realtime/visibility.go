package realtime

import "slices"

// VisibilityKind selects which room members receive an event.
type VisibilityKind string

const (
	VisibleEveryone   VisibilityKind = "everyone"
	VisibleGMOnly     VisibilityKind = "gm_only"
	VisibleExceptUser VisibilityKind = "except_user"
	VisibleOnlyUsers  VisibilityKind = "only_users"
)

// Visibility is stored with every logged event and applied again on replay.
type Visibility struct {
	Kind  VisibilityKind `json:"kind"`
	Users []string       `json:"users,omitempty"`
}

func Everyone() Visibility { return Visibility{Kind: VisibleEveryone} }

func GMOnly() Visibility { return Visibility{Kind: VisibleGMOnly} }

func ExceptUser(userID string) Visibility {
	return Visibility{Kind: VisibleExceptUser, Users: []string{userID}}
}

func OnlyUsers(userIDs ...string) Visibility {
	users := slices.Clone(userIDs)
	slices.Sort(users)
	return Visibility{Kind: VisibleOnlyUsers, Users: slices.Compact(users)}
}

// Allows reports whether a member with userID and role may see the event.
// Unknown kinds deliver to nobody.
func (v Visibility) Allows(userID string, role Role) bool {
	switch v.Kind {
	case VisibleEveryone, "":
		return true
	case VisibleGMOnly:
		return role.IsGM()
	case VisibleExceptUser:
		return !slices.Contains(v.Users, userID)
	case VisibleOnlyUsers:
		return slices.Contains(v.Users, userID)
	}
	return false
}
