package combat

// Status is the lifecycle stage of an encounter.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusActive     Status = "active"
	// StatusStalled means every participant is inactive and the GM has been
	// prompted to end or resume combat.
	StatusStalled Status = "stalled"
	StatusEnded   Status = "ended"
)

// ActionKind names one slot of a participant's action economy.
type ActionKind string

const (
	ActionMain     ActionKind = "action"
	ActionBonus    ActionKind = "bonus"
	ActionReaction ActionKind = "reaction"
	ActionMovement ActionKind = "movement"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionMain, ActionBonus, ActionReaction, ActionMovement:
		return true
	}
	return false
}

// Economy tracks which action slots a participant spent this turn.
type Economy struct {
	ActionUsed   bool `json:"action_used"`
	BonusUsed    bool `json:"bonus_used"`
	ReactionUsed bool `json:"reaction_used"`
	MovementUsed bool `json:"movement_used"`
}

// Used reports whether the slot for kind is spent.
func (e Economy) Used(kind ActionKind) bool {
	switch kind {
	case ActionMain:
		return e.ActionUsed
	case ActionBonus:
		return e.BonusUsed
	case ActionReaction:
		return e.ReactionUsed
	case ActionMovement:
		return e.MovementUsed
	}
	return false
}

func (e *Economy) mark(kind ActionKind) {
	switch kind {
	case ActionMain:
		e.ActionUsed = true
	case ActionBonus:
		e.BonusUsed = true
	case ActionReaction:
		e.ReactionUsed = true
	case ActionMovement:
		e.MovementUsed = true
	}
}

// Participant is one combatant in initiative order.
type Participant struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	OwnerUserID string  `json:"owner_user_id,omitempty"`
	Initiative  int     `json:"initiative"`
	Active      bool    `json:"active"`
	Economy     Economy `json:"economy"`
}

// State is the replayed view of one encounter.
type State struct {
	EncounterID  string        `json:"encounter_id,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	Status       Status        `json:"status"`
	Round        int           `json:"round"`
	TurnIndex    int           `json:"turn_index"`
	Participants []Participant `json:"participants"`
}

// NewState returns an encounter that has not started yet.
func NewState() State {
	return State{Status: StatusNotStarted}
}

// Running reports whether the encounter accepts turn commands or GM fixes.
func (s State) Running() bool {
	return s.Status == StatusActive || s.Status == StatusStalled
}

// Current returns the participant holding the turn.
func (s State) Current() (Participant, bool) {
	if !s.Running() || s.TurnIndex < 0 || s.TurnIndex >= len(s.Participants) {
		return Participant{}, false
	}
	return s.Participants[s.TurnIndex], true
}

// IndexOf returns the initiative index of a participant or -1.
func (s State) IndexOf(participantID string) int {
	for i, p := range s.Participants {
		if p.ID == participantID {
			return i
		}
	}
	return -1
}

// ActiveCount returns the number of participants still taking turns.
func (s State) ActiveCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

// Clone returns a copy that shares no slices with s.
func (s State) Clone() State {
	out := s
	out.Participants = append([]Participant(nil), s.Participants...)
	return out
}
