package protocol

import (
	"strings"
	"unicode/utf8"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
)

// Inbound message types.
const (
	TypeJoinRoom             = "join_room"
	TypeLeaveRoom            = "leave_room"
	TypeTyping               = "typing"
	TypeCombatAction         = "combat_action"
	TypeEndTurn              = "end_turn"
	TypeStartCombat          = "start_combat"
	TypeEndCombat            = "end_combat"
	TypeAddParticipant       = "add_participant"
	TypeSetParticipantActive = "set_participant_active"
	TypeAdvanceCard          = "advance_card"
	TypeDiceRoll             = "dice_roll"
	TypeChat                 = "chat"
	TypePing                 = "ping"
	TypeEndSession           = "end_session"
)

const (
	ScopeCampaign = "campaign"
	ScopeSession  = "session"

	maxChatBody       = 2000
	maxDiceExpression = 120
	maxDiceContext    = 200
	maxWhisperTargets = 16
)

// Message is a decoded inbound payload.
type Message interface {
	Validate() error
}

var inboundTypes = map[string]func() Message{
	TypeJoinRoom:             func() Message { return &JoinRoom{} },
	TypeLeaveRoom:            func() Message { return &LeaveRoom{} },
	TypeTyping:               func() Message { return &Typing{} },
	TypeCombatAction:         func() Message { return &CombatAction{} },
	TypeEndTurn:              func() Message { return &EndTurn{} },
	TypeStartCombat:          func() Message { return &StartCombat{} },
	TypeEndCombat:            func() Message { return &EndCombat{} },
	TypeAddParticipant:       func() Message { return &AddParticipant{} },
	TypeSetParticipantActive: func() Message { return &SetParticipantActive{} },
	TypeAdvanceCard:          func() Message { return &AdvanceCard{} },
	TypeDiceRoll:             func() Message { return &DiceRoll{} },
	TypeChat:                 func() Message { return &Chat{} },
	TypePing:                 func() Message { return &Ping{} },
	TypeEndSession:           func() Message { return &EndSession{} },
}

// RoomRef names a room on the wire.
type RoomRef struct {
	RoomType string `json:"room_type"`
	RoomID   string `json:"room_id"`
}

// Empty reports whether no room was given.
func (r RoomRef) Empty() bool {
	return strings.TrimSpace(r.RoomType) == "" && strings.TrimSpace(r.RoomID) == ""
}

// Validate requires a known scope and an id.
func (r RoomRef) Validate() error {
	switch r.RoomType {
	case ScopeCampaign, ScopeSession:
	default:
		return apperr.New(apperr.CodeInvalidArgument, "room_type must be campaign or session")
	}
	if strings.TrimSpace(r.RoomID) == "" {
		return apperr.New(apperr.CodeInvalidArgument, "room_id is required")
	}
	return nil
}

func validateOptionalRoom(r RoomRef) error {
	if r.Empty() {
		return nil
	}
	return r.Validate()
}

func required(value, field string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.New(apperr.CodeInvalidArgument, field+" is required")
	}
	return nil
}

type JoinRoom struct {
	RoomRef
	LastSeenSequence *uint64 `json:"last_seen_sequence,omitempty"`
}

func (m *JoinRoom) Validate() error { return m.RoomRef.Validate() }

type LeaveRoom struct {
	RoomRef
}

func (m *LeaveRoom) Validate() error { return m.RoomRef.Validate() }

type Typing struct {
	RoomRef
}

func (m *Typing) Validate() error { return m.RoomRef.Validate() }

type CombatAction struct {
	EncounterID   string            `json:"encounter_id"`
	ParticipantID string            `json:"participant_id,omitempty"`
	Action        combat.ActionKind `json:"action"`
}

func (m *CombatAction) Validate() error {
	if err := required(m.EncounterID, "encounter_id"); err != nil {
		return err
	}
	if !m.Action.Valid() {
		return apperr.New(apperr.CodeInvalidArgument, "action must be one of action, bonus, reaction, movement")
	}
	return nil
}

// EndTurn names the round and turn the sender saw, so a repeated click
// after the turn moved on is rejected as stale instead of skipping a
// combatant.
type EndTurn struct {
	EncounterID   string `json:"encounter_id"`
	ExpectedRound *int   `json:"expected_round"`
	ExpectedTurn  *int   `json:"expected_turn"`
}

func (m *EndTurn) Validate() error {
	if err := required(m.EncounterID, "encounter_id"); err != nil {
		return err
	}
	if m.ExpectedRound == nil {
		return apperr.New(apperr.CodeInvalidArgument, "expected_round is required")
	}
	if m.ExpectedTurn == nil {
		return apperr.New(apperr.CodeInvalidArgument, "expected_turn is required")
	}
	return nil
}

// StartCombat begins an encounter in a session. Without participants the
// roster of the session's current combat card is used.
type StartCombat struct {
	SessionID    string         `json:"session_id"`
	EncounterID  string         `json:"encounter_id,omitempty"`
	Participants []combat.Entry `json:"participants,omitempty"`
}

func (m *StartCombat) Validate() error {
	if err := required(m.SessionID, "session_id"); err != nil {
		return err
	}
	for _, p := range m.Participants {
		if err := required(p.ID, "participants.id"); err != nil {
			return err
		}
	}
	return nil
}

type EndCombat struct {
	EncounterID string `json:"encounter_id"`
	Reason      string `json:"reason,omitempty"`
}

func (m *EndCombat) Validate() error { return required(m.EncounterID, "encounter_id") }

type AddParticipant struct {
	EncounterID string       `json:"encounter_id"`
	Participant combat.Entry `json:"participant"`
}

func (m *AddParticipant) Validate() error {
	if err := required(m.EncounterID, "encounter_id"); err != nil {
		return err
	}
	return required(m.Participant.ID, "participant.id")
}

type SetParticipantActive struct {
	EncounterID   string `json:"encounter_id"`
	ParticipantID string `json:"participant_id"`
	Active        *bool  `json:"active"`
}

func (m *SetParticipantActive) Validate() error {
	if err := required(m.EncounterID, "encounter_id"); err != nil {
		return err
	}
	if err := required(m.ParticipantID, "participant_id"); err != nil {
		return err
	}
	if m.Active == nil {
		return apperr.New(apperr.CodeInvalidArgument, "active is required")
	}
	return nil
}

// AdvanceCard moves the session's card pointer to CardID, or to the next
// card when CardID is empty.
type AdvanceCard struct {
	SessionID string `json:"session_id"`
	CardID    string `json:"card_id,omitempty"`
}

func (m *AdvanceCard) Validate() error { return required(m.SessionID, "session_id") }

type DiceRoll struct {
	Expression string `json:"expression"`
	Context    string `json:"context,omitempty"`
	RoomRef
	Hidden bool `json:"hidden,omitempty"`
}

func (m *DiceRoll) Validate() error {
	if err := required(m.Expression, "expression"); err != nil {
		return err
	}
	if len(m.Expression) > maxDiceExpression {
		return apperr.New(apperr.CodeInvalidArgument, "expression is too long")
	}
	if utf8.RuneCountInString(m.Context) > maxDiceContext {
		return apperr.New(apperr.CodeInvalidArgument, "context is too long")
	}
	return validateOptionalRoom(m.RoomRef)
}

// Chat sends a message to a room. A non-empty To restricts delivery to
// those users and the sender.
type Chat struct {
	Body string `json:"body"`
	RoomRef
	To []string `json:"to,omitempty"`
}

func (m *Chat) Validate() error {
	m.Body = strings.TrimSpace(m.Body)
	if m.Body == "" {
		return apperr.New(apperr.CodeInvalidArgument, "body is required")
	}
	if utf8.RuneCountInString(m.Body) > maxChatBody {
		return apperr.New(apperr.CodeInvalidArgument, "body is too long")
	}
	if len(m.To) > maxWhisperTargets {
		return apperr.New(apperr.CodeInvalidArgument, "too many recipients")
	}
	for _, id := range m.To {
		if err := required(id, "to"); err != nil {
			return err
		}
	}
	return validateOptionalRoom(m.RoomRef)
}

type Ping struct{}

func (m *Ping) Validate() error { return nil }

type EndSession struct {
	SessionID string `json:"session_id"`
}

func (m *EndSession) Validate() error { return required(m.SessionID, "session_id") }
