package protocol

// Outbound message types.
const (
	TypeJoined             = "joined"
	TypeLeft               = "left"
	TypeAck                = "ack"
	TypeError              = "error"
	TypePong               = "pong"
	TypePresenceJoin       = "presence_join"
	TypePresenceLeave      = "presence_leave"
	TypeTypingChanged      = "typing"
	TypeCardChanged        = "card_changed"
	TypeDiceResult         = "dice_result"
	TypeChatMessage        = "chat_message"
	TypeSessionEnded       = "session_ended"
	TypeResyncGap          = "resync_gap"
	TypeResyncFullRequired = "resync_full_required"
)

// PresenceUser is one online user in a room.
type PresenceUser struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Role         string `json:"role"`
	Typing       bool   `json:"typing,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

// JoinedPayload answers join_room.
type JoinedPayload struct {
	Room           string         `json:"room"`
	LatestSequence uint64         `json:"latest_sequence"`
	Online         []PresenceUser `json:"online"`
	State          any            `json:"state,omitempty"`
}

type LeftPayload struct {
	Room string `json:"room"`
}

// PresencePayload is sent with presence_join and presence_leave.
type PresencePayload struct {
	Room string `json:"room"`
	PresenceUser
}

type TypingPayload struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// ResyncGapPayload carries the events a reconnecting client missed, in
// sequence order.
type ResyncGapPayload struct {
	Room           string  `json:"room"`
	FromSequence   uint64  `json:"from_sequence"`
	LatestSequence uint64  `json:"latest_sequence"`
	Events         []Frame `json:"events"`
}

// ResyncFullRequiredPayload tells the client to refetch full state from the
// CRUD API before trusting live events.
type ResyncFullRequiredPayload struct {
	Room           string `json:"room"`
	LatestSequence uint64 `json:"latest_sequence"`
	Reason         string `json:"reason"`
}

type ChatMessagePayload struct {
	MessageID   string   `json:"message_id"`
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Body        string   `json:"body"`
	To          []string `json:"to,omitempty"`
	SentAt      string   `json:"sent_at"`
}

type DiceResultPayload struct {
	RollID     string     `json:"roll_id"`
	UserID     string     `json:"user_id"`
	Expression string     `json:"expression"`
	Context    string     `json:"context,omitempty"`
	Terms      []DiceTerm `json:"terms"`
	Modifier   int        `json:"modifier"`
	Total      int        `json:"total"`
	Hidden     bool       `json:"hidden,omitempty"`
}

type DiceTerm struct {
	Count int   `json:"count"`
	Sides int   `json:"sides"`
	Sign  int   `json:"sign"`
	Rolls []int `json:"rolls"`
}

type SessionEndedPayload struct {
	SessionID string `json:"session_id"`
}
