package combat

import (
	"fmt"
	"sort"
	"strings"

	"campaignsync/internal/apperr"
)

// Actor identifies who issued a command.
type Actor struct {
	UserID string
	// GM is true for the game master and the campaign owner.
	GM bool
}

// Command is a request to transition an encounter.
type Command interface {
	commandName() string
}

// Entry is one combatant submitted to Start or AddParticipant.
type Entry struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	OwnerUserID string `json:"owner_user_id,omitempty"`
	Initiative  int    `json:"initiative"`
}

// Start begins an encounter. Entries are ordered by descending initiative,
// ties keeping submission order.
type Start struct {
	EncounterID string
	SessionID   string
	Entries     []Entry
}

// UseAction spends one action slot of the participant holding the turn.
// An empty ParticipantID means the current participant.
type UseAction struct {
	ParticipantID string
	Kind          ActionKind
}

// EndTurn passes the turn to the next active participant. When the expected
// round and turn are set the command is rejected if the turn already moved.
type EndTurn struct {
	ExpectedRound *int
	ExpectedTurn  *int
}

// End terminates the encounter.
type End struct {
	Reason string
}

// AddParticipant appends a combatant after everyone already in the order.
type AddParticipant struct {
	Entry Entry
}

// SetActive marks a participant defeated (false) or revived (true).
type SetActive struct {
	ParticipantID string
	Active        bool
}

func (Start) commandName() string          { return "start_combat" }
func (UseAction) commandName() string      { return "combat_action" }
func (EndTurn) commandName() string        { return "end_turn" }
func (End) commandName() string            { return "end_combat" }
func (AddParticipant) commandName() string { return "add_participant" }
func (SetActive) commandName() string      { return "set_participant_active" }

// Decide validates cmd against state and returns the events it produces.
// A nil slice with a nil error means the command was an accepted no-op.
func Decide(state State, actor Actor, cmd Command) ([]Event, error) {
	switch c := cmd.(type) {
	case Start:
		return decideStart(state, actor, c)
	case UseAction:
		return decideUseAction(state, actor, c)
	case EndTurn:
		return decideEndTurn(state, actor, c)
	case End:
		return decideEnd(state, actor, c)
	case AddParticipant:
		return decideAddParticipant(state, actor, c)
	case SetActive:
		return decideSetActive(state, actor, c)
	case nil:
		return nil, apperr.New(apperr.CodeInvalidArgument, "command is required")
	default:
		return nil, apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("unsupported combat command %s", cmd.commandName()))
	}
}

// Apply decides cmd and folds the resulting events into state.
func Apply(state State, actor Actor, cmd Command) (State, []Event, error) {
	events, err := Decide(state, actor, cmd)
	if err != nil {
		return state, nil, err
	}
	for _, evt := range events {
		state = Fold(state, evt)
	}
	return state, events, nil
}

func requireGM(actor Actor, what string) error {
	if !actor.GM {
		return apperr.New(apperr.CodeForbidden, "only the GM can "+what)
	}
	return nil
}

func decideStart(state State, actor Actor, cmd Start) ([]Event, error) {
	if err := requireGM(actor, "start combat"); err != nil {
		return nil, err
	}
	if state.Running() {
		return nil, apperr.New(apperr.CodeInvalidTransition, "combat is already running")
	}
	encounterID := strings.TrimSpace(cmd.EncounterID)
	if encounterID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "encounter id is required")
	}
	if len(cmd.Entries) == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "at least one participant is required")
	}

	seen := make(map[string]struct{}, len(cmd.Entries))
	participants := make([]Participant, 0, len(cmd.Entries))
	for _, entry := range cmd.Entries {
		p, err := participantFromEntry(entry)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			return nil, apperr.New(apperr.CodeInvalidArgument, "duplicate participant "+p.ID)
		}
		seen[p.ID] = struct{}{}
		participants = append(participants, p)
	}
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].Initiative > participants[j].Initiative
	})

	return []Event{{
		Type:         EventStarted,
		EncounterID:  encounterID,
		SessionID:    strings.TrimSpace(cmd.SessionID),
		Participants: participants,
		Round:        1,
		TurnIndex:    0,
	}}, nil
}

func participantFromEntry(entry Entry) (Participant, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return Participant{}, apperr.New(apperr.CodeInvalidArgument, "participant id is required")
	}
	return Participant{
		ID:          id,
		Name:        strings.TrimSpace(entry.Name),
		OwnerUserID: strings.TrimSpace(entry.OwnerUserID),
		Initiative:  entry.Initiative,
		Active:      true,
	}, nil
}

func decideUseAction(state State, actor Actor, cmd UseAction) ([]Event, error) {
	if state.Status != StatusActive {
		return nil, apperr.New(apperr.CodeInvalidTransition, "combat is not active")
	}
	if !cmd.Kind.Valid() {
		return nil, apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("unknown action %q", cmd.Kind))
	}
	current, ok := state.Current()
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidTransition, "no participant holds the turn")
	}
	owns := actor.GM || current.OwnerUserID == actor.UserID
	participantID := strings.TrimSpace(cmd.ParticipantID)
	if participantID == "" {
		// An implicit action always targets the turn holder.
		if !owns {
			return nil, apperr.New(apperr.CodeNotYourTurn, "it is not your turn")
		}
		participantID = current.ID
	}
	if participantID != current.ID {
		return nil, apperr.New(apperr.CodeNotYourTurn, "it is not "+participantID+"'s turn")
	}
	if !owns {
		return nil, apperr.New(apperr.CodeForbidden, "participant is controlled by another user")
	}
	if !current.Active {
		return nil, apperr.New(apperr.CodeInvalidTransition, "participant is inactive")
	}
	if current.Economy.Used(cmd.Kind) {
		return nil, apperr.New(apperr.CodeActionAlreadyUsed, fmt.Sprintf("%s already used this turn", cmd.Kind))
	}
	return []Event{{
		Type:          EventActionApplied,
		EncounterID:   state.EncounterID,
		ParticipantID: current.ID,
		Action:        cmd.Kind,
		Round:         state.Round,
		TurnIndex:     state.TurnIndex,
	}}, nil
}

func decideEndTurn(state State, actor Actor, cmd EndTurn) ([]Event, error) {
	if state.Status != StatusActive {
		return nil, apperr.New(apperr.CodeInvalidTransition, "combat is not active")
	}
	current, ok := state.Current()
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidTransition, "no participant holds the turn")
	}
	if !actor.GM && current.OwnerUserID != actor.UserID {
		return nil, apperr.New(apperr.CodeNotYourTurn, "it is not your turn")
	}
	if cmd.ExpectedRound != nil && *cmd.ExpectedRound != state.Round {
		return nil, apperr.New(apperr.CodeStaleTurn, "turn already advanced")
	}
	if cmd.ExpectedTurn != nil && *cmd.ExpectedTurn != state.TurnIndex {
		return nil, apperr.New(apperr.CodeStaleTurn, "turn already advanced")
	}

	next, round, skipped, found := nextActive(state)
	if !found {
		return []Event{stalledEvent(state)}, nil
	}
	return []Event{{
		Type:          EventTurnAdvanced,
		EncounterID:   state.EncounterID,
		ParticipantID: state.Participants[next].ID,
		Round:         round,
		TurnIndex:     next,
		Skipped:       skipped,
	}}, nil
}

// nextActive walks the initiative order once from the current turn,
// wrapping into the next round, and returns the first active participant.
func nextActive(state State) (index int, round int, skipped []string, found bool) {
	n := len(state.Participants)
	index = state.TurnIndex
	round = state.Round
	for i := 0; i < n; i++ {
		index++
		if index >= n {
			index = 0
			round++
		}
		if state.Participants[index].Active {
			return index, round, skipped, true
		}
		skipped = append(skipped, state.Participants[index].ID)
	}
	return state.TurnIndex, state.Round, skipped, false
}

func stalledEvent(state State) Event {
	return Event{
		Type:        EventStalled,
		EncounterID: state.EncounterID,
		Round:       state.Round,
		TurnIndex:   state.TurnIndex,
		Reason:      "no active participants remain",
	}
}

func decideEnd(state State, actor Actor, cmd End) ([]Event, error) {
	if err := requireGM(actor, "end combat"); err != nil {
		return nil, err
	}
	switch state.Status {
	case StatusEnded:
		return nil, nil
	case StatusNotStarted, "":
		return nil, apperr.New(apperr.CodeInvalidTransition, "combat has not started")
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = "ended by gm"
	}
	return []Event{{
		Type:        EventEnded,
		EncounterID: state.EncounterID,
		Round:       state.Round,
		TurnIndex:   state.TurnIndex,
		Reason:      reason,
	}}, nil
}

func decideAddParticipant(state State, actor Actor, cmd AddParticipant) ([]Event, error) {
	if err := requireGM(actor, "add participants"); err != nil {
		return nil, err
	}
	if !state.Running() {
		return nil, apperr.New(apperr.CodeInvalidTransition, "combat is not running")
	}
	p, err := participantFromEntry(cmd.Entry)
	if err != nil {
		return nil, err
	}
	if state.IndexOf(p.ID) >= 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "duplicate participant "+p.ID)
	}
	events := []Event{{
		Type:        EventParticipantAdded,
		EncounterID: state.EncounterID,
		Participant: &p,
		Round:       state.Round,
		TurnIndex:   state.TurnIndex,
	}}
	if state.Status == StatusStalled {
		events = append(events, resumeEvent(state, len(state.Participants), p.ID))
	}
	return events, nil
}

func decideSetActive(state State, actor Actor, cmd SetActive) ([]Event, error) {
	if err := requireGM(actor, "change participant status"); err != nil {
		return nil, err
	}
	if !state.Running() {
		return nil, apperr.New(apperr.CodeInvalidTransition, "combat is not running")
	}
	idx := state.IndexOf(strings.TrimSpace(cmd.ParticipantID))
	if idx < 0 {
		return nil, apperr.New(apperr.CodeNotFound, "unknown participant "+cmd.ParticipantID)
	}
	if state.Participants[idx].Active == cmd.Active {
		return nil, nil
	}

	active := cmd.Active
	events := []Event{{
		Type:          EventParticipantStatusChanged,
		EncounterID:   state.EncounterID,
		ParticipantID: state.Participants[idx].ID,
		Active:        &active,
		Round:         state.Round,
		TurnIndex:     state.TurnIndex,
	}}
	switch {
	case !active && state.Status == StatusActive && state.ActiveCount() == 1:
		events = append(events, stalledEvent(state))
	case active && state.Status == StatusStalled:
		events = append(events, resumeEvent(state, idx, state.Participants[idx].ID))
	}
	return events, nil
}

// resumeEvent hands the turn to the participant that brought a stalled
// encounter back to life, keeping the current round.
func resumeEvent(state State, index int, participantID string) Event {
	return Event{
		Type:          EventTurnAdvanced,
		EncounterID:   state.EncounterID,
		ParticipantID: participantID,
		Round:         state.Round,
		TurnIndex:     index,
	}
}
