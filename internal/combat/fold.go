package combat

import (
	"encoding/json"
	"fmt"
)

// EventType names a combat event. The values double as the outbound wire
// types broadcast to clients.
type EventType string

const (
	EventStarted                  EventType = "combat_started"
	EventActionApplied            EventType = "combat_action_applied"
	EventTurnAdvanced             EventType = "turn_advanced"
	EventEnded                    EventType = "combat_ended"
	EventParticipantAdded         EventType = "participant_added"
	EventParticipantStatusChanged EventType = "participant_status_changed"
	EventStalled                  EventType = "combat_stalled"
)

// FoldHandledTypes returns the event types handled by Fold.
func FoldHandledTypes() []EventType {
	return []EventType{
		EventStarted,
		EventActionApplied,
		EventTurnAdvanced,
		EventEnded,
		EventParticipantAdded,
		EventParticipantStatusChanged,
		EventStalled,
	}
}

// IsCombatEvent reports whether t is folded by this package.
func IsCombatEvent(t string) bool {
	for _, known := range FoldHandledTypes() {
		if string(known) == t {
			return true
		}
	}
	return false
}

// Event is one accepted transition. Round and TurnIndex always hold the
// values after the event applies, so clients can project without folding.
type Event struct {
	Type          EventType     `json:"-"`
	EncounterID   string        `json:"encounter_id"`
	SessionID     string        `json:"session_id,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	Participant   *Participant  `json:"participant,omitempty"`
	ParticipantID string        `json:"participant_id,omitempty"`
	Action        ActionKind    `json:"action,omitempty"`
	Active        *bool         `json:"active,omitempty"`
	Round         int           `json:"round"`
	TurnIndex     int           `json:"turn_index"`
	Skipped       []string      `json:"skipped,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// DecodeEvent rebuilds an event from its wire type and JSON payload.
func DecodeEvent(eventType string, payload []byte) (Event, error) {
	if !IsCombatEvent(eventType) {
		return Event{}, fmt.Errorf("combat: unknown event type %q", eventType)
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("combat: decode %s: %w", eventType, err)
	}
	evt.Type = EventType(eventType)
	return evt, nil
}

// Fold applies evt to state and returns the new state. The input state is
// not modified. Events for another encounter are ignored unless they start
// a new one.
func Fold(state State, evt Event) State {
	if evt.Type != EventStarted && evt.EncounterID != state.EncounterID {
		return state
	}
	switch evt.Type {
	case EventStarted:
		next := State{
			EncounterID:  evt.EncounterID,
			SessionID:    evt.SessionID,
			Status:       StatusActive,
			Round:        evt.Round,
			TurnIndex:    evt.TurnIndex,
			Participants: make([]Participant, len(evt.Participants)),
		}
		for i, p := range evt.Participants {
			p.Economy = Economy{}
			next.Participants[i] = p
		}
		return next
	case EventActionApplied:
		next := state.Clone()
		if idx := next.IndexOf(evt.ParticipantID); idx >= 0 {
			next.Participants[idx].Economy.mark(evt.Action)
		}
		return next
	case EventTurnAdvanced:
		next := state.Clone()
		next.Status = StatusActive
		next.Round = evt.Round
		next.TurnIndex = evt.TurnIndex
		if evt.TurnIndex >= 0 && evt.TurnIndex < len(next.Participants) {
			next.Participants[evt.TurnIndex].Economy = Economy{}
		}
		return next
	case EventEnded:
		next := state.Clone()
		next.Status = StatusEnded
		return next
	case EventParticipantAdded:
		if evt.Participant == nil {
			return state
		}
		next := state.Clone()
		next.Participants = append(next.Participants, *evt.Participant)
		return next
	case EventParticipantStatusChanged:
		if evt.Active == nil {
			return state
		}
		next := state.Clone()
		if idx := next.IndexOf(evt.ParticipantID); idx >= 0 {
			next.Participants[idx].Active = *evt.Active
		}
		return next
	case EventStalled:
		next := state.Clone()
		next.Status = StatusStalled
		return next
	}
	return state
}

// Replay folds events in order starting from an encounter that has not
// started.
func Replay(events []Event) State {
	state := NewState()
	for _, evt := range events {
		state = Fold(state, evt)
	}
	return state
}
