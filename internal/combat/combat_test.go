package combat

import (
	"encoding/json"
	"reflect"
	"testing"

	"campaignsync/internal/apperr"
)

var (
	gm      = Actor{UserID: "gm-1", GM: true}
	aliceUs = Actor{UserID: "alice"}
	bobUs   = Actor{UserID: "bob"}
)

func fourCombatants() []Entry {
	return []Entry{
		{ID: "goblin", Name: "Goblin", Initiative: 5},
		{ID: "a", Name: "Aria", OwnerUserID: "alice", Initiative: 20},
		{ID: "b", Name: "Bram", OwnerUserID: "bob", Initiative: 15},
		{ID: "c", Name: "Cato", OwnerUserID: "carol", Initiative: 15},
	}
}

func mustApply(t *testing.T, state State, actor Actor, cmd Command) (State, []Event) {
	t.Helper()
	next, events, err := Apply(state, actor, cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.commandName(), err)
	}
	return next, events
}

func started(t *testing.T) State {
	t.Helper()
	state, _ := mustApply(t, NewState(), gm, Start{EncounterID: "enc-1", SessionID: "sess-1", Entries: fourCombatants()})
	return state
}

func order(state State) []string {
	ids := make([]string, len(state.Participants))
	for i, p := range state.Participants {
		ids[i] = p.ID
	}
	return ids
}

func TestStartOrdersByInitiativeKeepingTies(t *testing.T) {
	state := started(t)

	if got, want := order(state), []string{"a", "b", "c", "goblin"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if state.Status != StatusActive || state.Round != 1 || state.TurnIndex != 0 {
		t.Fatalf("unexpected start state %+v", state)
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name  string
		state State
		actor Actor
		cmd   Start
		code  apperr.Code
	}{
		{"player cannot start", NewState(), aliceUs, Start{EncounterID: "e", Entries: fourCombatants()}, apperr.CodeForbidden},
		{"no participants", NewState(), gm, Start{EncounterID: "e"}, apperr.CodeInvalidArgument},
		{"missing encounter", NewState(), gm, Start{Entries: fourCombatants()}, apperr.CodeInvalidArgument},
		{"duplicate ids", NewState(), gm, Start{EncounterID: "e", Entries: []Entry{{ID: "x"}, {ID: "x"}}}, apperr.CodeInvalidArgument},
		{"already running", started(t), gm, Start{EncounterID: "e2", Entries: fourCombatants()}, apperr.CodeInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := Decide(tt.state, tt.actor, tt.cmd)
			if !apperr.HasCode(err, tt.code) {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
			if len(events) != 0 {
				t.Fatalf("expected no events, got %d", len(events))
			}
		})
	}
}

func TestEndTurnWrapsIntoNextRound(t *testing.T) {
	state := started(t)

	for i := 0; i < 4; i++ {
		state, _ = mustApply(t, state, gm, EndTurn{})
	}
	if state.TurnIndex != 0 || state.Round != 2 {
		t.Fatalf("turn=%d round=%d, want turn=0 round=2", state.TurnIndex, state.Round)
	}
}

func TestUseActionOutOfTurnIsRejected(t *testing.T) {
	state := started(t)

	events, err := Decide(state, bobUs, UseAction{ParticipantID: "b", Kind: ActionMain})
	if !apperr.HasCode(err, apperr.CodeNotYourTurn) {
		t.Fatalf("err = %v, want NOT_YOUR_TURN", err)
	}
	if events != nil {
		t.Fatalf("expected no events, got %v", events)
	}
	if state.Participants[1].Economy.ActionUsed {
		t.Fatal("rejected command mutated state")
	}
}

func TestImplicitUseActionOffTurn(t *testing.T) {
	state := started(t)

	_, err := Decide(state, bobUs, UseAction{Kind: ActionMain})
	if !apperr.HasCode(err, apperr.CodeNotYourTurn) {
		t.Fatalf("err = %v, want NOT_YOUR_TURN", err)
	}
	if state.Participants[0].Economy.ActionUsed {
		t.Fatal("rejected command mutated state")
	}
}

func TestUseActionRules(t *testing.T) {
	state := started(t)

	state, events := mustApply(t, state, aliceUs, UseAction{Kind: ActionMain})
	if len(events) != 1 || events[0].Type != EventActionApplied || events[0].ParticipantID != "a" {
		t.Fatalf("unexpected events %+v", events)
	}
	if !state.Participants[0].Economy.ActionUsed {
		t.Fatal("action not marked used")
	}

	_, err := Decide(state, aliceUs, UseAction{Kind: ActionMain})
	if !apperr.HasCode(err, apperr.CodeActionAlreadyUsed) {
		t.Fatalf("second action err = %v, want ACTION_ALREADY_USED", err)
	}
	if _, err := Decide(state, aliceUs, UseAction{Kind: "teleport"}); !apperr.HasCode(err, apperr.CodeInvalidArgument) {
		t.Fatalf("unknown kind err = %v", err)
	}
	if _, err := Decide(state, bobUs, UseAction{ParticipantID: "a", Kind: ActionBonus}); !apperr.HasCode(err, apperr.CodeForbidden) {
		t.Fatalf("other player's participant err = %v", err)
	}
	if _, _, err := Apply(state, gm, UseAction{ParticipantID: "a", Kind: ActionBonus}); err != nil {
		t.Fatalf("gm override: %v", err)
	}
}

func TestEndTurnClearsEnteringParticipantEconomy(t *testing.T) {
	state := started(t)
	state, _ = mustApply(t, state, aliceUs, UseAction{Kind: ActionMain})
	state, _ = mustApply(t, state, aliceUs, UseAction{Kind: ActionMovement})

	for i := 0; i < 4; i++ {
		state, _ = mustApply(t, state, gm, EndTurn{})
	}
	if got := state.Participants[0].Economy; got != (Economy{}) {
		t.Fatalf("economy not reset on new turn: %+v", got)
	}
}

func TestEndTurnSkipsInactiveParticipants(t *testing.T) {
	state := started(t)
	state, _ = mustApply(t, state, gm, SetActive{ParticipantID: "b", Active: false})
	state, _ = mustApply(t, state, gm, SetActive{ParticipantID: "c", Active: false})

	state, events := mustApply(t, state, aliceUs, EndTurn{})
	if state.TurnIndex != 3 {
		t.Fatalf("turn index = %d, want 3", state.TurnIndex)
	}
	if got := events[0].Skipped; !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("skipped = %v", got)
	}
	if len(state.Participants) != 4 {
		t.Fatal("inactive participants must stay in the order")
	}
}

func TestDeactivatingEveryoneStallsAndRevivingResumes(t *testing.T) {
	state := started(t)
	for _, id := range []string{"a", "b", "c"} {
		state, _ = mustApply(t, state, gm, SetActive{ParticipantID: id, Active: false})
	}
	state, events := mustApply(t, state, gm, SetActive{ParticipantID: "goblin", Active: false})
	if state.Status != StatusStalled {
		t.Fatalf("status = %s, want stalled", state.Status)
	}
	if events[len(events)-1].Type != EventStalled {
		t.Fatalf("expected combat_stalled, got %+v", events)
	}

	if _, err := Decide(state, gm, EndTurn{}); !apperr.HasCode(err, apperr.CodeInvalidTransition) {
		t.Fatalf("end turn while stalled err = %v", err)
	}

	state, events = mustApply(t, state, gm, SetActive{ParticipantID: "b", Active: true})
	if state.Status != StatusActive || state.TurnIndex != 1 {
		t.Fatalf("resume state %+v", state)
	}
	if len(events) != 2 || events[1].Type != EventTurnAdvanced {
		t.Fatalf("unexpected resume events %+v", events)
	}
}

func TestAddParticipantAppendsWithoutResort(t *testing.T) {
	state := started(t)
	state, _ = mustApply(t, state, gm, AddParticipant{Entry: Entry{ID: "dragon", Initiative: 30}})

	if got := order(state); got[len(got)-1] != "dragon" {
		t.Fatalf("late joiner not appended: %v", got)
	}
	if state.TurnIndex != 0 {
		t.Fatalf("turn moved to %d", state.TurnIndex)
	}
	if _, err := Decide(state, gm, AddParticipant{Entry: Entry{ID: "dragon"}}); !apperr.HasCode(err, apperr.CodeInvalidArgument) {
		t.Fatalf("duplicate add err = %v", err)
	}
	if _, err := Decide(state, aliceUs, AddParticipant{Entry: Entry{ID: "wolf"}}); !apperr.HasCode(err, apperr.CodeForbidden) {
		t.Fatalf("player add err = %v", err)
	}
}

func TestEndCombatIsIdempotent(t *testing.T) {
	state := started(t)
	state, events := mustApply(t, state, gm, End{})
	if len(events) != 1 || state.Status != StatusEnded {
		t.Fatalf("end: state=%+v events=%v", state, events)
	}

	again, events, err := Apply(state, gm, End{})
	if err != nil || len(events) != 0 {
		t.Fatalf("second end: events=%v err=%v", events, err)
	}
	if !reflect.DeepEqual(again, state) {
		t.Fatal("second end changed state")
	}
	if _, err := Decide(state, gm, EndTurn{}); !apperr.HasCode(err, apperr.CodeInvalidTransition) {
		t.Fatalf("end turn after end err = %v", err)
	}
	if _, err := Decide(NewState(), gm, End{}); !apperr.HasCode(err, apperr.CodeInvalidTransition) {
		t.Fatalf("end before start err = %v", err)
	}
}

func TestConcurrentEndTurnOnlyOneWins(t *testing.T) {
	state := started(t)
	round, turn := state.Round, state.TurnIndex

	// The owner double-clicks and the GM clicks at the same moment; the room
	// serializes them so both see the same snapshot in turn.
	first := EndTurn{ExpectedRound: &round, ExpectedTurn: &turn}
	state, _ = mustApply(t, state, aliceUs, first)

	if _, err := Decide(state, aliceUs, first); !apperr.HasCode(err, apperr.CodeNotYourTurn) {
		t.Fatalf("owner repeat err = %v, want NOT_YOUR_TURN", err)
	}
	if _, err := Decide(state, gm, first); !apperr.HasCode(err, apperr.CodeStaleTurn) {
		t.Fatalf("gm repeat err = %v, want STALE_TURN", err)
	}
	if state.TurnIndex != 1 {
		t.Fatalf("turn advanced twice: %d", state.TurnIndex)
	}
}

func TestReplayMatchesIncrementalState(t *testing.T) {
	state := NewState()
	var log []Event
	steps := []struct {
		actor Actor
		cmd   Command
	}{
		{gm, Start{EncounterID: "enc-1", SessionID: "sess-1", Entries: fourCombatants()}},
		{aliceUs, UseAction{Kind: ActionMain}},
		{aliceUs, EndTurn{}},
		{gm, SetActive{ParticipantID: "c", Active: false}},
		{bobUs, UseAction{Kind: ActionBonus}},
		{bobUs, EndTurn{}},
		{gm, AddParticipant{Entry: Entry{ID: "ogre", Initiative: 1}}},
		{gm, EndTurn{}},
	}
	for _, step := range steps {
		var events []Event
		state, events = mustApply(t, state, step.actor, step.cmd)
		log = append(log, events...)
	}

	// Round-trip through the wire encoding used for persistence.
	decoded := make([]Event, 0, len(log))
	for _, evt := range log {
		raw, err := json.Marshal(evt)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		back, err := DecodeEvent(string(evt.Type), raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		decoded = append(decoded, back)
	}

	if got := Replay(decoded); !reflect.DeepEqual(got, state) {
		t.Fatalf("replayed state differs\n got: %+v\nwant: %+v", got, state)
	}
}

func TestFoldIgnoresOtherEncounters(t *testing.T) {
	state := started(t)
	next := Fold(state, Event{Type: EventEnded, EncounterID: "other"})
	if next.Status != StatusActive {
		t.Fatal("event for another encounter was applied")
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	if _, err := DecodeEvent("chat_message", []byte(`{}`)); err == nil {
		t.Fatal("expected error for non-combat event type")
	}
}
