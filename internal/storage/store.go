// Package storage persists room events, encounter state, session playcards
// and campaign membership. The realtime hub reads from it only when a room
// is first touched; every write goes through the asynchronous Writer.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
	"campaignsync/internal/realtime"
)

// Session statuses stored in sessions.status.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// Store is implemented by every backend.
type Store interface {
	realtime.RoomLoader
	realtime.Permissions
	Sink

	// The methods below are the seeding and read API for the campaign CRUD
	// service that shares this database; the realtime process itself only
	// loads rooms, checks roles and writes through Sink.
	PutMember(ctx context.Context, campaignID, userID string, role realtime.Role) error
	PutSession(ctx context.Context, sessionID, campaignID string) error
	PutCards(ctx context.Context, sessionID string, cards []realtime.Card, currentID string) error
	Encounter(ctx context.Context, encounterID string) (combat.State, error)
	Close() error
}

// Sink receives accepted room changes.
type Sink interface {
	AppendEvent(ctx context.Context, evt realtime.SyncEvent) error
	SaveEncounter(ctx context.Context, key realtime.RoomKey, state combat.State) error
	ArchiveSession(ctx context.Context, sessionID string) error
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// eventRow is the column form of a SyncEvent.
type eventRow struct {
	id         string
	room       string
	sequence   int64
	eventType  string
	payload    string
	actor      string
	visibility string
	at         int64
}

func rowFromEvent(evt realtime.SyncEvent) (eventRow, error) {
	vis, err := json.Marshal(evt.Visibility)
	if err != nil {
		return eventRow{}, fmt.Errorf("encode visibility: %w", err)
	}
	payload := string(evt.Payload)
	if payload == "" {
		payload = "null"
	}
	return eventRow{
		id:         evt.ID,
		room:       evt.Room.String(),
		sequence:   int64(evt.Sequence),
		eventType:  evt.Type,
		payload:    payload,
		actor:      evt.ActorUserID,
		visibility: string(vis),
		at:         toMillis(evt.At),
	}, nil
}

func (r eventRow) event(key realtime.RoomKey) (realtime.SyncEvent, error) {
	var vis realtime.Visibility
	if err := json.Unmarshal([]byte(r.visibility), &vis); err != nil {
		return realtime.SyncEvent{}, fmt.Errorf("decode visibility of %s/%d: %w", r.room, r.sequence, err)
	}
	return realtime.SyncEvent{
		ID:          r.id,
		Room:        key,
		Sequence:    uint64(r.sequence),
		Type:        r.eventType,
		Payload:     json.RawMessage(r.payload),
		ActorUserID: r.actor,
		At:          fromMillis(r.at),
		Visibility:  vis,
	}, nil
}

// cardRow is the column form of a Card.
type cardRow struct {
	id     string
	kind   string
	title  string
	roster string
}

func rowFromCard(card realtime.Card) (cardRow, error) {
	roster := "[]"
	if len(card.Roster) > 0 {
		raw, err := json.Marshal(card.Roster)
		if err != nil {
			return cardRow{}, fmt.Errorf("encode roster of %s: %w", card.ID, err)
		}
		roster = string(raw)
	}
	return cardRow{id: card.ID, kind: string(card.Kind), title: card.Title, roster: roster}, nil
}

func (r cardRow) card() (realtime.Card, error) {
	card := realtime.Card{ID: r.id, Kind: realtime.CardKind(r.kind), Title: r.title}
	if r.roster != "" && r.roster != "[]" {
		if err := json.Unmarshal([]byte(r.roster), &card.Roster); err != nil {
			return realtime.Card{}, fmt.Errorf("decode roster of %s: %w", r.id, err)
		}
	}
	return card, nil
}

// encounterEvents returns the combat events of the newest encounter in
// events, which must be sorted by sequence.
func encounterEvents(events []realtime.SyncEvent) []realtime.SyncEvent {
	start := -1
	for i, evt := range events {
		if evt.Type == string(combat.EventStarted) {
			start = i
		}
	}
	if start < 0 {
		return nil
	}
	var out []realtime.SyncEvent
	for _, evt := range events[start:] {
		if combat.IsCombatEvent(evt.Type) {
			out = append(out, evt)
		}
	}
	return out
}

// campaignOf maps a room to the campaign whose membership governs it.
func campaignOf(ctx context.Context, key realtime.RoomKey, sessionCampaign func(context.Context, string) (string, bool, error)) (string, error) {
	if key.Scope == realtime.ScopeCampaign {
		return key.ID, nil
	}
	campaignID, ok, err := sessionCampaign(ctx, key.ID)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUnavailable, "membership lookup failed", err)
	}
	if !ok {
		return "", apperr.New(apperr.CodeNotFound, "unknown session "+key.ID)
	}
	return campaignID, nil
}

func memberRole(raw string, found bool, key realtime.RoomKey) (realtime.Role, error) {
	if !found {
		return "", apperr.New(apperr.CodeForbidden, "not a member of "+key.String())
	}
	role, ok := realtime.ParseRole(raw)
	if !ok {
		return "", apperr.New(apperr.CodeForbidden, "no role in "+key.String())
	}
	return role, nil
}
