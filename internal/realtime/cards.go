package realtime

import (
	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
)

// CardKind is the category of a session playcard.
type CardKind string

const (
	CardScene    CardKind = "scene"
	CardCombat   CardKind = "combat"
	CardLoot     CardKind = "loot"
	CardDowntime CardKind = "downtime"
)

// Card is one step of a session plan. Combat cards may carry the roster
// used when combat starts without explicit participants.
type Card struct {
	ID     string         `json:"id"`
	Kind   CardKind       `json:"kind"`
	Title  string         `json:"title,omitempty"`
	Roster []combat.Entry `json:"roster,omitempty"`
}

// CardChanged is the payload of card_changed.
type CardChanged struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Card      Card   `json:"card"`
}

// CardQueue is the ordered plan of a session with a current pointer.
// It is guarded by the owning room's lock.
type CardQueue struct {
	cards   []Card
	current int
}

func newCardQueue(cards []Card, currentID string) *CardQueue {
	q := &CardQueue{cards: append([]Card(nil), cards...), current: -1}
	if currentID != "" {
		q.current = q.indexOf(currentID)
	}
	return q
}

func (q *CardQueue) indexOf(id string) int {
	for i, c := range q.cards {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Current returns the active card.
func (q *CardQueue) Current() (Card, bool) {
	if q == nil || q.current < 0 || q.current >= len(q.cards) {
		return Card{}, false
	}
	return q.cards[q.current], true
}

// Len returns the number of planned cards.
func (q *CardQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.cards)
}

// next resolves the card an advance would move to without moving.
func (q *CardQueue) next(cardID string) (int, error) {
	if q.Len() == 0 {
		return 0, apperr.New(apperr.CodeNotFound, "session has no cards")
	}
	if cardID != "" {
		idx := q.indexOf(cardID)
		if idx < 0 {
			return 0, apperr.New(apperr.CodeNotFound, "unknown card "+cardID)
		}
		if idx == q.current {
			return 0, apperr.New(apperr.CodeInvalidTransition, "card is already current")
		}
		return idx, nil
	}
	if q.current+1 >= len(q.cards) {
		return 0, apperr.New(apperr.CodeInvalidTransition, "no more cards in this session")
	}
	return q.current + 1, nil
}

func (q *CardQueue) moveTo(idx int) {
	q.current = idx
}
