package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
	"campaignsync/internal/dice"
	"campaignsync/internal/protocol"
)

// Handle runs one decoded inbound message for conn. Replies and errors are
// enqueued on conn; nothing is returned to the transport.
func (h *Hub) Handle(ctx context.Context, conn *Connection, frame protocol.Frame, msg protocol.Message) {
	ctx, span := h.ins.tracer.Start(ctx, "realtime."+frame.Type, trace.WithAttributes(
		attribute.String("conn.id", conn.ID),
		attribute.String("user.id", conn.Identity.UserID),
	))
	defer span.End()

	h.Heartbeat(conn)
	if err := msg.Validate(); err != nil {
		h.Reject(ctx, conn, frame.RequestID, frame.Type, err)
		return
	}
	seq, ack, err := h.route(ctx, conn, frame.RequestID, msg)
	if err != nil {
		h.Reject(ctx, conn, frame.RequestID, frame.Type, err)
		return
	}
	if ack {
		conn.enqueue(protocol.AckFrame(frame.RequestID, seq))
	}
}

func (h *Hub) route(ctx context.Context, conn *Connection, requestID string, msg protocol.Message) (uint64, bool, error) {
	switch m := msg.(type) {
	case *protocol.JoinRoom:
		key, err := NewRoomKey(m.RoomType, m.RoomID)
		if err != nil {
			return 0, false, err
		}
		return 0, false, h.Join(ctx, conn, requestID, key, m.LastSeenSequence)
	case *protocol.LeaveRoom:
		key, err := NewRoomKey(m.RoomType, m.RoomID)
		if err != nil {
			return 0, false, err
		}
		h.Leave(ctx, conn, requestID, key)
		return 0, false, nil
	case *protocol.Typing:
		key, err := NewRoomKey(m.RoomType, m.RoomID)
		if err != nil {
			return 0, false, err
		}
		return 0, false, h.Typing(ctx, conn, key)
	case *protocol.Ping:
		frame, _ := protocol.NewFrame(protocol.TypePong, requestID, nil)
		conn.enqueue(frame)
		return 0, false, nil
	case *protocol.Chat:
		seq, err := h.Chat(ctx, conn, m)
		return seq, true, err
	case *protocol.DiceRoll:
		seq, err := h.RollDice(ctx, conn, m)
		return seq, true, err
	case *protocol.StartCombat:
		seq, err := h.StartCombat(ctx, conn, m)
		return seq, true, err
	case *protocol.CombatAction:
		seq, err := h.Combat(ctx, conn, m.EncounterID, combat.UseAction{ParticipantID: m.ParticipantID, Kind: m.Action})
		return seq, true, err
	case *protocol.EndTurn:
		seq, err := h.Combat(ctx, conn, m.EncounterID, combat.EndTurn{ExpectedRound: m.ExpectedRound, ExpectedTurn: m.ExpectedTurn})
		return seq, true, err
	case *protocol.EndCombat:
		seq, err := h.Combat(ctx, conn, m.EncounterID, combat.End{Reason: m.Reason})
		return seq, true, err
	case *protocol.AddParticipant:
		seq, err := h.Combat(ctx, conn, m.EncounterID, combat.AddParticipant{Entry: m.Participant})
		return seq, true, err
	case *protocol.SetParticipantActive:
		seq, err := h.Combat(ctx, conn, m.EncounterID, combat.SetActive{ParticipantID: m.ParticipantID, Active: *m.Active})
		return seq, true, err
	case *protocol.AdvanceCard:
		seq, err := h.AdvanceCard(ctx, conn, m.SessionID, m.CardID)
		return seq, true, err
	case *protocol.EndSession:
		seq, err := h.EndSession(ctx, conn, m.SessionID)
		return seq, true, err
	}
	return 0, false, apperr.New(apperr.CodeInvalidArgument, "unsupported message")
}

// withMember runs fn inside the critical section of key, provided conn is
// a member of it.
func (h *Hub) withMember(ctx context.Context, conn *Connection, key RoomKey, fn func(room *Room, role Role) error) error {
	room, err := h.rooms.Room(ctx, key)
	if err != nil {
		return err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.archived {
		return apperr.New(apperr.CodeSessionArchived, "session has ended")
	}
	m, ok := room.members[conn.ID]
	if !ok {
		return apperr.New(apperr.CodeForbidden, "join "+key.String()+" first")
	}
	return fn(room, m.role)
}

// targetRoom resolves the room of a chat or dice message. Without an
// explicit room it falls back to the only session, then the only campaign,
// the connection has joined.
func targetRoom(conn *Connection, ref protocol.RoomRef) (RoomKey, error) {
	if !ref.Empty() {
		return NewRoomKey(ref.RoomType, ref.RoomID)
	}
	var sessions, campaigns []RoomKey
	for _, key := range conn.Rooms() {
		if key.Scope == ScopeSession {
			sessions = append(sessions, key)
		} else {
			campaigns = append(campaigns, key)
		}
	}
	switch {
	case len(sessions) == 1:
		return sessions[0], nil
	case len(sessions) == 0 && len(campaigns) == 1:
		return campaigns[0], nil
	}
	return RoomKey{}, apperr.New(apperr.CodeInvalidArgument, "room_type and room_id are required")
}

// Chat publishes a chat message. A whisper is delivered to its recipients
// and the sender only.
func (h *Hub) Chat(ctx context.Context, conn *Connection, msg *protocol.Chat) (uint64, error) {
	key, err := targetRoom(conn, msg.RoomRef)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = h.withMember(ctx, conn, key, func(room *Room, _ Role) error {
		vis := Everyone()
		if len(msg.To) > 0 {
			vis = OnlyUsers(append([]string{conn.Identity.UserID}, msg.To...)...)
		}
		evt, err := h.dispatch.publishLocked(ctx, room, Draft{
			Type: protocol.TypeChatMessage,
			Payload: protocol.ChatMessagePayload{
				MessageID:   uuid.NewString(),
				UserID:      conn.Identity.UserID,
				DisplayName: conn.Identity.DisplayName,
				Body:        msg.Body,
				To:          msg.To,
				SentAt:      h.cfg.Now().UTC().Format(time.RFC3339Nano),
			},
			ActorUserID: conn.Identity.UserID,
			Visibility:  vis,
		})
		seq = evt.Sequence
		return err
	})
	return seq, err
}

// RollDice rolls an expression and publishes the result. Hidden rolls are
// GM-only and visible to GMs only.
func (h *Hub) RollDice(ctx context.Context, conn *Connection, msg *protocol.DiceRoll) (uint64, error) {
	expr, err := dice.Parse(msg.Expression)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeInvalidArgument, "invalid dice expression", err)
	}
	key, err := targetRoom(conn, msg.RoomRef)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = h.withMember(ctx, conn, key, func(room *Room, role Role) error {
		vis := Everyone()
		if msg.Hidden {
			if !role.IsGM() {
				return apperr.New(apperr.CodeForbidden, "only the GM can roll hidden")
			}
			vis = GMOnly()
		}
		result := h.roller.Roll(expr)
		evt, err := h.dispatch.publishLocked(ctx, room, Draft{
			Type:        protocol.TypeDiceResult,
			Payload:     diceResultPayload(conn, msg, result),
			ActorUserID: conn.Identity.UserID,
			Visibility:  vis,
		})
		seq = evt.Sequence
		return err
	})
	return seq, err
}

func diceResultPayload(conn *Connection, msg *protocol.DiceRoll, result dice.Result) protocol.DiceResultPayload {
	payload := protocol.DiceResultPayload{
		RollID:     uuid.NewString(),
		UserID:     conn.Identity.UserID,
		Expression: result.Expression.Source,
		Context:    msg.Context,
		Modifier:   result.Modifier,
		Total:      result.Total,
		Hidden:     msg.Hidden,
		Terms:      make([]protocol.DiceTerm, 0, len(result.Terms)),
	}
	for _, t := range result.Terms {
		payload.Terms = append(payload.Terms, protocol.DiceTerm{
			Count: t.Term.Count,
			Sides: t.Term.Sides,
			Sign:  t.Term.Sign,
			Rolls: t.Rolls,
		})
	}
	return payload
}

// StartCombat begins an encounter in a session room. Without explicit
// participants the roster of the current combat card is used.
func (h *Hub) StartCombat(ctx context.Context, conn *Connection, msg *protocol.StartCombat) (uint64, error) {
	key, err := NewRoomKey(string(ScopeSession), msg.SessionID)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = h.withMember(ctx, conn, key, func(room *Room, role Role) error {
		entries := msg.Participants
		if len(entries) == 0 {
			card, ok := room.cards.Current()
			if !ok || card.Kind != CardCombat || len(card.Roster) == 0 {
				return apperr.New(apperr.CodeInvalidArgument, "participants are required when the current card has no roster")
			}
			entries = card.Roster
		}
		encounterID := strings.TrimSpace(msg.EncounterID)
		if encounterID == "" {
			encounterID = uuid.NewString()
		}
		last, err := h.applyCombatLocked(ctx, room, conn, role, combat.Start{
			EncounterID: encounterID,
			SessionID:   key.ID,
			Entries:     entries,
		})
		seq = last
		return err
	})
	return seq, err
}

// Combat applies cmd to the encounter encounterID, which must run in a
// session room conn has joined.
func (h *Hub) Combat(ctx context.Context, conn *Connection, encounterID string, cmd combat.Command) (uint64, error) {
	for _, key := range conn.Rooms() {
		if key.Scope != ScopeSession {
			continue
		}
		var seq uint64
		err := h.withMember(ctx, conn, key, func(room *Room, role Role) error {
			if room.encounter.EncounterID != encounterID {
				return errOtherEncounter
			}
			last, err := h.applyCombatLocked(ctx, room, conn, role, cmd)
			seq = last
			return err
		})
		if errors.Is(err, errOtherEncounter) {
			continue
		}
		return seq, err
	}
	return 0, apperr.New(apperr.CodeNotFound, "encounter "+encounterID+" is not running in a joined session")
}

var errOtherEncounter = errors.New("room runs another encounter")

// applyCombatLocked decides cmd against the room's encounter, then
// publishes and folds each resulting event in order.
func (h *Hub) applyCombatLocked(ctx context.Context, room *Room, conn *Connection, role Role, cmd combat.Command) (uint64, error) {
	actor := combat.Actor{UserID: conn.Identity.UserID, GM: role.IsGM()}
	events, err := combat.Decide(room.encounter, actor, cmd)
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, evt := range events {
		published, err := h.dispatch.publishLocked(ctx, room, Draft{
			Type:        string(evt.Type),
			Payload:     evt,
			ActorUserID: conn.Identity.UserID,
			Visibility:  Everyone(),
		})
		if err != nil {
			return last, err
		}
		room.encounter = combat.Fold(room.encounter, evt)
		last = published.Sequence
	}
	if len(events) > 0 {
		h.persister.PersistEncounter(room.key, room.encounter.Clone())
	}
	return last, nil
}

// AdvanceCard moves the session's card pointer. GM only.
func (h *Hub) AdvanceCard(ctx context.Context, conn *Connection, sessionID, cardID string) (uint64, error) {
	key, err := NewRoomKey(string(ScopeSession), sessionID)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = h.withMember(ctx, conn, key, func(room *Room, role Role) error {
		if !role.IsGM() {
			return apperr.New(apperr.CodeForbidden, "only the GM can change cards")
		}
		idx, err := room.cards.next(strings.TrimSpace(cardID))
		if err != nil {
			return err
		}
		evt, err := h.dispatch.publishLocked(ctx, room, Draft{
			Type:        protocol.TypeCardChanged,
			Payload:     CardChanged{SessionID: key.ID, Index: idx, Card: room.cards.cards[idx]},
			ActorUserID: conn.Identity.UserID,
			Visibility:  Everyone(),
		})
		if err != nil {
			return err
		}
		room.cards.moveTo(idx)
		seq = evt.Sequence
		return nil
	})
	return seq, err
}

// EndSession archives a session room. A running encounter is ended first,
// session_ended is published, and every member is removed.
func (h *Hub) EndSession(ctx context.Context, conn *Connection, sessionID string) (uint64, error) {
	key, err := NewRoomKey(string(ScopeSession), sessionID)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = h.withMember(ctx, conn, key, func(room *Room, role Role) error {
		if !role.IsGM() {
			return apperr.New(apperr.CodeForbidden, "only the GM can end the session")
		}
		if room.encounter.Running() {
			if _, err := h.applyCombatLocked(ctx, room, conn, role, combat.End{Reason: "session ended"}); err != nil {
				return err
			}
		}
		evt, err := h.dispatch.publishLocked(ctx, room, Draft{
			Type:        protocol.TypeSessionEnded,
			Payload:     protocol.SessionEndedPayload{SessionID: key.ID},
			ActorUserID: conn.Identity.UserID,
			Visibility:  Everyone(),
		})
		if err != nil {
			return err
		}
		seq = evt.Sequence
		room.archived = true
		room.stopTypingLocked()
		for id, m := range room.members {
			m.conn.removeRoom(key)
			delete(room.members, id)
			if h.presence.mirror != nil {
				h.presence.mirror.Update(key, m.conn.Identity.UserID, false)
			}
		}
		clear(room.activity)
		h.persister.ArchiveSession(key.ID)
		h.logger.Info("session archived", "room", key.String(), "user", conn.Identity.UserID, "seq", seq)
		return nil
	})
	return seq, err
}
