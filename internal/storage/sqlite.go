package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
	"campaignsync/internal/realtime"
)

// SQLite is the single-file backend.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite prepares a SQLite database at path and ensures the schema
// exists.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initSQLiteSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS campaign_members (
			campaign_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (campaign_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			current_card_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS playcards (
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			roster TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (session_id, id),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			room TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			actor_user_id TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL,
			at INTEGER NOT NULL,
			PRIMARY KEY (room, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS encounters (
			id TEXT PRIMARY KEY,
			room TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_room_type ON events(room, type, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_playcards_session_position ON playcards(session_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_encounters_session ON encounters(session_id, updated_at DESC);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendEvent stores evt. Storing the same room sequence twice is a no-op.
func (s *SQLite) AppendEvent(ctx context.Context, evt realtime.SyncEvent) error {
	row, err := rowFromEvent(evt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (room, seq, id, type, payload, actor_user_id, visibility, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(room, seq) DO NOTHING`,
		row.room, row.sequence, row.id, row.eventType, row.payload, row.actor, row.visibility, row.at)
	if err != nil {
		return fmt.Errorf("insert event %s/%d: %w", row.room, row.sequence, err)
	}
	return nil
}

// SaveEncounter upserts the latest state of an encounter.
func (s *SQLite) SaveEncounter(ctx context.Context, key realtime.RoomKey, state combat.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode encounter: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO encounters (id, room, session_id, status, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, state = excluded.state, updated_at = excluded.updated_at`,
		state.EncounterID, key.String(), state.SessionID, string(state.Status), string(raw), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("save encounter %s: %w", state.EncounterID, err)
	}
	return nil
}

// ArchiveSession marks a session archived.
func (s *SQLite) ArchiveSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, SessionArchived, sessionID); err != nil {
		return fmt.Errorf("archive session %s: %w", sessionID, err)
	}
	return nil
}

// Encounter returns the last saved state of an encounter.
func (s *SQLite) Encounter(ctx context.Context, encounterID string) (combat.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM encounters WHERE id = ?`, encounterID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return combat.State{}, apperr.New(apperr.CodeNotFound, "unknown encounter "+encounterID)
	}
	if err != nil {
		return combat.State{}, fmt.Errorf("load encounter %s: %w", encounterID, err)
	}
	var state combat.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return combat.State{}, fmt.Errorf("decode encounter %s: %w", encounterID, err)
	}
	return state, nil
}

// PutMember grants userID a role in a campaign.
func (s *SQLite) PutMember(ctx context.Context, campaignID, userID string, role realtime.Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_members (campaign_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(campaign_id, user_id) DO UPDATE SET role = excluded.role`,
		campaignID, userID, string(role))
	if err != nil {
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

// PutSession registers a session of a campaign.
func (s *SQLite) PutSession(ctx context.Context, sessionID, campaignID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, campaign_id) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET campaign_id = excluded.campaign_id`,
		sessionID, campaignID)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// PutCards replaces the playcards of a session.
func (s *SQLite) PutCards(ctx context.Context, sessionID string, cards []realtime.Card, currentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET current_card_id = ? WHERE id = ?`, currentID, sessionID)
	if err != nil {
		return fmt.Errorf("set current card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "unknown session "+sessionID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM playcards WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear cards: %w", err)
	}
	for i, card := range cards {
		row, err := rowFromCard(card)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO playcards (session_id, position, id, kind, title, roster) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, i, row.id, row.kind, row.title, row.roster); err != nil {
			return fmt.Errorf("insert card %s: %w", card.ID, err)
		}
	}
	return tx.Commit()
}

// RoleIn resolves the caller's campaign role for a room.
func (s *SQLite) RoleIn(ctx context.Context, identity realtime.Identity, key realtime.RoomKey) (realtime.Role, error) {
	campaignID, err := campaignOf(ctx, key, s.sessionCampaign)
	if err != nil {
		return "", err
	}
	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT role FROM campaign_members WHERE campaign_id = ? AND user_id = ?`,
		campaignID, identity.UserID).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", apperr.Wrap(apperr.CodeUnavailable, "membership lookup failed", err)
	}
	return memberRole(raw, err == nil, key)
}

func (s *SQLite) sessionCampaign(ctx context.Context, sessionID string) (string, bool, error) {
	var campaignID string
	err := s.db.QueryRowContext(ctx, `SELECT campaign_id FROM sessions WHERE id = ?`, sessionID).Scan(&campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return campaignID, true, nil
}

// LoadRoom returns what the hub needs to rebuild a room: the newest tail
// events, the events of the latest encounter and, for sessions, the cards.
func (s *SQLite) LoadRoom(ctx context.Context, key realtime.RoomKey, tail int) (realtime.RoomSnapshot, error) {
	room := key.String()
	var snap realtime.RoomSnapshot

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE room = ?`, room).Scan(&latest); err != nil {
		return snap, fmt.Errorf("latest sequence: %w", err)
	}
	snap.LatestSequence = uint64(latest.Int64)

	events, err := s.queryEvents(ctx, key,
		`SELECT id, room, seq, type, payload, actor_user_id, visibility, at
		 FROM events WHERE room = ? ORDER BY seq DESC LIMIT ?`, room, tail)
	if err != nil {
		return snap, err
	}
	snap.Events = events

	var startSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE room = ? AND type = ?`, room, string(combat.EventStarted)).Scan(&startSeq); err != nil {
		return snap, fmt.Errorf("latest encounter: %w", err)
	}
	if startSeq.Valid {
		all, err := s.queryEvents(ctx, key,
			`SELECT id, room, seq, type, payload, actor_user_id, visibility, at
			 FROM events WHERE room = ? AND seq >= ? ORDER BY seq`, room, startSeq.Int64)
		if err != nil {
			return snap, err
		}
		snap.EncounterEvents = encounterEvents(all)
	}

	if key.Scope != realtime.ScopeSession {
		return snap, nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status, current_card_id FROM sessions WHERE id = ?`, key.ID).Scan(&status, &snap.CurrentCardID)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("load session: %w", err)
	}
	snap.Archived = status == SessionArchived

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, title, roster FROM playcards WHERE session_id = ? ORDER BY position`, key.ID)
	if err != nil {
		return snap, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row cardRow
		if err := rows.Scan(&row.id, &row.kind, &row.title, &row.roster); err != nil {
			return snap, fmt.Errorf("scan card: %w", err)
		}
		card, err := row.card()
		if err != nil {
			return snap, err
		}
		snap.Cards = append(snap.Cards, card)
	}
	return snap, rows.Err()
}

func (s *SQLite) queryEvents(ctx context.Context, key realtime.RoomKey, query string, args ...any) ([]realtime.SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []realtime.SyncEvent
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(&row.id, &row.room, &row.sequence, &row.eventType, &row.payload, &row.actor, &row.visibility, &row.at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt, err := row.event(key)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
