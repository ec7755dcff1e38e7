package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
	"campaignsync/internal/realtime"
)

// Postgres is the shared-database backend.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to url and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	if url == "" {
		return nil, errors.New("database url is empty")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS campaign_members (
			campaign_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (campaign_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			current_card_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS playcards (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			roster JSONB NOT NULL DEFAULT '[]',
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			room TEXT NOT NULL,
			seq BIGINT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			actor_user_id TEXT NOT NULL DEFAULT '',
			visibility JSONB NOT NULL,
			at BIGINT NOT NULL,
			PRIMARY KEY (room, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS encounters (
			id TEXT PRIMARY KEY,
			room TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_room_type ON events(room, type, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_playcards_session_position ON playcards(session_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_encounters_session ON encounters(session_id, updated_at DESC)`,
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) AppendEvent(ctx context.Context, evt realtime.SyncEvent) error {
	row, err := rowFromEvent(evt)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO events (room, seq, id, type, payload, actor_user_id, visibility, at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::jsonb, $8)
		 ON CONFLICT (room, seq) DO NOTHING`,
		row.room, row.sequence, row.id, row.eventType, row.payload, row.actor, row.visibility, row.at)
	if err != nil {
		return fmt.Errorf("insert event %s/%d: %w", row.room, row.sequence, err)
	}
	return nil
}

func (p *Postgres) SaveEncounter(ctx context.Context, key realtime.RoomKey, state combat.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode encounter: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO encounters (id, room, session_id, status, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		state.EncounterID, key.String(), state.SessionID, string(state.Status), string(raw), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("save encounter %s: %w", state.EncounterID, err)
	}
	return nil
}

func (p *Postgres) ArchiveSession(ctx context.Context, sessionID string) error {
	if _, err := p.pool.Exec(ctx, `UPDATE sessions SET status = $1 WHERE id = $2`, SessionArchived, sessionID); err != nil {
		return fmt.Errorf("archive session %s: %w", sessionID, err)
	}
	return nil
}

func (p *Postgres) Encounter(ctx context.Context, encounterID string) (combat.State, error) {
	var raw string
	err := p.pool.QueryRow(ctx, `SELECT state::text FROM encounters WHERE id = $1`, encounterID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (p *Postgres) PutMember(ctx context.Context, campaignID, userID string, role realtime.Role) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO campaign_members (campaign_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (campaign_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		campaignID, userID, string(role))
	if err != nil {
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

func (p *Postgres) PutSession(ctx context.Context, sessionID, campaignID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (id, campaign_id) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET campaign_id = EXCLUDED.campaign_id`,
		sessionID, campaignID)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (p *Postgres) PutCards(ctx context.Context, sessionID string, cards []realtime.Card, currentID string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE sessions SET current_card_id = $1 WHERE id = $2`, currentID, sessionID)
		if err != nil {
			return fmt.Errorf("set current card: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.CodeNotFound, "unknown session "+sessionID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM playcards WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("clear cards: %w", err)
		}
		batch := &pgx.Batch{}
		for i, card := range cards {
			row, err := rowFromCard(card)
			if err != nil {
				return err
			}
			batch.Queue(`INSERT INTO playcards (session_id, position, id, kind, title, roster) VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
				sessionID, i, row.id, row.kind, row.title, row.roster)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert cards: %w", err)
		}
		return nil
	})
}

func (p *Postgres) RoleIn(ctx context.Context, identity realtime.Identity, key realtime.RoomKey) (realtime.Role, error) {
	campaignID, err := campaignOf(ctx, key, p.sessionCampaign)
	if err != nil {
		return "", err
	}
	var raw string
	err = p.pool.QueryRow(ctx,
		`SELECT role FROM campaign_members WHERE campaign_id = $1 AND user_id = $2`,
		campaignID, identity.UserID).Scan(&raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.Wrap(apperr.CodeUnavailable, "membership lookup failed", err)
	}
	return memberRole(raw, err == nil, key)
}

func (p *Postgres) sessionCampaign(ctx context.Context, sessionID string) (string, bool, error) {
	var campaignID string
	err := p.pool.QueryRow(ctx, `SELECT campaign_id FROM sessions WHERE id = $1`, sessionID).Scan(&campaignID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return campaignID, true, nil
}

func (p *Postgres) LoadRoom(ctx context.Context, key realtime.RoomKey, tail int) (realtime.RoomSnapshot, error) {
	room := key.String()
	var snap realtime.RoomSnapshot

	var latest *int64
	if err := p.pool.QueryRow(ctx, `SELECT MAX(seq) FROM events WHERE room = $1`, room).Scan(&latest); err != nil {
		return snap, fmt.Errorf("latest sequence: %w", err)
	}
	if latest != nil {
		snap.LatestSequence = uint64(*latest)
	}

	events, err := p.queryEvents(ctx, key,
		`SELECT id, room, seq, type, payload::text, actor_user_id, visibility::text, at
		 FROM events WHERE room = $1 ORDER BY seq DESC LIMIT $2`, room, tail)
	if err != nil {
		return snap, err
	}
	snap.Events = events

	var startSeq *int64
	if err := p.pool.QueryRow(ctx,
		`SELECT MAX(seq) FROM events WHERE room = $1 AND type = $2`, room, string(combat.EventStarted)).Scan(&startSeq); err != nil {
		return snap, fmt.Errorf("latest encounter: %w", err)
	}
	if startSeq != nil {
		all, err := p.queryEvents(ctx, key,
			`SELECT id, room, seq, type, payload::text, actor_user_id, visibility::text, at
			 FROM events WHERE room = $1 AND seq >= $2 ORDER BY seq`, room, *startSeq)
		if err != nil {
			return snap, err
		}
		snap.EncounterEvents = encounterEvents(all)
	}

	if key.Scope != realtime.ScopeSession {
		return snap, nil
	}
	var status string
	err = p.pool.QueryRow(ctx, `SELECT status, current_card_id FROM sessions WHERE id = $1`, key.ID).Scan(&status, &snap.CurrentCardID)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("load session: %w", err)
	}
	snap.Archived = status == SessionArchived

	rows, err := p.pool.Query(ctx,
		`SELECT id, kind, title, roster::text FROM playcards WHERE session_id = $1 ORDER BY position`, key.ID)
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

func (p *Postgres) queryEvents(ctx context.Context, key realtime.RoomKey, query string, args ...any) ([]realtime.SyncEvent, error) {
	rows, err := p.pool.Query(ctx, query, args...)
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
