package storage

import (
	"context"
	"os"
	"testing"
)

func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if _, err := store.pool.Exec(ctx, `TRUNCATE events, encounters, playcards, sessions, campaign_members`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresRoleIn(t *testing.T) {
	exerciseRoleIn(t, openTestPostgres(t))
}

func TestPostgresLoadRoom(t *testing.T) {
	exerciseLoadRoom(t, openTestPostgres(t))
}

func TestPostgresEncounterAndArchive(t *testing.T) {
	exerciseEncounterAndArchive(t, openTestPostgres(t))
}
