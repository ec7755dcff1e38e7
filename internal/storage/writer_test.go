package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
	"campaignsync/internal/realtime"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	err      error
	events   []uint64
	archived []string
	calls    int
}

func (s *flakySink) attempt() error {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	return nil
}

func (s *flakySink) AppendEvent(_ context.Context, evt realtime.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.attempt(); err != nil {
		return err
	}
	s.events = append(s.events, evt.Sequence)
	return nil
}

func (s *flakySink) SaveEncounter(context.Context, realtime.RoomKey, combat.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt()
}

func (s *flakySink) ArchiveSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.attempt(); err != nil {
		return err
	}
	s.archived = append(s.archived, id)
	return nil
}

func (s *flakySink) snapshot() ([]uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.events...), s.calls
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runWriter(t *testing.T, sink Sink, cfg WriterConfig) (*Writer, func()) {
	t.Helper()
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = time.Millisecond
		cfg.MaxInterval = 5 * time.Millisecond
	}
	w := NewWriter(sink, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return w, stop
}

func event(seq uint64) realtime.SyncEvent {
	return realtime.SyncEvent{
		Room:       realtime.RoomKey{Scope: realtime.ScopeSession, ID: "s1"},
		Sequence:   seq,
		Type:       "chat_message",
		At:         time.Now(),
		Visibility: realtime.Everyone(),
	}
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	sink := &flakySink{failures: 2, err: errors.New("database is locked")}
	w, stop := runWriter(t, sink, WriterConfig{MaxRetries: 5})

	for seq := uint64(1); seq <= 3; seq++ {
		w.PersistEvent(event(seq))
	}
	stop()

	events, calls := sink.snapshot()
	if len(events) != 3 || events[0] != 1 || events[2] != 3 {
		t.Fatalf("persisted = %v", events)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
}

func TestWriterLogsDivergenceAfterRetries(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	sink := &flakySink{failures: 100, err: errors.New("disk full")}
	w, stop := runWriter(t, sink, WriterConfig{MaxRetries: 2, Logger: logger})

	w.PersistEvent(event(7))
	stop()

	if _, calls := sink.snapshot(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	out := logs.String()
	if !strings.Contains(out, `"msg":"persist failed"`) || !strings.Contains(out, `"diverged":true`) || !strings.Contains(out, `"seq":7`) {
		t.Fatalf("log output = %s", out)
	}
}

func TestWriterDoesNotRetryPermanentErrors(t *testing.T) {
	sink := &flakySink{failures: 1, err: apperr.New(apperr.CodeNotFound, "unknown session")}
	w, stop := runWriter(t, sink, WriterConfig{MaxRetries: 5})

	w.ArchiveSession("s1")
	w.ArchiveSession("s2")
	stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 2 || len(sink.archived) != 1 || sink.archived[0] != "s2" {
		t.Fatalf("calls=%d archived=%v", sink.calls, sink.archived)
	}
}

func TestWriterQueueFullDropsWithoutBlocking(t *testing.T) {
	logs := &syncBuffer{}
	sink := &flakySink{}
	w := NewWriter(sink, WriterConfig{QueueSize: 1, Logger: slog.New(slog.NewJSONHandler(logs, nil))})

	done := make(chan struct{})
	go func() {
		w.PersistEvent(event(1))
		w.PersistEvent(event(2))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PersistEvent blocked on a full queue")
	}
	if w.Pending() != 1 {
		t.Fatalf("pending = %d", w.Pending())
	}
	if !strings.Contains(logs.String(), "persistence queue full") {
		t.Fatalf("log output = %s", logs.String())
	}
}
