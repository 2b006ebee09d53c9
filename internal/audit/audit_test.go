package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seolan-project/seolan/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	err := s.Record(context.Background(), events.Event{
		Type:   events.EventPlayerOnline,
		Source: "char",
		Payload: events.PlayerPayload{
			CharID: 7,
			Name:   "kite",
			Addr:   "10.0.0.9",
		},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Type != string(events.EventPlayerOnline) || e.Source != "char" {
		t.Fatalf("entry = %q/%q", e.Type, e.Source)
	}
	if !strings.Contains(e.Detail, `"Name":"kite"`) {
		t.Fatalf("detail missing payload: %q", e.Detail)
	}
	if e.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"first", "second", "third"} {
		err := s.Record(context.Background(), events.Event{
			Type:    events.EventCharCreated,
			Source:  "login",
			Payload: events.PlayerPayload{Name: name},
		})
		if err != nil {
			t.Fatalf("Record %s: %v", name, err)
		}
	}

	entries, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if !strings.Contains(entries[0].Detail, "third") {
		t.Fatalf("newest first, got %q", entries[0].Detail)
	}
}

func TestAttachSubscribesAuditedEvents(t *testing.T) {
	s := openTestStore(t)

	bus := events.NewEventBus()
	s.Attach(bus)

	for _, et := range audited {
		if n := bus.HandlerCount(et); n != 1 {
			t.Fatalf("%s: %d handlers, want 1", et, n)
		}
	}
}

func TestPruneKeepsFreshEntries(t *testing.T) {
	s := openTestStore(t)

	if err := s.Record(context.Background(), events.Event{
		Type:   events.EventServerStarted,
		Source: "map",
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Prune(30); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	entries, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("fresh entry pruned: got %d entries", len(entries))
	}
}
