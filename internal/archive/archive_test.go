package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "archive.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(t *testing.T, s *Store, msgID int64, at time.Time, text string) {
	t.Helper()
	ev := transport.Event{
		TenantID:  1,
		ChannelID: 10,
		Author:    "ann",
		Text:      text,
		At:        at,
	}
	if err := s.Record(context.Background(), ev, msgID, "acme", "general"); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestRecordAndEventsSince(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record(t, s, 1, base, "one")
	record(t, s, 2, base.Add(time.Minute), "two")
	record(t, s, 3, base.Add(2*time.Minute), "three")

	// Strictly after: the event at the watermark itself is excluded.
	events, err := s.EventsSince(ctx, 1, 10, base)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Text != "two" || events[1].Text != "three" {
		t.Fatalf("events out of order: %s, %s", events[0].Text, events[1].Text)
	}
	if !events[0].At.Equal(base.Add(time.Minute)) {
		t.Fatalf("At = %v", events[0].At)
	}
}

func TestRecordIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record(t, s, 1, at, "hello")
	record(t, s, 1, at, "hello") // redelivered update

	events, err := s.EventsSince(ctx, 1, 10, at.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("duplicate message stored: got %d events", len(events))
	}
}

func TestUnknownChannelUnavailable(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EventsSince(ctx, 1, 999, time.Now())
	if !errors.Is(err, transport.ErrChannelUnavailable) {
		t.Fatalf("EventsSince = %v, want ErrChannelUnavailable", err)
	}
	_, err = s.ChannelName(ctx, 1, 999)
	if !errors.Is(err, transport.ErrChannelUnavailable) {
		t.Fatalf("ChannelName = %v, want ErrChannelUnavailable", err)
	}
}

func TestNameResolution(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	record(t, s, 1, time.Now(), "x")

	name, err := s.ChannelName(ctx, 1, 10)
	if err != nil || name != "general" {
		t.Fatalf("ChannelName = %q, %v", name, err)
	}
	name, err = s.TenantName(ctx, 1)
	if err != nil || name != "acme" {
		t.Fatalf("TenantName = %q, %v", name, err)
	}

	// Unknown tenant falls back to the numeric ID.
	name, err = s.TenantName(ctx, 42)
	if err != nil || name != "42" {
		t.Fatalf("TenantName(42) = %q, %v", name, err)
	}
}

func TestPruneDigested(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record(t, s, 1, base, "old")
	record(t, s, 2, base.Add(time.Minute), "newer")

	n, err := s.PruneDigested(ctx, 1, base)
	if err != nil {
		t.Fatalf("PruneDigested: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}

	events, err := s.EventsSince(ctx, 1, 10, base.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Text != "newer" {
		t.Fatalf("events after prune = %v", events)
	}
}

func TestAttachmentsRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := transport.Event{
		TenantID:    1,
		ChannelID:   10,
		Author:      "bob",
		Text:        "pic",
		At:          at,
		Attachments: []string{"https://cdn.example/a.png"},
		Embeds:      []transport.Embed{{Title: "T", URL: "https://example.com"}},
	}
	if err := s.Record(ctx, ev, 1, "acme", "general"); err != nil {
		t.Fatal(err)
	}

	events, err := s.EventsSince(ctx, 1, 10, at.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	got := events[0]
	if len(got.Attachments) != 1 || got.Attachments[0] != "https://cdn.example/a.png" {
		t.Fatalf("Attachments = %v", got.Attachments)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Title != "T" {
		t.Fatalf("Embeds = %v", got.Embeds)
	}
}
