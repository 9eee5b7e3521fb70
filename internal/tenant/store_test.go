package tenant

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "digestbot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.json")
	s := NewStore(path, 1440, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestLoadCreatesMissingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sub", "tenants.json")
	s := NewStore(path, 1440, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file not created: %v", err)
	}
	if got := s.IDs(); len(got) != 0 {
		t.Fatalf("expected empty store, got %v", got)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tenants.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, 1440, logx.Nop())
	if err := s.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load = %v, want ErrCorrupt", err)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tenants.json")
	s := NewStore(path, 1440, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := s.AddChannel(7, 42); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := s.SetInterval(7, 60); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	if _, _, err := s.AddRecipients(7, []string{"a@x.com"}); err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	mark := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.AdvanceWatermark(7, mark); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}

	// fresh store over the same file
	s2 := NewStore(path, 1440, logx.Nop())
	if err := s2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	cfg, ok := s2.Get(7)
	if !ok {
		t.Fatal("tenant 7 missing after reload")
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0] != 42 {
		t.Fatalf("Channels = %v", cfg.Channels)
	}
	if cfg.IntervalMinutes != 60 {
		t.Fatalf("IntervalMinutes = %d", cfg.IntervalMinutes)
	}
	if len(cfg.Recipients) != 1 || cfg.Recipients[0] != "a@x.com" {
		t.Fatalf("Recipients = %v", cfg.Recipients)
	}
	if cfg.LastDigestAt == nil || !cfg.LastDigestAt.Equal(mark) {
		t.Fatalf("LastDigestAt = %v, want %v", cfg.LastDigestAt, mark)
	}
}

func TestAddChannelIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	added, err := s.AddChannel(1, 10)
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = s.AddChannel(1, 10)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if added {
		t.Fatal("duplicate add reported added=true")
	}
	cfg, _ := s.Get(1)
	if len(cfg.Channels) != 1 {
		t.Fatalf("Channels = %v, want one entry", cfg.Channels)
	}
}

func TestSetIntervalRejectsBelowOne(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.SetInterval(1, 30); err != nil {
		t.Fatalf("SetInterval(30): %v", err)
	}
	for _, minutes := range []int{0, -5} {
		if err := s.SetInterval(1, minutes); !errors.Is(err, ErrBadInterval) {
			t.Fatalf("SetInterval(%d) = %v, want ErrBadInterval", minutes, err)
		}
	}
	cfg, _ := s.Get(1)
	if cfg.IntervalMinutes != 30 {
		t.Fatalf("interval changed to %d after rejected update", cfg.IntervalMinutes)
	}
}

func TestAddRecipientsDedupAndValidate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	added, rejected, err := s.AddRecipients(1, []string{"a@x.com", "b@y.com"})
	if err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	if len(added) != 2 || len(rejected) != 0 {
		t.Fatalf("added=%v rejected=%v", added, rejected)
	}

	// A@X.com duplicates a@x.com case-insensitively; not-an-email is invalid.
	added, rejected, err = s.AddRecipients(1, []string{"A@X.com", "c@z.org", "not-an-email"})
	if err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	if len(added) != 1 || added[0] != "c@z.org" {
		t.Fatalf("added = %v, want [c@z.org]", added)
	}
	if len(rejected) != 1 || rejected[0] != "not-an-email" {
		t.Fatalf("rejected = %v", rejected)
	}

	cfg, _ := s.Get(1)
	want := []string{"a@x.com", "b@y.com", "c@z.org"}
	if len(cfg.Recipients) != len(want) {
		t.Fatalf("Recipients = %v, want %v", cfg.Recipients, want)
	}
	for i, r := range want {
		if cfg.Recipients[i] != r {
			t.Fatalf("Recipients[%d] = %s, want %s", i, cfg.Recipients[i], r)
		}
	}
}

func TestAddRecipientsDedupWithinOneCall(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	added, _, err := s.AddRecipients(1, SplitRecipientList("a@x.com, A@X.COM, b@y.com"))
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 2 {
		t.Fatalf("added = %v, want two distinct addresses", added)
	}
	cfg, _ := s.Get(1)
	got := map[string]bool{}
	for _, r := range cfg.Recipients {
		got[r] = true
	}
	if len(got) != 2 || !got["a@x.com"] || !got["b@y.com"] {
		t.Fatalf("Recipients = %v, want {a@x.com, b@y.com}", cfg.Recipients)
	}
}

func TestRemoveRecipients(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if _, _, err := s.AddRecipients(1, []string{"a@x.com", "b@y.com"}); err != nil {
		t.Fatal(err)
	}
	removed, err := s.RemoveRecipients(1, []string{"A@X.COM", "missing@q.com"})
	if err != nil {
		t.Fatalf("RemoveRecipients: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	cfg, _ := s.Get(1)
	if len(cfg.Recipients) != 1 || cfg.Recipients[0] != "b@y.com" {
		t.Fatalf("Recipients = %v", cfg.Recipients)
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := s.AdvanceWatermark(1, later); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}
	// Moving backwards must be a silent no-op.
	if err := s.AdvanceWatermark(1, earlier); err != nil {
		t.Fatalf("AdvanceWatermark(earlier): %v", err)
	}
	cfg, _ := s.Get(1)
	if cfg.LastDigestAt == nil || !cfg.LastDigestAt.Equal(later) {
		t.Fatalf("LastDigestAt = %v, want %v", cfg.LastDigestAt, later)
	}

	// Equal timestamp is also a no-op, not an error.
	if err := s.AdvanceWatermark(1, later); err != nil {
		t.Fatalf("AdvanceWatermark(equal): %v", err)
	}
}

func TestValidEmail(t *testing.T) {
	t.Parallel()
	valid := []string{"a@x.com", "first.last+tag@sub.domain.org", "UP@EX.IO"}
	for _, e := range valid {
		if !ValidEmail(e) {
			t.Errorf("ValidEmail(%q) = false, want true", e)
		}
	}
	invalid := []string{"", "plain", "@x.com", "a@", "a@x", "a b@x.com"}
	for _, e := range invalid {
		if ValidEmail(e) {
			t.Errorf("ValidEmail(%q) = true, want false", e)
		}
	}
}
