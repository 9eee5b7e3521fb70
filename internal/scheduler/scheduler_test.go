package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"digestbot/internal/tenant"
	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type fakeSource struct {
	events   map[int64][]transport.Event // keyed by channel
	errs     map[int64]error
	pruned   []time.Time
	pruneErr error
}

func (f *fakeSource) EventsSince(_ context.Context, _, channelID int64, after time.Time) ([]transport.Event, error) {
	if err := f.errs[channelID]; err != nil {
		return nil, err
	}
	var out []transport.Event
	for _, ev := range f.events[channelID] {
		if ev.At.After(after) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) ChannelName(_ context.Context, _, channelID int64) (string, error) {
	return "chan", nil
}

func (f *fakeSource) TenantName(_ context.Context, tenantID int64) (string, error) {
	return "acme", nil
}

func (f *fakeSource) PruneDigested(_ context.Context, _ int64, upTo time.Time) (int64, error) {
	if f.pruneErr != nil {
		return 0, f.pruneErr
	}
	f.pruned = append(f.pruned, upTo)
	return 0, nil
}

type fakeDeliverer struct {
	calls      int
	err        error
	subject    string
	recipients []string
}

func (f *fakeDeliverer) Deliver(_ context.Context, subject, payload string, recipients []string) error {
	f.calls++
	f.subject = subject
	f.recipients = recipients
	return f.err
}

func newTestTenants(t *testing.T) *tenant.Store {
	t.Helper()
	s := tenant.NewStore(filepath.Join(t.TempDir(), "tenants.json"), 1440, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestService(t *testing.T, tenants *tenant.Store, source EventSource, del Deliverer, now time.Time) *Service {
	t.Helper()
	svc := New(Config{
		TickInterval: time.Minute,
		ArtifactDir:  t.TempDir(),
	}, tenants, source, del, logx.Nop())
	svc.now = func() time.Time { return now }
	return svc
}

func artifactCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "digest_") && strings.HasSuffix(e.Name(), ".html") {
			n++
		}
	}
	return n
}

func TestFirstObservationInitializesWatermark(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	if _, err := tenants.GetOrCreate(1); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{events: map[int64][]transport.Event{
		10: {{At: now.Add(-time.Hour), Author: "a", Text: "old"}},
	}}
	del := &fakeDeliverer{}
	svc := newTestService(t, tenants, src, del, now)

	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if cfg.LastDigestAt == nil || !cfg.LastDigestAt.Equal(now) {
		t.Fatalf("watermark = %v, want %v", cfg.LastDigestAt, now)
	}
	if del.calls != 0 {
		t.Fatal("first observation must not deliver a digest")
	}
	if artifactCount(t, svc.cfg.ArtifactDir) != 0 {
		t.Fatal("first observation must not write an artifact")
	}
}

func TestNotDueDoesNothing(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-30 * time.Minute) // interval is 1440 min
	if err := tenants.AdvanceWatermark(1, mark); err != nil {
		t.Fatal(err)
	}
	del := &fakeDeliverer{}
	svc := newTestService(t, tenants, &fakeSource{}, del, now)

	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if !cfg.LastDigestAt.Equal(mark) {
		t.Fatalf("watermark moved to %v while not due", cfg.LastDigestAt)
	}
	if del.calls != 0 {
		t.Fatal("delivered while not due")
	}
}

func TestDueGeneratesAndAdvances(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-25 * time.Hour)
	if err := tenants.AdvanceWatermark(1, mark); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.AddChannel(1, 10); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tenants.AddRecipients(1, []string{"a@x.com"}); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{events: map[int64][]transport.Event{
		10: {
			{At: mark.Add(time.Hour), Author: "ann", Text: "hello"},
			{At: mark.Add(2 * time.Hour), Author: "bob", Text: "world"},
		},
	}}
	del := &fakeDeliverer{}
	svc := newTestService(t, tenants, src, del, now)

	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if !cfg.LastDigestAt.Equal(now) {
		t.Fatalf("watermark = %v, want %v", cfg.LastDigestAt, now)
	}
	if del.calls != 1 {
		t.Fatalf("deliver calls = %d, want 1", del.calls)
	}
	if len(del.recipients) != 1 || del.recipients[0] != "a@x.com" {
		t.Fatalf("recipients = %v", del.recipients)
	}
	if !strings.Contains(del.subject, "acme") {
		t.Fatalf("subject = %q", del.subject)
	}
	if artifactCount(t, svc.cfg.ArtifactDir) != 1 {
		t.Fatal("expected one artifact")
	}
	if len(src.pruned) != 1 || !src.pruned[0].Equal(now) {
		t.Fatalf("prune watermark = %v", src.pruned)
	}
}

func TestDeliveryFailureStillAdvances(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-25 * time.Hour)
	if err := tenants.AdvanceWatermark(1, mark); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.AddChannel(1, 10); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tenants.AddRecipients(1, []string{"a@x.com"}); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{events: map[int64][]transport.Event{
		10: {{At: mark.Add(time.Hour), Author: "ann", Text: "hi"}},
	}}
	del := &fakeDeliverer{err: errors.New("smtp down")}
	svc := newTestService(t, tenants, src, del, now)

	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if !cfg.LastDigestAt.Equal(now) {
		t.Fatal("watermark must advance even when delivery fails")
	}
	if artifactCount(t, svc.cfg.ArtifactDir) != 1 {
		t.Fatal("artifact must exist even when delivery fails")
	}
}

func TestRetrievalFailureIsolatesTenant(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-25 * time.Hour)
	for _, id := range []tenant.ID{1, 2} {
		if err := tenants.AdvanceWatermark(id, mark); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tenants.AddChannel(1, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.AddChannel(2, 20); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{
		events: map[int64][]transport.Event{
			20: {{At: mark.Add(time.Hour), Author: "z", Text: "ok"}},
		},
		errs: map[int64]error{10: errors.New("disk error")},
	}
	svc := newTestService(t, tenants, src, &fakeDeliverer{}, now)

	svc.RunTick(context.Background())

	cfg1, _ := tenants.Get(1)
	if !cfg1.LastDigestAt.Equal(mark) {
		t.Fatal("failed tenant watermark must not advance")
	}
	cfg2, _ := tenants.Get(2)
	if !cfg2.LastDigestAt.Equal(now) {
		t.Fatal("healthy tenant must still be processed")
	}
}

func TestUnavailableChannelSkipped(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-25 * time.Hour)
	if err := tenants.AdvanceWatermark(1, mark); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.AddChannel(1, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.AddChannel(1, 11); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{
		events: map[int64][]transport.Event{
			11: {{At: mark.Add(time.Hour), Author: "a", Text: "still here"}},
		},
		errs: map[int64]error{10: transport.ErrChannelUnavailable},
	}
	svc := newTestService(t, tenants, src, &fakeDeliverer{}, now)

	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if !cfg.LastDigestAt.Equal(now) {
		t.Fatal("unavailable channel must not fail the tenant")
	}
	if artifactCount(t, svc.cfg.ArtifactDir) != 1 {
		t.Fatal("remaining channel should still produce a digest")
	}
}

func TestNoNewMessagesAdvancesWithoutArtifact(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-25 * time.Hour)
	if err := tenants.AdvanceWatermark(1, mark); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.AddChannel(1, 10); err != nil {
		t.Fatal(err)
	}

	del := &fakeDeliverer{}
	svc := newTestService(t, tenants, &fakeSource{}, del, now)

	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if !cfg.LastDigestAt.Equal(now) {
		t.Fatal("empty interval must still advance the watermark")
	}
	if del.calls != 0 || artifactCount(t, svc.cfg.ArtifactDir) != 0 {
		t.Fatal("empty interval must not render or deliver")
	}
}

func TestZeroChannelsAdvances(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-25 * time.Hour)
	if err := tenants.AdvanceWatermark(1, mark); err != nil {
		t.Fatal(err)
	}

	svc := newTestService(t, tenants, &fakeSource{}, &fakeDeliverer{}, now)
	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if !cfg.LastDigestAt.Equal(now) {
		t.Fatal("tenant without channels must still advance")
	}
}

func TestPruneFailureDoesNotFailTenant(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-25 * time.Hour)
	if err := tenants.AdvanceWatermark(1, mark); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.AddChannel(1, 10); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{
		events: map[int64][]transport.Event{
			10: {{At: mark.Add(time.Hour), Author: "a", Text: "hi"}},
		},
		pruneErr: errors.New("database is locked"),
	}
	svc := newTestService(t, tenants, src, &fakeDeliverer{}, now)

	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if !cfg.LastDigestAt.Equal(now) {
		t.Fatal("prune failure must not block the watermark")
	}
	if artifactCount(t, svc.cfg.ArtifactDir) != 1 {
		t.Fatal("digest must still be produced when prune fails")
	}
}

func TestNilDelivererSkipsDelivery(t *testing.T) {
	t.Parallel()
	tenants := newTestTenants(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-25 * time.Hour)
	if err := tenants.AdvanceWatermark(1, mark); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.AddChannel(1, 10); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{events: map[int64][]transport.Event{
		10: {{At: mark.Add(time.Hour), Author: "a", Text: "hi"}},
	}}
	svc := newTestService(t, tenants, src, nil, now)

	svc.RunTick(context.Background())

	cfg, _ := tenants.Get(1)
	if !cfg.LastDigestAt.Equal(now) {
		t.Fatal("watermark must advance with delivery disabled")
	}
	if artifactCount(t, svc.cfg.ArtifactDir) != 1 {
		t.Fatal("artifact must still be written with delivery disabled")
	}
}
