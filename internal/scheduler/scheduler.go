// Package scheduler drives periodic digest generation. A fixed-period tick
// visits every tenant in ID order; tenants whose digest interval has elapsed
// get a digest generated, rendered, persisted and (best-effort) delivered,
// then their watermark advances. One tenant's failure never blocks the rest
// of the tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/digest"
	"digestbot/internal/metrics"
	"digestbot/internal/tenant"
	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

// EventSource is the upstream retrieval surface the scheduler consumes.
// The archive implements it.
type EventSource interface {
	// EventsSince returns a channel's events strictly after the given time,
	// oldest first. Unknown channels fail with transport.ErrChannelUnavailable.
	EventsSince(ctx context.Context, tenantID, channelID int64, after time.Time) ([]transport.Event, error)
	ChannelName(ctx context.Context, tenantID, channelID int64) (string, error)
	TenantName(ctx context.Context, tenantID int64) (string, error)
	// PruneDigested drops a tenant's messages at or before the watermark.
	PruneDigested(ctx context.Context, tenantID int64, upTo time.Time) (int64, error)
}

// Deliverer hands a rendered payload to the delivery transport.
type Deliverer interface {
	Deliver(ctx context.Context, subject, payload string, recipients []string) error
}

// Renderer turns a grouped digest into an opaque payload.
type Renderer func(d digest.Digest) string

type Config struct {
	TickInterval  time.Duration
	ArtifactDir   string
	SubjectPrefix string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store     *tenant.Store
	source    EventSource
	render    Renderer
	deliverer Deliverer // nil means delivery transport not configured

	c       *cron.Cron
	tickCtx context.Context

	// ticking guards against overlapping ticks when one pass outlasts the
	// tick period.
	ticking atomic.Bool

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, store *tenant.Store, source EventSource, deliverer Deliverer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "Message Digest"
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		store:     store,
		source:    source,
		render:    digest.RenderHTML,
		deliverer: deliverer,
		now:       time.Now,
	}
}

// Start begins the tick loop. It is idempotent; the resilience manager calls
// Start on every (re)connect and Stop on every loss.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.tickCtx = ctx
	s.c = cron.New()
	s.c.Schedule(cron.Every(s.cfg.TickInterval), cron.FuncJob(func() {
		s.mu.Lock()
		tickCtx := s.tickCtx
		s.mu.Unlock()
		if tickCtx == nil || tickCtx.Err() != nil {
			return
		}
		s.RunTick(tickCtx)
	}))
	s.c.Start()
	s.log.Info("digest scheduler started", logx.Duration("tick", s.cfg.TickInterval))
}

// Stop halts the tick loop. An in-flight tick finishes its current tenant
// cleanly; no new tick starts afterwards.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.tickCtx = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("digest scheduler stopped")
}

// RunTick performs one full pass over all tenants. Exported so tests can
// drive ticks without waiting on the cron trigger.
func (s *Service) RunTick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Warn("tick still running; skipping this tick")
		return
	}
	defer s.ticking.Store(false)

	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	ids := s.store.IDs()
	if len(ids) == 0 {
		s.log.Debug("no tenants have been configured")
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.processTenant(ctx, id); err != nil {
			// Isolation boundary: log and move on to the next tenant.
			metrics.TenantErrors.Inc()
			s.log.Error("tenant processing failed; watermark not advanced",
				logx.String("tenant", s.tenantLogName(ctx, id)), logx.Err(err))
		}
	}
}

// processTenant runs one tenant's state transition for this tick.
func (s *Service) processTenant(ctx context.Context, id tenant.ID) error {
	// One "now" per tenant, captured before any retrieval, so the watermark
	// never skips past events that arrive mid-generation.
	now := s.now().UTC()

	cfg, ok := s.store.Get(id)
	if !ok {
		return nil
	}

	if cfg.LastDigestAt == nil {
		// First observation establishes the watermark; no back-fill of
		// whatever existed before the tenant was configured.
		if err := s.store.AdvanceWatermark(id, now); err != nil {
			return err
		}
		s.log.Info("watermark initialized",
			logx.String("tenant", s.tenantLogName(ctx, id)), logx.Time("watermark", now))
		return nil
	}

	if now.Sub(*cfg.LastDigestAt) < cfg.Interval() {
		return nil // IDLE: interval not yet elapsed
	}

	if err := s.generate(ctx, id, cfg, now); err != nil {
		return err
	}

	if err := s.store.AdvanceWatermark(id, now); err != nil {
		return err
	}
	if n, err := s.source.PruneDigested(ctx, id, now); err != nil {
		s.log.Warn("prune of digested messages failed",
			logx.String("tenant", s.tenantLogName(ctx, id)), logx.Err(err))
	} else if n > 0 {
		s.log.Debug("pruned digested messages",
			logx.String("tenant", s.tenantLogName(ctx, id)), logx.Int64("count", n))
	}
	metrics.DigestRuns.Inc()
	return nil
}

// generate builds, persists and (best-effort) delivers one tenant's digest.
// A nil return means the watermark may advance, including the "no monitored
// channels" and "no new messages" cases.
func (s *Service) generate(ctx context.Context, id tenant.ID, cfg tenant.Config, now time.Time) error {
	logName := s.tenantLogName(ctx, id)

	if len(cfg.Channels) == 0 {
		s.log.Debug("no channels configured", logx.String("tenant", logName))
		return nil
	}

	s.log.Info("generating digest", logx.String("tenant", logName))

	d := digest.Digest{TenantName: s.tenantName(ctx, id)}
	total := 0

	for _, ch := range cfg.Channels {
		events, err := s.source.EventsSince(ctx, id, ch, *cfg.LastDigestAt)
		if errors.Is(err, transport.ErrChannelUnavailable) {
			// Channel deleted or never seen; skip silently per channel.
			s.log.Debug("channel unavailable; skipping",
				logx.String("tenant", logName), logx.Int64("channel", ch))
			continue
		}
		if err != nil {
			return fmt.Errorf("retrieve channel %d: %w", ch, err)
		}
		if len(events) == 0 {
			continue
		}
		name, err := s.source.ChannelName(ctx, id, ch)
		if err != nil {
			name = fmt.Sprintf("channel-%d", ch)
		}
		d.Channels = append(d.Channels, digest.ChannelDigest{
			Name:    name,
			Buckets: digest.Group(events),
		})
		total += len(events)
	}

	if total == 0 {
		s.log.Info("no new messages", logx.String("tenant", logName))
		return nil
	}

	payload := s.render(d)

	// The artifact is the durable outcome of a digest cycle; it must exist
	// before any delivery attempt, and a failed write fails the tenant so
	// the events are retried next tick.
	path, err := s.writeArtifact(id, now, payload)
	if err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	s.log.Info("digest artifact written",
		logx.String("tenant", logName), logx.String("path", path), logx.Int("events", total))

	if s.deliverer == nil {
		s.log.Info("email disabled - no email will be sent", logx.String("tenant", logName))
		return nil
	}
	if len(cfg.Recipients) == 0 {
		s.log.Info("no email recipients", logx.String("tenant", logName))
		return nil
	}

	subject := s.cfg.SubjectPrefix + " for " + d.TenantName
	if err := s.deliverer.Deliver(ctx, subject, payload, cfg.Recipients); err != nil {
		// Best-effort: the artifact already exists and the watermark still
		// advances, so a broken transport never piles up a resend backlog.
		metrics.DeliveryFailures.Inc()
		s.log.Error("digest delivery failed", logx.String("tenant", logName), logx.Err(err))
		return nil
	}
	metrics.DigestsDelivered.Inc()
	return nil
}

func (s *Service) writeArtifact(id tenant.ID, now time.Time, payload string) (string, error) {
	dir := s.cfg.ArtifactDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("digest_%d_%s.html", id, now.UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Service) tenantName(ctx context.Context, id tenant.ID) string {
	name, err := s.source.TenantName(ctx, id)
	if err != nil || name == "" {
		return fmt.Sprintf("%d", id)
	}
	return name
}

// tenantLogName renders a tenant as "name"/id for log lines.
func (s *Service) tenantLogName(ctx context.Context, id tenant.ID) string {
	return fmt.Sprintf("%q/%d", s.tenantName(ctx, id), id)
}
