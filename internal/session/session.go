// Package session keeps a long-lived transport session alive. It establishes
// a session, runs the scheduler for the session's lifetime, and reconnects
// with bounded exponential backoff when the session drops. Authentication
// failures and backoff exhaustion are fatal.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"digestbot/internal/metrics"
	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

// ErrBackoffExhausted terminates the manager after the reconnect attempt
// budget is spent without a successful connection.
var ErrBackoffExhausted = errors.New("session: reconnect attempts exhausted")

// Runner is started while a session is live and stopped when it drops.
// The digest scheduler implements it.
type Runner interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

type Config struct {
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// MaxAttempts is the consecutive-failure budget; a successful
	// connection resets it.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 100
	}
}

type Manager struct {
	cfg       Config
	log       logx.Logger
	connector transport.Connector
	runner    Runner

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, connector transport.Connector, runner Runner, log logx.Logger) *Manager {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		connector: connector,
		runner:    runner,
		sleep:     sleepCtx,
	}
}

// Backoff returns the delay before reconnect attempt k (1-based):
// min(initial * 2^(k-1), max).
func (m *Manager) Backoff(attempt int) time.Duration {
	d := m.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	if d > m.cfg.MaxBackoff {
		return m.cfg.MaxBackoff
	}
	return d
}

// Run blocks until the context is cancelled or a fatal condition occurs.
// A nil return means orderly shutdown via ctx.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if attempt > 0 {
			if attempt > m.cfg.MaxAttempts {
				return fmt.Errorf("%w after %d attempts", ErrBackoffExhausted, m.cfg.MaxAttempts)
			}
			delay := m.Backoff(attempt)
			m.log.Warn("reconnecting",
				logx.Int("attempt", attempt),
				logx.Int("max_attempts", m.cfg.MaxAttempts),
				logx.Duration("delay", delay))
			if err := m.sleep(ctx, delay); err != nil {
				return nil
			}
			metrics.Reconnects.Inc()
		}

		sess, err := m.connector.Establish(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrAuthFailed) {
				// Credentials never heal on retry.
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			m.log.Error("connection failed", logx.Err(err))
			continue
		}

		// Connected: the failure budget resets.
		attempt = 0
		m.log.Info("session established")

		err = m.runSession(ctx, sess)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, transport.ErrAuthFailed) {
			return err
		}
		attempt = 1
		m.log.Warn("session lost", logx.Err(err))
	}
}

// runSession runs the scheduler for one session's lifetime and returns the
// reason the session ended.
func (m *Manager) runSession(ctx context.Context, sess transport.Session) error {
	if m.runner != nil {
		m.runner.Start(ctx)
	}
	err := sess.Wait(ctx)
	if m.runner != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		m.runner.Stop(stopCtx)
		cancel()
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = sess.Close(closeCtx)
	cancel()
	if err == nil {
		err = transport.ErrSessionLost
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
