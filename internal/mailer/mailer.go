// Package mailer delivers rendered digests by email through the Resend API.
// Delivery is best-effort: the scheduler has already persisted the digest
// artifact before it ever reaches this package.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
	"golang.org/x/time/rate"

	logx "digestbot/pkg/logx"
)

// ErrDeliveryFailed wraps transport-level send failures.
var ErrDeliveryFailed = errors.New("delivery failed")

type Config struct {
	APIKey     string
	From       string
	RatePerSec int
}

type Service struct {
	client  *resend.Client
	from    string
	limiter *rate.Limiter
	log     logx.Logger
}

// New returns a mail service, or nil when no API key is configured.
// A nil *Service means email is disabled and is safe to pass around.
func New(cfg Config, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Service{
		client:  resend.NewClient(cfg.APIKey),
		from:    cfg.From,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

// Deliver sends one HTML digest to the recipient list.
func (s *Service) Deliver(ctx context.Context, subject, html string, recipients []string) error {
	if s == nil {
		return fmt.Errorf("%w: mailer disabled", ErrDeliveryFailed)
	}
	if len(recipients) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      recipients,
		Subject: subject,
		Html:    html,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	s.log.Info("digest email sent",
		logx.String("message_id", sent.Id),
		logx.Int("recipients", len(recipients)),
		logx.String("subject", subject))
	return nil
}
