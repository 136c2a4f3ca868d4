package mailer

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"pbots/internal/storage"
	logx "pbots/pkg/logx"
)

// DeliveryError reports a mail transport failure.
type DeliveryError struct {
	Recipients int
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("mail delivery to %d recipient(s) failed: %v", e.Recipients, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config configures the mailer service.
type Config struct {
	SMTP SMTPConfig
	// RatePerMinute caps outbound messages so bulk triggers cannot flood
	// the relay. 0 means a conservative default.
	RatePerMinute int
}

// Service composes and delivers newsletters.
type Service struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Service {
	rpm := cfg.RatePerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

// Send renders the newsletter for the given publications and delivers it to
// the recipients as envelope bcc. An empty batch sends nothing and returns
// nil; callers rely on that to keep the watermark untouched.
//
// It is usable standalone (e.g. for test sends) and does not touch any
// source state.
func (s *Service) Send(ctx context.Context, recipients []string, title string, pubs []storage.Publication) error {
	if len(pubs) == 0 {
		s.log.Debug("nothing to send", logx.String("title", title))
		return nil
	}
	if len(recipients) == 0 {
		s.log.Info("no recipients; skipping send", logx.String("title", title))
		return nil
	}

	msg, err := Compose(s.cfg.SMTP.From, s.cfg.SMTP.ReplyTo, title, pubs)
	if err != nil {
		return &DeliveryError{Recipients: len(recipients), Err: err}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Recipients: len(recipients), Err: err}
	}

	if err := sendSMTP(s.cfg.SMTP, recipients, msg); err != nil {
		return &DeliveryError{Recipients: len(recipients), Err: err}
	}

	s.log.Info("newsletter sent",
		logx.String("title", title),
		logx.Int("publications", len(pubs)),
		logx.Int("recipients", len(recipients)))
	return nil
}
