package notifier

import (
	"context"
	"fmt"

	"pbots/internal/storage"
	logx "pbots/pkg/logx"
)

// Sender delivers a rendered newsletter; satisfied by mailer.Service.
type Sender interface {
	Send(ctx context.Context, recipients []string, title string, pubs []storage.Publication) error
}

// Service computes and delivers the incremental "new since last notification"
// batch for a source, then advances the watermark.
type Service struct {
	store  storage.Store
	sender Sender
	log    logx.Logger
}

func New(store storage.Store, sender Sender, log logx.Logger) *Service {
	return &Service{store: store, sender: sender, log: log}
}

// Notify selects the source's unsent publications, mails them to the
// source's recipients, and advances last_notified_id to the highest id in
// the batch. An empty batch sends nothing and leaves the watermark alone.
//
// The watermark moves only after a confirmed delivery: a transport failure
// leaves it where it was, so the same batch is retried on the next
// successful run (at-least-once delivery, never a skipped record).
func (s *Service) Notify(ctx context.Context, src storage.Source) (int, error) {
	pubs, err := s.store.UnsentPublications(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("select unsent: %w", err)
	}
	if len(pubs) == 0 {
		s.log.Info("nothing to send", logx.Int64("source", src.ID))
		return 0, nil
	}

	members, err := s.store.Recipients(ctx, src.ID)
	if err != nil {
		return 0, fmt.Errorf("load recipients: %w", err)
	}
	emails := make([]string, 0, len(members))
	for _, m := range members {
		emails = append(emails, m.Email)
	}

	if err := s.sender.Send(ctx, emails, src.Name, pubs); err != nil {
		return 0, err
	}

	// Batch is ordered by id ascending; the last one is the new watermark.
	maxID := pubs[len(pubs)-1].ID
	if err := s.store.SetLastNotified(ctx, src.ID, maxID); err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}

	s.log.Info("newsletter delivered",
		logx.Int64("source", src.ID),
		logx.Int("publications", len(pubs)),
		logx.Int64("last_notified_id", maxID))
	return len(pubs), nil
}
