package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"pbots/internal/eventbus"
	"pbots/internal/scraper"
	"pbots/internal/storage"
	logx "pbots/pkg/logx"
)

func defaultRunID() string { return uuid.NewString() }

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan runJob, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job := <-queue:
			s.execOne(ctx, job)
		}
	}
}

// execOne runs one pipeline: scrape, ingest, notify. Whatever happens inside
// (including a panic), the run ends with exactly one MarkStop and the
// in-flight gate released.
func (s *Service) execOne(ctx context.Context, job runJob) {
	start := time.Now()
	runID := s.newRunID()
	s.publish(eventbus.TypeRunStarted, RunEvent{RunID: runID, SourceID: job.src.ID, Name: job.src.Name, Started: start})

	var inserted, sent int
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
				s.log.Error("panic in pipeline",
					logx.Int64("source", job.src.ID),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		inserted, sent, runErr = s.pipeline(ctx, job)
	}()

	dur := time.Since(start)
	ok := runErr == nil

	// Run accounting must survive shutdown: the worker ctx may already be
	// canceled, so MarkStop gets its own short deadline.
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.store.MarkStop(stopCtx, job.src.ID, ok); err != nil {
		s.log.Error("mark stop failed", logx.Int64("source", job.src.ID), logx.Err(err))
	}
	cancel()
	job.state.release()

	item := HistoryItem{
		RunID:    runID,
		SourceID: job.src.ID,
		Name:     job.src.Name,
		Started:  start,
		Duration: dur,
		Inserted: inserted,
		Sent:     sent,
	}
	ev := RunEvent{RunID: runID, SourceID: job.src.ID, Name: job.src.Name, Started: start, Duration: dur, Inserted: inserted, Sent: sent}
	if runErr != nil {
		item.Error = runErr.Error()
		ev.Error = runErr.Error()
		s.log.Error("run failed",
			logx.Int64("source", job.src.ID),
			logx.String("name", job.src.Name),
			logx.Duration("dur", dur),
			logx.Err(runErr))
		s.publish(eventbus.TypeRunFailed, ev)
	} else {
		s.log.Info("run completed",
			logx.Int64("source", job.src.ID),
			logx.String("name", job.src.Name),
			logx.Duration("dur", dur),
			logx.Int("inserted", inserted),
			logx.Int("sent", sent))
		s.publish(eventbus.TypeRunFinished, ev)
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	historySize := s.cfg.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) pipeline(ctx context.Context, job runJob) (inserted, sent int, err error) {
	records, err := s.runner.Run(ctx, job.spec)
	if err != nil {
		return 0, 0, err
	}

	inserted, err = s.store.InsertPublications(ctx, job.src.ID, toPublications(records))
	if err != nil {
		return inserted, 0, fmt.Errorf("ingest: %w", err)
	}
	if inserted > 0 {
		s.log.Info("publications ingested", logx.Int64("source", job.src.ID), logx.Int("inserted", inserted))
	}

	// Re-read so the notifier sees the current watermark, not the one from
	// trigger time.
	src, err := s.store.Source(ctx, job.src.ID)
	if err != nil {
		return inserted, 0, fmt.Errorf("reload source: %w", err)
	}
	sent, err = s.notifier.Notify(ctx, src)
	if err != nil {
		return inserted, sent, err
	}
	return inserted, sent, nil
}

func toPublications(records []scraper.Record) []storage.Publication {
	pubs := make([]storage.Publication, 0, len(records))
	for _, r := range records {
		p := storage.Publication{
			Subject:   r.Subject,
			URL:       r.URL,
			Number:    r.Number,
			Publisher: r.Publisher,
			Type:      r.Type,
			DateStart: r.DateStart,
			DateEnd:   r.DateEnd,
		}
		for _, a := range r.Attachments {
			p.Attachments = append(p.Attachments, storage.Attachment{Name: a.Name, URL: a.URL})
		}
		pubs = append(pubs, p)
	}
	return pubs
}
