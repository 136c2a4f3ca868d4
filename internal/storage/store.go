package storage

import (
	"context"

	logx "pbots/pkg/logx"
)

// Store is the persistence API used by the dispatcher and the notifier.
type Store interface {
	// Source registry.
	Source(ctx context.Context, id int64) (Source, error)
	Sources(ctx context.Context) ([]Source, error)
	MarkStart(ctx context.Context, id int64) error
	MarkStop(ctx context.Context, id int64, ok bool) error
	SetLastNotified(ctx context.Context, id int64, recordID int64) error
	SyncSources(ctx context.Context, seeds []SourceSeed) error
	SyncRecipients(ctx context.Context, seeds []RecipientSeed) error

	// Record store.
	InsertPublications(ctx context.Context, sourceID int64, pubs []Publication) (int, error)
	UnsentPublications(ctx context.Context, src Source) ([]Publication, error)
	Recipients(ctx context.Context, sourceID int64) ([]Recipient, error)

	Close() error
}

// Open initializes the SQLite-backed store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
