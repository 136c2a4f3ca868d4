package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("source not found")

// Config configures storage.
//
// Path is the SQLite database file; parent directories are created as needed.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Source is a configured scraping data source with its run accounting.
//
// Running=true implies StartedAt is set and FinishedAt is nil.
// LastNotifiedID, once set, never decreases.
type Source struct {
	ID              int64
	Name            string
	Command         string
	Running         bool
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Executions      int64
	LastExecutionOK bool
	LastNotifiedID  *int64
}

// Publication is one deduplicated scraped record belonging to a source.
// Immutable once stored.
type Publication struct {
	ID        int64
	SourceID  int64
	URL       string
	Number    string
	Publisher string
	Type      string
	Subject   string
	DateStart string
	DateEnd   string

	Attachments []Attachment
}

// Attachment is a file reference associated with one publication.
type Attachment struct {
	ID   int64
	Name string
	URL  string
}

// Recipient is a mailing-list member bound to exactly one source.
type Recipient struct {
	ID     int64
	Name   string
	Email  string
	Source int64
}

// SourceSeed is the static part of a source, synced from config at boot.
type SourceSeed struct {
	ID      int64
	Name    string
	Command string
}

// RecipientSeed is a configured mailing-list entry, synced at boot.
type RecipientSeed struct {
	SourceID int64
	Name     string
	Email    string
}
