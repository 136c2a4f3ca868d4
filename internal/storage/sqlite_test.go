package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	logx "pbots/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Path: filepath.Join(dir, "pbots.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSource(t *testing.T, st Store, id int64, name string) {
	t.Helper()
	err := st.SyncSources(context.Background(), []SourceSeed{{ID: id, Name: name, Command: "true"}})
	if err != nil {
		t.Fatalf("SyncSources: %v", err)
	}
}

func TestSyncSourcesUpsertKeepsRunState(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedSource(t, st, 1, "comune-a")
	if err := st.MarkStart(ctx, 1); err != nil {
		t.Fatalf("MarkStart: %v", err)
	}
	if err := st.MarkStop(ctx, 1, true); err != nil {
		t.Fatalf("MarkStop: %v", err)
	}

	// Re-sync with a renamed source; accounting must survive.
	err := st.SyncSources(ctx, []SourceSeed{{ID: 1, Name: "comune-b", Command: "false"}})
	if err != nil {
		t.Fatalf("SyncSources: %v", err)
	}

	src, err := st.Source(ctx, 1)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if src.Name != "comune-b" || src.Command != "false" {
		t.Fatalf("catalogue not updated: %+v", src)
	}
	if src.Executions != 1 || !src.LastExecutionOK {
		t.Fatalf("run state lost on re-sync: %+v", src)
	}
}

func TestSourceNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	if _, err := st.Source(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Source(99) error = %v, want ErrNotFound", err)
	}
	if err := st.MarkStart(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkStart(99) error = %v, want ErrNotFound", err)
	}
}

func TestMarkStartStopAccounting(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	seedSource(t, st, 1, "comune-a")

	if err := st.MarkStart(ctx, 1); err != nil {
		t.Fatalf("MarkStart: %v", err)
	}
	src, err := st.Source(ctx, 1)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if !src.Running || src.StartedAt == nil || src.FinishedAt != nil {
		t.Fatalf("unexpected state after start: %+v", src)
	}
	if src.Executions != 1 {
		t.Fatalf("Executions = %d, want 1", src.Executions)
	}

	if err := st.MarkStop(ctx, 1, false); err != nil {
		t.Fatalf("MarkStop: %v", err)
	}
	src, err = st.Source(ctx, 1)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if src.Running || src.FinishedAt == nil {
		t.Fatalf("unexpected state after stop: %+v", src)
	}
	if src.LastExecutionOK {
		t.Fatal("LastExecutionOK = true after failed stop")
	}
}

func TestInsertPublicationsDedup(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	seedSource(t, st, 1, "comune-a")
	seedSource(t, st, 2, "comune-b")

	batch := []Publication{
		{Subject: "Matrimonio di A e B", Number: "1"},
		{Subject: "Matrimonio di C e D", Number: "2",
			Attachments: []Attachment{{Name: "atto.pdf", URL: "http://example.com/atto.pdf"}}},
		{Subject: "   "}, // blank subjects never reach storage
	}
	n, err := st.InsertPublications(ctx, 1, batch)
	if err != nil {
		t.Fatalf("InsertPublications: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	// Full replay plus one new record: only the new one lands.
	n, err = st.InsertPublications(ctx, 1, append(batch, Publication{Subject: "Matrimonio di E e F"}))
	if err != nil {
		t.Fatalf("InsertPublications replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted on replay = %d, want 1", n)
	}

	// Same subject on another source is a distinct record.
	n, err = st.InsertPublications(ctx, 2, []Publication{{Subject: "Matrimonio di A e B"}})
	if err != nil {
		t.Fatalf("InsertPublications other source: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted for other source = %d, want 1", n)
	}
}

func TestUnsentPublicationsWatermark(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	seedSource(t, st, 1, "comune-a")

	_, err := st.InsertPublications(ctx, 1, []Publication{
		{Subject: "uno", Attachments: []Attachment{{Name: "a.pdf", URL: "http://example.com/a.pdf"}}},
		{Subject: "due"},
		{Subject: "tre"},
	})
	if err != nil {
		t.Fatalf("InsertPublications: %v", err)
	}

	src, err := st.Source(ctx, 1)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	pubs, err := st.UnsentPublications(ctx, src)
	if err != nil {
		t.Fatalf("UnsentPublications: %v", err)
	}
	if len(pubs) != 3 {
		t.Fatalf("unsent = %d, want 3", len(pubs))
	}
	for i := 1; i < len(pubs); i++ {
		if pubs[i].ID <= pubs[i-1].ID {
			t.Fatalf("ids not ascending: %d then %d", pubs[i-1].ID, pubs[i].ID)
		}
	}
	if len(pubs[0].Attachments) != 1 || pubs[0].Attachments[0].Name != "a.pdf" {
		t.Fatalf("attachments not loaded: %+v", pubs[0])
	}

	// Advance past the second record; only the third is left.
	if err := st.SetLastNotified(ctx, 1, pubs[1].ID); err != nil {
		t.Fatalf("SetLastNotified: %v", err)
	}
	src, err = st.Source(ctx, 1)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if src.LastNotifiedID == nil || *src.LastNotifiedID != pubs[1].ID {
		t.Fatalf("watermark = %v, want %d", src.LastNotifiedID, pubs[1].ID)
	}
	rest, err := st.UnsentPublications(ctx, src)
	if err != nil {
		t.Fatalf("UnsentPublications: %v", err)
	}
	if len(rest) != 1 || rest[0].Subject != "tre" {
		t.Fatalf("unexpected remainder: %+v", rest)
	}
}

func TestSetLastNotifiedMonotonic(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	seedSource(t, st, 1, "comune-a")

	if err := st.SetLastNotified(ctx, 1, 10); err != nil {
		t.Fatalf("SetLastNotified: %v", err)
	}
	// A stale, smaller id must not move the watermark backwards.
	if err := st.SetLastNotified(ctx, 1, 4); err != nil {
		t.Fatalf("SetLastNotified replay: %v", err)
	}
	src, err := st.Source(ctx, 1)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if src.LastNotifiedID == nil || *src.LastNotifiedID != 10 {
		t.Fatalf("watermark = %v, want 10", src.LastNotifiedID)
	}
}

func TestSyncRecipientsReplacesList(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	seedSource(t, st, 1, "comune-a")

	err := st.SyncRecipients(ctx, []RecipientSeed{
		{SourceID: 1, Name: "Anna", Email: "anna@example.com"},
		{SourceID: 1, Name: "Bruno", Email: "bruno@example.com"},
	})
	if err != nil {
		t.Fatalf("SyncRecipients: %v", err)
	}

	err = st.SyncRecipients(ctx, []RecipientSeed{
		{SourceID: 1, Name: "Carla", Email: "carla@example.com"},
	})
	if err != nil {
		t.Fatalf("SyncRecipients replace: %v", err)
	}

	got, err := st.Recipients(ctx, 1)
	if err != nil {
		t.Fatalf("Recipients: %v", err)
	}
	if len(got) != 1 || got[0].Email != "carla@example.com" {
		t.Fatalf("unexpected recipients: %+v", got)
	}
}
