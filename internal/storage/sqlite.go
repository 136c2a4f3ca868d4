package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "pbots/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sourceCols = `id, name, command, running, started_at, finished_at, executions, last_execution_ok, last_notified_id`

func (s *sqliteStore) Source(ctx context.Context, id int64) (Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceCols+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	return src, err
}

func (s *sqliteStore) Sources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceCols+` FROM sources ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Source, 0, 8)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkStart(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources
		 SET running = 1, started_at = ?, finished_at = NULL, executions = executions + 1
		 WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkStop(ctx context.Context, id int64, ok bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources
		 SET running = 0, finished_at = ?, last_execution_ok = ?
		 WHERE id = ?`,
		fmtTime(time.Now()), boolInt(ok), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetLastNotified advances the watermark. MAX() keeps it monotonic even if a
// smaller id somehow arrives (e.g. a replayed batch).
func (s *sqliteStore) SetLastNotified(ctx context.Context, id int64, recordID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources
		 SET last_notified_id = MAX(COALESCE(last_notified_id, 0), ?)
		 WHERE id = ?`,
		recordID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SyncSources upserts the configured catalogue. Run-state columns are left
// untouched for existing rows; sources removed from config keep their rows.
func (s *sqliteStore) SyncSources(ctx context.Context, seeds []SourceSeed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, seed := range seeds {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sources(id, name, command) VALUES(?,?,?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, command = excluded.command`,
			seed.ID, seed.Name, seed.Command)
		if err != nil {
			return fmt.Errorf("sync source %d: %w", seed.ID, err)
		}
	}
	return tx.Commit()
}

// SyncRecipients replaces each source's mailing list with the configured one.
func (s *sqliteStore) SyncRecipients(ctx context.Context, seeds []RecipientSeed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cleared := map[int64]bool{}
	for _, seed := range seeds {
		if !cleared[seed.SourceID] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM recipients WHERE source_id = ?`, seed.SourceID); err != nil {
				return err
			}
			cleared[seed.SourceID] = true
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recipients(source_id, name, email) VALUES(?,?,?)
			 ON CONFLICT(source_id, email) DO UPDATE SET name = excluded.name`,
			seed.SourceID, seed.Name, seed.Email)
		if err != nil {
			return fmt.Errorf("sync recipient %s: %w", seed.Email, err)
		}
	}
	return tx.Commit()
}

// InsertPublications stores new publications with their attachments,
// skipping any whose (source, subject) already exists. It reports how many
// were newly inserted, which makes scraper replays and overlapping output
// safe to ingest.
func (s *sqliteStore) InsertPublications(ctx context.Context, sourceID int64, pubs []Publication) (int, error) {
	if len(pubs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	inserted := 0
	for _, p := range pubs {
		subject := strings.TrimSpace(p.Subject)
		if subject == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO publications(source_id, subject, url, number, publisher, pub_type, date_start, date_end, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(source_id, subject) DO NOTHING`,
			sourceID, subject, nullStr(p.URL), nullStr(p.Number), nullStr(p.Publisher),
			nullStr(p.Type), nullStr(p.DateStart), nullStr(p.DateEnd), now)
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		if n == 0 {
			continue
		}
		pubID, err := res.LastInsertId()
		if err != nil {
			return inserted, err
		}
		for _, a := range p.Attachments {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO publication_attachments(publication_id, name, url) VALUES(?,?,?)`,
				pubID, a.Name, a.URL)
			if err != nil {
				return inserted, err
			}
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// UnsentPublications returns the publications past the source's watermark in
// ascending id order, attachments included. With an unset watermark it
// returns everything stored for the source. Never returns nil.
func (s *sqliteStore) UnsentPublications(ctx context.Context, src Source) ([]Publication, error) {
	after := int64(0)
	if src.LastNotifiedID != nil {
		after = *src.LastNotifiedID
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, subject, url, number, publisher, pub_type, date_start, date_end
		 FROM publications
		 WHERE source_id = ? AND id > ?
		 ORDER BY id ASC`,
		src.ID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Publication, 0, 16)
	for rows.Next() {
		var p Publication
		var url, number, publisher, ptype, dstart, dend sql.NullString
		if err := rows.Scan(&p.ID, &p.SourceID, &p.Subject, &url, &number, &publisher, &ptype, &dstart, &dend); err != nil {
			return nil, err
		}
		p.URL = url.String
		p.Number = number.String
		p.Publisher = publisher.String
		p.Type = ptype.String
		p.DateStart = dstart.String
		p.DateEnd = dend.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		atts, err := s.attachments(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Attachments = atts
	}
	return out, nil
}

func (s *sqliteStore) attachments(ctx context.Context, pubID int64) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url FROM publication_attachments WHERE publication_id = ? ORDER BY id`, pubID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.Name, &a.URL); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Recipients(ctx context.Context, sourceID int64) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, name, email FROM recipients WHERE source_id = ? ORDER BY email`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Recipient, 0, 8)
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.Source, &r.Name, &r.Email); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (Source, error) {
	var src Source
	var running, lastOK int64
	var started, finished sql.NullString
	var lastNotified sql.NullInt64
	err := row.Scan(&src.ID, &src.Name, &src.Command, &running, &started, &finished,
		&src.Executions, &lastOK, &lastNotified)
	if err != nil {
		return Source{}, err
	}
	src.Running = running != 0
	src.LastExecutionOK = lastOK != 0
	if started.Valid {
		if t, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			src.StartedAt = &t
		}
	}
	if finished.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			src.FinishedAt = &t
		}
	}
	if lastNotified.Valid {
		v := lastNotified.Int64
		src.LastNotifiedID = &v
	}
	return src, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
