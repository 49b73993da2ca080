// Package journal records multipart uploads between initiation and completion
// in a local SQLite database.
//
// An upload whose process dies after InitiateMultipartUpload leaves parts on
// the store that are billed until aborted. Entries still present after a
// restart are orphans; AbortOrphans aborts them on the store and clears them.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// Entry is one recorded multipart upload.
type Entry struct {
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	UploadID  string    `json:"upload_id"`
	Size      int64     `json:"size"`
	StartedAt time.Time `json:"started_at"`
}

// Journal is safe for concurrent use.
type Journal struct {
	db     *sql.DB
	scope  string
	logger *slog.Logger
}

// Open opens or creates the journal at path. scope names the bucket the
// entries belong to, so several mounts may share one file. ":memory:" gives a
// private in-memory journal.
func Open(path, scope string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidConfig, "opening journal").WithComponent("journal")
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	j := &Journal{db: db, scope: scope, logger: logger.With("component", "journal")}
	if err := j.init(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInvalidConfig, "initializing journal").WithComponent("journal")
	}
	return j, nil
}

func (j *Journal) init() error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS multipart_uploads (
			upload_id  TEXT NOT NULL,
			scope      TEXT NOT NULL,
			key        TEXT NOT NULL,
			size       INTEGER NOT NULL,
			started_at TEXT NOT NULL,

			PRIMARY KEY (scope, upload_id)
		);
		CREATE INDEX IF NOT EXISTS idx_uploads_started ON multipart_uploads(scope, started_at);
	`)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Begin records an initiated upload.
func (j *Journal) Begin(ctx context.Context, key, uploadID string, size int64) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO multipart_uploads (upload_id, scope, key, size, started_at) VALUES (?, ?, ?, ?, ?)`,
		uploadID, j.scope, key, size, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "recording upload").
			WithComponent("journal").WithOperation("Begin").WithKey(key)
	}
	return nil
}

// End removes an upload that was completed or aborted. Unknown ids are ignored.
func (j *Journal) End(ctx context.Context, uploadID string) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE scope = ? AND upload_id = ?`, j.scope, uploadID)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "clearing upload").
			WithComponent("journal").WithOperation("End").WithDetail("upload_id", uploadID)
	}
	return nil
}

// Orphans lists uploads of this scope started before cutoff, oldest first.
func (j *Journal) Orphans(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT upload_id, key, size, started_at FROM multipart_uploads
		 WHERE scope = ? AND started_at < ? ORDER BY started_at, upload_id`,
		j.scope, cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "listing uploads").WithComponent("journal")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			started string
		)
		if err := rows.Scan(&e.UploadID, &e.Key, &e.Size, &started); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scanning upload").WithComponent("journal")
		}
		e.Scope = j.scope
		e.StartedAt, _ = time.Parse(timeFormat, started)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "listing uploads").WithComponent("journal")
	}
	return entries, nil
}

// AbortOrphans aborts every upload started before cutoff. Uploads the store
// no longer knows are cleared too. It returns the entries it cleared and the
// first abort failure; failed entries stay for the next run.
func (j *Journal) AbortOrphans(ctx context.Context, client types.ObjectClient, cutoff time.Time) ([]Entry, error) {
	orphans, err := j.Orphans(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var (
		cleared  []Entry
		firstErr error
	)
	for _, o := range orphans {
		err := client.AbortMultipartUpload(ctx, o.Key, o.UploadID)
		if err != nil && !errors.IsKind(err, errors.KindNotFound) {
			j.logger.Warn("orphan abort failed", "key", o.Key, "upload_id", o.UploadID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := j.End(ctx, o.UploadID); err != nil {
			return cleared, err
		}
		j.logger.Info("orphan upload aborted", "key", o.Key, "upload_id", o.UploadID, "started_at", o.StartedAt)
		cleared = append(cleared, o)
	}
	return cleared, firstErr
}
