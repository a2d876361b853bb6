// Package ledger records completed downloads and per-item failures in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ppiankov/releasetrail/internal/model"
)

// Ledger wraps the SQLite database
type Ledger struct {
	db  *sql.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

// Open opens or creates the ledger at path
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	l := &Ledger{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Question).RunWith(db),
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return l, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS downloads (
		organization TEXT NOT NULL,
		provenance TEXT NOT NULL,
		link TEXT NOT NULL,
		path TEXT NOT NULL,
		downloaded_at TIMESTAMP NOT NULL,
		PRIMARY KEY (organization, provenance, link)
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_path ON downloads(path);

	CREATE TABLE IF NOT EXISTS failures (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		organization TEXT NOT NULL,
		provenance TEXT NOT NULL,
		link TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_failures_stage ON failures(stage, provenance);
	CREATE INDEX IF NOT EXISTS idx_failures_link ON failures(organization, link);
	`
	_, err := l.db.Exec(schema)
	return err
}

// NewRunID returns an identifier grouping the failures of one invocation
func NewRunID() string {
	return uuid.NewString()
}

// MarkDownloaded records a completed download. Marking twice is a no-op.
func (l *Ledger) MarkDownloaded(ctx context.Context, org string, prov model.Provenance, link, path string) error {
	_, err := l.sb.Insert("downloads").
		Options("OR IGNORE").
		Columns("organization", "provenance", "link", "path", "downloaded_at").
		Values(org, string(prov), link, path, l.now()).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	return nil
}

// IsDownloaded reports whether the link was already downloaded
func (l *Ledger) IsDownloaded(ctx context.Context, org string, prov model.Provenance, link string) (bool, error) {
	var n int
	err := l.sb.Select("COUNT(*)").
		From("downloads").
		Where(sq.Eq{"organization": org, "provenance": string(prov), "link": link}).
		QueryRowContext(ctx).
		Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query download: %w", err)
	}
	return n > 0, nil
}

// DownloadedPath returns the file recorded for a downloaded link
func (l *Ledger) DownloadedPath(ctx context.Context, org string, prov model.Provenance, link string) (string, bool, error) {
	var path string
	err := l.sb.Select("path").
		From("downloads").
		Where(sq.Eq{"organization": org, "provenance": string(prov), "link": link}).
		QueryRowContext(ctx).
		Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query download path: %w", err)
	}
	return path, true, nil
}

// PathOwner returns the record key of the download stored at path
func (l *Ledger) PathOwner(ctx context.Context, path string) (string, bool, error) {
	var org, link string
	err := l.sb.Select("organization", "link").
		From("downloads").
		Where(sq.Eq{"path": path}).
		Limit(1).
		QueryRowContext(ctx).
		Scan(&org, &link)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query path owner: %w", err)
	}
	return model.RecordKey(org, link), true, nil
}

// DownloadedKeys returns the record keys downloaded for a provenance
func (l *Ledger) DownloadedKeys(ctx context.Context, prov model.Provenance) (map[string]bool, error) {
	rows, err := l.sb.Select("organization", "link").
		From("downloads").
		Where(sq.Eq{"provenance": string(prov)}).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make(map[string]bool)
	for rows.Next() {
		var org, link string
		if err := rows.Scan(&org, &link); err != nil {
			return nil, err
		}
		keys[model.RecordKey(org, link)] = true
	}
	return keys, rows.Err()
}

// DownloadCount returns the number of downloads recorded for a provenance
func (l *Ledger) DownloadCount(ctx context.Context, prov model.Provenance) (int, error) {
	var n int
	err := l.sb.Select("COUNT(*)").
		From("downloads").
		Where(sq.Eq{"provenance": string(prov)}).
		QueryRowContext(ctx).
		Scan(&n)
	return n, err
}
