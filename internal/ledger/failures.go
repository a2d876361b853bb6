package ledger

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/ppiankov/releasetrail/internal/model"
)

// FailureFilter selects failure records. Zero fields match everything.
type FailureFilter struct {
	Stage           model.Stage
	Provenance      model.Provenance
	Organization    string
	IncludeResolved bool
}

// RecordFailure stores f, filling in ID and CreatedAt when unset
func (l *Ledger) RecordFailure(ctx context.Context, f model.FailureRecord) (model.FailureRecord, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = l.now()
	}

	_, err := l.sb.Insert("failures").
		Columns("id", "run_id", "stage", "organization", "provenance", "link", "reason", "created_at", "resolved_at").
		Values(f.ID, f.RunID, string(f.Stage), f.Organization, string(f.Provenance), f.Link, f.Reason, f.CreatedAt, f.ResolvedAt).
		ExecContext(ctx)
	if err != nil {
		return f, fmt.Errorf("record failure: %w", err)
	}
	return f, nil
}

// Failures lists failure records oldest first
func (l *Ledger) Failures(ctx context.Context, filter FailureFilter) ([]model.FailureRecord, error) {
	q := l.sb.Select("id", "run_id", "stage", "organization", "provenance", "link", "reason", "created_at", "resolved_at").
		From("failures").
		OrderBy("created_at", "id")

	if filter.Stage != "" {
		q = q.Where(sq.Eq{"stage": string(filter.Stage)})
	}
	if filter.Provenance != "" {
		q = q.Where(sq.Eq{"provenance": string(filter.Provenance)})
	}
	if filter.Organization != "" {
		q = q.Where(sq.Eq{"organization": filter.Organization})
	}
	if !filter.IncludeResolved {
		q = q.Where(sq.Eq{"resolved_at": nil})
	}

	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FailureRecord
	for rows.Next() {
		var (
			f        model.FailureRecord
			stage    string
			prov     string
			resolved sql.NullTime
		)
		if err := rows.Scan(&f.ID, &f.RunID, &stage, &f.Organization, &prov, &f.Link, &f.Reason, &f.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Stage = model.Stage(stage)
		f.Provenance = model.Provenance(prov)
		if resolved.Valid {
			t := resolved.Time
			f.ResolvedAt = &t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ResolveFailures marks the open failures for one item as resolved and
// returns how many were closed
func (l *Ledger) ResolveFailures(ctx context.Context, stage model.Stage, org string, prov model.Provenance, link string) (int64, error) {
	res, err := l.sb.Update("failures").
		Set("resolved_at", l.now()).
		Where(sq.Eq{
			"stage":        string(stage),
			"organization": org,
			"provenance":   string(prov),
			"link":         link,
			"resolved_at":  nil,
		}).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve failures: %w", err)
	}
	return res.RowsAffected()
}
