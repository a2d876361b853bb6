package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/archive"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/store"
)

type snapshotResolver interface {
	Resolve(ctx context.Context, q archive.Query) (string, error)
	IsArchived(rawURL string) bool
}

// Merge left-joins primary with supplemental on Link and replaces Link with
// the lookup's WaybackLink when one is present. Inputs are not modified.
func Merge(primary []model.LinkRecord, supplemental []model.ArchiveLookup) []model.LinkRecord {
	replace := make(map[string]string, len(supplemental))
	for _, s := range supplemental {
		if s.WaybackLink != "" {
			replace[s.Link] = s.WaybackLink
		}
	}

	merged := make([]model.LinkRecord, len(primary))
	for i, r := range primary {
		if w, ok := replace[r.Link]; ok {
			r.Link = w
		}
		merged[i] = r
	}
	return merged
}

// Reconciler maps archived-listing links that point at the live site onto
// snapshots and writes the merged archived link store
type Reconciler struct {
	resolver    snapshotResolver
	archived    *store.Links
	lookups     *store.Lookups
	mergedPath  string
	lookupLimit int
	failures    *recorder
	log         *zap.Logger
}

// LookupUnhosted resolves the earliest snapshot of every archived link that
// is not already a snapshot URL. Links with a stored lookup are skipped.
func (r *Reconciler) LookupUnhosted(ctx context.Context, orgs []string) (Stats, error) {
	var stats Stats
	want := make(map[string]bool, len(orgs))
	for _, o := range orgs {
		want[o] = true
	}

	for _, link := range r.archived.Load("") {
		if len(want) > 0 && !want[link.Organization] {
			continue
		}
		if r.resolver.IsArchived(link.Link) {
			continue
		}
		stats.Total++
		if _, ok := r.lookups.Get(link.Link); ok {
			stats.Skipped++
			continue
		}

		snapshot, err := r.resolver.Resolve(ctx, archive.Query{URL: link.Link, Limit: r.lookupLimit})
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			r.failures.fail(ctx, model.StageResolve, link.Organization, model.ProvenanceArchived, link.Link, err.Error())
			continue
		}
		if _, err := r.lookups.Append(model.ArchiveLookup{WaybackLink: snapshot, Link: link.Link}); err != nil {
			return stats, fmt.Errorf("store lookup: %w", err)
		}
		stats.Done++
		r.failures.resolve(ctx, model.StageResolve, link.Organization, model.ProvenanceArchived, link.Link)
		r.log.Debug("resolved unhosted link", zap.String("url", link.Link), zap.String("snapshot", snapshot))
	}
	return stats, nil
}

// Reconcile writes the merged archived link store. The archived link store
// itself is left untouched.
func (r *Reconciler) Reconcile() ([]model.LinkRecord, error) {
	merged := Merge(r.archived.Load(""), r.lookups.Load(""))
	if err := store.WriteAll(r.mergedPath, store.LinkSchema, merged); err != nil {
		return nil, fmt.Errorf("write merged links: %w", err)
	}
	r.log.Info("reconciled archived links", zap.Int("rows", len(merged)), zap.String("path", r.mergedPath))
	return merged, nil
}
