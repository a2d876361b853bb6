package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/archive"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/sites"
	"github.com/ppiankov/releasetrail/internal/store"
)

// Collector discovers article links on each organization's listing pages
type Collector struct {
	registry     *sites.Registry
	browser      sites.Browser
	resolver     sites.ArchiveResolver
	links        map[model.Provenance]*store.Links
	cutoff       string
	listingLimit int
	failures     *recorder
	now          func() time.Time
	log          *zap.Logger
}

// Collect runs the organization's strategy on one listing and appends the
// links to the provenance's store. Links found before an error are kept.
func (c *Collector) Collect(ctx context.Context, org model.Organization, prov model.Provenance) ([]model.LinkRecord, error) {
	site, err := c.registry.Lookup(org.Name)
	if err != nil {
		return nil, err
	}
	listing := org.ListingURL(prov)
	if listing == "" {
		return nil, fmt.Errorf("%s has no %s listing URL", org.Name, prov)
	}

	env := sites.Env{
		Browser:  c.browser,
		Resolver: c.resolver,
		AsOf:     c.cutoff,
		Log:      c.log.With(zap.String("org", org.Name), zap.String("provenance", string(prov))),
	}
	found, collectErr := site.CollectLinks(ctx, env, sites.Listing{URL: listing, Provenance: prov})

	scraped := c.now().Format(model.DateScrapedLayout)
	records := make([]model.LinkRecord, 0, len(found))
	for _, l := range found {
		records = append(records, model.LinkRecord{
			Organization: org.Name,
			Link:         l.URL,
			DateScraped:  scraped,
			Type:         l.Type,
		})
	}

	res, err := c.links[prov].Append(records...)
	if err != nil {
		return records, errors.Join(collectErr, fmt.Errorf("store links: %w", err))
	}
	c.log.Info("collected links",
		zap.String("org", org.Name),
		zap.String("provenance", string(prov)),
		zap.Int("found", len(records)),
		zap.Int("added", res.Added),
		zap.Int("duplicates", res.Skipped))
	return records, collectErr
}

// CollectAll collects every organization for every provenance. Archived
// listing URLs are resolved lazily against the cutoff. A failing
// organization is recorded and skipped.
func (c *Collector) CollectAll(ctx context.Context, orgs []model.Organization, provs []model.Provenance) (Stats, error) {
	var stats Stats
	for _, prov := range provs {
		for i := range orgs {
			org := &orgs[i]
			stats.Total++

			if prov == model.ProvenanceArchived && org.ArchivedURL == "" {
				// Bounded by the cutoff; an unbounded lookup would pick captures made after it
				snapshot, err := c.resolver.Resolve(ctx, archive.Query{URL: org.CurrentURL, AsOf: c.cutoff, Limit: c.listingLimit})
				if err != nil {
					if ctx.Err() != nil {
						return stats, ctx.Err()
					}
					stats.Failed++
					c.failures.fail(ctx, model.StageResolve, org.Name, prov, org.CurrentURL, err.Error())
					continue
				}
				org.ArchivedURL = snapshot
			}

			records, err := c.Collect(ctx, *org, prov)
			if err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				stats.Failed++
				c.failures.fail(ctx, model.StageCollect, org.Name, prov, org.ListingURL(prov), err.Error())
				continue
			}
			stats.Done++
			c.failures.resolve(ctx, model.StageCollect, org.Name, prov, org.ListingURL(prov))
			if len(records) == 0 {
				c.log.Warn("no links found", zap.String("org", org.Name), zap.String("provenance", string(prov)))
			}
		}
	}
	return stats, nil
}
