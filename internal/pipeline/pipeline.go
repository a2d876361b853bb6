package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/archive"
	"github.com/ppiankov/releasetrail/internal/cache"
	"github.com/ppiankov/releasetrail/internal/document"
	"github.com/ppiankov/releasetrail/internal/ledger"
	"github.com/ppiankov/releasetrail/internal/llm"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/ratelimit"
	"github.com/ppiankov/releasetrail/internal/search"
	"github.com/ppiankov/releasetrail/internal/sites"
	"github.com/ppiankov/releasetrail/internal/store"
	"github.com/ppiankov/releasetrail/internal/util"
)

// Pipeline holds every resource of a run: HTTP clients, the page fetcher,
// the archive resolver, the ledger and the stores. Close releases them.
type Pipeline struct {
	config   *model.Config
	paths    model.Paths
	log      *zap.Logger
	runID    string
	registry *sites.Registry
	fetcher  *Fetcher
	resolver *archive.Resolver
	ledger   *ledger.Ledger
	links    map[model.Provenance]*store.Links
	contents map[model.Provenance]*store.Contents
	lookups  *store.Lookups
	failures *recorder

	collector  *Collector
	downloader *Downloader
	extractor  *Extractor
	reconciler *Reconciler
}

// NewPipeline acquires the resources described by cfg
func NewPipeline(cfg *model.Config, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}
	registry := sites.NewRegistry()
	for _, org := range cfg.Organizations {
		if _, err := registry.Lookup(org.Name); err != nil {
			return nil, err
		}
	}

	paths := cfg.Paths()
	limiter := ratelimit.FromConfig(cfg.RateLimiting)
	resolver := archive.NewResolver(
		util.NewHTTPClient(cfg.HTTP, cfg.Archive.Timeout),
		cfg.Archive,
		log.Named("archive"),
		archive.WithCache(cache.New(cfg.Cache, paths.Cache), cfg.Cache.DiskTTL),
		archive.WithLimiter(limiter),
		archive.WithUserAgent(cfg.HTTP.UserAgent),
	)

	client := util.NewHTTPClient(cfg.HTTP, cfg.HTTP.Timeout)
	opts := []FetcherOption{
		WithHostLimiter(limiter),
		WithArchiveMatcher(resolver.IsArchived),
		WithDownloadClient(util.NewHTTPClient(cfg.HTTP, cfg.HTTP.DownloadTimeout)),
	}
	if cfg.Robots.Respect {
		opts = append(opts, WithRobots(util.NewRobotsChecker(client, cfg.HTTP.UserAgent)))
	}
	fetcher := NewFetcher(client, cfg.HTTP, log.Named("fetch"), opts...)

	led, err := ledger.Open(paths.Ledger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:   cfg,
		paths:    paths,
		log:      log,
		runID:    ledger.NewRunID(),
		registry: registry,
		fetcher:  fetcher,
		resolver: resolver,
		ledger:   led,
		links:    make(map[model.Provenance]*store.Links),
		contents: make(map[model.Provenance]*store.Contents),
	}
	if err := p.openStores(); err != nil {
		_ = led.Close()
		return nil, err
	}
	p.failures = &recorder{ledger: led, runID: p.runID, log: log}

	p.collector = &Collector{
		registry:     registry,
		browser:      fetcher,
		resolver:     resolver,
		links:        p.links,
		cutoff:       cfg.Archive.Cutoff,
		listingLimit: cfg.Archive.ListingLimit,
		failures:     p.failures,
		now:          time.Now,
		log:          log.Named("collect"),
	}
	p.downloader = &Downloader{
		fetcher:  fetcher,
		ledger:   led,
		root:     paths.PDFRoot,
		failures: p.failures,
		log:      log.Named("download"),
	}
	p.extractor = &Extractor{
		registry: registry,
		browser:  fetcher,
		docs:     document.NewExtractor(cfg.Document),
		contents: p.contents,
		ledger:   led,
		root:     paths.PDFRoot,
		failures: p.failures,
		log:      log.Named("extract"),
	}
	p.reconciler = &Reconciler{
		resolver:    resolver,
		archived:    p.links[model.ProvenanceArchived],
		lookups:     p.lookups,
		mergedPath:  paths.MergedLinks,
		lookupLimit: cfg.Archive.LookupLimit,
		failures:    p.failures,
		log:         log.Named("reconcile"),
	}
	return p, nil
}

func (p *Pipeline) openStores() error {
	for _, prov := range model.Provenances {
		links, err := store.OpenLinks(p.paths.LinksPath(prov))
		if err != nil {
			return err
		}
		p.links[prov] = links
		contents, err := store.OpenContents(p.paths.ContentPath(prov))
		if err != nil {
			return err
		}
		p.contents[prov] = contents
	}
	lookups, err := store.OpenLookups(p.paths.Lookups)
	if err != nil {
		return err
	}
	p.lookups = lookups
	return nil
}

// Close releases the ledger
func (p *Pipeline) Close() error {
	return p.ledger.Close()
}

// RunID identifies this run in failure records
func (p *Pipeline) RunID() string {
	return p.runID
}

// Ledger exposes the download ledger and failure log
func (p *Pipeline) Ledger() *ledger.Ledger {
	return p.ledger
}

// Resolver exposes the archive resolver
func (p *Pipeline) Resolver() *archive.Resolver {
	return p.resolver
}

// Organizations returns the configured organizations matching names
func (p *Pipeline) Organizations(names []string) []model.Organization {
	orgs := model.FilterOrganizations(p.config.Organizations, names)
	out := make([]model.Organization, len(orgs))
	copy(out, orgs)
	return out
}

// CollectLinks discovers article links for the named organizations
func (p *Pipeline) CollectLinks(ctx context.Context, orgNames []string, provs []model.Provenance) (Stats, error) {
	return p.collector.CollectAll(ctx, p.Organizations(orgNames), provs)
}

// LookupArchives resolves snapshots for archived links that point at live sites
func (p *Pipeline) LookupArchives(ctx context.Context, orgNames []string) (Stats, error) {
	return p.reconciler.LookupUnhosted(ctx, p.orgNames(orgNames))
}

// Reconcile writes the merged archived link store
func (p *Pipeline) Reconcile() ([]model.LinkRecord, error) {
	return p.reconciler.Reconcile()
}

// Download fetches PDF assets for each provenance
func (p *Pipeline) Download(ctx context.Context, orgNames []string, provs []model.Provenance) (Stats, error) {
	var total Stats
	for _, prov := range provs {
		links, err := p.LinksFor(prov, orgNames)
		if err != nil {
			return total, err
		}
		stats, err := p.downloader.DownloadAll(ctx, links, prov)
		total = total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Extract extracts text for each provenance
func (p *Pipeline) Extract(ctx context.Context, orgNames []string, provs []model.Provenance, forceOCR bool) (Stats, error) {
	var total Stats
	for _, prov := range provs {
		links, err := p.LinksFor(prov, orgNames)
		if err != nil {
			return total, err
		}
		stats, err := p.extractor.Extract(ctx, links, prov, forceOCR)
		total = total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RetryFailed re-extracts corrupted or failed items with OCR forced
func (p *Pipeline) RetryFailed(ctx context.Context, provs []model.Provenance) (Stats, error) {
	var total Stats
	for _, prov := range provs {
		links, err := p.LinksFor(prov, nil)
		if err != nil {
			return total, err
		}
		stats, err := p.extractor.RetryFailed(ctx, links, prov)
		total = total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Index rebuilds the search index entries for every content record
func (p *Pipeline) Index() (int, error) {
	idx, err := search.Open(p.paths.Index, "ansi")
	if err != nil {
		return 0, err
	}
	defer idx.Close()

	total := 0
	for _, prov := range model.Provenances {
		n, err := idx.IndexContent(p.contents[prov].Load(""), prov)
		total += n
		if err != nil {
			return total, err
		}
	}
	p.log.Info("indexed content", zap.Int("documents", total), zap.String("path", p.paths.Index))
	return total, nil
}

// Summarize writes LLM summaries for content records that have none.
// Failing items are recorded and skipped.
func (p *Pipeline) Summarize(ctx context.Context, orgNames []string, provs []model.Provenance) (Stats, error) {
	var stats Stats
	summarizer, err := llm.NewSummarizer(llm.ConfigFromModel(p.config.LLM))
	if err != nil {
		return stats, err
	}
	if !summarizer.IsEnabled() {
		return stats, llm.ErrDisabled
	}
	summaries, err := store.OpenSummaries(p.paths.Summaries)
	if err != nil {
		return stats, err
	}

	want := p.orgNames(orgNames)
	for _, prov := range provs {
		for _, rec := range p.contents[prov].Load("") {
			if !containsOrg(want, rec.Organization) {
				continue
			}
			stats.Total++
			if _, ok := summaries.Get(rec.Key()); ok {
				stats.Skipped++
				continue
			}
			summary, err := summarizer.Summarize(ctx, rec)
			if err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				stats.Failed++
				p.failures.fail(ctx, model.StageSummarize, rec.Organization, prov, rec.Link, err.Error())
				continue
			}
			if _, err := summaries.Append(summary); err != nil {
				return stats, fmt.Errorf("store summary: %w", err)
			}
			stats.Done++
			p.failures.resolve(ctx, model.StageSummarize, rec.Organization, prov, rec.Link)
		}
	}
	return stats, nil
}

// RunReport holds the stats of every stage of Run
type RunReport struct {
	Collect  Stats
	Lookup   Stats
	Merged   int
	Download Stats
	Extract  Stats
	Indexed  int
}

// Run executes collect, archive lookup, reconcile, download, extract and
// index in order
func (p *Pipeline) Run(ctx context.Context, orgNames []string, provs []model.Provenance) (RunReport, error) {
	var report RunReport
	var err error

	if report.Collect, err = p.CollectLinks(ctx, orgNames, provs); err != nil {
		return report, fmt.Errorf("collect: %w", err)
	}
	if slices.Contains(provs, model.ProvenanceArchived) {
		if report.Lookup, err = p.LookupArchives(ctx, orgNames); err != nil {
			return report, fmt.Errorf("lookup: %w", err)
		}
		merged, err := p.Reconcile()
		if err != nil {
			return report, fmt.Errorf("reconcile: %w", err)
		}
		report.Merged = len(merged)
	}
	if report.Download, err = p.Download(ctx, orgNames, provs); err != nil {
		return report, fmt.Errorf("download: %w", err)
	}
	if report.Extract, err = p.Extract(ctx, orgNames, provs, false); err != nil {
		return report, fmt.Errorf("extract: %w", err)
	}
	if report.Indexed, err = p.Index(); err != nil {
		return report, fmt.Errorf("index: %w", err)
	}
	return report, nil
}

// LinksFor returns the links a provenance's download and extract stages
// work on. Archived stages read the merged store when it exists.
func (p *Pipeline) LinksFor(prov model.Provenance, orgNames []string) ([]model.LinkRecord, error) {
	src := p.links[prov]
	if prov == model.ProvenanceArchived {
		if _, err := os.Stat(p.paths.MergedLinks); err == nil {
			merged, err := store.OpenLinks(p.paths.MergedLinks)
			if err != nil {
				return nil, err
			}
			src = merged
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	want := p.orgNames(orgNames)
	var out []model.LinkRecord
	for _, l := range src.Load("") {
		if containsOrg(want, l.Organization) {
			out = append(out, l)
		}
	}
	return out, nil
}

// orgNames canonicalizes a user filter to configured names; nil keeps all
func (p *Pipeline) orgNames(filter []string) []string {
	if len(filter) == 0 {
		return nil
	}
	var names []string
	for _, o := range p.Organizations(filter) {
		names = append(names, o.Name)
	}
	if names == nil {
		// Unknown names match nothing rather than everything
		names = []string{""}
	}
	return names
}

func containsOrg(names []string, org string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if strings.EqualFold(n, org) {
			return true
		}
	}
	return false
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Total:   s.Total + o.Total,
		Done:    s.Done + o.Done,
		Skipped: s.Skipped + o.Skipped,
		Failed:  s.Failed + o.Failed,
	}
}
