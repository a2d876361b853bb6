// Package sites holds the per-organization scraping strategies.
package sites

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/archive"
	"github.com/ppiankov/releasetrail/internal/model"
)

var (
	// ErrUnknownSite is returned for organizations without a strategy
	ErrUnknownSite = errors.New("no strategy registered")
	// ErrNotHTML is returned by strategies whose articles are documents
	ErrNotHTML = errors.New("articles are not HTML pages")
	// ErrMissingElement is returned when an expected page element is absent
	ErrMissingElement = errors.New("expected element not found")
)

// Browser loads and parses a page. Document.Url is set to the final URL.
type Browser interface {
	Load(ctx context.Context, url string) (*goquery.Document, error)
}

// ArchiveResolver finds the snapshot of a URL
type ArchiveResolver interface {
	Resolve(ctx context.Context, q archive.Query) (string, error)
}

// Env is what a strategy may use while collecting links
type Env struct {
	Browser  Browser
	Resolver ArchiveResolver
	// AsOf bounds every archived resolution made while crawling
	AsOf string
	Log  *zap.Logger
}

func (e Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Listing is the press-release index to crawl
type Listing struct {
	URL        string
	Provenance model.Provenance
}

// Link is one discovered article
type Link struct {
	URL  string
	Type model.AssetType
}

// Site is the strategy for one organization
type Site interface {
	// Name returns the organization name the strategy is registered under
	Name() string

	// CollectLinks crawls the listing and every year/page reachable from it
	CollectLinks(ctx context.Context, env Env, listing Listing) ([]Link, error)

	// ParseArticle returns the article's text blocks, title first
	ParseArticle(doc *goquery.Document, prov model.Provenance) ([]string, error)
}

// Registry maps organization names to strategies
type Registry struct {
	sites map[string]Site
}

// NewRegistry creates a registry holding every built-in strategy
func NewRegistry() *Registry {
	r := &Registry{sites: make(map[string]Site)}
	r.Register(Suncor{})
	r.Register(Pembina{})
	r.Register(Imperial{})
	r.Register(Enbridge{})
	r.Register(CNRL{})
	r.Register(Shell{})
	return r
}

// Register adds or replaces a strategy
func (r *Registry) Register(site Site) {
	r.sites[site.Name()] = site
}

// Lookup returns the strategy for an organization
func (r *Registry) Lookup(name string) (Site, error) {
	if site, ok := r.sites[name]; ok {
		return site, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSite, name)
}

// Names lists the registered organizations
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sites))
	for name := range r.sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
