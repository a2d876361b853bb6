package sites

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ppiankov/releasetrail/internal/model"
)

// cnrlBase is where release card paths live, for live and archived
// listings alike. Archived cards therefore point at the live host and are
// mapped back into the archive by the unhosted lookup.
var cnrlBase = &url.URL{Scheme: "https", Host: "www.cnrl.com", Path: "/"}

// CNRL lists releases as <cnrl-news-release-card link="..."> elements
// pointing at PDFs.
type CNRL struct{}

func (CNRL) Name() string { return model.OrgCNRL }

func (CNRL) CollectLinks(ctx context.Context, env Env, listing Listing) ([]Link, error) {
	doc, err := env.Browser.Load(ctx, listing.URL)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}

	set := newLinkSet()
	doc.Find(".wp-block-nf-cnrl-tabs cnrl-news-release-card").Each(func(_ int, card *goquery.Selection) {
		path, ok := card.Attr("link")
		if !ok || strings.TrimSpace(path) == "" {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(path))
		if err != nil {
			return
		}
		set.add(cnrlBase.ResolveReference(ref).String(), model.AssetPDF)
	})
	return set.links, nil
}

func (CNRL) ParseArticle(*goquery.Document, model.Provenance) ([]string, error) {
	return nil, ErrNotHTML
}
