package sites

import (
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/ppiankov/releasetrail/internal/model"
)

// Suncor publishes every release as a PDF. The listing shows recent
// releases as download links and the rest inside an accordion.
type Suncor struct{}

func (Suncor) Name() string { return model.OrgSuncor }

func (Suncor) CollectLinks(ctx context.Context, env Env, listing Listing) ([]Link, error) {
	doc, err := env.Browser.Load(ctx, listing.URL)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}

	set := newLinkSet()
	set.addHrefs(doc, doc.Find("a.download-embed__link"), model.AssetPDF)
	set.addHrefs(doc, doc.Find(".accordion-group__items a"), model.AssetPDF)
	return set.links, nil
}

func (Suncor) ParseArticle(*goquery.Document, model.Provenance) ([]string, error) {
	return nil, ErrNotHTML
}
