package sites

import (
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/ppiankov/releasetrail/internal/model"
)

// Pembina lists every release on one page
type Pembina struct{}

func (Pembina) Name() string { return model.OrgPembina }

func (Pembina) CollectLinks(ctx context.Context, env Env, listing Listing) ([]Link, error) {
	doc, err := env.Browser.Load(ctx, listing.URL)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}

	set := newLinkSet()
	set.addHrefs(doc, doc.Find("a.news-item"), model.AssetHTML)
	return set.links, nil
}

// ParseArticle reads the paragraphs directly under div.news-body. Some
// releases wrap them in one more div; releases without paragraphs fall
// back to the container's text.
func (Pembina) ParseArticle(doc *goquery.Document, _ model.Provenance) ([]string, error) {
	head, err := title(doc.Find("h1.large-text"), "h1.large-text")
	if err != nil {
		return nil, err
	}

	body := doc.Find("div.news-body").First()
	if body.Length() == 0 {
		return nil, missing("div.news-body")
	}

	blocks := []string{head}
	paragraphs := body.ChildrenFiltered("p")
	if paragraphs.Length() == 0 {
		inner := body.Find("div").First()
		if inner.Length() == 0 {
			return appendText(blocks, body.Text()), nil
		}
		paragraphs = inner.ChildrenFiltered("p")
	}
	paragraphs.Each(func(_ int, p *goquery.Selection) {
		blocks = appendText(blocks, p.Text())
	})
	return blocks, nil
}
