package sites

import (
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/model"
)

// Enbridge shows the current year on the listing and earlier years behind
// .year-tabs links. The first tab is the current year.
type Enbridge struct{}

func (Enbridge) Name() string { return model.OrgEnbridge }

func (Enbridge) CollectLinks(ctx context.Context, env Env, listing Listing) ([]Link, error) {
	root, err := env.Browser.Load(ctx, listing.URL)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}

	set := newLinkSet()
	enbridgeItems(root, set)

	tabs := hrefs(root, root.Find(".year-tabs").First().Find("a"))
	if len(tabs) > 0 {
		tabs = tabs[1:]
	}
	if listing.Provenance == model.ProvenanceArchived {
		if tabs, err = resolveAll(ctx, env, tabs); err != nil {
			return set.links, err
		}
	}

	visited := map[string]bool{listing.URL: true}
	for _, tab := range tabs {
		if visited[tab] {
			continue
		}
		visited[tab] = true
		doc, err := env.Browser.Load(ctx, tab)
		if err != nil {
			if ctx.Err() != nil {
				return set.links, ctx.Err()
			}
			env.logger().Warn("skipping year tab", zap.String("url", tab), zap.Error(err))
			continue
		}
		enbridgeItems(doc, set)
	}
	return set.links, nil
}

func enbridgeItems(doc *goquery.Document, set *linkSet) {
	set.addHrefs(doc, doc.Find(".news-items").First().Find("a"), model.AssetHTML)
}

// ParseArticle reads the first div under <main>; its paragraphs and lists
// are the release body.
func (Enbridge) ParseArticle(doc *goquery.Document, _ model.Provenance) ([]string, error) {
	main := doc.Find("main").First()
	if main.Length() == 0 {
		return nil, missing("main")
	}
	head, err := title(main.Find("h1#startMainContent"), "h1#startMainContent")
	if err != nil {
		return nil, err
	}
	body := main.ChildrenFiltered("div").First()
	if body.Length() == 0 {
		return nil, missing("main > div")
	}

	blocks := []string{head}
	body.ChildrenFiltered("p, ul, ol").Each(func(_ int, el *goquery.Selection) {
		blocks = appendBlock(blocks, el)
	})
	return blocks, nil
}
