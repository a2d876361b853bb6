package sites

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/model"
)

// Shell changed its page templates between the archived snapshots and the
// live site, so listing and article parsing depend on provenance. Archived
// listings keep older years in an expandable list of archive pages.
type Shell struct{}

func (Shell) Name() string { return model.OrgShell }

func (Shell) CollectLinks(ctx context.Context, env Env, listing Listing) ([]Link, error) {
	root, err := env.Browser.Load(ctx, listing.URL)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}

	set := newLinkSet()
	if listing.Provenance != model.ProvenanceArchived {
		root.Find("div[data-name='PressRelease']").Each(func(_ int, item *goquery.Selection) {
			set.addHrefs(root, item.Find("a").First(), model.AssetHTML)
		})
		return set.links, nil
	}

	shellArchivedItems(root, set)

	pages, err := resolveAll(ctx, env, hrefs(root, root.Find(".expandable-list__item-body a")))
	if err != nil {
		return set.links, err
	}
	visited := map[string]bool{listing.URL: true}
	for _, page := range pages {
		if visited[page] {
			continue
		}
		visited[page] = true
		doc, err := env.Browser.Load(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return set.links, ctx.Err()
			}
			env.logger().Warn("skipping archive page", zap.String("url", page), zap.Error(err))
			continue
		}
		shellArchivedItems(doc, set)
	}
	return set.links, nil
}

func shellArchivedItems(doc *goquery.Document, set *linkSet) {
	doc.Find(".promo-list__base .promo-list__text").Each(func(_ int, item *goquery.Selection) {
		set.addHrefs(doc, item.Find("a").First(), model.AssetHTML)
	})
}

// ParseArticle returns the title, the lead paragraph and the content
// blocks of the release
func (Shell) ParseArticle(doc *goquery.Document, prov model.Provenance) ([]string, error) {
	scope := doc.Find("#main").First()
	if scope.Length() == 0 {
		scope = doc.Selection
	}

	var (
		head       *goquery.Selection
		blurb      *goquery.Selection
		containers *goquery.Selection
	)
	if prov == model.ProvenanceArchived {
		head = scope.Find("div.page-header__body h1")
		blurb = scope.Find("p").FilterFunction(func(_ int, p *goquery.Selection) bool {
			return !p.HasClass("page-header__date")
		}).First()
		containers = scope.Find("div.textimage.parbase.section").FilterFunction(func(_ int, div *goquery.Selection) bool {
			return strings.Contains(div.AttrOr("class", ""), "basecomponent")
		})
	} else {
		header := scope.Find("div[data-name='PageHeader']").First()
		head = header.Find("h1")
		blurb = header.Find("p").First()
		containers = scope.Find("div[data-name*='PromoSimple']")
	}

	t, err := title(head, "release title")
	if err != nil {
		return nil, err
	}
	if blurb.Length() == 0 {
		return nil, missing("lead paragraph")
	}

	blocks := appendText([]string{t}, blurb.Text())
	containers.Each(func(_ int, c *goquery.Selection) {
		c.Find("p, ul, ol, h3").Each(func(_ int, el *goquery.Selection) {
			// Paragraphs inside lists are covered by their list item
			if el.ParentsUntilSelection(c).Filter("ul, ol").Length() > 0 {
				return
			}
			blocks = appendBlock(blocks, el)
		})
	})
	return blocks, nil
}
