package sites

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/model"
)

// Imperial filters releases by year through select#newsYear and pages each
// year with a .pager-next control that is disabled on the last page.
type Imperial struct{}

func (Imperial) Name() string { return model.OrgImperial }

func (Imperial) CollectLinks(ctx context.Context, env Env, listing Listing) ([]Link, error) {
	root, err := env.Browser.Load(ctx, listing.URL)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}

	visited := map[string]bool{listing.URL: true}
	set := newLinkSet()

	var yearPages []string
	root.Find("select#newsYear option").Each(func(_ int, opt *goquery.Selection) {
		if v, ok := opt.Attr("value"); ok && strings.TrimSpace(v) != "" {
			yearPages = append(yearPages, yearURL(root, strings.TrimSpace(v)))
		}
	})

	if len(yearPages) == 0 {
		if err := imperialPages(ctx, env, root, visited, set); err != nil {
			return set.links, err
		}
		return set.links, nil
	}

	delete(visited, listing.URL)
	for _, page := range yearPages {
		if visited[page] {
			continue
		}
		visited[page] = true
		doc := root
		if page != listing.URL {
			doc, err = env.Browser.Load(ctx, page)
			if err != nil {
				if ctx.Err() != nil {
					return set.links, ctx.Err()
				}
				env.logger().Warn("skipping year page", zap.String("url", page), zap.Error(err))
				continue
			}
		}
		if err := imperialPages(ctx, env, doc, visited, set); err != nil {
			return set.links, err
		}
	}
	return set.links, nil
}

// imperialPages collects doc and every page reachable through .pager-next
func imperialPages(ctx context.Context, env Env, doc *goquery.Document, visited map[string]bool, set *linkSet) error {
	for {
		set.addHrefs(doc, doc.Find("div.module_item.en .module_headline-link"), model.AssetHTML)

		next := doc.Find(".pager-next").First()
		if next.Length() == 0 || next.HasClass("pager-disabled") {
			return nil
		}
		href, _ := next.Attr("href")
		if href == "" {
			href, _ = next.Find("a").First().Attr("href")
		}
		nextURL := absURL(doc, href)
		if nextURL == "" || visited[nextURL] {
			return nil
		}
		visited[nextURL] = true

		var err error
		doc, err = env.Browser.Load(ctx, nextURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			env.logger().Warn("stopping pagination", zap.String("url", nextURL), zap.Error(err))
			return nil
		}
	}
}

// yearURL turns a year option into a listing URL. Options holding a path
// are resolved; plain years become a year query parameter.
func yearURL(doc *goquery.Document, value string) string {
	if strings.ContainsAny(value, "/?") {
		return absURL(doc, value)
	}
	if doc.Url == nil {
		return "?year=" + url.QueryEscape(value)
	}
	u := *doc.Url
	q := u.Query()
	q.Set("year", value)
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseArticle reads the release body, preferring the inner div.q4default
// container. Tables are skipped and list items become separate blocks.
func (Imperial) ParseArticle(doc *goquery.Document, _ model.Provenance) ([]string, error) {
	head, err := title(doc.Find("h3.module-details_title"), "h3.module-details_title")
	if err != nil {
		return nil, err
	}

	body := doc.Find(".module_body").First()
	if body.Length() == 0 {
		return nil, missing(".module_body")
	}
	if inner := body.Find("div.q4default").First(); inner.Length() > 0 {
		body = inner
	}

	blocks := []string{head}
	body.ChildrenFiltered("p, ul, ol, div").Each(func(_ int, el *goquery.Selection) {
		if el.HasClass("table-wrapper") {
			return
		}
		blocks = appendBlock(blocks, el)
	})
	return blocks, nil
}
