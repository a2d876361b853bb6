package sites

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/archive"
	"github.com/ppiankov/releasetrail/internal/model"
)

// linkSet collects links in discovery order, dropping repeats
type linkSet struct {
	links []Link
	seen  map[string]struct{}
}

func newLinkSet() *linkSet {
	return &linkSet{seen: make(map[string]struct{})}
}

func (s *linkSet) add(rawURL string, typ model.AssetType) {
	if rawURL == "" {
		return
	}
	if _, ok := s.seen[rawURL]; ok {
		return
	}
	s.seen[rawURL] = struct{}{}
	s.links = append(s.links, Link{URL: rawURL, Type: typ})
}

// addHrefs adds the resolved href of every element in sel
func (s *linkSet) addHrefs(doc *goquery.Document, sel *goquery.Selection, typ model.AssetType) {
	sel.Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			s.add(absURL(doc, href), typ)
		}
	})
}

// absURL resolves href against the document's URL
func absURL(doc *goquery.Document, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if doc == nil || doc.Url == nil {
		return ref.String()
	}
	return doc.Url.ResolveReference(ref).String()
}

// hrefs returns the resolved hrefs of sel in order
func hrefs(doc *goquery.Document, sel *goquery.Selection) []string {
	var out []string
	sel.Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			if u := absURL(doc, href); u != "" {
				out = append(out, u)
			}
		}
	})
	return out
}

// resolveAll maps listing pages to snapshots bounded by env.AsOf. Playback
// URLs are re-resolved from their original URL so the bound still applies;
// pages without a snapshot are dropped.
func resolveAll(ctx context.Context, env Env, urls []string) ([]string, error) {
	var out []string
	for _, u := range urls {
		original := archive.OriginalURL(u)
		snapshot, err := env.Resolver.Resolve(ctx, archive.Query{URL: original, AsOf: env.AsOf})
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if !errors.Is(err, archive.ErrNotFound) {
				return out, err
			}
			env.logger().Warn("no snapshot for listing page", zap.String("url", original), zap.Error(err))
			continue
		}
		out = append(out, snapshot)
	}
	return out, nil
}

// normalize trims, turns newlines into spaces and collapses whitespace
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// appendText appends the normalized text when it is not empty
func appendText(blocks []string, text string) []string {
	if t := normalize(text); t != "" {
		return append(blocks, t)
	}
	return blocks
}

// appendBlock expands list items into their own blocks
func appendBlock(blocks []string, el *goquery.Selection) []string {
	if items := el.Find("li"); items.Length() > 0 {
		items.Each(func(_ int, li *goquery.Selection) {
			blocks = appendText(blocks, li.Text())
		})
		return blocks
	}
	return appendText(blocks, el.Text())
}

// title returns the normalized text of the first match or ErrMissingElement
func title(sel *goquery.Selection, what string) (string, error) {
	t := normalize(sel.First().Text())
	if sel.Length() == 0 || t == "" {
		return "", missing(what)
	}
	return t, nil
}

func missing(what string) error {
	return fmt.Errorf("%w: %s", ErrMissingElement, what)
}
