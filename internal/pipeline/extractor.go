package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/document"
	"github.com/ppiankov/releasetrail/internal/ledger"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/sites"
	"github.com/ppiankov/releasetrail/internal/store"
)

// ReasonCorruption is the failure reason for PDF text carrying the corruption marker
const ReasonCorruption = "corruption marker"

type textExtractor interface {
	ExtractText(ctx context.Context, path string, mode document.Mode) (string, error)
	IsCorrupted(text string) bool
}

// Extractor turns downloaded PDFs and article pages into content records
type Extractor struct {
	registry *sites.Registry
	browser  sites.Browser
	docs     textExtractor
	contents map[model.Provenance]*store.Contents
	ledger   *ledger.Ledger
	root     string
	failures *recorder
	log      *zap.Logger
}

// Extract extracts the text of every link and upserts it into the
// provenance's content store. A failing item is recorded and skipped.
func (e *Extractor) Extract(ctx context.Context, links []model.LinkRecord, prov model.Provenance, forceOCR bool) (Stats, error) {
	var stats Stats
	for _, link := range links {
		stats.Total++
		mode := document.ModeEmbedded
		if forceOCR {
			mode = document.ModeOCR
		}
		if err := e.extractOne(ctx, link, prov, mode); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			continue
		}
		stats.Done++
	}
	return stats, nil
}

// RetryFailed re-extracts content rows carrying the corruption marker and
// links with open extract failures. PDFs are re-run with OCR forced; the
// new text supersedes the old row.
func (e *Extractor) RetryFailed(ctx context.Context, links []model.LinkRecord, prov model.Provenance) (Stats, error) {
	var stats Stats
	byKey := make(map[string]model.LinkRecord, len(links))
	for _, l := range links {
		byKey[l.Key()] = l
	}

	var candidates []model.LinkRecord
	seen := make(map[string]bool)
	add := func(org, link string) {
		key := model.RecordKey(org, link)
		if seen[key] {
			return
		}
		seen[key] = true
		rec, ok := byKey[key]
		if !ok {
			rec = model.LinkRecord{Organization: org, Link: link, Type: model.AssetHTML}
			if p, err := assetLocation(ctx, e.ledger, e.root, rec, prov); err == nil {
				if _, err := os.Stat(p); err == nil {
					rec.Type = model.AssetPDF
				}
			}
		}
		candidates = append(candidates, rec)
	}

	for _, row := range e.contents[prov].Load("") {
		if e.docs.IsCorrupted(row.Content) {
			add(row.Organization, row.Link)
		}
	}
	open, err := e.failures.open(ctx, model.StageExtract, prov)
	if err != nil {
		return stats, err
	}
	for _, f := range open {
		add(f.Organization, f.Link)
	}

	e.log.Info("retrying failed extractions", zap.String("provenance", string(prov)), zap.Int("candidates", len(candidates)))
	for _, link := range candidates {
		stats.Total++
		if err := e.extractOne(ctx, link, prov, document.ModeOCR); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			continue
		}
		stats.Done++
	}
	return stats, nil
}

// extractOne extracts and stores one link. Any returned error has already
// been recorded.
func (e *Extractor) extractOne(ctx context.Context, link model.LinkRecord, prov model.Provenance, pdfMode document.Mode) error {
	var (
		text string
		err  error
	)
	if link.Type == model.AssetPDF {
		text, err = e.pdfText(ctx, link, prov, pdfMode)
	} else {
		text, err = e.articleText(ctx, link, prov)
	}
	if err != nil {
		e.failures.fail(ctx, model.StageExtract, link.Organization, prov, link.Link, err.Error())
		return err
	}

	rec := model.ContentRecord{Organization: link.Organization, Link: link.Link, Content: text}
	if _, err := e.contents[prov].Append(rec); err != nil {
		e.failures.fail(ctx, model.StageExtract, link.Organization, prov, link.Link, err.Error())
		return fmt.Errorf("store content: %w", err)
	}

	if link.Type == model.AssetPDF && e.docs.IsCorrupted(text) {
		// One open record per corrupted item
		e.failures.resolve(ctx, model.StageExtract, link.Organization, prov, link.Link)
		e.failures.fail(ctx, model.StageExtract, link.Organization, prov, link.Link, ReasonCorruption)
		return nil
	}
	e.failures.resolve(ctx, model.StageExtract, link.Organization, prov, link.Link)
	e.log.Debug("extracted",
		zap.String("org", link.Organization),
		zap.String("provenance", string(prov)),
		zap.String("url", link.Link),
		zap.Int("chars", len(text)))
	return nil
}

func (e *Extractor) pdfText(ctx context.Context, link model.LinkRecord, prov model.Provenance, mode document.Mode) (string, error) {
	p, err := assetLocation(ctx, e.ledger, e.root, link, prov)
	if err != nil {
		return "", err
	}
	return e.docs.ExtractText(ctx, p, mode)
}

func (e *Extractor) articleText(ctx context.Context, link model.LinkRecord, prov model.Provenance) (string, error) {
	site, err := e.registry.Lookup(link.Organization)
	if err != nil {
		return "", err
	}
	doc, err := e.browser.Load(ctx, link.Link)
	if err != nil {
		return "", fmt.Errorf("load article: %w", err)
	}
	blocks, err := site.ParseArticle(doc, prov)
	if err != nil {
		return "", err
	}
	return strings.Join(blocks, "\n"), nil
}
