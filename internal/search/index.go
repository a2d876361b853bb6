// Package search keeps a bleve full-text index over extracted content.
package search

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ppiankov/releasetrail/internal/model"
)

const batchSize = 500

// Index wraps a bleve index
type Index struct {
	index bleve.Index
	style string
}

// Document is one content record as indexed
type Document struct {
	Organization string
	Provenance   string
	Link         string
	Title        string
	Content      string
}

// Hit is one search result
type Hit struct {
	ID           string
	Organization string
	Provenance   string
	Link         string
	Title        string
	Score        float64
	Fragments    map[string][]string
}

// Open opens the index at path, creating it when missing. Highlight
// fragments use the given style ("ansi" or "html").
func Open(path, style string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if style == "" {
		style = "ansi"
	}
	return &Index{index: idx, style: style}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = "en"

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("Organization", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("Provenance", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("Link", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("Title", text)
	docMapping.AddFieldMappingsAt("Content", text)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)
	indexMapping.DefaultField = "Content"
	return indexMapping
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

// DocumentID identifies a content record across provenances
func DocumentID(prov model.Provenance, rec model.ContentRecord) string {
	return string(prov) + "|" + rec.Organization + "|" + rec.Link
}

// IndexContent adds or replaces the records of one provenance. Records
// with no text are skipped.
func (i *Index) IndexContent(records []model.ContentRecord, prov model.Provenance) (int, error) {
	batch := i.index.NewBatch()
	indexed := 0
	for _, rec := range records {
		if strings.TrimSpace(rec.Content) == "" {
			continue
		}
		doc := Document{
			Organization: rec.Organization,
			Provenance:   string(prov),
			Link:         rec.Link,
			Title:        firstLine(rec.Content),
			Content:      rec.Content,
		}
		if err := batch.Index(DocumentID(prov, rec), doc); err != nil {
			return indexed, fmt.Errorf("index %s: %w", rec.Link, err)
		}
		indexed++
		if batch.Size() >= batchSize {
			if err := i.index.Batch(batch); err != nil {
				return indexed, fmt.Errorf("flush batch: %w", err)
			}
			batch.Reset()
		}
	}
	if batch.Size() > 0 {
		if err := i.index.Batch(batch); err != nil {
			return indexed, fmt.Errorf("flush batch: %w", err)
		}
	}
	return indexed, nil
}

// Count returns the number of indexed documents
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

// Search runs a query-string query (quotes, +/-, field:value) and returns
// up to size hits with highlighted fragments
func (i *Index) Search(queryStr string, size int) ([]Hit, error) {
	if size <= 0 {
		size = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(queryStr), size, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle(i.style)
	req.Highlight.AddField("Content")
	req.Fields = []string{"Organization", "Provenance", "Link", "Title"}

	res, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score, Fragments: h.Fragments}
		hit.Organization, _ = h.Fields["Organization"].(string)
		hit.Provenance, _ = h.Fields["Provenance"].(string)
		hit.Link, _ = h.Fields["Link"].(string)
		hit.Title, _ = h.Fields["Title"].(string)
		hits = append(hits, hit)
	}
	return hits, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
