package store

import (
	"fmt"

	"github.com/ppiankov/releasetrail/internal/model"
)

// LinkSchema maps link records to Organization, Link, Date Scraped, Type
var LinkSchema = Schema[model.LinkRecord]{
	Header: []string{"Organization", "Link", "Date Scraped", "Type"},
	Encode: func(r model.LinkRecord) []string {
		return []string{r.Organization, r.Link, r.DateScraped, string(r.Type)}
	},
	Decode: func(f []string) (model.LinkRecord, error) {
		if len(f) < 4 {
			return model.LinkRecord{}, fmt.Errorf("%w: want 4 fields, got %d", ErrBadRow, len(f))
		}
		typ, err := model.ParseAssetType(f[3])
		if err != nil {
			return model.LinkRecord{}, fmt.Errorf("%w: %v", ErrBadRow, err)
		}
		return model.LinkRecord{Organization: f[0], Link: f[1], DateScraped: f[2], Type: typ}, nil
	},
	Key: model.LinkRecord.Key,
	Org: func(r model.LinkRecord) string { return r.Organization },
}

// ContentSchema maps content records to Organization, Link, Content
var ContentSchema = Schema[model.ContentRecord]{
	Header: []string{"Organization", "Link", "Content"},
	Encode: func(r model.ContentRecord) []string {
		return []string{r.Organization, r.Link, r.Content}
	},
	Decode: func(f []string) (model.ContentRecord, error) {
		if len(f) < 3 {
			return model.ContentRecord{}, fmt.Errorf("%w: want 3 fields, got %d", ErrBadRow, len(f))
		}
		return model.ContentRecord{Organization: f[0], Link: f[1], Content: f[2]}, nil
	},
	Key: model.ContentRecord.Key,
	Org: func(r model.ContentRecord) string { return r.Organization },
}

// LookupSchema maps archive lookups to Wayback Link, Link; keyed by Link
var LookupSchema = Schema[model.ArchiveLookup]{
	Header: []string{"Wayback Link", "Link"},
	Encode: func(r model.ArchiveLookup) []string {
		return []string{r.WaybackLink, r.Link}
	},
	Decode: func(f []string) (model.ArchiveLookup, error) {
		if len(f) < 2 {
			return model.ArchiveLookup{}, fmt.Errorf("%w: want 2 fields, got %d", ErrBadRow, len(f))
		}
		return model.ArchiveLookup{WaybackLink: f[0], Link: f[1]}, nil
	},
	Key: func(r model.ArchiveLookup) string { return r.Link },
}

// SummarySchema maps summaries to Organization, Link, Summary, Model
var SummarySchema = Schema[model.SummaryRecord]{
	Header: []string{"Organization", "Link", "Summary", "Model"},
	Encode: func(r model.SummaryRecord) []string {
		return []string{r.Organization, r.Link, r.Summary, r.Model}
	},
	Decode: func(f []string) (model.SummaryRecord, error) {
		if len(f) < 4 {
			return model.SummaryRecord{}, fmt.Errorf("%w: want 4 fields, got %d", ErrBadRow, len(f))
		}
		return model.SummaryRecord{Organization: f[0], Link: f[1], Summary: f[2], Model: f[3]}, nil
	},
	Key: model.SummaryRecord.Key,
	Org: func(r model.SummaryRecord) string { return r.Organization },
}

// Links is a link store
type Links = Table[model.LinkRecord]

// Contents is a content store
type Contents = Table[model.ContentRecord]

// Lookups is an archive lookup store
type Lookups = Table[model.ArchiveLookup]

// Summaries is a summary store
type Summaries = Table[model.SummaryRecord]

// OpenLinks opens a link store; existing links are never rewritten
func OpenLinks(path string) (*Links, error) {
	return Open(path, LinkSchema, SkipExisting)
}

// OpenContents opens a content store; the last write for a key wins
func OpenContents(path string) (*Contents, error) {
	return Open(path, ContentSchema, ReplaceExisting)
}

// OpenLookups opens an archive lookup store
func OpenLookups(path string) (*Lookups, error) {
	return Open(path, LookupSchema, ReplaceExisting)
}

// OpenSummaries opens a summary store
func OpenSummaries(path string) (*Summaries, error) {
	return Open(path, SummarySchema, ReplaceExisting)
}
