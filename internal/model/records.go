package model

import "time"

// DateScrapedLayout is the layout used for LinkRecord.DateScraped
const DateScrapedLayout = "01/02/2006"

// LinkRecord is one discovered article link
type LinkRecord struct {
	Organization string    `json:"organization"`
	Link         string    `json:"link"`
	DateScraped  string    `json:"date_scraped"`
	Type         AssetType `json:"type"`
}

// Key identifies the record inside a store
func (r LinkRecord) Key() string {
	return RecordKey(r.Organization, r.Link)
}

// ContentRecord is the extracted text of one article
type ContentRecord struct {
	Organization string `json:"organization"`
	Link         string `json:"link"`
	Content      string `json:"content"`
}

// Key identifies the record inside a store
func (r ContentRecord) Key() string {
	return RecordKey(r.Organization, r.Link)
}

// ArchiveLookup maps an archived-listing link to a resolved snapshot URL
type ArchiveLookup struct {
	WaybackLink string `json:"wayback_link"`
	Link        string `json:"link"`
}

// SummaryRecord is an LLM disclosure summary of one article
type SummaryRecord struct {
	Organization string `json:"organization"`
	Link         string `json:"link"`
	Summary      string `json:"summary"`
	Model        string `json:"model"`
}

// Key identifies the record inside a store
func (r SummaryRecord) Key() string {
	return RecordKey(r.Organization, r.Link)
}

// RecordKey builds the (organization, link) key shared by the stores
func RecordKey(org, link string) string {
	return org + "\x1f" + link
}

// Stage names a pipeline stage in failure records
type Stage string

const (
	StageCollect   Stage = "collect"
	StageResolve   Stage = "resolve"
	StageDownload  Stage = "download"
	StageExtract   Stage = "extract"
	StageSummarize Stage = "summarize"
)

// FailureRecord is a structured record of a skipped item
type FailureRecord struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	Stage        Stage      `json:"stage"`
	Organization string     `json:"organization"`
	Provenance   Provenance `json:"provenance"`
	Link         string     `json:"link"`
	Reason       string     `json:"reason"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}
