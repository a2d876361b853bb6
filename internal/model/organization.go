package model

import (
	"fmt"
	"strings"
)

// Organization is one company on the roster
type Organization struct {
	Name        string `json:"name" yaml:"name" mapstructure:"name"`
	CurrentURL  string `json:"current_url" yaml:"current_url" mapstructure:"current_url"`
	ArchivedURL string `json:"archived_url,omitempty" yaml:"archived_url,omitempty" mapstructure:"archived_url"` // Resolved lazily
}

// ListingURL returns the listing page for the given provenance
func (o Organization) ListingURL(p Provenance) string {
	if p == ProvenanceArchived {
		return o.ArchivedURL
	}
	return o.CurrentURL
}

// Provenance records whether a link came from the live site or a snapshot
type Provenance string

const (
	ProvenanceCurrent  Provenance = "current"
	ProvenanceArchived Provenance = "archived"
)

// Provenances lists both provenances in processing order
var Provenances = []Provenance{ProvenanceCurrent, ProvenanceArchived}

// ParseProvenances converts a flag value into provenances.
// "all" and "" expand to both.
func ParseProvenances(s string) ([]Provenance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return Provenances, nil
	case string(ProvenanceCurrent):
		return []Provenance{ProvenanceCurrent}, nil
	case string(ProvenanceArchived), "archive", "wayback":
		return []Provenance{ProvenanceArchived}, nil
	default:
		return nil, fmt.Errorf("unknown provenance %q (supported: current, archived, all)", s)
	}
}

// AssetType classifies what a link points at
type AssetType string

const (
	AssetHTML AssetType = "html"
	AssetPDF  AssetType = "pdf"
)

// ParseAssetType validates a stored asset type
func ParseAssetType(s string) (AssetType, error) {
	switch AssetType(strings.ToLower(strings.TrimSpace(s))) {
	case AssetHTML:
		return AssetHTML, nil
	case AssetPDF:
		return AssetPDF, nil
	default:
		return "", fmt.Errorf("unknown asset type %q", s)
	}
}

// Roster names. Each must have a strategy registered in internal/sites.
const (
	OrgSuncor   = "Suncor Energy"
	OrgPembina  = "Pembina Pipeline"
	OrgImperial = "Imperial Oil"
	OrgEnbridge = "Enbridge"
	OrgCNRL     = "Canadian Natural Resources"
	OrgShell    = "Shell Canada"
)

// DefaultRoster returns the fixed set of organizations
func DefaultRoster() []Organization {
	return []Organization{
		{Name: OrgSuncor, CurrentURL: "https://www.suncor.com/en-ca/news-and-stories/news-releases"},
		{Name: OrgPembina, CurrentURL: "https://www.pembina.com/media-centre/news-releases"},
		{Name: OrgImperial, CurrentURL: "https://news.imperialoil.ca/news-releases/default.aspx"},
		{Name: OrgEnbridge, CurrentURL: "https://www.enbridge.com/media-center/news"},
		{Name: OrgCNRL, CurrentURL: "https://www.cnrl.com/investors/news-releases/"},
		{Name: OrgShell, CurrentURL: "https://www.shell.ca/en_ca/media/news-and-media-releases.html"},
	}
}

// FilterOrganizations keeps organizations whose name is in names.
// An empty filter keeps everything.
func FilterOrganizations(orgs []Organization, names []string) []Organization {
	if len(names) == 0 {
		return orgs
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(strings.TrimSpace(n))] = true
	}
	var out []Organization
	for _, o := range orgs {
		if want[strings.ToLower(o.Name)] {
			out = append(out, o)
		}
	}
	return out
}
