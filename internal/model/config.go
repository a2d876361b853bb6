package model

import (
	"path/filepath"
	"time"
)

// Config is the complete releasetrail configuration
type Config struct {
	Output        OutputConfig       `yaml:"output" mapstructure:"output"`
	HTTP          HTTPConfig         `yaml:"http" mapstructure:"http"`
	Archive       ArchiveConfig      `yaml:"archive" mapstructure:"archive"`
	Cache         CacheConfig        `yaml:"cache" mapstructure:"cache"`
	RateLimiting  RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	Robots        RobotsConfig       `yaml:"robots" mapstructure:"robots"`
	Document      DocumentConfig     `yaml:"document" mapstructure:"document"`
	LLM           LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Logging       LoggingConfig      `yaml:"logging" mapstructure:"logging"`
	Organizations []Organization     `yaml:"organizations" mapstructure:"organizations"`
}

// OutputConfig controls where stage outputs are persisted
type OutputConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// HTTPConfig controls page and asset fetching
type HTTPConfig struct {
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	DownloadTimeout  time.Duration `yaml:"download_timeout" mapstructure:"download_timeout"`
	UserAgent        string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes" mapstructure:"max_download_bytes"`
	InsecureTLS      bool          `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	HTTPProxy        string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy       string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy          string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
	// Page loads retry with a doubling wait starting at PageRetryWait
	PageRetryWait     time.Duration `yaml:"page_retry_wait" mapstructure:"page_retry_wait"`
	CurrentPageRetry  int           `yaml:"current_page_retries" mapstructure:"current_page_retries"`
	ArchivedPageRetry int           `yaml:"archived_page_retries" mapstructure:"archived_page_retries"`
}

// ArchiveConfig controls the snapshot index client
type ArchiveConfig struct {
	Endpoint       string        `yaml:"endpoint" mapstructure:"endpoint"`
	Prefix         string        `yaml:"prefix" mapstructure:"prefix"`
	Cutoff         string        `yaml:"cutoff" mapstructure:"cutoff"` // YYYYMMDDhhmmss or a prefix of it; empty disables
	ListingLimit   int           `yaml:"listing_limit" mapstructure:"listing_limit"`
	LookupLimit    int           `yaml:"lookup_limit" mapstructure:"lookup_limit"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	TransportDelay time.Duration `yaml:"transport_delay" mapstructure:"transport_delay"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// CacheConfig controls the archive-resolution cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir,omitempty" mapstructure:"dir"` // Defaults to {output}/cache
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// RateLimitingConfig controls per-host pacing
type RateLimitingConfig struct {
	RequestsPerSecond float64            `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BurstSize         int                `yaml:"burst_size" mapstructure:"burst_size"`
	HostOverrides     map[string]float64 `yaml:"host_overrides,omitempty" mapstructure:"host_overrides"`
}

// RobotsConfig controls robots.txt handling for live sites
type RobotsConfig struct {
	Respect bool `yaml:"respect" mapstructure:"respect"`
}

// DocumentConfig controls PDF text extraction
type DocumentConfig struct {
	OCRCommand       []string `yaml:"ocr_command" mapstructure:"ocr_command"`
	CorruptionMarker string   `yaml:"corruption_marker" mapstructure:"corruption_marker"`
}

// LLMConfig controls optional disclosure summaries
type LLMConfig struct {
	Provider       string        `yaml:"provider" mapstructure:"provider"` // openai, ollama, "" (disabled)
	Model          string        `yaml:"model" mapstructure:"model"`
	APIKey         string        `yaml:"-" mapstructure:"api_key"`
	BaseURL        string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxTokens      int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxInputChars  int           `yaml:"max_input_chars" mapstructure:"max_input_chars"`
	StrictCitation bool          `yaml:"strict_citation" mapstructure:"strict_citation"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // console, json
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{Dir: "output"},
		HTTP: HTTPConfig{
			Timeout:           25 * time.Second,
			DownloadTimeout:   2 * time.Minute,
			UserAgent:         "Mozilla/5.0 (compatible; ResearchBot/1.0; +https://example.org/contact)",
			MaxBodyBytes:      5_000_000,
			MaxDownloadBytes:  200_000_000,
			PageRetryWait:     5 * time.Second,
			CurrentPageRetry:  1,
			ArchivedPageRetry: 5,
		},
		Archive: ArchiveConfig{
			Endpoint:       "http://web.archive.org/cdx/search/cdx",
			Prefix:         "http://web.archive.org/web",
			Cutoff:         "20240620",
			ListingLimit:   -1,
			LookupLimit:    1,
			MaxAttempts:    5,
			TransportDelay: 2 * time.Second,
			Timeout:        25 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:   true,
			MemoryTTL: time.Hour,
			DiskTTL:   30 * 24 * time.Hour,
		},
		RateLimiting: RateLimitingConfig{
			RequestsPerSecond: 1,
			BurstSize:         2,
		},
		Robots: RobotsConfig{Respect: true},
		Document: DocumentConfig{
			OCRCommand:       []string{"ocrmypdf", "--force-ocr", "--sidecar", "{sidecar}", "{input}", "{output}"},
			CorruptionMarker: "GLYPH",
		},
		LLM: LLMConfig{
			Model:          "gpt-4o-mini",
			Timeout:        60 * time.Second,
			MaxTokens:      400,
			MaxInputChars:  12000,
			StrictCitation: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Organizations: DefaultRoster(),
	}
}

// Paths resolves every persisted artifact under the output directory
type Paths struct {
	CurrentLinks  string
	ArchivedLinks string
	Lookups       string
	MergedLinks   string
	CurrentText   string
	ArchivedText  string
	Summaries     string
	PDFRoot       string
	Ledger        string
	Index         string
	Cache         string
}

// Paths returns the output layout for this configuration
func (c *Config) Paths() Paths {
	dir := c.Output.Dir
	cacheDir := c.Cache.Dir
	if cacheDir == "" {
		cacheDir = filepath.Join(dir, "cache")
	}
	return Paths{
		CurrentLinks:  filepath.Join(dir, "links", "article_links.csv"),
		ArchivedLinks: filepath.Join(dir, "links", "wayback_article_links.csv"),
		Lookups:       filepath.Join(dir, "links", "unhosted_wayback_links.csv"),
		MergedLinks:   filepath.Join(dir, "links", "merged_wayback_article_links.csv"),
		CurrentText:   filepath.Join(dir, "content", "raw_content.csv"),
		ArchivedText:  filepath.Join(dir, "content", "raw_wayback_content.csv"),
		Summaries:     filepath.Join(dir, "content", "summaries.csv"),
		PDFRoot:       filepath.Join(dir, "pdfs"),
		Ledger:        filepath.Join(dir, "ledger.db"),
		Index:         filepath.Join(dir, "index.bleve"),
		Cache:         cacheDir,
	}
}

// LinksPath returns the link store for a provenance
func (p Paths) LinksPath(prov Provenance) string {
	if prov == ProvenanceArchived {
		return p.ArchivedLinks
	}
	return p.CurrentLinks
}

// ContentPath returns the content store for a provenance
func (p Paths) ContentPath(prov Provenance) string {
	if prov == ProvenanceArchived {
		return p.ArchivedText
	}
	return p.CurrentText
}
