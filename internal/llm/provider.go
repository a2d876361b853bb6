// Package llm writes short disclosure summaries of extracted press releases.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/releasetrail/internal/model"
)

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Summarize generates a summary of one release
	Summarize(ctx context.Context, req SummarizeRequest) (*SummarizeResponse, error)

	// IsAvailable checks if the provider is configured and reachable
	IsAvailable(ctx context.Context) bool
}

// SummarizeRequest contains the input for one summary
type SummarizeRequest struct {
	Record model.ContentRecord

	// AllowedURLs is the only set of URLs the summary may cite
	AllowedURLs []string

	// Prompt overrides BuildPrompt when set
	Prompt string

	Model     string
	MaxTokens int
}

// SummarizeResponse contains the LLM's output
type SummarizeResponse struct {
	Summary    string
	CitedURLs  []string
	Model      string
	TokensUsed int
}

// Config holds LLM provider configuration
type Config struct {
	// Provider name: "openai", "ollama", ""
	Provider string
	Model    string
	APIKey   string
	// BaseURL points at any OpenAI-compatible endpoint
	BaseURL        string
	Timeout        time.Duration
	StrictCitation bool
	MaxTokens      int
	MaxInputChars  int
}

// DefaultConfig returns the defaults; the provider is disabled
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		StrictCitation: true,
		MaxTokens:      400,
		MaxInputChars:  12000,
	}
}

// ConfigFromModel converts model.LLMConfig to llm.Config
func ConfigFromModel(c model.LLMConfig) Config {
	return Config{
		Provider:       c.Provider,
		Model:          c.Model,
		APIKey:         c.APIKey,
		BaseURL:        c.BaseURL,
		Timeout:        c.Timeout,
		StrictCitation: c.StrictCitation,
		MaxTokens:      c.MaxTokens,
		MaxInputChars:  c.MaxInputChars,
	}
}

// BuildPrompt constructs the summarization prompt for one release
func BuildPrompt(rec model.ContentRecord, allowedURLs []string, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are summarizing a corporate press release for researchers tracking environmental and climate disclosures by Canadian energy companies.

RULES:
1. Summarize only what the release states. Do not speculate or add outside knowledge.
2. You may cite only these URLs:%s
3. Mention any environmental, emissions or climate claims explicitly. If there are none, say so.
4. Answer in 2-4 sentences.

Organization: %s
Source: %s

Release text:
`, joinURLs(allowedURLs), rec.Organization, rec.Link)
	b.WriteString(truncate(rec.Content, maxChars))
	return b.String()
}

func joinURLs(urls []string) string {
	if len(urls) == 0 {
		return " (none)"
	}
	var b strings.Builder
	for _, u := range urls {
		b.WriteString("\n   - ")
		b.WriteString(u)
	}
	return b.String()
}

// truncate cuts s to at most max bytes on a rune boundary. max <= 0 keeps s.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
