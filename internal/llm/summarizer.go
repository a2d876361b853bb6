package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/releasetrail/internal/model"
)

// ErrDisabled is returned when no provider is configured
var ErrDisabled = errors.New("LLM summaries are disabled")

// Summarizer turns content records into summary records
type Summarizer struct {
	provider Provider
	config   Config
}

// NewSummarizer creates a summarizer for config. A disabled provider yields
// a summarizer whose IsEnabled is false.
func NewSummarizer(config Config) (*Summarizer, error) {
	provider, err := NewProvider(config)
	if err != nil {
		return nil, err
	}
	return &Summarizer{provider: provider, config: config}, nil
}

// NewSummarizerWithProvider wraps an existing provider
func NewSummarizerWithProvider(provider Provider, config Config) *Summarizer {
	return &Summarizer{provider: provider, config: config}
}

// IsEnabled reports whether a provider is configured
func (s *Summarizer) IsEnabled() bool {
	return s.provider != nil
}

// ProviderName returns the provider name, or "" when disabled
func (s *Summarizer) ProviderName() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.Name()
}

// Summarize summarizes one release. The summary may cite only the
// release's own link.
func (s *Summarizer) Summarize(ctx context.Context, rec model.ContentRecord) (model.SummaryRecord, error) {
	if s.provider == nil {
		return model.SummaryRecord{}, ErrDisabled
	}
	if strings.TrimSpace(rec.Content) == "" {
		return model.SummaryRecord{}, fmt.Errorf("no content to summarize")
	}

	resp, err := s.provider.Summarize(ctx, SummarizeRequest{
		Record:      rec,
		AllowedURLs: []string{rec.Link},
	})
	if err != nil {
		return model.SummaryRecord{}, err
	}
	if resp == nil || resp.Summary == "" {
		return model.SummaryRecord{}, fmt.Errorf("empty summary from %s", s.provider.Name())
	}

	return model.SummaryRecord{
		Organization: rec.Organization,
		Link:         rec.Link,
		Summary:      resp.Summary,
		Model:        resp.Model,
	}, nil
}
