package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ppiankov/releasetrail/internal/model"
)

// MockProvider implements Provider for testing
type MockProvider struct {
	name     string
	response *SummarizeResponse
	err      error
	requests []SummarizeRequest
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Summarize(_ context.Context, req SummarizeRequest) (*SummarizeResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *MockProvider) IsAvailable(context.Context) bool {
	return true
}

func TestNewSummarizer_DisabledProvider(t *testing.T) {
	summarizer, err := NewSummarizer(Config{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if summarizer.IsEnabled() {
		t.Error("Expected summarizer to be disabled")
	}
	if summarizer.ProviderName() != "" {
		t.Error("Expected empty provider name when disabled")
	}
	if _, err := summarizer.Summarize(context.Background(), testRecord); !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
}

func TestSummarizer_Summarize_Success(t *testing.T) {
	mock := &MockProvider{name: "mock", response: &SummarizeResponse{Summary: "Short summary.", Model: "m-1"}}
	summarizer := NewSummarizerWithProvider(mock, DefaultConfig())

	got, err := summarizer.Summarize(context.Background(), testRecord)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	want := model.SummaryRecord{Organization: testRecord.Organization, Link: testRecord.Link, Summary: "Short summary.", Model: "m-1"}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if len(mock.requests) != 1 || len(mock.requests[0].AllowedURLs) != 1 || mock.requests[0].AllowedURLs[0] != testRecord.Link {
		t.Errorf("Expected only the release link to be allowed, got %+v", mock.requests)
	}
}

func TestSummarizer_Summarize_Errors(t *testing.T) {
	failing := NewSummarizerWithProvider(&MockProvider{name: "mock", err: errors.New("boom")}, DefaultConfig())
	if _, err := failing.Summarize(context.Background(), testRecord); err == nil || err.Error() != "boom" {
		t.Errorf("Expected provider error, got %v", err)
	}

	empty := NewSummarizerWithProvider(&MockProvider{name: "mock", response: &SummarizeResponse{}}, DefaultConfig())
	if _, err := empty.Summarize(context.Background(), testRecord); err == nil {
		t.Error("Expected error for empty summary")
	}

	mock := &MockProvider{name: "mock", response: &SummarizeResponse{Summary: "x"}}
	blank := NewSummarizerWithProvider(mock, DefaultConfig())
	if _, err := blank.Summarize(context.Background(), model.ContentRecord{Link: "https://x.test"}); err == nil {
		t.Error("Expected error for blank content")
	}
	if len(mock.requests) != 0 {
		t.Error("Expected no provider call for blank content")
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(testRecord, []string{testRecord.Link}, 0)
	for _, want := range []string{model.OrgSuncor, testRecord.Link, "lower emissions intensity", "- " + testRecord.Link} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Expected prompt to contain %q", want)
		}
	}
	if !strings.Contains(BuildPrompt(testRecord, nil, 0), "(none)") {
		t.Error("Expected empty allowlist marker")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 0); got != "abcdef" {
		t.Errorf("Expected no truncation, got %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc\n[truncated]" {
		t.Errorf("Unexpected truncation: %q", got)
	}
	// "é" is two bytes; cutting inside it backs up to the rune start
	if got := truncate("aé", 2); got != "a\n[truncated]" {
		t.Errorf("Expected rune-safe cut, got %q", got)
	}
}

func TestConfigFromModel(t *testing.T) {
	cfg := ConfigFromModel(model.DefaultConfig().LLM)
	if cfg.Provider != "" || !cfg.StrictCitation || cfg.MaxInputChars != 12000 {
		t.Errorf("Unexpected config: %+v", cfg)
	}
}
