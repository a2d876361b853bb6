package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrCitationLeak is returned when a strict summary cites a URL outside the allowlist
var ErrCitationLeak = errors.New("summary cites a disallowed URL")

var urlPattern = regexp.MustCompile(`https?://[^\s\)\]]+`)

// OpenAIProvider implements Provider on the Chat Completions API. Any
// OpenAI-compatible endpoint (Ollama, vLLM) works through BaseURL.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	config Config
}

// NewOpenAIProvider creates a provider for the OpenAI API
func NewOpenAIProvider(config Config) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return newCompatProvider("openai", config), nil
}

// NewOllamaProvider creates a provider for Ollama's OpenAI-compatible API.
// No key is needed.
func NewOllamaProvider(config Config) (*OpenAIProvider, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434/v1"
	}
	if config.APIKey == "" {
		config.APIKey = "ollama"
	}
	if config.Model == "" {
		return nil, fmt.Errorf("ollama requires a model name")
	}
	return newCompatProvider("ollama", config), nil
}

func newCompatProvider(name string, config Config) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return p.name
}

// IsAvailable lists models as a cheap reachability check
func (p *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	_, err := p.client.ListModels(ctx)
	return err == nil
}

// Summarize generates a summary with the Chat Completions API
func (p *OpenAIProvider) Summarize(ctx context.Context, req SummarizeRequest) (*SummarizeResponse, error) {
	prompt := req.Prompt
	if prompt == "" {
		prompt = BuildPrompt(req.Record, req.AllowedURLs, p.config.MaxInputChars)
	}

	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	if model == "" {
		model = openai.GPT4oMini
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = 400
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You summarize press releases factually and cite only the sources you are given.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("%s API error: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from %s", p.name)
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	cited := extractURLs(summary)
	if p.config.StrictCitation {
		for _, u := range cited {
			if !slices.Contains(req.AllowedURLs, u) {
				return nil, fmt.Errorf("%w: %s", ErrCitationLeak, u)
			}
		}
	}

	return &SummarizeResponse{
		Summary:    summary,
		CitedURLs:  cited,
		Model:      model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// extractURLs returns the distinct http(s) URLs in text
func extractURLs(text string) []string {
	seen := make(map[string]bool)
	var unique []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?\"'")
		if !seen[u] {
			seen[u] = true
			unique = append(unique, u)
		}
	}
	return unique
}
